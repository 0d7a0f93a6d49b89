package transport

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MessageKind tags the variant carried by a Message
type MessageKind uint8

const (
	KindMetadata MessageKind = iota + 1
	KindChunk
	KindAck
	KindNak
	KindExport
	KindSync
	KindDone
	KindError
	KindImport
)

// String returns the string representation of MessageKind
func (k MessageKind) String() string {
	switch k {
	case KindMetadata:
		return "METADATA"
	case KindChunk:
		return "CHUNK"
	case KindAck:
		return "ACK"
	case KindNak:
		return "NAK"
	case KindExport:
		return "EXPORT"
	case KindSync:
		return "SYNC"
	case KindDone:
		return "DONE"
	case KindError:
		return "ERROR"
	case KindImport:
		return "IMPORT"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// ErrorCode classifies the failure reported by an Error message
type ErrorCode uint8

const (
	CodeUnknown ErrorCode = iota
	CodeFileNotFound
	CodeIncomplete
	CodeHashMismatch
	CodeProtocolViolation
	CodeStorage
	CodeBusy
)

const (
	// MaxDatagram is the largest UDP payload we ever produce or accept.
	MaxDatagram = 65507
	// MaxPayload bounds the chunk bytes inside one message, leaving room for the envelope.
	MaxPayload = 60000
	// MaxSyncIndices bounds the missing list of one SYNC so it fits a datagram.
	MaxSyncIndices = 8192
)

var (
	ErrMalformed = errors.New("malformed message")
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("transport: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Message is one protocol datagram. Which fields are meaningful depends on Kind:
//
//	METADATA  Hash Total Mode
//	CHUNK     Hash Index Payload
//	ACK/NAK   Hash Index
//	EXPORT    Hash Path Mode
//	SYNC      Hash Missing
//	DONE      Hash
//	ERROR     Hash Code Reason (Hash may be empty for IMPORT failures)
//	IMPORT    Path
type Message struct {
	Kind    MessageKind `cbor:"1,keyasint"`
	Hash    string      `cbor:"2,keyasint,omitempty"`
	Index   uint32      `cbor:"3,keyasint,omitempty"`
	Total   uint32      `cbor:"4,keyasint,omitempty"`
	Mode    uint32      `cbor:"5,keyasint,omitempty"`
	Path    string      `cbor:"6,keyasint,omitempty"`
	Payload []byte      `cbor:"7,keyasint,omitempty"`
	Missing []uint32    `cbor:"8,keyasint,omitempty"`
	Code    ErrorCode   `cbor:"9,keyasint,omitempty"`
	Reason  string      `cbor:"10,keyasint,omitempty"`
}

func Metadata(hash string, total, mode uint32) *Message {
	return &Message{Kind: KindMetadata, Hash: hash, Total: total, Mode: mode}
}

func Chunk(hash string, index uint32, payload []byte) *Message {
	return &Message{Kind: KindChunk, Hash: hash, Index: index, Payload: payload}
}

func Ack(hash string, index uint32) *Message {
	return &Message{Kind: KindAck, Hash: hash, Index: index}
}

func Nak(hash string, index uint32) *Message {
	return &Message{Kind: KindNak, Hash: hash, Index: index}
}

func Export(hash, path string, mode uint32) *Message {
	return &Message{Kind: KindExport, Hash: hash, Path: path, Mode: mode}
}

func Sync(hash string, missing []uint32) *Message {
	return &Message{Kind: KindSync, Hash: hash, Missing: missing}
}

func Done(hash string) *Message {
	return &Message{Kind: KindDone, Hash: hash}
}

func Failure(hash string, code ErrorCode, reason string) *Message {
	return &Message{Kind: KindError, Hash: hash, Code: code, Reason: reason}
}

func Import(path string) *Message {
	return &Message{Kind: KindImport, Path: path}
}

// Encode serializes a message into one self-delimiting datagram
func Encode(msg *Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	if len(data) > MaxDatagram {
		return nil, fmt.Errorf("%w: %d bytes exceeds datagram limit", ErrMalformed, len(data))
	}
	return data, nil
}

// Decode parses and validates one datagram
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks that the fields required by Kind are present
func (m *Message) Validate() error {
	switch m.Kind {
	case KindMetadata, KindChunk, KindAck, KindNak, KindSync, KindDone:
		if m.Hash == "" {
			return fmt.Errorf("%w: %s without hash", ErrMalformed, m.Kind)
		}
	case KindExport:
		if m.Hash == "" || m.Path == "" {
			return fmt.Errorf("%w: EXPORT needs hash and path", ErrMalformed)
		}
	case KindImport:
		if m.Path == "" {
			return fmt.Errorf("%w: IMPORT without path", ErrMalformed)
		}
	case KindError:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, uint8(m.Kind))
	}
	if len(m.Missing) > MaxSyncIndices {
		return fmt.Errorf("%w: %d missing indices", ErrMalformed, len(m.Missing))
	}
	if len(m.Payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes", ErrMalformed, len(m.Payload))
	}
	return nil
}
