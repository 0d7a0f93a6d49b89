package transport

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

const testHash = "00112233445566778899aabbccddeeff"

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"metadata", Metadata(testHash, 5, 0o644)},
		{"empty file metadata", Metadata(testHash, 0, 0o600)},
		{"chunk", Chunk(testHash, 3, []byte("payload"))},
		{"ack at index zero", Ack(testHash, 0)},
		{"nak", Nak(testHash, 9)},
		{"export", Export(testHash, "/tmp/out", 0o755)},
		{"sync", Sync(testHash, []uint32{0, 2, 4})},
		{"done", Done(testHash)},
		{"error", Failure(testHash, CodeHashMismatch, "digest differs")},
		{"import error without hash", Failure("", CodeFileNotFound, "no such file")},
		{"import", Import("/home/kubos/log.txt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("Decode = %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := Encode(Sync(testHash, []uint32{1, 2}))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(Sync(testHash, []uint32{1, 2}))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("identical messages encoded differently")
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{"garbage", func(t *testing.T) []byte { return []byte{0xff, 0x00, 0x13} }},
		{"empty", func(t *testing.T) []byte { return nil }},
		{"unknown kind", func(t *testing.T) []byte {
			data, err := encMode.Marshal(&Message{Kind: 42, Hash: testHash})
			if err != nil {
				t.Fatal(err)
			}
			return data
		}},
		{"chunk without hash", func(t *testing.T) []byte {
			data, err := encMode.Marshal(&Message{Kind: KindChunk, Payload: []byte("x")})
			if err != nil {
				t.Fatal(err)
			}
			return data
		}},
		{"export without path", func(t *testing.T) []byte {
			data, err := encMode.Marshal(&Message{Kind: KindExport, Hash: testHash})
			if err != nil {
				t.Fatal(err)
			}
			return data
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data(t)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestEncodeSizeLimits(t *testing.T) {
	if _, err := Encode(Chunk(testHash, 0, make([]byte, MaxPayload))); err != nil {
		t.Fatalf("max payload rejected: %v", err)
	}
	if _, err := Encode(Chunk(testHash, 0, make([]byte, MaxPayload+1))); !errors.Is(err, ErrMalformed) {
		t.Fatalf("oversized payload err = %v, want ErrMalformed", err)
	}

	missing := make([]uint32, MaxSyncIndices)
	for i := range missing {
		missing[i] = uint32(1<<20 + i)
	}
	if _, err := Encode(Sync(testHash, missing)); err != nil {
		t.Fatalf("full sync rejected: %v", err)
	}
	if _, err := Encode(Sync(testHash, append(missing, 1))); !errors.Is(err, ErrMalformed) {
		t.Fatalf("oversized sync err = %v, want ErrMalformed", err)
	}
}

func TestKindString(t *testing.T) {
	if KindChunk.String() != "CHUNK" {
		t.Errorf("KindChunk = %q", KindChunk.String())
	}
	if MessageKind(99).String() != "KIND(99)" {
		t.Errorf("unknown kind = %q", MessageKind(99).String())
	}
}
