package protocol

import (
	"errors"
	"fmt"

	"filexfer/internal/storage"
	"filexfer/internal/transport"
)

var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTimeout           = errors.New("transfer timed out")
	ErrRemote            = errors.New("remote peer reported failure")
	ErrBusy              = errors.New("a transfer for this file is already active")
)

// CodeFor picks the wire code describing err
func CodeFor(err error) transport.ErrorCode {
	switch {
	case errors.Is(err, storage.ErrFileNotFound):
		return transport.CodeFileNotFound
	case errors.Is(err, storage.ErrIncompleteTransfer):
		return transport.CodeIncomplete
	case errors.Is(err, storage.ErrHashMismatch):
		return transport.CodeHashMismatch
	case errors.Is(err, ErrProtocolViolation):
		return transport.CodeProtocolViolation
	case errors.Is(err, storage.ErrStorageFull):
		return transport.CodeStorage
	case errors.Is(err, ErrBusy):
		return transport.CodeBusy
	default:
		return transport.CodeUnknown
	}
}

// RemoteError turns a received ERROR message back into a typed error that
// matches both ErrRemote and the sentinel for its code.
func RemoteError(msg *transport.Message) error {
	var sentinel error
	switch msg.Code {
	case transport.CodeFileNotFound:
		sentinel = storage.ErrFileNotFound
	case transport.CodeIncomplete:
		sentinel = storage.ErrIncompleteTransfer
	case transport.CodeHashMismatch:
		sentinel = storage.ErrHashMismatch
	case transport.CodeProtocolViolation:
		sentinel = ErrProtocolViolation
	case transport.CodeStorage:
		sentinel = storage.ErrStorageFull
	case transport.CodeBusy:
		sentinel = ErrBusy
	default:
		return fmt.Errorf("%w: %s", ErrRemote, msg.Reason)
	}
	return fmt.Errorf("%w: %w: %s", ErrRemote, sentinel, msg.Reason)
}
