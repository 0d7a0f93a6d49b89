package transport

import (
	"errors"
	"net"
	"time"
)

var (
	ErrTransport = errors.New("transport failure")
	ErrClosed    = errors.New("transport closed")
)

// Transport moves whole messages to and from peers. It makes no ordering or
// delivery promises; reliability lives in the protocol engine above it.
type Transport interface {
	// Send encodes msg and delivers it to peer as one datagram
	Send(peer net.Addr, msg *Message) error
	// Receive waits up to timeout for the next message. A timeout yields a nil
	// message and a nil error.
	Receive(timeout time.Duration) (*Message, net.Addr, error)
	// LocalAddr returns the address peers reach this endpoint on
	LocalAddr() net.Addr
	// Close releases the endpoint; pending and later calls return ErrClosed
	Close() error
}
