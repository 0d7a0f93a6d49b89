package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// UDP is a Transport over a single unconnected UDP socket.
type UDP struct {
	conn *net.UDPConn
}

// ListenUDP binds addr ("ip:port"; port 0 picks a free one)
func ListenUDP(addr string) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve %s: %v", ErrTransport, addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to listen on %s: %v", ErrTransport, addr, err)
	}
	return &UDP{conn: conn}, nil
}

// ResolvePeer turns "ip:port" into a peer address usable with Send
func ResolvePeer(addr string) (net.Addr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve %s: %v", ErrTransport, addr, err)
	}
	return udpAddr, nil
}

func (u *UDP) Send(peer net.Addr, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := u.conn.WriteTo(data, peer); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("%w: failed to send %s to %s: %v", ErrTransport, msg.Kind, peer, err)
	}
	return nil
}

func (u *UDP) Receive(timeout time.Duration) (*Message, net.Addr, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, nil, ErrClosed
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	buffer := make([]byte, MaxDatagram)
	n, peer, err := u.conn.ReadFrom(buffer)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, nil, ErrClosed
		}
		return nil, nil, fmt.Errorf("%w: failed to receive: %v", ErrTransport, err)
	}

	msg, err := Decode(buffer[:n])
	if err != nil {
		return nil, peer, err
	}
	return msg, peer, nil
}

func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) Close() error {
	return u.conn.Close()
}
