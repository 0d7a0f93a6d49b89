package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"filexfer/pkg/logger"

	"github.com/pion/webrtc/v4"
)

// channelAddr names the single remote end of a data channel
type channelAddr string

func (a channelAddr) Network() string { return "webrtc" }
func (a channelAddr) String() string  { return string(a) }

// DataChannel is a Transport over one unordered, unreliable WebRTC data
// channel. It has exactly one peer, so the peer argument of Send is ignored.
type DataChannel struct {
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	addr  channelAddr
	inbox chan []byte

	opened    chan struct{}
	openOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// OpenDataChannel creates the labelled channel on pc. Call it before the
// offer is created so the channel is negotiated.
func OpenDataChannel(pc *webrtc.PeerConnection, label string) (*DataChannel, error) {
	ordered := false
	maxRetransmits := uint16(0)

	dc, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return newDataChannel(pc, dc), nil
}

// AcceptDataChannel waits for the remote side to open a channel on pc
func AcceptDataChannel(ctx context.Context, pc *webrtc.PeerConnection) (*DataChannel, error) {
	accepted := make(chan *webrtc.DataChannel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		select {
		case accepted <- dc:
		default:
			logger.Log.Warn("ignoring extra data channel", "label", dc.Label())
		}
	})

	select {
	case dc := <-accepted:
		return newDataChannel(pc, dc), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: no data channel: %v", ErrTransport, ctx.Err())
	}
}

func newDataChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *DataChannel {
	d := &DataChannel{
		pc:     pc,
		dc:     dc,
		addr:   channelAddr(dc.Label()),
		inbox:  make(chan []byte, 256),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}

	dc.OnOpen(func() {
		logger.Log.Info("data channel opened", "label", dc.Label())
		d.openOnce.Do(func() { close(d.opened) })
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		d.openOnce.Do(func() { close(d.opened) })
	}

	// runs on the SCTP goroutine, must not block
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case d.inbox <- msg.Data:
		default:
			logger.Log.Debug("data channel inbox full, dropping datagram", "bytes", len(msg.Data))
		}
	})
	dc.OnClose(func() {
		d.closeOnce.Do(func() { close(d.closed) })
	})
	dc.OnError(func(err error) {
		logger.Log.Warn("data channel error", "label", dc.Label(), "error", err)
	})
	return d
}

// WaitOpen blocks until the channel is usable
func (d *DataChannel) WaitOpen(ctx context.Context) error {
	select {
	case <-d.opened:
		return nil
	case <-d.closed:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: data channel did not open: %v", ErrTransport, ctx.Err())
	}
}

func (d *DataChannel) Send(_ net.Addr, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	if err := d.dc.Send(data); err != nil {
		return fmt.Errorf("%w: failed to send %s: %v", ErrTransport, msg.Kind, err)
	}
	return nil
}

func (d *DataChannel) Receive(timeout time.Duration) (*Message, net.Addr, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-d.inbox:
		msg, err := Decode(data)
		if err != nil {
			return nil, d.addr, err
		}
		return msg, d.addr, nil
	case <-d.closed:
		return nil, nil, ErrClosed
	case <-timer.C:
		return nil, nil, nil
	}
}

func (d *DataChannel) LocalAddr() net.Addr {
	return d.addr
}

// RemoteAddr is the address to pass to Send; any non-nil value works.
func (d *DataChannel) RemoteAddr() net.Addr {
	return d.addr
}

func (d *DataChannel) Close() error {
	var err error
	d.closeOnce.Do(func() { close(d.closed) })
	if cerr := d.dc.Close(); cerr != nil {
		err = cerr
	}
	if cerr := d.pc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
