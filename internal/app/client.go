package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"filexfer/internal/protocol"
	"filexfer/internal/storage"
	"filexfer/internal/transport"
	"filexfer/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Dialer opens the transport one client call talks through and returns the
// address of the service on it.
type Dialer func(ctx context.Context) (transport.Transport, net.Addr, error)

// UDPDialer binds an ephemeral UDP port per call and targets serviceAddr
func UDPDialer(serviceAddr string) Dialer {
	return func(ctx context.Context) (transport.Transport, net.Addr, error) {
		peer, err := transport.ResolvePeer(serviceAddr)
		if err != nil {
			return nil, nil, err
		}
		tr, err := transport.ListenUDP(":0")
		if err != nil {
			return nil, nil, err
		}
		return tr, peer, nil
	}
}

// ClientOptions configures a Client
type ClientOptions struct {
	Store           *storage.Store
	Dial            Dialer
	Timeout         time.Duration
	MaxRetries      int
	TransferTimeout time.Duration
	ReceiveTimeout  time.Duration
	SendRate        float64
	Logger          *slog.Logger
	Observer        protocol.Observer
}

// Client runs uploads and downloads against a remote service
type Client struct {
	opts ClientOptions
	log  *slog.Logger
}

// NewClient creates a client
func NewClient(opts ClientOptions) *Client {
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = 5 * time.Minute
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Log
	}
	return &Client{opts: opts, log: log}
}

// run drives one engine to completion over a freshly dialled transport. A
// pump goroutine feeds inbound messages to the engine until it finishes.
func (c *Client) run(ctx context.Context, session *protocol.Session, initial protocol.State) (*protocol.Engine, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.TransferTimeout)
	defer cancel()

	tr, peer, err := c.opts.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}
	defer tr.Close()

	engine := protocol.NewEngine(protocol.Options{
		Store:      c.opts.Store,
		Transport:  tr,
		Peer:       peer,
		Timeout:    c.opts.Timeout,
		MaxRetries: c.opts.MaxRetries,
		Limiter:    protocol.NewLimiter(c.opts.SendRate),
		Logger:     c.log,
		Observer:   c.opts.Observer,
	}, session)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer stop()
		return engine.Run(gctx, initial)
	})
	g.Go(func() error {
		return c.pump(gctx, tr, engine)
	})

	return engine, g.Wait()
}

// pump feeds inbound messages to engine. A transport closed under a running
// engine, such as a dropped peer connection, ends the call.
func (c *Client) pump(ctx context.Context, tr transport.Transport, engine *protocol.Engine) error {
	for ctx.Err() == nil {
		msg, from, err := tr.Receive(c.opts.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("transport closed mid-transfer: %w", err)
			}
			c.log.Debug("receive failed", "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		engine.Deliver(msg, from)
	}
	return nil
}
