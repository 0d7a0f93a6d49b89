package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"filexfer/internal/protocol"
	"filexfer/internal/storage"
	"filexfer/internal/transport"
	"filexfer/pkg/logger"
)

// Options configures the service loop
type Options struct {
	Store          *storage.Store
	Transport      transport.Transport
	Timeout        time.Duration // engine retry interval
	MaxRetries     int
	ReceiveTimeout time.Duration // upper bound of one blocking receive
	SendRate       float64       // chunks per second per session, 0 = unlimited
	Logger         *slog.Logger
}

type worker struct {
	engine  *protocol.Engine
	cancel  context.CancelFunc
	sending bool
}

// Service owns the receive side of a transport and demultiplexes inbound
// messages by content hash into one engine per session.
type Service struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*worker
	wg       sync.WaitGroup
}

// New creates a service; call Run to start serving
func New(opts Options) *Service {
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Log
	}
	return &Service{
		opts:     opts,
		log:      log,
		sessions: make(map[string]*worker),
	}
}

// Run serves until ctx is cancelled or the transport is closed. It never
// blocks longer than the receive timeout between checks of ctx.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	s.log.Info("service listening", "addr", s.opts.Transport.LocalAddr().String())
	for ctx.Err() == nil {
		msg, from, err := s.opts.Transport.Receive(s.opts.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				s.log.Info("transport closed, stopping service")
				return nil
			}
			if errors.Is(err, transport.ErrMalformed) {
				s.log.Debug("dropping malformed datagram", "peer", addrString(from), "error", err)
				continue
			}
			s.log.Warn("receive failed", "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		s.dispatch(ctx, msg, from)
	}
	return nil
}

// ActiveSessions lists the hashes that currently have an engine
func (s *Service) ActiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes := make([]string, 0, len(s.sessions))
	for hash := range s.sessions {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	return hashes
}

func (s *Service) dispatch(ctx context.Context, msg *transport.Message, from net.Addr) {
	if msg.Kind == transport.KindImport {
		// chunking a large file must not stall the receive loop
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleImport(ctx, msg, from)
		}()
		return
	}
	if !storage.ValidHash(msg.Hash) {
		s.log.Debug("dropping message without usable hash", "kind", msg.Kind.String(), "peer", addrString(from))
		return
	}

	s.mu.Lock()
	w, ok := s.sessions[msg.Hash]
	if ok && w.engine.State().Terminal() {
		// finished but not yet unregistered
		ok = false
	}
	if !ok {
		switch msg.Kind {
		case transport.KindMetadata, transport.KindChunk, transport.KindExport:
			w = s.spawn(ctx, protocol.NewSession(msg.Hash), protocol.StateHolding, from)
		default:
			s.mu.Unlock()
			s.log.Debug("no session for message", "kind", msg.Kind.String(), "hash", msg.Hash)
			return
		}
	}
	s.mu.Unlock()

	if !w.engine.Deliver(msg, from) {
		s.log.Debug("session inbox full, dropping message", "kind", msg.Kind.String(), "hash", msg.Hash)
	}
}

// handleImport makes this side the sender of a file it holds locally
func (s *Service) handleImport(ctx context.Context, msg *transport.Message, from net.Addr) {
	hash, total, mode, err := s.opts.Store.InitializeFile(msg.Path)
	if err != nil {
		s.log.Warn("import failed", "path", msg.Path, "error", err)
		s.reply(from, transport.Failure("", protocol.CodeFor(err), err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.sessions[hash]; ok && !w.engine.State().Terminal() {
		if !w.sending {
			s.reply(from, transport.Failure("", transport.CodeBusy, fmt.Sprintf("%s is being received", hash)))
			return
		}
		// a retried download supersedes the stale sender
		w.cancel()
		delete(s.sessions, hash)
	}
	s.log.Info("serving import", "path", msg.Path, "hash", hash, "peer", addrString(from))
	s.spawn(ctx, protocol.NewSendSession(hash, total, mode, msg.Path, ""), protocol.StateTransmitting, from)
}

// spawn registers and starts a worker; s.mu must be held
func (s *Service) spawn(ctx context.Context, session *protocol.Session, initial protocol.State, peer net.Addr) *worker {
	hash := session.Hash
	wctx, cancel := context.WithCancel(ctx)
	engine := protocol.NewEngine(protocol.Options{
		Store:      s.opts.Store,
		Transport:  s.opts.Transport,
		Peer:       peer,
		Timeout:    s.opts.Timeout,
		MaxRetries: s.opts.MaxRetries,
		Limiter:    protocol.NewLimiter(s.opts.SendRate),
		Logger:     s.log,
	}, session)

	w := &worker{engine: engine, cancel: cancel, sending: initial == protocol.StateTransmitting}
	s.sessions[hash] = w

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		if err := engine.Run(wctx, initial); err != nil {
			s.log.Warn("session ended", "hash", hash, "state", engine.State().String(), "error", err)
		} else {
			s.log.Info("session finished", "hash", hash)
		}

		s.mu.Lock()
		if s.sessions[hash] == w {
			delete(s.sessions, hash)
		}
		s.mu.Unlock()
	}()
	return w
}

func (s *Service) reply(peer net.Addr, msg *transport.Message) {
	if peer == nil {
		return
	}
	if err := s.opts.Transport.Send(peer, msg); err != nil {
		s.log.Warn("reply failed", "kind", msg.Kind.String(), "peer", peer.String(), "error", err)
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
