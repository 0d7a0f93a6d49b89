package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"filexfer/internal/storage"
	"filexfer/internal/transport"
	"filexfer/pkg/logger"

	"golang.org/x/time/rate"
)

const inboxSize = 512

// Observer receives progress of a transfer as chunk counts
type Observer interface {
	OnProgress(done, total uint32)
}

// Options wires an Engine to its collaborators
type Options struct {
	Store      *storage.Store
	Transport  transport.Transport
	Peer       net.Addr      // initial reply address, replaced by the source of each accepted message
	Timeout    time.Duration // per-iteration wait before a retry round
	MaxRetries int           // consecutive idle timeouts tolerated
	Limiter    *rate.Limiter // paces CHUNK sends, nil means unlimited
	Logger     *slog.Logger
	Observer   Observer
}

// NewLimiter builds a chunk pacer for perSecond chunks per second; 0 disables pacing.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

type envelope struct {
	msg  *transport.Message
	from net.Addr
}

// Engine drives a single transfer session. Messages are fed through Deliver
// by whoever owns the transport receive side; Run consumes them one at a time.
type Engine struct {
	opts    Options
	store   *storage.Store
	tr      transport.Transport
	log     *slog.Logger
	session *Session
	peer    net.Addr
	inbox   chan envelope

	stateMutex sync.RWMutex

	// sender bookkeeping
	synced       bool
	outstanding  map[uint32]time.Time
	truncated    bool
	lastListed   uint32
	fewestListed int // smallest SYNC list seen, -1 before the first

	// set by handlers when a message moved the transfer forward
	progressed bool

	lastSendErr error
	err         error
}

// NewEngine creates an engine for session. The session is owned by the
// engine from here on.
func NewEngine(opts Options, session *Session) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	log := opts.Logger
	if log == nil {
		log = logger.Log
	}
	if session.Hash != "" {
		log = log.With("hash", session.Hash)
	}
	if session.Received == nil {
		session.Received = make(map[uint32]struct{})
	}
	return &Engine{
		opts:        opts,
		store:       opts.Store,
		tr:          opts.Transport,
		log:         log,
		session:     session,
		peer:        opts.Peer,
		inbox:       make(chan envelope, inboxSize),
		outstanding:  make(map[uint32]time.Time),
		fewestListed: -1,
	}
}

// Deliver queues msg for the engine without blocking. It returns false when
// the inbox is full and the message was dropped; the protocol recovers from
// that like any other loss.
func (e *Engine) Deliver(msg *transport.Message, from net.Addr) bool {
	select {
	case e.inbox <- envelope{msg: msg, from: from}:
		return true
	default:
		return false
	}
}

// State returns the current state (thread-safe)
func (e *Engine) State() State {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	return e.session.State
}

// Hash returns the session hash, which a download only learns from METADATA
func (e *Engine) Hash() string {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	return e.session.Hash
}

// Session returns a copy of the session header without the received hint
func (e *Engine) Session() Session {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	s := *e.session
	s.Received = nil
	return s
}

func (e *Engine) setState(state State) {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.session.State != state {
		e.log.Debug("engine state changed", "from", e.session.State.String(), "to", state.String())
		e.session.State = state
	}
}

func (e *Engine) adoptHash(hash string) {
	e.stateMutex.Lock()
	e.session.Hash = hash
	e.stateMutex.Unlock()
	e.log = e.log.With("hash", hash)
}

// Run is the message engine: it handles one message or one timeout per
// iteration until the session reaches Done or Failed. A Failed session
// returns its cause; running out of retries or context returns ErrTimeout.
// Only messages that move the transfer forward reset the retry count, so a
// peer answering polls without ever completing cannot keep Run alive.
func (e *Engine) Run(ctx context.Context, initial State) error {
	e.setState(initial)
	e.start()

	timer := time.NewTimer(e.opts.Timeout)
	defer timer.Stop()

	idle := 0
	for !e.State().Terminal() {
		select {
		case <-ctx.Done():
			e.fail(fmt.Errorf("%w: %w", ErrTimeout, ctx.Err()))

		case env := <-e.inbox:
			if !e.accepts(env.msg) {
				continue
			}
			if env.from != nil {
				e.peer = env.from
			}
			before := e.State()
			e.progressed = false
			e.handle(ctx, env.msg)
			if e.progressed || e.State() != before {
				idle = 0
				timer.Reset(e.opts.Timeout)
			}

		case <-timer.C:
			idle++
			if idle > e.opts.MaxRetries {
				e.fail(errors.Join(
					fmt.Errorf("%w: no progress after %d retries", ErrTimeout, e.opts.MaxRetries),
					e.lastSendErr,
				))
				break
			}
			e.log.Debug("engine idle, retrying", "state", e.State().String(), "attempt", idle)
			e.onTimeout(ctx)
			timer.Reset(e.opts.Timeout)
		}
	}

	if e.State() == StateDone {
		e.log.Info("transfer done", "chunks", e.session.TotalChunks)
		return nil
	}
	return e.err
}

func (e *Engine) start() {
	switch e.State() {
	case StateTransmitting:
		e.log.Info("announcing file", "chunks", e.session.TotalChunks, "dest", e.session.DestPath)
		e.send(transport.Metadata(e.session.Hash, e.session.TotalChunks, e.session.Mode))
	case StateReceiving:
		if e.session.ImportPath != "" {
			e.log.Info("requesting file", "path", e.session.ImportPath)
			e.send(transport.Import(e.session.ImportPath))
		}
	}
}

// accepts filters messages that belong to other sessions
func (e *Engine) accepts(msg *transport.Message) bool {
	hash := e.session.Hash
	switch {
	case hash == "":
		// only a download waiting for its METADATA has no hash yet
		if msg.Kind == transport.KindMetadata {
			e.adoptHash(msg.Hash)
			return true
		}
		return msg.Kind == transport.KindError && msg.Hash == ""
	case msg.Hash == "":
		return msg.Kind == transport.KindError && e.session.ImportPath != ""
	default:
		return msg.Hash == hash
	}
}

func (e *Engine) handle(ctx context.Context, msg *transport.Message) {
	switch msg.Kind {
	case transport.KindDone:
		e.setState(StateDone)
		return
	case transport.KindError:
		err := RemoteError(msg)
		e.log.Warn("peer reported failure", "code", msg.Code, "reason", msg.Reason)
		e.fail(err)
		return
	}

	if e.State() == StateTransmitting {
		e.handleAsSender(ctx, msg)
	} else {
		e.handleAsReceiver(msg)
	}
}

// --- sender -----------------------------------------------------------------

func (e *Engine) handleAsSender(ctx context.Context, msg *transport.Message) {
	switch msg.Kind {
	case transport.KindSync:
		e.onSync(ctx, msg.Missing)
	case transport.KindAck:
		if _, ok := e.outstanding[msg.Index]; !ok {
			return
		}
		delete(e.outstanding, msg.Index)
		e.progressed = true
		e.reportSenderProgress()
		if len(e.outstanding) == 0 && e.truncated {
			// ask for the next page of missing chunks
			e.send(transport.Metadata(e.session.Hash, e.session.TotalChunks, e.session.Mode))
		}
	case transport.KindNak:
		if msg.Index >= e.session.TotalChunks {
			return
		}
		// a NAK means the receiver lost the chunk count, so announce it again
		e.send(transport.Metadata(e.session.Hash, e.session.TotalChunks, e.session.Mode))
		if !e.store.ChunkExists(e.session.Hash, msg.Index) {
			e.localFailure(fmt.Errorf("%w: local chunk %d is gone", storage.ErrFileNotFound, msg.Index))
			return
		}
		e.sendChunk(ctx, msg.Index)
	default:
		e.log.Debug("ignoring message while transmitting", "kind", msg.Kind.String())
	}
}

func (e *Engine) onSync(ctx context.Context, missing []uint32) {
	if !e.synced {
		e.synced = true
		e.progressed = true
		if e.session.DestPath != "" {
			e.send(transport.Export(e.session.Hash, e.session.DestPath, e.session.Mode))
		}
	}

	now := time.Now()
	listed := make(map[uint32]time.Time, len(missing))
	for _, idx := range missing {
		if idx >= e.session.TotalChunks {
			e.log.Warn("peer listed chunk beyond total", "index", idx, "total", e.session.TotalChunks)
			continue
		}
		if sent, ok := e.outstanding[idx]; ok && now.Sub(sent) < e.opts.Timeout/2 {
			listed[idx] = sent
			continue
		}
		listed[idx] = now
	}
	e.outstanding = listed
	if e.fewestListed < 0 || len(missing) < e.fewestListed {
		e.fewestListed = len(missing)
		e.progressed = true
	}
	e.truncated = len(missing) >= transport.MaxSyncIndices
	if len(missing) > 0 {
		e.lastListed = missing[len(missing)-1]
	}
	e.reportSenderProgress()

	for _, idx := range missing {
		if sent, ok := e.outstanding[idx]; !ok || !sent.Equal(now) {
			continue
		}
		if !e.sendChunk(ctx, idx) {
			return
		}
	}
}

// sendChunk reads one local chunk and transmits it. It returns false when the
// engine can no longer make progress.
func (e *Engine) sendChunk(ctx context.Context, index uint32) bool {
	if e.opts.Limiter != nil {
		if err := e.opts.Limiter.Wait(ctx); err != nil {
			return false
		}
	}
	payload, err := e.store.ReadChunk(e.session.Hash, index)
	if err != nil {
		err = fmt.Errorf("failed to read local chunk %d: %w", index, err)
		e.send(transport.Failure(e.session.Hash, CodeFor(err), err.Error()))
		e.fail(err)
		return false
	}
	e.outstanding[index] = time.Now()
	e.send(transport.Chunk(e.session.Hash, index, payload))
	return true
}

func (e *Engine) reportSenderProgress() {
	if e.opts.Observer == nil {
		return
	}
	total := e.session.TotalChunks
	remaining := uint32(len(e.outstanding))
	if e.truncated && e.lastListed < total {
		remaining += total - e.lastListed - 1
	}
	if remaining > total {
		remaining = total
	}
	e.opts.Observer.OnProgress(total-remaining, total)
}

// --- receiver ---------------------------------------------------------------

func (e *Engine) handleAsReceiver(msg *transport.Message) {
	switch msg.Kind {
	case transport.KindMetadata:
		e.onMetadata(msg)
	case transport.KindChunk:
		e.onChunk(msg)
	case transport.KindExport:
		e.onExport(msg)
	default:
		// stale ACK/NAK/SYNC from an earlier round
		e.log.Debug("ignoring message while receiving", "kind", msg.Kind.String())
	}
}

func (e *Engine) onMetadata(msg *transport.Message) {
	s := e.session
	if !s.HasTotal() {
		if meta, err := e.store.ReadMeta(s.Hash); err == nil {
			if meta.Total != msg.Total {
				e.violation(fmt.Errorf("%w: announced %d chunks, stored session has %d", ErrProtocolViolation, msg.Total, meta.Total))
				return
			}
		}
		s.SetTotal(msg.Total)
		if s.Mode == 0 {
			s.Mode = msg.Mode
		}
		if err := e.store.WriteMeta(s.Hash, storage.Meta{Total: s.TotalChunks, Mode: s.Mode}); err != nil {
			e.localFailure(fmt.Errorf("failed to persist session: %w", err))
			return
		}
		e.log.Info("session created", "chunks", s.TotalChunks)
		e.progressed = true
	} else if msg.Total != s.TotalChunks {
		e.violation(fmt.Errorf("%w: announced %d chunks, session has %d", ErrProtocolViolation, msg.Total, s.TotalChunks))
		return
	}

	e.setState(StateReceiving)
	missing, ok := e.syncMissing()
	if !ok {
		return
	}
	s.ResetReceived(missing)
	e.reportReceiverProgress()
	e.checkComplete()
}

func (e *Engine) onChunk(msg *transport.Message) {
	s := e.session
	if !s.HasTotal() && !e.loadMeta() {
		// cannot bound the index yet; the sender retries once METADATA lands
		e.send(transport.Nak(s.Hash, msg.Index))
		return
	}
	if msg.Index >= s.TotalChunks {
		e.violation(fmt.Errorf("%w: chunk %d out of range, total %d", ErrProtocolViolation, msg.Index, s.TotalChunks))
		return
	}

	e.setState(StateReceiving)
	if _, dup := s.Received[msg.Index]; !dup {
		if err := e.store.StoreChunk(s.Hash, msg.Index, msg.Payload); err != nil {
			e.localFailure(fmt.Errorf("failed to store chunk %d: %w", msg.Index, err))
			return
		}
		s.MarkReceived(msg.Index)
		e.progressed = true
		e.reportReceiverProgress()
	}
	e.send(transport.Ack(s.Hash, msg.Index))
	e.checkComplete()
}

func (e *Engine) onExport(msg *transport.Message) {
	s := e.session
	if s.DestPath != msg.Path {
		e.log.Info("export requested", "dest", msg.Path)
		e.progressed = true
	}
	s.DestPath = msg.Path
	if msg.Mode != 0 {
		s.Mode = msg.Mode
	}
	if !s.HasTotal() && !e.loadMeta() {
		// applied once METADATA arrives
		e.log.Debug("export deferred until metadata arrives")
		return
	}
	e.setState(StateReceiving)
	if _, ok := e.syncMissing(); !ok {
		return
	}
	e.checkComplete()
}

// loadMeta recovers the chunk count of a session created by an earlier run
func (e *Engine) loadMeta() bool {
	meta, err := e.store.ReadMeta(e.session.Hash)
	if err != nil {
		return false
	}
	e.session.SetTotal(meta.Total)
	if e.session.Mode == 0 {
		e.session.Mode = meta.Mode
	}
	missing, err := e.store.MissingChunks(e.session.Hash, meta.Total)
	if err == nil {
		e.session.ResetReceived(missing)
	}
	return true
}

// syncMissing lists the gaps on disk and reports them to the peer
func (e *Engine) syncMissing() ([]uint32, bool) {
	missing, err := e.store.MissingChunks(e.session.Hash, e.session.TotalChunks)
	if err != nil {
		e.localFailure(fmt.Errorf("failed to list chunks: %w", err))
		return nil, false
	}
	page := missing
	if len(page) > transport.MaxSyncIndices {
		page = page[:transport.MaxSyncIndices]
	}
	e.send(transport.Sync(e.session.Hash, page))
	return missing, true
}

// checkComplete reassembles once the hint says every chunk arrived and a
// destination is known. The disk listing, not the hint, decides.
func (e *Engine) checkComplete() {
	s := e.session
	if !s.Complete() || s.DestPath == "" {
		return
	}

	missing, err := e.store.MissingChunks(s.Hash, s.TotalChunks)
	if err != nil {
		e.localFailure(fmt.Errorf("failed to list chunks: %w", err))
		return
	}
	if len(missing) > 0 {
		e.log.Warn("chunks vanished before export", "missing", len(missing))
		s.ResetReceived(missing)
		e.syncMissing()
		return
	}

	err = e.store.Reassemble(s.Hash, s.TotalChunks, s.DestPath, s.Mode)
	switch {
	case err == nil:
		e.log.Info("file exported", "dest", s.DestPath)
		e.send(transport.Done(s.Hash))
		e.setState(StateDone)
	case errors.Is(err, storage.ErrHashMismatch):
		// purge so the next attempt starts from scratch
		if rmErr := e.store.Remove(s.Hash); rmErr != nil {
			e.log.Warn("failed to purge corrupt session", "error", rmErr)
		}
		e.send(transport.Failure(s.Hash, transport.CodeHashMismatch, err.Error()))
		e.fail(err)
	default:
		e.localFailure(fmt.Errorf("failed to export %s: %w", s.DestPath, err))
	}
}

func (e *Engine) reportReceiverProgress() {
	if e.opts.Observer == nil || !e.session.HasTotal() {
		return
	}
	done := uint32(len(e.session.Received))
	if done > e.session.TotalChunks {
		done = e.session.TotalChunks
	}
	e.opts.Observer.OnProgress(done, e.session.TotalChunks)
}

// --- shared -----------------------------------------------------------------

func (e *Engine) onTimeout(ctx context.Context) {
	s := e.session
	switch e.State() {
	case StateTransmitting:
		if !e.synced {
			e.send(transport.Metadata(s.Hash, s.TotalChunks, s.Mode))
			return
		}
		resent := 0
		for idx, sent := range e.outstanding {
			if time.Since(sent) < e.opts.Timeout {
				continue
			}
			if !e.sendChunk(ctx, idx) {
				return
			}
			resent++
		}
		if resent > 0 {
			// ACKs for the resent chunks are the answer; poll once they settle
			return
		}
		e.send(transport.Metadata(s.Hash, s.TotalChunks, s.Mode))
		if s.DestPath != "" {
			e.send(transport.Export(s.Hash, s.DestPath, s.Mode))
		}
	default:
		if s.Hash == "" || !s.HasTotal() {
			if s.ImportPath != "" {
				e.send(transport.Import(s.ImportPath))
			}
			return
		}
		e.syncMissing()
	}
}

func (e *Engine) send(msg *transport.Message) {
	if e.peer == nil {
		e.log.Debug("no peer yet, not sending", "kind", msg.Kind.String())
		return
	}
	if err := e.tr.Send(e.peer, msg); err != nil {
		e.lastSendErr = err
		e.log.Warn("send failed", "kind", msg.Kind.String(), "peer", e.peer.String(), "error", err)
	}
}

// violation tells the peer and fails the session
func (e *Engine) violation(err error) {
	e.send(transport.Failure(e.session.Hash, transport.CodeProtocolViolation, err.Error()))
	e.fail(err)
}

// localFailure reports a local error to the peer and fails the session
func (e *Engine) localFailure(err error) {
	e.send(transport.Failure(e.session.Hash, CodeFor(err), err.Error()))
	e.fail(err)
}

func (e *Engine) fail(err error) {
	if e.State().Terminal() {
		return
	}
	e.err = err
	e.log.Error("transfer failed", "state", e.State().String(), "error", err)
	e.setState(StateFailed)
}
