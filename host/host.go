// Package host runs the capture engine on one dedicated, OS-locked thread.
// Everything else talks to it through commands in and events and frame
// channels out; engine handles never leave that thread.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"go2tv.app/wlcapture/frame"
)

type op uint8

const (
	opConnect op = iota + 1
	opCreate
	opDestroy
	opStreams
	opShutdown
)

type command struct {
	op    op
	fd    int
	desc  frame.StreamDescriptor
	id    uint32
	reply chan reply
}

type reply struct {
	err     error
	handle  *StreamHandle
	streams []StreamInfo
}

type shutdownState struct {
	deadline time.Time
	reply    chan reply
}

type Option func(*Host)

func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

type Host struct {
	cfg    Config
	engine Engine
	log    *slog.Logger
	now    func() time.Time

	cmds   chan command
	events *eventPump
	reg    *registry

	// capture thread only
	connected      bool
	dropConnection bool
	sessions       map[uint32]*session
	shutdown       *shutdownState
	// streams stopped but not yet destroyed in the engine
	pendingDestroy []uint32

	relMu       sync.Mutex
	releases    []func()
	wake        chan struct{}
	outstanding atomic.Int64

	exited  chan struct{}
	exitErr error
}

// New starts the capture thread. The host owns engine from now on.
func New(cfg Config, engine Engine, opts ...Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, errors.New("host: nil engine")
	}
	h := &Host{
		cfg:      cfg,
		engine:   engine,
		log:      slog.Default(),
		now:      time.Now,
		cmds:     make(chan command, 16),
		events:   newEventPump(),
		reg:      newRegistry(),
		sessions: make(map[uint32]*session),
		wake:     make(chan struct{}, 1),
		exited:   make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	started := make(chan struct{})
	go h.run(started)
	<-started
	return h, nil
}

// Events delivers lifecycle events until the host exits. Events queue
// without bound, so a listener that stops reading only costs memory.
func (h *Host) Events() <-chan Event { return h.events.out }

// Done is closed once the capture thread has exited.
func (h *Host) Done() <-chan struct{} { return h.exited }

// Err reports why the capture thread exited: ErrShutdown after a clean
// shutdown, an ErrCaptureFatal error otherwise. Nil while running.
func (h *Host) Err() error {
	select {
	case <-h.exited:
		return h.exitErr
	default:
		return nil
	}
}

// Outstanding counts engine buffers currently held outside the capture
// thread.
func (h *Host) Outstanding() int { return int(h.outstanding.Load()) }

// Connect hands the host a connection to the capture service. The caller
// keeps ownership of fd; the host works on a duplicate.
func (h *Host) Connect(ctx context.Context, fd int) error {
	r, err := h.submit(ctx, command{op: opConnect, fd: fd})
	if err != nil {
		return err
	}
	return r.err
}

// CreateStream starts capturing one region and returns once the stream is
// active, or negotiation failed or timed out.
func (h *Host) CreateStream(ctx context.Context, desc frame.StreamDescriptor) (*StreamHandle, error) {
	r, err := h.submit(ctx, command{op: opCreate, desc: desc})
	if err != nil {
		return nil, err
	}
	return r.handle, r.err
}

// DestroyStream stops a stream and closes its frame channel. Frames already
// buffered stay readable.
func (h *Host) DestroyStream(ctx context.Context, id uint32) error {
	r, err := h.submit(ctx, command{op: opDestroy, id: id})
	if err != nil {
		return err
	}
	return r.err
}

func (h *Host) Streams(ctx context.Context) ([]StreamInfo, error) {
	r, err := h.submit(ctx, command{op: opStreams})
	if err != nil {
		return nil, err
	}
	return r.streams, r.err
}

// Shutdown tears down every stream, waits up to ShutdownTimeout for
// consumers to hand back buffers, then stops the capture thread. An
// EventShutdownComplete reports buffers that were never returned.
func (h *Host) Shutdown(ctx context.Context) error {
	r, err := h.submit(ctx, command{op: opShutdown})
	if errors.Is(err, ErrShutdown) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.err != nil {
		return r.err
	}
	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the host down for callers that never read Events. Events
// nobody received are discarded so the event stream can finish.
func (h *Host) Close() error {
	go func() {
		for range h.events.out {
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.OperationTimeout+h.cfg.ShutdownTimeout)
	defer cancel()
	return h.Shutdown(ctx)
}

func (h *Host) submit(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case h.cmds <- cmd:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-h.exited:
		return reply{}, h.exitErr
	}

	// The capture thread answers every command it accepted, at the latest
	// when it exits.
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-h.exited:
		select {
		case r := <-cmd.reply:
			return r, nil
		default:
			return reply{}, h.exitErr
		}
	case <-ctx.Done():
		go h.abandon(cmd.reply)
		return reply{}, ctx.Err()
	}
}

// abandon cleans up after a caller that stopped waiting.
func (h *Host) abandon(ch <-chan reply) {
	var r reply
	select {
	case r = <-ch:
	case <-h.exited:
		return
	}
	if r.handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.OperationTimeout)
	defer cancel()
	_ = r.handle.Close(ctx)
}

func (h *Host) run(started chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	close(started)

	defer func() {
		if p := recover(); p != nil {
			h.fatal(errors.Wrapf(ErrCaptureFatal, "panic on capture thread: %v", p), false)
		}
		h.finish()
	}()

	for !h.step() {
	}
}

// step runs one loop iteration and reports whether the thread should exit.
func (h *Host) step() bool {
	h.drainCommands()
	h.drainReleases()

	if h.dropConnection {
		h.dropConnection = false
		h.pendingDestroy = nil
		if err := h.engine.Disconnect(); err != nil {
			h.log.Debug("host: engine disconnect failed", "error", err)
		}
	}

	now := h.now()
	h.tick(now)

	if h.exitErr != nil {
		return true
	}
	if h.shutdown != nil && h.finishShutdown(now) {
		return true
	}

	if h.connected {
		h.destroyPending()
		if err := h.engine.Iterate(h.cfg.PollInterval); err != nil {
			h.fatal(errors.Wrapf(ErrCaptureFatal, "engine: %v", err), true)
			return true
		}
		h.destroyPending()
		return false
	}

	timer := time.NewTimer(h.cfg.PollInterval)
	defer timer.Stop()
	select {
	case cmd := <-h.cmds:
		h.handle(cmd)
	case <-h.wake:
	case <-timer.C:
	}
	return false
}

func (h *Host) drainCommands() {
	for {
		select {
		case cmd := <-h.cmds:
			h.handle(cmd)
		default:
			return
		}
	}
}

func (h *Host) handle(cmd command) {
	if h.shutdown != nil || h.exitErr != nil {
		cmd.reply <- reply{err: ErrShutdown}
		return
	}
	switch cmd.op {
	case opConnect:
		cmd.reply <- reply{err: h.connect(cmd.fd)}
	case opCreate:
		if err := h.createStream(cmd.desc, cmd.reply); err != nil {
			cmd.reply <- reply{err: err}
		}
	case opDestroy:
		s, ok := h.sessions[cmd.id]
		if !ok {
			cmd.reply <- reply{err: errors.Wrapf(ErrStreamNotFound, "stream %d", cmd.id)}
			return
		}
		h.stopSession(s, nil)
		cmd.reply <- reply{}
	case opStreams:
		infos := make([]StreamInfo, 0, len(h.sessions))
		for _, s := range h.sessions {
			infos = append(infos, s.info())
		}
		cmd.reply <- reply{streams: infos}
	case opShutdown:
		h.beginShutdown(cmd.reply)
	default:
		cmd.reply <- reply{err: errors.Errorf("host: unknown command %d", cmd.op)}
	}
}

func (h *Host) connect(fd int) error {
	if h.connected {
		return ErrConnected
	}
	if err := validateFD(fd); err != nil {
		return err
	}
	own, err := dupFD(fd)
	if err != nil {
		return errors.Wrap(ErrConnection, err.Error())
	}
	if err := h.engine.Connect(own, hostSink{h}); err != nil {
		_ = closeFD(own)
		return errors.Wrapf(ErrConnection, "engine: %v", err)
	}
	h.connected = true
	h.log.Debug("host: connected", "fd", fd)
	h.events.publish(Event{Kind: EventConnected})
	return nil
}

func (h *Host) createStream(desc frame.StreamDescriptor, rc chan reply) error {
	if !h.connected {
		return ErrNotConnected
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	if len(h.sessions) >= h.cfg.MaxStreams {
		return errors.Wrapf(ErrMaxStreams, "%d streams", len(h.sessions))
	}
	id, err := h.reg.reserve(desc.RegionID)
	if err != nil {
		return err
	}

	s := &session{
		id:      id,
		name:    fmt.Sprintf("%s-%d", h.cfg.StreamNamePrefix, id),
		desc:    desc,
		state:   StateCreated,
		queue:   newFrameQueue(id, h.cfg.ChannelSize, h.cfg.Overflow, h.log),
		created: rc,
	}
	s.req = h.streamRequest(s)

	h.destroyPending()
	if err := h.engine.CreateStream(id, s.req); err != nil {
		h.reg.release(id)
		h.reg.release(id)
		return errors.Wrapf(ErrStream, "create %s: %v", s.name, err)
	}
	s.state = StateNegotiating
	s.deadline = h.now().Add(h.cfg.OperationTimeout)
	h.sessions[id] = s
	h.log.Debug("host: stream negotiating", "stream", id, "region", desc.RegionID, "node", desc.NodeID)
	return nil
}

// stopSession moves s to Stopped. A pending CreateStream gets err, or
// ErrShutdown when err is nil; an active stream's receiver sees its channel
// close.
func (h *Host) stopSession(s *session, err error) {
	if s.state == StateStopped {
		return
	}
	if h.connected {
		h.pendingDestroy = append(h.pendingDestroy, s.id)
	}
	s.state = StateStopped
	s.lastErr = err
	delete(h.sessions, s.id)
	h.reg.forgetRegion(s.id)
	s.queue.close()

	if s.created != nil {
		if err == nil {
			err = ErrShutdown
		}
		s.created <- reply{err: err}
		s.created = nil
		s.queue.drain()
		// the handle was never given out
		h.reg.release(s.id)
		h.reg.release(s.id)
		return
	}

	h.reg.release(s.id)
	h.log.Debug("host: stream stopped", "stream", s.id, "error", err)
	h.events.publish(Event{
		Kind:     EventStreamClosed,
		StreamID: s.id,
		RegionID: s.desc.RegionID,
		State:    StateStopped,
		Err:      err,
	})
}

// destroyPending destroys stopped streams in the engine. A stream can be
// stopped from one of its own callbacks, and the engine still dispatches
// that stream until Iterate returns, so this only runs between iterations.
func (h *Host) destroyPending() {
	ids := h.pendingDestroy
	h.pendingDestroy = nil
	if !h.connected {
		return
	}
	for _, id := range ids {
		if err := h.engine.DestroyStream(id); err != nil {
			h.log.Debug("host: engine destroy failed", "stream", id, "error", err)
		}
	}
}

// tick enforces negotiation deadlines and fires due retries.
func (h *Host) tick(now time.Time) {
	for _, s := range h.sessions {
		switch s.state {
		case StateNegotiating:
			if now.After(s.deadline) {
				h.stopSession(s, errors.Wrapf(ErrTimeout, "negotiating %s", s.name))
			}
		case StateReconnecting:
			if now.After(s.deadline) {
				h.streamFailed(s, errors.Wrapf(ErrTimeout, "reconnecting %s", s.name))
			}
		case StateError:
			if !now.Before(s.retryAt) {
				h.reconnect(s, now)
			}
		}
	}
}

func (h *Host) reconnect(s *session, now time.Time) {
	s.state = StateReconnecting
	s.deadline = now.Add(h.cfg.OperationTimeout)
	s.negotiated = Negotiated{}
	if err := h.engine.DestroyStream(s.id); err != nil {
		h.log.Debug("host: engine destroy before retry failed", "stream", s.id, "error", err)
	}
	h.log.Debug("host: stream reconnecting", "stream", s.id, "attempt", s.attempt)
	if err := h.engine.CreateStream(s.id, s.req); err != nil {
		h.streamFailed(s, err)
	}
}

// streamFailed handles a transient failure: a stream that never became
// active fails its creation, an active one is retried with backoff until
// the retry budget is spent.
func (h *Host) streamFailed(s *session, cause error) {
	err := errors.Wrapf(ErrStream, "%s: %v", s.name, cause)
	switch s.state {
	case StateCreated, StateNegotiating:
		h.stopSession(s, err)
		return
	case StateActive, StateReconnecting:
	default:
		return
	}

	s.attempt++
	s.lastErr = err
	if s.attempt > h.cfg.Reconnect.MaxRetries {
		h.log.Warn("host: stream retries exhausted", "stream", s.id, "attempts", s.attempt-1, "error", cause)
		h.events.publish(Event{Kind: EventStreamError, StreamID: s.id, RegionID: s.desc.RegionID, State: StateStopped, Err: err})
		h.stopSession(s, err)
		return
	}

	delay := h.cfg.Reconnect.Backoff(s.attempt)
	s.state = StateError
	s.retryAt = h.now().Add(delay)
	h.log.Debug("host: stream error, retrying", "stream", s.id, "attempt", s.attempt, "delay", delay, "error", cause)
	h.events.publish(Event{
		Kind:     EventStreamError,
		StreamID: s.id,
		RegionID: s.desc.RegionID,
		State:    StateError,
		Err:      err,
		Attempt:  s.attempt,
	})
}

func (h *Host) beginShutdown(rc chan reply) {
	h.log.Debug("host: shutting down", "streams", len(h.sessions))
	for _, s := range h.sessions {
		h.stopSession(s, nil)
		s.queue.drain()
	}
	h.shutdown = &shutdownState{
		deadline: h.now().Add(h.cfg.ShutdownTimeout),
		reply:    rc,
	}
}

// finishShutdown completes once every buffer came back or the deadline
// passed.
func (h *Host) finishShutdown(now time.Time) bool {
	leaked := h.Outstanding()
	if leaked > 0 && now.Before(h.shutdown.deadline) {
		return false
	}
	if leaked > 0 {
		h.log.Warn("host: buffers leaked at shutdown", "count", leaked)
	}
	if h.connected {
		h.destroyPending()
		if err := h.engine.Disconnect(); err != nil {
			h.log.Debug("host: engine disconnect failed", "error", err)
		}
		h.connected = false
	}
	h.exitErr = ErrShutdown
	h.events.publish(Event{Kind: EventShutdownComplete, Leaked: leaked})
	h.shutdown.reply <- reply{}
	return true
}

// fatal tears everything down after the capture thread broke. The engine
// is only touched again when it is known to be usable.
func (h *Host) fatal(err error, engineUsable bool) {
	h.log.Error("host: capture thread failed", "error", err)
	h.connected = h.connected && engineUsable
	for _, s := range h.sessions {
		h.stopSession(s, err)
		s.queue.drain()
	}
	if h.connected {
		h.destroyPending()
		_ = h.engine.Disconnect()
		h.connected = false
	}
	h.pendingDestroy = nil
	if h.shutdown != nil {
		h.shutdown.reply <- reply{err: err}
		h.shutdown = nil
	}
	h.exitErr = err
	h.events.publish(Event{Kind: EventCaptureFatal, Err: err})
}

// finish answers commands that raced the exit, then closes the event
// stream.
func (h *Host) finish() {
	if h.exitErr == nil {
		h.exitErr = ErrShutdown
	}
	close(h.exited)
	for {
		select {
		case cmd := <-h.cmds:
			cmd.reply <- reply{err: h.exitErr}
		default:
			h.events.close()
			return
		}
	}
}

// releaseLater queues an engine buffer release for the capture thread. Safe
// from any goroutine.
func (h *Host) releaseLater(fn func()) {
	h.relMu.Lock()
	h.releases = append(h.releases, fn)
	h.relMu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Host) drainReleases() {
	h.relMu.Lock()
	batch := h.releases
	h.releases = nil
	h.relMu.Unlock()

	for _, fn := range batch {
		h.outstanding.Add(-1)
		if fn != nil {
			fn()
		}
	}
}
