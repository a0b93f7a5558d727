// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Message reports the completion of a transfer.
type Message struct {
	// Handle is the completed handle.
	Handle *Handle

	// Result is the transfer outcome.
	Result Result
}

// Multi drives many transfers over a bounded set of reusable connections.
//
// Handles move through Pending, Connecting and Active to a terminal state.
// [*Multi.Step] advances every attached handle by one quantum without
// blocking; [*Multi.Poll] waits until there is something to do and then
// steps. Blocking work (opening connections, each [Exchange.Step]) runs
// on short-lived goroutines, at most one per handle at a time, whose
// results are applied by the next Step on the caller's goroutine. Hence
// sinks and progress callbacks always run inside Step.
//
// Handles are serviced in attachment order within each state.
//
// All methods are safe for concurrent use: they serialize on one mutex.
//
// Construct using [NewMulti].
type Multi struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewMulti] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewMulti] to the user-provided logger.
	Logger SLogger

	// Opener opens new connections.
	//
	// Set by [NewMulti] to a [*DialOpener].
	Opener Opener

	// TimeNow is the function to get the current time.
	//
	// Set by [NewMulti] from [Config.TimeNow].
	TimeNow func() time.Time

	// Transport creates the per-transfer [Exchange].
	//
	// Set by [NewMulti] to [HTTPTransport].
	Transport Transport

	cancel   context.CancelFunc
	closed   bool
	ctx      context.Context
	events   []multiEvent
	evmu     sync.Mutex
	handles  []*Handle
	messages []Message
	mu       sync.Mutex
	pool     *Pool
	wake     chan struct{}
	wg       sync.WaitGroup
}

// multiEvent is the result of asynchronous work started by Step.
type multiEvent struct {
	conn     *Conn
	err      error
	exchange Exchange
	gen      uint64
	handle   *Handle
	key      ConnKey
	open     bool
	progress Progress
	t        time.Time
}

// NewMulti returns a new [*Multi] with an unlimited [*Pool].
//
// The cfg argument contains the process-wide configuration.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewMulti(cfg *Config, logger SLogger) *Multi {
	ctx, cancel := context.WithCancel(context.Background())
	return &Multi{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Opener:        NewDialOpener(cfg, logger),
		TimeNow:       cfg.TimeNow,
		Transport:     HTTPTransport{},
		cancel:        cancel,
		ctx:           ctx,
		pool:          NewPool(cfg, logger),
		wake:          make(chan struct{}, 1),
	}
}

// SetLimits configures the global and per-host connection limits (zero
// means unlimited). See [*Pool.SetLimits].
func (m *Multi) SetLimits(globalMax, perHostMax int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.SetLimits(globalMax, perHostMax)
	m.notify()
}

// SetBlocklist configures the connection reuse blocklist. See [*Pool.SetBlocklist].
func (m *Multi) SetBlocklist(servers, sites []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.SetBlocklist(servers, sites)
}

// SetIdleLimits configures the idle connection cache. See [*Pool.SetIdleLimits].
func (m *Multi) SetIdleLimits(maxIdle int, maxIdleAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.SetIdleLimits(maxIdle, maxIdleAge)
}

// PoolStats returns a snapshot of the connection pool occupancy.
func (m *Multi) PoolStats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Stats()
}

// Add attaches h in the pending state and assigns it a new span ID.
//
// It fails with [ErrAlreadyAttached] if h is attached to any [*Multi],
// with [ErrInvalidOption] if h was never configured, and with
// [ErrClosed] after [*Multi.Close].
func (m *Multi) Add(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := h.attach(m, NewSpanID(), m.TimeNow()); err != nil {
		return err
	}
	m.handles = append(m.handles, h)
	m.notify()
	return nil
}

// Remove detaches a pending or terminal handle. It fails with
// [ErrStillActive], leaving everything unchanged, while h is connecting
// or active, and with [ErrNotAttached] if h is not attached here.
func (m *Multi) Remove(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	idx := slices.Index(m.handles, h)
	if idx < 0 {
		return ErrNotAttached
	}
	if s := h.state; s == StateConnecting || s == StateActive {
		return ErrStillActive
	}
	h.detach()
	m.handles = slices.Delete(m.handles, idx, idx+1)
	m.messages = slices.DeleteFunc(m.messages, func(msg Message) bool {
		return msg.Handle == h
	})
	return nil
}

// Abort ends a non-terminal transfer with [ErrCancelled], force-closing
// its connection if it has one. Aborting a terminal handle does nothing.
func (m *Multi) Abort(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !slices.Contains(m.handles, h) {
		return ErrNotAttached
	}
	if !h.state.Terminal() {
		m.fail(h, NewTransferError(ErrCancelled, nil, true))
		m.notify()
	}
	return nil
}

// InfoRead pops the oldest completion message, if any.
func (m *Multi) InfoRead() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) <= 0 {
		return Message{}, false
	}
	msg := m.messages[0]
	m.messages = slices.Delete(m.messages, 0, 1)
	return msg, true
}

// Step advances every attached handle by one quantum without blocking
// and returns how many handles are not terminal yet.
//
// Per-transfer failures are recorded on the handles; Step only fails
// with [ErrClosed] after [*Multi.Close].
func (m *Multi) Step() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.step(), nil
}

// Poll blocks until asynchronous work completes, the handle set changes,
// the nearest transfer deadline expires, timeout elapses, or ctx is done.
// Then it calls [*Multi.Step] and returns its result.
func (m *Multi) Poll(ctx context.Context, timeout time.Duration) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	wait := timeout
	if deadline := m.nearestDeadline(); !deadline.IsZero() {
		wait = min(wait, deadline.Sub(m.TimeNow()))
	}
	m.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-m.wake:
		case <-timer.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return m.Step()
}

// Close aborts every non-terminal transfer, waits for background work,
// detaches all handles and closes the idle connections. Later calls to
// the other methods fail with [ErrClosed].
func (m *Multi) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, h := range m.handles {
		if !h.state.Terminal() {
			m.fail(h, NewTransferError(ErrCancelled, nil, true))
		}
	}
	m.cancel()
	m.wg.Wait()
	for _, ev := range m.drainEvents() {
		m.applyEvent(ev) // all stale by now: only releases resources
	}
	for _, h := range m.handles {
		h.detach()
	}
	m.handles = nil
	m.messages = nil
	m.pool.Reset()
	return nil
}

func (m *Multi) step() int {
	for _, ev := range m.drainEvents() {
		m.applyEvent(ev)
	}
	now := m.TimeNow()
	m.expireDeadlines(now)
	m.pool.Prune(now)
	m.startPending(now)
	m.startIncrements()
	var count int
	for _, h := range m.handles {
		if !h.state.Terminal() {
			count++
		}
	}
	return count
}

// notify wakes up a pending [*Multi.Poll].
func (m *Multi) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Multi) post(ev multiEvent) {
	m.evmu.Lock()
	m.events = append(m.events, ev)
	m.evmu.Unlock()
	m.notify()
}

func (m *Multi) drainEvents() []multiEvent {
	m.evmu.Lock()
	defer m.evmu.Unlock()
	events := m.events
	m.events = nil
	return events
}

func (m *Multi) nearestDeadline() (out time.Time) {
	for _, h := range m.handles {
		if h.state.Terminal() || h.deadline.IsZero() {
			continue
		}
		if out.IsZero() || h.deadline.Before(out) {
			out = h.deadline
		}
	}
	return
}

func (m *Multi) applyEvent(ev multiEvent) {
	h := ev.handle
	gen, state := h.snapshot()
	stale := ev.gen != gen
	switch {
	case ev.open && (stale || state != StateConnecting):
		if ev.conn != nil {
			ev.conn.Close()
		}
		m.pool.abandon(ev.key)

	case ev.open:
		m.onOpenDone(h, ev)

	case stale || state != StateActive:
		ev.exchange.Close()

	default:
		m.onStepDone(h, ev)
	}
}

func (m *Multi) onOpenDone(h *Handle, ev multiEvent) {
	if ev.err != nil {
		m.pool.abandon(ev.key)
		m.complete(h, 0, m.classifyFailure(h, ev, ErrConnect))
		return
	}
	m.pool.adopt(ev.conn)
	h.info.ConnectDuration = ev.t.Sub(h.connectStart)
	m.activate(h, ev.conn, false)
}

func (m *Multi) onStepDone(h *Handle, ev multiEvent) {
	h.busy = false
	if ev.err != nil {
		m.finishActive(h, m.classifyFailure(h, ev, ErrProtocol), !h.opts.ForbidReuse)
		return
	}
	progress := ev.progress
	h.info.BytesSent += progress.BytesSent
	if len(progress.Data) > 0 {
		if err := m.deliver(h, progress.Data); err != nil {
			m.finishActive(h, NewTransferError(ErrWrite, err, true), false)
			return
		}
	}
	if fn := h.opts.Progress; fn != nil {
		if err := fn(h.info.BytesReceived, h.info.BytesSent); err != nil {
			reusable := progress.Done && progress.Reusable && !h.opts.ForbidReuse
			m.finishActive(h, NewTransferError(ErrCancelled, err, !reusable), reusable)
			return
		}
	}
	if progress.Done {
		m.finishActive(h, nil, progress.Reusable && !h.opts.ForbidReuse)
	}
}

// classifyFailure maps the error of asynchronous work to a [*TransferError],
// reporting [ErrTimeout] when the work failed because a deadline expired.
func (m *Multi) classifyFailure(h *Handle, ev multiEvent, kind error) *TransferError {
	expired := !h.deadline.IsZero() && !ev.t.Before(h.deadline)
	if expired || errors.Is(ev.err, context.DeadlineExceeded) {
		cause := ev.err
		var te *TransferError
		if errors.As(cause, &te) {
			cause = te.Err
		}
		return NewTransferError(ErrTimeout, cause, true)
	}
	return asTransferError(kind, ev.err)
}

func (m *Multi) deliver(h *Handle, data []byte) error {
	sink := h.opts.Sink
	if sink == nil {
		sink = io.Discard
	}
	count, err := sink.Write(data)
	h.info.BytesReceived += int64(count)
	if err == nil && count < len(data) {
		err = io.ErrShortWrite
	}
	return err
}

func (m *Multi) expireDeadlines(now time.Time) {
	for _, h := range m.handles {
		if h.state.Terminal() || h.deadline.IsZero() || now.Before(h.deadline) {
			continue
		}
		m.fail(h, NewTransferError(ErrTimeout, nil, true))
	}
}

func (m *Multi) startPending(now time.Time) {
	for _, h := range m.handles {
		if h.state != StatePending {
			continue
		}
		security := securityFor(h.key, h.opts.Insecure)
		if !h.opts.FreshConnect {
			if conn := m.pool.Acquire(h.key, security); conn != nil {
				m.activate(h, conn, true)
				continue
			}
		}
		for !m.pool.Admit(h.key) {
			if !m.pool.EvictFor(h.key) {
				break
			}
		}
		if !m.pool.Admit(h.key) {
			continue
		}
		m.pool.reserve(h.key)
		h.connectStart = now
		h.setState(StateConnecting)
		m.startOpen(h, security)
	}
}

// transferContext returns the context bounding the whole transfer.
func (m *Multi) transferContext(h *Handle) context.Context {
	if h.ctx == nil {
		if h.deadline.IsZero() {
			h.ctx, h.cancel = context.WithCancel(m.ctx)
		} else {
			h.ctx, h.cancel = context.WithDeadline(m.ctx, h.deadline)
		}
	}
	return h.ctx
}

func (m *Multi) startOpen(h *Handle, security string) {
	req := OpenRequest{
		Key:      h.key,
		Resolve:  h.opts.Resolve,
		Security: security,
		SpanID:   h.spanID,
	}
	ctx, cancel := context.WithTimeout(m.transferContext(h), h.opts.connectTimeout())
	gen := h.gen
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		conn, err := m.Opener.Open(ctx, req)
		m.post(multiEvent{
			conn:   conn,
			err:    err,
			gen:    gen,
			handle: h,
			key:    req.Key,
			open:   true,
			t:      m.TimeNow(),
		})
	}()
}

func (m *Multi) startIncrements() {
	for _, h := range m.handles {
		if h.state != StateActive || h.busy {
			continue
		}
		h.busy = true
		ctx, exchange, gen := h.ctx, h.exchange, h.gen
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			progress, err := exchange.Step(ctx)
			m.post(multiEvent{
				err:      err,
				exchange: exchange,
				gen:      gen,
				handle:   h,
				progress: progress,
				t:        m.TimeNow(),
			})
		}()
	}
}

// activate binds conn to h and makes h active.
func (m *Multi) activate(h *Handle, conn *Conn, reused bool) {
	ctx := m.transferContext(h)
	h.conn = conn
	h.info.ConnID = conn.ID()
	h.info.ConnReused = reused
	h.info.LocalAddr = conn.LocalAddr()
	h.info.RemoteAddr = conn.RemoteAddr()
	opts := h.opts // Configure replaces slices, never mutates them
	h.exchange = m.Transport.NewExchange(conn, &opts)
	h.setState(StateActive)
	deadline, _ := ctx.Deadline()
	m.Logger.Info(
		"transferStart",
		slog.Int64("connID", conn.ID()),
		slog.Bool("connReused", reused),
		slog.Time("deadline", deadline),
		slog.String("localAddr", h.info.LocalAddr),
		slog.String("remoteAddr", h.info.RemoteAddr),
		slog.String("spanID", h.spanID),
		slog.Time("t", m.TimeNow()),
		slog.String("url", h.info.EffectiveURL),
	)
}

// finishActive ends an active transfer whose increment is not running. The
// connection goes back to the pool when reusable holds and err, if any, is
// not connection-fatal.
func (m *Multi) finishActive(h *Handle, err *TransferError, reusable bool) {
	info := h.exchange.Info()
	h.info.ResponseHeader = info.Header
	h.info.NegotiatedProtocol = info.NegotiatedProtocol
	h.exchange.Close()
	if err != nil {
		reusable = reusable && !isConnFatal(err)
	}
	m.pool.Release(h.conn, reusable)
	m.complete(h, info.StatusCode, err)
}

// fail ends a non-terminal transfer from the scheduler side.
func (m *Multi) fail(h *Handle, err *TransferError) {
	if h.state == StateActive {
		if !h.busy {
			h.exchange.Close()
		}
		// When busy, closing the connection unblocks the increment
		// and the stale event closes the exchange.
		m.pool.Release(h.conn, false)
	}
	// A connecting handle keeps its reservation until the open returns.
	m.complete(h, 0, err)
}

// complete moves h to its terminal state and queues the completion message.
func (m *Multi) complete(h *Handle, statusCode int, terr *TransferError) {
	var err error
	if terr != nil {
		err = terr
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.busy, h.cancel, h.conn, h.ctx, h.exchange = false, nil, nil, nil, nil
	now := m.TimeNow()
	h.finish(statusCode, err, now)
	result, _ := h.Result()
	m.messages = append(m.messages, Message{Handle: h, Result: result})
	m.Logger.Info(
		"transferDone",
		slog.Int64("bytesReceived", result.Info.BytesReceived),
		slog.Int64("bytesSent", result.Info.BytesSent),
		slog.Int64("connID", result.Info.ConnID),
		slog.Bool("connReused", result.Info.ConnReused),
		slog.Any("err", err),
		slog.String("errClass", m.ErrClassifier.Classify(err)),
		slog.String("spanID", h.spanID),
		slog.String("state", h.state.String()),
		slog.Int("statusCode", statusCode),
		slog.Time("t0", h.addedAt),
		slog.Time("t", now),
		slog.String("url", result.Info.EffectiveURL),
	)
}
