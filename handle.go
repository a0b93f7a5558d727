// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Info contains the information fields collected during a transfer.
type Info struct {
	// EffectiveURL is the URL that was fetched.
	EffectiveURL string

	// Method is the request method that was used.
	Method string

	// ResponseHeader contains the response headers, if any.
	ResponseHeader http.Header

	// BytesReceived is the number of body bytes delivered to the sink.
	BytesReceived int64

	// BytesSent is the number of request body bytes sent.
	BytesSent int64

	// ConnID is the identifier of the [*Conn] used, or zero.
	ConnID int64

	// ConnReused is true when the connection came from the pool.
	ConnReused bool

	// LocalAddr and RemoteAddr are the connection addresses.
	LocalAddr  string
	RemoteAddr string

	// NegotiatedProtocol is the ALPN protocol, if any.
	NegotiatedProtocol string

	// ConnectDuration is the time spent opening a new connection.
	ConnectDuration time.Duration

	// TotalDuration is the time from [*Multi.Add] to completion.
	TotalDuration time.Duration
}

// Result is the outcome of a completed transfer.
type Result struct {
	// StatusCode is the protocol status code (e.g., 200), or zero.
	StatusCode int

	// Err is nil on success or a [*TransferError].
	Err error

	// Info contains the collected information fields.
	Info Info
}

// Handle holds the configuration and the outcome of one transfer.
//
// A handle is attached to at most one [*Multi] at a time. Its options are
// frozen from [*Multi.Add] until the transfer reaches a terminal state;
// after [*Multi.Remove] it may be reconfigured and added again.
//
// Construct using [NewHandle].
type Handle struct {
	// mu protects the fields read by the public accessors.
	mu         sync.Mutex
	configured bool
	key        ConnKey
	multi      *Multi
	opts       Options
	result     Result
	spanID     string
	state      State
	url        *url.URL

	// The following fields are owned by the attached [*Multi].
	addedAt      time.Time
	busy         bool
	cancel       context.CancelFunc
	conn         *Conn
	connectStart time.Time
	ctx          context.Context
	deadline     time.Time
	exchange     Exchange
	gen          uint64
	info         Info
}

// NewHandle returns a new unconfigured [*Handle].
func NewHandle() *Handle {
	return &Handle{}
}

// Configure validates opts and stores a copy of them.
//
// It returns [ErrInvalidOption] for invalid or conflicting options and
// [ErrStillActive] while the handle is attached and not terminal.
func (h *Handle) Configure(opts Options) error {
	u, key, err := opts.validate()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.multi != nil && !h.state.Terminal() {
		return ErrStillActive
	}
	h.opts = opts.clone()
	h.url = u
	h.key = key
	h.configured = true
	return nil
}

// Options returns a copy of the configured options.
func (h *Handle) Options() Options {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts.clone()
}

// Duplicate returns a new detached handle with a copy of this handle's
// configuration and no state or result.
//
// Configuration data (body bytes, headers, resolve entries) is copied,
// so that changing one handle never affects the other. The Sink, Source
// and Progress capabilities are shared.
func (h *Handle) Duplicate() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	dup := &Handle{
		configured: h.configured,
		key:        h.key,
		opts:       h.opts.clone(),
	}
	if h.url != nil {
		u := *h.url
		dup.url = &u
	}
	return dup
}

// State returns the current scheduling state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SpanID returns the span ID assigned by the last [*Multi.Add].
func (h *Handle) SpanID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spanID
}

// Result returns the transfer outcome, or [ErrNotCompleted] when the
// transfer has not reached a terminal state.
func (h *Handle) Result() (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.Terminal() {
		return Result{}, ErrNotCompleted
	}
	return h.result, nil
}

// setState changes the state under the handle lock.
func (h *Handle) setState(state State) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

// snapshot returns the generation and the state under the handle lock.
// A [*Multi] holding a leftover event for a handle it no longer owns
// must use it, since the new owner writes these fields concurrently.
func (h *Handle) snapshot() (uint64, State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen, h.state
}

// attach binds the handle to m in the pending state.
func (h *Handle) attach(m *Multi, spanID string, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.multi != nil {
		return ErrAlreadyAttached
	}
	if !h.configured {
		return invalidOptionf("handle not configured")
	}
	h.multi = m
	h.spanID = spanID
	h.state = StatePending
	h.result = Result{}
	h.addedAt = now
	h.deadline = h.opts.deadline(now)
	h.info = Info{EffectiveURL: h.url.String(), Method: h.opts.method()}
	h.gen++
	return nil
}

// detach unbinds the handle from its [*Multi].
func (h *Handle) detach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.multi = nil
	if !h.state.Terminal() {
		h.state = StateDetached
	}
	h.gen++
}

// finish records the outcome and moves to the terminal state.
func (h *Handle) finish(statusCode int, err error, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info.TotalDuration = now.Sub(h.addedAt)
	h.result = Result{StatusCode: statusCode, Err: err, Info: h.info}
	h.state = StateCompleted
	if err != nil {
		h.state = StateErrorCompleted
	}
	h.gen++
}
