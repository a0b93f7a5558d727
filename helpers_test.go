// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/require"
)

// capturedRecords is a goroutine-safe list of captured log records.
type capturedRecords struct {
	mu      sync.Mutex
	records []slog.Record
}

// Messages returns the messages of the captured records, in order.
func (cr *capturedRecords) Messages() []string {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	var out []string
	for _, record := range cr.records {
		out = append(out, record.Message)
	}
	return out
}

// Find returns the first record with the given message.
func (cr *capturedRecords) Find(message string) (slog.Record, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	for _, record := range cr.records {
		if record.Message == message {
			return record, true
		}
	}
	return slog.Record{}, false
}

// recordAttr returns the value of the given attribute of record.
func recordAttr(record slog.Record, key string) (slog.Value, bool) {
	var (
		value slog.Value
		found bool
	)
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			value, found = attr.Value, true
			return false
		}
		return true
	})
	return value, found
}

// newCapturingLogger returns a logger that captures all log records. Our
// components log from background goroutines, so capturing is locked.
func newCapturingLogger() (*slog.Logger, *capturedRecords) {
	captured := &capturedRecords{}
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			captured.mu.Lock()
			captured.records = append(captured.records, record)
			captured.mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), captured
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that always returns conn.
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only the address
// functions set, which is what [safeconn] needs.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// fakeClock is a manually advanced clock for TimeNow fields.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake time forward.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mustKey returns the [ConnKey] of rawURL or fails the test.
func mustKey(t *testing.T, rawURL string) ConnKey {
	t.Helper()
	h := NewHandle()
	require.NoError(t, h.Configure(Options{URL: rawURL}))
	return h.key
}

// newTestConn returns a [*Conn] without an HTTP session.
func newTestConn(key ConnKey, security string, now time.Time) *Conn {
	return NewConn(key, security, nil, now)
}

// testExchange is a scripted [Exchange].
type testExchange struct {
	closed atomic.Int32
	info   ExchangeInfo
	steps  []testStep
}

// testStep is one scripted increment. When wait is not nil, the step
// blocks until wait is closed or the context is done.
type testStep struct {
	progress Progress
	err      error
	wait     chan struct{}
}

// Step implements [Exchange].
func (e *testExchange) Step(ctx context.Context) (Progress, error) {
	if len(e.steps) <= 0 {
		return Progress{Done: true, Reusable: true}, nil
	}
	step := e.steps[0]
	e.steps = e.steps[1:]
	if step.wait != nil {
		select {
		case <-step.wait:
		case <-ctx.Done():
			return Progress{}, NewTransferError(ErrProtocol, ctx.Err(), true)
		}
	}
	return step.progress, step.err
}

// Info implements [Exchange].
func (e *testExchange) Info() ExchangeInfo {
	return e.info
}

// Close implements [Exchange].
func (e *testExchange) Close() error {
	e.closed.Add(1)
	return nil
}

// testOpener is an [Opener] that creates session-less connections and
// records every request.
type testOpener struct {
	mu       sync.Mutex
	err      error
	requests []OpenRequest
	wait     chan struct{}
}

// Open implements [Opener].
func (o *testOpener) Open(ctx context.Context, req OpenRequest) (*Conn, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	wait, err := o.wait, o.err
	o.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return NewConn(req.Key, req.Security, nil, time.Now()), nil
}

// Count returns how many connections were requested.
func (o *testOpener) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

// newTestMulti returns a [*Multi] using the given opener and a transport
// serving one [*testExchange] per transfer built by newExchange.
func newTestMulti(opener Opener, newExchange func(opts *Options) Exchange) *Multi {
	m := NewMulti(NewConfig(), DefaultSLogger())
	m.Opener = opener
	m.Transport = TransportFunc(func(conn *Conn, opts *Options) Exchange {
		return newExchange(opts)
	})
	return m
}

// runUntilDone polls m until no handle is running or the timeout expires.
func runUntilDone(t *testing.T, m *Multi) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		running, err := m.Poll(ctx, 50*time.Millisecond)
		require.NoError(t, err)
		if running <= 0 {
			return
		}
	}
}

// newConfiguredHandle returns a handle configured with opts or fails the test.
func newConfiguredHandle(t *testing.T, opts Options) *Handle {
	t.Helper()
	h := NewHandle()
	require.NoError(t, h.Configure(opts))
	return h
}
