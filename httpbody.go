// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// httpBodyWrap wraps a response body so that httpBodyStreamStart is
// emitted on the first Read and httpBodyStreamDone, carrying the total
// number of bytes read, on Close (only if at least one Read happened).
func httpBodyWrap(
	body io.ReadCloser,
	errClass ErrClassifier,
	laddr string,
	logger SLogger,
	protocol string,
	raddr string,
	timeNow func() time.Time,
) io.ReadCloser {
	return &httpBody{
		body:     body,
		errClass: errClass,
		laddr:    laddr,
		logger:   logger,
		protocol: protocol,
		raddr:    raddr,
		timeNow:  timeNow,
	}
}

type httpBody struct {
	body      io.ReadCloser
	closeOnce sync.Once
	count     atomic.Int64
	errClass  ErrClassifier
	laddr     string
	logger    SLogger
	protocol  string
	raddr     string
	readOnce  sync.Once
	started   atomic.Bool
	t0        time.Time
	timeNow   func() time.Time
}

var _ io.ReadCloser = &httpBody{}

// Read implements [io.ReadCloser].
func (b *httpBody) Read(buffer []byte) (int, error) {
	b.readOnce.Do(func() {
		b.t0 = b.timeNow()
		b.started.Store(true) // publishes t0 to Close
		b.logger.Info(
			"httpBodyStreamStart",
			slog.String("localAddr", b.laddr),
			slog.String("protocol", b.protocol),
			slog.String("remoteAddr", b.raddr),
			slog.Time("t", b.t0),
		)
	})
	count, err := b.body.Read(buffer)
	b.count.Add(int64(count))
	return count, err
}

// Close implements [io.ReadCloser].
func (b *httpBody) Close() (err error) {
	b.closeOnce.Do(func() {
		err = b.body.Close()
		if !b.started.Load() {
			return
		}
		b.logger.Info(
			"httpBodyStreamDone",
			slog.Any("err", err),
			slog.String("errClass", b.errClass.Classify(err)),
			slog.Int64("ioBytesCount", b.count.Load()),
			slog.String("localAddr", b.laddr),
			slog.String("protocol", b.protocol),
			slog.String("remoteAddr", b.raddr),
			slog.Time("t0", b.t0),
			slog.Time("t", b.timeNow()),
		)
	})
	return
}
