// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// HTTPTransport is the default [Transport]. It speaks HTTP/1.1 and
// HTTP/2 over the [*HTTPConn] bound to each [*Conn].
//
// The first increment of a transfer sends the request and reads the
// response headers. Every later increment reads at most
// [Options.BufferSize] body bytes. The transfer is done at the end of the
// body (or right after the headers for HEAD requests).
//
// The zero value is ready to use.
type HTTPTransport struct{}

var _ Transport = HTTPTransport{}

// NewExchange implements [Transport].
func (HTTPTransport) NewExchange(conn *Conn, opts *Options) Exchange {
	return &httpExchange{
		buf:  make([]byte, opts.bufferSize()),
		conn: conn,
		opts: opts,
	}
}

// errNoHTTPSession indicates a [*Conn] created without an [*HTTPConn].
var errNoHTTPSession = errors.New("connection has no HTTP session")

type httpExchange struct {
	buf  []byte
	conn *Conn
	info ExchangeInfo
	opts *Options
	resp *http.Response
	sent atomic.Int64
}

var _ Exchange = &httpExchange{}

// Step implements [Exchange].
func (e *httpExchange) Step(ctx context.Context) (Progress, error) {
	if e.resp == nil {
		return e.roundTrip(ctx)
	}
	return e.readBody()
}

func (e *httpExchange) roundTrip(ctx context.Context) (Progress, error) {
	switch scheme := e.conn.Key().Scheme; scheme {
	case "http", "https":
	default:
		err := fmt.Errorf("unsupported scheme %q", scheme)
		return Progress{}, NewTransferError(ErrProtocol, err, false)
	}
	hc := e.conn.HTTPConn()
	if hc == nil {
		return Progress{}, NewTransferError(ErrProtocol, errNoHTTPSession, true)
	}

	req, err := e.newRequest(ctx)
	if err != nil {
		return Progress{}, NewTransferError(ErrProtocol, err, false)
	}
	resp, err := hc.RoundTrip(req)
	if err != nil {
		return Progress{}, NewTransferError(ErrProtocol, err, true)
	}

	e.resp = resp
	e.info = ExchangeInfo{
		StatusCode:         resp.StatusCode,
		Header:             resp.Header,
		NegotiatedProtocol: hc.NegotiatedProtocol(),
	}
	e.conn.SetServerIdentity(resp.Header.Get("Server"))

	progress := Progress{BytesSent: e.sent.Load()}
	if req.Method == http.MethodHead || e.opts.NoBody {
		// Closing an unread GET body leaves the connection unusable.
		resp.Body.Close()
		progress.Done = true
		progress.Reusable = !resp.Close && req.Method == http.MethodHead
	}
	return progress, nil
}

func (e *httpExchange) newRequest(ctx context.Context) (*http.Request, error) {
	var (
		body   io.Reader
		length int64
	)
	switch {
	case e.opts.Body != nil:
		body, length = bytes.NewReader(e.opts.Body), int64(len(e.opts.Body))
	case e.opts.Source != nil:
		body, length = e.opts.Source, e.opts.SourceSize
	}

	req, err := http.NewRequestWithContext(ctx, e.opts.method(), e.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	if body != nil {
		// A zero ContentLength with a non-nil body means chunked encoding.
		req.Body = &httpCountingReader{r: body, count: &e.sent}
		req.ContentLength = max(length, 0)
		if e.opts.Body != nil && length == 0 {
			req.Body = http.NoBody
		}
	}
	if e.opts.Header != nil {
		req.Header = e.opts.Header.Clone()
	}
	if e.opts.Username != "" {
		req.SetBasicAuth(e.opts.Username, e.opts.Password)
	}
	return req, nil
}

func (e *httpExchange) readBody() (Progress, error) {
	count, err := e.resp.Body.Read(e.buf)
	progress := Progress{Data: e.buf[:count]}
	switch {
	case errors.Is(err, io.EOF):
		e.resp.Body.Close()
		progress.Done = true
		progress.Reusable = !e.resp.Close
		return progress, nil
	case err != nil:
		return Progress{}, NewTransferError(ErrProtocol, err, true)
	default:
		return progress, nil
	}
}

// Info implements [Exchange].
func (e *httpExchange) Info() ExchangeInfo {
	return e.info
}

// Close implements [Exchange].
func (e *httpExchange) Close() error {
	if e.resp == nil {
		return nil
	}
	return e.resp.Body.Close()
}

// httpCountingReader counts the request body bytes read by the transport.
type httpCountingReader struct {
	count *atomic.Int64
	r     io.Reader
}

func (r *httpCountingReader) Read(p []byte) (int, error) {
	count, err := r.r.Read(p)
	r.count.Add(int64(count))
	return count, err
}

func (r *httpCountingReader) Close() error {
	return nil
}
