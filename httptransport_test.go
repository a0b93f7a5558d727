// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer returns a server echoing the request and closes it at
// the end of the test.
func newTestServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		user, password, _ := r.BasicAuth()
		w.Header().Set("Server", "TestServer/1.0")
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Body-Length", strconv.Itoa(len(body)))
		w.Header().Set("X-User", user+":"+password)
		w.Header().Set("X-Test", r.Header.Get("X-Test"))
		io.WriteString(w, "0123456789")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// openTestConn opens a real connection to rawURL.
func openTestConn(t *testing.T, rawURL string) *Conn {
	t.Helper()
	key := mustKey(t, rawURL)
	conn, err := NewDialOpener(NewConfig(), DefaultSLogger()).Open(context.Background(), OpenRequest{
		Key:      key,
		Security: securityFor(key, false),
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// runExchange steps exchange until done and returns the body and the
// final progress.
func runExchange(t *testing.T, exchange Exchange) (string, Progress) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var body []byte
	for {
		progress, err := exchange.Step(ctx)
		require.NoError(t, err)
		body = append(body, progress.Data...)
		if progress.Done {
			return string(body), progress
		}
	}
}

// A GET reads the body in increments of at most BufferSize bytes.
func TestHTTPTransportGet(t *testing.T) {
	srv := newTestServer(t)
	conn := openTestConn(t, srv.URL)
	opts := &Options{URL: srv.URL + "/", BufferSize: 4, Header: http.Header{"X-Test": {"1"}}}

	exchange := HTTPTransport{}.NewExchange(conn, opts)
	defer exchange.Close()

	first, err := exchange.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, first.Done)
	assert.Empty(t, first.Data)
	assert.Equal(t, 200, exchange.Info().StatusCode)
	assert.Equal(t, "GET", exchange.Info().Header.Get("X-Method"))
	assert.Equal(t, "1", exchange.Info().Header.Get("X-Test"))
	assert.Equal(t, "TestServer/1.0", conn.ServerIdentity())

	ctx := context.Background()
	var chunks []string
	for {
		progress, err := exchange.Step(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(progress.Data), 4)
		if len(progress.Data) > 0 {
			chunks = append(chunks, string(progress.Data))
		}
		if progress.Done {
			assert.True(t, progress.Reusable)
			break
		}
	}
	assert.Equal(t, "0123456789", strings.Join(chunks, ""))
}

// The request shape follows the options.
func TestHTTPTransportRequest(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		// name describes what this test case verifies.
		name string

		// opts are the transfer options (the URL is filled in).
		opts Options

		// wantMethod and wantBodyLength describe the request seen by the server.
		wantMethod, wantBodyLength string

		// wantBody is the expected response body.
		wantBody string

		// wantReusable is the expected reusability.
		wantReusable bool
	}{
		{
			name:           "post body",
			opts:           Options{Body: []byte("hello")},
			wantMethod:     "POST",
			wantBodyLength: "5",
			wantBody:       "0123456789",
			wantReusable:   true,
		},
		{
			name:           "upload source with unknown size",
			opts:           Options{Upload: true, Source: readerOnly{r: strings.NewReader("hello, world")}},
			wantMethod:     "PUT",
			wantBodyLength: "12",
			wantBody:       "0123456789",
			wantReusable:   true,
		},
		{
			name:           "empty body",
			opts:           Options{Body: []byte{}},
			wantMethod:     "POST",
			wantBodyLength: "0",
			wantBody:       "0123456789",
			wantReusable:   true,
		},
		{
			name:           "head",
			opts:           Options{NoBody: true},
			wantMethod:     "HEAD",
			wantBodyLength: "0",
			wantReusable:   true,
		},
		{
			name:           "no body with GET",
			opts:           Options{NoBody: true, Method: "GET"},
			wantMethod:     "GET",
			wantBodyLength: "0",
			wantReusable:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := openTestConn(t, srv.URL)
			opts := tt.opts
			opts.URL = srv.URL + "/"

			exchange := HTTPTransport{}.NewExchange(conn, &opts)
			defer exchange.Close()
			body, last := runExchange(t, exchange)

			info := exchange.Info()
			assert.Equal(t, tt.wantMethod, info.Header.Get("X-Method"))
			assert.Equal(t, tt.wantBodyLength, info.Header.Get("X-Body-Length"))
			assert.Equal(t, tt.wantBody, body)
			assert.Equal(t, tt.wantReusable, last.Reusable)
		})
	}
}

// readerOnly hides every method except Read.
type readerOnly struct {
	r io.Reader
}

func (r readerOnly) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

// The first step reports the request bytes sent and basic auth is sent.
func TestHTTPTransportBytesSentAndAuth(t *testing.T) {
	srv := newTestServer(t)
	conn := openTestConn(t, srv.URL)
	opts := &Options{URL: srv.URL + "/", Body: []byte("hello"), Username: "user", Password: "pass"}

	exchange := HTTPTransport{}.NewExchange(conn, opts)
	defer exchange.Close()

	first, err := exchange.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.BytesSent)
	assert.Equal(t, "user:pass", exchange.Info().Header.Get("X-User"))
}

// Failures are TransferError values with the right connection fate.
func TestHTTPTransportErrors(t *testing.T) {
	wantErr := errors.New("connection reset")

	tests := []struct {
		// name describes what this test case verifies.
		name string

		// conn is the connection to use.
		conn *Conn

		// rawURL is the target URL.
		rawURL string

		// wantFatal is the expected ConnFatal flag.
		wantFatal bool
	}{
		{
			name:      "unsupported scheme",
			conn:      newTestConn(ConnKey{Scheme: "ftp", Host: "example.com", Port: 21}, SecurityPlain, time.Now()),
			rawURL:    "ftp://example.com/",
			wantFatal: false,
		},
		{
			name:      "no HTTP session",
			conn:      newTestConn(ConnKey{Scheme: "http", Host: "example.com", Port: 80}, SecurityPlain, time.Now()),
			rawURL:    "http://example.com/",
			wantFatal: true,
		},
		{
			name: "round trip error",
			conn: NewConn(ConnKey{Scheme: "http", Host: "example.com", Port: 80}, SecurityPlain,
				newTestHTTPConn(newMinimalConn(), funcRoundTripper(func(*http.Request) (*http.Response, error) {
					return nil, wantErr
				}), DefaultSLogger()), time.Now()),
			rawURL:    "http://example.com/",
			wantFatal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exchange := HTTPTransport{}.NewExchange(tt.conn, &Options{URL: tt.rawURL})

			_, err := exchange.Step(context.Background())

			var te *TransferError
			require.ErrorAs(t, err, &te)
			require.ErrorIs(t, err, ErrProtocol)
			assert.Equal(t, tt.wantFatal, te.ConnFatal)
			require.NoError(t, exchange.Close())
		})
	}
}
