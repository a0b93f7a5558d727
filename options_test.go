// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validate rejects malformed and conflicting options.
func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// opts are the options to validate.
		opts Options

		// wantErr indicates whether we expect ErrInvalidOption.
		wantErr bool
	}{
		{name: "minimal", opts: Options{URL: "https://example.com/"}},
		{name: "upload with body", opts: Options{URL: "http://example.com/", Upload: true, Body: []byte("x")}},
		{name: "empty body is a body", opts: Options{URL: "http://example.com/", Upload: true, Body: []byte{}}},
		{name: "resolve entries", opts: Options{URL: "http://example.com/", Resolve: []string{"example.com:80:127.0.0.1"}}},
		{name: "missing URL", opts: Options{}, wantErr: true},
		{name: "unparseable URL", opts: Options{URL: "http://[::1"}, wantErr: true},
		{name: "unsupported scheme", opts: Options{URL: "gopher://example.com/"}, wantErr: true},
		{name: "NoBody with Body", opts: Options{URL: "http://example.com/", NoBody: true, Body: []byte("x")}, wantErr: true},
		{name: "NoBody with Upload", opts: Options{URL: "http://example.com/", NoBody: true, Upload: true}, wantErr: true},
		{name: "NoBody with Source", opts: Options{URL: "http://example.com/", NoBody: true, Source: bytes.NewReader(nil)}, wantErr: true},
		{name: "Body with Source", opts: Options{URL: "http://example.com/", Body: []byte("x"), Source: bytes.NewReader(nil)}, wantErr: true},
		{name: "Upload without body", opts: Options{URL: "http://example.com/", Upload: true}, wantErr: true},
		{name: "Password without Username", opts: Options{URL: "http://example.com/", Password: "secret"}, wantErr: true},
		{name: "negative timeout", opts: Options{URL: "http://example.com/", Timeout: -time.Second}, wantErr: true},
		{name: "negative connect timeout", opts: Options{URL: "http://example.com/", ConnectTimeout: -time.Second}, wantErr: true},
		{name: "negative buffer size", opts: Options{URL: "http://example.com/", BufferSize: -1}, wantErr: true},
		{name: "bad resolve entry", opts: Options{URL: "http://example.com/", Resolve: []string{"nope"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.opts.validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidOption)
				return
			}
			require.NoError(t, err)
		})
	}
}

// method derives the request method from the options.
func TestOptionsMethod(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "default", opts: Options{}, want: http.MethodGet},
		{name: "explicit", opts: Options{Method: "delete", Body: []byte("x")}, want: http.MethodDelete},
		{name: "no body", opts: Options{NoBody: true}, want: http.MethodHead},
		{name: "upload", opts: Options{Upload: true, Body: []byte("x")}, want: http.MethodPut},
		{name: "body", opts: Options{Body: []byte("x")}, want: http.MethodPost},
		{name: "source", opts: Options{Source: bytes.NewReader(nil)}, want: http.MethodPost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.method())
		})
	}
}

// deadline combines Deadline and Timeout, the earliest winning.
func TestOptionsDeadline(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		opts Options
		want time.Time
	}{
		{name: "none", opts: Options{}, want: time.Time{}},
		{name: "timeout", opts: Options{Timeout: time.Second}, want: t0.Add(time.Second)},
		{name: "deadline", opts: Options{Deadline: t0.Add(time.Minute)}, want: t0.Add(time.Minute)},
		{name: "timeout earlier", opts: Options{Timeout: time.Second, Deadline: t0.Add(time.Minute)}, want: t0.Add(time.Second)},
		{name: "deadline earlier", opts: Options{Timeout: time.Hour, Deadline: t0.Add(time.Minute)}, want: t0.Add(time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.deadline(t0))
		})
	}
}

// The effective defaults apply when values are zero.
func TestOptionsDefaults(t *testing.T) {
	opts := Options{}
	assert.Equal(t, DefaultBufferSize, opts.bufferSize())
	assert.Equal(t, DefaultConnectTimeout, opts.connectTimeout())

	opts = Options{BufferSize: 10, ConnectTimeout: time.Second}
	assert.Equal(t, 10, opts.bufferSize())
	assert.Equal(t, time.Second, opts.connectTimeout())
}

// clone copies the configuration data.
func TestOptionsClone(t *testing.T) {
	opts := Options{
		Body:    []byte("hello"),
		Header:  http.Header{"X-Test": {"1"}},
		Resolve: []string{"example.com:80:127.0.0.1"},
	}

	out := opts.clone()
	opts.Body[0] = 'j'
	opts.Header.Set("X-Test", "2")
	opts.Resolve[0] = "changed"

	assert.Equal(t, []byte("hello"), out.Body)
	assert.Equal(t, "1", out.Header.Get("X-Test"))
	assert.Equal(t, []string{"example.com:80:127.0.0.1"}, out.Resolve)
}
