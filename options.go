// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// DefaultBufferSize is the default number of body bytes read per increment.
const DefaultBufferSize = 16 << 10

// ProgressFunc is invoked on the goroutine calling [*Multi.Step] each time
// a transfer moves data. Returning an error aborts the transfer with
// [ErrCancelled].
type ProgressFunc func(bytesReceived, bytesSent int64) error

// Options configures a single transfer.
//
// Mutually exclusive combinations, rejected by [*Handle.Configure] with
// [ErrInvalidOption]:
//   - NoBody together with Body, Source or Upload
//   - Body together with Source
//   - Upload without Body or Source
//   - Password without Username
//
// The zero value of every field means "not set".
type Options struct {
	// URL is the absolute target URL. Required.
	URL string

	// Method is the request method. When empty, it is HEAD if NoBody is
	// set, PUT if Upload is set, POST if Body or Source is set, and GET
	// otherwise.
	Method string

	// Header contains extra request headers.
	Header http.Header

	// Body is an in-memory request body. Configure and Duplicate take
	// a copy, so later changes to the caller's slice have no effect.
	Body []byte

	// Source streams the request body. SourceSize is its length; zero
	// or negative means unknown.
	Source     io.Reader
	SourceSize int64

	// Upload selects upload semantics (PUT by default).
	Upload bool

	// NoBody asks not to transfer a response body (HEAD by default).
	NoBody bool

	// Username and Password enable basic authentication.
	Username string
	Password string

	// Sink receives the response body. Nil discards it.
	Sink io.Writer

	// Progress is the optional progress callback.
	Progress ProgressFunc

	// ConnectTimeout bounds opening a new connection. Zero means
	// [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// Timeout bounds the whole transfer, counted from [*Multi.Add].
	// Zero means no timeout.
	Timeout time.Duration

	// Deadline is an absolute deadline for the whole transfer. Zero means
	// none. When both Deadline and Timeout are set, the earliest wins.
	Deadline time.Time

	// FreshConnect forces opening a new connection.
	FreshConnect bool

	// ForbidReuse closes the connection when the transfer is done.
	ForbidReuse bool

	// Insecure disables TLS certificate verification.
	Insecure bool

	// Resolve contains "host:port:addr[,addr...]" entries overriding
	// name resolution for matching connections.
	Resolve []string

	// BufferSize is the maximum number of body bytes read per increment.
	// Zero means [DefaultBufferSize].
	BufferSize int
}

// DefaultConnectTimeout is the default connect timeout.
const DefaultConnectTimeout = 300 * time.Second

// clone returns a copy of the options that shares no mutable data with o,
// except for the Sink, Source and Progress capabilities.
func (o *Options) clone() Options {
	out := *o
	out.Header = o.Header.Clone()
	out.Body = bytes.Clone(o.Body)
	out.Resolve = slices.Clone(o.Resolve)
	return out
}

// validate checks option combinations and returns the parsed URL and key.
func (o *Options) validate() (*url.URL, ConnKey, error) {
	if o.URL == "" {
		return nil, ConnKey{}, invalidOptionf("missing URL")
	}
	u, err := url.Parse(o.URL)
	if err != nil {
		return nil, ConnKey{}, invalidOptionf("cannot parse URL: %s", err.Error())
	}
	key, err := NewConnKey(u)
	if err != nil {
		return nil, ConnKey{}, err
	}
	hasBody := o.Body != nil || o.Source != nil
	switch {
	case o.NoBody && (hasBody || o.Upload):
		return nil, ConnKey{}, invalidOptionf("NoBody conflicts with a request body")
	case o.Body != nil && o.Source != nil:
		return nil, ConnKey{}, invalidOptionf("Body conflicts with Source")
	case o.Upload && !hasBody:
		return nil, ConnKey{}, invalidOptionf("Upload requires Body or Source")
	case o.Password != "" && o.Username == "":
		return nil, ConnKey{}, invalidOptionf("Password requires Username")
	case o.ConnectTimeout < 0 || o.Timeout < 0:
		return nil, ConnKey{}, invalidOptionf("negative timeout")
	case o.BufferSize < 0:
		return nil, ConnKey{}, invalidOptionf("negative BufferSize")
	}
	if _, err := parseResolveEntries(o.Resolve); err != nil {
		return nil, ConnKey{}, err
	}
	return u, key, nil
}

// method returns the effective request method.
func (o *Options) method() string {
	switch {
	case o.Method != "":
		return strings.ToUpper(o.Method)
	case o.NoBody:
		return http.MethodHead
	case o.Upload:
		return http.MethodPut
	case o.Body != nil || o.Source != nil:
		return http.MethodPost
	default:
		return http.MethodGet
	}
}

// bufferSize returns the effective buffer size.
func (o *Options) bufferSize() int {
	if o.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return o.BufferSize
}

// connectTimeout returns the effective connect timeout.
func (o *Options) connectTimeout() time.Duration {
	if o.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return o.ConnectTimeout
}

// deadline returns the effective deadline for a transfer added at t0.
func (o *Options) deadline(t0 time.Time) time.Time {
	deadline := o.Deadline
	if o.Timeout > 0 {
		if d := t0.Add(o.Timeout); deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}
	return deadline
}
