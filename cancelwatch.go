// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"net"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc() *CancelWatchFunc {
	return &CancelWatchFunc{}
}

// CancelWatchFunc closes a connection as soon as the context is done, so
// that blocking I/O fails right away instead of at the next deadline.
//
// Closing the returned connection stops watching the context.
//
// Only use it where the context lifetime matches the connection lifetime,
// as for the one-shot DNS connections used by [*DNSResolver]. Pooled
// transfer connections outlive the context that opened them and must not
// be watched.
type CancelWatchFunc struct{}

var _ Func[net.Conn, net.Conn] = &CancelWatchFunc{}

// Call implements [Func].
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}, nil
}

type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

// Close implements [net.Conn].
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
