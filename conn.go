// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/safeconn"
)

// connIDs generates [*Conn] identifiers.
var connIDs atomic.Int64

// Conn is one reusable transport session to a specific endpoint.
//
// A Conn is either idle inside a [*Pool] or exclusively owned by exactly
// one active transfer. The pool and the scheduler are the only mutators
// of the bookkeeping fields; the [Exchange] owning the Conn may only use
// [*Conn.HTTPConn] and [*Conn.SetServerIdentity].
//
// Construct using [NewConn].
type Conn struct {
	alive          atomic.Bool
	closeErr       error
	closeOnce      sync.Once
	createdAt      time.Time
	hc             *HTTPConn
	id             int64
	inUse          bool
	key            ConnKey
	lastUsed       time.Time
	reuses         int
	security       string
	serverIdentity atomic.Value // string
}

// NewConn returns a new alive [*Conn] for the given key and security identity.
//
// The hc argument is the session to use. It may be nil for transports
// that do not speak HTTP (and in tests).
func NewConn(key ConnKey, security string, hc *HTTPConn, now time.Time) *Conn {
	c := &Conn{
		createdAt: now,
		hc:        hc,
		id:        connIDs.Add(1),
		key:       key,
		lastUsed:  now,
		security:  security,
	}
	c.alive.Store(true)
	return c
}

// ID returns the connection's process-unique identifier.
func (c *Conn) ID() int64 {
	return c.id
}

// Key returns the endpoint this connection is bound to.
func (c *Conn) Key() ConnKey {
	return c.key
}

// Security returns the connection's security identity.
func (c *Conn) Security() string {
	return c.security
}

// HTTPConn returns the underlying [*HTTPConn], possibly nil.
func (c *Conn) HTTPConn() *HTTPConn {
	return c.hc
}

// Alive returns false once the connection has been closed.
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// Reuses returns how many transfers reused this connection after the first.
func (c *Conn) Reuses() int {
	return c.reuses
}

// ServerIdentity returns the server identity learned from responses.
func (c *Conn) ServerIdentity() string {
	v, _ := c.serverIdentity.Load().(string)
	return v
}

// SetServerIdentity records the identity the server announced (e.g., the
// HTTP Server header). Reuse blocklists match against this value.
func (c *Conn) SetServerIdentity(value string) {
	c.serverIdentity.Store(strings.TrimSpace(value))
}

// LocalAddr returns the local address or the empty string.
func (c *Conn) LocalAddr() string {
	if c.hc == nil {
		return ""
	}
	return safeconn.LocalAddr(c.hc.Conn())
}

// RemoteAddr returns the remote address or the empty string.
func (c *Conn) RemoteAddr() string {
	if c.hc == nil {
		return ""
	}
	return safeconn.RemoteAddr(c.hc.Conn())
}

// IsReusableFor reports whether this connection could serve a transfer
// to key with the given security identity. It has no side effects.
func (c *Conn) IsReusableFor(key ConnKey, security string) bool {
	return c.Alive() && c.key == key && c.security == security
}

// Close terminates the session. Only the first call has effect; later
// calls return the same error as the first one.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		if c.hc != nil {
			c.closeErr = c.hc.Close()
		}
	})
	return c.closeErr
}
