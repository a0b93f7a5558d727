// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bassosimone/runtimex"
)

// DefaultMaxIdleAge is the default maximum time a connection may sit idle.
const DefaultMaxIdleAge = 118 * time.Second

// PoolStats is a snapshot of the [*Pool] occupancy.
type PoolStats struct {
	// Idle is the number of idle connections.
	Idle int

	// InUse is the number of connections owned by active transfers.
	InUse int

	// Opening is the number of connections being established.
	Opening int
}

// Pool bounds and reuses [*Conn] across transfers.
//
// The pool owns idle connections and accounts for connections that are
// in use or being opened, so that idle + in use + opening never exceeds
// the global limit, and the same holds per host.
//
// A Pool is not safe for concurrent use. The [*Multi] owning it serializes
// every access.
//
// Construct using [NewPool].
type Pool struct {
	// Logger is the [SLogger] to use.
	//
	// Set by [NewPool] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewPool] from [Config.TimeNow].
	TimeNow func() time.Time

	blockServers []string
	blockSites   map[string]struct{}
	globalMax    int
	hostCount    map[string]int
	idle         []*Conn // least recently released first
	inUse        int
	maxIdle      int
	maxIdleAge   time.Duration
	opening      int
	perHostMax   int
	total        int
}

// NewPool returns a new unlimited [*Pool] with [DefaultMaxIdleAge].
func NewPool(cfg *Config, logger SLogger) *Pool {
	return &Pool{
		Logger:     logger,
		TimeNow:    cfg.TimeNow,
		blockSites: map[string]struct{}{},
		hostCount:  map[string]int{},
		maxIdleAge: DefaultMaxIdleAge,
	}
}

// SetLimits configures the global and per-host connection limits. Zero
// means unlimited. Already open connections are not closed: the new
// limits apply to subsequent [*Pool.Admit] and [*Pool.Release] calls.
func (p *Pool) SetLimits(globalMax, perHostMax int) {
	p.globalMax = max(globalMax, 0)
	p.perHostMax = max(perHostMax, 0)
}

// SetIdleLimits configures how many idle connections to keep and how long
// they may stay idle. Zero means unlimited.
func (p *Pool) SetIdleLimits(maxIdle int, maxIdleAge time.Duration) {
	p.maxIdle = max(maxIdle, 0)
	p.maxIdleAge = max(maxIdleAge, 0)
}

// SetBlocklist replaces the reuse blocklist.
//
// A server identity entry blocks reusing any connection whose server
// identity starts with it (case-insensitive). A site entry ("host:port")
// blocks reusing connections to that site. The blocklist is consulted
// by [*Pool.Acquire] only; idle connections stay idle until evicted.
func (p *Pool) SetBlocklist(servers, sites []string) {
	p.blockServers = p.blockServers[:0]
	for _, s := range servers {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			p.blockServers = append(p.blockServers, s)
		}
	}
	p.blockSites = make(map[string]struct{}, len(sites))
	for _, s := range sites {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			p.blockSites[s] = struct{}{}
		}
	}
}

// blocked returns whether reusing conn is forbidden by the blocklist.
func (p *Pool) blocked(conn *Conn) bool {
	if _, found := p.blockSites[conn.key.Site()]; found {
		return true
	}
	server := strings.ToLower(conn.ServerIdentity())
	if server == "" {
		return false
	}
	for _, prefix := range p.blockServers {
		if strings.HasPrefix(server, prefix) {
			return true
		}
	}
	return false
}

// expired returns whether an idle conn has been idle for too long.
func (p *Pool) expired(conn *Conn, now time.Time) bool {
	return p.maxIdleAge > 0 && now.Sub(conn.lastUsed) >= p.maxIdleAge
}

// Acquire returns an idle connection that can serve a transfer to key
// with the given security identity, or nil when the caller must open a
// new one. The most recently released match wins. Dead or expired idle
// connections met during the search are closed.
func (p *Pool) Acquire(key ConnKey, security string) *Conn {
	now := p.TimeNow()
	for idx := len(p.idle) - 1; idx >= 0; idx-- {
		conn := p.idle[idx]
		if !conn.Alive() || p.expired(conn, now) {
			p.idle = slices.Delete(p.idle, idx, idx+1)
			p.closeIdle(conn, "stale")
			continue
		}
		if !conn.IsReusableFor(key, security) || p.blocked(conn) {
			continue
		}
		p.idle = slices.Delete(p.idle, idx, idx+1)
		conn.inUse = true
		conn.reuses++
		p.inUse++
		p.Logger.Debug(
			"poolAcquire",
			slog.Int64("connID", conn.id),
			slog.String("site", key.Site()),
			slog.Int("connReuses", conn.reuses),
			slog.Time("t", now),
		)
		return conn
	}
	return nil
}

// Admit returns whether opening one more connection to key respects
// both the global and the per-host limits.
func (p *Pool) Admit(key ConnKey) bool {
	if p.globalMax > 0 && p.total >= p.globalMax {
		return false
	}
	if p.perHostMax > 0 && p.hostCount[key.Host] >= p.perHostMax {
		return false
	}
	return true
}

// EvictFor closes the least recently released idle connection whose
// removal frees capacity for key. It returns false if no idle connection
// can help. In-use connections are never evicted.
func (p *Pool) EvictFor(key ConnKey) bool {
	hostFull := p.perHostMax > 0 && p.hostCount[key.Host] >= p.perHostMax
	idx := slices.IndexFunc(p.idle, func(conn *Conn) bool {
		return !hostFull || conn.key.Host == key.Host
	})
	if idx < 0 {
		return false
	}
	conn := p.idle[idx]
	p.idle = slices.Delete(p.idle, idx, idx+1)
	p.closeIdle(conn, "capacity")
	return true
}

// reserve accounts for a connection that is being opened.
func (p *Pool) reserve(key ConnKey) {
	p.total++
	p.opening++
	p.hostCount[key.Host]++
}

// adopt turns a reservation into an in-use connection.
func (p *Pool) adopt(conn *Conn) {
	runtimex.Assert(p.opening > 0)
	p.opening--
	p.inUse++
	conn.inUse = true
}

// abandon drops a reservation whose open failed.
func (p *Pool) abandon(key ConnKey) {
	runtimex.Assert(p.opening > 0)
	p.opening--
	p.forget(key)
}

// forget removes one connection to key from the totals.
func (p *Pool) forget(key ConnKey) {
	p.total--
	if p.hostCount[key.Host]--; p.hostCount[key.Host] <= 0 {
		delete(p.hostCount, key.Host)
	}
}

// Release returns an in-use connection to the pool.
//
// The connection becomes idle only when reusable is true, it is still
// alive, and the limits (possibly lowered since it was opened) still
// hold. Otherwise it is closed. When the idle cache is full, the least
// recently released idle connection makes room.
func (p *Pool) Release(conn *Conn, reusable bool) {
	runtimex.Assert(conn.inUse)
	conn.inUse = false
	p.inUse--
	now := p.TimeNow()
	keep := reusable && conn.Alive() && p.withinLimits(conn.key)
	p.Logger.Debug(
		"poolRelease",
		slog.Int64("connID", conn.id),
		slog.Bool("connKeep", keep),
		slog.Bool("connReusable", reusable),
		slog.String("site", conn.key.Site()),
		slog.Time("t", now),
	)
	if !keep {
		p.forget(conn.key)
		conn.Close()
		return
	}
	if p.maxIdle > 0 && len(p.idle) >= p.maxIdle {
		oldest := p.idle[0]
		p.idle = slices.Delete(p.idle, 0, 1)
		p.closeIdle(oldest, "idleCacheFull")
	}
	conn.lastUsed = now
	p.idle = append(p.idle, conn)
}

// withinLimits returns whether the connections counted for key fit the limits.
func (p *Pool) withinLimits(key ConnKey) bool {
	if p.globalMax > 0 && p.total > p.globalMax {
		return false
	}
	if p.perHostMax > 0 && p.hostCount[key.Host] > p.perHostMax {
		return false
	}
	return true
}

// Prune closes idle connections that exceeded the maximum idle age and
// returns how many it closed.
func (p *Pool) Prune(now time.Time) int {
	var count int
	p.idle = slices.DeleteFunc(p.idle, func(conn *Conn) bool {
		if conn.Alive() && !p.expired(conn, now) {
			return false
		}
		p.closeIdle(conn, "stale")
		count++
		return true
	})
	return count
}

// Reset closes every idle connection.
func (p *Pool) Reset() {
	for _, conn := range p.idle {
		p.closeIdle(conn, "reset")
	}
	p.idle = nil
}

// Stats returns a snapshot of the pool occupancy.
func (p *Pool) Stats() PoolStats {
	return PoolStats{Idle: len(p.idle), InUse: p.inUse, Opening: p.opening}
}

// closeIdle closes a connection already removed from the idle list.
func (p *Pool) closeIdle(conn *Conn, reason string) {
	p.forget(conn.key)
	p.Logger.Debug(
		"poolEvict",
		slog.Int64("connID", conn.id),
		slog.String("reason", reason),
		slog.String("site", conn.key.Site()),
		slog.Time("t", p.TimeNow()),
	)
	conn.Close()
}
