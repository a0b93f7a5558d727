// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Resolver maps a host name to IP addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// SystemResolver implements [Resolver] using [net.DefaultResolver].
//
// The zero value is ready to use.
type SystemResolver struct{}

var _ Resolver = SystemResolver{}

// LookupHost implements [Resolver].
func (SystemResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, ok := parseIPLiteral(host); ok {
		return []netip.Addr{addr}, nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for idx := range addrs {
		addrs[idx] = addrs[idx].Unmap()
	}
	return addrs, nil
}

// parseIPLiteral parses host as an IP address, with or without brackets.
func parseIPLiteral(host string) (netip.Addr, bool) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// StaticResolver holds resolution overrides keyed by "host:port".
//
// Build it from [Options.Resolve] entries, whose syntax is
// "host:port:addr[,addr...]", where IPv6 addresses may be bracketed.
type StaticResolver map[string][]netip.Addr

// parseResolveEntries parses [Options.Resolve] entries. A later entry for
// the same host and port replaces an earlier one.
func parseResolveEntries(entries []string) (StaticResolver, error) {
	out := StaticResolver{}
	for _, entry := range entries {
		host, rest, ok := strings.Cut(entry, ":")
		if !ok || host == "" {
			return nil, invalidOptionf("resolve entry %q: missing host", entry)
		}
		sport, saddrs, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, invalidOptionf("resolve entry %q: missing addresses", entry)
		}
		port, err := strconv.ParseUint(sport, 10, 16)
		if err != nil {
			return nil, invalidOptionf("resolve entry %q: invalid port", entry)
		}
		var addrs []netip.Addr
		for _, saddr := range strings.Split(saddrs, ",") {
			addr, ok := parseIPLiteral(strings.TrimSpace(saddr))
			if !ok {
				return nil, invalidOptionf("resolve entry %q: invalid address %q", entry, saddr)
			}
			addrs = append(addrs, addr)
		}
		out[staticResolverKey(host, uint16(port))] = addrs
	}
	return out, nil
}

func staticResolverKey(host string, port uint16) string {
	return net.JoinHostPort(strings.ToLower(host), strconv.Itoa(int(port)))
}

// Lookup returns the override for host and port, if any.
func (r StaticResolver) Lookup(host string, port uint16) ([]netip.Addr, bool) {
	addrs, ok := r[staticResolverKey(host, port)]
	return addrs, ok
}
