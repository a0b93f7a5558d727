// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
)

// NewDNSResolver returns a new [*DNSResolver].
//
// The cfg argument contains the process-wide configuration.
//
// The protocol argument is one of [DNSProtocolUDP], [DNSProtocolTCP],
// [DNSProtocolTLS] and [DNSProtocolHTTPS].
//
// The server argument is the DNS server endpoint.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSResolver(cfg *Config, protocol string, server netip.AddrPort, logger SLogger) *DNSResolver {
	return &DNSResolver{
		Config:   cfg,
		Logger:   logger,
		Protocol: protocol,
		Server:   server,
	}
}

// DNSResolver implements [Resolver] by querying a specific DNS server
// for A records, over a fresh connection for each lookup.
//
// Each lookup emits dnsLookupStart/dnsLookupDone around the connection
// and exchange events. The lookup connection is closed as soon as the
// context is done.
//
// All fields are safe to modify after construction but before first use.
type DNSResolver struct {
	// Config is the process-wide configuration used to dial the server.
	//
	// Set by [NewDNSResolver] to the user-provided value.
	Config *Config

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDNSResolver] to the user-provided logger.
	Logger SLogger

	// Protocol is the DNS protocol to use.
	//
	// Set by [NewDNSResolver] to the user-provided value.
	Protocol string

	// Server is the DNS server endpoint.
	//
	// Set by [NewDNSResolver] to the user-provided value.
	Server netip.AddrPort

	// ServerName is the TLS server name for [DNSProtocolTLS] and
	// [DNSProtocolHTTPS]. Empty means the server IP address.
	ServerName string

	// URL is the DoH endpoint for [DNSProtocolHTTPS]. Empty means
	// "https://<ServerName>/dns-query".
	URL string
}

var _ Resolver = &DNSResolver{}

// LookupHost implements [Resolver].
func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, ok := parseIPLiteral(host); ok {
		return []netip.Addr{addr}, nil
	}
	t0 := r.Config.TimeNow()
	deadline, _ := ctx.Deadline()
	r.Logger.Info(
		"dnsLookupStart",
		slog.Time("deadline", deadline),
		slog.String("dnsLookupDomain", host),
		slog.String("serverAddr", r.Server.String()),
		slog.String("serverProtocol", r.Protocol),
		slog.Time("t", t0),
	)

	addrs, err := r.lookup(ctx, host)

	r.Logger.Info(
		"dnsLookupDone",
		slog.Time("deadline", deadline),
		slog.Any("dnsLookupAddrs", addrs),
		slog.String("dnsLookupDomain", host),
		slog.Any("err", err),
		slog.String("errClass", r.Config.ErrClassifier.Classify(err)),
		slog.String("serverAddr", r.Server.String()),
		slog.String("serverProtocol", r.Protocol),
		slog.Time("t0", t0),
		slog.Time("t", r.Config.TimeNow()),
	)
	return addrs, err
}

func (r *DNSResolver) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	dc, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer dc.Close()

	resp, err := dc.Exchange(ctx, dnscodec.NewQuery(host, dns.TypeA))
	if err != nil {
		return nil, err
	}
	records, err := resp.RecordsA()
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, record := range records {
		if addr, ok := parseIPLiteral(record); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

// dial builds and runs the connection pipeline for the configured protocol.
func (r *DNSResolver) dial(ctx context.Context) (DNSExchanger, error) {
	cfg, logger := r.Config, r.Logger
	endpoint := ConstFunc([]netip.AddrPort{r.Server})
	observe := NewObserveConnFunc(cfg, logger)
	cancelWatch := NewCancelWatchFunc()

	switch r.Protocol {
	case DNSProtocolUDP:
		pipe := Compose5(endpoint, NewConnectFunc(cfg, "udp", logger),
			observe, cancelWatch, NewDNSConnFuncUDP(cfg, logger))
		return pipe.Call(ctx, Unit{})

	case DNSProtocolTCP:
		pipe := Compose5(endpoint, NewConnectFunc(cfg, "tcp", logger),
			observe, cancelWatch, NewDNSConnFuncTCP(cfg, logger))
		return pipe.Call(ctx, Unit{})

	case DNSProtocolTLS:
		tlsConn := Compose5(endpoint, NewConnectFunc(cfg, "tcp", logger),
			observe, cancelWatch, NewTLSHandshakeFunc(cfg, r.tlsConfig(nil), logger))
		pipe := Compose2(tlsConn, NewDNSConnFuncTLS(cfg, logger))
		return pipe.Call(ctx, Unit{})

	case DNSProtocolHTTPS:
		tlsConn := Compose5(endpoint, NewConnectFunc(cfg, "tcp", logger), observe,
			cancelWatch, NewTLSHandshakeFunc(cfg, r.tlsConfig([]string{"h2", "http/1.1"}), logger))
		pipe := Compose3(tlsConn, NewHTTPConnFuncTLS(cfg, logger),
			NewDNSOverHTTPSConnFunc(cfg, r.dohURL(), logger))
		return pipe.Call(ctx, Unit{})

	default:
		return nil, fmt.Errorf("unsupported DNS protocol %q", r.Protocol)
	}
}

func (r *DNSResolver) serverName() string {
	if r.ServerName != "" {
		return r.ServerName
	}
	return r.Server.Addr().String()
}

func (r *DNSResolver) tlsConfig(alpn []string) *tls.Config {
	config := r.Config.TLSConfig.Clone()
	config.ServerName = r.serverName()
	config.NextProtos = alpn
	return config
}

func (r *DNSResolver) dohURL() string {
	if r.URL != "" {
		return r.URL
	}
	return "https://" + net.JoinHostPort(r.serverName(), strconv.Itoa(int(r.Server.Port()))) + "/dns-query"
}
