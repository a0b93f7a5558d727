// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// DNS server protocols understood by [*DNSResolver].
const (
	DNSProtocolUDP   = "udp"
	DNSProtocolTCP   = "tcp"
	DNSProtocolTLS   = "dot"
	DNSProtocolHTTPS = "doh"
)

// DNSExchanger performs DNS exchanges over an owned connection.
type DNSExchanger interface {
	Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error)
	Close() error
}

// dnsUnusedDialer is a [Dialer] that panics when used.
//
// DNS transports exchange over connections we already own, so any
// attempt to dial is a programming error.
type dnsUnusedDialer struct{}

var _ Dialer = dnsUnusedDialer{}

// DialContext implements [Dialer].
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("xfer: DNS transport must not dial")
}

// dnsUnspecifiedServer is the placeholder server address for transports
// that exchange over a provided connection.
var dnsUnspecifiedServer = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)

// DNSConn exchanges DNS messages over an owned UDP, TCP or TLS connection.
//
// Each exchange emits dnsExchangeStart, dnsQuery, dnsResponse and
// dnsExchangeDone. Exchange may be called more than once.
//
// Construct using [NewDNSConnFuncUDP], [NewDNSConnFuncTCP] or [NewDNSConnFuncTLS].
type DNSConn struct {
	conn     net.Conn
	protocol string

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

var _ DNSExchanger = &DNSConn{}

// Close closes the underlying connection.
func (c *DNSConn) Close() error {
	return c.conn.Close()
}

// Protocol returns the DNS protocol ("udp", "tcp" or "dot").
func (c *DNSConn) Protocol() string {
	return c.protocol
}

// Exchange sends query and returns the validated response.
func (c *DNSConn) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	lc := newDNSExchangeLogContext(c.conn, c.protocol, c.ErrClassifier, c.Logger, c.TimeNow)
	lc.logStart(ctx)

	var (
		resp *dnscodec.Response
		err  error
	)
	switch c.protocol {
	case DNSProtocolUDP:
		txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, dnsUnspecifiedServer)
		txp.ObserveRawQuery = lc.observeQuery
		txp.ObserveRawResponse = lc.observeResponse
		resp, err = txp.ExchangeWithConn(ctx, c.conn, query)

	default:
		streamDialer := dnsoverstream.NewStreamOpenerDialerTCP(dnsUnusedDialer{})
		txp := dnsoverstream.NewTransport(streamDialer, dnsUnspecifiedServer)
		txp.ObserveRawQuery = lc.observeQuery
		txp.ObserveRawResponse = lc.observeResponse
		if tconn, ok := c.conn.(TLSConn); ok && c.protocol == DNSProtocolTLS {
			resp, err = txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTLSStreamOpener(tconn), query)
			break
		}
		resp, err = txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTCPStreamOpener(c.conn), query)
	}

	lc.logDone(err)
	return resp, err
}

// DNSConnFunc wraps a connection into a [*DNSConn].
//
// All fields are safe to modify after construction but before first use.
type DNSConnFunc[T net.Conn] struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by the constructor from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by the constructor to the user-provided logger.
	Logger SLogger

	// Protocol is the DNS protocol spoken over the connection.
	//
	// Set by the constructor.
	Protocol string

	// TimeNow is the function to get the current time.
	//
	// Set by the constructor from [Config.TimeNow].
	TimeNow func() time.Time
}

func newDNSConnFunc[T net.Conn](cfg *Config, protocol string, logger SLogger) *DNSConnFunc[T] {
	return &DNSConnFunc[T]{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Protocol:      protocol,
		TimeNow:       cfg.TimeNow,
	}
}

// NewDNSConnFuncUDP returns a [*DNSConnFunc] speaking DNS over UDP.
func NewDNSConnFuncUDP(cfg *Config, logger SLogger) *DNSConnFunc[net.Conn] {
	return newDNSConnFunc[net.Conn](cfg, DNSProtocolUDP, logger)
}

// NewDNSConnFuncTCP returns a [*DNSConnFunc] speaking DNS over TCP.
func NewDNSConnFuncTCP(cfg *Config, logger SLogger) *DNSConnFunc[net.Conn] {
	return newDNSConnFunc[net.Conn](cfg, DNSProtocolTCP, logger)
}

// NewDNSConnFuncTLS returns a [*DNSConnFunc] speaking DNS over TLS.
func NewDNSConnFuncTLS(cfg *Config, logger SLogger) *DNSConnFunc[TLSConn] {
	return newDNSConnFunc[TLSConn](cfg, DNSProtocolTLS, logger)
}

var _ Func[net.Conn, *DNSConn] = &DNSConnFunc[net.Conn]{}
var _ Func[TLSConn, *DNSConn] = &DNSConnFunc[TLSConn]{}

// Call implements [Func].
func (op *DNSConnFunc[T]) Call(ctx context.Context, conn T) (*DNSConn, error) {
	runtimex.Assert(op.Protocol == DNSProtocolUDP ||
		op.Protocol == DNSProtocolTCP || op.Protocol == DNSProtocolTLS)
	return &DNSConn{
		conn:          conn,
		protocol:      op.Protocol,
		ErrClassifier: op.ErrClassifier,
		Logger:        op.Logger,
		TimeNow:       op.TimeNow,
	}, nil
}

// dnsExchangeLogContext holds the logging state of one DNS exchange.
type dnsExchangeLogContext struct {
	deadline       time.Time
	errClassifier  ErrClassifier
	laddr          string
	logger         SLogger
	protocol       string
	raddr          string
	rawQuery       []byte
	serverProtocol string
	t0             time.Time
	timeNow        func() time.Time
}

func newDNSExchangeLogContext(conn net.Conn, serverProtocol string,
	classifier ErrClassifier, logger SLogger, timeNow func() time.Time) *dnsExchangeLogContext {
	return &dnsExchangeLogContext{
		errClassifier:  classifier,
		laddr:          safeconn.LocalAddr(conn),
		logger:         logger,
		protocol:       safeconn.Network(conn),
		raddr:          safeconn.RemoteAddr(conn),
		serverProtocol: serverProtocol,
		timeNow:        timeNow,
	}
}

func (lc *dnsExchangeLogContext) endpoints() []any {
	return []any{
		slog.String("localAddr", lc.laddr),
		slog.String("protocol", lc.protocol),
		slog.String("remoteAddr", lc.raddr),
		slog.String("serverProtocol", lc.serverProtocol),
	}
}

func (lc *dnsExchangeLogContext) logStart(ctx context.Context) {
	lc.t0 = lc.timeNow()
	lc.deadline, _ = ctx.Deadline()
	lc.logger.Info("dnsExchangeStart", append(
		lc.endpoints(),
		slog.Time("deadline", lc.deadline),
		slog.Time("t", lc.t0),
	)...)
}

func (lc *dnsExchangeLogContext) logDone(err error) {
	lc.logger.Info("dnsExchangeDone", append(
		lc.endpoints(),
		slog.Time("deadline", lc.deadline),
		slog.Any("err", err),
		slog.String("errClass", lc.errClassifier.Classify(err)),
		slog.Time("t0", lc.t0),
		slog.Time("t", lc.timeNow()),
	)...)
}

func (lc *dnsExchangeLogContext) observeQuery(rawQuery []byte) {
	lc.rawQuery = rawQuery
	lc.logger.Info("dnsQuery", append(
		lc.endpoints(),
		slog.Any("dnsRawQuery", rawQuery),
		slog.Time("t", lc.timeNow()),
	)...)
}

func (lc *dnsExchangeLogContext) observeResponse(rawResp []byte) {
	lc.logger.Info("dnsResponse", append(
		lc.endpoints(),
		slog.Any("dnsRawQuery", lc.rawQuery),
		slog.Any("dnsRawResponse", rawResp),
		slog.Time("t0", lc.t0),
		slog.Time("t", lc.timeNow()),
	)...)
}
