// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/netip"
)

// OpenRequest describes the connection a transfer needs.
type OpenRequest struct {
	// Key is the endpoint to connect to.
	Key ConnKey

	// Resolve contains [Options.Resolve] overrides.
	Resolve []string

	// Security is the required security identity (e.g., [SecurityTLS]).
	Security string

	// SpanID identifies the transfer requesting the connection.
	SpanID string
}

// Opener opens new connections on behalf of a [*Multi].
//
// Open may block until ctx is done. It returns either a valid [*Conn] or
// an error, never both.
type Opener interface {
	Open(ctx context.Context, req OpenRequest) (*Conn, error)
}

// OpenerFunc adapts a function to the [Opener] interface.
type OpenerFunc func(ctx context.Context, req OpenRequest) (*Conn, error)

var _ Opener = OpenerFunc(nil)

// Open implements [Opener].
func (f OpenerFunc) Open(ctx context.Context, req OpenRequest) (*Conn, error) {
	return f(ctx, req)
}

// NewDialOpener returns a new [*DialOpener].
//
// The cfg argument contains the process-wide configuration.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDialOpener(cfg *Config, logger SLogger) *DialOpener {
	return &DialOpener{
		Config: cfg,
		Logger: logger,
	}
}

// DialOpener is the default [Opener].
//
// It resolves the host (honoring [OpenRequest.Resolve] first), connects
// to each address in turn, performs the TLS handshake for secure schemes
// offering "h2" and "http/1.1", and binds the result to an [*HTTPConn].
// It emits openConnStart/openConnDone around the whole sequence.
//
// All fields are safe to modify after construction but before first use.
type DialOpener struct {
	// Config is the process-wide configuration.
	//
	// Set by [NewDialOpener] to the user-provided value.
	Config *Config

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDialOpener] to the user-provided logger.
	Logger SLogger
}

var _ Opener = &DialOpener{}

// Open implements [Opener].
func (o *DialOpener) Open(ctx context.Context, req OpenRequest) (*Conn, error) {
	t0 := o.Config.TimeNow()
	deadline, _ := ctx.Deadline()
	o.Logger.Info(
		"openConnStart",
		slog.Time("deadline", deadline),
		slog.String("connKey", req.Key.String()),
		slog.String("connSecurity", req.Security),
		slog.String("spanID", req.SpanID),
		slog.Time("t", t0),
	)

	conn, err := o.open(ctx, req)

	var (
		connID       int64
		laddr, raddr string
	)
	if conn != nil {
		connID, laddr, raddr = conn.ID(), conn.LocalAddr(), conn.RemoteAddr()
	}
	o.Logger.Info(
		"openConnDone",
		slog.Int64("connID", connID),
		slog.Time("deadline", deadline),
		slog.String("connKey", req.Key.String()),
		slog.String("connSecurity", req.Security),
		slog.Any("err", err),
		slog.String("errClass", o.Config.ErrClassifier.Classify(err)),
		slog.String("localAddr", laddr),
		slog.String("remoteAddr", raddr),
		slog.String("spanID", req.SpanID),
		slog.Time("t0", t0),
		slog.Time("t", o.Config.TimeNow()),
	)
	return conn, err
}

func (o *DialOpener) open(ctx context.Context, req OpenRequest) (*Conn, error) {
	cfg, logger := o.Config, o.Logger
	resolve := FuncAdapter[Unit, []netip.AddrPort](func(ctx context.Context, _ Unit) ([]netip.AddrPort, error) {
		return o.resolve(ctx, req)
	})
	connect := NewConnectFunc(cfg, "tcp", logger)
	observe := NewObserveConnFunc(cfg, logger)

	var pipe Func[Unit, *HTTPConn]
	if req.Key.Secure() {
		handshake := NewTLSHandshakeFunc(cfg, o.tlsConfig(req), logger)
		pipe = Compose5(resolve, connect, observe, handshake, NewHTTPConnFuncTLS(cfg, logger))
	} else {
		pipe = Compose4(resolve, connect, observe, NewHTTPConnFuncPlain(cfg, logger))
	}

	hc, err := pipe.Call(ctx, Unit{})
	if err != nil {
		return nil, err
	}
	return NewConn(req.Key, req.Security, hc, cfg.TimeNow()), nil
}

func (o *DialOpener) resolve(ctx context.Context, req OpenRequest) ([]netip.AddrPort, error) {
	overrides, err := parseResolveEntries(req.Resolve)
	if err != nil {
		return nil, err
	}
	addrs, found := overrides.Lookup(req.Key.Host, req.Key.Port)
	if !found {
		if addrs, err = o.Config.Resolver.LookupHost(ctx, req.Key.Host); err != nil {
			return nil, err
		}
	}
	endpoints := make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		endpoints = append(endpoints, netip.AddrPortFrom(addr, req.Key.Port))
	}
	return endpoints, nil
}

func (o *DialOpener) tlsConfig(req OpenRequest) *tls.Config {
	config := o.Config.TLSConfig.Clone()
	config.ServerName = req.Key.Host
	config.NextProtos = []string{"h2", "http/1.1"}
	config.InsecureSkipVerify = req.Security == SecurityTLSInsecure
	return config
}
