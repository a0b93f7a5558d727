// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"net/http"
)

// Transport is the protocol collaborator driven by the [*Multi].
//
// The scheduler knows nothing about wire formats: it binds a transfer to
// a [*Conn], asks the Transport for an [Exchange], and then repeatedly
// runs [Exchange.Step] until it reports completion or fails.
type Transport interface {
	// NewExchange prepares a transfer over conn. It must not perform I/O.
	NewExchange(conn *Conn, opts *Options) Exchange
}

// Exchange is the per-transfer state of a [Transport].
//
// The scheduler runs at most one Step at a time for a given Exchange, on a
// goroutine other than the one calling [*Multi.Step], and never calls
// Info concurrently with Step.
type Exchange interface {
	// Step performs one increment of wire-level work. It may block on
	// I/O until ctx is done. Every Step of a transfer receives the same
	// ctx, which stays valid until the transfer ends. Failures should be
	// [*TransferError] values so that the scheduler knows whether the
	// connection survives; other errors count as connection-fatal
	// [ErrProtocol].
	Step(ctx context.Context) (Progress, error)

	// Info returns the protocol information collected so far.
	Info() ExchangeInfo

	// Close releases per-transfer resources. It does not close the [*Conn].
	Close() error
}

// Progress is the outcome of one [Exchange.Step].
type Progress struct {
	// Data contains response body bytes to deliver to the sink. It is
	// only valid until the next Step of the same [Exchange].
	Data []byte

	// BytesSent is the number of request body bytes sent by this step.
	BytesSent int64

	// Done is true when the transfer completed successfully.
	Done bool

	// Reusable tells whether the connection may serve another transfer.
	// It is only meaningful when Done is true.
	Reusable bool
}

// ExchangeInfo is the protocol information exposed by an [Exchange].
type ExchangeInfo struct {
	// StatusCode is the protocol status code, or zero.
	StatusCode int

	// Header contains the response headers, if any.
	Header http.Header

	// NegotiatedProtocol is the ALPN protocol, if any.
	NegotiatedProtocol string
}

// TransportFunc adapts a function to the [Transport] interface.
type TransportFunc func(conn *Conn, opts *Options) Exchange

var _ Transport = TransportFunc(nil)

// NewExchange implements [Transport].
func (f TransportFunc) NewExchange(conn *Conn, opts *Options) Exchange {
	return f(conn, opts)
}
