// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"crypto/tls"
	"net"
	"time"
)

// Config holds the process-wide state shared by every [*Multi].
//
// The application creates one with [NewConfig] before the first transfer
// and keeps it alive until the last [*Multi] is closed. There is no hidden
// global initialization: everything the scheduler and its collaborators
// need lives here.
//
// All fields have sensible defaults set by [NewConfig] and may be replaced
// before first use. Fields must not be mutated while transfers are running.
type Config struct {
	// Dialer is used by [*ConnectFunc].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Resolver maps host names to addresses for [*DialOpener].
	//
	// Set by [NewConfig] to [SystemResolver].
	Resolver Resolver

	// TLSConfig is the template cloned for every TLS handshake. The
	// opener fills ServerName, NextProtos and InsecureSkipVerify.
	//
	// Set by [NewConfig] to an empty [*tls.Config].
	TLSConfig *tls.Config

	// TLSEngine creates client TLS connections.
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	TLSEngine TLSEngine

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		Resolver:      SystemResolver{},
		TLSConfig:     &tls.Config{},
		TLSEngine:     TLSEngineStdlib{},
		TimeNow:       time.Now,
	}
}
