// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TLSEngineStdlib returns "stdlib" as Name, "" as Parrot, and a *tls.Conn from Client.
func TestTLSEngineStdlib(t *testing.T) {
	engine := TLSEngineStdlib{}

	assert.Equal(t, "stdlib", engine.Name())
	assert.Equal(t, "", engine.Parrot())

	tlsConn := engine.Client(&netstub.FuncConn{}, &tls.Config{})
	_, ok := tlsConn.(*tls.Conn)
	assert.True(t, ok)
}

// NewTLSHandshakeFunc takes the engine from Config.
func TestNewTLSHandshakeFunc(t *testing.T) {
	cfg := NewConfig()
	engine := newMockTLSEngine(nil)
	cfg.TLSEngine = engine
	tlsConfig := &tls.Config{ServerName: "example.com"}

	fn := NewTLSHandshakeFunc(cfg, tlsConfig, DefaultSLogger())

	require.NotNil(t, fn)
	assert.Equal(t, tlsConfig, fn.Config)
	assert.Equal(t, engine, fn.Engine)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TimeNow)
	assert.NotNil(t, fn.ErrClassifier)
}

// Call returns the TLSConn on success and closes it on failure.
func TestTLSHandshakeFunc(t *testing.T) {
	wantErr := errors.New("handshake failed")

	tests := []struct {
		// name describes what this test case verifies.
		name string

		// handshakeErr is the error returned by the handshake.
		handshakeErr error
	}{
		{name: "success", handshakeErr: nil},
		{name: "failure", handshakeErr: wantErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closed := false
			mockTLSConn := &tlsstub.FuncTLSConn{
				FuncConn: newMinimalConn(),
				ConnectionStateFunc: func() tls.ConnectionState {
					return tls.ConnectionState{NegotiatedProtocol: "h2"}
				},
				HandshakeContextFunc: func(ctx context.Context) error {
					return tt.handshakeErr
				},
			}
			mockTLSConn.FuncConn.CloseFunc = func() error {
				closed = true
				return nil
			}

			logger, records := newCapturingLogger()
			fn := NewTLSHandshakeFunc(NewConfig(), &tls.Config{ServerName: "example.com"}, logger)
			fn.Engine = newMockTLSEngine(mockTLSConn)

			conn, err := fn.Call(context.Background(), newMinimalConn())

			assert.Equal(t, []string{"tlsHandshakeStart", "tlsHandshakeDone"}, records.Messages())
			if tt.handshakeErr != nil {
				require.ErrorIs(t, err, wantErr)
				assert.Nil(t, conn)
				assert.True(t, closed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "h2", conn.ConnectionState().NegotiatedProtocol)
			assert.False(t, closed)
		})
	}
}

// Call clones the config and uses TimeNow as its clock.
func TestTLSHandshakeFuncClonesConfig(t *testing.T) {
	cfg := NewConfig()
	fixedTime := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg.TimeNow = func() time.Time { return fixedTime }
	tlsConfig := &tls.Config{ServerName: "example.com"}

	var captured *tls.Config
	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn:             newMinimalConn(),
		ConnectionStateFunc:  func() tls.ConnectionState { return tls.ConnectionState{} },
		HandshakeContextFunc: func(ctx context.Context) error { return nil },
	}
	engine := newMockTLSEngine(mockTLSConn)
	engine.ClientFunc = func(conn net.Conn, config *tls.Config) TLSConn {
		captured = config
		return mockTLSConn
	}

	fn := NewTLSHandshakeFunc(cfg, tlsConfig, DefaultSLogger())
	fn.Engine = engine
	_, err := fn.Call(context.Background(), newMinimalConn())
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.NotSame(t, tlsConfig, captured)
	assert.Nil(t, tlsConfig.Time)
	require.NotNil(t, captured.Time)
	assert.Equal(t, fixedTime, captured.Time())
}

// tlsPeerCerts prefers the certificate carried by verification errors.
func TestTLSPeerCerts(t *testing.T) {
	cert := &x509.Certificate{Raw: []byte("error cert")}
	state := tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{{Raw: []byte("cert1")}, {Raw: []byte("cert2")}},
	}

	tests := []struct {
		// name describes what this test case verifies.
		name string

		// err is the handshake error.
		err error

		// want is the expected list of raw certificates.
		want [][]byte
	}{
		{
			name: "hostname error",
			err:  x509.HostnameError{Certificate: cert, Host: "wrong.host.com"},
			want: [][]byte{cert.Raw},
		},
		{
			name: "unknown authority error",
			err:  x509.UnknownAuthorityError{Cert: cert},
			want: [][]byte{cert.Raw},
		},
		{
			name: "certificate invalid error",
			err:  x509.CertificateInvalidError{Cert: cert, Reason: x509.Expired},
			want: [][]byte{cert.Raw},
		},
		{
			name: "connection state",
			err:  nil,
			want: [][]byte{[]byte("cert1"), []byte("cert2")},
		},
		{
			name: "unrelated error",
			err:  errors.New("reset"),
			want: [][]byte{[]byte("cert1"), []byte("cert2")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tlsPeerCerts(state, tt.err))
		})
	}

	assert.Equal(t, [][]byte{}, tlsPeerCerts(tls.ConnectionState{}, nil))
}
