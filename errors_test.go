// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TransferError matches both its kind and its cause.
func TestTransferError(t *testing.T) {
	cause := errors.New("connection reset")

	err := NewTransferError(ErrProtocol, cause, true)

	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "xfer: protocol error: connection reset", err.Error())

	bare := NewTransferError(ErrCancelled, nil, false)
	assert.ErrorIs(t, bare, ErrCancelled)
	assert.Equal(t, "xfer: transfer cancelled", bare.Error())
}

// isConnFatal trusts TransferError and assumes the worst otherwise.
func TestIsConnFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "not fatal", err: NewTransferError(ErrWrite, nil, false), want: false},
		{name: "fatal", err: NewTransferError(ErrProtocol, nil, true), want: true},
		{name: "wrapped", err: fmt.Errorf("step: %w", NewTransferError(ErrWrite, nil, false)), want: false},
		{name: "unclassified", err: errors.New("boom"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isConnFatal(tt.err))
		})
	}
}

// asTransferError keeps existing TransferError values.
func TestAsTransferError(t *testing.T) {
	existing := NewTransferError(ErrWrite, nil, false)
	assert.Same(t, existing, asTransferError(ErrProtocol, existing))

	cause := errors.New("boom")
	wrapped := asTransferError(ErrProtocol, cause)
	assert.ErrorIs(t, wrapped, ErrProtocol)
	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, wrapped.ConnFatal)
}
