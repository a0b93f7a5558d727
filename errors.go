// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"errors"
	"fmt"
)

// Errors returned synchronously when the API is misused.
var (
	// ErrInvalidOption indicates conflicting or malformed [Options].
	ErrInvalidOption = errors.New("xfer: invalid option")

	// ErrAlreadyAttached indicates a [*Handle] that is already attached to a [*Multi].
	ErrAlreadyAttached = errors.New("xfer: handle already attached")

	// ErrStillActive indicates an operation that requires a handle to be pending or terminal.
	ErrStillActive = errors.New("xfer: handle still active")

	// ErrNotAttached indicates a [*Handle] that is not attached to this [*Multi].
	ErrNotAttached = errors.New("xfer: handle not attached")

	// ErrNotCompleted indicates that [*Handle.Result] was called too early.
	ErrNotCompleted = errors.New("xfer: transfer not completed")

	// ErrClosed indicates a [*Multi] used after [*Multi.Close].
	ErrClosed = errors.New("xfer: multi closed")
)

// Errors describing why a transfer ended in [StateErrorCompleted].
//
// They are never returned directly: the scheduler wraps them into
// a [*TransferError] and errors.Is matches both the kind and the cause.
var (
	// ErrConnect indicates an unreachable endpoint or a failed handshake.
	ErrConnect = errors.New("xfer: connect failed")

	// ErrTimeout indicates that the transfer deadline expired.
	ErrTimeout = errors.New("xfer: transfer timed out")

	// ErrCancelled indicates an explicit abort.
	ErrCancelled = errors.New("xfer: transfer cancelled")

	// ErrProtocol indicates a wire-level failure reported by the [Transport].
	ErrProtocol = errors.New("xfer: protocol error")

	// ErrWrite indicates that the [Options.Sink] refused the received data.
	ErrWrite = errors.New("xfer: sink write failed")
)

// TransferError is the error recorded on a failed transfer.
type TransferError struct {
	// Kind is one of ErrConnect, ErrTimeout, ErrCancelled, ErrProtocol, ErrWrite.
	Kind error

	// Err is the underlying cause, possibly nil.
	Err error

	// ConnFatal is true when the connection used by the transfer
	// cannot be returned to the pool.
	ConnFatal bool
}

var _ error = &TransferError{}

// NewTransferError returns a new [*TransferError].
func NewTransferError(kind, err error, connFatal bool) *TransferError {
	return &TransferError{Kind: kind, Err: err, ConnFatal: connFatal}
}

// Error implements error.
func (e *TransferError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to see both the kind and the cause.
func (e *TransferError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// isConnFatal tells whether err prevents reusing the connection.
//
// Errors that are not a [*TransferError] come from a [Transport] that did
// not classify them, so we assume the connection state is unknown.
func isConnFatal(err error) bool {
	if err == nil {
		return false
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.ConnFatal
	}
	return true
}

// asTransferError wraps err into a [*TransferError] using kind unless
// err already is a [*TransferError].
func asTransferError(kind, err error) *TransferError {
	var te *TransferError
	if errors.As(err, &te) {
		return te
	}
	return NewTransferError(kind, err, true)
}

func invalidOptionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOption, fmt.Sprintf(format, args...))
}
