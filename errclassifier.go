// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import "github.com/bassosimone/errclass"

// ErrClassifier maps errors to short categorical labels for logging.
//
// Labels look like errno names (e.g., "ETIMEDOUT", "ECONNRESET") so that
// logs from many transfers can be aggregated by failure kind.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies errors using [errclass.New].
//
// It returns the empty string for a nil error.
var DefaultErrClassifier = ErrClassifierFunc(errclass.New)
