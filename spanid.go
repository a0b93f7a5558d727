// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 string identifying a span.
//
// Every [*Handle] receives a fresh span ID when it is added to a
// [*Multi], and the scheduler logs it as the spanID field of each
// event concerning that transfer. Being time-ordered, span IDs also
// sort in attachment order.
//
// This function panics if the system random number generator fails.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
