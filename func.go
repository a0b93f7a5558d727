// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import "context"

// Func is one step of a connection-establishment pipeline.
//
// [*DialOpener] and [*DNSResolver] build their dial sequences by composing
// Func values with [Compose4] and [Compose5], so that each step (resolve,
// connect, observe, handshake, wrap) stays independently testable.
//
// Resource cleanup contract: a Func that receives a closeable resource
// and fails must close that resource before returning, so that a broken
// pipeline never leaks connections.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter wraps a function as a [Func].
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}

// Unit is the input of pipelines that start from nothing.
type Unit struct{}

// ConstFunc returns a [Func] that ignores its input and returns value.
func ConstFunc[B any](value B) Func[Unit, B] {
	return FuncAdapter[Unit, B](func(context.Context, Unit) (B, error) {
		return value, nil
	})
}
