// SPDX-License-Identifier: GPL-3.0-or-later

// Package xfer runs many transfers concurrently over a bounded set of
// reusable connections.
//
// # Core Types
//
// A [*Handle] holds the [Options] of one transfer and, once done, its
// [Result]. A [*Multi] owns the attached handles and moves each one
// through these states:
//
//	Pending -> Connecting -> Active -> Completed | ErrorCompleted
//
// A pending handle first tries to take an idle connection from the
// [*Pool]. When none matches, it opens a new one if the global and
// per-host limits allow it (evicting an idle connection if needed) and
// otherwise waits for capacity. Active handles exchange data through a
// [Transport]; [HTTPTransport] is the default and speaks HTTP/1.1 and
// HTTP/2. When a transfer completes, its connection goes back to the pool
// unless it failed fatally or is no longer reusable.
//
// # Driving Transfers
//
// [*Multi.Step] never blocks: it applies finished asynchronous work,
// enforces deadlines, prunes the pool, admits pending handles and
// starts the next increment of each active handle. [*Multi.Poll] waits
// until there is something to do and then steps. Sinks and progress
// callbacks always run on the goroutine calling Step.
//
//	for {
//		running, err := m.Poll(ctx, time.Second)
//		if err != nil || running <= 0 {
//			break
//		}
//	}
//
// Completed transfers are reported by [*Multi.InfoRead]. For one-off
// transfers, [Perform] hides the loop.
//
// # Opening Connections
//
// [*DialOpener] builds its dial sequence by composing [Func] steps:
// [ConnectFunc], [ObserveConnFunc], [TLSHandshakeFunc] and [HTTPConnFunc].
// Names are resolved by [Config.Resolver], which defaults to
// [SystemResolver]; [*DNSResolver] queries a specific server over UDP,
// TCP, TLS or HTTPS instead. [Options.Resolve] overrides both.
//
// # Observability
//
// Every component logs through an [SLogger], which [*slog.Logger]
// satisfies. Lifecycle events come in *Start/*Done pairs sharing the t0,
// t, err and errClass fields; per-I/O and pool events use
// [slog.LevelDebug]. Each attached handle gets a UUIDv7 span ID (see
// [NewSpanID]) that appears as spanID in transfer events.
//
// # Errors
//
// Misuse errors are returned synchronously. Transfer failures are only
// reported through [Result.Err] as [*TransferError] values, which match
// both their kind (e.g., [ErrTimeout]) and their cause with [errors.Is].
// There are no automatic retries.
package xfer
