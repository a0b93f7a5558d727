// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

// State is the scheduling state of a [*Handle].
//
// The transitions are Pending → Connecting → Active → Completed, with
// StateErrorCompleted reachable from every non-terminal state. A pending
// handle may also become Active directly when the pool has an idle
// connection for it.
type State int

const (
	// StateDetached means the handle is not attached to any [*Multi].
	StateDetached State = iota

	// StatePending means the handle waits for a connection.
	StatePending

	// StateConnecting means a new connection is being opened.
	StateConnecting

	// StateActive means the handle owns a connection and moves data.
	StateActive

	// StateCompleted means the transfer succeeded.
	StateCompleted

	// StateErrorCompleted means the transfer failed.
	StateErrorCompleted
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateErrorCompleted:
		return "errorCompleted"
	default:
		return "unknown"
	}
}

// Terminal returns whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrorCompleted
}
