// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"time"
)

// performPollInterval bounds each wait inside [Perform].
const performPollInterval = time.Second

// Perform runs a single transfer to completion on a private [*Multi] and
// returns its result.
//
// Cancelling ctx aborts the transfer, which then completes with
// [ErrCancelled]. The returned error is nil whenever the transfer reached
// a terminal state; transfer failures are reported in [Result.Err].
func Perform(ctx context.Context, cfg *Config, logger SLogger, h *Handle) (Result, error) {
	m := NewMulti(cfg, logger)
	defer m.Close()
	if err := m.Add(h); err != nil {
		return Result{}, err
	}
	for {
		running, err := m.Poll(ctx, performPollInterval)
		if ctx.Err() != nil {
			if err := m.Abort(h); err != nil {
				return Result{}, err
			}
			running, err = m.Step()
		}
		if err != nil {
			return Result{}, err
		}
		if running <= 0 {
			return h.Result()
		}
	}
}
