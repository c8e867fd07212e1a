// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package failover

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/juju/sqlbridge/core/dbdriver"
)

// Retry runs op under the policy: native failures whose class is in
// policy.Classes are retried up to policy.MaxAttempts times, waiting
// policy.Backoff before the second attempt and scaling the wait by
// policy.BackoffFactor for each one after that. Any other failure is
// fatal immediately. Closing stop abandons the loop between attempts.
func Retry(policy Policy, clk clock.Clock, stop <-chan struct{}, op func() error) error {
	if err := policy.Validate(); err != nil {
		return errors.Trace(err)
	}

	err := retry.Call(retry.CallArgs{
		Func: op,
		IsFatalError: func(err error) bool {
			derr, ok := dbdriver.AsError(err)
			if !ok {
				return true
			}
			return !policy.Classes.Has(dbdriver.Classify(derr))
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("recovery attempt %d failed: %v", attempt, lastError)
		},
		Attempts:    policy.MaxAttempts,
		Delay:       policy.Backoff,
		BackoffFunc: scaleBackoff(policy.BackoffFactor),
		Clock:       clk,
		Stop:        stop,
	})
	return errors.Trace(err)
}

// scaleBackoff grows the delay geometrically from the second wait
// onwards.
func scaleBackoff(factor float64) func(time.Duration, int) time.Duration {
	return func(delay time.Duration, attempt int) time.Duration {
		if attempt <= 1 {
			return delay
		}
		return time.Duration(float64(delay) * factor)
	}
}
