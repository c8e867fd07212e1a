// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package failover

import (
	"time"

	"github.com/juju/errors"

	"github.com/juju/sqlbridge/core/dbdriver"
)

// DefaultWindow is the debounce interval used when a connection does
// not configure its own.
const DefaultWindow = 250 * time.Millisecond

// Policy controls how a connection reacts to recoverable failures:
// which error classes are worth retrying, how persistently to retry,
// and how long to coalesce notifications before invoking the
// application callback.
type Policy struct {
	// MaxAttempts bounds recovery attempts, including the first.
	MaxAttempts int

	// Backoff is the delay before the second attempt; each further
	// attempt multiplies it by BackoffFactor.
	Backoff       time.Duration
	BackoffFactor float64

	// Classes selects the error classes eligible for retry.
	Classes dbdriver.ErrorClass

	// Window is the notification debounce interval.
	Window time.Duration
}

// DefaultPolicy is the policy applied at logon until the application
// configures its own.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		Backoff:       100 * time.Millisecond,
		BackoffFactor: 2.0,
		Classes:       dbdriver.ClassNetwork | dbdriver.ClassConnLost,
		Window:        DefaultWindow,
	}
}

// Validate returns an error if the policy is unusable. An empty class
// mask is valid: it makes every failure fatal to a retry loop.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.NotValidf("MaxAttempts %d", p.MaxAttempts)
	}
	if p.Backoff <= 0 {
		return errors.NotValidf("Backoff %v", p.Backoff)
	}
	if p.BackoffFactor < 1 {
		return errors.NotValidf("BackoffFactor %v", p.BackoffFactor)
	}
	if p.Window <= 0 {
		return errors.NotValidf("Window %v", p.Window)
	}
	return nil
}
