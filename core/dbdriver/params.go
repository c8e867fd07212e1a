// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dbdriver

import (
	"time"

	"github.com/juju/errors"
)

// PoolGetMode selects how Pool.Acquire behaves when the pool is
// exhausted.
type PoolGetMode int

const (
	// PoolGetWait blocks until a session is returned.
	PoolGetWait PoolGetMode = iota

	// PoolGetNoWait fails immediately.
	PoolGetNoWait

	// PoolGetForce creates a session beyond the maximum.
	PoolGetForce

	// PoolGetTimedWait blocks up to WaitTimeout.
	PoolGetTimedWait
)

// String is used in logs.
func (m PoolGetMode) String() string {
	switch m {
	case PoolGetWait:
		return "wait"
	case PoolGetNoWait:
		return "nowait"
	case PoolGetForce:
		return "forceget"
	case PoolGetTimedWait:
		return "timedwait"
	}
	return "unknown"
}

// PoolParams configures a session pool. The bridge passes these
// through to the driver untouched.
type PoolParams struct {
	MinSessions      int
	MaxSessions      int
	SessionIncrement int
	Homogeneous      bool
	GetMode          PoolGetMode

	// WaitTimeout applies only to PoolGetTimedWait.
	WaitTimeout time.Duration
}

// Validate returns an error if the parameters are unusable.
func (p PoolParams) Validate() error {
	if p.MinSessions < 0 {
		return errors.NotValidf("negative MinSessions")
	}
	if p.MaxSessions < 1 {
		return errors.NotValidf("MaxSessions %d", p.MaxSessions)
	}
	if p.MinSessions > p.MaxSessions {
		return errors.NotValidf("MinSessions %d above MaxSessions %d", p.MinSessions, p.MaxSessions)
	}
	if p.SessionIncrement < 0 {
		return errors.NotValidf("negative SessionIncrement")
	}
	if p.GetMode < PoolGetWait || p.GetMode > PoolGetTimedWait {
		return errors.NotValidf("get mode %d", p.GetMode)
	}
	if p.GetMode == PoolGetTimedWait && p.WaitTimeout <= 0 {
		return errors.NotValidf("timed wait without WaitTimeout")
	}
	return nil
}
