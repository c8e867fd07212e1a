// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package failover_test

import (
	"time"

	"github.com/juju/clock/testclock"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/sqlbridge/core/handle"
	"github.com/juju/sqlbridge/internal/failover"
)

type pumpSuite struct {
	jujutesting.IsolationSuite

	clock *testclock.Clock
	pump  *failover.Pump

	callbacks chan callbackRecord
}

var _ = gc.Suite(&pumpSuite{})

type callbackRecord struct {
	name    handle.Name
	event   string
	message string
}

func (s *pumpSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	s.clock = testclock.NewClock(time.Time{})
	pump, err := failover.NewPump(failover.PumpConfig{Clock: s.clock})
	c.Assert(err, jc.ErrorIsNil)
	s.pump = pump
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, pump) })

	s.callbacks = make(chan callbackRecord, 10)
}

func (s *pumpSuite) callback() failover.Callback {
	return func(name handle.Name, event, message string) {
		s.callbacks <- callbackRecord{name, event, message}
	}
}

// waitPending polls the pump's report until the connection shows the
// given pending message, proving the loop has drained the event.
func (s *pumpSuite) waitPending(c *gc.C, name handle.Name, message string) {
	timeout := time.After(jujutesting.LongWait)
	for {
		report := s.pump.Report()
		conns := report["connections"].(map[string]any)
		if state, ok := conns[string(name)].(map[string]any); ok {
			if state["pending"] == message && state["armed"] == true {
				return
			}
		}
		select {
		case <-timeout:
			c.Fatalf("pump never registered pending message %q", message)
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *pumpSuite) advance(c *gc.C, d time.Duration) {
	c.Assert(s.clock.WaitAdvance(d, jujutesting.LongWait, 1), jc.ErrorIsNil)
}

func (s *pumpSuite) assertCallback(c *gc.C, expect callbackRecord) {
	select {
	case got := <-s.callbacks:
		c.Check(got, gc.Equals, expect)
	case <-time.After(jujutesting.LongWait):
		c.Fatalf("timed out waiting for callback")
	}
}

func (s *pumpSuite) assertNoCallback(c *gc.C) {
	select {
	case got := <-s.callbacks:
		c.Fatalf("unexpected callback %v", got)
	case <-time.After(jujutesting.ShortWait):
	}
}

func (s *pumpSuite) TestConfigValidate(c *gc.C) {
	_, err := failover.NewPump(failover.PumpConfig{})
	c.Check(err, gc.ErrorMatches, "nil Clock not valid")
}

func (s *pumpSuite) TestBurstCoalescesToOneCallback(c *gc.C) {
	s.pump.Register("conn-1", 250*time.Millisecond)
	s.pump.SetCallback("conn-1", s.callback())

	// Errors at t=0, 50, 100 and 150ms inside one 250ms window.
	s.pump.Notify("conn-1", "m0")
	s.waitPending(c, "conn-1", "m0")
	s.advance(c, 50*time.Millisecond)
	s.pump.Notify("conn-1", "m1")
	s.waitPending(c, "conn-1", "m1")
	s.advance(c, 50*time.Millisecond)
	s.pump.Notify("conn-1", "m2")
	s.waitPending(c, "conn-1", "m2")
	s.advance(c, 50*time.Millisecond)
	s.pump.Notify("conn-1", "m3")
	s.waitPending(c, "conn-1", "m3")
	s.assertNoCallback(c)

	// The window armed by the first error elapses; the single
	// callback carries the last message observed.
	s.advance(c, 100*time.Millisecond)
	s.assertCallback(c, callbackRecord{"conn-1", "recoverable", "m3"})
	s.assertNoCallback(c)
}

func (s *pumpSuite) TestWindowRearmsAfterDelivery(c *gc.C) {
	s.pump.Register("conn-1", 250*time.Millisecond)
	s.pump.SetCallback("conn-1", s.callback())

	s.pump.Notify("conn-1", "first")
	s.waitPending(c, "conn-1", "first")
	s.advance(c, 250*time.Millisecond)
	s.assertCallback(c, callbackRecord{"conn-1", "recoverable", "first"})

	s.pump.Notify("conn-1", "second")
	s.waitPending(c, "conn-1", "second")
	s.assertNoCallback(c)
	s.advance(c, 250*time.Millisecond)
	s.assertCallback(c, callbackRecord{"conn-1", "recoverable", "second"})
}

func (s *pumpSuite) TestDeregisterSuppressesPermanently(c *gc.C) {
	s.pump.Register("conn-1", 250*time.Millisecond)
	s.pump.SetCallback("conn-1", s.callback())

	s.pump.Notify("conn-1", "doomed")
	s.waitPending(c, "conn-1", "doomed")
	s.pump.Deregister("conn-1")

	s.advance(c, 250*time.Millisecond)
	s.assertNoCallback(c)
}

func (s *pumpSuite) TestNoCallbackDropsPending(c *gc.C) {
	s.pump.Register("conn-1", 250*time.Millisecond)

	s.pump.Notify("conn-1", "unheard")
	s.waitPending(c, "conn-1", "unheard")
	s.advance(c, 250*time.Millisecond)
	s.assertNoCallback(c)

	// A callback installed later gets only later messages.
	s.pump.SetCallback("conn-1", s.callback())
	s.pump.Notify("conn-1", "heard")
	s.waitPending(c, "conn-1", "heard")
	s.advance(c, 250*time.Millisecond)
	s.assertCallback(c, callbackRecord{"conn-1", "recoverable", "heard"})
}

func (s *pumpSuite) TestUnknownConnectionDiscarded(c *gc.C) {
	s.pump.Notify("conn-9", "lost")

	timeout := time.After(jujutesting.LongWait)
	for {
		report := s.pump.Report()
		if report["queued"] == 0 {
			break
		}
		select {
		case <-timeout:
			c.Fatalf("event never drained")
		case <-time.After(time.Millisecond):
		}
	}
	conns := s.pump.Report()["connections"].(map[string]any)
	c.Check(conns, gc.HasLen, 0)
}

func (s *pumpSuite) TestSetWindowAppliesToNextArming(c *gc.C) {
	s.pump.Register("conn-1", 0)
	s.pump.SetCallback("conn-1", s.callback())
	s.pump.SetWindow("conn-1", 100*time.Millisecond)

	s.pump.Notify("conn-1", "quick")
	s.waitPending(c, "conn-1", "quick")
	s.advance(c, 100*time.Millisecond)
	s.assertCallback(c, callbackRecord{"conn-1", "recoverable", "quick"})
}

func (s *pumpSuite) TestIndependentConnections(c *gc.C) {
	s.pump.Register("conn-1", 100*time.Millisecond)
	s.pump.Register("conn-2", 250*time.Millisecond)
	s.pump.SetCallback("conn-1", s.callback())
	s.pump.SetCallback("conn-2", s.callback())

	s.pump.Notify("conn-1", "a")
	s.waitPending(c, "conn-1", "a")
	s.pump.Notify("conn-2", "b")
	s.waitPending(c, "conn-2", "b")

	s.advance(c, 100*time.Millisecond)
	s.assertCallback(c, callbackRecord{"conn-1", "recoverable", "a"})
	s.assertNoCallback(c)

	s.advance(c, 150*time.Millisecond)
	s.assertCallback(c, callbackRecord{"conn-2", "recoverable", "b"})
}

func (s *pumpSuite) TestNotifyAfterKill(c *gc.C) {
	workertest.CleanKill(c, s.pump)

	// Fire-and-forget: posting to a dead pump must not block or
	// panic.
	s.pump.Notify("conn-1", "too late")
}
