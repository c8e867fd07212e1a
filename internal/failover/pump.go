// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package failover turns recoverable-error noise into at most one
// application callback per debounce window, and provides the retry
// helper used to reconnect under a connection's failover policy.
//
// Each context owns one Pump. Worker goroutines post error events to
// it from any thread; the pump's loop goroutine is the connection's
// "owning thread" for callback purposes: every callback is invoked
// there and nowhere else.
package failover

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/sqlbridge/core/handle"
)

var logger = loggo.GetLogger("sqlbridge.failover")

// Event is the callback's event argument. Only recoverable failures
// are routed through the pump.
const Event = "recoverable"

// idleInterval is the timer period while no window is armed.
const idleInterval = time.Hour

// Callback receives the coalesced notification for a connection.
type Callback func(conn handle.Name, event, message string)

// PumpConfig holds a Pump's dependencies.
type PumpConfig struct {
	Clock clock.Clock
}

// Validate returns an error if the config is unusable.
func (config PumpConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// notifyEvent is one posted error notification.
type notifyEvent struct {
	name    handle.Name
	message string
}

// connState is the pump's per-connection debounce state.
type connState struct {
	callback   Callback
	window     time.Duration
	pending    string
	hasPending bool
	deadline   time.Time
	armed      bool
}

// Pump coalesces recoverable-error notifications per connection and
// delivers at most one callback per debounce window, always from its
// own loop goroutine.
type Pump struct {
	catacomb catacomb.Catacomb
	config   PumpConfig

	mu    sync.Mutex
	queue *deque.Deque
	conns map[handle.Name]*connState

	wake chan struct{}
}

// NewPump returns a running Pump.
func NewPump(config PumpConfig) (*Pump, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	p := &Pump{
		config: config,
		queue:  deque.New(),
		conns:  make(map[handle.Name]*connState),
		wake:   make(chan struct{}, 1),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "failover-pump",
		Site: &p.catacomb,
		Work: p.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// Kill is part of the worker.Worker interface.
func (p *Pump) Kill() {
	p.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Pump) Wait() error {
	return p.catacomb.Wait()
}

// Register adds debounce state for a connection. A zero window selects
// DefaultWindow. Events for unregistered connections are discarded.
func (p *Pump) Register(name handle.Name, window time.Duration) {
	if window <= 0 {
		window = DefaultWindow
	}
	p.mu.Lock()
	p.conns[name] = &connState{window: window}
	p.mu.Unlock()
}

// SetCallback installs or clears the connection's callback. Pending
// state is untouched: messages already coalescing will reach a newly
// installed callback when the window fires.
func (p *Pump) SetCallback(name handle.Name, cb Callback) {
	p.mu.Lock()
	state, ok := p.conns[name]
	if ok {
		state.callback = cb
	}
	p.mu.Unlock()
	if !ok {
		logger.Debugf("callback for unregistered connection %q ignored", name)
	}
}

// SetWindow changes the connection's debounce window for subsequent
// arming; an already armed window runs to its original deadline.
func (p *Pump) SetWindow(name handle.Name, window time.Duration) {
	if window <= 0 {
		window = DefaultWindow
	}
	p.mu.Lock()
	if state, ok := p.conns[name]; ok {
		state.window = window
	}
	p.mu.Unlock()
}

// Deregister removes the connection's state. Any pending message is
// dropped and no callback for it will ever fire; events already queued
// are discarded when the loop reaches them.
func (p *Pump) Deregister(name handle.Name) {
	p.mu.Lock()
	delete(p.conns, name)
	p.mu.Unlock()
}

// Notify posts a recoverable-error message from any goroutine. It
// never blocks; delivery is fire-and-forget.
func (p *Pump) Notify(name handle.Name, message string) {
	p.mu.Lock()
	p.queue.PushBack(notifyEvent{name: name, message: message})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Report is part of the worker.Report interface, for engine
// introspection.
func (p *Pump) Report() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := make(map[string]any)
	for name, state := range p.conns {
		conns[string(name)] = map[string]any{
			"armed":    state.armed,
			"pending":  state.pending,
			"window":   state.window.String(),
			"callback": state.callback != nil,
		}
	}
	return map[string]any{
		"queued":      p.queue.Len(),
		"connections": conns,
	}
}

func (p *Pump) loop() error {
	timer := p.config.Clock.NewTimer(idleInterval)
	defer timer.Stop()

	for {
		select {
		case <-p.catacomb.Dying():
			return p.catacomb.ErrDying()
		case <-p.wake:
			p.drain()
		case <-timer.Chan():
			p.deliverDue()
		}
		p.reschedule(timer)
	}
}

// drain applies every queued event: the connection's pending message
// is replaced (stale content is dropped) and a window armed if none is
// running. Events for connections since deregistered are discarded.
func (p *Pump) drain() {
	now := p.config.Clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		item, ok := p.queue.PopFront()
		if !ok {
			return
		}
		ev := item.(notifyEvent)
		state, ok := p.conns[ev.name]
		if !ok {
			logger.Tracef("dropping event for departed connection %q", ev.name)
			continue
		}
		state.pending = ev.message
		state.hasPending = true
		if !state.armed {
			state.armed = true
			state.deadline = now.Add(state.window)
		}
	}
}

// deliverDue invokes the callback for every connection whose window
// has elapsed, then clears its pending and armed state. Connections
// without a callback have their pending message silently dropped.
// Callbacks run on the loop goroutine, outside the pump lock.
func (p *Pump) deliverDue() {
	now := p.config.Clock.Now()

	type delivery struct {
		cb      Callback
		name    handle.Name
		message string
	}
	var due []delivery

	p.mu.Lock()
	for name, state := range p.conns {
		if !state.armed || now.Before(state.deadline) {
			continue
		}
		if state.callback != nil && state.hasPending {
			due = append(due, delivery{state.callback, name, state.pending})
		} else if state.hasPending {
			logger.Tracef("no callback for %q, dropping %q", name, state.pending)
		}
		state.pending = ""
		state.hasPending = false
		state.armed = false
	}
	p.mu.Unlock()

	for _, d := range due {
		logger.Debugf("failover notification for %q: %s", d.name, d.message)
		d.cb(d.name, Event, d.message)
	}
}

// reschedule arms the loop timer for the earliest outstanding window
// deadline, or the idle interval when nothing is armed.
func (p *Pump) reschedule(timer clock.Timer) {
	now := p.config.Clock.Now()

	p.mu.Lock()
	next := now.Add(idleInterval)
	for _, state := range p.conns {
		if state.armed && state.deadline.Before(next) {
			next = state.deadline
		}
	}
	p.mu.Unlock()

	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
	timer.Reset(next.Sub(now))
}
