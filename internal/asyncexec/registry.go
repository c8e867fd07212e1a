// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package asyncexec runs statement executions on worker goroutines,
// at most one in flight per statement. Waiters poll the task's flag
// block rather than blocking on the worker directly; a timed-out wait
// returns a distinguished still-processing result and leaves the task
// untouched, so it can be polled again later. Exactly one waiter joins
// a completed task, releasing the references the start pinned.
package asyncexec

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/sqlbridge/core/dbdriver"
	"github.com/juju/sqlbridge/core/handle"
)

var logger = loggo.GetLogger("sqlbridge.asyncexec")

// StillProcessingCode is the result code reported while an execution
// has not completed within the wait timeout.
const StillProcessingCode = -3123

const (
	// donePollInterval is how often a waiter re-inspects an
	// unfinished task.
	donePollInterval = 10 * time.Millisecond

	// gonePollInterval is how often a waiter that lost the join race
	// re-checks for the winner having removed the task.
	gonePollInterval = 5 * time.Millisecond
)

var (
	// ErrAlreadyExecuting is returned by Start while the statement's
	// previous execution is still in flight.
	ErrAlreadyExecuting = errors.New("statement already executing asynchronously")

	// ErrStillProcessing is returned by a timed-out Wait. The task is
	// untouched and may be waited on again.
	ErrStillProcessing = errors.New("asynchronous command still processing")
)

// Config holds a Registry's dependencies.
type Config struct {
	Clock clock.Clock
}

// Validate returns an error if the config is unusable.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// StartParams describes one asynchronous execution.
type StartParams struct {
	// Conn and Stmt are the native handles to execute against. The
	// registry pins a reference to each for the task's lifetime.
	Conn dbdriver.Conn
	Stmt dbdriver.Stmt

	// Owner is an opaque token identifying the connection handle the
	// execution was started through. Several handles may share one
	// native session and one connection name; teardown of a handle
	// cancels only the executions carrying its token.
	Owner string

	// ConnName and StmtName correlate the task with the bridge
	// handles it runs under.
	ConnName handle.Name
	StmtName handle.Name

	// Commit requests commit-on-success regardless of autocommit.
	Commit bool

	// Autocommit is the owning connection's autocommit setting; DML
	// and PL/SQL commit on success when it is set.
	Autocommit bool
}

// Validate returns an error if the parameters are unusable.
func (p StartParams) Validate() error {
	if p.Conn == nil {
		return errors.NotValidf("nil Conn")
	}
	if p.Stmt == nil {
		return errors.NotValidf("nil Stmt")
	}
	if p.Owner == "" {
		return errors.NotValidf("empty Owner")
	}
	if err := handle.ValidateName(p.ConnName); err != nil {
		return errors.Trace(err)
	}
	if err := handle.ValidateName(p.StmtName); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Registry tracks in-flight executions by statement name. The registry
// lock covers the task map only; it is never held across a native call
// or a blocking join.
type Registry struct {
	config Config

	mu    sync.Mutex
	tasks map[handle.Name]*task
}

// NewRegistry returns a Registry ready for use.
func NewRegistry(config Config) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Registry{
		config: config,
		tasks:  make(map[handle.Name]*task),
	}, nil
}

// Start begins executing the statement on a worker goroutine. It fails
// with ErrAlreadyExecuting while a previous execution is in flight. A
// previous task that completed but was never joined is silently
// discarded, its unclaimed result dropped, and the slot reused.
func (r *Registry) Start(params StartParams) error {
	if err := params.Validate(); err != nil {
		return errors.Trace(err)
	}

	commit := params.Commit
	if !commit && params.Autocommit {
		commit = params.Stmt.Info().Type.CommitsOnAutocommit()
	}

	t := newTask(params, commit)

	r.mu.Lock()
	stale, ok := r.tasks[params.StmtName]
	if ok && stale.executing() {
		r.mu.Unlock()
		return ErrAlreadyExecuting
	}
	r.tasks[params.StmtName] = t
	r.mu.Unlock()

	// A done-but-unjoined predecessor is discarded along with its
	// unclaimed result, unless a waiter claimed the join in the
	// meantime; the joined flag arbitrates so the references are
	// released exactly once.
	if ok && stale.claimJoin() {
		logger.Debugf("discarding unjoined result for %q", params.StmtName)
		_ = stale.reap()
	}

	t.start()
	logger.Tracef("started async execution for %q on %q (commit %v)",
		params.StmtName, params.ConnName, commit)
	return nil
}

// Wait blocks until the statement's task completes, or until timeout
// elapses; a negative timeout blocks indefinitely. With no task in
// flight it returns (nil, nil): the previous execution was already
// reconciled. On timeout it returns ErrStillProcessing and leaves the
// task intact. On completion the first waiter joins the task, releases
// its pinned references and returns the result; any waiter that raced
// it waits for the slot to empty and returns (nil, nil).
func (r *Registry) Wait(stmtName handle.Name, timeout time.Duration) (*Result, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = r.config.Clock.Now().Add(timeout)
	}

	for {
		r.mu.Lock()
		t, ok := r.tasks[stmtName]
		r.mu.Unlock()
		if !ok {
			return nil, nil
		}

		switch {
		case t.claimJoin():
			result := t.reap()
			r.remove(stmtName, t)
			logger.Tracef("joined async execution for %q (rc %d)", stmtName, result.Code)
			return &result, nil
		case t.completed():
			// Lost the join race; wait for the winner to remove
			// the task.
			if !r.holds(stmtName, t) {
				return nil, nil
			}
			<-r.config.Clock.After(gonePollInterval)
		default:
			if timeout >= 0 && !r.config.Clock.Now().Before(deadline) {
				return nil, ErrStillProcessing
			}
			<-r.config.Clock.After(donePollInterval)
		}
	}
}

// CancelAndJoin interrupts the statement's in-flight execution, if
// any, then waits for it as Wait does. With no task in flight it is a
// no-op returning (nil, nil) immediately. Callers tearing down a
// statement or connection use it to guarantee no worker still touches
// the resource being freed.
func (r *Registry) CancelAndJoin(stmtName handle.Name, timeout time.Duration) (*Result, error) {
	r.mu.Lock()
	t, ok := r.tasks[stmtName]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}

	t.cancel()
	result, err := r.Wait(stmtName, timeout)
	return result, errors.Trace(err)
}

// CancelAndJoinAllForOwner cancels and joins every task started
// through the connection handle carrying the owner token. The registry
// lock is released before any join.
func (r *Registry) CancelAndJoinAllForOwner(owner string) {
	r.mu.Lock()
	var names []handle.Name
	for name, t := range r.tasks {
		if t.owner == owner {
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	for _, name := range names {
		// Unbounded wait: the break has been requested and the
		// worker completes on its own.
		if _, err := r.CancelAndJoin(name, -1); err != nil {
			logger.Errorf("cancelling task for %q: %v", name, err)
		}
	}
}

// Has reports whether a task occupies the statement's slot, joined or
// not.
func (r *Registry) Has(stmtName handle.Name) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[stmtName]
	return ok
}

// Len reports the number of occupied slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// remove drops the task from its slot, unless the slot has already
// been recycled for a newer task.
func (r *Registry) remove(stmtName handle.Name, t *task) {
	r.mu.Lock()
	if cur, ok := r.tasks[stmtName]; ok && cur == t {
		delete(r.tasks, stmtName)
	}
	r.mu.Unlock()
}

// holds reports whether the slot still references this exact task.
func (r *Registry) holds(stmtName handle.Name, t *task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[stmtName]
	return ok && cur == t
}
