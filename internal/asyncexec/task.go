// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package asyncexec

import (
	"context"
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/juju/sqlbridge/core/dbdriver"
	"github.com/juju/sqlbridge/core/handle"
)

// Result is the outcome of one asynchronous execution, returned by the
// join that reaps the task.
type Result struct {
	// Code is zero on success or the native error code.
	Code int

	// Rows is the affected-row count on success.
	Rows int64

	// Canceled reports that cancellation was requested before the
	// task completed.
	Canceled bool

	// Err is the buffered execution failure, nil on success.
	Err error
}

// task tracks one in-flight execution. The worker goroutine runs the
// native call; everything else inspects the flag block under the task
// lock. The worker never joins itself: the first waiter to observe the
// task done performs the join and releases the pinned references.
type task struct {
	tomb tomb.Tomb

	conn     dbdriver.Conn
	stmt     dbdriver.Stmt
	owner    string
	connName handle.Name
	stmtName handle.Name
	commit   bool

	mu       sync.Mutex
	running  bool
	done     bool
	canceled bool
	joined   bool
	result   Result
}

func newTask(params StartParams, commit bool) *task {
	return &task{
		conn:     params.Conn,
		stmt:     params.Stmt,
		owner:    params.Owner,
		connName: params.ConnName,
		stmtName: params.StmtName,
		commit:   commit,
		running:  true,
	}
}

// start pins references to the statement and its connection, then
// spawns the worker. AddRef cannot fail and goroutine creation cannot
// fail, so there is no rollback path here.
func (t *task) start() {
	t.conn.AddRef()
	t.stmt.AddRef()
	t.tomb.Go(t.loop)
}

func (t *task) loop() error {
	ctx := t.tomb.Context(context.Background())
	res, err := t.stmt.Exec(ctx, dbdriver.ExecOptions{Commit: t.commit})

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		if derr, ok := dbdriver.AsError(err); ok {
			t.result.Code = derr.Code
			if t.result.Code == 0 {
				t.result.Code = -1
			}
			t.result.Err = derr
		} else {
			t.result.Code = -1
			t.result.Err = err
		}
	} else {
		t.result.Rows = res.RowsAffected
	}
	t.result.Canceled = t.canceled
	t.done = true
	t.running = false
	return nil
}

// executing reports whether the worker has yet to complete. A task
// that is done but unjoined is not executing; a new start may recycle
// its slot, discarding the unclaimed result.
func (t *task) executing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && !t.done
}

// claimJoin claims the exclusive right to reap a completed task. At
// most one caller ever wins it.
func (t *task) claimJoin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done && !t.joined {
		t.joined = true
		return true
	}
	return false
}

// completed reports whether the worker has finished, regardless of
// joining.
func (t *task) completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// cancel requests cooperative interruption of the in-flight call. The
// worker still runs to its own completion point.
func (t *task) cancel() {
	t.mu.Lock()
	first := !t.canceled
	t.canceled = true
	running := t.running
	t.mu.Unlock()

	if !running || !first {
		return
	}
	if err := t.conn.Break(); err != nil {
		logger.Debugf("breaking execution on %q: %v", t.connName, err)
	}
}

// reap waits for the worker goroutine to exit and releases the pinned
// references, statement first, connection second. Only one caller may
// reap a task; the joined flag arbitrates.
func (t *task) reap() Result {
	_ = t.tomb.Wait()

	t.mu.Lock()
	result := t.result
	t.mu.Unlock()

	if err := t.stmt.Release(); err != nil {
		logger.Errorf("releasing statement %q after async join: %v", t.stmtName, err)
	}
	if err := t.conn.Release(); err != nil {
		logger.Errorf("releasing connection %q after async join: %v", t.connName, err)
	}
	return result
}
