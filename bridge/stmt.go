// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/juju/sqlbridge/core/dbdriver"
	"github.com/juju/sqlbridge/core/handle"
	"github.com/juju/sqlbridge/internal/asyncexec"
)

// Stmt is a named handle to a prepared statement on one connection.
// A freshly opened handle holds no native statement until Parse.
type Stmt struct {
	conn *Conn
	name handle.Name

	mu      sync.Mutex
	closed  bool
	native  dbdriver.Stmt
	sqlText string
	status  handle.Status
}

// OpenStatement registers a fresh statement handle on this connection.
func (c *Conn) OpenStatement() (*Stmt, error) {
	if err := c.alive(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Stmt{
		conn: c,
		name: c.ctx.config.Namer.Next(handle.KindStatement),
	}
	if err := c.ctx.addStmt(s); err != nil {
		return nil, errors.Trace(err)
	}
	s.status.SetOK("open_statement", 0)
	return s, nil
}

// Name is the handle's process-wide name.
func (s *Stmt) Name() handle.Name {
	return s.name
}

// SQL is the text last parsed on this handle, empty before the first
// Parse.
func (s *Stmt) SQL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sqlText
}

// Parse prepares sql on the handle, replacing any previously prepared
// statement. An in-flight asynchronous execution of the old statement
// is cancelled and joined first, and the connection's fetch tuning is
// applied to the new native statement.
func (s *Stmt) Parse(sql string) error {
	if err := s.conn.alive(); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Errorf("statement %q is closed", s.name)
	}
	old := s.native
	s.mu.Unlock()

	registry := s.conn.ctx.config.Registry
	if old != nil {
		if _, err := registry.CancelAndJoin(s.name, -1); err != nil {
			logger.Errorf("cancelling execution on %q before reparse: %v", s.name, err)
		}
		_ = old.Close()
		_ = old.Release()
	}

	native, err := s.conn.conn.Prepare(sql)
	if err != nil {
		s.mu.Lock()
		s.native = nil
		s.sqlText = ""
		s.mu.Unlock()
		s.finish("parse", 0, err)
		return errors.Trace(err)
	}
	if err := s.applyTuning(native); err != nil {
		_ = native.Close()
		_ = native.Release()
		s.finish("parse", 0, err)
		return errors.Trace(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = native.Close()
		_ = native.Release()
		return errors.Errorf("statement %q is closed", s.name)
	}
	s.native = native
	s.sqlText = sql
	s.status.Type = native.Info().Type
	s.status.SetOK("parse", 0)
	s.mu.Unlock()
	return nil
}

func (s *Stmt) applyTuning(native dbdriver.Stmt) error {
	c := s.conn
	if err := native.SetFetchArraySize(c.FetchArraySize()); err != nil {
		return errors.Trace(err)
	}
	if err := native.SetPrefetchRows(c.PrefetchRows()); err != nil {
		return errors.Trace(err)
	}
	if mem := c.PrefetchMemory(); mem > 0 {
		if err := native.SetPrefetchMemory(mem); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Info reports the prepared statement's classification.
func (s *Stmt) Info() (dbdriver.StmtInfo, error) {
	native, err := s.prepared()
	if err != nil {
		return dbdriver.StmtInfo{}, errors.Trace(err)
	}
	return native.Info(), nil
}

// Exec runs the statement synchronously. With commit set, or when the
// connection is in autocommit and the statement type commits on
// autocommit, the execution commits on success. It returns the
// affected-row count.
func (s *Stmt) Exec(ctx context.Context, commit bool) (int64, error) {
	if err := s.conn.alive(); err != nil {
		return 0, errors.Trace(err)
	}
	native, err := s.prepared()
	if err != nil {
		return 0, errors.Trace(err)
	}
	if s.conn.ctx.config.Registry.Has(s.name) {
		return 0, errors.Errorf("statement %q has an asynchronous execution pending", s.name)
	}

	doCommit := commit
	if !doCommit && s.conn.Autocommit() {
		doCommit = native.Info().Type.CommitsOnAutocommit()
	}
	res, err := native.Exec(ctx, dbdriver.ExecOptions{Commit: doCommit})
	if err != nil {
		s.finish("exec", 0, err)
		return 0, errors.Trace(err)
	}
	s.mu.Lock()
	s.status.SetOK("exec", res.RowsAffected)
	if res.Warning != nil {
		s.status.Warning = true
	}
	s.mu.Unlock()
	return res.RowsAffected, nil
}

// ExecAsync starts the statement on a worker goroutine. It fails while
// a previous execution of this statement is still in flight; the
// outcome is collected with WaitAsync or Cancel.
func (s *Stmt) ExecAsync(commit bool) error {
	if err := s.conn.alive(); err != nil {
		return errors.Trace(err)
	}
	native, err := s.prepared()
	if err != nil {
		return errors.Trace(err)
	}
	c := s.conn
	err = c.ctx.config.Registry.Start(asyncexec.StartParams{
		Conn:       c.conn,
		Stmt:       native,
		Owner:      c.token,
		ConnName:   c.name,
		StmtName:   s.name,
		Commit:     commit,
		Autocommit: c.Autocommit(),
	})
	if err != nil {
		s.mu.Lock()
		s.status.SetError("exec_async", err)
		s.mu.Unlock()
		return errors.Trace(err)
	}
	s.mu.Lock()
	s.status.SetOK("exec_async", 0)
	s.mu.Unlock()
	return nil
}

// WaitAsync collects the outcome of an asynchronous execution,
// blocking for at most timeout; a negative timeout blocks until the
// execution completes. While the execution is still processing it
// returns asyncexec.ErrStillProcessing and records the sentinel code,
// leaving the task joinable. With nothing in flight it succeeds with a
// nil result. An execution failure is reported inside the result, not
// as a wait error.
func (s *Stmt) WaitAsync(timeout time.Duration) (*asyncexec.Result, error) {
	if err := s.conn.alive(); err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.Errorf("statement %q is closed", s.name)
	}
	s.mu.Unlock()

	result, err := s.conn.ctx.config.Registry.Wait(s.name, timeout)
	if errors.Cause(err) == asyncexec.ErrStillProcessing {
		s.mu.Lock()
		s.status.SetCode("wait_async", asyncexec.StillProcessingCode, err.Error())
		s.mu.Unlock()
		return nil, errors.Trace(err)
	}
	if err != nil {
		s.finish("wait_async", 0, err)
		return nil, errors.Trace(err)
	}
	s.recordResult("wait_async", result)
	return result, nil
}

// Cancel interrupts the statement's asynchronous execution, if any,
// and joins it, returning the reaped result. With nothing in flight it
// succeeds with a nil result.
func (s *Stmt) Cancel() (*asyncexec.Result, error) {
	if err := s.conn.alive(); err != nil {
		return nil, errors.Trace(err)
	}
	result, err := s.conn.ctx.config.Registry.CancelAndJoin(s.name, -1)
	if err != nil {
		s.finish("cancel", 0, err)
		return nil, errors.Trace(err)
	}
	if result != nil {
		s.conn.ctx.metrics.cancels.Inc()
	}
	s.recordResult("cancel", result)
	return result, nil
}

// recordResult folds a reaped asynchronous result into the handle
// status, routing any buffered recoverable failure to the failover
// pump.
func (s *Stmt) recordResult(op string, result *asyncexec.Result) {
	if result == nil {
		s.mu.Lock()
		s.status.SetOK(op, 0)
		s.mu.Unlock()
		return
	}
	if result.Err != nil {
		s.finish(op, 0, result.Err)
		return
	}
	s.mu.Lock()
	s.status.SetOK(op, result.Rows)
	s.mu.Unlock()
}

// SetFetchRows tunes the fetch array size of the prepared statement.
func (s *Stmt) SetFetchRows(n int) error {
	native, err := s.prepared()
	if err != nil {
		return errors.Trace(err)
	}
	if err := native.SetFetchArraySize(n); err != nil {
		s.finish("set_fetch_rows", 0, err)
		return errors.Trace(err)
	}
	return nil
}

// SetPrefetchRows tunes the prefetch row count of the prepared
// statement.
func (s *Stmt) SetPrefetchRows(n int) error {
	native, err := s.prepared()
	if err != nil {
		return errors.Trace(err)
	}
	if err := native.SetPrefetchRows(n); err != nil {
		s.finish("set_prefetch_rows", 0, err)
		return errors.Trace(err)
	}
	return nil
}

// CloseStatement releases the handle. An in-flight asynchronous
// execution is cancelled and joined first, so no worker still touches
// the cursor being freed.
func (s *Stmt) CloseStatement() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Errorf("statement %q is closed", s.name)
	}
	s.closed = true
	native := s.native
	s.native = nil
	s.mu.Unlock()

	ctx := s.conn.ctx
	if _, err := ctx.config.Registry.CancelAndJoin(s.name, -1); err != nil {
		logger.Errorf("cancelling execution on %q at close: %v", s.name, err)
	}

	var firstErr error
	if native != nil {
		firstErr = native.Close()
		if err := native.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ctx.removeStmt(s.name)
	return errors.Trace(firstErr)
}

// Status is a copy of the handle's last-operation record.
func (s *Stmt) Status() handle.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StatusMap renders the last-operation record for message
// introspection.
func (s *Stmt) StatusMap() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Map()
}

// prepared returns the native statement, failing when the handle is
// closed or nothing has been parsed yet.
func (s *Stmt) prepared() (dbdriver.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.Errorf("statement %q is closed", s.name)
	}
	if s.native == nil {
		return nil, errors.Errorf("statement %q has no parsed SQL", s.name)
	}
	return s.native, nil
}

// finish records a failed or trivial operation outcome, routing
// recoverable failures to the failover pump.
func (s *Stmt) finish(op string, rows int64, err error) {
	s.mu.Lock()
	if err != nil {
		s.status.SetError(op, err)
	} else {
		s.status.SetOK(op, rows)
	}
	s.mu.Unlock()
	s.conn.notifyRecoverable(err)
}
