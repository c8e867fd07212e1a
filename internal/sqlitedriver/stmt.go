// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlitedriver

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/retry.v1"

	"github.com/juju/sqlbridge/core/dbdriver"
)

// Native driver defaults for the fetch tuning knobs. This driver
// records them without acting on them; SQLite steps rows one at a
// time regardless.
const (
	defaultFetchArraySize = 100
	defaultPrefetchRows   = 2
)

// busyStrategy bounds retries of SQLite's transient locking failures.
// Seven retries at 5ms backing off 1.6x wait around 200ms in total.
var busyStrategy = retry.LimitCount(8, retry.Exponential{
	Initial: 5 * time.Millisecond,
	Factor:  1.6,
	Jitter:  true,
})

// retryBusy runs fn, retrying while it reports a busy database and
// attempts remain. Cancelling ctx abandons the wait.
func retryBusy(ctx context.Context, what string, fn func() error) error {
	err := fn()
	for a := retry.StartWithCancel(busyStrategy, clock.WallClock, ctx.Done()); isBusy(err) && a.Next(); {
		logger.Tracef("database busy (%s), retrying: %v", what, err)
		err = fn()
	}
	return err
}

type stmt struct {
	conn    *conn
	sqlStmt *sql.Stmt
	sqlText string
	info    dbdriver.StmtInfo

	refs handleRefs

	mu             sync.Mutex
	fetchArraySize int
	prefetchRows   int
	prefetchMemory int
}

func newStmt(c *conn, sqlStmt *sql.Stmt, sqlText string) *stmt {
	return &stmt{
		conn:           c,
		sqlStmt:        sqlStmt,
		sqlText:        sqlText,
		info:           classifySQL(sqlText),
		refs:           handleRefs{refs: 1},
		fetchArraySize: defaultFetchArraySize,
		prefetchRows:   defaultPrefetchRows,
	}
}

// Exec runs the statement on its session. Statements that modify data
// open a transaction if none is running; opts.Commit commits it
// afterwards. Queries report the number of rows they produced.
func (s *stmt) Exec(ctx context.Context, opts dbdriver.ExecOptions) (dbdriver.ExecResult, error) {
	if s.refs.isClosed() {
		return dbdriver.ExecResult{}, &dbdriver.Error{Message: "statement is closed", Fn: "exec"}
	}
	c := s.conn
	cctx, done := c.registerCall(ctx)
	defer done()

	c.execMu.Lock()
	defer c.execMu.Unlock()

	if !c.inTxn && s.info.Type.CommitsOnAutocommit() {
		err := retryBusy(cctx, "begin", func() error {
			_, err := c.sess.ExecContext(cctx, "BEGIN")
			return err
		})
		if err != nil {
			return dbdriver.ExecResult{}, mapError(normalizeCancel(err, cctx), "exec")
		}
		c.inTxn = true
	}

	var result dbdriver.ExecResult
	err := retryBusy(cctx, "exec", func() error {
		var err error
		result, err = s.run(cctx)
		return err
	})
	if err != nil {
		return dbdriver.ExecResult{}, mapError(normalizeCancel(err, cctx), "exec")
	}

	if opts.Commit && c.inTxn {
		err := retryBusy(cctx, "commit", func() error {
			_, err := c.sess.ExecContext(cctx, "COMMIT")
			return err
		})
		if err != nil {
			return dbdriver.ExecResult{}, mapError(normalizeCancel(err, cctx), "exec")
		}
		c.inTxn = false
	}
	return result, nil
}

// run performs one execution attempt.
func (s *stmt) run(ctx context.Context) (dbdriver.ExecResult, error) {
	if s.info.Type == dbdriver.TypeQuery || s.info.ReturningClause {
		rows, err := s.sqlStmt.QueryContext(ctx)
		if err != nil {
			return dbdriver.ExecResult{}, err
		}
		var n int64
		for rows.Next() {
			n++
		}
		err = rows.Err()
		if closeErr := rows.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return dbdriver.ExecResult{}, err
		}
		return dbdriver.ExecResult{RowsAffected: n}, nil
	}

	res, err := s.sqlStmt.ExecContext(ctx)
	if err != nil {
		return dbdriver.ExecResult{}, err
	}
	var result dbdriver.ExecResult
	if n, err := res.RowsAffected(); err == nil {
		result.RowsAffected = n
	}
	return result, nil
}

// Info reports what kind of statement this is.
func (s *stmt) Info() dbdriver.StmtInfo {
	return s.info
}

// SetFetchArraySize records the fetch array size.
func (s *stmt) SetFetchArraySize(n int) error {
	if n < 0 {
		return errors.NotValidf("negative fetch array size")
	}
	s.mu.Lock()
	s.fetchArraySize = n
	s.mu.Unlock()
	return nil
}

// SetPrefetchRows records the prefetch row count.
func (s *stmt) SetPrefetchRows(n int) error {
	if n < 0 {
		return errors.NotValidf("negative prefetch rows")
	}
	s.mu.Lock()
	s.prefetchRows = n
	s.mu.Unlock()
	return nil
}

// SetPrefetchMemory records the prefetch memory limit.
func (s *stmt) SetPrefetchMemory(bytes int) error {
	if bytes < 0 {
		return errors.NotValidf("negative prefetch memory")
	}
	s.mu.Lock()
	s.prefetchMemory = bytes
	s.mu.Unlock()
	return nil
}

// AddRef takes an additional reference to the statement.
func (s *stmt) AddRef() {
	s.refs.take()
}

// Release drops one reference, discarding the prepared statement when
// the last one goes.
func (s *stmt) Release() error {
	if !s.refs.drop() {
		return nil
	}
	return mapError(s.sqlStmt.Close(), "close statement")
}

// Close discards the prepared statement.
func (s *stmt) Close() error {
	if !s.refs.closeNow() {
		return nil
	}
	return mapError(s.sqlStmt.Close(), "close statement")
}

// classifySQL derives statement information from the SQL text's
// leading keyword.
func classifySQL(sqlText string) dbdriver.StmtInfo {
	fields := strings.Fields(sqlText)
	if len(fields) == 0 {
		return dbdriver.StmtInfo{Type: dbdriver.TypeUnknown}
	}
	var info dbdriver.StmtInfo
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "VALUES", "PRAGMA", "EXPLAIN":
		info.Type = dbdriver.TypeQuery
	case "INSERT", "UPDATE", "DELETE", "REPLACE", "MERGE":
		info.Type = dbdriver.TypeDML
		info.ReturningClause = hasReturningClause(fields)
	case "CREATE", "DROP", "ALTER", "ANALYZE", "VACUUM", "REINDEX", "ATTACH", "DETACH":
		info.Type = dbdriver.TypeDDL
	default:
		info.Type = dbdriver.TypeUnknown
	}
	return info
}

func hasReturningClause(fields []string) bool {
	for _, f := range fields[1:] {
		if strings.EqualFold(f, "RETURNING") {
			return true
		}
	}
	return false
}
