// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlitedriver

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/juju/sqlbridge/core/dbdriver"
)

// defaultStmtCacheSize mirrors the native driver's default statement
// cache. This driver records the value without maintaining a cache.
const defaultStmtCacheSize = 40

type conn struct {
	sess *sql.Conn

	// db is owned by standalone connections and closed with them.
	// Pooled connections leave it nil; closing the session returns it
	// to the pool instead.
	db *sql.DB

	refs handleRefs

	// execMu serializes session use, including the transaction
	// bracketing around each execution. Break does not take it.
	execMu sync.Mutex
	inTxn  bool

	mu          sync.Mutex
	callTimeout time.Duration
	stmtCache   int
	inflight    map[int64]context.CancelFunc
	nextCall    int64
}

func newConn(sess *sql.Conn, db *sql.DB) *conn {
	return &conn{
		sess:      sess,
		db:        db,
		refs:      handleRefs{refs: 1},
		stmtCache: defaultStmtCacheSize,
		inflight:  make(map[int64]context.CancelFunc),
	}
}

// registerCall derives the context for one native call: cancellable by
// Break, bounded by the call timeout when one is set. The returned
// done func must be called when the call finishes.
func (c *conn) registerCall(ctx context.Context) (context.Context, func()) {
	cctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.callTimeout > 0 {
		var tcancel context.CancelFunc
		cctx, tcancel = context.WithTimeout(cctx, c.callTimeout)
		inner := cancel
		cancel = func() {
			tcancel()
			inner()
		}
	}
	id := c.nextCall
	c.nextCall++
	c.inflight[id] = cancel
	c.mu.Unlock()

	return cctx, func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		cancel()
	}
}

// Prepare readies a statement for execution on this session.
func (c *conn) Prepare(sqlText string) (dbdriver.Stmt, error) {
	cctx, done := c.registerCall(context.Background())
	defer done()

	sqlStmt, err := c.sess.PrepareContext(cctx, sqlText)
	if err != nil {
		return nil, mapError(normalizeCancel(err, cctx), "prepare")
	}
	return newStmt(c, sqlStmt, sqlText), nil
}

// Ping verifies the session is alive.
func (c *conn) Ping(ctx context.Context) error {
	cctx, done := c.registerCall(ctx)
	defer done()

	c.execMu.Lock()
	defer c.execMu.Unlock()
	return mapError(normalizeCancel(c.sess.PingContext(cctx), cctx), "ping")
}

// Commit ends the current transaction. Committing with no transaction
// open succeeds and does nothing.
func (c *conn) Commit() error {
	return c.endTxn("COMMIT", "commit")
}

// Rollback discards the current transaction. Rolling back with no
// transaction open succeeds and does nothing.
func (c *conn) Rollback() error {
	return c.endTxn("ROLLBACK", "rollback")
}

func (c *conn) endTxn(sqlText, fn string) error {
	cctx, done := c.registerCall(context.Background())
	defer done()

	c.execMu.Lock()
	defer c.execMu.Unlock()
	if !c.inTxn {
		return nil
	}
	if _, err := c.sess.ExecContext(cctx, sqlText); err != nil {
		return mapError(normalizeCancel(err, cctx), fn)
	}
	c.inTxn = false
	return nil
}

// Break interrupts every in-flight call on this session. The
// interrupted calls return an interrupt error; the session survives.
func (c *conn) Break() error {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for _, cancel := range c.inflight {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	logger.Debugf("breaking %d in-flight calls", len(cancels))
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// CallTimeout reports the per-call timeout in milliseconds, zero when
// none is set.
func (c *conn) CallTimeout() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.callTimeout / time.Millisecond), nil
}

// SetCallTimeout bounds every subsequent native call on this session.
func (c *conn) SetCallTimeout(ms int) error {
	if ms < 0 {
		return errors.NotValidf("negative call timeout")
	}
	c.mu.Lock()
	c.callTimeout = time.Duration(ms) * time.Millisecond
	c.mu.Unlock()
	return nil
}

// StmtCacheSize reports the recorded statement cache size.
func (c *conn) StmtCacheSize() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stmtCache, nil
}

// SetStmtCacheSize records the statement cache size.
func (c *conn) SetStmtCacheSize(n int) error {
	if n < 0 {
		return errors.NotValidf("negative statement cache size")
	}
	c.mu.Lock()
	c.stmtCache = n
	c.mu.Unlock()
	return nil
}

// NewTempLob creates a temporary large object scoped to this session.
func (c *conn) NewTempLob() (dbdriver.Lob, error) {
	if c.refs.isClosed() {
		return nil, mapError(sql.ErrConnDone, "new temp lob")
	}
	return &lob{}, nil
}

// AddRef takes an additional reference to the session.
func (c *conn) AddRef() {
	c.refs.take()
}

// Release drops one reference, tearing the session down when the last
// one goes and the owner never closed it explicitly.
func (c *conn) Release() error {
	if !c.refs.drop() {
		return nil
	}
	return c.teardown()
}

// Close ends the session immediately. Sharers still holding
// references get a connection-done error from further use.
func (c *conn) Close() error {
	if !c.refs.closeNow() {
		return nil
	}
	return c.teardown()
}

func (c *conn) teardown() error {
	// Interrupt anything still running so the session mutex comes
	// free, then discard any open transaction: pooled sessions go
	// back to the pool and must not carry state.
	_ = c.Break()

	c.execMu.Lock()
	if c.inTxn {
		if _, err := c.sess.ExecContext(context.Background(), "ROLLBACK"); err != nil {
			logger.Debugf("rollback on close: %v", err)
		}
		c.inTxn = false
	}
	c.execMu.Unlock()

	err := c.sess.Close()
	if c.db != nil {
		if dbErr := c.db.Close(); err == nil {
			err = dbErr
		}
	}
	return mapError(err, "close")
}

// normalizeCancel prefers the context's verdict over whatever the
// driver reported once the call was interrupted or timed out.
func normalizeCancel(err error, ctx context.Context) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// handleRefs implements the contract's explicit reference counting,
// shared by connections and statements.
type handleRefs struct {
	mu     sync.Mutex
	refs   int
	closed bool
}

func (h *handleRefs) take() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// drop releases one reference, reporting whether the caller must tear
// down the native resource now.
func (h *handleRefs) drop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
	if h.refs == 0 && !h.closed {
		h.closed = true
		return true
	}
	return false
}

// closeNow marks the handle closed, reporting whether teardown should
// run. A second close is a no-op.
func (h *handleRefs) closeNow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	return true
}

func (h *handleRefs) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
