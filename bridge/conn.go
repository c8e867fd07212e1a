// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/juju/sqlbridge/core/dbdriver"
	"github.com/juju/sqlbridge/core/handle"
	"github.com/juju/sqlbridge/internal/failover"
)

// Native driver defaults applied to every fresh connection handle,
// owners and adopters alike.
const (
	defaultFetchArraySize = 100
	defaultPrefetchRows   = 2
)

// Conn is a named handle to a native session. Exactly one handle in
// the process owns the session; any number of others may hold adopted,
// non-owning handles to it.
type Conn struct {
	ctx   *Context
	name  handle.Name
	conn  dbdriver.Conn
	pool  dbdriver.Pool
	owner bool

	// token identifies this handle in the async registry. Owner and
	// adopters share a name but not a token, so tearing one handle
	// down never cancels executions started through another.
	token string

	mu             sync.Mutex
	closed         bool
	orphaned       bool
	autocommit     bool
	fetchArraySize int
	prefetchRows   int
	prefetchMemory int
	inlineLobs     bool
	policy         failover.Policy
	status         handle.Status
}

func newConn(ctx *Context, name handle.Name, native dbdriver.Conn, pool dbdriver.Pool, owner bool) *Conn {
	return &Conn{
		ctx:            ctx,
		name:           name,
		conn:           native,
		pool:           pool,
		owner:          owner,
		token:          ctx.id + "/" + string(name),
		autocommit:     true,
		fetchArraySize: defaultFetchArraySize,
		prefetchRows:   defaultPrefetchRows,
		policy:         failover.DefaultPolicy(),
	}
}

// Logon establishes a standalone session, registers it with this
// context as its owner and publishes it for adoption.
func (ctx *Context) Logon(connectString string) (*Conn, error) {
	if err := ctx.checkOpen(); err != nil {
		return nil, errors.Trace(err)
	}
	native, err := ctx.config.Driver.Open(connectString)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ctx.registerOwned(native, nil)
}

// LogonPool creates a session pool, acquires one session from it and
// registers that session as an owned connection. The pool is closed
// with the connection.
func (ctx *Context) LogonPool(connectString string, params dbdriver.PoolParams) (*Conn, error) {
	if err := ctx.checkOpen(); err != nil {
		return nil, errors.Trace(err)
	}
	pool, err := ctx.config.Driver.OpenPool(connectString, params)
	if err != nil {
		return nil, errors.Trace(err)
	}
	native, err := pool.Acquire()
	if err != nil {
		_ = pool.Close()
		return nil, errors.Trace(err)
	}
	return ctx.registerOwned(native, pool)
}

func (ctx *Context) registerOwned(native dbdriver.Conn, pool dbdriver.Pool) (*Conn, error) {
	name := ctx.config.Namer.Next(handle.KindConnection)
	c := newConn(ctx, name, native, pool, true)
	if err := ctx.addConn(c); err != nil {
		_ = native.Close()
		if pool != nil {
			_ = pool.Close()
		}
		return nil, errors.Trace(err)
	}
	if err := ctx.config.Directory.Publish(name, native); err != nil {
		ctx.removeConn(name)
		_ = native.Close()
		if pool != nil {
			_ = pool.Close()
		}
		return nil, errors.Trace(err)
	}
	ctx.pump.Register(name, c.policy.Window)
	c.status.SetOK("logon", 0)
	logger.Debugf("context %s logged on %q", ctx.id, name)
	return c, nil
}

// Adopt returns a handle to the named connection. If this context
// already holds one, that handle is returned; otherwise the connection
// is looked up in the directory and a non-owning handle with default
// tuning is registered. Adoption fails once the owner has begun
// closing.
func (ctx *Context) Adopt(name handle.Name) (*Conn, error) {
	if err := ctx.checkOpen(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := handle.ValidateName(name); err != nil {
		return nil, errors.Trace(err)
	}

	ctx.mu.Lock()
	existing, ok := ctx.conns[name]
	ctx.mu.Unlock()
	if ok {
		return existing, nil
	}

	native, ownerAlive, found := ctx.config.Directory.Lookup(name)
	if !found {
		return nil, errors.NotFoundf("connection %q", name)
	}
	if !ownerAlive {
		return nil, errors.NotFoundf("connection %q (owner gone)", name)
	}

	native.AddRef()
	c := newConn(ctx, name, native, nil, false)
	if err := ctx.addConn(c); err != nil {
		_ = native.Release()
		return nil, errors.Trace(err)
	}
	ctx.pump.Register(name, c.policy.Window)
	ctx.metrics.adoptions.Inc()
	c.status.SetOK("adopt", 0)
	logger.Debugf("context %s adopted %q", ctx.id, name)
	return c, nil
}

// Name is the handle's process-wide name.
func (c *Conn) Name() handle.Name {
	return c.name
}

// Owner reports whether this handle owns the native session.
func (c *Conn) Owner() bool {
	return c.owner
}

// Logoff releases this handle. The owner withdraws the connection
// from the directory before closing the native session and erases it
// after; adopters just drop their reference. Either way every
// asynchronous execution started through this handle is cancelled and
// joined first, so no worker still touches the session being released.
// Executions started through other handles to the same session are
// left alone.
func (c *Conn) Logoff() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Errorf("connection %q is closed", c.name)
	}
	c.closed = true
	c.mu.Unlock()

	ctx := c.ctx
	ctx.pump.Deregister(c.name)
	ctx.config.Registry.CancelAndJoinAllForOwner(c.token)

	var firstErr error
	if c.owner {
		ctx.config.Directory.MarkOwnerGone(c.name)
		if err := c.conn.Close(); err != nil {
			firstErr = err
		}
		if err := c.conn.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		ctx.config.Directory.Erase(c.name)
		if c.pool != nil {
			if err := c.pool.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	} else {
		firstErr = c.conn.Release()
	}
	ctx.removeConn(c.name)
	logger.Debugf("context %s logged off %q (owner %v)", ctx.id, c.name, c.owner)
	return errors.Trace(firstErr)
}

// Commit ends the session's current transaction.
func (c *Conn) Commit() error {
	if err := c.alive(); err != nil {
		return errors.Trace(err)
	}
	err := c.conn.Commit()
	c.finish("commit", 0, err)
	return errors.Trace(err)
}

// Rollback discards the session's current transaction.
func (c *Conn) Rollback() error {
	if err := c.alive(); err != nil {
		return errors.Trace(err)
	}
	err := c.conn.Rollback()
	c.finish("rollback", 0, err)
	return errors.Trace(err)
}

// Break interrupts whatever the session is executing.
func (c *Conn) Break() error {
	if err := c.alive(); err != nil {
		return errors.Trace(err)
	}
	err := c.conn.Break()
	c.finish("break", 0, err)
	return errors.Trace(err)
}

// Ping verifies the session is alive.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.alive(); err != nil {
		return errors.Trace(err)
	}
	err := c.conn.Ping(ctx)
	c.finish("ping", 0, err)
	return errors.Trace(err)
}

// Recover retries Ping under the connection's failover policy, giving
// callers a deterministic wait for the session to come back after a
// recoverable failure. Cancelling ctx abandons the wait.
func (c *Conn) Recover(ctx context.Context) error {
	if err := c.alive(); err != nil {
		return errors.Trace(err)
	}
	err := failover.Retry(c.FailoverPolicy(), c.ctx.config.Clock, ctx.Done(), func() error {
		return c.conn.Ping(ctx)
	})
	c.finish("recover", 0, err)
	return errors.Trace(err)
}

// Autocommit reports the handle's autocommit setting.
func (c *Conn) Autocommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autocommit
}

// SetAutocommit configures commit-on-success for executions on this
// handle.
func (c *Conn) SetAutocommit(on bool) {
	c.mu.Lock()
	c.autocommit = on
	c.mu.Unlock()
}

// FetchArraySize reports the fetch array size applied to statements
// parsed on this handle.
func (c *Conn) FetchArraySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchArraySize
}

// SetFetchArraySize configures the fetch array size for subsequently
// parsed statements.
func (c *Conn) SetFetchArraySize(n int) error {
	if n < 1 {
		return errors.NotValidf("fetch array size %d", n)
	}
	c.mu.Lock()
	c.fetchArraySize = n
	c.mu.Unlock()
	return nil
}

// PrefetchRows reports the prefetch row count applied to statements
// parsed on this handle.
func (c *Conn) PrefetchRows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetchRows
}

// SetPrefetchRows configures the prefetch row count for subsequently
// parsed statements.
func (c *Conn) SetPrefetchRows(n int) error {
	if n < 0 {
		return errors.NotValidf("prefetch rows %d", n)
	}
	c.mu.Lock()
	c.prefetchRows = n
	c.mu.Unlock()
	return nil
}

// PrefetchMemory reports the prefetch memory limit applied to
// statements parsed on this handle.
func (c *Conn) PrefetchMemory() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetchMemory
}

// SetPrefetchMemory configures the prefetch memory limit for
// subsequently parsed statements.
func (c *Conn) SetPrefetchMemory(bytes int) error {
	if bytes < 0 {
		return errors.NotValidf("prefetch memory %d", bytes)
	}
	c.mu.Lock()
	c.prefetchMemory = bytes
	c.mu.Unlock()
	return nil
}

// InlineLobs reports whether small LOB values are fetched inline.
func (c *Conn) InlineLobs() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inlineLobs
}

// SetInlineLobs configures inline LOB fetching.
func (c *Conn) SetInlineLobs(on bool) {
	c.mu.Lock()
	c.inlineLobs = on
	c.mu.Unlock()
}

// CallTimeout reports the session's per-call timeout in milliseconds.
func (c *Conn) CallTimeout() (int, error) {
	if err := c.alive(); err != nil {
		return 0, errors.Trace(err)
	}
	ms, err := c.conn.CallTimeout()
	if err != nil {
		c.finish("call_timeout", 0, err)
		return 0, errors.Trace(err)
	}
	return ms, nil
}

// SetCallTimeout bounds every native call on the session.
func (c *Conn) SetCallTimeout(ms int) error {
	if err := c.alive(); err != nil {
		return errors.Trace(err)
	}
	err := c.conn.SetCallTimeout(ms)
	c.finish("set_call_timeout", 0, err)
	return errors.Trace(err)
}

// StmtCacheSize reports the session's statement cache size.
func (c *Conn) StmtCacheSize() (int, error) {
	if err := c.alive(); err != nil {
		return 0, errors.Trace(err)
	}
	n, err := c.conn.StmtCacheSize()
	if err != nil {
		c.finish("stmt_cache_size", 0, err)
		return 0, errors.Trace(err)
	}
	return n, nil
}

// SetStmtCacheSize configures the session's statement cache.
func (c *Conn) SetStmtCacheSize(n int) error {
	if err := c.alive(); err != nil {
		return errors.Trace(err)
	}
	err := c.conn.SetStmtCacheSize(n)
	c.finish("set_stmt_cache_size", 0, err)
	return errors.Trace(err)
}

// FailoverPolicy reports the handle's failover policy.
func (c *Conn) FailoverPolicy() failover.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// ConfigureFailover replaces the handle's failover policy. The new
// debounce window applies from the next arming.
func (c *Conn) ConfigureFailover(policy failover.Policy) error {
	if err := policy.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := c.alive(); err != nil {
		return errors.Trace(err)
	}
	c.mu.Lock()
	c.policy = policy
	c.mu.Unlock()
	c.ctx.pump.SetWindow(c.name, policy.Window)
	return nil
}

// SetFailoverCallback installs the application callback invoked, on
// the context's pump goroutine, when recoverable failures have been
// coalesced over the debounce window. A nil callback clears it.
func (c *Conn) SetFailoverCallback(cb failover.Callback) error {
	if err := c.alive(); err != nil {
		return errors.Trace(err)
	}
	if cb == nil {
		c.ctx.pump.SetCallback(c.name, nil)
		return nil
	}
	metrics := c.ctx.metrics
	c.ctx.pump.SetCallback(c.name, func(name handle.Name, event, message string) {
		metrics.callbacks.Inc()
		cb(name, event, message)
	})
	return nil
}

// Status is a copy of the handle's last-operation record.
func (c *Conn) Status() handle.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StatusMap renders the last-operation record for message
// introspection.
func (c *Conn) StatusMap() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Map()
}

// alive fails with a client error when the handle is closed or its
// owner is gone.
func (c *Conn) alive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Errorf("connection %q is closed", c.name)
	}
	if c.orphaned {
		return errors.Errorf("connection %q lost its owner", c.name)
	}
	return nil
}

// markOrphaned flags a non-owning handle whose owner has begun
// closing. It reports whether the flag changed.
func (c *Conn) markOrphaned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner || c.closed || c.orphaned {
		return false
	}
	c.orphaned = true
	return true
}

// finish records the operation outcome in the handle status and routes
// recoverable failures to the failover pump. The synchronous return
// and the asynchronous notification are independent paths; both always
// happen.
func (c *Conn) finish(op string, rows int64, err error) {
	c.mu.Lock()
	if err != nil {
		c.status.SetError(op, err)
	} else {
		c.status.SetOK(op, rows)
	}
	c.mu.Unlock()
	c.notifyRecoverable(err)
}

func (c *Conn) notifyRecoverable(err error) {
	if derr, ok := dbdriver.AsError(err); ok && derr.Recoverable {
		c.ctx.pump.Notify(c.name, derr.Message)
	}
}
