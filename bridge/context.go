// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bridge is the session layer: it hands out named handles to
// native database connections, statements and large objects, and lets
// independent execution contexts share them. A connection's owner
// publishes it in the process-wide directory; other contexts adopt it
// by name and execute through it, while reference counts keep the
// native session alive until the last holder lets go.
//
// Each Context owns a failover pump whose loop goroutine is the
// context's owning thread for callback purposes: recoverable failures
// reported by any operation are returned to the caller and, on an
// independent path, coalesced into at most one application callback
// per debounce window.
package bridge

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/utils/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/sqlbridge/core/dbdriver"
	"github.com/juju/sqlbridge/core/handle"
	"github.com/juju/sqlbridge/internal/asyncexec"
	"github.com/juju/sqlbridge/internal/directory"
	"github.com/juju/sqlbridge/internal/failover"
)

var logger = loggo.GetLogger("sqlbridge.bridge")

// Config holds a Context's dependencies. Directory, Registry, Namer
// and Hub are shared by every context in the process; the pump is
// per-context.
type Config struct {
	Driver    dbdriver.Driver
	Directory *directory.Directory
	Registry  *asyncexec.Registry
	Namer     *handle.Namer
	Hub       *pubsub.SimpleHub
	Clock     clock.Clock

	// PrometheusRegisterer optionally receives the bridge metrics
	// collector for this context.
	PrometheusRegisterer prometheus.Registerer
}

// Validate returns an error if the config is unusable.
func (config Config) Validate() error {
	if config.Driver == nil {
		return errors.NotValidf("nil Driver")
	}
	if config.Directory == nil {
		return errors.NotValidf("nil Directory")
	}
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Namer == nil {
		return errors.NotValidf("nil Namer")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Context is one independent execution environment. Handles are held
// by at most one context each; adoption gives a context its own handle
// to a connection some other context owns.
type Context struct {
	config  Config
	id      string
	pump    *failover.Pump
	metrics *Collector

	unsubscribe func()

	mu     sync.Mutex
	conns  map[handle.Name]*Conn
	stmts  map[handle.Name]*Stmt
	lobs   map[handle.Name]*Lob
	closed bool
}

// NewContext returns a running Context.
func NewContext(config Config) (*Context, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	pump, err := failover.NewPump(failover.PumpConfig{Clock: config.Clock})
	if err != nil {
		return nil, errors.Trace(err)
	}
	ctx := &Context{
		config: config,
		id:     utils.MustNewUUID().String(),
		pump:   pump,
		conns:  make(map[handle.Name]*Conn),
		stmts:  make(map[handle.Name]*Stmt),
		lobs:   make(map[handle.Name]*Lob),
	}
	ctx.metrics = newCollector(ctx)
	ctx.unsubscribe = config.Hub.Subscribe(directory.Topic, ctx.onDirectoryChange)
	if config.PrometheusRegisterer != nil {
		_ = config.PrometheusRegisterer.Register(ctx.metrics)
	}
	logger.Debugf("context %s created", ctx.id)
	return ctx, nil
}

// ID is the context's unique identity.
func (ctx *Context) ID() string {
	return ctx.id
}

// Close tears the context down: large objects first, then statements,
// then connections, then the failover pump. Owned connections are
// logged off, which withdraws them from the directory; adopted ones
// just release their references.
func (ctx *Context) Close() error {
	ctx.mu.Lock()
	if ctx.closed {
		ctx.mu.Unlock()
		return nil
	}
	ctx.closed = true
	lobs := make([]*Lob, 0, len(ctx.lobs))
	for _, l := range ctx.lobs {
		lobs = append(lobs, l)
	}
	stmts := make([]*Stmt, 0, len(ctx.stmts))
	for _, s := range ctx.stmts {
		stmts = append(stmts, s)
	}
	conns := make([]*Conn, 0, len(ctx.conns))
	for _, c := range ctx.conns {
		conns = append(conns, c)
	}
	ctx.mu.Unlock()

	for _, l := range lobs {
		if err := l.Close(); err != nil {
			logger.Errorf("closing %q: %v", l.name, err)
		}
	}
	for _, s := range stmts {
		if err := s.CloseStatement(); err != nil {
			logger.Errorf("closing %q: %v", s.name, err)
		}
	}
	for _, c := range conns {
		if err := c.Logoff(); err != nil {
			logger.Errorf("logging off %q: %v", c.name, err)
		}
	}

	ctx.unsubscribe()
	if ctx.config.PrometheusRegisterer != nil {
		ctx.config.PrometheusRegisterer.Unregister(ctx.metrics)
	}
	ctx.pump.Kill()
	err := ctx.pump.Wait()
	logger.Debugf("context %s closed", ctx.id)
	return errors.Trace(err)
}

// onDirectoryChange flags adopted handles whose owner has begun
// closing, so later use fails fast instead of touching a dying
// session.
func (ctx *Context) onDirectoryChange(topic string, data interface{}) {
	change, ok := data.(directory.Change)
	if !ok {
		logger.Warningf("unexpected %s payload %T", topic, data)
		return
	}
	if change.Life == directory.Published {
		return
	}
	ctx.mu.Lock()
	conn, ok := ctx.conns[change.Name]
	ctx.mu.Unlock()
	if ok && conn.markOrphaned() {
		logger.Debugf("context %s: connection %q lost its owner", ctx.id, change.Name)
	}
}

func (ctx *Context) checkOpen() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.closed {
		return errors.Errorf("context is closed")
	}
	return nil
}

func (ctx *Context) addConn(c *Conn) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.closed {
		return errors.Errorf("context is closed")
	}
	ctx.conns[c.name] = c
	return nil
}

func (ctx *Context) removeConn(name handle.Name) {
	ctx.mu.Lock()
	delete(ctx.conns, name)
	ctx.mu.Unlock()
}

func (ctx *Context) addStmt(s *Stmt) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.closed {
		return errors.Errorf("context is closed")
	}
	ctx.stmts[s.name] = s
	return nil
}

func (ctx *Context) removeStmt(name handle.Name) {
	ctx.mu.Lock()
	delete(ctx.stmts, name)
	ctx.mu.Unlock()
}

func (ctx *Context) addLob(l *Lob) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.closed {
		return errors.Errorf("context is closed")
	}
	ctx.lobs[l.name] = l
	return nil
}

func (ctx *Context) removeLob(name handle.Name) {
	ctx.mu.Lock()
	delete(ctx.lobs, name)
	ctx.mu.Unlock()
}

func (ctx *Context) connCount() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return len(ctx.conns)
}

func (ctx *Context) stmtCount() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return len(ctx.stmts)
}

func (ctx *Context) lobCount() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return len(ctx.lobs)
}
