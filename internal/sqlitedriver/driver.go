// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sqlitedriver backs the dbdriver contract with an embedded
// SQLite database. Every connection pins one database/sql session so
// that transaction state and interrupts have a stable target; pooling
// is delegated to database/sql with the pool parameters mapped onto
// its knobs.
//
// SQLite has no session concept to fail over, so recoverability is
// reported only for errors that indicate the session itself is gone
// or the storage underneath it misbehaved.
package sqlitedriver

import (
	"context"
	"database/sql"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/juju/sqlbridge/core/dbdriver"
)

var logger = loggo.GetLogger("sqlbridge.sqlitedriver")

// Driver implements dbdriver.Driver over mattn/go-sqlite3.
type Driver struct{}

// New returns a Driver.
func New() Driver {
	return Driver{}
}

// Open establishes a standalone session. The connect string is a
// go-sqlite3 DSN, for example "file:app.db?_journal_mode=WAL".
func (Driver) Open(connectString string) (dbdriver.Conn, error) {
	db, err := sql.Open("sqlite3", connectString)
	if err != nil {
		return nil, mapError(err, "open")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	sess, err := db.Conn(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, mapError(err, "open")
	}
	logger.Debugf("opened standalone session on %q", connectString)
	return newConn(sess, db), nil
}

// OpenPool creates a session pool. MinSessions sessions are opened
// eagerly; MaxSessions caps the pool except under PoolGetForce, which
// database/sql can only honour by lifting the cap entirely.
// SessionIncrement and Homogeneous have no database/sql equivalent and
// are recorded for reporting only.
func (Driver) OpenPool(connectString string, params dbdriver.PoolParams) (dbdriver.Pool, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	db, err := sql.Open("sqlite3", connectString)
	if err != nil {
		return nil, mapError(err, "open pool")
	}
	if params.GetMode == dbdriver.PoolGetForce {
		db.SetMaxOpenConns(0)
	} else {
		db.SetMaxOpenConns(params.MaxSessions)
	}
	idle := params.MinSessions
	if idle < 1 {
		idle = 1
	}
	db.SetMaxIdleConns(idle)

	if err := prewarm(db, params.MinSessions); err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	logger.Debugf("opened session pool on %q: min %d max %d mode %s",
		connectString, params.MinSessions, params.MaxSessions, params.GetMode)
	return &pool{db: db, params: params}, nil
}

// prewarm opens and releases n sessions so the pool starts populated.
func prewarm(db *sql.DB, n int) error {
	sessions := make([]*sql.Conn, 0, n)
	for i := 0; i < n; i++ {
		sess, err := db.Conn(context.Background())
		if err != nil {
			for _, s := range sessions {
				_ = s.Close()
			}
			return mapError(err, "open pool")
		}
		sessions = append(sessions, sess)
	}
	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

type pool struct {
	db     *sql.DB
	params dbdriver.PoolParams

	mu     sync.Mutex
	closed bool
}

// Acquire returns a session from the pool, honouring the configured
// get mode.
func (p *pool) Acquire() (dbdriver.Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, &dbdriver.Error{Message: "session pool is closed", Fn: "acquire"}
	}

	ctx := context.Background()
	switch p.params.GetMode {
	case dbdriver.PoolGetNoWait:
		if p.db.Stats().InUse >= p.params.MaxSessions {
			return nil, &dbdriver.Error{
				Code:    24418,
				Message: "cannot open further sessions",
				Fn:      "acquire",
			}
		}
	case dbdriver.PoolGetTimedWait:
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.params.WaitTimeout)
		defer cancel()
	}

	sess, err := p.db.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &dbdriver.Error{
				Code:    24459,
				Message: "timed out waiting for a pooled session",
				Fn:      "acquire",
			}
		}
		return nil, mapError(err, "acquire")
	}
	return newConn(sess, nil), nil
}

// Close shuts the pool down. Pooled sessions already handed out are
// invalidated.
func (p *pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return mapError(p.db.Close(), "close pool")
}
