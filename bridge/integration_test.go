// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge_test

import (
	"context"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/sqlbridge/bridge"
	"github.com/juju/sqlbridge/core/handle"
	"github.com/juju/sqlbridge/internal/asyncexec"
	"github.com/juju/sqlbridge/internal/directory"
	"github.com/juju/sqlbridge/internal/sqlitedriver"
)

// integrationSuite runs the whole stack against SQLite: real driver,
// real clock, multiple contexts sharing one directory and registry.
type integrationSuite struct {
	jujutesting.IsolationSuite

	config bridge.Config
	dsn    string
}

var _ = gc.Suite(&integrationSuite{})

func (s *integrationSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("test.hub"),
	})
	dir, err := directory.New(directory.Config{Hub: hub})
	c.Assert(err, jc.ErrorIsNil)
	registry, err := asyncexec.NewRegistry(asyncexec.Config{Clock: clock.WallClock})
	c.Assert(err, jc.ErrorIsNil)

	s.config = bridge.Config{
		Driver:    sqlitedriver.New(),
		Directory: dir,
		Registry:  registry,
		Namer:     handle.NewNamer(),
		Hub:       hub,
		Clock:     clock.WallClock,
	}
	s.dsn = "file:" + filepath.Join(c.MkDir(), "test.db") + "?_journal_mode=WAL"
}

func (s *integrationSuite) newContext(c *gc.C) *bridge.Context {
	ctx, err := bridge.NewContext(s.config)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { c.Check(ctx.Close(), jc.ErrorIsNil) })
	return ctx
}

// exec parses and synchronously executes sql on a fresh statement
// handle, returning the reported row count.
func (s *integrationSuite) exec(c *gc.C, conn *bridge.Conn, sql string) int64 {
	stmt, err := conn.OpenStatement()
	c.Assert(err, jc.ErrorIsNil)
	defer func() { c.Check(stmt.CloseStatement(), jc.ErrorIsNil) }()
	c.Assert(stmt.Parse(sql), jc.ErrorIsNil)
	rows, err := stmt.Exec(context.Background(), false)
	c.Assert(err, jc.ErrorIsNil)
	return rows
}

func (s *integrationSuite) TestShareNativeSession(c *gc.C) {
	owner := s.newContext(c)
	adopter := s.newContext(c)

	connA, err := owner.Logon(s.dsn)
	c.Assert(err, jc.ErrorIsNil)
	s.exec(c, connA, "CREATE TABLE t (x INTEGER)")
	c.Check(s.exec(c, connA, "INSERT INTO t VALUES (1)"), gc.Equals, int64(1))

	connB, err := adopter.Adopt(connA.Name())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(connB.Owner(), jc.IsFalse)

	// Both handles drive the same native session.
	c.Check(s.exec(c, connB, "SELECT x FROM t"), gc.Equals, int64(1))
	c.Check(s.exec(c, connB, "INSERT INTO t VALUES (2)"), gc.Equals, int64(1))
	c.Check(s.exec(c, connA, "SELECT x FROM t"), gc.Equals, int64(2))
}

func (s *integrationSuite) TestOwnerLogoffOrphansAdopter(c *gc.C) {
	owner := s.newContext(c)
	adopter := s.newContext(c)

	connA, err := owner.Logon(s.dsn)
	c.Assert(err, jc.ErrorIsNil)
	name := connA.Name()
	connB, err := adopter.Adopt(name)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(connA.Logoff(), jc.ErrorIsNil)
	waitOrphaned(c, connB)

	_, err = adopter.Adopt(name)
	c.Check(err, jc.Satisfies, errors.IsNotFound)
	c.Assert(connB.Logoff(), jc.ErrorIsNil)
}

func (s *integrationSuite) TestAsyncExecuteWaitCancel(c *gc.C) {
	ctx := s.newContext(c)
	conn, err := ctx.Logon(s.dsn)
	c.Assert(err, jc.ErrorIsNil)

	stmt, err := conn.OpenStatement()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stmt.Parse(
		"WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x+1 FROM n LIMIT 4000000000) "+
			"SELECT count(*) FROM n"), jc.ErrorIsNil)

	c.Assert(stmt.ExecAsync(false), jc.ErrorIsNil)

	_, err = stmt.WaitAsync(jujutesting.ShortWait)
	c.Check(errors.Cause(err), gc.Equals, asyncexec.ErrStillProcessing)
	c.Check(stmt.Status().Code, gc.Equals, asyncexec.StillProcessingCode)
	c.Check(stmt.StatusMap()["error"], gc.Equals, "asynchronous command still processing")

	result, err := stmt.Cancel()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result, gc.NotNil)
	c.Check(result.Canceled, jc.IsTrue)
	c.Check(result.Err, gc.NotNil)

	// The session survives the interrupt.
	c.Assert(conn.Ping(context.Background()), jc.ErrorIsNil)
	c.Check(s.exec(c, conn, "SELECT 1"), gc.Equals, int64(1))
	c.Assert(stmt.CloseStatement(), jc.ErrorIsNil)
}

func (s *integrationSuite) TestAsyncCommitVisibleToNewSession(c *gc.C) {
	ctx := s.newContext(c)
	conn, err := ctx.Logon(s.dsn)
	c.Assert(err, jc.ErrorIsNil)
	s.exec(c, conn, "CREATE TABLE t (x INTEGER)")

	stmt, err := conn.OpenStatement()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stmt.Parse("INSERT INTO t VALUES (42)"), jc.ErrorIsNil)
	c.Assert(stmt.ExecAsync(false), jc.ErrorIsNil)

	deadline := time.Now().Add(jujutesting.LongWait)
	var result *asyncexec.Result
	for time.Now().Before(deadline) {
		result, err = stmt.WaitAsync(jujutesting.ShortWait)
		if errors.Cause(err) != asyncexec.ErrStillProcessing {
			break
		}
	}
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result, gc.NotNil)
	c.Check(result.Rows, gc.Equals, int64(1))
	c.Assert(stmt.CloseStatement(), jc.ErrorIsNil)

	// The autocommit made it durable: a second, independent session
	// sees the row.
	other, err := ctx.Logon(s.dsn)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.exec(c, other, "SELECT x FROM t"), gc.Equals, int64(1))
}
