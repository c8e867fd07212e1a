// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlitedriver_test

import (
	"context"
	"time"

	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/mattn/go-sqlite3"
	gc "gopkg.in/check.v1"

	"github.com/juju/sqlbridge/core/dbdriver"
	"github.com/juju/sqlbridge/internal/sqlitedriver"
)

type connSuite struct {
	jujutesting.IsolationSuite

	driver sqlitedriver.Driver
	dsn    string
}

var _ = gc.Suite(&connSuite{})

func (s *connSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.driver = sqlitedriver.New()
	s.dsn = testDSN(c)
}

func (s *connSuite) open(c *gc.C) dbdriver.Conn {
	conn, err := s.driver.Open(s.dsn)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { _ = conn.Close() })
	return conn
}

func (s *connSuite) exec(c *gc.C, conn dbdriver.Conn, sql string, commit bool) dbdriver.ExecResult {
	stmt, err := conn.Prepare(sql)
	c.Assert(err, jc.ErrorIsNil)
	defer stmt.Close()
	res, err := stmt.Exec(context.Background(), dbdriver.ExecOptions{Commit: commit})
	c.Assert(err, jc.ErrorIsNil)
	return res
}

func (s *connSuite) rowCount(c *gc.C, conn dbdriver.Conn) int64 {
	return s.exec(c, conn, "SELECT x FROM t", false).RowsAffected
}

func (s *connSuite) TestUncommittedInvisibleUntilCommit(c *gc.C) {
	writer := s.open(c)
	reader := s.open(c)
	s.exec(c, writer, "CREATE TABLE t (x INT)", false)

	s.exec(c, writer, "INSERT INTO t VALUES (1)", false)
	c.Check(s.rowCount(c, reader), gc.Equals, int64(0))

	c.Assert(writer.Commit(), jc.ErrorIsNil)
	c.Check(s.rowCount(c, reader), gc.Equals, int64(1))
}

func (s *connSuite) TestRollbackDiscards(c *gc.C) {
	writer := s.open(c)
	reader := s.open(c)
	s.exec(c, writer, "CREATE TABLE t (x INT)", false)

	s.exec(c, writer, "INSERT INTO t VALUES (1)", false)
	c.Assert(writer.Rollback(), jc.ErrorIsNil)

	c.Check(s.rowCount(c, reader), gc.Equals, int64(0))
	c.Check(s.rowCount(c, writer), gc.Equals, int64(0))
}

func (s *connSuite) TestCommitWithoutTransaction(c *gc.C) {
	conn := s.open(c)
	c.Assert(conn.Commit(), jc.ErrorIsNil)
	c.Assert(conn.Rollback(), jc.ErrorIsNil)
}

func (s *connSuite) TestExecCommitOptionPublishes(c *gc.C) {
	writer := s.open(c)
	reader := s.open(c)
	s.exec(c, writer, "CREATE TABLE t (x INT)", false)

	s.exec(c, writer, "INSERT INTO t VALUES (1)", true)
	c.Check(s.rowCount(c, reader), gc.Equals, int64(1))
}

func (s *connSuite) TestBreakInterruptsExec(c *gc.C) {
	conn := s.open(c)
	stmt, err := conn.Prepare(
		"WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x+1 FROM n LIMIT 4000000000) SELECT count(*) FROM n")
	c.Assert(err, jc.ErrorIsNil)
	defer stmt.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stmt.Exec(context.Background(), dbdriver.ExecOptions{})
		done <- err
	}()

	// Let the execution get under way before interrupting it.
	time.Sleep(jujutesting.ShortWait)
	c.Assert(conn.Break(), jc.ErrorIsNil)

	select {
	case err := <-done:
		derr, ok := dbdriver.AsError(err)
		c.Assert(ok, jc.IsTrue)
		c.Check(derr.Code, gc.Equals, int(sqlite3.ErrInterrupt))
		c.Check(derr.Message, gc.Equals, "interrupted")
	case <-time.After(jujutesting.LongWait):
		c.Fatalf("exec survived break")
	}

	// The session itself survives.
	c.Assert(conn.Ping(context.Background()), jc.ErrorIsNil)
}

func (s *connSuite) TestCallTimeoutBoundsExec(c *gc.C) {
	conn := s.open(c)
	c.Assert(conn.SetCallTimeout(50), jc.ErrorIsNil)
	ms, err := conn.CallTimeout()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ms, gc.Equals, 50)

	stmt, err := conn.Prepare(
		"WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x+1 FROM n LIMIT 4000000000) SELECT count(*) FROM n")
	c.Assert(err, jc.ErrorIsNil)
	defer stmt.Close()

	start := time.Now()
	_, err = stmt.Exec(context.Background(), dbdriver.ExecOptions{})
	c.Assert(time.Since(start) < jujutesting.LongWait, jc.IsTrue)

	derr, ok := dbdriver.AsError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(derr.Message, gc.Equals, "call timeout expired")
}

func (s *connSuite) TestSetCallTimeoutValidates(c *gc.C) {
	conn := s.open(c)
	c.Assert(conn.SetCallTimeout(-1), gc.ErrorMatches, "negative call timeout not valid")
}

func (s *connSuite) TestStmtCacheSize(c *gc.C) {
	conn := s.open(c)
	n, err := conn.StmtCacheSize()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 40)

	c.Assert(conn.SetStmtCacheSize(100), jc.ErrorIsNil)
	n, err = conn.StmtCacheSize()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 100)

	c.Assert(conn.SetStmtCacheSize(-1), gc.ErrorMatches, "negative statement cache size not valid")
}

func (s *connSuite) TestSharedReferencesKeepSessionAlive(c *gc.C) {
	conn := s.open(c)
	conn.AddRef()

	// The first release leaves the sharer's reference holding the
	// session open.
	c.Assert(conn.Release(), jc.ErrorIsNil)
	c.Assert(conn.Ping(context.Background()), jc.ErrorIsNil)

	// The last release tears it down.
	c.Assert(conn.Release(), jc.ErrorIsNil)
	err := conn.Ping(context.Background())
	c.Assert(err, gc.NotNil)
	c.Check(dbdriver.IsRecoverable(err), jc.IsTrue)
}

func (s *connSuite) TestCloseStopsSharers(c *gc.C) {
	conn := s.open(c)
	conn.AddRef()

	c.Assert(conn.Close(), jc.ErrorIsNil)
	err := conn.Ping(context.Background())
	c.Assert(err, gc.NotNil)
	c.Check(dbdriver.IsRecoverable(err), jc.IsTrue)

	// The sharer's release after close is a quiet no-op.
	c.Assert(conn.Release(), jc.ErrorIsNil)
	c.Assert(conn.Close(), jc.ErrorIsNil)
}

func (s *connSuite) TestCloseRollsBackOpenTransaction(c *gc.C) {
	writer := s.open(c)
	reader := s.open(c)
	s.exec(c, writer, "CREATE TABLE t (x INT)", false)

	s.exec(c, writer, "INSERT INTO t VALUES (1)", false)
	c.Assert(writer.Close(), jc.ErrorIsNil)

	c.Check(s.rowCount(c, reader), gc.Equals, int64(0))
}
