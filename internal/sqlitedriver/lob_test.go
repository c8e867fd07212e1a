// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlitedriver_test

import (
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/sqlbridge/core/dbdriver"
	"github.com/juju/sqlbridge/internal/sqlitedriver"
)

type lobSuite struct {
	jujutesting.IsolationSuite

	conn dbdriver.Conn
}

var _ = gc.Suite(&lobSuite{})

func (s *lobSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	conn, err := sqlitedriver.New().Open(testDSN(c))
	c.Assert(err, jc.ErrorIsNil)
	s.conn = conn
	s.AddCleanup(func(c *gc.C) { _ = conn.Close() })
}

func (s *lobSuite) newLob(c *gc.C) dbdriver.Lob {
	lob, err := s.conn.NewTempLob()
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { _ = lob.Close() })
	return lob
}

func (s *lobSuite) TestEmpty(c *gc.C) {
	lob := s.newLob(c)
	size, err := lob.Size()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(size, gc.Equals, int64(0))

	data, err := lob.ReadAt(1, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(data, gc.HasLen, 0)
}

func (s *lobSuite) TestWriteRead(c *gc.C) {
	lob := s.newLob(c)
	n, err := lob.WriteAt(1, []byte("hello world"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 11)

	size, err := lob.Size()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(size, gc.Equals, int64(11))

	data, err := lob.ReadAt(7, 5)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, "world")

	// Reads past the end are truncated.
	data, err = lob.ReadAt(7, 100)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, "world")
}

func (s *lobSuite) TestWriteBeyondEndZeroFills(c *gc.C) {
	lob := s.newLob(c)
	_, err := lob.WriteAt(4, []byte("abc"))
	c.Assert(err, jc.ErrorIsNil)

	size, err := lob.Size()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(size, gc.Equals, int64(6))

	data, err := lob.ReadAt(1, 6)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(data, jc.DeepEquals, []byte{0, 0, 0, 'a', 'b', 'c'})
}

func (s *lobSuite) TestOverwrite(c *gc.C) {
	lob := s.newLob(c)
	_, err := lob.WriteAt(1, []byte("hello world"))
	c.Assert(err, jc.ErrorIsNil)
	_, err = lob.WriteAt(7, []byte("there"))
	c.Assert(err, jc.ErrorIsNil)

	data, err := lob.ReadAt(1, 11)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, "hello there")
}

func (s *lobSuite) TestTrim(c *gc.C) {
	lob := s.newLob(c)
	_, err := lob.WriteAt(1, []byte("hello world"))
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(lob.Trim(5), jc.ErrorIsNil)
	size, err := lob.Size()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(size, gc.Equals, int64(5))

	data, err := lob.ReadAt(1, 100)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, "hello")
}

func (s *lobSuite) TestTrimBeyondLength(c *gc.C) {
	lob := s.newLob(c)
	err := lob.Trim(5)
	derr, ok := dbdriver.AsError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(derr.Code, gc.Equals, 22926)
}

func (s *lobSuite) TestOffsetsAreOneBased(c *gc.C) {
	lob := s.newLob(c)
	_, err := lob.ReadAt(0, 1)
	derr, ok := dbdriver.AsError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(derr.Code, gc.Equals, 24801)

	_, err = lob.WriteAt(0, []byte("x"))
	derr, ok = dbdriver.AsError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(derr.Code, gc.Equals, 24801)
}

func (s *lobSuite) TestClosedLob(c *gc.C) {
	lob := s.newLob(c)
	c.Assert(lob.Close(), jc.ErrorIsNil)
	c.Assert(lob.Close(), jc.ErrorIsNil)

	_, err := lob.Size()
	derr, ok := dbdriver.AsError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(derr.Code, gc.Equals, 22289)

	_, err = lob.ReadAt(1, 1)
	c.Check(err, gc.NotNil)
	_, err = lob.WriteAt(1, []byte("x"))
	c.Check(err, gc.NotNil)
	c.Check(lob.Trim(0), gc.NotNil)
}

func (s *lobSuite) TestLobOnClosedConn(c *gc.C) {
	c.Assert(s.conn.Close(), jc.ErrorIsNil)
	_, err := s.conn.NewTempLob()
	c.Assert(err, gc.NotNil)
	c.Check(dbdriver.IsRecoverable(err), jc.IsTrue)
}
