// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlitedriver

import (
	"sync"

	"github.com/juju/sqlbridge/core/dbdriver"
)

// lob is a temporary large object buffered in memory. SQLite's
// incremental blob I/O needs a row to attach to, which a temporary
// object does not have, so the driver keeps the bytes itself. Offsets
// are 1-based per the dbdriver contract.
type lob struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
}

func (l *lob) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, lobClosedError("size")
	}
	return int64(len(l.buf)), nil
}

func (l *lob) ReadAt(offset int64, n int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, lobClosedError("read")
	}
	if offset < 1 || n < 0 {
		return nil, lobParameterError("read")
	}
	start := offset - 1
	if start >= int64(len(l.buf)) {
		return nil, nil
	}
	end := start + int64(n)
	if end > int64(len(l.buf)) {
		end = int64(len(l.buf))
	}
	out := make([]byte, end-start)
	copy(out, l.buf[start:end])
	return out, nil
}

func (l *lob) WriteAt(offset int64, p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, lobClosedError("write")
	}
	if offset < 1 {
		return 0, lobParameterError("write")
	}
	start := offset - 1
	if need := start + int64(len(p)); need > int64(len(l.buf)) {
		grown := make([]byte, need)
		copy(grown, l.buf)
		l.buf = grown
	}
	copy(l.buf[start:], p)
	return len(p), nil
}

func (l *lob) Trim(newSize int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return lobClosedError("trim")
	}
	if newSize < 0 {
		return lobParameterError("trim")
	}
	if newSize > int64(len(l.buf)) {
		return &dbdriver.Error{
			Code:    22926,
			Message: "specified trim length is greater than current LOB value's length",
			Fn:      "trim",
		}
	}
	l.buf = l.buf[:newSize]
	return nil
}

func (l *lob) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.buf = nil
	return nil
}

func lobClosedError(fn string) error {
	return &dbdriver.Error{
		Code:    22289,
		Message: "cannot perform operation on an unopened LOB",
		Fn:      fn,
	}
}

func lobParameterError(fn string) error {
	return &dbdriver.Error{
		Code:    24801,
		Message: "illegal parameter value in LOB function",
		Fn:      fn,
	}
}
