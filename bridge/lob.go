// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"sync"

	"github.com/juju/errors"

	"github.com/juju/sqlbridge/core/dbdriver"
	"github.com/juju/sqlbridge/core/handle"
)

// Lob is a named handle to a temporary large object on one connection.
// Offsets follow the native convention and are 1-based.
type Lob struct {
	conn *Conn
	name handle.Name

	mu     sync.Mutex
	closed bool
	native dbdriver.Lob
	status handle.Status
}

// OpenTempLob creates a temporary large object on this connection and
// registers a handle for it.
func (c *Conn) OpenTempLob() (*Lob, error) {
	if err := c.alive(); err != nil {
		return nil, errors.Trace(err)
	}
	native, err := c.conn.NewTempLob()
	if err != nil {
		c.finish("open_temp_lob", 0, err)
		return nil, errors.Trace(err)
	}
	l := &Lob{
		conn:   c,
		name:   c.ctx.config.Namer.Next(handle.KindLob),
		native: native,
	}
	if err := c.ctx.addLob(l); err != nil {
		_ = native.Close()
		return nil, errors.Trace(err)
	}
	l.status.SetOK("open_temp_lob", 0)
	return l, nil
}

// Name is the handle's process-wide name.
func (l *Lob) Name() handle.Name {
	return l.name
}

// Size reports the object's current length in bytes.
func (l *Lob) Size() (int64, error) {
	native, err := l.open()
	if err != nil {
		return 0, errors.Trace(err)
	}
	size, err := native.Size()
	l.finish("lob_size", size, err)
	return size, errors.Trace(err)
}

// Read returns up to n bytes starting at offset.
func (l *Lob) Read(offset int64, n int) ([]byte, error) {
	native, err := l.open()
	if err != nil {
		return nil, errors.Trace(err)
	}
	p, err := native.ReadAt(offset, n)
	l.finish("lob_read", int64(len(p)), err)
	return p, errors.Trace(err)
}

// Write stores p starting at offset, extending the object as needed,
// and reports the number of bytes written.
func (l *Lob) Write(offset int64, p []byte) (int, error) {
	native, err := l.open()
	if err != nil {
		return 0, errors.Trace(err)
	}
	n, err := native.WriteAt(offset, p)
	l.finish("lob_write", int64(n), err)
	return n, errors.Trace(err)
}

// Trim truncates the object to newSize bytes.
func (l *Lob) Trim(newSize int64) error {
	native, err := l.open()
	if err != nil {
		return errors.Trace(err)
	}
	err = native.Trim(newSize)
	l.finish("lob_trim", 0, err)
	return errors.Trace(err)
}

// Close releases the handle and the native object behind it.
func (l *Lob) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.Errorf("lob %q is closed", l.name)
	}
	l.closed = true
	native := l.native
	l.native = nil
	l.mu.Unlock()

	err := native.Close()
	l.conn.ctx.removeLob(l.name)
	return errors.Trace(err)
}

// Status is a copy of the handle's last-operation record.
func (l *Lob) Status() handle.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// StatusMap renders the last-operation record for message
// introspection.
func (l *Lob) StatusMap() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status.Map()
}

// open returns the native object, failing when the handle is closed or
// its connection is no longer usable.
func (l *Lob) open() (dbdriver.Lob, error) {
	if err := l.conn.alive(); err != nil {
		return nil, errors.Trace(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.Errorf("lob %q is closed", l.name)
	}
	return l.native, nil
}

// finish records the operation outcome, routing recoverable failures
// to the failover pump.
func (l *Lob) finish(op string, rows int64, err error) {
	l.mu.Lock()
	if err != nil {
		l.status.SetError(op, err)
	} else {
		l.status.SetOK(op, rows)
	}
	l.mu.Unlock()
	l.conn.notifyRecoverable(err)
}
