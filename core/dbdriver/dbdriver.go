// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dbdriver defines the contract between the bridge and the
// native database driver underneath it. The bridge never speaks the
// wire protocol itself; it manipulates opaque connections, statements
// and large objects through these interfaces, and every native failure
// surfaces as a structured *Error.
//
// Implementations must be safe for use from multiple goroutines, and
// must honour the explicit reference counts: a handle obtained from the
// driver starts with one reference, AddRef takes another, and the
// native resource is torn down only when the final reference is
// released. Close is the owner-side operation that ends the underlying
// session or cursor regardless of outstanding references.
package dbdriver

import (
	"context"
)

// Driver creates native connections. The connect string is opaque to
// the bridge; the driver interprets it.
type Driver interface {
	// Open establishes a standalone session.
	Open(connectString string) (Conn, error)

	// OpenPool creates a session pool from which connections are
	// acquired. Pool semantics beyond these parameters belong to the
	// driver.
	OpenPool(connectString string, params PoolParams) (Pool, error)
}

// Pool hands out pooled connections.
type Pool interface {
	// Acquire returns a session from the pool, honouring the pool's
	// get mode.
	Acquire() (Conn, error)

	// Close shuts the pool down. Only the owning connection's
	// teardown path calls this.
	Close() error
}

// Conn is one native database session.
type Conn interface {
	// Prepare readies a statement for execution.
	Prepare(sql string) (Stmt, error)

	// Ping verifies the session is alive.
	Ping(ctx context.Context) error

	// Commit and Rollback end the current transaction.
	Commit() error
	Rollback() error

	// Break interrupts any in-flight call on this session. It is the
	// cooperative-cancellation facility: the interrupted call returns
	// with an error, the caller is never torn down forcibly.
	Break() error

	// CallTimeout and SetCallTimeout expose the driver's per-call
	// timeout, in milliseconds. Zero means no timeout.
	CallTimeout() (int, error)
	SetCallTimeout(ms int) error

	// StmtCacheSize and SetStmtCacheSize expose the driver's
	// statement cache.
	StmtCacheSize() (int, error)
	SetStmtCacheSize(n int) error

	// NewTempLob creates a temporary large object on this session.
	NewTempLob() (Lob, error)

	// AddRef takes an additional reference to the session. Every
	// AddRef must be balanced by exactly one Release.
	AddRef()

	// Release drops one reference. The native session object is
	// freed when the last reference goes.
	Release() error

	// Close ends the session. Only the owning handle calls this;
	// sharers release their references instead.
	Close() error
}

// Stmt is one native prepared statement.
type Stmt interface {
	// Exec runs the statement. Cancellation arrives either through
	// the context or through the owning connection's Break.
	Exec(ctx context.Context, opts ExecOptions) (ExecResult, error)

	// Info reports what kind of statement this is.
	Info() StmtInfo

	// SetFetchArraySize, SetPrefetchRows and SetPrefetchMemory tune
	// fetch behaviour for subsequent executions.
	SetFetchArraySize(n int) error
	SetPrefetchRows(n int) error
	SetPrefetchMemory(bytes int) error

	// AddRef and Release mirror Conn's reference counting.
	AddRef()
	Release() error

	// Close discards the prepared statement.
	Close() error
}

// Lob is one native large object. Offsets are 1-based, matching the
// native convention.
type Lob interface {
	// Size reports the current length in bytes.
	Size() (int64, error)

	// ReadAt reads up to n bytes starting at offset.
	ReadAt(offset int64, n int) ([]byte, error)

	// WriteAt writes p starting at offset, extending the object as
	// needed, and reports the number of bytes written.
	WriteAt(offset int64, p []byte) (int, error)

	// Trim truncates the object to newSize bytes.
	Trim(newSize int64) error

	// Close releases the large object.
	Close() error
}

// ExecOptions controls a single execution.
type ExecOptions struct {
	// Commit requests commit-on-success for this execution.
	Commit bool
}

// ExecResult reports a successful execution.
type ExecResult struct {
	// RowsAffected is the driver's row count for the operation.
	RowsAffected int64

	// Warning carries a non-fatal condition raised by the execution,
	// if any.
	Warning *Error
}

// StmtInfo describes a prepared statement.
type StmtInfo struct {
	Type StatementType

	// ReturningClause is set when a DML statement carries a
	// RETURNING clause.
	ReturningClause bool
}

// StatementType classifies a prepared statement.
type StatementType int

const (
	TypeUnknown StatementType = iota
	TypeQuery
	TypePLSQL
	TypeDML
	TypeDDL
	TypeReturning
)

// String is used in status reporting and logs.
func (t StatementType) String() string {
	switch t {
	case TypeQuery:
		return "query"
	case TypePLSQL:
		return "plsql"
	case TypeDML:
		return "dml"
	case TypeDDL:
		return "ddl"
	case TypeReturning:
		return "returning"
	}
	return "unknown"
}

// CommitsOnAutocommit reports whether an autocommit connection commits
// after successfully executing a statement of this type.
func (t StatementType) CommitsOnAutocommit() bool {
	return t == TypeDML || t == TypePLSQL || t == TypeReturning
}
