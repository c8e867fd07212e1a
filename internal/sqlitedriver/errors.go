// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlitedriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/juju/sqlbridge/core/dbdriver"
)

// recoverableCodes are the SQLite result codes that indicate the
// session or its storage failed rather than the statement.
var recoverableCodes = map[sqlite3.ErrNo]bool{
	sqlite3.ErrIoErr:    true,
	sqlite3.ErrCantOpen: true,
	sqlite3.ErrProtocol: true,
}

// mapError converts any failure from the database/sql layer into the
// structured form the bridge expects. Context cancellation surfaces as
// an interrupt, matching what sqlite3_interrupt produces when the
// driver gets to it first.
func mapError(err error, fn string) error {
	switch err {
	case nil:
		return nil
	case context.Canceled:
		return &dbdriver.Error{
			Code:    int(sqlite3.ErrInterrupt),
			Message: "interrupted",
			Fn:      fn,
		}
	case context.DeadlineExceeded:
		return &dbdriver.Error{
			Code:    int(sqlite3.ErrInterrupt),
			Message: "call timeout expired",
			Fn:      fn,
		}
	case sql.ErrConnDone, driver.ErrBadConn:
		return &dbdriver.Error{
			Message:     err.Error(),
			Recoverable: true,
			Fn:          fn,
		}
	}
	switch e := err.(type) {
	case sqlite3.Error:
		return &dbdriver.Error{
			Code:        int(e.Code),
			Message:     e.Error(),
			Recoverable: recoverableCodes[e.Code],
			Fn:          fn,
		}
	case sqlite3.ErrNo:
		return &dbdriver.Error{
			Code:        int(e),
			Message:     e.Error(),
			Recoverable: recoverableCodes[e],
			Fn:          fn,
		}
	}
	return &dbdriver.Error{Message: err.Error(), Fn: fn}
}

// isBusy reports whether err is SQLite's transient locking failure,
// worth retrying before surfacing.
func isBusy(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case sqlite3.Error:
		return e.Code == sqlite3.ErrBusy || e.Code == sqlite3.ErrLocked
	case sqlite3.ErrNo:
		return e == sqlite3.ErrBusy || e == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
