// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package handle

import (
	"strconv"

	"github.com/juju/sqlbridge/core/dbdriver"
)

// Status is a handle's last-operation record. It is mutated only by
// operations on the owning handle, so it needs no lock of its own; the
// handle's own serialization covers it.
type Status struct {
	// Code is zero on success, the sentinel code while an
	// asynchronous execution is still processing, or the native
	// error code.
	Code int

	// Message is empty on success.
	Message string

	// Rows is the affected-row count of the last execution.
	Rows int64

	// Type is the classification of the last prepared statement,
	// meaningful on statement handles.
	Type dbdriver.StatementType

	// SQLState, Recoverable, Warning and Offset mirror the fields of
	// the native error that set them.
	SQLState    string
	Recoverable bool
	Warning     bool
	Offset      uint32

	// Op names the operation that last wrote this record.
	Op string
}

// Reset returns the record to its initial state, preserving the
// statement type.
func (s *Status) Reset() {
	typ := s.Type
	*s = Status{Type: typ}
}

// SetOK records a successful operation.
func (s *Status) SetOK(op string, rows int64) {
	typ := s.Type
	*s = Status{Type: typ, Rows: rows, Op: op}
}

// SetError records a failed operation. Native failures contribute
// their structured fields; anything else just its text.
func (s *Status) SetError(op string, err error) {
	typ := s.Type
	*s = Status{Type: typ, Op: op}
	if err == nil {
		return
	}
	if derr, ok := dbdriver.AsError(err); ok {
		s.Code = derr.Code
		s.Message = derr.Message
		s.SQLState = derr.SQLState
		s.Recoverable = derr.Recoverable
		s.Warning = derr.Warning
		s.Offset = derr.Offset
		if s.Code == 0 {
			s.Code = -1
		}
		return
	}
	s.Code = -1
	s.Message = err.Error()
}

// SetCode records an operation that produced a bare result code, such
// as the still-processing sentinel.
func (s *Status) SetCode(op string, code int, message string) {
	typ := s.Type
	*s = Status{Type: typ, Op: op, Code: code, Message: message}
}

// Map renders the record for message introspection.
func (s *Status) Map() map[string]string {
	return map[string]string{
		"rc":          strconv.Itoa(s.Code),
		"error":       s.Message,
		"rows":        strconv.FormatInt(s.Rows, 10),
		"sqltype":     s.Type.String(),
		"sqlstate":    s.SQLState,
		"recoverable": strconv.FormatBool(s.Recoverable),
		"warning":     strconv.FormatBool(s.Warning),
		"offset":      strconv.FormatUint(uint64(s.Offset), 10),
		"fn":          s.Op,
	}
}
