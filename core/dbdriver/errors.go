// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dbdriver

import (
	"fmt"

	"github.com/juju/errors"
)

// Error is the structured form of any native-call failure. The bridge
// returns these to callers unmodified and copies their fields into the
// failing handle's status block.
type Error struct {
	// Code is the native error code, zero when the driver reported
	// text without a code.
	Code int

	// Message is the driver's error text.
	Message string

	// Recoverable is the driver's judgement that the session may
	// survive the failure, typically after a failover.
	Recoverable bool

	// Warning marks a non-fatal condition.
	Warning bool

	// Offset is the position within the SQL text the failure refers
	// to, when the driver supplies one.
	Offset uint32

	// SQLState is the five-character SQLSTATE, when supplied.
	SQLState string

	// Fn and Action name the native function and internal action
	// that failed, for diagnostics.
	Fn     string
	Action string
}

// Error implements error.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("driver error %d", e.Code)
}

// AsError unwraps err to the underlying *Error, if there is one.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	derr, ok := errors.Cause(err).(*Error)
	return derr, ok
}

// IsRecoverable reports whether err is a native failure the driver
// marked recoverable.
func IsRecoverable(err error) bool {
	derr, ok := AsError(err)
	return ok && derr.Recoverable
}

// ErrorClass groups native failures for failover policy decisions.
type ErrorClass uint8

const (
	ClassNone ErrorClass = 0

	// ClassNetwork covers failures reaching the server at all.
	ClassNetwork ErrorClass = 1 << 0

	// ClassConnLost covers sessions that died underneath us.
	ClassConnLost ErrorClass = 1 << 1
)

// Has reports whether c includes class.
func (c ErrorClass) Has(class ErrorClass) bool {
	return c&class != 0
}

// String is used in logs and policy reporting.
func (c ErrorClass) String() string {
	switch {
	case c == ClassNone:
		return "none"
	case c.Has(ClassNetwork) && c.Has(ClassConnLost):
		return "network|connlost"
	case c.Has(ClassNetwork):
		return "network"
	case c.Has(ClassConnLost):
		return "connlost"
	}
	return "unknown"
}

// classByCode maps the transport and dead-session codes we know how to
// act on. Anything else falls back on the recoverable flag.
var classByCode = map[int]ErrorClass{
	3113:  ClassConnLost, // end-of-file on communication channel
	3114:  ClassConnLost, // not connected
	3135:  ClassConnLost, // connection lost contact
	12153: ClassConnLost, // TNS not connected
	12170: ClassNetwork,  // connect timeout
	12541: ClassNetwork,  // no listener
	12545: ClassNetwork,  // target host unreachable
}

// Classify places a native failure into an ErrorClass, for matching
// against a failover policy's class mask.
func Classify(err *Error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if class, ok := classByCode[err.Code]; ok {
		return class
	}
	if err.Recoverable {
		return ClassConnLost
	}
	return ClassNone
}
