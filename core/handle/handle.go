// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package handle holds the naming scheme and per-handle status block
// shared by every bridge handle kind. Names are generated from one
// process-wide counter so that a connection published by one context
// can never collide with a name generated by another.
package handle

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
)

// Name identifies one handle. Connection names are additionally the
// keys of the process-wide directory.
type Name string

// String implements fmt.Stringer.
func (n Name) String() string {
	return string(n)
}

// Kind distinguishes the resource behind a handle.
type Kind int

const (
	KindConnection Kind = iota
	KindStatement
	KindLob
)

// prefix is the name prefix for each kind.
func (k Kind) prefix() string {
	switch k {
	case KindConnection:
		return "conn"
	case KindStatement:
		return "stmt"
	case KindLob:
		return "lob"
	}
	return "handle"
}

// String is used in logs.
func (k Kind) String() string {
	return k.prefix()
}

// Namer generates handle names unique for its own lifetime. The bridge
// shares a single Namer across all contexts in the process.
type Namer struct {
	mu   sync.Mutex
	next uint64
}

// NewNamer returns a Namer starting from 1.
func NewNamer() *Namer {
	return &Namer{}
}

// Next returns a fresh name for a handle of the given kind.
func (n *Namer) Next(kind Kind) Name {
	n.mu.Lock()
	n.next++
	seq := n.next
	n.mu.Unlock()
	return Name(fmt.Sprintf("%s-%d", kind.prefix(), seq))
}

// ValidateName rejects names no Namer could have produced. Used when a
// caller-supplied name reaches an operation that will consult the
// directory with it.
func ValidateName(name Name) error {
	if name == "" {
		return errors.NotValidf("empty handle name")
	}
	return nil
}
