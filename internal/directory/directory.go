// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package directory implements the process-wide connection directory.
// A connection published here by its owning context can be adopted by
// name from any other context until the owner begins closing it.
//
// The directory lock covers map metadata only, never native calls, so
// callers may hold adopted references for as long as they like without
// blocking publication or teardown elsewhere. Lifecycle transitions
// are published on the hub so contexts holding adopted proxies can
// notice the owner going away.
package directory

import (
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"

	"github.com/juju/sqlbridge/core/dbdriver"
	"github.com/juju/sqlbridge/core/handle"
)

var logger = loggo.GetLogger("sqlbridge.directory")

// Topic carries Change events for every directory mutation.
const Topic = "sqlbridge.directory"

// Life is the stage a directory entry has reached.
type Life string

const (
	// Published means the entry is adoptable.
	Published Life = "published"

	// OwnerGone means the owner has begun closing; the entry still
	// exists for in-flight adopters but accepts no new ones.
	OwnerGone Life = "owner-gone"

	// Erased means the owning close completed and the entry is gone.
	Erased Life = "erased"
)

// Change is the event payload published on Topic.
type Change struct {
	Name handle.Name
	Life Life
}

// Config holds the directory's dependencies.
type Config struct {
	Hub *pubsub.SimpleHub
}

// Validate returns an error if the config is unusable.
func (c Config) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	return nil
}

type entry struct {
	conn       dbdriver.Conn
	ownerAlive bool
}

// Directory is the process-wide name registry for sharable native
// connections. Construct one per process and hand it to every context.
type Directory struct {
	config Config

	mu      sync.Mutex
	entries map[handle.Name]entry
}

// New returns a Directory ready for use.
func New(config Config) (*Directory, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Directory{
		config:  config,
		entries: make(map[handle.Name]entry),
	}, nil
}

// Publish makes conn adoptable under name, resetting owner-alive on
// re-publication of an existing name.
func (d *Directory) Publish(name handle.Name, conn dbdriver.Conn) error {
	if err := handle.ValidateName(name); err != nil {
		return errors.Trace(err)
	}
	if conn == nil {
		return errors.NotValidf("nil connection")
	}

	d.mu.Lock()
	d.entries[name] = entry{conn: conn, ownerAlive: true}
	d.mu.Unlock()

	logger.Debugf("published connection %q", name)
	_ = d.config.Hub.Publish(Topic, Change{Name: name, Life: Published})
	return nil
}

// Lookup returns the native connection registered under name, whether
// its owner is still alive, and whether the entry exists at all.
// Callers adopting the connection must check ownerAlive: a closing
// connection must not accept new sharers.
func (d *Directory) Lookup(name handle.Name) (conn dbdriver.Conn, ownerAlive bool, found bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[name]
	if !ok {
		return nil, false, false
	}
	return e.conn, e.ownerAlive, true
}

// MarkOwnerGone flags the entry as closing without removing it, so
// adopters that already hold references stay valid while new adoption
// is refused. Unknown names are ignored.
func (d *Directory) MarkOwnerGone(name handle.Name) {
	d.mu.Lock()
	e, ok := d.entries[name]
	if ok && e.ownerAlive {
		e.ownerAlive = false
		d.entries[name] = e
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	logger.Debugf("connection %q owner gone", name)
	_ = d.config.Hub.Publish(Topic, Change{Name: name, Life: OwnerGone})
}

// Erase removes the entry entirely. Called only after the owning close
// has completed. Unknown names are ignored.
func (d *Directory) Erase(name handle.Name) {
	d.mu.Lock()
	_, ok := d.entries[name]
	delete(d.entries, name)
	d.mu.Unlock()

	if !ok {
		return
	}
	logger.Debugf("erased connection %q", name)
	_ = d.config.Hub.Publish(Topic, Change{Name: name, Life: Erased})
}

// Len reports the number of entries, including owner-gone ones.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Names returns the registered names in sorted order.
func (d *Directory) Names() []string {
	d.mu.Lock()
	names := set.NewStrings()
	for name := range d.entries {
		names.Add(string(name))
	}
	d.mu.Unlock()
	return names.SortedValues()
}
