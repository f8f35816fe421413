// Package rendezvous implements the server's shared table matching a
// ConnectionID to the visitor socket waiting for a client data connection
// to claim it.
package rendezvous

import (
	"net"
	"sync"

	"github.com/google/uuid"
)

// Table is a concurrency-safe ConnectionID -> net.Conn map. Every entry is
// removed exactly once, either by a matching Accept (Table.Remove hit) or
// by the stale-eviction timer the server spawns alongside each Insert;
// whichever runs first wins and the other observes a miss.
type Table struct {
	mu      sync.Mutex
	entries map[uuid.UUID]net.Conn
}

// New creates an empty Table.
func New() *Table {
	return &Table{entries: make(map[uuid.UUID]net.Conn)}
}

// Insert records a visitor connection under a fresh ConnectionID.
func (t *Table) Insert(id uuid.UUID, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = conn
}

// Remove atomically removes and returns the connection for id, reporting
// whether it was still present.
func (t *Table) Remove(id uuid.UUID) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return conn, ok
}

// Len reports the number of entries currently awaiting handoff or
// eviction. Intended for diagnostics and tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
