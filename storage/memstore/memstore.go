// Package memstore provides a non-durable raft.Storage for tests and
// single-process demos that don't need state to survive a restart.
// It intentionally carries no third-party dependency: an in-memory
// ring of entries is exactly what raft.MemoryStorage already is, and
// wrapping it in a key/value engine would only cost allocations for
// no durability benefit (see DESIGN.md).
package memstore

import (
	"github.com/pingcap-incubator/tinyraft/raft"
)

// New returns an empty, non-durable raft.Storage.
func New() *raft.MemoryStorage {
	return raft.NewMemoryStorage()
}
