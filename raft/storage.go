// Copyright 2015 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package raft

import (
	"sync"

	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
)

// InitialState is what a Storage provider hands back on newRaft: the
// persisted hard state, the active configuration, and — if a
// membership change was mid-flight when the node last stopped — the
// pending joint configuration and the index it started at.
type InitialState struct {
	HardState                    pb.HardState
	ConfState                    pb.ConfState
	PendingMembershipChange      *pb.ConfChangeV2
	PendingMembershipChangeIndex uint64
}

// Storage is the read-only collaborator the core consults for
// committed, compacted log state. Durable writes of hard state, newly
// appended entries and snapshots are entirely the driver's
// responsibility; the core never calls a mutating method here.
type Storage interface {
	// InitialState returns the saved state of the raft state machine
	// (used to restart after a crash) and a possible in-flight
	// membership change.
	InitialState() (InitialState, error)
	// Entries returns a slice of log entries in [lo, hi), bounded by
	// maxSize bytes. maxSize == 0 means unbounded.
	Entries(lo, hi, maxSize uint64) ([]pb.Entry, error)
	// Term returns the term of entry i, which must be in
	// [FirstIndex()-1, LastIndex()].
	Term(i uint64) (uint64, error)
	// FirstIndex returns the index of the first possibly available
	// entry (older entries have been compacted into a snapshot).
	FirstIndex() (uint64, error)
	// LastIndex returns the index of the last entry in the log.
	LastIndex() (uint64, error)
	// Snapshot returns the most recent snapshot. Implementations are
	// allowed to return ErrSnapshotTemporarilyUnavailable while one is
	// being generated in the background; any other error is fatal.
	Snapshot() (pb.Snapshot, error)
}

// MemoryStorage is a thread-safe, in-memory Storage used by tests and
// by drivers that do not need durability across restarts. entries[i]
// holds the entry at index i+entries[0].Index; entries[0] is always a
// dummy placeholder whose Index/Term match the last compaction point.
type MemoryStorage struct {
	mu sync.Mutex

	hardState pb.HardState
	snapshot  pb.Snapshot
	entries   []pb.Entry

	pendingMembershipChange      *pb.ConfChangeV2
	pendingMembershipChangeIndex uint64
}

// NewMemoryStorage creates an empty MemoryStorage seeded with a single
// dummy entry at index 0.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries:  make([]pb.Entry, 1),
		snapshot: pb.Snapshot{Metadata: &pb.SnapshotMetadata{}},
	}
}

func (ms *MemoryStorage) InitialState() (InitialState, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var cs pb.ConfState
	if ms.snapshot.Metadata != nil && ms.snapshot.Metadata.ConfState != nil {
		cs = *ms.snapshot.Metadata.ConfState
	}
	return InitialState{
		HardState:                    ms.hardState,
		ConfState:                    cs,
		PendingMembershipChange:      ms.pendingMembershipChange,
		PendingMembershipChangeIndex: ms.pendingMembershipChangeIndex,
	}, nil
}

// SetConfState installs the initial configuration for a freshly
// bootstrapped cluster (no snapshot yet).
func (ms *MemoryStorage) SetConfState(cs pb.ConfState) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.snapshot.Metadata.ConfState = &cs
}

// SetHardState saves the current HardState. It is the driver's job to
// call this before shipping any message that depends on it.
func (ms *MemoryStorage) SetHardState(st pb.HardState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.hardState = st
	return nil
}

func (ms *MemoryStorage) firstIndex() uint64 {
	return ms.entries[0].Index + 1
}

func (ms *MemoryStorage) lastIndex() uint64 {
	return ms.entries[0].Index + uint64(len(ms.entries)) - 1
}

func (ms *MemoryStorage) FirstIndex() (uint64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.firstIndex(), nil
}

func (ms *MemoryStorage) LastIndex() (uint64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastIndex(), nil
}

func (ms *MemoryStorage) Term(i uint64) (uint64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	offset := ms.entries[0].Index
	if i < offset {
		return 0, ErrCompacted
	}
	if int(i-offset) >= len(ms.entries) {
		return 0, ErrUnavailable
	}
	return ms.entries[i-offset].Term, nil
}

func (ms *MemoryStorage) Entries(lo, hi, maxSize uint64) ([]pb.Entry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	offset := ms.entries[0].Index
	if lo <= offset {
		return nil, ErrCompacted
	}
	if hi > ms.lastIndex()+1 {
		panic("entries' hi is out of bound")
	}
	if len(ms.entries) == 1 {
		return nil, ErrUnavailable
	}
	ents := ms.entries[lo-offset : hi-offset]
	return limitSize(append([]pb.Entry{}, ents...), maxSize), nil
}

func (ms *MemoryStorage) Snapshot() (pb.Snapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.snapshot, nil
}

// ApplySnapshot overwrites the log with the given snapshot.
func (ms *MemoryStorage) ApplySnapshot(snap pb.Snapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	msIndex := ms.snapshot.Metadata.Index
	snapIndex := snap.Metadata.Index
	if msIndex >= snapIndex {
		return ErrSnapOutOfDate
	}
	ms.snapshot = snap
	ms.entries = []pb.Entry{{Term: snap.Metadata.Term, Index: snap.Metadata.Index}}
	ms.pendingMembershipChange = snap.Metadata.PendingMembershipChange
	ms.pendingMembershipChangeIndex = snap.Metadata.PendingMembershipChangeIndex
	return nil
}

// Compact discards all log entries up to and including i; entry i
// becomes the new compaction point, of which only the index and term
// are kept.
func (ms *MemoryStorage) Compact(i uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	offset := ms.entries[0].Index
	if i <= offset {
		return ErrCompacted
	}
	if i > ms.lastIndex() {
		panic("compact index is out of bound")
	}
	n := i - offset
	ents := make([]pb.Entry, 1, 1+uint64(len(ms.entries))-n)
	ents[0].Index = ms.entries[n].Index
	ents[0].Term = ms.entries[n].Term
	ents = append(ents, ms.entries[n+1:]...)
	ms.entries = ents
	return nil
}

// Append appends the new entries to storage, truncating any
// conflicting tail first.
func (ms *MemoryStorage) Append(entries []pb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	first := ms.firstIndex()
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		return nil
	}
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}

	offset := entries[0].Index - ms.entries[0].Index
	switch {
	case uint64(len(ms.entries)) > offset:
		ms.entries = append([]pb.Entry{}, ms.entries[:offset]...)
		ms.entries = append(ms.entries, entries...)
	case uint64(len(ms.entries)) == offset:
		ms.entries = append(ms.entries, entries...)
	default:
		panic("missing log entry")
	}
	return nil
}
