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
	"fmt"

	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
)

// unstable holds the tail of the log (and, transiently, an incoming
// snapshot) that has not yet been handed to Storage by the driver.
// offset is the index of entries[0]; everything before offset lives
// in Storage.
type unstable struct {
	snapshot *pb.Snapshot
	entries  []pb.Entry
	offset   uint64
}

func (u *unstable) maybeFirstIndex() (uint64, bool) {
	if u.snapshot != nil {
		return u.snapshot.Metadata.Index + 1, true
	}
	return 0, false
}

func (u *unstable) maybeLastIndex() (uint64, bool) {
	if l := len(u.entries); l != 0 {
		return u.offset + uint64(l) - 1, true
	}
	if u.snapshot != nil {
		return u.snapshot.Metadata.Index, true
	}
	return 0, false
}

func (u *unstable) maybeTerm(i uint64) (uint64, bool) {
	if i < u.offset {
		if u.snapshot != nil && u.snapshot.Metadata.Index == i {
			return u.snapshot.Metadata.Term, true
		}
		return 0, false
	}
	last, ok := u.maybeLastIndex()
	if !ok || i > last {
		return 0, false
	}
	return u.entries[i-u.offset].Term, true
}

func (u *unstable) stableTo(i, t uint64) {
	gt, ok := u.maybeTerm(i)
	if !ok {
		return
	}
	if gt == t && i >= u.offset {
		u.entries = u.entries[i+1-u.offset:]
		u.offset = i + 1
	}
}

func (u *unstable) stableSnapTo(i uint64) {
	if u.snapshot != nil && u.snapshot.Metadata.Index == i {
		u.snapshot = nil
	}
}

func (u *unstable) restore(s pb.Snapshot) {
	u.offset = s.Metadata.Index + 1
	u.entries = nil
	u.snapshot = &s
}

func (u *unstable) truncateAndAppend(ents []pb.Entry) {
	fromIndex := ents[0].Index
	switch {
	case fromIndex == u.offset+uint64(len(u.entries)):
		u.entries = append(u.entries, ents...)
	case fromIndex <= u.offset:
		u.offset = fromIndex
		u.entries = ents
	default:
		u.entries = append([]pb.Entry{}, u.slice(u.offset, fromIndex)...)
		u.entries = append(u.entries, ents...)
	}
}

func (u *unstable) slice(lo, hi uint64) []pb.Entry {
	return u.entries[lo-u.offset : hi-u.offset]
}

// RaftLog owns the committed/applied bookkeeping and the boundary
// between durable (Storage) and not-yet-durable (unstable) entries.
// Every method is specified only by contract in spec §3; this
// implementation follows the standard single-writer Raft log design.
type RaftLog struct {
	storage Storage

	unstable unstable

	committed uint64
	applied   uint64

	// A Storage.Snapshot() call that fails with
	// ErrSnapshotTemporarilyUnavailable is not retried inside the core
	// in the same round; the next sendAppend call asks again.
}

func newLog(storage Storage) *RaftLog {
	if storage == nil {
		panic("storage must not be nil")
	}
	l := &RaftLog{storage: storage}
	firstIndex, err := storage.FirstIndex()
	if err != nil {
		panic(err)
	}
	lastIndex, err := storage.LastIndex()
	if err != nil {
		panic(err)
	}
	l.unstable.offset = lastIndex + 1
	l.committed = firstIndex - 1
	l.applied = firstIndex - 1
	return l
}

func (l *RaftLog) String() string {
	return fmt.Sprintf("committed=%d, applied=%d, unstable.offset=%d, len(unstable.Entries)=%d",
		l.committed, l.applied, l.unstable.offset, len(l.unstable.entries))
}

// maybeAppend implements the standard Raft AppendEntries acceptance
// check: if the log contains an entry at (prevIndex, prevTerm), the
// new entries are appended (truncating any conflicting tail) and
// commit is advanced to min(committed, lastNewIndex). Returns the
// resulting last new index and true, or (0, false) if the precondition
// entry is missing/mismatched.
func (l *RaftLog) maybeAppend(prevIndex, prevTerm, committed uint64, ents ...pb.Entry) (lastnewi uint64, ok bool) {
	if l.matchTerm(prevIndex, prevTerm) {
		lastnewi = prevIndex + uint64(len(ents))
		ci := l.findConflict(ents)
		switch {
		case ci == 0:
		case ci <= l.committed:
			panic(fmt.Sprintf("entry %d conflict with committed entry [committed(%d)]", ci, l.committed))
		default:
			offset := prevIndex + 1
			l.append(ents[ci-offset:]...)
		}
		l.commitTo(min(committed, lastnewi))
		return lastnewi, true
	}
	return 0, false
}

// append appends the given entries to the unstable tail, truncating
// any existing conflicting suffix, and returns the new last index.
func (l *RaftLog) append(ents ...pb.Entry) uint64 {
	if len(ents) == 0 {
		return l.LastIndex()
	}
	if after := ents[0].Index - 1; after < l.committed {
		panic(fmt.Sprintf("after(%d) is out of range [committed(%d)]", after, l.committed))
	}
	l.unstable.truncateAndAppend(ents)
	return l.LastIndex()
}

// findConflict returns the index of the first entry in ents that
// conflicts (same index, different term) with an entry already in the
// log. Without a conflict it returns the index of the first entry the
// log does not yet hold, or 0 if the log already holds every entry.
func (l *RaftLog) findConflict(ents []pb.Entry) uint64 {
	for _, ne := range ents {
		if !l.matchTerm(ne.Index, ne.Term) {
			return ne.Index
		}
	}
	return 0
}

func (l *RaftLog) unstableEntries() []pb.Entry {
	if len(l.unstable.entries) == 0 {
		return nil
	}
	return l.unstable.entries
}

// nextEnts returns all committed but not yet applied entries.
func (l *RaftLog) nextEnts() []pb.Entry {
	off := max(l.applied+1, l.firstIndex())
	if l.committed+1 > off {
		ents, err := l.slice(off, l.committed+1, 0)
		if err != nil {
			panic(fmt.Sprintf("unexpected error when getting unapplied entries (%v)", err))
		}
		return ents
	}
	return nil
}

func (l *RaftLog) hasNextEnts() bool {
	off := max(l.applied+1, l.firstIndex())
	return l.committed+1 > off
}

func (l *RaftLog) snapshot() (pb.Snapshot, error) {
	if l.unstable.snapshot != nil {
		return *l.unstable.snapshot, nil
	}
	return l.storage.Snapshot()
}

func (l *RaftLog) firstIndex() uint64 {
	if i, ok := l.unstable.maybeFirstIndex(); ok {
		return i
	}
	index, err := l.storage.FirstIndex()
	if err != nil {
		panic(err)
	}
	return index
}

// LastIndex returns the index of the last entry in the log.
func (l *RaftLog) LastIndex() uint64 {
	if i, ok := l.unstable.maybeLastIndex(); ok {
		return i
	}
	index, err := l.storage.LastIndex()
	if err != nil {
		panic(err)
	}
	return index
}

func (l *RaftLog) commitTo(toCommit uint64) {
	if l.committed < toCommit {
		if l.LastIndex() < toCommit {
			panic(fmt.Sprintf("tocommit(%d) is out of range [lastIndex(%d)]. Was the raft log corrupted, truncated, or lost?", toCommit, l.LastIndex()))
		}
		l.committed = toCommit
	}
}

func (l *RaftLog) appliedTo(i uint64) {
	if i == 0 {
		return
	}
	if l.committed < i || i < l.applied {
		panic(fmt.Sprintf("applied(%d) is out of range [prevApplied(%d), committed(%d)]", i, l.applied, l.committed))
	}
	l.applied = i
}

func (l *RaftLog) stableTo(i, t uint64) { l.unstable.stableTo(i, t) }

func (l *RaftLog) stableSnapTo(i uint64) { l.unstable.stableSnapTo(i) }

func (l *RaftLog) lastTerm() uint64 {
	t, err := l.Term(l.LastIndex())
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting the last term (%v)", err))
	}
	return t
}

// Term returns the term of the entry at index i.
func (l *RaftLog) Term(i uint64) (uint64, error) {
	dummyIndex := l.firstIndex() - 1
	if i < dummyIndex || i > l.LastIndex() {
		return 0, nil
	}
	if t, ok := l.unstable.maybeTerm(i); ok {
		return t, nil
	}
	t, err := l.storage.Term(i)
	if err == nil {
		return t, nil
	}
	if err == ErrCompacted || err == ErrUnavailable {
		return 0, err
	}
	panic(err)
}

// Entries returns entries starting at lo up to maxSize bytes.
func (l *RaftLog) Entries(lo, maxSize uint64) ([]pb.Entry, error) {
	if lo > l.LastIndex() {
		return nil, nil
	}
	return l.slice(lo, l.LastIndex()+1, maxSize)
}

// allEntries returns every entry not yet compacted, for tests.
func (l *RaftLog) allEntries() []pb.Entry {
	ents, err := l.Entries(l.firstIndex(), noLimit)
	if err == nil {
		return ents
	}
	if err == ErrCompacted {
		return l.allEntries()
	}
	panic(err)
}

const noLimit = ^uint64(0)

// isUpToDate implements the Raft §5.4.1 log-completeness check: a
// candidate with (lastTerm, lastIndex) is at least as up-to-date as
// this log if its last term is higher, or the terms are equal and its
// last index is at least as large.
func (l *RaftLog) isUpToDate(lasti, term uint64) bool {
	return term > l.lastTerm() || (term == l.lastTerm() && lasti >= l.LastIndex())
}

func (l *RaftLog) matchTerm(i, term uint64) bool {
	t, err := l.Term(i)
	if err != nil {
		return false
	}
	return t == term
}

// maybeCommit advances commit to maxIndex iff the entry at that index
// is from the given (current leader) term — the Raft §5.4.2 rule that
// a leader may only commit entries from its own term directly.
func (l *RaftLog) maybeCommit(maxIndex, term uint64) bool {
	if maxIndex > l.committed && l.zeroTermOnRangeErr(l.Term(maxIndex)) == term {
		l.commitTo(maxIndex)
		return true
	}
	return false
}

func (l *RaftLog) zeroTermOnRangeErr(t uint64, err error) uint64 {
	if err == nil {
		return t
	}
	if err == ErrCompacted || err == ErrUnavailable {
		return 0
	}
	panic(err)
}

// restore replaces the log wholesale with the given snapshot.
func (l *RaftLog) restore(s pb.Snapshot) {
	l.committed = s.Metadata.Index
	l.unstable.restore(s)
}

// slice returns entries in [lo, hi), bounded by maxSize bytes.
func (l *RaftLog) slice(lo, hi, maxSize uint64) ([]pb.Entry, error) {
	if err := l.mustCheckOutOfBounds(lo, hi); err != nil {
		return nil, err
	}
	if lo == hi {
		return nil, nil
	}
	var ents []pb.Entry
	if lo < l.unstable.offset {
		storedEnts, err := l.storage.Entries(lo, min(hi, l.unstable.offset), maxSize)
		if err == ErrCompacted {
			return nil, err
		} else if err == ErrUnavailable {
			panic(fmt.Sprintf("entries[%d:%d) is unavailable from storage", lo, min(hi, l.unstable.offset)))
		} else if err != nil {
			panic(err)
		}
		if uint64(len(storedEnts)) < min(hi, l.unstable.offset)-lo {
			return storedEnts, nil
		}
		ents = storedEnts
	}
	if hi > l.unstable.offset {
		unstable := l.unstable.slice(max(lo, l.unstable.offset), hi)
		if len(ents) > 0 {
			combined := make([]pb.Entry, 0, len(ents)+len(unstable))
			combined = append(combined, ents...)
			combined = append(combined, unstable...)
			ents = combined
		} else {
			ents = unstable
		}
	}
	return limitSize(ents, maxSize), nil
}

func (l *RaftLog) mustCheckOutOfBounds(lo, hi uint64) error {
	if lo > hi {
		panic(fmt.Sprintf("invalid slice %d > %d", lo, hi))
	}
	fi := l.firstIndex()
	if lo < fi {
		return ErrCompacted
	}
	length := l.LastIndex() + 1 - fi
	if hi > fi+length {
		panic(fmt.Sprintf("slice[%d,%d) out of bound [%d,%d]", lo, hi, fi, l.LastIndex()))
	}
	return nil
}
