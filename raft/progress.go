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
	"sort"

	"github.com/google/btree"
)

// ProgressStateType describes how a leader is replicating to a given
// peer.
type ProgressStateType uint64

const (
	// ProgressStateProbe sends at most one append at a time and waits
	// for a response before sending the next. Used right after a
	// peer's progress is unknown (just added, or append rejected).
	ProgressStateProbe ProgressStateType = iota
	// ProgressStateReplicate pipelines appends, tracking outstanding
	// batches in Inflights so commit index can advance optimistically.
	ProgressStateReplicate
	// ProgressStateSnapshot means a snapshot is in flight to this peer;
	// no further appends are sent until it completes.
	ProgressStateSnapshot
)

var prstmap = [...]string{"StateProbe", "StateReplicate", "StateSnapshot"}

func (s ProgressStateType) String() string { return prstmap[s] }

// Inflights is a bounded ring buffer of in-flight append-message last
// indexes, used in ProgressStateReplicate to cap how far ahead of the
// peer's acknowledgements the leader will pipeline.
type Inflights struct {
	start int
	count int

	size int
	buf  []uint64
}

// NewInflights returns an Inflights that will hold at most size
// in-flight messages.
func NewInflights(size int) *Inflights {
	return &Inflights{size: size}
}

// Add records that a new inflight message with the given last index
// was sent.
func (in *Inflights) Add(inflight uint64) {
	if in.Full() {
		panic("cannot add into a full inflights")
	}
	next := in.start + in.count
	size := in.size
	if next >= size {
		next -= size
	}
	if next >= len(in.buf) {
		in.grow()
	}
	in.buf[next] = inflight
	in.count++
}

func (in *Inflights) grow() {
	newSize := len(in.buf) * 2
	if newSize == 0 {
		newSize = 1
	} else if newSize > in.size {
		newSize = in.size
	}
	newBuf := make([]uint64, newSize)
	copy(newBuf, in.buf)
	in.buf = newBuf
}

// FreeLE frees the inflights smaller than or equal to the given
// index, i.e. it releases every inflight batch that has now been
// acknowledged.
func (in *Inflights) FreeLE(to uint64) {
	if in.count == 0 || to < in.buf[in.start] {
		return
	}

	idx := in.start
	i := 0
	for ; i < in.count; i++ {
		if to < in.buf[idx] {
			break
		}
		size := in.size
		idx++
		if idx >= size {
			idx -= size
		}
	}
	in.count -= i
	in.start = idx
	if in.count == 0 {
		in.start = 0
	}
}

// FreeFirstOne releases the first (oldest) inflight batch.
func (in *Inflights) FreeFirstOne() {
	if in.count == 0 {
		return
	}
	in.FreeLE(in.buf[in.start])
}

// Full returns true if no more messages may be sent at this moment.
func (in *Inflights) Full() bool { return in.count == in.size }

// Reset frees all inflights.
func (in *Inflights) Reset() {
	in.count = 0
	in.start = 0
}

// Progress represents a follower's progress in the view of the
// leader: what has been matched, what to send next, and the
// replication mode (probe / pipeline / snapshot) currently in use.
type Progress struct {
	Match, Next uint64
	State       ProgressStateType

	// PendingSnapshot is set when State == ProgressStateSnapshot to the
	// index of the snapshot being sent; it lets the leader tell a
	// newer snapshot from a stale AppendResponse once one arrives.
	PendingSnapshot uint64

	// RecentActive is true if this peer has replied to the leader in
	// the current check-quorum window. Reset by check_quorum_active.
	RecentActive bool

	// ProbeSent, when true in ProgressStateProbe, marks that a
	// message has already gone out this round; send_append must pause
	// until the peer responds.
	ProbeSent bool

	// Inflights tracks pipelined append batches awaiting ack while in
	// ProgressStateReplicate.
	Inflights *Inflights

	// IsLearner is true if this peer replicates but does not vote.
	IsLearner bool
}

func (pr *Progress) resetState(state ProgressStateType) {
	pr.ProbeSent = false
	pr.PendingSnapshot = 0
	pr.State = state
	pr.Inflights.Reset()
}

// BecomeProbe transitions to ProgressStateProbe. Coming from
// ProgressStateSnapshot, Next resumes just past whatever the snapshot
// covered (or Match+1 if nothing was recorded) so the leader retries
// with a normal append rather than re-sending the whole snapshot.
func (pr *Progress) BecomeProbe() {
	if pr.State == ProgressStateSnapshot {
		pendingSnapshot := pr.PendingSnapshot
		pr.resetState(ProgressStateProbe)
		pr.Next = max(pr.Match+1, pendingSnapshot+1)
	} else {
		pr.resetState(ProgressStateProbe)
		pr.Next = pr.Match + 1
	}
}

// BecomeReplicate transitions to ProgressStateReplicate and resumes
// pipelining from Match+1.
func (pr *Progress) BecomeReplicate() {
	pr.resetState(ProgressStateReplicate)
	pr.Next = pr.Match + 1
}

// BecomeSnapshot transitions to ProgressStateSnapshot, recording which
// snapshot index is outstanding.
func (pr *Progress) BecomeSnapshot(snapshoti uint64) {
	pr.resetState(ProgressStateSnapshot)
	pr.PendingSnapshot = snapshoti
}

// MaybeUpdate reports whether entries up to n are now known
// replicated, advancing Match/Next if so.
func (pr *Progress) MaybeUpdate(n uint64) bool {
	var updated bool
	if pr.Match < n {
		pr.Match = n
		updated = true
		pr.ProbeSent = false
	}
	if pr.Next < n+1 {
		pr.Next = n + 1
	}
	return updated
}

// OptimisticUpdate optimistically advances Next past a batch that was
// just sent in ProgressStateReplicate, before any ack arrives.
func (pr *Progress) OptimisticUpdate(n uint64) { pr.Next = n + 1 }

// MaybeDecrTo adjusts Next downward after a rejected append. rejected
// is the index the follower rejected at; last is the rejecting
// follower's RejectHint: the highest index at or below the rejected one
// (and its own last index) whose term is not newer than the probe's log
// term (see Raft.findConflictByTerm). Returns false if the rejection is
// stale and should be ignored.
func (pr *Progress) MaybeDecrTo(rejected, last uint64) bool {
	if pr.State == ProgressStateReplicate {
		if rejected <= pr.Match {
			return false
		}
		pr.Next = pr.Match + 1
		return true
	}

	if pr.Next-1 != rejected {
		return false
	}

	if pr.Next = min(rejected, last+1); pr.Next < 1 {
		pr.Next = 1
	}
	pr.ProbeSent = false
	return true
}

// IsPaused reports whether send_append should skip this peer this
// round: one outstanding probe, or a full pipeline, or an in-flight
// snapshot all pause sending.
func (pr *Progress) IsPaused() bool {
	switch pr.State {
	case ProgressStateProbe:
		return pr.ProbeSent
	case ProgressStateReplicate:
		return pr.Inflights.Full()
	default:
		return true
	}
}

// SnapshotFailure is called when an MsgSnapStatus reports failure so
// the next send_append retries instead of assuming the snapshot is
// still on its way.
func (pr *Progress) SnapshotFailure() { pr.PendingSnapshot = 0 }

// SnapshotUntilFresh returns true if the given index supersedes
// whatever snapshot this progress is currently waiting on.
func (pr *Progress) SnapshotUntilFresh(snapshoti uint64) bool {
	return pr.State == ProgressStateSnapshot && pr.PendingSnapshot < snapshoti
}

func (pr *Progress) String() string {
	return fmt.Sprintf("next = %d, match = %d, state = %s, waiting = %v, pendingSnapshot = %d",
		pr.Next, pr.Match, pr.State, pr.IsPaused(), pr.PendingSnapshot)
}

// --- ProgressSet: per-peer progress plus the active configuration(s) ---

// idSet is a btree.BTree of peer ids, giving deterministic sorted
// iteration for quorum computation and membership diffs without
// needing to sort a map's keys on every call.
type idSet struct {
	t *btree.BTree
}

type idItem uint64

func (a idItem) Less(than btree.Item) bool { return a < than.(idItem) }

func newIDSet(ids ...uint64) *idSet {
	s := &idSet{t: btree.New(8)}
	for _, id := range ids {
		s.t.ReplaceOrInsert(idItem(id))
	}
	return s
}

func (s *idSet) add(id uint64)    { s.t.ReplaceOrInsert(idItem(id)) }
func (s *idSet) remove(id uint64) { s.t.Delete(idItem(id)) }
func (s *idSet) has(id uint64) bool {
	return s.t.Get(idItem(id)) != nil
}
func (s *idSet) len() int { return s.t.Len() }

func (s *idSet) ids() []uint64 {
	ids := make([]uint64, 0, s.t.Len())
	s.t.Ascend(func(i btree.Item) bool {
		ids = append(ids, uint64(i.(idItem)))
		return true
	})
	return ids
}

func (s *idSet) clone() *idSet {
	c := newIDSet()
	for _, id := range s.ids() {
		c.add(id)
	}
	return c
}

// ProgressSet is the leader-only bookkeeping of per-peer Progress plus
// the voter/learner configuration(s) quorum predicates evaluate
// against. While a joint membership change is pending, both the
// primary and secondary configurations are active and every quorum
// check must pass in both independently.
type ProgressSet struct {
	progress map[uint64]*Progress

	voters   *idSet
	learners *idSet

	// joint, when non-nil, is the second (incoming) voter set active
	// during a membership change; nil outside joint consensus.
	jointVoters   *idSet
	jointLearners *idSet
}

func newProgressSet() *ProgressSet {
	return &ProgressSet{
		progress: make(map[uint64]*Progress),
		voters:   newIDSet(),
		learners: newIDSet(),
	}
}

func (ps *ProgressSet) inJointConsensus() bool { return ps.jointVoters != nil }

func (ps *ProgressSet) get(id uint64) *Progress { return ps.progress[id] }

func (ps *ProgressSet) exists(id uint64) bool {
	_, ok := ps.progress[id]
	return ok
}

func (ps *ProgressSet) isVoter(id uint64) bool {
	if ps.voters.has(id) {
		return true
	}
	return ps.jointVoters != nil && ps.jointVoters.has(id)
}

func (ps *ProgressSet) isLearner(id uint64) bool {
	if ps.learners.has(id) {
		return true
	}
	return ps.jointLearners != nil && ps.jointLearners.has(id)
}

// voterIDs returns every id that votes in at least one active
// configuration (used for iterating "every voter" when not in joint
// consensus, e.g. to send campaign messages).
func (ps *ProgressSet) voterIDs() []uint64 {
	set := ps.voters.clone()
	if ps.jointVoters != nil {
		for _, id := range ps.jointVoters.ids() {
			set.add(id)
		}
	}
	return set.ids()
}

func (ps *ProgressSet) allIDs() []uint64 {
	ids := make([]uint64, 0, len(ps.progress))
	for id := range ps.progress {
		ids = append(ids, id)
	}
	sort.Sort(uint64Slice(ids))
	return ids
}

func (ps *ProgressSet) createProgress(id uint64, match, next uint64, inflight int, isLearner bool) {
	ps.progress[id] = &Progress{
		Next:      next,
		Match:     match,
		Inflights: NewInflights(inflight),
		IsLearner: isLearner,
	}
}

func (ps *ProgressSet) removeProgress(id uint64) {
	delete(ps.progress, id)
	ps.voters.remove(id)
	ps.learners.remove(id)
	if ps.jointVoters != nil {
		ps.jointVoters.remove(id)
	}
	if ps.jointLearners != nil {
		ps.jointLearners.remove(id)
	}
}

// quorumOf reports whether ids holds a strict majority of voters,
// given the acceptance predicate granted.
func quorumOf(voters *idSet, granted func(id uint64) bool) bool {
	n := voters.len()
	if n == 0 {
		return false
	}
	count := 0
	for _, id := range voters.ids() {
		if granted(id) {
			count++
		}
	}
	return count >= n/2+1
}

// hasQuorum reports whether granted holds in every active
// configuration (both primary and, if present, joint).
func (ps *ProgressSet) hasQuorum(granted func(id uint64) bool) bool {
	if !quorumOf(ps.voters, granted) {
		return false
	}
	if ps.jointVoters != nil && !quorumOf(ps.jointVoters, granted) {
		return false
	}
	return true
}

// hasRejectedQuorum reports whether a strict majority rejected in at
// least one active configuration (enough to make the outcome certain
// either way).
func rejectedQuorumOf(voters *idSet, rejected func(id uint64) bool) bool {
	n := voters.len()
	if n == 0 {
		return false
	}
	count := 0
	for _, id := range voters.ids() {
		if rejected(id) {
			count++
		}
	}
	return count >= n/2+1
}

func (ps *ProgressSet) hasRejectedQuorum(rejected func(id uint64) bool) bool {
	if rejectedQuorumOf(ps.voters, rejected) {
		return true
	}
	if ps.jointVoters != nil && rejectedQuorumOf(ps.jointVoters, rejected) {
		return true
	}
	return false
}

// committedIndex computes the highest index replicated on a quorum of
// every active voter configuration.
func (ps *ProgressSet) committedIndex() uint64 {
	c1 := quorumMatchIndex(ps.voters, ps.progress)
	if ps.jointVoters == nil {
		return c1
	}
	c2 := quorumMatchIndex(ps.jointVoters, ps.progress)
	return min(c1, c2)
}

func quorumMatchIndex(voters *idSet, progress map[uint64]*Progress) uint64 {
	ids := voters.ids()
	if len(ids) == 0 {
		return 0
	}
	matches := make(uint64Slice, len(ids))
	for i, id := range ids {
		if pr, ok := progress[id]; ok {
			matches[i] = pr.Match
		}
	}
	sort.Sort(matches)
	return matches[len(matches)-(len(matches)/2+1)]
}

// forEach iterates over every tracked peer (voters and learners, both
// configurations) in stable, sorted order.
func (ps *ProgressSet) forEach(f func(id uint64, pr *Progress)) {
	for _, id := range ps.allIDs() {
		f(id, ps.progress[id])
	}
}

// resetAll reinitializes every tracked peer's progress to
// (Match=0, Next=lastIndex+1), except self whose Match is set to
// lastIndex — called from Raft.reset on every local role change.
func (ps *ProgressSet) resetAll(selfID, lastIndex uint64, maxInflight int) {
	for id, pr := range ps.progress {
		inflight := pr.Inflights.size
		if inflight == 0 {
			inflight = maxInflight
		}
		isLearner := pr.IsLearner
		*pr = Progress{Next: lastIndex + 1, Inflights: NewInflights(inflight), IsLearner: isLearner}
		if id == selfID {
			pr.Match = lastIndex
		}
	}
}

func (ps *ProgressSet) clearRecentActive() {
	for _, pr := range ps.progress {
		pr.RecentActive = false
	}
}
