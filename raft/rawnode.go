package raft

import (
	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
)

// Ready packages everything a driver must persist and ship after a
// batch of Tick/Step/Propose calls, mirroring the teacher's
// RaftGroup.Ready()/HandleRaftReady cycle (kv/raftstore/peer.go). The
// core never performs these side effects itself; RawNode only
// collects what already accumulated inside Raft.
type Ready struct {
	// SoftState is nil unless it changed since the last Ready.
	*SoftState

	// HardState, if non-empty, must be persisted before the
	// accompanying Messages are sent.
	pb.HardState

	// ReadStates holds ReadIndex results confirmed since the last
	// Ready; the caller drains these to answer waiting local readers.
	ReadStates []ReadState

	// Entries holds newly appended, not-yet-stable log entries that
	// must be written to stable storage before Messages are sent.
	Entries []pb.Entry

	// Snapshot, if non-empty, must be applied to the state machine and
	// saved to stable storage.
	Snapshot pb.Snapshot

	// CommittedEntries holds entries that are committed and safe to
	// apply to the state machine. Advance records the last entry of
	// this slice as applied (through AppliedTo); conf-change entries
	// must also be passed to ApplyConfChange once applied.
	CommittedEntries []pb.Entry

	// Messages holds outbound messages to be sent to other peers.
	// These must only be sent after Entries and HardState are durable
	// (and, if Snapshot is non-empty, after it has been applied).
	Messages []pb.Message
}

func isLocalMsgType(t pb.MessageType) bool { return isLocalMsg(t) }

// RawNode wraps a Raft core behind a Ready/Advance cycle, the way a
// driver actually consumes it: Tick/Step/Propose accumulate state
// inside the core without any side effect, Ready() snapshots what
// changed, and Advance() tells the core that snapshot has been fully
// handled (persisted, sent, applied) so it can resume accumulating.
//
// RawNode itself still performs no I/O and spawns no goroutines; it
// only bridges the pure core to whatever loop a driver runs it in.
type RawNode struct {
	Raft *Raft

	prevSoftSt *SoftState
	prevHardSt pb.HardState
}

// NewRawNode wraps a freshly constructed Raft in config.
func NewRawNode(config *Config) (*RawNode, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	r := newRaft(config)
	rn := &RawNode{Raft: r}
	rn.prevSoftSt = r.softState()
	rn.prevHardSt = r.hardState()
	return rn, nil
}

// Tick advances the internal logical clock by a single tick.
func (rn *RawNode) Tick() { rn.Raft.tick() }

// Campaign causes this node to transition to candidate state (or
// pre-candidate, if PreVote is enabled) and begin an election.
func (rn *RawNode) Campaign() error {
	return rn.Raft.Step(pb.Message{MsgType: pb.MessageType_MsgHup})
}

// Propose proposes data be appended to the log.
func (rn *RawNode) Propose(data []byte) error {
	return rn.Raft.Step(pb.Message{
		MsgType: pb.MessageType_MsgPropose,
		From:    rn.Raft.id,
		Entries: []*pb.Entry{{Data: data}},
	})
}

// ProposeConfChange proposes a joint-consensus membership change to
// the given target configuration.
func (rn *RawNode) ProposeConfChange(cs pb.ConfState) error {
	return rn.Raft.proposeMembershipChange(cs)
}

// ApplyConfChange tells the core that a conf-change entry has been
// applied to the state machine, triggering the begin/finalize
// transition that entry names.
func (rn *RawNode) ApplyConfChange(ent pb.Entry) error {
	return rn.Raft.ApplyConfChangeEntry(ent)
}

// TransferLeader attempts to transfer leadership to the given peer.
func (rn *RawNode) TransferLeader(transferee uint64) error {
	return rn.Raft.Step(pb.Message{MsgType: pb.MessageType_MsgTransferLeader, From: transferee})
}

// ReadIndex requests a linearizable read confirmed against rctx.
func (rn *RawNode) ReadIndex(rctx []byte) error {
	return rn.Raft.Step(pb.Message{MsgType: pb.MessageType_MsgReadIndex, Context: rctx})
}

// Step advances the state machine using the given message, rejecting
// messages a remote caller has no business injecting: local-only
// message types, and response messages from a peer the configuration
// doesn't know about.
func (rn *RawNode) Step(m pb.Message) error {
	if isLocalMsgType(m.MsgType) {
		return ErrStepLocalMsg
	}
	if isResponseMsg(m.MsgType) && !rn.Raft.prs.exists(m.From) {
		return ErrStepPeerNotFound
	}
	return rn.Raft.Step(m)
}

// AppliedTo tells the core that entries up to and including i have
// been applied to the state machine, advancing the applied index and,
// if due, appending the Finalize entry of a pending membership change.
func (rn *RawNode) AppliedTo(i uint64) { rn.Raft.AppliedTo(i) }

// HasReady reports whether there is state or messages worth
// collecting into a Ready: a changed SoftState/HardState, new
// unstable entries, a pending snapshot, newly committed entries to
// apply, confirmed read states, or outbound messages.
func (rn *RawNode) HasReady() bool {
	r := rn.Raft
	if softSt := r.softState(); !softSt.equal(rn.prevSoftSt) {
		return true
	}
	if hardSt := r.hardState(); !IsEmptyHardState(hardSt) && !isHardStateEqual(hardSt, rn.prevHardSt) {
		return true
	}
	if len(r.RaftLog.unstableEntries()) > 0 {
		return true
	}
	if snap, err := r.RaftLog.snapshot(); err == nil && !IsEmptySnap(&snap) {
		return true
	}
	if len(r.msgs) > 0 || len(r.readStates) > 0 {
		return true
	}
	if r.RaftLog.hasNextEnts() {
		return true
	}
	return false
}

// Ready collects everything that accumulated in the core since the
// last Ready call and clears the core's outbound message and read-state
// buffers. The SoftState/HardState comparison baselines only move in
// Advance, so callers must eventually call Advance with the returned
// Ready once they've finished acting on it.
func (rn *RawNode) Ready() Ready {
	r := rn.Raft
	rd := Ready{
		Entries:          r.RaftLog.unstableEntries(),
		CommittedEntries: r.RaftLog.nextEnts(),
		Messages:         r.msgs,
		ReadStates:       r.readStates,
	}
	if softSt := r.softState(); !softSt.equal(rn.prevSoftSt) {
		rd.SoftState = softSt
	}
	if hardSt := r.hardState(); !isHardStateEqual(hardSt, rn.prevHardSt) {
		rd.HardState = hardSt
	}
	if snap, err := r.RaftLog.snapshot(); err == nil && !IsEmptySnap(&snap) {
		rd.Snapshot = snap
	}
	r.msgs = nil
	r.readStates = nil
	return rd
}

// Advance notifies RawNode that the application has applied and
// saved progress from the last Ready results, so the core can resume
// accumulating new state. Callers must pass the identical Ready value
// they obtained from the preceding Ready() call.
func (rn *RawNode) Advance(rd Ready) {
	r := rn.Raft
	if rd.SoftState != nil {
		rn.prevSoftSt = rd.SoftState
	}
	if !IsEmptyHardState(rd.HardState) {
		rn.prevHardSt = rd.HardState
	}
	if len(rd.Entries) > 0 {
		e := rd.Entries[len(rd.Entries)-1]
		r.RaftLog.stableTo(e.Index, e.Term)
	}
	if !IsEmptySnap(&rd.Snapshot) {
		r.RaftLog.stableSnapTo(rd.Snapshot.Metadata.Index)
	}
	if len(rd.CommittedEntries) > 0 {
		newApplied := rd.CommittedEntries[len(rd.CommittedEntries)-1].Index
		r.AppliedTo(newApplied)
	}
}

// Status is a point-in-time snapshot of the core's externally visible
// state, for diagnostics and the health reporter in the outer driver.
type Status struct {
	ID    uint64
	Term  uint64
	Vote  uint64
	State StateType
	Lead  uint64

	Applied  uint64
	Commit   uint64
	LastIdx  uint64
}

// Status reports a snapshot of the wrapped core's current state.
func (rn *RawNode) Status() Status {
	r := rn.Raft
	return Status{
		ID:      r.id,
		Term:    r.Term,
		Vote:    r.Vote,
		State:   r.State,
		Lead:    r.Lead,
		Applied: r.RaftLog.applied,
		Commit:  r.RaftLog.committed,
		LastIdx: r.RaftLog.LastIndex(),
	}
}
