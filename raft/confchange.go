package raft

import (
	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
)

// pendingMembershipChange records that this node's ProgressSet is
// currently in joint consensus, and where the BeginMembershipChange
// entry that started it lives — so a leader knows when applied_index
// has caught up enough to append the matching Finalize.
type pendingMembershipChange struct {
	startIndex uint64
}

func validateConfState(cs *pb.ConfState) error {
	if cs == nil || len(cs.Nodes) == 0 {
		return ErrViolatesContract
	}
	voters := make(map[uint64]bool, len(cs.Nodes))
	for _, id := range cs.Nodes {
		if id == None {
			return ErrViolatesContract
		}
		voters[id] = true
	}
	for _, id := range cs.LearnerNodes {
		if voters[id] {
			return ErrViolatesContract
		}
	}
	return nil
}

// beginMembershipChange installs cs as the secondary (incoming)
// configuration, creates Progress for any new peer, and records the
// pending change. It runs when a BeginMembershipChange entry is
// applied (ApplyConfChangeEntry) and when a pending change is recovered
// from Storage.InitialState or an installed snapshot; appending the
// entry does not call it.
func (r *Raft) beginMembershipChange(cc *pb.ConfChangeV2, startIndex uint64) error {
	if err := validateConfState(cc.Configuration); err != nil {
		return err
	}
	ps := r.prs

	jointVoters := newIDSet(cc.Configuration.Nodes...)
	jointLearners := newIDSet(cc.Configuration.LearnerNodes...)
	ps.jointVoters = jointVoters
	ps.jointLearners = jointLearners

	lastIndex := r.RaftLog.LastIndex()
	for _, id := range cc.Configuration.Nodes {
		if !ps.exists(id) {
			ps.createProgress(id, 0, lastIndex+1, r.maxInflight, false)
		}
	}
	for _, id := range cc.Configuration.LearnerNodes {
		if !ps.exists(id) {
			ps.createProgress(id, 0, lastIndex+1, r.maxInflight, true)
		}
	}

	r.pendingMembership = &pendingMembershipChange{startIndex: startIndex}
	r.membershipChangeBegun = true
	if r.PendingConfIndex < startIndex {
		r.PendingConfIndex = startIndex
	}
	return nil
}

// finalizeMembershipChange collapses the ProgressSet down to the
// (now sole) configuration that was joint-secondary, dropping any
// peer that configuration no longer names. Re-finalizing an already
// finalized change is a no-op (the round-trip law in spec §8); but a
// Finalize with no Begin ever observed is a contract violation and
// reports ErrNoPendingMembershipChange.
func (r *Raft) finalizeMembershipChange() error {
	if r.pendingMembership == nil {
		if r.membershipChangeBegun {
			return nil
		}
		return ErrNoPendingMembershipChange
	}
	ps := r.prs
	newVoters := ps.jointVoters
	newLearners := ps.jointLearners

	for id := range ps.progress {
		keepVoter := newVoters.has(id)
		keepLearner := newLearners.has(id)
		if !keepVoter && !keepLearner {
			ps.removeProgress(id)
			continue
		}
		ps.progress[id].IsLearner = !keepVoter && keepLearner
	}
	ps.voters = newVoters
	ps.learners = newLearners
	ps.jointVoters = nil
	ps.jointLearners = nil
	r.pendingMembership = nil

	if !ps.isVoter(r.id) {
		if r.State == StateLeader {
			r.becomeFollower(r.Term, None)
		} else {
			r.Lead = None
		}
	}
	return nil
}

// proposeMembershipChange builds the BeginMembershipChange ConfChange
// entry for cfg and routes it through the normal propose path. Leader
// only; cfg must name a non-empty voter set disjoint from its
// learners.
func (r *Raft) proposeMembershipChange(cfg pb.ConfState) error {
	if r.State != StateLeader {
		return ErrInvalidState
	}
	if err := validateConfState(&cfg); err != nil {
		return err
	}
	if r.pendingMembership != nil {
		return ErrViolatesContract
	}

	startIndex := r.RaftLog.LastIndex() + 1
	cc := &pb.ConfChangeV2{
		ChangeType:    pb.ConfChangeType_BeginMembershipChange,
		Configuration: &cfg,
		StartIndex:    startIndex,
	}
	data, err := marshalConfChangeV2(cc)
	if err != nil {
		return err
	}
	ent := pb.Entry{EntryType: pb.EntryType_EntryConfChange, Data: data}
	return r.stepLeader(pb.Message{
		MsgType: pb.MessageType_MsgPropose,
		From:    r.id,
		Entries: []*pb.Entry{&ent},
	})
}

// appendFinalizeIfDue appends a FinalizeMembershipChange entry once
// applied_index has caught up to the BeginMembershipChange that
// started the current joint configuration. It does not broadcast;
// callers that can batch the broadcast with other work (becomeLeader)
// or must always broadcast (AppliedTo) do so
// themselves. Leader only; reports whether an entry was appended.
func (r *Raft) appendFinalizeIfDue() bool {
	if r.State != StateLeader || r.pendingMembership == nil {
		return false
	}
	if r.RaftLog.applied < r.pendingMembership.startIndex {
		return false
	}
	cc := &pb.ConfChangeV2{ChangeType: pb.ConfChangeType_FinalizeMembershipChange}
	data, err := marshalConfChangeV2(cc)
	if err != nil {
		panic(err)
	}
	r.appendEntry(pb.Entry{EntryType: pb.EntryType_EntryConfChange, Data: data})
	return true
}
