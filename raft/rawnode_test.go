package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
)

func newTestRawNode(id uint64, peers []uint64, election, heartbeat int, storage Storage) *RawNode {
	rn, err := NewRawNode(newTestConfig(id, peers, election, heartbeat, storage))
	if err != nil {
		panic(err)
	}
	return rn
}

func TestRawNodeReadyAfterCampaign(t *testing.T) {
	rn := newTestRawNode(1, []uint64{1}, 10, 1, NewMemoryStorage())
	require.False(t, rn.HasReady())

	require.NoError(t, rn.Campaign())
	require.True(t, rn.HasReady())

	rd := rn.Ready()
	require.NotNil(t, rd.SoftState)
	require.Equal(t, StateLeader, rd.SoftState.RaftState)
	require.False(t, IsEmptyHardState(rd.HardState))
	require.NotEmpty(t, rd.Entries, "leader's term-opening noop entry must be unstable")

	rn.Advance(rd)
	require.False(t, rn.HasReady(), "Advance must fully drain the Ready it was given")
}

func TestRawNodeProposeThenCommit(t *testing.T) {
	storage := NewMemoryStorage()
	rn := newTestRawNode(1, []uint64{1}, 10, 1, storage)
	require.NoError(t, rn.Campaign())
	rd := rn.Ready()
	require.NoError(t, storage.Append(rd.Entries))
	rn.Advance(rd)

	require.NoError(t, rn.Propose([]byte("hello")))
	require.True(t, rn.HasReady())
	rd = rn.Ready()
	require.Len(t, rd.CommittedEntries, 1, "the term-opening noop entry was already applied by the prior Advance")
	require.Equal(t, []byte("hello"), rd.CommittedEntries[0].Data)

	require.NoError(t, storage.Append(rd.Entries))
	rn.Advance(rd)
	require.Equal(t, rd.CommittedEntries[0].Index, rn.Raft.RaftLog.applied)
	require.False(t, rn.HasReady())
}

func TestRawNodeStepRejectsLocalMessage(t *testing.T) {
	rn := newTestRawNode(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	err := rn.Step(pb.Message{MsgType: pb.MessageType_MsgHup})
	require.Equal(t, ErrStepLocalMsg, err)
}

func TestRawNodeStepRejectsUnknownPeerResponse(t *testing.T) {
	rn := newTestRawNode(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	require.NoError(t, rn.Campaign())
	err := rn.Step(pb.Message{From: 99, To: 1, Term: rn.Raft.Term, MsgType: pb.MessageType_MsgRequestVoteResponse})
	require.Equal(t, ErrStepPeerNotFound, err)
}

func TestRawNodeMembershipChangeAppliesOnConfirmedApply(t *testing.T) {
	storage := NewMemoryStorage()
	rn := newTestRawNode(1, []uint64{1, 2, 3}, 10, 1, storage)
	require.NoError(t, rn.Campaign())
	require.NoError(t, rn.Raft.Step(pb.Message{From: 2, To: 1, Term: rn.Raft.Term, MsgType: pb.MessageType_MsgRequestVoteResponse}))
	rd := rn.Ready()
	require.NoError(t, storage.Append(rd.Entries))
	rn.Advance(rd)

	require.NoError(t, rn.ProposeConfChange(pb.ConfState{Nodes: []uint64{1, 2, 3, 4}}))
	require.Nil(t, rn.Raft.pendingMembership)

	rd = rn.Ready()
	var beginEntry pb.Entry
	for _, e := range rd.Entries {
		if e.EntryType == pb.EntryType_EntryConfChange {
			beginEntry = e
		}
	}
	require.Equal(t, pb.EntryType_EntryConfChange, beginEntry.EntryType)
	require.NoError(t, storage.Append(rd.Entries))
	rn.Advance(rd)

	rn.Raft.RaftLog.commitTo(beginEntry.Index)
	require.NoError(t, rn.ApplyConfChange(beginEntry))
	require.NotNil(t, rn.Raft.pendingMembership)
	require.True(t, rn.Raft.prs.isVoter(4))
}
