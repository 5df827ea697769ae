package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
)

func newTestConfig(id uint64, peers []uint64, election, heartbeat int, storage Storage) *Config {
	return &Config{
		ID:              id,
		peers:           peers,
		ElectionTick:    election,
		HeartbeatTick:   heartbeat,
		Storage:         storage,
		MaxSizePerMsg:   noLimit,
		MaxInflightMsgs: 256,
		rand:            fixedRand(0),
	}
}

func newTestRaft(id uint64, peers []uint64, election, heartbeat int, storage Storage) *Raft {
	return newRaft(newTestConfig(id, peers, election, heartbeat, storage))
}

func TestRaftStartsAsFollower(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	require.Equal(t, StateFollower, r.State)
	require.Equal(t, uint64(0), r.Term)
}

func TestSingleNodeElectsSelfImmediately(t *testing.T) {
	r := newTestRaft(1, []uint64{1}, 10, 1, NewMemoryStorage())
	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.Equal(t, StateLeader, r.State)
	require.Equal(t, uint64(1), r.Term)
}

func TestFollowerGrantsVoteForUpToDateCandidate(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	r.msgs = nil
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: 1, MsgType: pb.MessageType_MsgRequestVote, Index: 0, LogTerm: 0}))
	require.Len(t, r.msgs, 1)
	resp := r.msgs[0]
	require.Equal(t, pb.MessageType_MsgRequestVoteResponse, resp.MsgType)
	require.False(t, resp.Reject)
	require.Equal(t, uint64(2), r.Vote)
}

func TestFollowerRejectsSecondVoteSameTerm(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: 1, MsgType: pb.MessageType_MsgRequestVote}))
	r.msgs = nil
	require.NoError(t, r.Step(pb.Message{From: 3, To: 1, Term: 1, MsgType: pb.MessageType_MsgRequestVote}))
	require.Len(t, r.msgs, 1)
	require.True(t, r.msgs[0].Reject)
}

func TestCandidateBecomesLeaderOnMajority(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.Equal(t, StateCandidate, r.State)
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse}))
	require.Equal(t, StateLeader, r.State)
}

func TestCandidateStepsDownOnRejectedQuorum(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse, Reject: true}))
	require.NoError(t, r.Step(pb.Message{From: 3, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse, Reject: true}))
	require.Equal(t, StateFollower, r.State)
}

func TestLeaderAppendsAndCommitsOnQuorum(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse}))
	require.True(t, r.State == StateLeader)

	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgPropose, Entries: []*pb.Entry{{Data: []byte("x")}}}))
	li := r.RaftLog.LastIndex()

	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgAppendResponse, Index: li}))
	require.Equal(t, li, r.RaftLog.committed)
}

func TestHigherTermStepsDownLeader(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse}))
	require.Equal(t, StateLeader, r.State)

	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term + 1, MsgType: pb.MessageType_MsgAppend, Index: 0, LogTerm: 0, Commit: 0}))
	require.Equal(t, StateFollower, r.State)
	require.Equal(t, uint64(2), r.Lead)
}

func TestPreVoteDoesNotBumpTermOnLoss(t *testing.T) {
	storage := NewMemoryStorage()
	cfg := newTestConfig(1, []uint64{1, 2, 3}, 10, 1, storage)
	cfg.PreVote = true
	r := newRaft(cfg)

	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.Equal(t, StatePreCandidate, r.State)
	require.Equal(t, uint64(0), r.Term)

	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestPreVoteResponse, Reject: true}))
	require.Equal(t, StatePreCandidate, r.State, "a single rejection must not yet decide the pre-election")
	require.NoError(t, r.Step(pb.Message{From: 3, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestPreVoteResponse, Reject: true}))
	require.Equal(t, StateFollower, r.State)
	require.Equal(t, uint64(0), r.Term)
}

func TestLeaderTransferSendsTimeoutNowWhenCaughtUp(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse}))
	require.NoError(t, r.Step(pb.Message{From: 3, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse}))

	r.prs.get(2).Match = r.RaftLog.LastIndex()
	r.prs.get(2).Next = r.RaftLog.LastIndex() + 1
	r.msgs = nil
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, MsgType: pb.MessageType_MsgTransferLeader}))
	require.Equal(t, uint64(2), r.leadTransferee)
	var sawTimeoutNow bool
	for _, m := range r.msgs {
		if m.MsgType == pb.MessageType_MsgTimeoutNow && m.To == 2 {
			sawTimeoutNow = true
		}
	}
	require.True(t, sawTimeoutNow)
}

func TestReadIndexSafeConfirmsViaHeartbeatQuorum(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse}))

	// Commit the leader's term-opening noop entry first: ReadIndex
	// cannot be answered safely until the current term has a
	// committed entry (spec §4.5).
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgAppendResponse, Index: r.RaftLog.LastIndex()}))
	require.Equal(t, r.RaftLog.LastIndex(), r.RaftLog.committed)

	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgReadIndex, Context: []byte("ctx1")}))
	require.Equal(t, 1, r.readOnly.len())

	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, MsgType: pb.MessageType_MsgHeartbeatResponse, Context: []byte("ctx1")}))
	require.Len(t, r.readStates, 1)
	require.Equal(t, []byte("ctx1"), r.readStates[0].RequestCtx)
}

func TestLogCompletenessRejectsLessUpToDateCandidate(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Append([]pb.Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 2},
	}))
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, storage)

	// Candidate's log (index 4, term 1) is less up to date than ours
	// (last entry index 2, term 2): reject.
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: 1, MsgType: pb.MessageType_MsgRequestVote, Index: 4, LogTerm: 1}))
	require.Len(t, r.msgs, 1)
	require.True(t, r.msgs[0].Reject, "candidate with a smaller last log term must be rejected even with a larger last index")

	// Candidate's log (index 5, term 2) is at least as up to date
	// (same last term, larger last index): grant.
	r.msgs = nil
	require.NoError(t, r.Step(pb.Message{From: 3, To: 1, Term: 1, MsgType: pb.MessageType_MsgRequestVote, Index: 5, LogTerm: 2}))
	require.Len(t, r.msgs, 1)
	require.False(t, r.msgs[0].Reject)
}

func TestLeaderDoesNotCommitPriorTermEntryWithoutCurrentTermQuorum(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Append([]pb.Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
	}))
	require.NoError(t, storage.SetHardState(pb.HardState{Term: 1}))

	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, storage)
	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse}))
	require.Equal(t, StateLeader, r.State)
	require.Equal(t, uint64(2), r.Term, "campaigning from term 1 must bump to term 2")

	noopIndex := r.RaftLog.LastIndex()
	require.Equal(t, uint64(3), noopIndex, "becomeLeader appends its term-opening noop at index 3")

	// A quorum (self + node 2) now matches index 2 — the inherited
	// term-1 entries — but not yet the term-2 noop. This must NOT
	// commit, since the highest quorum-matched entry is from a prior
	// term (spec §4.4's commit gate).
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgAppendResponse, Index: 2}))
	require.Equal(t, uint64(0), r.RaftLog.committed, "a prior-term entry must not commit on quorum alone")

	// Once node 2 also acks the term-2 noop, the commit index may
	// advance past it — and, transitively, past the inherited entries.
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgAppendResponse, Index: noopIndex}))
	require.Equal(t, noopIndex, r.RaftLog.committed)
}

func TestCheckQuorumRejectsVoteFromLiveLeaseExceptForTransfer(t *testing.T) {
	storage := NewMemoryStorage()
	cfg := newTestConfig(1, []uint64{1, 2, 3}, 10, 1, storage)
	cfg.CheckQuorum = true
	r := newRaft(cfg)
	r.State = StateFollower
	r.Term = 5
	r.Lead = 3
	r.electionElapsed = 0

	// An ordinary vote request while a lease-holding leader looks
	// alive is silently dropped (spec §4.6): no response at all.
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: 6, MsgType: pb.MessageType_MsgRequestVote, Index: 0, LogTerm: 0}))
	require.Empty(t, r.msgs)
	require.Equal(t, uint64(5), r.Term, "a dropped vote request must not even bump our term")

	// The same request tagged as a leader-transfer campaign bypasses
	// the lease check and is answered normally.
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: 6, MsgType: pb.MessageType_MsgRequestVote, Index: 0, LogTerm: 0, Context: []byte(campaignTransfer)}))
	require.Len(t, r.msgs, 1)
	require.False(t, r.msgs[0].Reject)
	require.Equal(t, uint64(6), r.Term)
}

func TestTimeoutNowTriggersTransferCampaignSkippingPreVote(t *testing.T) {
	storage := NewMemoryStorage()
	cfg := newTestConfig(2, []uint64{1, 2, 3}, 10, 1, storage)
	cfg.PreVote = true
	r := newRaft(cfg)
	r.becomeFollower(5, 1)

	require.NoError(t, r.Step(pb.Message{From: 1, To: 2, Term: 5, MsgType: pb.MessageType_MsgTimeoutNow}))

	require.Equal(t, StateCandidate, r.State, "a transfer campaign skips pre-candidate entirely, even with PreVote on")
	require.Equal(t, uint64(6), r.Term)

	var sawTransferVoteRequest bool
	for _, m := range r.msgs {
		if m.MsgType == pb.MessageType_MsgRequestVote && string(m.Context) == string(campaignTransfer) {
			sawTransferVoteRequest = true
		}
	}
	require.True(t, sawTransferVoteRequest)
}

func TestMembershipChangeRoundTrip(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse}))

	require.NoError(t, r.proposeMembershipChange(pb.ConfState{Nodes: []uint64{1, 2, 3, 4}}))

	// Appending the BeginMembershipChange entry does not yet join the
	// configuration — that only happens once the entry is applied.
	require.Nil(t, r.pendingMembership)

	entries := r.RaftLog.unstableEntries()
	require.NotEmpty(t, entries)
	var beginEntry pb.Entry
	for _, e := range entries {
		if e.EntryType == pb.EntryType_EntryConfChange {
			beginEntry = e
		}
	}
	require.Equal(t, pb.EntryType_EntryConfChange, beginEntry.EntryType)

	r.RaftLog.commitTo(beginEntry.Index)
	require.NoError(t, r.ApplyConfChangeEntry(beginEntry))
	require.NotNil(t, r.pendingMembership)
	require.True(t, r.prs.inJointConsensus())
	require.True(t, r.prs.exists(4))

	r.AppliedTo(beginEntry.Index)

	var finalizeEntry pb.Entry
	for _, e := range r.RaftLog.unstableEntries() {
		if e.Index > beginEntry.Index && e.EntryType == pb.EntryType_EntryConfChange {
			finalizeEntry = e
		}
	}
	require.Equal(t, pb.EntryType_EntryConfChange, finalizeEntry.EntryType)
	r.RaftLog.commitTo(finalizeEntry.Index)
	require.NoError(t, r.ApplyConfChangeEntry(finalizeEntry))
	require.Nil(t, r.pendingMembership)
	require.False(t, r.prs.inJointConsensus())
	require.True(t, r.prs.isVoter(4))
}

func TestMsgHupDeferredWhileConfChangeEntryUnapplied(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Append([]pb.Entry{
		{Index: 1, Term: 1, EntryType: pb.EntryType_EntryNormal},
		{Index: 2, Term: 1, EntryType: pb.EntryType_EntryConfChange},
	}))
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, storage)
	r.RaftLog.commitTo(2)

	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.Equal(t, StateFollower, r.State, "must not campaign while a conf change between applied and committed is still unapplied")

	r.AppliedTo(2)
	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.Equal(t, StateCandidate, r.State, "campaign proceeds once the pending conf change entry is applied")
}

func TestLeaderRejectsProposalAfterItIsRemovedFromVoters(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())
	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse}))
	require.Equal(t, StateLeader, r.State)

	r.removeNode(1)
	require.False(t, r.prs.isVoter(1))
	require.Equal(t, StateLeader, r.State, "removal alone does not step the leader down; that happens on Finalize")

	err := r.Step(pb.Message{
		From:    1,
		To:      1,
		MsgType: pb.MessageType_MsgPropose,
		Entries: []*pb.Entry{{Data: []byte("late")}},
	})
	require.Equal(t, ErrProposalDropped, err)
}

func TestFinalizeWithoutBeginReportsNoPendingMembershipChange(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, NewMemoryStorage())

	data, err := marshalConfChangeV2(&pb.ConfChangeV2{ChangeType: pb.ConfChangeType_FinalizeMembershipChange})
	require.NoError(t, err)
	err = r.ApplyConfChangeEntry(pb.Entry{EntryType: pb.EntryType_EntryConfChange, Data: data})
	require.Equal(t, ErrNoPendingMembershipChange, err)

	require.NoError(t, r.Step(pb.Message{From: 1, To: 1, MsgType: pb.MessageType_MsgHup}))
	require.NoError(t, r.Step(pb.Message{From: 2, To: 1, Term: r.Term, MsgType: pb.MessageType_MsgRequestVoteResponse}))
	require.Equal(t, StateLeader, r.State)

	require.NoError(t, r.proposeMembershipChange(pb.ConfState{Nodes: []uint64{1, 2, 3, 4}}))
	var beginEntry pb.Entry
	for _, e := range r.RaftLog.unstableEntries() {
		if e.EntryType == pb.EntryType_EntryConfChange {
			beginEntry = e
		}
	}
	r.RaftLog.commitTo(beginEntry.Index)
	require.NoError(t, r.ApplyConfChangeEntry(beginEntry))
	r.AppliedTo(beginEntry.Index)

	var finalizeEntry pb.Entry
	for _, e := range r.RaftLog.unstableEntries() {
		if e.Index > beginEntry.Index && e.EntryType == pb.EntryType_EntryConfChange {
			finalizeEntry = e
		}
	}
	r.RaftLog.commitTo(finalizeEntry.Index)
	require.NoError(t, r.ApplyConfChangeEntry(finalizeEntry))

	// Re-finalizing the same change (e.g. a replayed entry) stays a no-op.
	require.NoError(t, r.ApplyConfChangeEntry(finalizeEntry))
}
