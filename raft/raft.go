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
	"errors"
	"fmt"

	"github.com/opentracing/opentracing-go"
	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
	"github.com/pingcap/log"
)

// None is the zero id, used as a sentinel for "no leader" / "no vote
// cast" / "no transfer in progress".
const None uint64 = 0

// StateType is the role a Raft instance currently occupies.
type StateType uint64

const (
	StateFollower StateType = iota
	StatePreCandidate
	StateCandidate
	StateLeader
)

var stmap = [...]string{"StateFollower", "StatePreCandidate", "StateCandidate", "StateLeader"}

func (st StateType) String() string { return stmap[st] }

// CampaignType distinguishes the three ways a node starts an election.
// Only campaignTransfer is attached to the outgoing vote requests, as
// their Context.
type CampaignType string

const (
	// campaignPreElection is the non-disruptive round run first when
	// PreVote is enabled: it asks "would I win?" without bumping Term
	// or recording a Vote.
	campaignPreElection CampaignType = "CampaignPreElection"
	// campaignElection is the ordinary election: Term is bumped, Vote
	// is cast for self, ballots are requested.
	campaignElection CampaignType = "CampaignElection"
	// campaignTransfer is run by a follower that just received
	// MsgTimeoutNow: like campaignElection but skips PreVote and tags
	// its RequestVote messages so that voters still inside a leader
	// lease answer them instead of dropping them (see Step).
	campaignTransfer CampaignType = "CampaignTransfer"
)

type campaignStatus int

const (
	campaignEligible campaignStatus = iota
	campaignElected
	campaignIneligible
)

// ErrStepLocalMsg is returned when a caller attempts to hand a
// locally-generated message type to Step via the wire path.
var ErrStepLocalMsg = errors.New("raft: cannot step raft local message")

// ErrStepPeerNotFound is returned by Step when a message arrives from
// or references a peer this node's current configuration has never
// heard of.
var ErrStepPeerNotFound = errors.New("raft: cannot step as peer not found")

// Config carries every parameter newRaft needs to construct a Raft
// instance. It is consumed once; Raft does not keep a pointer to it.
type Config struct {
	// ID is this node's id within the raft group. Must not be None.
	ID uint64

	// peers and learners name the initial configuration. Supplied only
	// when bootstrapping a brand new group with no prior state; a
	// restarting node instead recovers its configuration from
	// Storage.InitialState.
	peers    []uint64
	learners []uint64

	// ElectionTick is how many Ticks must pass without a heartbeat
	// before a follower starts an election. Should be comfortably
	// larger than HeartbeatTick to absorb network jitter.
	ElectionTick int
	// HeartbeatTick is how many Ticks pass between leader heartbeats.
	HeartbeatTick int

	// Storage holds the log entries this node has already persisted
	// (and recovers state from on restart).
	Storage Storage
	// Applied, if non-zero, is the index the state machine has already
	// applied past on restart — RaftLog starts with applied set here
	// rather than at Storage's first index.
	Applied uint64

	// MaxSizePerMsg limits how many bytes of log entries are batched
	// into a single MsgAppend. 0 means unbounded.
	MaxSizePerMsg uint64
	// MaxInflightMsgs bounds the replication pipeline depth per peer
	// while in ProgressStateReplicate.
	MaxInflightMsgs int

	// CheckQuorum enables the leader-lease check: a leader that hasn't
	// heard from a quorum within an election timeout steps down.
	CheckQuorum bool
	// PreVote enables the two-phase election protocol (spec §4.3):
	// candidates run a non-disruptive pre-vote round before bumping
	// their term.
	PreVote bool

	// ReadOnlyOption selects how ReadIndex requests are served.
	ReadOnlyOption ReadOnlyOption

	// rand overrides the election-timeout jitter source; nil uses a
	// process-wide lockedRand.
	rand electionRand
}

// SetPeers names the initial voter configuration for a brand new
// group with no prior Storage state. Not for use on a restarting
// node, which instead recovers its configuration from
// Storage.InitialState.
func (c *Config) SetPeers(peers []uint64) { c.peers = peers }

// SetLearners names the initial learner configuration alongside
// SetPeers.
func (c *Config) SetLearners(learners []uint64) { c.learners = learners }

func (c *Config) validate() error {
	if c.ID == None {
		return errors.New("raft: cannot use none as id")
	}
	if c.HeartbeatTick <= 0 {
		return errors.New("raft: heartbeat tick must be greater than 0")
	}
	if c.ElectionTick <= c.HeartbeatTick {
		return errors.New("raft: election tick must be greater than heartbeat tick")
	}
	if c.Storage == nil {
		return errors.New("raft: storage cannot be nil")
	}
	if c.MaxInflightMsgs <= 0 {
		c.MaxInflightMsgs = 256
	}
	return nil
}

// SoftState is the subset of state that never needs to be persisted
// or reproduced deterministically: the current leader and role. The
// driver diffs this across Ready calls to know when to notify
// observers.
type SoftState struct {
	Lead      uint64
	RaftState StateType
}

func (a *SoftState) equal(b *SoftState) bool {
	return a.Lead == b.Lead && a.RaftState == b.RaftState
}

// Raft is the single-threaded core state machine: it has no
// goroutines, no channels, no I/O. A driver feeds it Tick/Step calls
// and consults msgs/RaftLog/readStates for the outcome.
type Raft struct {
	id uint64

	Term uint64
	Vote uint64

	RaftLog *RaftLog

	prs *ProgressSet

	State StateType

	// votes records, for the campaign in progress, which voters have
	// granted (true) or denied (false) a ballot. Cleared on every
	// become_pre_candidate/become_candidate.
	votes map[uint64]bool

	// msgs accumulates every message this Step/tick call produced; the
	// driver drains it after each call.
	msgs []pb.Message

	// Lead is the id this node currently believes is leader, or None.
	Lead uint64

	// leadTransferee, if not None, is the peer a MsgTransferLeader is
	// currently in flight to.
	leadTransferee uint64

	// PendingConfIndex guards against proposing a second conf change
	// while an earlier one is still unapplied: no new conf change entry
	// is accepted while it is above RaftLog.applied. It holds the index
	// of the latest proposed conf change entry, or the last log index
	// as of this node becoming leader.
	PendingConfIndex uint64

	pendingMembership *pendingMembershipChange

	// membershipChangeBegun records that beginMembershipChange has run
	// at least once, so finalizeMembershipChange can tell a legitimate
	// re-finalization (pendingMembership already cleared by an earlier
	// Finalize) apart from a Finalize that never had a matching Begin.
	membershipChangeBegun bool

	readOnly *readOnly
	// readStates holds ReadIndex results confirmed during this
	// Step/tick call; the driver drains and clears it, like msgs.
	readStates []ReadState

	heartbeatTick    int
	electionTick     int
	heartbeatElapsed int
	electionElapsed  int

	checkQuorum bool
	preVote     bool

	maxMsgSize  uint64
	maxInflight int

	rnd electionRand

	randomizedElectionTick int
}

func newRaft(c *Config) *Raft {
	if err := c.validate(); err != nil {
		panic(err.Error())
	}
	raftlog := newLog(c.Storage)
	hs, err := c.Storage.InitialState()
	if err != nil {
		panic(err)
	}

	rnd := c.rand
	if rnd == nil {
		rnd = newLockedRand()
	}

	r := &Raft{
		id:            c.ID,
		Lead:          None,
		RaftLog:       raftlog,
		prs:           newProgressSet(),
		heartbeatTick: c.HeartbeatTick,
		electionTick:  c.ElectionTick,
		checkQuorum:   c.CheckQuorum,
		preVote:       c.PreVote,
		maxMsgSize:    c.MaxSizePerMsg,
		maxInflight:   c.MaxInflightMsgs,
		rnd:           rnd,
		readOnly:      newReadOnly(c.ReadOnlyOption),
	}

	peers, learners := c.peers, c.learners
	if len(hs.ConfState.Nodes) > 0 || len(hs.ConfState.LearnerNodes) > 0 {
		if len(peers) > 0 || len(learners) > 0 {
			panic("raft: cannot specify both newRaft(peers, learners) and ConfState.(Nodes, LearnerNodes)")
		}
		peers = hs.ConfState.Nodes
		learners = hs.ConfState.LearnerNodes
	}
	for _, id := range peers {
		r.prs.createProgress(id, 0, raftlog.LastIndex()+1, r.maxInflight, false)
		r.prs.voters.add(id)
	}
	for _, id := range learners {
		if r.prs.exists(id) {
			panic(fmt.Sprintf("raft: node %d is in both learner and peer list", id))
		}
		r.prs.createProgress(id, 0, raftlog.LastIndex()+1, r.maxInflight, true)
		r.prs.learners.add(id)
	}

	if hs.PendingMembershipChange != nil {
		if err := r.beginMembershipChange(hs.PendingMembershipChange, hs.PendingMembershipChangeIndex); err != nil {
			panic(err)
		}
	}

	if !IsEmptyHardState(hs.HardState) {
		r.loadState(hs.HardState)
	}
	if c.Applied > 0 {
		raftlog.appliedTo(c.Applied)
	}
	r.becomeFollower(r.Term, None)
	log.Info(fmt.Sprintf("newRaft %d [peers: %v, term: %d, commit: %d, applied: %d, lastindex: %d, lastterm: %d]",
		r.id, r.prs.voterIDs(), r.Term, raftlog.committed, raftlog.applied, raftlog.LastIndex(), raftlog.lastTerm()))
	return r
}

func (r *Raft) hasLeader() bool { return r.Lead != None }

func (r *Raft) softState() *SoftState { return &SoftState{Lead: r.Lead, RaftState: r.State} }

func (r *Raft) hardState() pb.HardState {
	return pb.HardState{Term: r.Term, Vote: r.Vote, Commit: r.RaftLog.committed}
}

func (r *Raft) quorum() int { return r.prs.voters.len()/2 + 1 }

// send stamps From/Term (except for message types that carry their
// own term semantics) and queues m for the driver to transmit.
func (r *Raft) send(m pb.Message) {
	m.From = r.id
	if m.MsgType == pb.MessageType_MsgRequestVote || m.MsgType == pb.MessageType_MsgRequestVoteResponse ||
		m.MsgType == pb.MessageType_MsgRequestPreVote || m.MsgType == pb.MessageType_MsgRequestPreVoteResponse {
		if m.Term == 0 {
			panic("raft: term should be set when sending vote messages")
		}
	} else {
		if m.Term != 0 {
			panic(fmt.Sprintf("raft: term should not be set when sending %s (was %d)", m.MsgType, m.Term))
		}
		if m.MsgType != pb.MessageType_MsgPropose && m.MsgType != pb.MessageType_MsgReadIndex {
			m.Term = r.Term
		}
	}
	r.msgs = append(r.msgs, m)
}

// sendAppend sends the next batch of log entries (or a snapshot, if
// the peer has fallen behind the log's retained prefix) to peer to.
func (r *Raft) sendAppend(to uint64) bool {
	pr := r.prs.get(to)
	if pr == nil || pr.IsPaused() {
		return false
	}

	m := pb.Message{To: to}

	term, errt := r.RaftLog.Term(pr.Next - 1)
	ents, erre := r.RaftLog.Entries(pr.Next, r.maxMsgSize)

	if errt != nil || erre != nil {
		if !pr.RecentActive {
			return false
		}
		snapshot, err := r.RaftLog.snapshot()
		if err != nil {
			if err == ErrSnapshotTemporarilyUnavailable {
				return false
			}
			panic(err)
		}
		if IsEmptySnap(&snapshot) {
			panic("raft: need non-empty snapshot")
		}
		m.MsgType = pb.MessageType_MsgSnapshot
		m.Snapshot = &snapshot
		pr.BecomeSnapshot(snapshot.Metadata.Index)
	} else {
		m.MsgType = pb.MessageType_MsgAppend
		m.Index = pr.Next - 1
		m.LogTerm = term
		m.Entries = entriesToPointers(ents)
		m.Commit = r.RaftLog.committed
		if n := len(m.Entries); n != 0 {
			switch pr.State {
			case ProgressStateReplicate:
				last := m.Entries[n-1].Index
				pr.OptimisticUpdate(last)
				pr.Inflights.Add(last)
			case ProgressStateProbe:
				pr.ProbeSent = true
			}
		}
	}
	r.send(m)
	return true
}

func entriesToPointers(ents []pb.Entry) []*pb.Entry {
	out := make([]*pb.Entry, len(ents))
	for i := range ents {
		e := ents[i]
		out[i] = &e
	}
	return out
}

// sendHeartbeat sends a heartbeat to to, capping Commit at min(match,
// committed) so a follower the leader hasn't fully caught up on never
// sees a commit index past what it's known to hold. ctx, if non-nil,
// is a ReadIndex request's context awaiting echo.
func (r *Raft) sendHeartbeat(to uint64, ctx []byte) {
	pr := r.prs.get(to)
	commit := min(r.RaftLog.committed, pr.Match)
	r.send(pb.Message{To: to, MsgType: pb.MessageType_MsgHeartbeat, Commit: commit, Context: ctx})
}

func (r *Raft) sendTimeoutNow(to uint64) {
	r.send(pb.Message{To: to, MsgType: pb.MessageType_MsgTimeoutNow})
}

func (r *Raft) bcastAppend() {
	r.prs.forEach(func(id uint64, _ *Progress) {
		if id == r.id {
			return
		}
		r.sendAppend(id)
	})
}

func (r *Raft) bcastHeartbeat() {
	r.bcastHeartbeatWithContext(r.readOnly.lastPendingRequestCtx())
}

func (r *Raft) bcastHeartbeatWithContext(ctx []byte) {
	r.prs.forEach(func(id uint64, _ *Progress) {
		if id == r.id {
			return
		}
		r.sendHeartbeat(id, ctx)
	})
}

// maybeCommit recomputes the quorum match index across every active
// configuration and advances RaftLog.committed if it increased.
func (r *Raft) maybeCommit() bool {
	mci := r.prs.committedIndex()
	return r.RaftLog.maybeCommit(mci, r.Term)
}

func (r *Raft) reset(term uint64) {
	if r.Term != term {
		r.Term = term
		r.Vote = None
	}
	r.Lead = None

	r.electionElapsed = 0
	r.heartbeatElapsed = 0
	r.resetRandomizedElectionTimeout()

	r.abortLeaderTransfer()

	r.votes = make(map[uint64]bool)
	r.PendingConfIndex = 0
	r.readOnly = newReadOnly(r.readOnly.option)

	r.prs.resetAll(r.id, r.RaftLog.LastIndex(), r.maxInflight)
}

func (r *Raft) resetRandomizedElectionTimeout() {
	r.randomizedElectionTick = r.electionTick + r.rnd.Intn(r.electionTick)
}

// appendEntry appends es to the log as leader, stamping Term/Index,
// then advances its own Progress and tries to commit.
func (r *Raft) appendEntry(es ...pb.Entry) {
	li := r.RaftLog.LastIndex()
	for i := range es {
		es[i].Term = r.Term
		es[i].Index = li + 1 + uint64(i)
	}
	li = r.RaftLog.append(es...)
	r.prs.get(r.id).MaybeUpdate(li)
	r.maybeCommit()
}

// tick is called once per logical heartbeat interval by the driver.
func (r *Raft) tick() {
	switch r.State {
	case StateLeader:
		r.tickHeartbeat()
	default:
		r.tickElection()
	}
}

func (r *Raft) tickElection() {
	r.electionElapsed++
	if r.promotable() && r.pastElectionTimeout() {
		r.electionElapsed = 0
		_ = r.Step(pb.Message{From: r.id, MsgType: pb.MessageType_MsgHup})
	}
}

func (r *Raft) tickHeartbeat() {
	r.heartbeatElapsed++
	r.electionElapsed++

	if r.electionElapsed >= r.electionTick {
		r.electionElapsed = 0
		if r.checkQuorum {
			_ = r.Step(pb.Message{From: r.id, MsgType: pb.MessageType_MsgCheckQuorum})
		}
		if r.State == StateLeader && r.leadTransferee != None {
			r.abortLeaderTransfer()
		}
	}

	if r.State != StateLeader {
		return
	}
	if r.heartbeatElapsed >= r.heartbeatTick {
		r.heartbeatElapsed = 0
		_ = r.Step(pb.Message{From: r.id, MsgType: pb.MessageType_MsgBeat})
	}
}

func (r *Raft) pastElectionTimeout() bool { return r.electionElapsed >= r.randomizedElectionTick }

func (r *Raft) promotable() bool { return r.prs.isVoter(r.id) }

func (r *Raft) becomeFollower(term uint64, lead uint64) {
	r.reset(term)
	r.Lead = lead
	r.State = StateFollower
	log.Info(fmt.Sprintf("%d became follower at term %d", r.id, r.Term))
}

func (r *Raft) becomePreCandidate() {
	if r.State == StateLeader {
		panic("raft: invalid transition [leader -> pre-candidate]")
	}
	r.State = StatePreCandidate
	r.Lead = None
	r.votes = make(map[uint64]bool)
	log.Info(fmt.Sprintf("%d became pre-candidate at term %d", r.id, r.Term))
}

func (r *Raft) becomeCandidate() {
	if r.State == StateLeader {
		panic("raft: invalid transition [leader -> candidate]")
	}
	r.reset(r.Term + 1)
	r.Vote = r.id
	r.State = StateCandidate
	log.Info(fmt.Sprintf("%d became candidate at term %d", r.id, r.Term))
}

func (r *Raft) becomeLeader() {
	if r.State == StateFollower {
		panic("raft: invalid transition [follower -> leader]")
	}
	r.reset(r.Term)
	r.Lead = r.id
	r.State = StateLeader

	r.prs.get(r.id).BecomeReplicate()

	r.PendingConfIndex = r.RaftLog.LastIndex()
	r.appendEntry(pb.Entry{EntryType: pb.EntryType_EntryNormal, Data: nil})
	r.appendFinalizeIfDue()
	log.Info(fmt.Sprintf("%d became leader at term %d", r.id, r.Term))
}

func (r *Raft) poll(id uint64, granted bool) campaignStatus {
	if _, ok := r.votes[id]; !ok {
		r.votes[id] = granted
	}
	return r.campaignStatus()
}

func (r *Raft) campaignStatus() campaignStatus {
	granted := func(id uint64) bool { v, ok := r.votes[id]; return ok && v }
	rejected := func(id uint64) bool { v, ok := r.votes[id]; return ok && !v }
	if r.prs.hasQuorum(granted) {
		return campaignElected
	}
	if r.prs.hasRejectedQuorum(rejected) {
		return campaignIneligible
	}
	return campaignEligible
}

func (r *Raft) campaign(t CampaignType) {
	var term uint64
	var voteMsg pb.MessageType
	if t == campaignPreElection {
		r.becomePreCandidate()
		voteMsg = pb.MessageType_MsgRequestPreVote
		term = r.Term + 1
	} else {
		r.becomeCandidate()
		voteMsg = pb.MessageType_MsgRequestVote
		term = r.Term
	}

	if r.poll(r.id, true) == campaignElected {
		if t == campaignPreElection {
			r.campaign(campaignElection)
		} else {
			r.becomeLeader()
			r.bcastAppend()
		}
		return
	}

	var ctx []byte
	if t == campaignTransfer {
		ctx = []byte(campaignTransfer)
	}
	for _, id := range r.prs.voterIDs() {
		if id == r.id {
			continue
		}
		r.send(pb.Message{
			Term:    term,
			To:      id,
			MsgType: voteMsg,
			Index:   r.RaftLog.LastIndex(),
			LogTerm: r.RaftLog.lastTerm(),
			Context: ctx,
		})
	}
}

func (r *Raft) abortLeaderTransfer() { r.leadTransferee = None }

// AppliedTo tells the core the driver has applied the state machine
// up through index i. Besides advancing RaftLog.applied, it checks
// whether a pending joint configuration can now be finalized.
func (r *Raft) AppliedTo(i uint64) {
	r.RaftLog.appliedTo(i)
	if r.appendFinalizeIfDue() {
		r.bcastAppend()
	}
}

// ApplyConfChangeEntry is invoked by the driver once it applies a
// committed EntryConfChange entry, so the core's ProgressSet tracks
// exactly what the state machine has applied rather than what the
// leader has merely appended.
func (r *Raft) ApplyConfChangeEntry(ent pb.Entry) error {
	cc, err := unmarshalConfChangeV2(ent.Data)
	if err != nil {
		panic(err)
	}
	switch cc.ChangeType {
	case pb.ConfChangeType_BeginMembershipChange:
		return r.beginMembershipChange(cc, ent.Index)
	case pb.ConfChangeType_FinalizeMembershipChange:
		return r.finalizeMembershipChange()
	case pb.ConfChangeType_AddNode:
		r.addNode(cc.Configuration.Nodes[0])
	case pb.ConfChangeType_AddLearnerNode:
		r.addLearner(cc.Configuration.Nodes[0])
	case pb.ConfChangeType_RemoveNode:
		r.removeNode(cc.Configuration.Nodes[0])
	}
	return nil
}

func (r *Raft) addNode(id uint64) { r.addNodeOrLearner(id, false) }

func (r *Raft) addLearner(id uint64) { r.addNodeOrLearner(id, true) }

func (r *Raft) addNodeOrLearner(id uint64, isLearner bool) {
	if !r.prs.exists(id) {
		r.prs.createProgress(id, 0, r.RaftLog.LastIndex()+1, r.maxInflight, isLearner)
	} else if isLearner && !r.prs.isLearner(id) {
		r.prs.voters.remove(id)
		r.prs.learners.add(id)
		r.prs.progress[id].IsLearner = true
		return
	} else {
		return
	}
	if isLearner {
		r.prs.learners.add(id)
	} else {
		r.prs.voters.add(id)
	}
}

func (r *Raft) removeNode(id uint64) {
	r.prs.removeProgress(id)
	if len(r.prs.progress) == 0 {
		return
	}
	if r.State == StateLeader && r.maybeCommit() {
		r.bcastAppend()
	}
	if r.State == StateLeader && r.leadTransferee == id {
		r.abortLeaderTransfer()
	}
}

func (r *Raft) loadState(state pb.HardState) {
	if state.Commit < r.RaftLog.committed || state.Commit > r.RaftLog.LastIndex() {
		panic(fmt.Sprintf("raft: state.commit %d is out of range [%d, %d]", state.Commit, r.RaftLog.committed, r.RaftLog.LastIndex()))
	}
	r.RaftLog.committed = state.Commit
	r.Term = state.Term
	r.Vote = state.Vote
}

// Step is the single entry point the driver calls for every inbound
// message (and for the locally-synthesized Hup/Beat/CheckQuorum). It
// enforces the term-handling rules common to every role (spec §4.1)
// before delegating to the role-specific handler.
func (r *Raft) Step(m pb.Message) error {
	span := opentracing.StartSpan("raft.Step")
	span.SetTag("msg_type", m.MsgType.String())
	defer span.Finish()

	if m.Term == 0 {
		// local message
	} else if m.Term > r.Term {
		if (m.MsgType == pb.MessageType_MsgRequestVote || m.MsgType == pb.MessageType_MsgRequestPreVote) &&
			r.checkQuorum && r.Lead != None && r.electionElapsed < r.electionTick {
			// A lease-holding leader is still alive: reject the vote
			// request unless it's from a campaignTransfer (spec §4.6).
			if string(m.Context) != string(campaignTransfer) {
				return nil
			}
		}
		switch {
		case m.MsgType == pb.MessageType_MsgRequestPreVote:
			// Pre-vote requests never bump the responder's term.
		case m.MsgType == pb.MessageType_MsgRequestPreVoteResponse && !m.Reject:
			// A successful pre-vote response doesn't carry the real
			// term either; leave r.Term untouched.
		default:
			if m.MsgType == pb.MessageType_MsgAppend || m.MsgType == pb.MessageType_MsgHeartbeat || m.MsgType == pb.MessageType_MsgSnapshot {
				r.becomeFollower(m.Term, m.From)
			} else {
				r.becomeFollower(m.Term, None)
			}
		}
	} else if m.Term < r.Term {
		if (r.checkQuorum || r.preVote) && (m.MsgType == pb.MessageType_MsgAppend || m.MsgType == pb.MessageType_MsgHeartbeat) {
			// A leader that lost quorum could have advanced its term
			// without our knowledge; don't reset to the stale term,
			// just tell it to step down.
			r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse})
		} else if m.MsgType == pb.MessageType_MsgRequestPreVote {
			r.send(pb.Message{To: m.From, Term: r.Term, MsgType: pb.MessageType_MsgRequestPreVoteResponse, Reject: true})
		}
		// Otherwise: a stale-term message is simply ignored.
		return nil
	}

	switch m.MsgType {
	case pb.MessageType_MsgHup:
		if r.State == StateLeader {
			log.Debug(fmt.Sprintf("%d ignoring MsgHup because already leader", r.id))
			break
		}
		ents, err := r.RaftLog.slice(r.RaftLog.applied+1, r.RaftLog.committed+1, noLimit)
		if err != nil {
			log.Panic(fmt.Sprintf("%d unexpected error getting unapplied entries (%v)", r.id, err))
		}
		if n := numOfPendingConf(ents); n != 0 && r.RaftLog.committed > r.RaftLog.applied {
			log.Warn(fmt.Sprintf("%d cannot campaign at term %d since there are still %d pending configuration changes to apply", r.id, r.Term, n))
			break
		}
		log.Info(fmt.Sprintf("%d is starting a new election at term %d", r.id, r.Term))
		if r.preVote {
			r.campaign(campaignPreElection)
		} else {
			r.campaign(campaignElection)
		}
	case pb.MessageType_MsgRequestVote, pb.MessageType_MsgRequestPreVote:
		r.handleVoteRequest(m)
	default:
		switch r.State {
		case StateFollower:
			return r.stepFollower(m)
		case StatePreCandidate, StateCandidate:
			return r.stepCandidate(m)
		case StateLeader:
			return r.stepLeader(m)
		}
	}
	return nil
}

// handleVoteRequest implements the ballot-granting rule shared by
// RequestVote and RequestPreVote (spec §4.3): grant iff this node may
// vote for the candidate (it already voted for it, or it has neither
// voted nor learned of a leader this term, or the request is a pre-vote
// for a higher term) and the candidate's log is at least as up to date
// as ours.
func (r *Raft) handleVoteRequest(m pb.Message) {
	canVote := r.Vote == m.From ||
		(r.Vote == None && r.Lead == None) ||
		(m.MsgType == pb.MessageType_MsgRequestPreVote && m.Term > r.Term)

	respType := pb.MessageType_MsgRequestVoteResponse
	if m.MsgType == pb.MessageType_MsgRequestPreVote {
		respType = pb.MessageType_MsgRequestPreVoteResponse
	}

	if canVote && r.RaftLog.isUpToDate(m.Index, m.LogTerm) {
		log.Info(fmt.Sprintf("%d [logterm: %d, index: %d, vote: %d] cast %s for %d [logterm: %d, index: %d] at term %d",
			r.id, r.RaftLog.lastTerm(), r.RaftLog.LastIndex(), r.Vote, m.MsgType, m.From, m.LogTerm, m.Index, r.Term))
		r.send(pb.Message{To: m.From, Term: m.Term, MsgType: respType})
		if m.MsgType == pb.MessageType_MsgRequestVote {
			r.electionElapsed = 0
			r.Vote = m.From
		}
		return
	}
	log.Info(fmt.Sprintf("%d [logterm: %d, index: %d, vote: %d] rejected %s from %d [logterm: %d, index: %d] at term %d",
		r.id, r.RaftLog.lastTerm(), r.RaftLog.LastIndex(), r.Vote, m.MsgType, m.From, m.LogTerm, m.Index, r.Term))
	r.send(pb.Message{To: m.From, Term: r.Term, MsgType: respType, Reject: true})
}

func (r *Raft) stepCandidate(m pb.Message) error {
	var myVoteRespType pb.MessageType
	if r.State == StatePreCandidate {
		myVoteRespType = pb.MessageType_MsgRequestPreVoteResponse
	} else {
		myVoteRespType = pb.MessageType_MsgRequestVoteResponse
	}
	switch m.MsgType {
	case pb.MessageType_MsgPropose:
		return ErrProposalDropped
	case pb.MessageType_MsgAppend:
		r.becomeFollower(m.Term, m.From)
		r.handleAppendEntries(m)
	case pb.MessageType_MsgHeartbeat:
		r.becomeFollower(m.Term, m.From)
		r.handleHeartbeat(m)
	case pb.MessageType_MsgSnapshot:
		r.becomeFollower(m.Term, m.From)
		r.handleSnapshot(m)
	case myVoteRespType:
		status := r.poll(m.From, !m.Reject)
		switch status {
		case campaignElected:
			if r.State == StatePreCandidate {
				r.campaign(campaignElection)
			} else {
				r.becomeLeader()
				r.bcastAppend()
			}
		case campaignIneligible:
			r.becomeFollower(r.Term, None)
		}
	case pb.MessageType_MsgTimeoutNow:
		// A stale transfer target; the candidacy already underway
		// supersedes it.
	}
	return nil
}

func (r *Raft) stepFollower(m pb.Message) error {
	switch m.MsgType {
	case pb.MessageType_MsgPropose:
		if r.Lead == None {
			return ErrProposalDropped
		}
		m.To = r.Lead
		r.send(m)
	case pb.MessageType_MsgAppend:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleAppendEntries(m)
	case pb.MessageType_MsgHeartbeat:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleHeartbeat(m)
	case pb.MessageType_MsgSnapshot:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleSnapshot(m)
	case pb.MessageType_MsgTransferLeader:
		if r.Lead == None {
			return ErrProposalDropped
		}
		m.To = r.Lead
		r.send(m)
	case pb.MessageType_MsgTimeoutNow:
		r.campaign(campaignTransfer)
	case pb.MessageType_MsgReadIndex:
		if r.Lead == None {
			return ErrProposalDropped
		}
		m.To = r.Lead
		r.send(m)
	case pb.MessageType_MsgReadIndexResp:
		if len(m.Entries) != 1 {
			return nil
		}
		r.readStates = append(r.readStates, ReadState{Index: m.Index, RequestCtx: m.Entries[0].Data})
	}
	return nil
}

func (r *Raft) stepLeader(m pb.Message) error {
	switch m.MsgType {
	case pb.MessageType_MsgBeat:
		r.bcastHeartbeat()
		return nil
	case pb.MessageType_MsgCheckQuorum:
		if !r.checkQuorumActive() {
			r.becomeFollower(r.Term, None)
		}
		return nil
	case pb.MessageType_MsgPropose:
		if len(m.Entries) == 0 {
			panic("raft: stepLeader: empty entries")
		}
		if !r.prs.isVoter(r.id) {
			// Removed from the voter set but not yet stepped down
			// (that happens when the Finalize entry is applied): stop
			// taking new proposals in the meantime.
			return ErrProposalDropped
		}
		if r.leadTransferee != None {
			return ErrProposalDropped
		}
		for i, e := range m.Entries {
			if e.EntryType == pb.EntryType_EntryConfChange {
				if r.pendingMembership != nil || r.PendingConfIndex > r.RaftLog.applied {
					m.Entries[i] = &pb.Entry{EntryType: pb.EntryType_EntryNormal}
				} else {
					r.PendingConfIndex = r.RaftLog.LastIndex() + uint64(i) + 1
				}
			}
		}
		ents := make([]pb.Entry, len(m.Entries))
		for i, e := range m.Entries {
			ents[i] = *e
		}
		r.appendEntry(ents...)
		r.bcastAppend()
		return nil
	case pb.MessageType_MsgReadIndex:
		return r.stepLeaderReadIndex(m)
	case pb.MessageType_MsgTransferLeader:
		return r.stepLeaderTransfer(m)
	}

	pr := r.prs.get(m.From)
	if pr == nil {
		return nil
	}
	switch m.MsgType {
	case pb.MessageType_MsgAppendResponse:
		pr.RecentActive = true
		if m.Reject {
			if pr.MaybeDecrTo(m.Index, m.RejectHint) {
				if pr.State == ProgressStateReplicate {
					pr.BecomeProbe()
				}
				r.sendAppend(m.From)
			}
			return nil
		}
		if pr.MaybeUpdate(m.Index) {
			switch pr.State {
			case ProgressStateProbe:
				pr.BecomeReplicate()
			case ProgressStateSnapshot:
				if pr.Match >= pr.PendingSnapshot {
					pr.BecomeProbe()
					r.sendAppend(m.From)
				}
			case ProgressStateReplicate:
				pr.Inflights.FreeLE(m.Index)
			}
			if r.maybeCommit() {
				r.bcastAppend()
			} else if pr.State == ProgressStateReplicate && !pr.Inflights.Full() {
				r.sendAppend(m.From)
			}
			if r.leadTransferee == m.From && pr.Match == r.RaftLog.LastIndex() {
				r.sendTimeoutNow(m.From)
				r.abortLeaderTransfer()
			}
		}
	case pb.MessageType_MsgHeartbeatResponse:
		pr.RecentActive = true
		pr.ProbeSent = false
		if pr.State == ProgressStateReplicate && pr.Inflights.Full() {
			pr.Inflights.FreeFirstOne()
		}
		if pr.Match < r.RaftLog.LastIndex() {
			r.sendAppend(m.From)
		}
		if r.readOnly.option != ReadOnlySafe || len(m.Context) == 0 {
			return nil
		}
		acks := r.readOnly.recvAck(m.From, m.Context)
		if acks == nil || !r.prs.hasQuorum(func(id uint64) bool { return id == r.id || acks[id] }) {
			return nil
		}
		for _, rs := range r.readOnly.advance(m.Context) {
			r.respondReadIndex(rs)
		}
	case pb.MessageType_MsgUnreachable:
		if pr.State == ProgressStateReplicate {
			pr.BecomeProbe()
		}
	case pb.MessageType_MsgSnapStatus:
		if pr.State == ProgressStateSnapshot {
			if m.Reject {
				pr.SnapshotFailure()
			}
			pr.BecomeProbe()
		}
	}
	return nil
}

// checkQuorumActive returns whether a majority of voters have been
// heard from since the last check-quorum window, and resets the
// window's bookkeeping for the next one.
func (r *Raft) checkQuorumActive() bool {
	r.prs.get(r.id).RecentActive = true
	active := r.prs.hasQuorum(func(id uint64) bool {
		if id == r.id {
			return true
		}
		pr := r.prs.get(id)
		return pr != nil && pr.RecentActive
	})
	r.prs.clearRecentActive()
	return active
}

// stepLeaderReadIndex handles a ReadIndex request (local, or forwarded
// from a follower). ReadOnlySafe confirms via a heartbeat round;
// ReadOnlyLeaseBased answers immediately from the leader's lease.
func (r *Raft) stepLeaderReadIndex(m pb.Message) error {
	if r.quorum() > 1 && r.readOnly.option == ReadOnlySafe {
		if !r.committedEntryInCurrentTerm() {
			return nil
		}
		r.readOnly.addRequest(r.RaftLog.committed, m)
		r.bcastHeartbeatWithContext(m.Context)
		return nil
	}
	rs := ReadState{Index: r.RaftLog.committed, RequestCtx: m.Context}
	if m.From == None || m.From == r.id {
		r.readStates = append(r.readStates, rs)
	} else {
		r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgReadIndexResp, Index: rs.Index,
			Entries: []*pb.Entry{{Data: rs.RequestCtx}}})
	}
	return nil
}

func (r *Raft) committedEntryInCurrentTerm() bool {
	return r.RaftLog.zeroTermOnRangeErr(r.RaftLog.Term(r.RaftLog.committed)) == r.Term
}

func (r *Raft) respondReadIndex(rs *readIndexStatus) {
	if rs.req.From == None || rs.req.From == r.id {
		r.readStates = append(r.readStates, ReadState{Index: rs.index, RequestCtx: rs.req.Context})
		return
	}
	r.send(pb.Message{To: rs.req.From, MsgType: pb.MessageType_MsgReadIndexResp, Index: rs.index,
		Entries: []*pb.Entry{{Data: rs.req.Context}}})
}

// stepLeaderTransfer implements leadership transfer (spec §4.6): if
// the target is already caught up, send MsgTimeoutNow right away;
// otherwise bring it up to date first and remember it as the pending
// transferee so the next MsgAppendResponse can trigger the handoff.
func (r *Raft) stepLeaderTransfer(m pb.Message) error {
	leadTransferee := m.From
	lastLeadTransferee := r.leadTransferee
	if lastLeadTransferee != None {
		if lastLeadTransferee == leadTransferee {
			return nil
		}
		r.abortLeaderTransfer()
	}
	if leadTransferee == r.id {
		return nil
	}
	if _, ok := r.prs.progress[leadTransferee]; !ok {
		return nil
	}
	r.electionElapsed = 0
	r.leadTransferee = leadTransferee
	pr := r.prs.get(leadTransferee)
	if pr.Match == r.RaftLog.LastIndex() {
		r.sendTimeoutNow(leadTransferee)
	} else {
		r.sendAppend(leadTransferee)
	}
	return nil
}

// handleAppendEntries implements the AppendEntries RPC receiver side
// (spec §5.2): reject if the log doesn't yet have prevIndex/prevTerm,
// otherwise append and ack with the new match index.
func (r *Raft) handleAppendEntries(m pb.Message) {
	if m.Index < r.RaftLog.committed {
		r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse, Index: r.RaftLog.committed})
		return
	}
	ents := make([]pb.Entry, len(m.Entries))
	for i, e := range m.Entries {
		ents[i] = *e
	}
	if mlastIndex, ok := r.RaftLog.maybeAppend(m.Index, m.LogTerm, m.Commit, ents...); ok {
		r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse, Index: mlastIndex})
		return
	}
	hintIndex := r.findConflictByTerm(min(m.Index, r.RaftLog.LastIndex()), m.LogTerm)
	r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse, Index: m.Index, Reject: true, RejectHint: hintIndex})
}

// findConflictByTerm walks backward from index while its term is
// newer than term, giving a tighter hint than "my last index" so the
// leader's probe can skip straight past an entire disagreeing term.
func (r *Raft) findConflictByTerm(index uint64, term uint64) uint64 {
	for {
		logTerm, err := r.RaftLog.Term(index)
		if logTerm <= term || err != nil {
			break
		}
		index--
	}
	return index
}

func (r *Raft) handleHeartbeat(m pb.Message) {
	r.RaftLog.commitTo(m.Commit)
	r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgHeartbeatResponse, Context: m.Context})
}

func (r *Raft) handleSnapshot(m pb.Message) {
	if r.restore(*m.Snapshot) {
		r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse, Index: r.RaftLog.LastIndex()})
	} else {
		r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse, Index: r.RaftLog.committed})
	}
}

// restore applies an install-snapshot: rebuilds RaftLog and
// ProgressSet from the snapshot's metadata. Returns false (a no-op)
// if the snapshot is stale relative to what's already committed.
func (r *Raft) restore(s pb.Snapshot) bool {
	if s.Metadata.Index <= r.RaftLog.committed {
		return false
	}
	if r.RaftLog.matchTerm(s.Metadata.Index, s.Metadata.Term) {
		r.RaftLog.commitTo(s.Metadata.Index)
		return false
	}

	r.prs = newProgressSet()
	for _, id := range s.Metadata.ConfState.Nodes {
		r.prs.createProgress(id, 0, r.RaftLog.LastIndex()+1, r.maxInflight, false)
		r.prs.voters.add(id)
	}
	for _, id := range s.Metadata.ConfState.LearnerNodes {
		r.prs.createProgress(id, 0, r.RaftLog.LastIndex()+1, r.maxInflight, true)
		r.prs.learners.add(id)
	}
	r.pendingMembership = nil
	if s.Metadata.PendingMembershipChange != nil {
		if err := r.beginMembershipChange(s.Metadata.PendingMembershipChange, s.Metadata.PendingMembershipChangeIndex); err != nil {
			panic(err)
		}
	}

	r.RaftLog.restore(s)
	return true
}
