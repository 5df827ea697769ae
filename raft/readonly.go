package raft

import (
	"github.com/petar/GoLLRB/llrb"
	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
)

// ReadOnlyOption configures how the leader serves linearizable reads.
type ReadOnlyOption int

const (
	// ReadOnlySafe confirms a read via a heartbeat round-trip to a
	// quorum before answering — safe across leader changes.
	ReadOnlySafe ReadOnlyOption = iota
	// ReadOnlyLeaseBased answers immediately from commit_index,
	// relying on the leader lease (requires CheckQuorum).
	ReadOnlyLeaseBased
)

// ReadState is a committed read-index result awaiting delivery to
// whatever local caller issued the matching ReadIndex request.
type ReadState struct {
	Index      uint64
	RequestCtx []byte
}

// readIndexStatus tracks one in-flight ReadIndex request: the commit
// index it was recorded against, the original request (so a forwarded
// request can be answered with a ReadIndexResp to the right peer),
// and which voters have echoed its context back.
type readIndexStatus struct {
	req   pb.Message
	index uint64
	acks  map[uint64]bool
	seq   uint64
}

// seqItem orders pending requests by arrival sequence in a GoLLRB
// tree, matching spec §4.5's "stack in order... advancing one
// releases all earlier ones": since a stable leader's commit_index
// only grows, arrival order and recorded-index order coincide, so
// walking the tree in sequence order is exactly walking it in
// recorded-index order.
type seqItem struct {
	seq uint64
	ctx string
}

func (a seqItem) Less(than llrb.Item) bool { return a.seq < than.(seqItem).seq }

// readOnly is the leader-side tracker for outstanding read-index
// requests under ReadOnlySafe.
type readOnly struct {
	option  ReadOnlyOption
	pending map[string]*readIndexStatus
	queue   *llrb.LLRB
	nextSeq uint64
}

func newReadOnly(option ReadOnlyOption) *readOnly {
	return &readOnly{
		option:  option,
		pending: make(map[string]*readIndexStatus),
		queue:   llrb.New(),
	}
}

// addRequest records a new ReadIndex request at the given commit
// index, keyed by its wire context.
func (ro *readOnly) addRequest(index uint64, m pb.Message) {
	ctx := string(m.Context)
	if _, ok := ro.pending[ctx]; ok {
		return
	}
	seq := ro.nextSeq
	ro.nextSeq++
	ro.pending[ctx] = &readIndexStatus{req: m, index: index, acks: make(map[uint64]bool), seq: seq}
	ro.queue.ReplaceOrInsert(seqItem{seq: seq, ctx: ctx})
}

// recvAck records that voter id echoed context back (a
// HeartbeatResponse carrying it) and returns the running ack set for
// that request.
func (ro *readOnly) recvAck(id uint64, context []byte) map[uint64]bool {
	rs, ok := ro.pending[string(context)]
	if !ok {
		return nil
	}
	rs.acks[id] = true
	return rs.acks
}

// advance releases every pending request up to and including the one
// matching context's — in arrival order — removing them from the
// tracker and returning them for the caller to turn into ReadStates
// or ReadIndexResp messages.
func (ro *readOnly) advance(context []byte) []*readIndexStatus {
	rs, ok := ro.pending[string(context)]
	if !ok {
		return nil
	}
	var released []*readIndexStatus
	var toDelete []seqItem
	ro.queue.AscendLessThan(seqItem{seq: rs.seq + 1}, func(i llrb.Item) bool {
		item := i.(seqItem)
		status := ro.pending[item.ctx]
		released = append(released, status)
		toDelete = append(toDelete, item)
		return true
	})
	for _, item := range toDelete {
		ro.queue.Delete(item)
		delete(ro.pending, item.ctx)
	}
	return released
}

// lastPendingRequestCtx returns the context of the most recently
// added request, used to attach to the next heartbeat broadcast.
func (ro *readOnly) lastPendingRequestCtx() []byte {
	var last string
	var found bool
	ro.queue.AscendLessThan(seqItem{seq: ro.nextSeq}, func(i llrb.Item) bool {
		last = i.(seqItem).ctx
		found = true
		return true
	})
	if !found {
		return nil
	}
	return []byte(last)
}

func (ro *readOnly) len() int { return ro.queue.Len() }
