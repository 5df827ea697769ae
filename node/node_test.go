package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinyraft/node"
	"github.com/pingcap-incubator/tinyraft/raft"
)

func startTestNode(t *testing.T, id uint64, peers []uint64) (node.Node, *raft.MemoryStorage) {
	storage := raft.NewMemoryStorage()
	cfg := &raft.Config{
		ID:              id,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         storage,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
	}
	cfg.SetPeers(peers)
	n, err := node.Start(cfg)
	require.NoError(t, err)
	t.Cleanup(n.Stop)
	return n, storage
}

// persistReady saves rd's hard state and entries to storage, as a
// driver must before calling Advance.
func persistReady(t *testing.T, storage *raft.MemoryStorage, rd raft.Ready) {
	t.Helper()
	if !raft.IsEmptyHardState(rd.HardState) {
		require.NoError(t, storage.SetHardState(rd.HardState))
	}
	require.NoError(t, storage.Append(rd.Entries))
}

// electSingleNode drives n's logical clock until it wins an election,
// persisting and advancing every Ready along the way exactly as a real
// driver loop would.
func electSingleNode(t *testing.T, ctx context.Context, n node.Node, storage *raft.MemoryStorage) {
	t.Helper()
	for i := 0; i < 20; i++ {
		n.Tick()
		select {
		case rd := <-n.Ready():
			persistReady(t, storage, rd)
			n.Advance(rd)
			if rd.SoftState != nil && rd.SoftState.RaftState == raft.StateLeader {
				return
			}
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal(ctx.Err())
		}
	}
	t.Fatal("node never became leader")
}

func TestNodeElectsItselfLeaderOnASingleNodeCluster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, storage := startTestNode(t, 1, []uint64{1})
	electSingleNode(t, ctx, n, storage)

	require.Equal(t, raft.StateLeader, n.Status().State)
}

func TestNodeProposeCommitsOnSingleNodeCluster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, storage := startTestNode(t, 1, []uint64{1})
	electSingleNode(t, ctx, n, storage)

	require.NoError(t, n.Propose(ctx, []byte("hello")))

	select {
	case rd := <-n.Ready():
		require.NotEmpty(t, rd.CommittedEntries)
		require.Equal(t, []byte("hello"), rd.CommittedEntries[len(rd.CommittedEntries)-1].Data)
		persistReady(t, storage, rd)
		n.Advance(rd)
	case <-ctx.Done():
		t.Fatal(ctx.Err())
	}
}

func TestNodeStopClosesReadyChannelConsumersGracefully(t *testing.T) {
	cfg := &raft.Config{
		ID:              1,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         raft.NewMemoryStorage(),
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
	}
	cfg.SetPeers([]uint64{1})
	n, err := node.Start(cfg)
	require.NoError(t, err)

	n.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = n.Propose(ctx, []byte("too late"))
	require.Equal(t, raft.ErrProposalDropped, err)
}
