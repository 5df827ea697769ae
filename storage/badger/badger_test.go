package badger_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
	"github.com/pingcap-incubator/tinyraft/raft"
	badgerstore "github.com/pingcap-incubator/tinyraft/storage/badger"
)

func openTestStorage(t *testing.T) *badgerstore.Storage {
	s, err := badgerstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestFreshStorageHasEmptyInitialState(t *testing.T) {
	s := openTestStorage(t)

	st, err := s.InitialState()
	require.NoError(t, err)
	require.True(t, raft.IsEmptyHardState(st.HardState))
	require.Nil(t, st.PendingMembershipChange)

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)
}

func TestAppendPersistsEntriesAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := badgerstore.Open(dir)
	require.NoError(t, err)

	entries := []pb.Entry{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 2, Data: []byte("c")},
	}
	require.NoError(t, s.Append(entries))
	require.NoError(t, s.SetHardState(pb.HardState{Term: 2, Vote: 1, Commit: 3}))
	require.NoError(t, s.Close())

	reopened, err := badgerstore.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	first, err := reopened.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	last, err := reopened.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	got, err := reopened.Entries(1, 4, 0)
	require.NoError(t, err)
	require.Equal(t, entries, got)

	term, err := reopened.Term(2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)

	st, err := reopened.InitialState()
	require.NoError(t, err)
	require.Equal(t, uint64(2), st.HardState.Term)
	require.Equal(t, uint64(3), st.HardState.Commit)
}

func TestCompactRemovesEntriesBelowIndex(t *testing.T) {
	s := openTestStorage(t)

	entries := []pb.Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
		{Index: 3, Term: 1},
		{Index: 4, Term: 2},
	}
	require.NoError(t, s.Append(entries))
	require.NoError(t, s.Compact(3))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), first)

	_, err = s.Entries(1, 3, 0)
	require.Equal(t, raft.ErrUnavailable, err)

	got, err := s.Entries(3, 5, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestApplySnapshotAdvancesFirstAndLastIndex(t *testing.T) {
	s := openTestStorage(t)

	snap := pb.Snapshot{
		Data:     []byte("state"),
		Metadata: &pb.SnapshotMetadata{Index: 5, Term: 2, ConfState: &pb.ConfState{Nodes: []uint64{1, 2, 3}}},
	}
	require.NoError(t, s.ApplySnapshot(snap))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(6), first)

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)

	got, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, snap.Data, got.Data)
	require.Equal(t, snap.Metadata.Index, got.Metadata.Index)
}

func TestSavePendingMembershipChangeRoundTrips(t *testing.T) {
	s := openTestStorage(t)

	cc := &pb.ConfChangeV2{
		ChangeType:    pb.ConfChangeType_AddNode,
		Configuration: &pb.ConfState{Nodes: []uint64{1, 2, 3, 4}},
		StartIndex:    7,
	}
	require.NoError(t, s.SavePendingMembershipChange(cc))

	st, err := s.InitialState()
	require.NoError(t, err)
	require.NotNil(t, st.PendingMembershipChange)
	require.Equal(t, uint64(7), st.PendingMembershipChangeIndex)

	require.NoError(t, s.SavePendingMembershipChange(nil))
	st, err = s.InitialState()
	require.NoError(t, err)
	require.Nil(t, st.PendingMembershipChange)
}
