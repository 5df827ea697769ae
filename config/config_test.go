package config_test

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinyraft/config"
	"github.com/pingcap-incubator/tinyraft/raft"
)

func TestDefaultIsUsableWithoutAFile(t *testing.T) {
	cfg := config.Default()
	d, err := cfg.TickDuration()
	require.NoError(t, err)
	require.Equal(t, 100_000_000, int(d))

	rc, err := cfg.RaftConfig(raft.NewMemoryStorage())
	require.NoError(t, err)
	require.Equal(t, uint64(1<<20), rc.MaxSizePerMsg)
	require.True(t, rc.CheckQuorum)
	require.True(t, rc.PreVote)
	require.Equal(t, raft.ReadOnlySafe, rc.ReadOnlyOption)
}

func TestLoadOverridesOnlyFieldsPresentInFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tinyraftd.toml")
	contents := `
id = 1
peers = [1, 2, 3]
addr = "10.0.0.1:5100"
`
	require.NoError(t, ioutil.WriteFile(path, []byte(contents), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1), cfg.ID)
	require.Equal(t, []uint64{1, 2, 3}, cfg.Peers)
	require.Equal(t, "10.0.0.1:5100", cfg.Addr)

	// Fields absent from the file keep Default's values.
	require.Equal(t, 10, cfg.ElectionTick)
	require.Equal(t, 2, cfg.HeartbeatTick)
	require.True(t, cfg.CheckQuorum)
}

func TestRaftConfigRejectsUnparsableMaxSize(t *testing.T) {
	cfg := config.Default()
	cfg.MaxSizePerMsg = "not-a-size"
	_, err := cfg.RaftConfig(raft.NewMemoryStorage())
	require.Error(t, err)
}
