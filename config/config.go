// Package config loads a single raft peer's settings from a TOML
// file, the way tinykv's kv/config package loads the store config —
// byte-size fields are written as human strings ("64MB") and parsed
// with docker/go-units rather than requiring a raw integer.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/juju/errors"

	"github.com/pingcap-incubator/tinyraft/raft"
)

// Config is the on-disk shape of a node's settings file.
type Config struct {
	ID     uint64   `toml:"id"`
	Peers  []uint64 `toml:"peers"`
	DBPath string   `toml:"db-path"`
	Addr   string   `toml:"addr"`

	TickInterval string `toml:"tick-interval"`

	ElectionTick    int    `toml:"election-tick"`
	HeartbeatTick   int    `toml:"heartbeat-tick"`
	MaxSizePerMsg   string `toml:"max-size-per-msg"`
	MaxInflightMsgs int    `toml:"max-inflight-msgs"`
	CheckQuorum     bool   `toml:"check-quorum"`
	PreVote         bool   `toml:"pre-vote"`
	ReadOnlyLease   bool   `toml:"read-only-lease-based"`
}

// Default returns a Config populated with the defaults tinykv ships
// for a freshly bootstrapped single-node test cluster.
func Default() *Config {
	return &Config{
		DBPath:          "/tmp/tinyraft",
		Addr:            "127.0.0.1:5100",
		TickInterval:    "100ms",
		ElectionTick:    10,
		HeartbeatTick:   2,
		MaxSizePerMsg:   "1MB",
		MaxInflightMsgs: 256,
		CheckQuorum:     true,
		PreVote:         true,
	}
}

// Load parses a TOML config file at path, falling back to Default for
// any field left unset.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Annotatef(err, "load config from %q", path)
	}
	return cfg, nil
}

// TickDuration parses TickInterval into a time.Duration.
func (c *Config) TickDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil {
		return 0, errors.Annotatef(err, "parse tick-interval %q", c.TickInterval)
	}
	return d, nil
}

// RaftConfig builds a raft.Config from the loaded settings, wiring in
// storage (which the caller must have already opened, since its
// lifecycle — and choice of engine — is the driver's, not config's).
func (c *Config) RaftConfig(storage raft.Storage) (*raft.Config, error) {
	maxSize, err := units.RAMInBytes(c.MaxSizePerMsg)
	if err != nil {
		return nil, errors.Annotatef(err, "parse max-size-per-msg %q", c.MaxSizePerMsg)
	}
	readOnlyOpt := raft.ReadOnlySafe
	if c.ReadOnlyLease {
		readOnlyOpt = raft.ReadOnlyLeaseBased
	}
	rc := &raft.Config{
		ID:              c.ID,
		ElectionTick:    c.ElectionTick,
		HeartbeatTick:   c.HeartbeatTick,
		Storage:         storage,
		MaxSizePerMsg:   uint64(maxSize),
		MaxInflightMsgs: c.MaxInflightMsgs,
		CheckQuorum:     c.CheckQuorum,
		PreVote:         c.PreVote,
		ReadOnlyOption:  readOnlyOpt,
	}
	rc.SetPeers(c.Peers)
	return rc, nil
}
