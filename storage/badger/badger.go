// Package badger persists a single raft peer's hard state, log
// entries and snapshot in a github.com/Connor1996/badger key/value
// store, the same engine tinykv's standalone storage opens for its
// state machine (kv/storage/standalone_storage).
package badger

import (
	"bytes"
	"encoding/binary"

	"github.com/Connor1996/badger"
	"github.com/gogo/protobuf/proto"
	"github.com/juju/errors"

	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
	"github.com/pingcap-incubator/tinyraft/raft"
)

var (
	hardStateKey = []byte("raft/hard_state")
	confStateKey = []byte("raft/conf_state")
	snapshotKey  = []byte("raft/snapshot")
	pendingCCKey = []byte("raft/pending_conf_change")
	entryPrefix  = []byte("raft/log/")
)

func entryKey(index uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], index)
	return key
}

func entryIndexFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(entryPrefix):])
}

// Storage is a raft.Storage backed by badger. Unlike raft.MemoryStorage
// it survives a process restart: InitialState returns the hard state
// saved by SetHardState, the configuration saved by SetConfState and
// the membership change saved by SavePendingMembershipChange.
// ApplySnapshot updates neither of the last two, so a snapshot's
// ConfState and pending change are not reflected in InitialState.
type Storage struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger store at dir for a
// single raft peer's durable state.
func Open(dir string) (*Storage, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger store at %q", dir)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying badger handles.
func (s *Storage) Close() error {
	return errors.Annotate(s.db.Close(), "close badger store")
}

func (s *Storage) InitialState() (raft.InitialState, error) {
	var st raft.InitialState
	err := s.db.View(func(txn *badger.Txn) error {
		if hs, ok, err := getMsg(txn, hardStateKey, &pb.HardState{}); err != nil {
			return err
		} else if ok {
			st.HardState = *hs.(*pb.HardState)
		}
		if cs, ok, err := getMsg(txn, confStateKey, &pb.ConfState{}); err != nil {
			return err
		} else if ok {
			st.ConfState = *cs.(*pb.ConfState)
		}
		if cc, ok, err := getMsg(txn, pendingCCKey, &pb.ConfChangeV2{}); err != nil {
			return err
		} else if ok {
			ccv2 := cc.(*pb.ConfChangeV2)
			st.PendingMembershipChange = ccv2
			st.PendingMembershipChangeIndex = ccv2.StartIndex
		}
		return nil
	})
	if err != nil {
		return raft.InitialState{}, errors.Annotate(err, "load initial state")
	}
	return st, nil
}

// SetHardState durably persists the current hard state. The driver
// calls this before shipping any message that depends on it.
func (s *Storage) SetHardState(st pb.HardState) error {
	return errors.Annotate(s.putMsg(hardStateKey, &st), "save hard state")
}

// SetConfState persists the bootstrap configuration for a freshly
// created cluster (no snapshot yet).
func (s *Storage) SetConfState(cs pb.ConfState) error {
	return errors.Annotate(s.putMsg(confStateKey, &cs), "save conf state")
}

// Entries returns a slice of log entries in [lo, hi), bounded by
// maxSize bytes.
func (s *Storage) Entries(lo, hi, maxSize uint64) ([]pb.Entry, error) {
	var ents []pb.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		var size uint64
		for it.Seek(entryKey(lo)); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if !bytes.HasPrefix(key, entryPrefix) {
				break
			}
			idx := entryIndexFromKey(key)
			if idx >= hi {
				break
			}
			val, err := item.Value()
			if err != nil {
				return err
			}
			var ent pb.Entry
			if err := proto.Unmarshal(val, &ent); err != nil {
				return err
			}
			if maxSize > 0 && size > 0 && size+uint64(len(val)) > maxSize {
				break
			}
			size += uint64(len(val))
			ents = append(ents, ent)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "read entries [%d, %d)", lo, hi)
	}
	if len(ents) == 0 {
		return nil, raft.ErrUnavailable
	}
	return ents, nil
}

func (s *Storage) Term(i uint64) (uint64, error) {
	var term uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(i))
		if err == badger.ErrKeyNotFound {
			return raft.ErrUnavailable
		}
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		var ent pb.Entry
		if err := proto.Unmarshal(val, &ent); err != nil {
			return err
		}
		term = ent.Term
		return nil
	})
	if err != nil {
		return 0, errors.Annotatef(err, "term of entry %d", i)
	}
	return term, nil
}

// FirstIndex returns the index of the oldest stored log entry, or one
// past the last compacted (snapshotted) index if the log holds no
// entries of its own.
func (s *Storage) FirstIndex() (uint64, error) {
	var first uint64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		it.Seek(entryPrefix)
		if it.Valid() && bytes.HasPrefix(it.Item().Key(), entryPrefix) {
			first = entryIndexFromKey(it.Item().Key())
			return nil
		}
		snapIdx, err := s.snapshotIndex(txn)
		if err != nil {
			return err
		}
		first = snapIdx + 1
		return nil
	})
	if err != nil {
		return 0, errors.Annotate(err, "first index")
	}
	return first, nil
}

// LastIndex returns the index of the newest stored log entry, or the
// last compacted (snapshotted) index if the log holds no entries of
// its own.
func (s *Storage) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(entryKey(^uint64(0)))
		if it.Valid() && bytes.HasPrefix(it.Item().Key(), entryPrefix) {
			last = entryIndexFromKey(it.Item().Key())
			return nil
		}
		snapIdx, err := s.snapshotIndex(txn)
		if err != nil {
			return err
		}
		last = snapIdx
		return nil
	})
	if err != nil {
		return 0, errors.Annotate(err, "last index")
	}
	return last, nil
}

// snapshotIndex returns the index covered by the last durable
// snapshot, or 0 if none has been taken yet.
func (s *Storage) snapshotIndex(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(snapshotKey)
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val, err := item.Value()
	if err != nil {
		return 0, err
	}
	var snap pb.Snapshot
	if err := proto.Unmarshal(val, &snap); err != nil {
		return 0, err
	}
	if snap.Metadata == nil {
		return 0, nil
	}
	return snap.Metadata.Index, nil
}

func (s *Storage) Snapshot() (pb.Snapshot, error) {
	var snap pb.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if err == badger.ErrKeyNotFound {
			snap.Metadata = &pb.SnapshotMetadata{}
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		return proto.Unmarshal(val, &snap)
	})
	if err != nil {
		return pb.Snapshot{}, errors.Annotate(err, "load snapshot")
	}
	return snap, nil
}

// Append durably writes entries, overwriting any conflicting tail.
func (s *Storage) Append(entries []pb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return errors.Annotate(s.db.Update(func(txn *badger.Txn) error {
		for i := range entries {
			data, err := proto.Marshal(&entries[i])
			if err != nil {
				return err
			}
			if err := txn.Set(entryKey(entries[i].Index), data); err != nil {
				return err
			}
		}
		return nil
	}), "append entries")
}

// ApplySnapshot overwrites local state with the given snapshot,
// discarding any log entry it supersedes.
func (s *Storage) ApplySnapshot(snap pb.Snapshot) error {
	return errors.Annotate(s.db.Update(func(txn *badger.Txn) error {
		data, err := proto.Marshal(&snap)
		if err != nil {
			return err
		}
		if err := txn.Set(snapshotKey, data); err != nil {
			return err
		}
		return s.compactLocked(txn, snap.Metadata.Index+1)
	}), "apply snapshot")
}

// Compact discards log entries below i, which must already be covered
// by a durable snapshot.
func (s *Storage) Compact(i uint64) error {
	return errors.Annotate(s.db.Update(func(txn *badger.Txn) error {
		return s.compactLocked(txn, i)
	}), "compact log")
}

func (s *Storage) compactLocked(txn *badger.Txn, before uint64) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var toDelete [][]byte
	for it.Seek(entryPrefix); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if !bytes.HasPrefix(key, entryPrefix) {
			break
		}
		if entryIndexFromKey(key) >= before {
			break
		}
		toDelete = append(toDelete, key)
	}
	for _, key := range toDelete {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// SavePendingMembershipChange persists the in-flight joint
// configuration (or clears it, if cc is nil) so InitialState can
// restore it across a restart.
func (s *Storage) SavePendingMembershipChange(cc *pb.ConfChangeV2) error {
	if cc == nil {
		return errors.Annotate(s.db.Update(func(txn *badger.Txn) error {
			err := txn.Delete(pendingCCKey)
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}), "clear pending membership change")
	}
	return errors.Annotate(s.putMsg(pendingCCKey, cc), "save pending membership change")
}

func (s *Storage) putMsg(key []byte, m proto.Message) error {
	data, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func getMsg(txn *badger.Txn, key []byte, m proto.Message) (proto.Message, bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.Value()
	if err != nil {
		return nil, false, err
	}
	if err := proto.Unmarshal(val, m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}
