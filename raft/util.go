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
	"fmt"

	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
)

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

type uint64Slice []uint64

func (s uint64Slice) Len() int           { return len(s) }
func (s uint64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s uint64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// IsEmptyHardState returns true if the given HardState is empty.
func IsEmptyHardState(st pb.HardState) bool {
	return isHardStateEqual(st, pb.HardState{})
}

func isHardStateEqual(a, b pb.HardState) bool {
	return a.Term == b.Term && a.Vote == b.Vote && a.Commit == b.Commit
}

// IsEmptySnap returns true if the given Snapshot carries no data.
func IsEmptySnap(sp *pb.Snapshot) bool {
	return sp == nil || sp.Metadata == nil || sp.Metadata.Index == 0
}

func limitSize(ents []pb.Entry, maxSize uint64) []pb.Entry {
	if len(ents) == 0 || maxSize == 0 {
		return ents
	}
	size := uint64(0)
	for i := range ents {
		size += uint64(entrySize(&ents[i]))
		if size > maxSize && i > 0 {
			return ents[:i]
		}
	}
	return ents
}

// Size approximates the wire size of an entry. The core never
// encodes entries itself (that is Storage's job); this only needs to
// be stable and monotonic with payload length for batching decisions.
func entrySize(e *pb.Entry) int {
	return 24 + len(e.Data)
}

func numOfPendingConf(ents []pb.Entry) int {
	n := 0
	for i := range ents {
		if ents[i].EntryType == pb.EntryType_EntryConfChange {
			n++
		}
	}
	return n
}

func describeMessage(m pb.Message) string {
	return fmt.Sprintf("%s from %d to %d at term %d", m.MsgType, m.From, m.To, m.Term)
}

func isLocalMsg(t pb.MessageType) bool {
	return t == pb.MessageType_MsgHup || t == pb.MessageType_MsgBeat ||
		t == pb.MessageType_MsgUnreachable || t == pb.MessageType_MsgSnapStatus ||
		t == pb.MessageType_MsgCheckQuorum
}

func isResponseMsg(t pb.MessageType) bool {
	return t == pb.MessageType_MsgAppendResponse || t == pb.MessageType_MsgRequestVoteResponse ||
		t == pb.MessageType_MsgHeartbeatResponse || t == pb.MessageType_MsgUnreachable ||
		t == pb.MessageType_MsgRequestPreVoteResponse
}
