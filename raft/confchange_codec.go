package raft

import (
	"github.com/gogo/protobuf/proto"
	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
)

// marshalConfChangeV2 and unmarshalConfChangeV2 are the encode/decode
// pair for the membership-change payload carried inside a
// ConfChange entry's Data field — the same pattern tinykv's
// raftstore uses to stash a plain ConfChange in an entry (see
// kv/raftstore/peer.go's ProposeConfChange), just for the joint
// ConfChangeV2 record instead of a single-peer ConfChange.
func marshalConfChangeV2(cc *pb.ConfChangeV2) ([]byte, error) {
	return proto.Marshal(cc)
}

// unmarshalConfChangeV2 decodes a FinalizeMembershipChange or
// BeginMembershipChange entry payload. A decode failure here is fatal:
// the payload was produced by this same leader, so corruption means
// the log or the encoding is broken, not a protocol-level
// disagreement (spec §9, "Conf-change encoding").
func unmarshalConfChangeV2(data []byte) (*pb.ConfChangeV2, error) {
	cc := &pb.ConfChangeV2{}
	if err := proto.Unmarshal(data, cc); err != nil {
		return nil, err
	}
	return cc, nil
}
