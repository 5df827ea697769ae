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

import "errors"

// ErrCompacted is returned by Storage.Entries/Term when a requested
// index is older than the last snapshot.
var ErrCompacted = errors.New("requested index is unavailable due to compaction")

// ErrSnapOutOfDate is returned by Storage.Snapshot when a requested
// snapshot is older than the last snapshot already taken.
var ErrSnapOutOfDate = errors.New("requested index is older than the existing snapshot")

// ErrUnavailable is returned by Storage interface methods when the
// requested data is not available.
var ErrUnavailable = errors.New("requested entry at index is unavailable")

// ErrSnapshotTemporarilyUnavailable is returned by the Storage interface
// when the required snapshot is temporarily unavailable.
var ErrSnapshotTemporarilyUnavailable = errors.New("snapshot is temporarily unavailable")

// ErrProposalDropped is returned when a proposal cannot currently be
// accepted (no known leader, candidate, leader transfer in progress,
// leader no longer a voter). It is a recoverable, expected error: no
// state changes.
var ErrProposalDropped = errors.New("raft proposal dropped")

// ErrViolatesContract is returned when a caller hands the core a
// malformed membership-change request (empty voter set, voters and
// learners overlapping, and so on).
var ErrViolatesContract = errors.New("membership change request violates contract")

// ErrNoPendingMembershipChange is returned when a
// FinalizeMembershipChange entry is applied and no
// BeginMembershipChange was ever applied. Re-finalizing a change that
// already finalized is a no-op, not this error.
var ErrNoPendingMembershipChange = errors.New("no pending membership change to finalize")

// ErrInvalidState is returned for operations that require the local
// node to be leader but it is not.
var ErrInvalidState = errors.New("invalid state for requested operation")
