// Package node implements the outer driver loop around a raft.RawNode:
// the single goroutine that actually calls Tick/Step and turns the
// core's accumulated state into a channel-delivered raft.Ready, the
// way kv/raftstore/peer.go's HandleRaftReady drives a RaftGroup from
// the surrounding store worker loop. Everything in package raft stays
// synchronous and side-effect-free; this is the one place a caller is
// allowed to reach the core from multiple goroutines.
package node

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
	"github.com/pingcap-incubator/tinyraft/raft"
)

// Node is the concurrency-safe facade a driver program talks to.
type Node interface {
	// Tick advances the internal logical clock by a single tick.
	Tick()
	// Step advances the state machine with an externally received
	// message (from transport).
	Step(ctx context.Context, m pb.Message) error
	// Propose proposes that data be appended to the log.
	Propose(ctx context.Context, data []byte) error
	// ProposeConfChange proposes a membership change to cs.
	ProposeConfChange(ctx context.Context, cs pb.ConfState) error
	// TransferLeadership attempts to hand leadership to transferee.
	TransferLeadership(ctx context.Context, transferee uint64)
	// ReadIndex requests a linearizable read confirmed against rctx;
	// the result arrives in a later Ready's ReadStates.
	ReadIndex(ctx context.Context, rctx []byte) error
	// Ready returns a channel that yields a raft.Ready whenever there
	// is state worth acting on.
	Ready() <-chan raft.Ready
	// Advance must be called once the caller has finished acting on
	// the most recently received Ready, with that same value.
	Advance(rd raft.Ready)
	// ApplyConfChange tells the core a conf-change entry has been
	// applied to the state machine.
	ApplyConfChange(ctx context.Context, ent pb.Entry) error
	// Status returns a point-in-time snapshot of the core's state.
	Status() raft.Status
	// Stop terminates the driver goroutine.
	Stop()
}

type msgWithResult struct {
	m      pb.Message
	result chan error
}

type confChangePropose struct {
	cs     pb.ConfState
	result chan error
}

type node struct {
	propc      chan msgWithResult
	recvc      chan pb.Message
	confproposec chan confChangePropose
	confc      chan pb.Entry
	confDonec  chan error
	tickc      chan struct{}
	readyc     chan raft.Ready
	advancec   chan raft.Ready
	statusc    chan chan raft.Status
	stopc      chan struct{}
	donec      chan struct{}

	rn *raft.RawNode
}

// Start creates a Node wrapping config and launches its driver
// goroutine. It takes no tick interval: callers that want
// wall-clock-driven ticking call Tick() on their own timer (see
// TickLoop and cmd/tinyraftd), since the core itself has no notion of
// time.
func Start(config *raft.Config) (Node, error) {
	rn, err := raft.NewRawNode(config)
	if err != nil {
		return nil, err
	}
	n := &node{
		propc:        make(chan msgWithResult),
		recvc:        make(chan pb.Message),
		confproposec: make(chan confChangePropose),
		confc:        make(chan pb.Entry),
		confDonec:    make(chan error),
		tickc:     make(chan struct{}, 128),
		readyc:    make(chan raft.Ready),
		advancec:  make(chan raft.Ready),
		statusc:   make(chan chan raft.Status),
		stopc:     make(chan struct{}),
		donec:     make(chan struct{}),
		rn:        rn,
	}
	go n.run()
	return n, nil
}

func (n *node) run() {
	defer close(n.donec)

	var readyc chan raft.Ready
	var advancec chan raft.Ready
	var rd raft.Ready

	for {
		if advancec == nil && n.rn.HasReady() {
			prev, undelivered := rd, readyc != nil
			rd = n.rn.Ready()
			if undelivered {
				// Ready cleared these from the core when prev was built.
				rd.Messages = append(prev.Messages, rd.Messages...)
				rd.ReadStates = append(prev.ReadStates, rd.ReadStates...)
			}
			readyc = n.readyc
		} else if advancec != nil {
			readyc = nil
		}

		select {
		case pm := <-n.propc:
			pm.result <- n.rn.Raft.Step(pm.m)
			close(pm.result)
		case m := <-n.recvc:
			if err := n.rn.Step(m); err != nil {
				logrus.WithError(err).WithField("from", m.From).Debug("dropped inbound raft message")
			}
		case cp := <-n.confproposec:
			cp.result <- n.rn.ProposeConfChange(cp.cs)
			close(cp.result)
		case ent := <-n.confc:
			n.confDonec <- n.rn.ApplyConfChange(ent)
		case <-n.tickc:
			n.rn.Tick()
		case readyc <- rd:
			advancec = n.advancec
			readyc = nil
		case rd = <-advancec:
			n.rn.Advance(rd)
			advancec = nil
		case c := <-n.statusc:
			c <- n.rn.Status()
		case <-n.stopc:
			return
		}
	}
}

func (n *node) Tick() {
	select {
	case n.tickc <- struct{}{}:
	case <-n.donec:
	}
}

func (n *node) step(ctx context.Context, m pb.Message) error {
	ch := make(chan error, 1)
	select {
	case n.propc <- msgWithResult{m: m, result: ch}:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.donec:
		return raft.ErrProposalDropped
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.donec:
		return raft.ErrProposalDropped
	}
}

func (n *node) Step(ctx context.Context, m pb.Message) error {
	select {
	case n.recvc <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.donec:
		return raft.ErrProposalDropped
	}
}

func (n *node) Propose(ctx context.Context, data []byte) error {
	return n.step(ctx, pb.Message{
		MsgType: pb.MessageType_MsgPropose,
		Entries: []*pb.Entry{{Data: data}},
	})
}

func (n *node) ProposeConfChange(ctx context.Context, cs pb.ConfState) error {
	ch := make(chan error, 1)
	select {
	case n.confproposec <- confChangePropose{cs: cs, result: ch}:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.donec:
		return raft.ErrProposalDropped
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.donec:
		return raft.ErrProposalDropped
	}
}

func (n *node) TransferLeadership(ctx context.Context, transferee uint64) {
	select {
	case n.recvc <- pb.Message{MsgType: pb.MessageType_MsgTransferLeader, From: transferee}:
	case <-ctx.Done():
	case <-n.donec:
	}
}

func (n *node) ReadIndex(ctx context.Context, rctx []byte) error {
	return n.step(ctx, pb.Message{
		MsgType: pb.MessageType_MsgReadIndex,
		Context: rctx,
	})
}

func (n *node) Ready() <-chan raft.Ready { return n.readyc }

func (n *node) Advance(rd raft.Ready) {
	select {
	case n.advancec <- rd:
	case <-n.donec:
	}
}

func (n *node) ApplyConfChange(ctx context.Context, ent pb.Entry) error {
	select {
	case n.confc <- ent:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.donec:
		return raft.ErrProposalDropped
	}
	select {
	case err := <-n.confDonec:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.donec:
		return raft.ErrProposalDropped
	}
}

func (n *node) Status() raft.Status {
	ch := make(chan raft.Status, 1)
	select {
	case n.statusc <- ch:
	case <-n.donec:
		return raft.Status{}
	}
	select {
	case st := <-ch:
		return st
	case <-n.donec:
		return raft.Status{}
	}
}

func (n *node) Stop() {
	select {
	case n.stopc <- struct{}{}:
	case <-n.donec:
		return
	}
	<-n.donec
}

// TickLoop runs n.Tick() on the given interval until stop is closed;
// a thin convenience for cmd/tinyraftd wiring a wall-clock tick source
// (the core itself has no notion of real time).
func TickLoop(n Node, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.Tick()
		case <-stop:
			return
		}
	}
}
