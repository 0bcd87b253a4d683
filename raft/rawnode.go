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
	"errors"

	pb "github.com/pingcap/kvproto/pkg/eraftpb"
)

// ErrStepLocalMsg is returned when a node-internal message arrives
// through Step.
var ErrStepLocalMsg = errors.New("raft: cannot step raft local message")

// ErrStepPeerNotFound is returned when a response message names a sender
// that is missing from raft.Prs.
var ErrStepPeerNotFound = errors.New("raft: cannot step as peer not found")

// SoftState is the volatile node state. It is never persisted; losing it
// across restarts is safe.
type SoftState struct {
	Lead      uint64
	RaftState StateType
}

// Ready bundles everything the application must act on at one point in
// time: state to persist, entries to apply, messages to send. Treat all
// fields as read-only.
type Ready struct {
	// SoftState is nil when the volatile state did not change since the
	// last Ready.
	*SoftState

	// HardState must hit stable storage before any message below goes
	// out. The zero value means no change.
	pb.HardState

	// Entries are new log entries to persist before sending Messages.
	Entries []pb.Entry

	// Snapshot, when non-empty, must be persisted and applied.
	Snapshot pb.Snapshot

	// CommittedEntries are already durable and waiting to be fed into
	// the state machine.
	CommittedEntries []pb.Entry

	// Messages go out only after Entries have been persisted. A
	// MsgSnapshot in here obliges the application to call ReportSnapshot
	// once the transfer succeeds or fails.
	Messages []pb.Message
}

// RawNode drives a Raft state machine through the Ready/Advance cycle,
// leaving goroutines and storage to the caller.
type RawNode struct {
	Raft       *Raft
	prevSoftSt *SoftState
	prevHardSt pb.HardState
}

// NewRawNode creates an uninitialized RawNode from the given config.
func NewRawNode(config *Config) (*RawNode, error) {
	r := newRaft(config)
	return &RawNode{
		Raft:       r,
		prevSoftSt: r.softState(),
		prevHardSt: r.hardState(),
	}, nil
}

// Tick advances the internal logical clock by a single tick.
func (rn *RawNode) Tick() {
	rn.Raft.tick()
}

// Campaign makes this node start an election.
func (rn *RawNode) Campaign() error {
	return rn.Raft.Step(pb.Message{
		MsgType: pb.MessageType_MsgHup,
	})
}

// Propose appends data to the raft log through consensus.
func (rn *RawNode) Propose(data []byte) error {
	ent := pb.Entry{Data: data}
	return rn.Raft.Step(pb.Message{
		MsgType: pb.MessageType_MsgPropose,
		From:    rn.Raft.id,
		Entries: []*pb.Entry{&ent}})
}

// ProposeConfChange proposes a membership change through consensus.
func (rn *RawNode) ProposeConfChange(cc pb.ConfChange) error {
	data, err := cc.Marshal()
	if err != nil {
		return err
	}
	ent := pb.Entry{EntryType: pb.EntryType_EntryConfChange, Data: data}
	return rn.Raft.Step(pb.Message{
		MsgType: pb.MessageType_MsgPropose,
		Entries: []*pb.Entry{&ent},
	})
}

// ApplyConfChange tells raft a committed membership change has been
// applied, and returns the resulting configuration.
func (rn *RawNode) ApplyConfChange(cc pb.ConfChange) *pb.ConfState {
	if cc.NodeId != None {
		switch cc.ChangeType {
		case pb.ConfChangeType_AddNode:
			rn.Raft.addNode(cc.NodeId)
		case pb.ConfChangeType_RemoveNode:
			rn.Raft.removeNode(cc.NodeId)
		default:
			panic("unexpected conf type")
		}
	}
	return &pb.ConfState{Nodes: nodes(rn.Raft)}
}

// Step feeds a message received from a peer into the state machine.
func (rn *RawNode) Step(m pb.Message) error {
	// Local message types must not arrive over the network.
	if IsLocalMsg(m.MsgType) {
		return ErrStepLocalMsg
	}
	if _, known := rn.Raft.Prs[m.From]; !known && IsResponseMsg(m.MsgType) {
		return ErrStepPeerNotFound
	}
	return rn.Raft.Step(m)
}

// Ready returns the current point-in-time state of this RawNode.
func (rn *RawNode) Ready() Ready {
	return rn.ReadySince(rn.Raft.RaftLog.applied)
}

// ReadySince returns the Ready with committed entries above appliedIdx
// only, so the caller can apply entries asynchronously while still
// persisting log and sending messages promptly.
func (rn *RawNode) ReadySince(appliedIdx uint64) Ready {
	r := rn.Raft
	rd := Ready{
		Entries:          r.RaftLog.unstableEntries(),
		CommittedEntries: r.RaftLog.nextEntsSince(appliedIdx),
		Messages:         r.msgs,
	}
	if softSt := r.softState(); !softSt.equal(rn.prevSoftSt) {
		rd.SoftState = softSt
	}
	if hardSt := r.hardState(); !isHardStateEqual(hardSt, rn.prevHardSt) {
		rd.HardState = hardSt
	}
	if r.RaftLog.hasPendingSnapshot() {
		rd.Snapshot = *r.RaftLog.pendingSnapshot
	}
	r.msgs = nil
	return rd
}

// HasReady reports whether the node has pending work to surface.
func (rn *RawNode) HasReady() bool {
	return rn.HasReadySince(rn.Raft.RaftLog.applied)
}

// HasReadySince is the check counterpart of ReadySince.
func (rn *RawNode) HasReadySince(appliedIdx uint64) bool {
	r := rn.Raft
	if len(r.msgs) > 0 || len(r.RaftLog.unstableEntries()) > 0 {
		return true
	}
	if r.RaftLog.hasPendingSnapshot() {
		return true
	}
	if r.RaftLog.hasNextEntsSince(appliedIdx) {
		return true
	}
	if softSt := r.softState(); !softSt.equal(rn.prevSoftSt) {
		return true
	}
	if hardSt := r.hardState(); !IsEmptyHardState(hardSt) && !isHardStateEqual(hardSt, rn.prevHardSt) {
		return true
	}
	return false
}

// Advance notifies the RawNode that the application has saved the log
// and state of the last Ready. Applied progress is advanced separately
// through AdvanceApply.
func (rn *RawNode) Advance(rd Ready) {
	if rd.SoftState != nil {
		rn.prevSoftSt = rd.SoftState
	}
	if !IsEmptyHardState(rd.HardState) {
		rn.prevHardSt = rd.HardState
	}
	if len(rd.Entries) > 0 {
		rn.Raft.RaftLog.stableTo(rd.Entries[len(rd.Entries)-1].Index)
	}
	if !IsEmptySnap(&rd.Snapshot) {
		rn.Raft.RaftLog.stableSnapTo(rd.Snapshot.Metadata.Index)
	}
	rn.Raft.RaftLog.maybeCompact()
}

// AdvanceApply records that entries up to applied have been fed to the
// state machine.
func (rn *RawNode) AdvanceApply(applied uint64) {
	rn.Raft.RaftLog.appliedTo(applied)
}

// GetProgress returns replication progress for every peer. Only a leader
// tracks progress; followers return an empty map.
func (rn *RawNode) GetProgress() map[uint64]Progress {
	prs := make(map[uint64]Progress)
	if rn.Raft.State != StateLeader {
		return prs
	}
	for id, p := range rn.Raft.Prs {
		prs[id] = *p
	}
	return prs
}

// GetSnap returns the snapshot waiting to be applied, if any.
func (rn *RawNode) GetSnap() *pb.Snapshot {
	return rn.Raft.RaftLog.pendingSnapshot
}

// TransferLeader tries to transfer leadership to the given transferee.
func (rn *RawNode) TransferLeader(transferee uint64) {
	_ = rn.Raft.Step(pb.Message{MsgType: pb.MessageType_MsgTransferLeader, From: transferee})
}

func (a *SoftState) equal(b *SoftState) bool {
	return a.Lead == b.Lead && a.RaftState == b.RaftState
}

func nodes(r *Raft) []uint64 {
	ids := make([]uint64, 0, len(r.Prs))
	for id := range r.Prs {
		ids = append(ids, id)
	}
	return ids
}

// IsLocalMsg reports whether the message type is node-internal and must
// never arrive over the network.
func IsLocalMsg(msgt pb.MessageType) bool {
	return msgt == pb.MessageType_MsgHup || msgt == pb.MessageType_MsgBeat
}

// IsResponseMsg reports whether the message type is a response that
// requires a known sender.
func IsResponseMsg(msgt pb.MessageType) bool {
	return msgt == pb.MessageType_MsgAppendResponse ||
		msgt == pb.MessageType_MsgRequestVoteResponse ||
		msgt == pb.MessageType_MsgHeartbeatResponse
}
