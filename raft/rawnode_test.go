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
	"bytes"
	"reflect"
	"testing"

	pb "github.com/pingcap/kvproto/pkg/eraftpb"
)

// TestRawNodeStep ensures that RawNode.Step ignores local messages.
func TestRawNodeStep(t *testing.T) {
	for i, msgt := range []pb.MessageType{pb.MessageType_MsgHup, pb.MessageType_MsgBeat} {
		s := NewMemoryStorage()
		rawNode, err := NewRawNode(newTestConfig(1, []uint64{1}, 10, 1, s))
		if err != nil {
			t.Fatal(err)
		}
		err = rawNode.Step(pb.Message{MsgType: msgt})
		if err != ErrStepLocalMsg {
			t.Errorf("#%d: step should ignore %s", i, msgt)
		}
	}
}

// TestRawNodeProposeAndConfChange ensures that RawNode.Propose and
// RawNode.ProposeConfChange send the given proposal and ConfChange to
// the underlying raft.
func TestRawNodeProposeAndConfChange(t *testing.T) {
	s := NewMemoryStorage()
	var err error
	rawNode, err := NewRawNode(newTestConfig(1, []uint64{1}, 10, 1, s))
	if err != nil {
		t.Fatal(err)
	}
	rd := rawNode.Ready()
	s.Append(rd.Entries)
	rawNode.Advance(rd)

	if err = rawNode.Campaign(); err != nil {
		t.Fatal(err)
	}
	proposed := false
	var (
		lastIndex uint64
		ccdata    []byte
	)
	for {
		rd = rawNode.Ready()
		s.Append(rd.Entries)
		// Once we are the leader, propose a command and a ConfChange.
		if !proposed && rd.SoftState != nil && rd.SoftState.Lead == rawNode.Raft.id {
			if err = rawNode.Propose([]byte("somedata")); err != nil {
				t.Fatal(err)
			}

			cc := pb.ConfChange{ChangeType: pb.ConfChangeType_AddNode, NodeId: 1}
			ccdata, err = cc.Marshal()
			if err != nil {
				t.Fatal(err)
			}
			if err = rawNode.ProposeConfChange(cc); err != nil {
				t.Fatal(err)
			}

			proposed = true
		}
		rawNode.Advance(rd)
		rawNode.AdvanceApply(rawNode.Raft.RaftLog.committed)

		// Exit when we have three entries: one initial empty entry, the
		// proposed command and the proposed ConfChange.
		lastIndex, err = s.LastIndex()
		if err != nil {
			t.Fatal(err)
		}
		if lastIndex >= 3 {
			break
		}
	}

	entries, err := s.Entries(lastIndex-1, lastIndex+1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want %d", len(entries), 2)
	}
	if !bytes.Equal(entries[0].Data, []byte("somedata")) {
		t.Errorf("entries[0].Data = %v, want %v", entries[0].Data, []byte("somedata"))
	}
	if entries[1].EntryType != pb.EntryType_EntryConfChange {
		t.Fatalf("type = %v, want %v", entries[1].EntryType, pb.EntryType_EntryConfChange)
	}
	if !bytes.Equal(entries[1].Data, ccdata) {
		t.Errorf("data = %v, want %v", entries[1].Data, ccdata)
	}
}

// TestRawNodeRestart ensures that a node restarted from its persisted
// state does not produce spurious Ready output.
func TestRawNodeRestart(t *testing.T) {
	entries := []pb.Entry{
		{Term: 1, Index: 1},
		{Term: 1, Index: 2, Data: []byte("foo")},
	}
	st := pb.HardState{Term: 1, Commit: 1}

	storage := NewMemoryStorage()
	storage.SetHardState(st)
	storage.Append(entries)
	rawNode, err := NewRawNode(newTestConfig(1, nil, 10, 1, storage))
	if err != nil {
		t.Fatal(err)
	}
	rawNode.Raft.Prs[1] = &Progress{}

	rd := rawNode.Ready()
	if !reflect.DeepEqual(rd.CommittedEntries, entries[:1]) {
		t.Errorf("committed entries = %+v, want %+v", rd.CommittedEntries, entries[:1])
	}
	rawNode.Advance(rd)
	rawNode.AdvanceApply(1)
	if rawNode.HasReady() {
		t.Errorf("unexpected Ready: %+v", rawNode.Ready())
	}
}

// TestRawNodeReadySince verifies that committed entries below the
// given applied index are not surfaced again.
func TestRawNodeReadySince(t *testing.T) {
	storage := NewMemoryStorage()
	rawNode, err := NewRawNode(newTestConfig(1, []uint64{1}, 10, 1, storage))
	if err != nil {
		t.Fatal(err)
	}
	rawNode.Campaign()
	rd := rawNode.Ready()
	storage.Append(rd.Entries)
	rawNode.Advance(rd)

	rawNode.Propose([]byte("a"))
	rawNode.Propose([]byte("b"))

	if !rawNode.HasReadySince(1) {
		t.Fatalf("expected ready since 1")
	}
	rd = rawNode.ReadySince(2)
	if len(rd.CommittedEntries) != 1 {
		t.Fatalf("committed entries = %d, want 1", len(rd.CommittedEntries))
	}
	if !bytes.Equal(rd.CommittedEntries[0].Data, []byte("b")) {
		t.Errorf("data = %v, want b", rd.CommittedEntries[0].Data)
	}
	storage.Append(rd.Entries)
	rawNode.Advance(rd)
	rawNode.AdvanceApply(3)
	if rawNode.HasReadySince(3) {
		t.Errorf("unexpected ready after apply")
	}
}

func TestRawNodeApplyConfChange(t *testing.T) {
	storage := NewMemoryStorage()
	rawNode, err := NewRawNode(newTestConfig(1, []uint64{1}, 10, 1, storage))
	if err != nil {
		t.Fatal(err)
	}
	cs := rawNode.ApplyConfChange(pb.ConfChange{ChangeType: pb.ConfChangeType_AddNode, NodeId: 2})
	if len(cs.Nodes) != 2 {
		t.Fatalf("nodes = %v, want 2 nodes", cs.Nodes)
	}
	cs = rawNode.ApplyConfChange(pb.ConfChange{ChangeType: pb.ConfChangeType_RemoveNode, NodeId: 2})
	if len(cs.Nodes) != 1 || cs.Nodes[0] != 1 {
		t.Fatalf("nodes = %v, want [1]", cs.Nodes)
	}
}
