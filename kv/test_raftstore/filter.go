package test_raftstore

import (
	"math/rand"

	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
)

// Filter decides whether a raft message is delivered. Before returns
// false to drop the message; After runs once a message got through.
type Filter interface {
	Before(msgs *rspb.RaftMessage) bool
	After()
}

// PartitionFilter drops every message crossing the boundary between the
// two store groups.
type PartitionFilter struct {
	s1 []uint64
	s2 []uint64
}

func (f *PartitionFilter) Before(msg *rspb.RaftMessage) bool {
	inS1 := false
	inS2 := false
	for _, storeID := range f.s1 {
		if msg.FromPeer.StoreId == storeID || msg.ToPeer.StoreId == storeID {
			inS1 = true
			break
		}
	}
	for _, storeID := range f.s2 {
		if msg.FromPeer.StoreId == storeID || msg.ToPeer.StoreId == storeID {
			inS2 = true
			break
		}
	}
	return !(inS1 && inS2)
}

func (f *PartitionFilter) After() {}

// DropFilter drops messages at random, simulating an unreliable network.
type DropFilter struct{}

func (f *DropFilter) Before(msg *rspb.RaftMessage) bool {
	return rand.Int()%1000 >= 100
}

func (f *DropFilter) After() {}
