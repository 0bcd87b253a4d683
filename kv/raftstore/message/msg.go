package message

import (
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"

	"github.com/rangekv/rangekv/kv/raftstore/snap"
)

type MsgType int64

const (
	// just a placeholder
	MsgTypeNull MsgType = 0
	// message to start the ticker of peer
	MsgTypeStart MsgType = 1
	// message of base tick to drive the ticker
	MsgTypeTick MsgType = 2
	// message wraps a raft message that should be forwarded to the raft
	// module; the raft message comes from a peer on another store
	MsgTypeRaftMessage MsgType = 3
	// message wraps a raft command, either a read/write request or an
	// admin request, to be proposed to the raft module
	MsgTypeRaftCmd MsgType = 4
	// message to trigger a region split: first asks the scheduler for
	// new region/peer ids, then proposes a split admin command
	MsgTypeSplitRegion MsgType = 5
	// message carrying a fresh approximate region size measured by the
	// split checker
	MsgTypeRegionApproximateSize MsgType = 6
	// message to trigger gc of generated snapshots
	MsgTypeGcSnap MsgType = 7
	// message telling a source peer that its region was merged into the
	// target, so it must destroy itself while keeping the absorbed data
	MsgTypeMergeResult MsgType = 8

	// message carrying the result of applying a batch of committed
	// entries, sent from the apply worker back to the peer
	MsgTypeApplyRes MsgType = 15

	// message wraps a raft message addressed to a peer not existing on
	// the store yet, caused by region split or add-peer conf change
	MsgTypeStoreRaftMessage MsgType = 101
	// message of store base tick to drive the store ticker, including
	// the store heartbeat
	MsgTypeStoreTick MsgType = 106
	// message to start the ticker of store
	MsgTypeStoreStart MsgType = 107

	// message handing the proposals of pending commands to the apply
	// worker so it can match callbacks when entries commit
	MsgTypeApplyProposal MsgType = 301
	// message handing a batch of committed entries to the apply worker
	MsgTypeApplyCommitted MsgType = 302
	// message resetting the applier state after a snapshot is applied
	MsgTypeApplyRefresh MsgType = 303
)

type Msg struct {
	Type     MsgType
	RegionID uint64
	Data     interface{}
}

func NewMsg(tp MsgType, data interface{}) Msg {
	return Msg{Type: tp, Data: data}
}

func NewPeerMsg(tp MsgType, regionID uint64, data interface{}) Msg {
	return Msg{Type: tp, RegionID: regionID, Data: data}
}

type MsgGCSnap struct {
	Snaps []snap.SnapKeyWithSending
}

type MsgRaftCmd struct {
	Request  *raft_cmdpb.RaftCmdRequest
	Callback *Callback
}

type MsgSplitRegion struct {
	RegionEpoch *metapb.RegionEpoch
	SplitKey    []byte
	Callback    *Callback
}

type MsgMergeResult struct {
	TargetRegion *metapb.Region
}
