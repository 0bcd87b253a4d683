package test_raftstore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"

	"github.com/rangekv/rangekv/kv/util/engine_util"
)

func SleepMS(ms int64) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func NewPeer(storeID, peerID uint64) *metapb.Peer {
	return &metapb.Peer{
		Id:      peerID,
		StoreId: storeID,
	}
}

func NewBaseRequest(regionID uint64, epoch *metapb.RegionEpoch) raft_cmdpb.RaftCmdRequest {
	req := raft_cmdpb.RaftCmdRequest{}
	req.Header = &raft_cmdpb.RaftRequestHeader{RegionId: regionID, RegionEpoch: epoch}
	return req
}

func NewRequest(regionID uint64, epoch *metapb.RegionEpoch, requests []*raft_cmdpb.Request) raft_cmdpb.RaftCmdRequest {
	req := NewBaseRequest(regionID, epoch)
	req.Requests = requests
	return req
}

func NewAdminRequest(regionID uint64, epoch *metapb.RegionEpoch, request *raft_cmdpb.AdminRequest) *raft_cmdpb.RaftCmdRequest {
	req := NewBaseRequest(regionID, epoch)
	req.AdminRequest = request
	return &req
}

func NewPutCfCmd(cf string, key, value []byte) *raft_cmdpb.Request {
	return &raft_cmdpb.Request{
		CmdType: raft_cmdpb.CmdType_Put,
		Put:     &raft_cmdpb.PutRequest{Key: key, Value: value, Cf: cf},
	}
}

func NewGetCfCmd(cf string, key []byte) *raft_cmdpb.Request {
	return &raft_cmdpb.Request{
		CmdType: raft_cmdpb.CmdType_Get,
		Get:     &raft_cmdpb.GetRequest{Key: key, Cf: cf},
	}
}

func NewDeleteCfCmd(cf string, key []byte) *raft_cmdpb.Request {
	return &raft_cmdpb.Request{
		CmdType: raft_cmdpb.CmdType_Delete,
		Delete:  &raft_cmdpb.DeleteRequest{Key: key, Cf: cf},
	}
}

func NewSnapCmd() *raft_cmdpb.Request {
	return &raft_cmdpb.Request{
		CmdType: raft_cmdpb.CmdType_Snap,
		Snap:    &raft_cmdpb.SnapRequest{},
	}
}

func NewTransferLeaderCmd(peer *metapb.Peer) *raft_cmdpb.AdminRequest {
	return &raft_cmdpb.AdminRequest{
		CmdType:        raft_cmdpb.AdminCmdType_TransferLeader,
		TransferLeader: &raft_cmdpb.TransferLeaderRequest{Peer: peer},
	}
}

// MustGetCf polls the store's engine directly until key has the wanted
// value in cf. Apply is asynchronous, so a short wait is expected.
func MustGetCf(engine *engine_util.Engines, cf string, key []byte, value []byte) {
	for i := 0; i < 300; i++ {
		val, _ := engine_util.GetCF(engine.Kv, cf, key)
		if (value == nil && val == nil) || bytes.Equal(val, value) {
			return
		}
		SleepMS(20)
	}
	panic(fmt.Sprintf("can't get value %q for key %q in cf %s", value, key, cf))
}

func MustGetCfEqual(engine *engine_util.Engines, cf string, key []byte, value []byte) {
	MustGetCf(engine, cf, key, value)
}

func MustGetCfNone(engine *engine_util.Engines, cf string, key []byte) {
	MustGetCf(engine, cf, key, nil)
}

func MustGetEqual(engine *engine_util.Engines, key []byte, value []byte) {
	MustGetCf(engine, engine_util.CfDefault, key, value)
}

func MustGetNone(engine *engine_util.Engines, key []byte) {
	MustGetCf(engine, engine_util.CfDefault, key, nil)
}
