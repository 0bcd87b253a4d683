package runner

import (
	"context"

	"github.com/Connor1996/badger"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	"github.com/shirou/gopsutil/disk"

	"github.com/rangekv/rangekv/kv/raftstore/message"
	"github.com/rangekv/rangekv/kv/raftstore/scheduler_client"
	"github.com/rangekv/rangekv/kv/util/worker"
	"github.com/rangekv/rangekv/log"
)

type SchedulerAskSplitTask struct {
	Region   *metapb.Region
	SplitKey []byte
	Peer     *metapb.Peer
	Callback *message.Callback
}

type SchedulerRegionHeartbeatTask struct {
	Region          *metapb.Region
	Peer            *metapb.Peer
	PendingPeers    []*metapb.Peer
	ApproximateSize *uint64
}

type SchedulerStoreHeartbeatTask struct {
	Stats  *pdpb.StoreStats
	Engine *badger.DB
	Path   string
}

// SchedulerTaskHandler relays scheduling traffic between the store and the
// scheduler: heartbeats and split requests go up, admin commands come back
// down through the heartbeat response stream.
type SchedulerTaskHandler struct {
	storeID         uint64
	SchedulerClient scheduler_client.Client
	router          message.RaftRouter
}

func NewSchedulerTaskHandler(storeID uint64, SchedulerClient scheduler_client.Client, router message.RaftRouter) *SchedulerTaskHandler {
	return &SchedulerTaskHandler{
		storeID:         storeID,
		SchedulerClient: SchedulerClient,
		router:          router,
	}
}

func (r *SchedulerTaskHandler) Handle(t worker.Task) {
	switch task := t.(type) {
	case *SchedulerAskSplitTask:
		r.askSplit(task)
	case *SchedulerRegionHeartbeatTask:
		r.reportRegion(task)
	case *SchedulerStoreHeartbeatTask:
		r.reportStore(task)
	default:
		log.Errorf("unsupported worker task: %+v", t)
	}
}

func (r *SchedulerTaskHandler) Start() {
	r.SchedulerClient.SetRegionHeartbeatResponseHandler(r.storeID, r.applyHeartbeatResponse)
}

// applyHeartbeatResponse turns a scheduling decision piggybacked on a
// heartbeat response into the corresponding admin command.
func (r *SchedulerTaskHandler) applyHeartbeatResponse(resp *pdpb.RegionHeartbeatResponse) {
	var admin *raft_cmdpb.AdminRequest
	switch {
	case resp.GetChangePeer() != nil:
		cp := resp.GetChangePeer()
		admin = &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_ChangePeer,
			ChangePeer: &raft_cmdpb.ChangePeerRequest{
				ChangeType: cp.ChangeType,
				Peer:       cp.Peer,
			},
		}
	case resp.GetTransferLeader() != nil:
		admin = &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_TransferLeader,
			TransferLeader: &raft_cmdpb.TransferLeaderRequest{
				Peer: resp.GetTransferLeader().Peer,
			},
		}
	case resp.GetMerge() != nil:
		admin = &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_PrepareMerge,
			PrepareMerge: &raft_cmdpb.PrepareMergeRequest{
				Target: resp.GetMerge().Target,
			},
		}
	default:
		return
	}
	r.sendAdminRequest(resp.RegionId, resp.RegionEpoch, resp.TargetPeer, admin, message.NewCallback())
}

func (r *SchedulerTaskHandler) askSplit(t *SchedulerAskSplitTask) {
	resp, err := r.SchedulerClient.AskSplit(context.TODO(), t.Region)
	if err != nil {
		log.Error(err)
		return
	}

	admin := &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_Split,
		Split: &raft_cmdpb.SplitRequest{
			SplitKey:    t.SplitKey,
			NewRegionId: resp.NewRegionId,
			NewPeerIds:  resp.NewPeerIds,
		},
	}
	r.sendAdminRequest(t.Region.GetId(), t.Region.GetRegionEpoch(), t.Peer, admin, t.Callback)
}

func (r *SchedulerTaskHandler) reportRegion(t *SchedulerRegionHeartbeatTask) {
	var size uint64
	if t.ApproximateSize != nil {
		size = *t.ApproximateSize
	}
	r.SchedulerClient.RegionHeartbeat(&pdpb.RegionHeartbeatRequest{
		Region:          t.Region,
		Leader:          t.Peer,
		PendingPeers:    t.PendingPeers,
		ApproximateSize: size,
	})
}

func (r *SchedulerTaskHandler) reportStore(t *SchedulerStoreHeartbeatTask) {
	diskStat, err := disk.Usage(t.Path)
	if err != nil {
		log.Error(err)
		return
	}

	lsmSize, vlogSize := t.Engine.Size()
	// t.Stats.UsedSize arrives holding the size of the snapshot files.
	used := t.Stats.UsedSize + uint64(lsmSize) + uint64(vlogSize)
	t.Stats.Capacity = diskStat.Total
	t.Stats.UsedSize = used
	if diskStat.Total > used {
		t.Stats.Available = diskStat.Total - used
	} else {
		t.Stats.Available = 0
	}

	r.SchedulerClient.StoreHeartbeat(context.TODO(), t.Stats)
}

func (r *SchedulerTaskHandler) sendAdminRequest(regionID uint64, epoch *metapb.RegionEpoch, peer *metapb.Peer, req *raft_cmdpb.AdminRequest, callback *message.Callback) {
	cmd := &raft_cmdpb.RaftCmdRequest{
		Header: &raft_cmdpb.RaftRequestHeader{
			RegionId:    regionID,
			Peer:        peer,
			RegionEpoch: epoch,
		},
		AdminRequest: req,
	}
	r.router.SendRaftCommand(cmd, callback)
}
