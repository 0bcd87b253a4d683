package raftstore

import (
	"sync"

	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/raftstore/message"
	"github.com/rangekv/rangekv/kv/raftstore/meta"
	"github.com/rangekv/rangekv/kv/raftstore/runner"
	"github.com/rangekv/rangekv/kv/raftstore/snap"
	"github.com/rangekv/rangekv/kv/raftstore/util"
	"github.com/rangekv/rangekv/kv/util/engine_util"
	"github.com/rangekv/rangekv/log"
)

type StoreTick int

const (
	StoreTickSchedulerStoreHeartbeat StoreTick = 1
	StoreTickSnapGC                  StoreTick = 2
)

type storeState struct {
	id       uint64
	receiver <-chan message.Msg
	ticker   *ticker
}

func newStoreState(cfg *config.Config) (chan<- message.Msg, *storeState) {
	ch := make(chan message.Msg, 40960)
	state := &storeState{
		receiver: (<-chan message.Msg)(ch),
		ticker:   newStoreTicker(cfg),
	}
	return (chan<- message.Msg)(ch), state
}

// storeWorker handles store-level work: raft messages that found no peer,
// store heartbeats, and snapshot garbage collection.
type storeWorker struct {
	*storeState
	ctx *GlobalContext
}

func newStoreWorker(ctx *GlobalContext, state *storeState) *storeWorker {
	return &storeWorker{
		storeState: state,
		ctx:        ctx,
	}
}

func (sw *storeWorker) run(closeCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-closeCh:
			return
		case msg := <-sw.receiver:
			sw.handleMsg(msg)
		}
	}
}

func (d *storeWorker) onTick(tick StoreTick) {
	switch tick {
	case StoreTickSchedulerStoreHeartbeat:
		d.onSchedulerStoreHeartbeatTick()
	case StoreTickSnapGC:
		d.onSnapMgrGC()
	}
}

func (d *storeWorker) handleMsg(msg message.Msg) {
	switch msg.Type {
	case message.MsgTypeStoreRaftMessage:
		if err := d.onRaftMessage(msg.Data.(*rspb.RaftMessage)); err != nil {
			log.Errorf("handle raft message failed storeID %d, %v", d.id, err)
		}
	case message.MsgTypeStoreTick:
		d.onTick(msg.Data.(StoreTick))
	case message.MsgTypeStoreStart:
		d.start(msg.Data.(*metapb.Store))
	}
}

func (d *storeWorker) start(store *metapb.Store) {
	d.id = store.Id
	d.ticker.scheduleStore(StoreTickSchedulerStoreHeartbeat)
	d.ticker.scheduleStore(StoreTickSnapGC)
}

// checkMsg consults the persisted region state for messages whose peer is
// absent from the router. True means the message was consumed (parked as
// a pending vote or answered with a tombstone) and needs no peer.
func (d *storeWorker) checkMsg(msg *rspb.RaftMessage) (bool, error) {
	regionID := msg.GetRegionId()
	fromEpoch := msg.GetRegionEpoch()

	localState := new(rspb.RegionLocalState)
	err := engine_util.GetMeta(d.ctx.engine.Kv, meta.RegionStateKey(regionID), localState)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}

	if localState.State != rspb.PeerState_Tombstone {
		// The region may come from a split that has not executed here.
		// Park the first vote so it is replayed once the split lands;
		// dropping it could stall the new region's election.
		if util.IsFirstVoteMessage(msg.Message) {
			storeMeta := d.ctx.storeMeta
			storeMeta.Lock()
			defer storeMeta.Unlock()
			if _, ok := storeMeta.regions[regionID]; ok {
				return false, nil
			}
			storeMeta.pendingVotes = append(storeMeta.pendingVotes, msg)
			log.Infof("region %d doesn't exist yet, wait for it to be split.", regionID)
			return true, nil
		}
		return false, errors.Errorf("region %d not exists but not tombstone: %s", regionID, localState)
	}

	log.Debugf("region %d in tombstone state: %s", regionID, localState)
	tombEpoch := localState.Region.RegionEpoch
	if util.IsEpochStale(fromEpoch, tombEpoch) {
		log.Infof("tombstone peer receives a stale message. region_id:%d, from_region_epoch:%s, current_region_epoch:%s, msg_type:%s",
			regionID, fromEpoch, tombEpoch, msg.Message.MsgType)
		senderGone := util.FindPeer(localState.Region, msg.FromPeer.StoreId) == nil
		handleStaleMsg(d.ctx.trans, msg, tombEpoch, util.IsVoteMessage(msg.Message) && senderGone)
		return true, nil
	}
	if fromEpoch.ConfVer == tombEpoch.ConfVer {
		return false, errors.Errorf("tombstone peer [epoch: %s] received an invalid message %s, ignore it",
			tombEpoch, msg.Message.MsgType)
	}
	return false, nil
}

func (d *storeWorker) onRaftMessage(msg *rspb.RaftMessage) error {
	regionID := msg.RegionId
	if err := d.ctx.router.send(regionID, message.Msg{Type: message.MsgTypeRaftMessage, Data: msg}); err == nil {
		return nil
	}
	log.Debugf("handle raft message. from_peer:%d, to_peer:%d, store:%d, region:%d, msg:%+v",
		msg.FromPeer.Id, msg.ToPeer.Id, d.storeState.id, regionID, msg.Message)
	if msg.ToPeer.StoreId != d.ctx.store.Id {
		log.Warnf("store not match, ignore it. store_id:%d, to_store_id:%d, region_id:%d",
			d.ctx.store.Id, msg.ToPeer.StoreId, regionID)
		return nil
	}
	if msg.RegionEpoch == nil {
		log.Errorf("missing region epoch in raft message, ignore it. region_id:%d", regionID)
		return nil
	}
	if msg.IsTombstone {
		// The peer it wants gone does not even exist.
		return nil
	}
	consumed, err := d.checkMsg(msg)
	if err != nil || consumed {
		return err
	}
	created, err := d.maybeCreatePeer(regionID, msg)
	if err != nil || !created {
		return err
	}
	_ = d.ctx.router.send(regionID, message.Msg{Type: message.MsgTypeRaftMessage, Data: msg})
	return nil
}

// maybeCreatePeer brings a replica into existence for a message that
// carries enough context (an initial message with the region's range).
// False means the peer cannot be created yet.
func (d *storeWorker) maybeCreatePeer(regionID uint64, msg *rspb.RaftMessage) (bool, error) {
	storeMeta := d.ctx.storeMeta
	storeMeta.Lock()
	defer storeMeta.Unlock()
	if _, ok := storeMeta.regions[regionID]; ok {
		return true, nil
	}
	if !util.IsInitialMsg(msg.Message) {
		log.Debugf("target peer %v doesn't exist", msg.ToPeer)
		return false, nil
	}

	for _, region := range storeMeta.getOverlapRegions(&metapb.Region{
		StartKey: msg.StartKey,
		EndKey:   msg.EndKey,
	}) {
		// The range is still owned by another region here, likely the
		// parent of a split that has not executed. Keep the first vote
		// around for when it does.
		log.Debugf("msg %v is overlapped with exist region %v", msg, region)
		if util.IsFirstVoteMessage(msg.Message) {
			storeMeta.pendingVotes = append(storeMeta.pendingVotes, msg)
		}
		return false, nil
	}

	replica, err := replicatePeer(
		d.ctx.store.Id, d.ctx.cfg, d.ctx.regionTaskSender, d.ctx.engine, regionID, msg.ToPeer)
	if err != nil {
		return false, err
	}
	// Not in regionRanges yet: the incoming snapshot may overlap, so the
	// range is claimed only once the snapshot applies.
	storeMeta.regions[regionID] = replica.Region()
	d.ctx.router.register(replica)
	_ = d.ctx.router.send(regionID, message.Msg{Type: message.MsgTypeStart})
	return true, nil
}

func (d *storeWorker) storeHeartbeatScheduler() {
	stats := &pdpb.StoreStats{
		StoreId:  d.ctx.store.Id,
		UsedSize: d.ctx.snapMgr.GetTotalSnapSize(),
	}
	d.ctx.storeMeta.RLock()
	stats.RegionCount = uint32(len(d.ctx.storeMeta.regions))
	d.ctx.storeMeta.RUnlock()
	d.ctx.schedulerTaskSender <- &runner.SchedulerStoreHeartbeatTask{
		Stats:  stats,
		Engine: d.ctx.engine.Kv,
		Path:   d.ctx.engine.KvPath,
	}
}

func (d *storeWorker) onSchedulerStoreHeartbeatTick() {
	d.storeHeartbeatScheduler()
	d.ticker.scheduleStore(StoreTickSchedulerStoreHeartbeat)
}

// handleSnapMgrGC groups idle snapshots by region and hands each group to
// its peer, which knows what is still referenced.
func (d *storeWorker) handleSnapMgrGC() error {
	snapKeys, err := d.ctx.snapMgr.ListIdleSnap()
	if err != nil {
		return err
	}
	if len(snapKeys) == 0 {
		return nil
	}
	var groupRegionID uint64
	var group []snap.SnapKeyWithSending
	for _, pair := range snapKeys {
		if pair.SnapKey.RegionID != groupRegionID {
			if len(group) > 0 {
				if err = d.scheduleGCSnap(groupRegionID, group); err != nil {
					return err
				}
				group = nil
			}
			groupRegionID = pair.SnapKey.RegionID
		}
		group = append(group, pair)
	}
	if len(group) > 0 {
		return d.scheduleGCSnap(groupRegionID, group)
	}
	return nil
}

func (d *storeWorker) scheduleGCSnap(regionID uint64, keys []snap.SnapKeyWithSending) error {
	gcSnap := message.Msg{Type: message.MsgTypeGcSnap, Data: &message.MsgGCSnap{Snaps: keys}}
	if d.ctx.router.send(regionID, gcSnap) == nil {
		return nil
	}
	// The peer these snapshots belonged to is gone, so nothing holds a
	// reference; delete them directly.
	log.Infof("region %d is disconnected, remove snaps %v", regionID, keys)
	for _, pair := range keys {
		var snapshot snap.Snapshot
		var err error
		if pair.IsSending {
			snapshot, err = d.ctx.snapMgr.GetSnapshotForSending(pair.SnapKey)
		} else {
			snapshot, err = d.ctx.snapMgr.GetSnapshotForApplying(pair.SnapKey)
		}
		if err != nil {
			return err
		}
		d.ctx.snapMgr.DeleteSnapshot(pair.SnapKey, snapshot, false)
	}
	return nil
}

func (d *storeWorker) onSnapMgrGC() {
	if err := d.handleSnapMgrGC(); err != nil {
		log.Errorf("handle snap GC failed store_id %d, err %s", d.storeState.id, err)
	}
	d.ticker.scheduleStore(StoreTickSnapGC)
}
