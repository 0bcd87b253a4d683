package raftstore

import (
	"fmt"
	"time"

	"github.com/Connor1996/badger/y"
	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"

	"github.com/rangekv/rangekv/kv/raftstore/message"
	"github.com/rangekv/rangekv/kv/raftstore/runner"
	"github.com/rangekv/rangekv/kv/raftstore/snap"
	"github.com/rangekv/rangekv/kv/raftstore/util"
	"github.com/rangekv/rangekv/log"
)

type PeerTick int

const (
	PeerTickRaft               PeerTick = 0
	PeerTickRaftLogGC          PeerTick = 1
	PeerTickSplitRegionCheck   PeerTick = 2
	PeerTickSchedulerHeartbeat PeerTick = 3
)

type peerMsgHandler struct {
	*peer
	applyCh chan []message.Msg
	ctx     *GlobalContext
}

func newPeerMsgHandler(peer *peer, applyCh chan []message.Msg, ctx *GlobalContext) *peerMsgHandler {
	return &peerMsgHandler{
		peer:    peer,
		applyCh: applyCh,
		ctx:     ctx,
	}
}

func (d *peerMsgHandler) HandleRaftReady() {
	if d.stopped {
		return
	}
	var msgs []message.Msg
	if p := d.TakeApplyProposals(); p != nil {
		msgs = append(msgs, message.NewPeerMsg(message.MsgTypeApplyProposal, p.RegionId, p))
	}
	applySnapResult, msgs := d.peer.HandleRaftReady(msgs, d.ctx.schedulerTaskSender, d.ctx.trans)
	if len(msgs) > 0 {
		d.applyCh <- msgs
	}
	if applySnapResult != nil {
		d.onReadyApplySnapshot(applySnapResult)
	}
}

func (d *peerMsgHandler) HandleMsgs(msgs ...message.Msg) {
	for _, msg := range msgs {
		switch msg.Type {
		case message.MsgTypeRaftMessage:
			raftMsg := msg.Data.(*rspb.RaftMessage)
			if err := d.onRaftMsg(raftMsg); err != nil {
				log.Errorf("%s handle raft message error %v", d.Tag, err)
			}
		case message.MsgTypeRaftCmd:
			raftCMD := msg.Data.(*message.MsgRaftCmd)
			d.proposeRaftCommand(raftCMD.Request, raftCMD.Callback)
		case message.MsgTypeApplyRes:
			res := msg.Data.(*MsgApplyRes)
			d.onApplyResult(res)
		case message.MsgTypeTick:
			d.onTick()
		case message.MsgTypeSplitRegion:
			split := msg.Data.(*message.MsgSplitRegion)
			log.Infof("%s on split with %v", d.Tag, split.SplitKey)
			d.onPrepareSplitRegion(split.RegionEpoch, split.SplitKey, split.Callback)
		case message.MsgTypeRegionApproximateSize:
			d.onApproximateRegionSize(msg.Data.(uint64))
		case message.MsgTypeGcSnap:
			gcSnap := msg.Data.(*message.MsgGCSnap)
			d.onGCSnap(gcSnap.Snaps)
		case message.MsgTypeMergeResult:
			result := msg.Data.(*message.MsgMergeResult)
			d.onMergeResult(result.TargetRegion)
		case message.MsgTypeStart:
			d.startTicker()
		}
	}
}

func (d *peerMsgHandler) onApplyResult(res *MsgApplyRes) {
	log.Debugf("%s async apply finished %v", d.Tag, res)
	for _, result := range res.execResults {
		switch x := result.(type) {
		case *execResultChangePeer:
			d.onReadyChangePeer(x)
		case *execResultCompactLog:
			d.onReadyCompactLog(x.firstIndex, x.truncatedIndex)
		case *execResultSplitRegion:
			d.onReadySplitRegion(x.derived, x.regions)
		case *execResultPrepareMerge:
			d.onReadyPrepareMerge(x.region, x.state)
		case *execResultCommitMerge:
			d.onReadyCommitMerge(x.region, x.source)
		case *execResultRollbackMerge:
			d.onReadyRollbackMerge(x.region)
		}
	}
	// The peer destroys itself when applying its own removal, in which case
	// there is nothing left to advance.
	if d.stopped {
		return
	}
	d.PostApply(d.ctx.engine.Kv, res.applyState, res.sizeDiffHint)
}

func (d *peerMsgHandler) onReadyChangePeer(cp *execResultChangePeer) {
	changeType := cp.confChange.ChangeType
	d.RaftGroup.ApplyConfChange(*cp.confChange)
	if cp.confChange.NodeId == 0 {
		// Apply failed, skip.
		return
	}
	meta := d.ctx.storeMeta
	meta.Lock()
	meta.setRegion(cp.region, d.peer)
	meta.Unlock()
	peerID := cp.peer.Id
	switch changeType {
	case eraftpb.ConfChangeType_AddNode, eraftpb.ConfChangeType_AddLearnerNode:
		// Add this peer to cache and heartbeats.
		now := time.Now()
		d.PeerHeartbeats[peerID] = now
		if d.IsLeader() {
			d.PeersStartPendingTime[peerID] = now
		}
		d.insertPeerCache(cp.peer)
	case eraftpb.ConfChangeType_RemoveNode:
		// Remove this peer from cache.
		delete(d.PeerHeartbeats, peerID)
		if d.IsLeader() {
			delete(d.PeersStartPendingTime, peerID)
		}
		d.removePeerCache(peerID)
	}

	// The leader pushed the added peer into PeersStartPendingTime without
	// checking for duplicates. Heartbeating the scheduler here relies on
	// CollectPendingPeers to drop the redundant entry.
	if d.IsLeader() {
		// Notify the scheduler immediately.
		log.Infof("%s notify scheduler with change peer region %v", d.Tag, d.Region())
		d.HeartbeatScheduler(d.ctx.schedulerTaskSender)
	}
	myPeerID := d.PeerId()

	// We only care about removing itself now.
	if changeType == eraftpb.ConfChangeType_RemoveNode && cp.peer.StoreId == d.ctx.store.Id {
		if myPeerID == peerID {
			d.destroyPeer()
		} else {
			panic(fmt.Sprintf("%s trying to remove unknown peer %v", d.Tag, cp.peer))
		}
	}
}

func (d *peerMsgHandler) onReadyCompactLog(firstIndex uint64, truncatedIndex uint64) {
	d.ScheduleCompactLog(firstIndex, truncatedIndex)
}

func (d *peerMsgHandler) onReadySplitRegion(derived *metapb.Region, regions []*metapb.Region) {
	meta := d.ctx.storeMeta
	meta.Lock()
	defer meta.Unlock()
	regionID := derived.Id
	// The regions slice is ordered by key range, so the first one always
	// carries the start key the parent region was indexed with. Remove the
	// stale index entry before re-inserting the new ranges.
	if meta.regionRanges.Delete(&regionItem{region: regions[0]}) == nil {
		panic(d.Tag + " original region should exist")
	}
	meta.setRegion(derived, d.peer)
	d.SizeDiffHint = 0
	// It's not correct anymore, so set it to nil to let the split checker
	// update it.
	d.ApproximateSize = nil
	isLeader := d.IsLeader()
	if isLeader {
		// Notify the scheduler immediately to let it update the region meta.
		log.Infof("%s notify scheduler with split count %d", d.Tag, len(regions))
		d.HeartbeatScheduler(d.ctx.schedulerTaskSender)
	}

	for _, newRegion := range regions {
		newRegionID := newRegion.Id
		meta.regionRanges.ReplaceOrInsert(&regionItem{region: newRegion})
		if newRegionID == regionID {
			continue
		}

		// Insert new regions and validation
		log.Infof("[region %d] inserts new region %v", regionID, newRegion)
		if r, ok := meta.regions[newRegionID]; ok {
			// Suppose a new node is added by conf change and the snapshot comes
			// slowly. Then, the region splits and the first vote message comes
			// to the new node before the old snapshot, which will create an
			// uninitialized peer on the store. After that, the old snapshot
			// comes, followed with the last split proposal. After it's applied,
			// the uninitialized peer will be met. We can remove this
			// uninitialized peer directly.
			if len(r.Peers) > 0 {
				panic(fmt.Sprintf("[region %d] duplicated region %v for split region %v",
					newRegionID, r, newRegion))
			}
			d.ctx.router.close(newRegionID)
		}

		newPeer, err := createPeer(d.ctx.store.Id, d.ctx.cfg, d.ctx.regionTaskSender, d.ctx.engine, newRegion)
		if err != nil {
			// peer information is already written into db, can't recover.
			// there is probably a bug.
			panic(fmt.Sprintf("create new split region %v error %v", newRegion, err))
		}
		metaPeer := newPeer.Meta

		for _, p := range newRegion.GetPeers() {
			newPeer.insertPeerCache(p)
		}

		// New peer derive write flow from parent region,
		// this will be used by balance write flow.
		campaigned := newPeer.MaybeCampaign(isLeader)

		if isLeader {
			// The new peer is likely to become leader, send a heartbeat
			// immediately to reduce client query miss.
			newPeer.HeartbeatScheduler(d.ctx.schedulerTaskSender)
		}

		meta.regions[newRegionID] = newRegion
		d.ctx.router.register(newPeer)
		_ = d.ctx.router.send(newRegionID, message.NewPeerMsg(message.MsgTypeStart, newRegionID, nil))
		if !campaigned {
			for i, msg := range meta.pendingVotes {
				if util.PeerEqual(msg.ToPeer, metaPeer) {
					meta.pendingVotes = append(meta.pendingVotes[:i], meta.pendingVotes[i+1:]...)
					_ = d.ctx.router.send(newRegionID, message.NewPeerMsg(message.MsgTypeRaftMessage, newRegionID, msg))
					break
				}
			}
		}
	}
}

func (d *peerMsgHandler) onReadyPrepareMerge(region *metapb.Region, state *rspb.MergeState) {
	meta := d.ctx.storeMeta
	meta.Lock()
	meta.setRegion(region, d.peer)
	meta.Unlock()
	d.PendingMergeState = state
	if !d.IsLeader() {
		return
	}
	d.HeartbeatScheduler(d.ctx.schedulerTaskSender)
	d.proposeCommitMerge(region, state)
}

// proposeCommitMerge asks the collocated target peer to absorb this region.
// The proposal may be lost or rejected while the local target peer is not
// leader; the scheduler heartbeat tick retries it until the merge lands.
func (d *peerMsgHandler) proposeCommitMerge(source *metapb.Region, state *rspb.MergeState) {
	meta := d.ctx.storeMeta
	meta.RLock()
	target := meta.regions[state.Target.Id]
	meta.RUnlock()
	if target == nil {
		log.Warnf("%s merge target region %d not found on store %d", d.Tag, state.Target.Id, d.ctx.store.Id)
		return
	}
	targetPeer := util.FindPeer(target, d.ctx.store.Id)
	if targetPeer == nil {
		log.Warnf("%s no peer of merge target region %d on store %d", d.Tag, target.Id, d.ctx.store.Id)
		return
	}
	req := &raft_cmdpb.RaftCmdRequest{
		Header: &raft_cmdpb.RaftRequestHeader{
			RegionId:    target.Id,
			Peer:        targetPeer,
			RegionEpoch: target.RegionEpoch,
		},
		AdminRequest: &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_CommitMerge,
			CommitMerge: &raft_cmdpb.CommitMergeRequest{
				Source: source,
				Commit: state.Commit,
			},
		},
	}
	cmd := &message.MsgRaftCmd{Request: req, Callback: message.NewCallback()}
	_ = d.ctx.router.send(target.Id, message.NewPeerMsg(message.MsgTypeRaftCmd, target.Id, cmd))
}

func (d *peerMsgHandler) onReadyCommitMerge(region *metapb.Region, source *metapb.Region) {
	meta := d.ctx.storeMeta
	meta.Lock()
	// Both old range entries are replaced by the merged one. The source entry
	// may be missing when the source peer on this store was never initialized.
	if meta.regionRanges.Delete(&regionItem{region: d.Region()}) == nil {
		panic(d.Tag + " target region should exist")
	}
	meta.regionRanges.Delete(&regionItem{region: source})
	delete(meta.regions, source.Id)
	meta.setRegion(region, d.peer)
	meta.regionRanges.ReplaceOrInsert(&regionItem{region: region})
	meta.Unlock()
	d.SizeDiffHint = 0
	d.ApproximateSize = nil
	log.Infof("%s merged region %d, new range [%q, %q)", d.Tag, source.Id, region.StartKey, region.EndKey)
	// Tell the source peer to go away. Its data now belongs to this region.
	_ = d.ctx.router.send(source.Id, message.NewPeerMsg(message.MsgTypeMergeResult, source.Id,
		&message.MsgMergeResult{TargetRegion: region}))
	if d.IsLeader() {
		d.HeartbeatScheduler(d.ctx.schedulerTaskSender)
	}
}

func (d *peerMsgHandler) onReadyRollbackMerge(region *metapb.Region) {
	meta := d.ctx.storeMeta
	meta.Lock()
	meta.setRegion(region, d.peer)
	meta.Unlock()
	d.PendingMergeState = nil
	if d.IsLeader() {
		d.HeartbeatScheduler(d.ctx.schedulerTaskSender)
	}
}

// onMergeResult destroys a merge source once the target has taken over. The
// store metadata was already rewritten by the target under its lock and the
// absorbed range must survive, so the peer drops only its own raft state.
func (d *peerMsgHandler) onMergeResult(target *metapb.Region) {
	log.Infof("%s merged into region %d, destroying", d.Tag, target.Id)
	if err := d.Destroy(d.ctx.engine, true); err != nil {
		panic(fmt.Sprintf("%s destroy merged peer %v", d.Tag, err))
	}
	d.ctx.router.close(d.regionId)
	d.stopped = true
}

func (d *peerMsgHandler) onReadyApplySnapshot(applyResult *ApplySnapResult) {
	prevRegion := applyResult.PrevRegion
	region := applyResult.Region

	log.Infof("%s snapshot for region %v is applied", d.Tag, region)
	meta := d.ctx.storeMeta
	meta.Lock()
	defer meta.Unlock()
	initialized := len(prevRegion.Peers) > 0
	if initialized {
		log.Infof("%s region changed from %v -> %v after applying snapshot", d.Tag, prevRegion, region)
		meta.regionRanges.Delete(&regionItem{region: prevRegion})
	}
	meta.regionRanges.ReplaceOrInsert(&regionItem{region: region})
	meta.regions[region.Id] = region
}

// preProposeRaftCommand screens a command before it may enter the log:
// right store, current leader, matching peer id, fresh term, fresh epoch.
func (d *peerMsgHandler) preProposeRaftCommand(req *raft_cmdpb.RaftCmdRequest) error {
	if err := util.CheckStoreID(req, d.ctx.store.Id); err != nil {
		return err
	}
	if !d.IsLeader() {
		return &util.ErrNotLeader{
			RegionId: d.regionId,
			Leader:   d.getPeerFromCache(d.LeaderId()),
		}
	}
	if err := util.CheckPeerID(req, d.PeerId()); err != nil {
		return err
	}
	if err := util.CheckTerm(req, d.Term()); err != nil {
		return err
	}
	err := util.CheckRegionEpoch(req, d.Region(), true)
	if epochErr, ok := err.(*util.ErrEpochNotMatch); ok {
		// Hand back the neighboring region too. When the mismatch came
		// from a split it is exactly the half the client wants next, and
		// an unrelated neighbor merely refreshes the client's cache.
		if sibling := d.findSiblingRegion(); sibling != nil {
			epochErr.Regions = append(epochErr.Regions, sibling)
		}
		return epochErr
	}
	return err
}

func (d *peerMsgHandler) proposeRaftCommand(msg *raft_cmdpb.RaftCmdRequest, cb *message.Callback) {
	if err := d.preProposeRaftCommand(msg); err != nil {
		cb.Done(ErrResp(err))
		return
	}
	if d.PendingRemove {
		NotifyReqRegionRemoved(d.regionId, cb)
		return
	}
	resp := newCmdResp()
	BindRespTerm(resp, d.Term())
	d.peer.Propose(d.ctx.engine.Kv, d.ctx.cfg, cb, msg, resp)
}

// onTick fires whichever per-peer timers came due, then re-registers with
// the store tick driver.
func (d *peerMsgHandler) onTick() {
	if d.stopped {
		return
	}
	d.ticker.tickClock()
	for _, t := range []struct {
		kind PeerTick
		run  func()
	}{
		{PeerTickRaft, d.onRaftBaseTick},
		{PeerTickRaftLogGC, d.onRaftGCLogTick},
		{PeerTickSchedulerHeartbeat, d.onSchedulerHeartbeatTick},
		{PeerTickSplitRegionCheck, d.onSplitRegionCheckTick},
	} {
		if d.ticker.isOnTick(t.kind) {
			t.run()
		}
	}
	d.ctx.tickDriverSender <- d.regionId
}

func (d *peerMsgHandler) startTicker() {
	d.ticker = newTicker(d.regionId, d.ctx.cfg)
	d.ctx.tickDriverSender <- d.regionId
	d.ticker.schedule(PeerTickRaft)
	d.ticker.schedule(PeerTickRaftLogGC)
	d.ticker.schedule(PeerTickSplitRegionCheck)
	d.ticker.schedule(PeerTickSchedulerHeartbeat)
}

func (d *peerMsgHandler) onRaftBaseTick() {
	d.RaftGroup.Tick()
	d.ticker.schedule(PeerTickRaft)
}

// ScheduleCompactLog hands log deletion to the gc worker, from wherever
// the last truncation stopped up to the new truncated index.
func (d *peerMsgHandler) ScheduleCompactLog(firstIndex uint64, truncatedIndex uint64) {
	task := &runner.RaftLogGCTask{
		RaftEngine: d.ctx.engine.Raft,
		RegionID:   d.regionId,
		StartIdx:   d.LastCompactedIdx,
		EndIdx:     truncatedIndex + 1,
	}
	d.LastCompactedIdx = task.EndIdx
	d.ctx.raftLogGCTaskSender <- task
}

func (d *peerMsgHandler) onRaftMsg(msg *rspb.RaftMessage) error {
	log.Debugf("%s handle raft message %s from %d to %d",
		d.Tag, msg.GetMessage().GetMsgType(), msg.GetFromPeer().GetId(), msg.GetToPeer().GetId())
	if !d.validateRaftMessage(msg) || d.stopped {
		return nil
	}
	if msg.GetIsTombstone() {
		// Another store decided we are a leftover replica.
		d.handleGCPeerMsg(msg)
		return nil
	}
	if d.checkMessage(msg) {
		return nil
	}
	rejectedSnap, err := d.checkSnapshot(msg)
	if err != nil {
		return err
	}
	if rejectedSnap != nil {
		// The rejected snapshot's files can go now. If the same snapshot
		// is resent it fails the check again, so nothing misses them.
		s, err1 := d.ctx.snapMgr.GetSnapshotForApplying(*rejectedSnap)
		if err1 != nil {
			return err1
		}
		d.ctx.snapMgr.DeleteSnapshot(*rejectedSnap, s, false)
		return nil
	}
	d.insertPeerCache(msg.GetFromPeer())
	if err = d.RaftGroup.Step(*msg.GetMessage()); err != nil {
		return err
	}
	if d.AnyNewPeerCatchUp(msg.FromPeer.Id) {
		d.HeartbeatScheduler(d.ctx.schedulerTaskSender)
	}
	return nil
}

// validateRaftMessage rejects messages that were misrouted or malformed;
// false means drop.
func (d *peerMsgHandler) validateRaftMessage(msg *rspb.RaftMessage) bool {
	regionID := msg.GetRegionId()
	to := msg.GetToPeer()
	log.Debugf("[region %d] handle raft message %s from %d to %d", regionID, msg, msg.GetFromPeer().GetId(), to.GetId())
	if to.GetStoreId() != d.ctx.store.Id {
		log.Warnf("[region %d] store not match, to store id %d, mine %d, ignore it",
			regionID, to.GetStoreId(), d.ctx.store.Id)
		return false
	}
	if msg.RegionEpoch == nil {
		log.Errorf("[region %d] missing epoch in raft message, ignore it", regionID)
		return false
	}
	return true
}

// checkMessage filters messages from or to replicas that no longer belong
// to the region. True means the message was swallowed.
//
// A sender with a stale epoch whose store left the region is either a
// removed replica that has not applied its own removal yet (its requests
// get a tombstone reply when it asks for votes, so it cleans itself up)
// or a replica that simply has not heard about a membership change (its
// stale votes are ignored; the current leader will bring it back). A
// replica removed while isolated can stay stale indefinitely; the
// scheduler-driven stale check eventually reclaims it.
//
// Comparing peer ids handles reincarnation on the same store: a message
// for a smaller id is from a past life, and a message for a larger id
// means our own peer is the past life and must go.
func (d *peerMsgHandler) checkMessage(msg *rspb.RaftMessage) bool {
	region := d.Region()
	if util.IsEpochStale(msg.GetRegionEpoch(), region.RegionEpoch) &&
		util.FindPeer(region, msg.FromPeer.GetStoreId()) == nil {
		handleStaleMsg(d.ctx.trans, msg, region.RegionEpoch, util.IsVoteMessage(msg.Message))
		return true
	}

	target := msg.GetToPeer()
	switch {
	case target.Id < d.PeerId():
		log.Infof("%s target peer ID %d is less than %d, msg maybe stale", d.Tag, target.Id, d.PeerId())
		return true
	case target.Id > d.PeerId():
		if d.MaybeDestroy() {
			log.Infof("%s is stale as received a larger peer %v, destroying", d.Tag, target)
			d.destroyPeer()
			d.ctx.router.sendStore(message.NewMsg(message.MsgTypeStoreRaftMessage, msg))
		}
		return true
	}
	return false
}

// handleStaleMsg either drops a stale message quietly or, for vote
// requests, answers with a tombstone so the stale sender removes itself.
func handleStaleMsg(trans Transport, msg *rspb.RaftMessage, curEpoch *metapb.RegionEpoch,
	needGC bool) {
	if !needGC {
		log.Infof("[region %d] raft message %s is stale, current %v ignore it",
			msg.RegionId, msg.Message.GetMsgType(), curEpoch)
		return
	}
	reply := &rspb.RaftMessage{
		RegionId:    msg.RegionId,
		FromPeer:    msg.ToPeer,
		ToPeer:      msg.FromPeer,
		RegionEpoch: curEpoch,
		IsTombstone: true,
	}
	if err := trans.Send(reply); err != nil {
		log.Errorf("[region %d] send message failed %v", msg.RegionId, err)
	}
}

// handleGCPeerMsg destroys this peer on a tombstone message, provided the
// sender's epoch really is ahead of ours and the message names us.
func (d *peerMsgHandler) handleGCPeerMsg(msg *rspb.RaftMessage) {
	if !util.IsEpochStale(d.Region().RegionEpoch, msg.RegionEpoch) {
		return
	}
	if !util.PeerEqual(d.Meta, msg.ToPeer) {
		log.Infof("%s receive stale gc msg, ignore", d.Tag)
		return
	}
	log.Infof("%s peer %v receives gc message, trying to remove", d.Tag, msg.ToPeer)
	if d.MaybeDestroy() {
		d.destroyPeer()
	}
}

// checkSnapshot vets an incoming snapshot against the store's region map.
// A non-nil key means the snapshot must be rejected (its files keyed by
// that SnapKey can be discarded); nil with no error means it may be
// stepped into raft.
func (d *peerMsgHandler) checkSnapshot(msg *rspb.RaftMessage) (*snap.SnapKey, error) {
	if msg.Message.Snapshot == nil {
		return nil, nil
	}
	snapshot := msg.Message.Snapshot
	key := snap.SnapKeyFromRegionSnap(msg.RegionId, snapshot)
	snapData := new(rspb.RaftSnapshotData)
	if err := snapData.Unmarshal(snapshot.Data); err != nil {
		return nil, err
	}
	snapRegion := snapData.Region

	if util.FindPeerByID(snapRegion, msg.ToPeer.Id) == nil {
		log.Infof("%s %v doesn't contains peer %d, skip", d.Tag, snapRegion, msg.ToPeer.Id)
		return &key, nil
	}

	meta := d.ctx.storeMeta
	meta.Lock()
	defer meta.Unlock()
	if !util.RegionEqual(meta.regions[d.regionId], d.Region()) {
		if !d.isInitialized() {
			log.Infof("%s stale delegate detected, skip", d.Tag)
			return &key, nil
		}
		panic(fmt.Sprintf("%s meta corrupted %v != %v", d.Tag, meta.regions[d.regionId], d.Region()))
	}

	for _, other := range meta.getOverlapRegions(snapRegion) {
		if other.GetId() == snapRegion.GetId() {
			continue
		}
		// Accepting this snapshot would overwrite another region's data.
		log.Infof("%s region overlapped %v %v", d.Tag, other, snapRegion)
		return &key, nil
	}

	if _, err := d.ctx.snapMgr.GetSnapshotForApplying(key); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *peerMsgHandler) destroyPeer() {
	log.Infof("%s starts destroy", d.Tag)
	regionID := d.regionId
	meta := d.ctx.storeMeta
	meta.Lock()
	defer meta.Unlock()
	wasInitialized := d.isInitialized()
	if err := d.Destroy(d.ctx.engine, false); err != nil {
		// Carrying on would let the peer come back on restart and be
		// garbage collected again, this time possibly wiping data an
		// overlapping region wrote in the meantime.
		panic(fmt.Sprintf("%s destroy peer %v", d.Tag, err))
	}
	d.ctx.router.close(regionID)
	d.stopped = true
	if wasInitialized && meta.regionRanges.Delete(&regionItem{region: d.Region()}) == nil {
		panic(d.Tag + " meta corruption detected")
	}
	if _, ok := meta.regions[regionID]; !ok {
		panic(d.Tag + " meta corruption detected")
	}
	delete(meta.regions, regionID)
}

// findSiblingRegion returns the region right after ours in key order, if
// this store hosts one.
func (d *peerMsgHandler) findSiblingRegion() (sibling *metapb.Region) {
	meta := d.ctx.storeMeta
	meta.RLock()
	defer meta.RUnlock()
	meta.regionRanges.AscendGreaterOrEqual(&regionItem{region: d.Region()}, func(i btree.Item) bool {
		if i.(*regionItem).region.GetId() == d.regionId {
			return true
		}
		sibling = i.(*regionItem).region
		return false
	})
	return
}

// onRaftGCLogTick proposes a CompactLog once the applied log has grown
// past the configured count. Only the leader proposes, so the whole group
// truncates at the same index.
func (d *peerMsgHandler) onRaftGCLogTick() {
	d.ticker.schedule(PeerTickRaftLogGC)
	if !d.IsLeader() {
		return
	}

	appliedIdx := d.peerStorage.AppliedIndex()
	firstIdx, _ := d.peerStorage.FirstIndex()
	if appliedIdx <= firstIdx || appliedIdx-firstIdx < d.ctx.cfg.RaftLogGcCountLimit {
		return
	}

	// Keep the applied entry itself; compact everything before it.
	compactIdx := appliedIdx - 1
	if compactIdx < firstIdx {
		return
	}
	y.Assert(compactIdx > 0)

	term, err := d.RaftGroup.Raft.RaftLog.Term(compactIdx)
	if err != nil {
		log.Fatalf("appliedIdx: %d, firstIdx: %d, compactIdx: %d", appliedIdx, firstIdx, compactIdx)
		panic(err)
	}

	d.proposeRaftCommand(newCompactLogRequest(d.regionId, d.Meta, compactIdx, term), nil)
}

// onSplitRegionCheckTick queues a size scan for this region, but only
// when enough writes piled up since the last scan and the scanner is
// idle; the scan walks the whole range and is not cheap.
func (d *peerMsgHandler) onSplitRegionCheckTick() {
	d.ticker.schedule(PeerTickSplitRegionCheck)
	if len(d.ctx.splitCheckTaskSender) > 0 {
		return
	}
	if !d.IsLeader() {
		return
	}
	if d.ApproximateSize != nil && d.SizeDiffHint < d.ctx.cfg.RegionSplitSize/8 {
		return
	}
	d.ctx.splitCheckTaskSender <- &runner.SplitCheckTask{
		Region: d.Region(),
	}
	d.SizeDiffHint = 0
}

// onPrepareSplitRegion asks the scheduler for new region and peer ids
// before the split itself can be proposed.
func (d *peerMsgHandler) onPrepareSplitRegion(regionEpoch *metapb.RegionEpoch, splitKey []byte, cb *message.Callback) {
	if err := d.validateSplitRegion(regionEpoch, splitKey); err != nil {
		cb.Done(ErrResp(err))
		return
	}
	d.ctx.schedulerTaskSender <- &runner.SchedulerAskSplitTask{
		Region:   d.Region(),
		SplitKey: splitKey,
		Peer:     d.Meta,
		Callback: cb,
	}
}

func (d *peerMsgHandler) validateSplitRegion(epoch *metapb.RegionEpoch, splitKey []byte) error {
	if len(splitKey) == 0 {
		err := errors.Errorf("%s split key should not be empty", d.Tag)
		log.Error(err)
		return err
	}
	if !d.IsLeader() {
		log.Infof("%s not leader, skip", d.Tag)
		return &util.ErrNotLeader{
			RegionId: d.regionId,
			Leader:   d.getPeerFromCache(d.LeaderId()),
		}
	}

	// Unlike the usual epoch check only the version matters here: the
	// conf version is refreshed from this peer before the request goes to
	// the scheduler.
	latestEpoch := d.Region().GetRegionEpoch()
	if latestEpoch.Version != epoch.Version {
		log.Infof("%s epoch changed, retry later, prev_epoch: %s, epoch %s",
			d.Tag, latestEpoch, epoch)
		return &util.ErrEpochNotMatch{
			Message: fmt.Sprintf("%s epoch changed %s != %s, retry later", d.Tag, latestEpoch, epoch),
			Regions: []*metapb.Region{d.Region()},
		}
	}
	return nil
}

func (d *peerMsgHandler) onApproximateRegionSize(size uint64) {
	d.ApproximateSize = &size
}

func (d *peerMsgHandler) onSchedulerHeartbeatTick() {
	d.ticker.schedule(PeerTickSchedulerHeartbeat)

	if !d.IsLeader() {
		return
	}
	d.CheckPeers()
	d.HeartbeatScheduler(d.ctx.schedulerTaskSender)
	if d.PendingMergeState != nil {
		// The previous attempt may have been lost or rejected while the
		// collocated target peer was not yet leader.
		d.proposeCommitMerge(d.Region(), d.PendingMergeState)
	}
}

// onGCSnap sweeps this region's snapshot files. Outbound snapshots go
// once the log has been truncated past them, or after sitting unused for
// hours; inbound snapshots go once they are behind the truncated state.
func (d *peerMsgHandler) onGCSnap(snaps []snap.SnapKeyWithSending) {
	compactedIdx := d.peerStorage.truncatedIndex()
	compactedTerm := d.peerStorage.truncatedTerm()
	for _, item := range snaps {
		key := item.SnapKey
		if !item.IsSending {
			if key.Term <= compactedTerm && key.Index <= compactedIdx {
				log.Infof("%s snap file %s has been applied, delete", d.Tag, key)
				applied, err := d.ctx.snapMgr.GetSnapshotForApplying(key)
				if err != nil {
					log.Errorf("%s failed to load snapshot for %s %v", d.Tag, key, err)
					continue
				}
				d.ctx.snapMgr.DeleteSnapshot(key, applied, false)
			}
			continue
		}

		sending, err := d.ctx.snapMgr.GetSnapshotForSending(key)
		if err != nil {
			log.Errorf("%s failed to load snapshot for %s %v", d.Tag, key, err)
			continue
		}
		if key.Term < compactedTerm || key.Index < compactedIdx {
			log.Infof("%s snap file %s has been compacted, delete", d.Tag, key)
			d.ctx.snapMgr.DeleteSnapshot(key, sending, false)
		} else if fi, err1 := sending.Meta(); err1 == nil {
			if time.Since(fi.ModTime()) > 4*time.Hour {
				log.Infof("%s snap file %s has been expired, delete", d.Tag, key)
				d.ctx.snapMgr.DeleteSnapshot(key, sending, false)
			}
		}
	}
}

func newAdminRequest(regionID uint64, peer *metapb.Peer) *raft_cmdpb.RaftCmdRequest {
	return &raft_cmdpb.RaftCmdRequest{
		Header: &raft_cmdpb.RaftRequestHeader{
			RegionId: regionID,
			Peer:     peer,
		},
	}
}

func newCompactLogRequest(regionID uint64, peer *metapb.Peer, compactIndex, compactTerm uint64) *raft_cmdpb.RaftCmdRequest {
	req := newAdminRequest(regionID, peer)
	req.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_CompactLog,
		CompactLog: &raft_cmdpb.CompactLogRequest{
			CompactIndex: compactIndex,
			CompactTerm:  compactTerm,
		},
	}
	return req
}
