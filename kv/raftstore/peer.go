package raftstore

import (
	"fmt"
	"time"

	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/raftstore/message"
	"github.com/rangekv/rangekv/kv/raftstore/meta"
	"github.com/rangekv/rangekv/kv/raftstore/runner"
	"github.com/rangekv/rangekv/kv/raftstore/util"
	"github.com/rangekv/rangekv/kv/util/engine_util"
	"github.com/rangekv/rangekv/kv/util/worker"
	"github.com/rangekv/rangekv/log"
	"github.com/rangekv/rangekv/raft"
)

// peer drives one raft group member on this store: it owns the RawNode,
// the durable peer storage, and the proposals waiting for apply results.
type peer struct {
	stopped bool
	ticker  *ticker

	Meta           *metapb.Peer
	regionId       uint64
	RaftGroup      *raft.RawNode
	peerStorage    *PeerStorage
	applyProposals []*proposal

	peerCache map[uint64]*metapb.Peer

	// Last time each follower answered a heartbeat; leader only.
	PeerHeartbeats map[uint64]time.Time

	// When each still-pending peer joined the configuration. Entries are
	// dropped once the peer has caught up.
	PeersStartPendingTime map[uint64]time.Time

	// Rough size delta accumulated since the split checker last ran.
	SizeDiffHint uint64
	// Approximate size of the region.
	ApproximateSize *uint64

	Tag string

	// Index of last scheduled committed raft log.
	LastApplyingIdx  uint64
	LastCompactedIdx uint64

	PendingRemove bool

	// Set while this region is the quiesced source of a merge. No new
	// proposals are accepted except the one rolling the merge back.
	PendingMergeState *rspb.MergeState
}

func NotifyStaleReq(term uint64, cb *message.Callback) {
	cb.Done(ErrRespStaleCommand(term))
}

func NotifyReqRegionRemoved(regionId uint64, cb *message.Callback) {
	cb.Done(ErrResp(&util.ErrRegionNotFound{RegionId: regionId}))
}

// createPeer is for peers this store brings up deliberately (bootstrap,
// split): the region descriptor already names a peer on this store.
func createPeer(storeID uint64, cfg *config.Config, sched chan<- worker.Task,
	engines *engine_util.Engines, region *metapb.Region) (*peer, error) {
	storePeer := util.FindPeer(region, storeID)
	if storePeer == nil {
		return nil, errors.Errorf("find no peer for store %d in region %v", storeID, region)
	}
	log.Infof("region %v create peer with ID %d", region, storePeer.Id)
	return NewPeer(storeID, cfg, engines, region, sched, storePeer)
}

// replicatePeer is for peers learned about through a raft message: only
// the region id and peer id are known, the range arrives later with the
// first snapshot.
func replicatePeer(storeID uint64, cfg *config.Config, sched chan<- worker.Task,
	engines *engine_util.Engines, regionID uint64, storePeer *metapb.Peer) (*peer, error) {
	log.Infof("[region %v] replicates peer with ID %d", regionID, storePeer.GetId())
	blank := &metapb.Region{
		Id:          regionID,
		RegionEpoch: &metapb.RegionEpoch{},
	}
	return NewPeer(storeID, cfg, engines, blank, sched, storePeer)
}

func NewPeer(storeId uint64, cfg *config.Config, engines *engine_util.Engines, region *metapb.Region, regionSched chan<- worker.Task,
	meta *metapb.Peer) (*peer, error) {
	if meta.GetId() == util.InvalidID {
		return nil, fmt.Errorf("invalid peer id")
	}
	tag := fmt.Sprintf("[region %v] %v", region.GetId(), meta.GetId())

	ps, err := NewPeerStorage(engines, region, regionSched, meta.GetId(), tag)
	if err != nil {
		return nil, err
	}
	applied := ps.AppliedIndex()

	rg, err := raft.NewRawNode(&raft.Config{
		ID:            meta.GetId(),
		ElectionTick:  cfg.RaftElectionTimeoutTicks,
		HeartbeatTick: cfg.RaftHeartbeatTicks,
		Applied:       applied,
		Storage:       ps,
	})
	if err != nil {
		return nil, err
	}
	p := &peer{
		Meta:                  meta,
		regionId:              region.GetId(),
		RaftGroup:             rg,
		peerStorage:           ps,
		peerCache:             make(map[uint64]*metapb.Peer),
		PeerHeartbeats:        make(map[uint64]time.Time),
		PeersStartPendingTime: make(map[uint64]time.Time),
		Tag:                   tag,
		LastApplyingIdx:       applied,
		ticker:                newTicker(region.GetId(), cfg),
	}

	// A single-member group with our own peer has nobody to wait for;
	// elect immediately.
	if len(region.GetPeers()) == 1 && region.GetPeers()[0].GetStoreId() == storeId {
		if err = p.RaftGroup.Campaign(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *peer) insertPeerCache(peer *metapb.Peer) {
	p.peerCache[peer.GetId()] = peer
}

func (p *peer) removePeerCache(peerID uint64) {
	delete(p.peerCache, peerID)
}

func (p *peer) getPeerFromCache(peerID uint64) *metapb.Peer {
	if cached, ok := p.peerCache[peerID]; ok {
		return cached
	}
	for _, member := range p.peerStorage.Region().GetPeers() {
		if member.GetId() == peerID {
			p.insertPeerCache(member)
			return member
		}
	}
	return nil
}

func (p *peer) nextProposalIndex() uint64 {
	return p.RaftGroup.Raft.RaftLog.LastIndex() + 1
}

// MaybeDestroy returns true if the peer is safe to destroy now.
func (p *peer) MaybeDestroy() bool {
	if p.PendingRemove {
		log.Infof("%v is being destroyed, skip", p.Tag)
		return false
	}
	p.PendingRemove = true
	return true
}

// Destroy marks the region tombstone on disk, optionally wipes its data,
// and fails every proposal still waiting for a result.
func (p *peer) Destroy(engine *engine_util.Engines, keepData bool) error {
	start := time.Now()
	region := p.Region()
	log.Infof("%v begin to destroy", p.Tag)

	kvWB := new(engine_util.WriteBatch)
	raftWB := new(engine_util.WriteBatch)
	if err := p.Store().clearMeta(kvWB, raftWB); err != nil {
		return err
	}
	meta.WriteRegionState(kvWB, region, rspb.PeerState_Tombstone)
	// The kv engine must land first: a crash between the two writes then
	// leaves a tombstone, not a zombie peer.
	if err := kvWB.WriteToDB(engine.Kv); err != nil {
		return err
	}
	if err := raftWB.WriteToDB(engine.Raft); err != nil {
		return err
	}

	if p.Store().isInitialized() && !keepData {
		// Any data left behind by a crash here is overwritten by the next
		// snapshot or cleaned on restart.
		p.Store().ClearData()
	}

	for _, prop := range p.applyProposals {
		NotifyReqRegionRemoved(region.Id, prop.cb)
	}
	p.applyProposals = nil
	p.stopped = true

	log.Infof("%v destroy itself, takes %v", p.Tag, time.Since(start))
	return nil
}

func (p *peer) isInitialized() bool {
	return p.peerStorage.isInitialized()
}

func (p *peer) Region() *metapb.Region {
	return p.peerStorage.Region()
}

// SetRegion swaps the in-memory region descriptor. The caller has already
// persisted the new descriptor.
func (p *peer) SetRegion(region *metapb.Region) {
	p.Store().SetRegion(region)
}

func (p *peer) PeerId() uint64 {
	return p.Meta.GetId()
}

func (p *peer) LeaderId() uint64 {
	return p.RaftGroup.Raft.Lead
}

func (p *peer) IsLeader() bool {
	return p.RaftGroup.Raft.State == raft.StateLeader
}

func (p *peer) Store() *PeerStorage {
	return p.peerStorage
}

// HasPendingSnapshot reports whether raft has handed us a snapshot that
// has not been scheduled for applying yet.
func (p *peer) HasPendingSnapshot() bool {
	return p.RaftGroup.GetSnap() != nil
}

func (p *peer) Send(trans Transport, msgs []eraftpb.Message) {
	for _, m := range msgs {
		if err := p.sendRaftMessage(m, trans); err != nil {
			log.Debugf("%v send message err: %v", p.Tag, err)
		}
	}
}

func (p *peer) Step(m *eraftpb.Message) error {
	if p.IsLeader() && m.GetFrom() != util.InvalidID {
		p.PeerHeartbeats[m.GetFrom()] = time.Now()
	}
	return p.RaftGroup.Step(*m)
}

// CheckPeers seeds PeerHeartbeats for members that have never responded,
// so the stale-peer check has a baseline for every follower.
func (p *peer) CheckPeers() {
	if !p.IsLeader() {
		if len(p.PeerHeartbeats) > 0 {
			p.PeerHeartbeats = make(map[uint64]time.Time)
		}
		return
	}
	if len(p.PeerHeartbeats) == len(p.Region().GetPeers()) {
		return
	}
	for _, member := range p.Region().GetPeers() {
		if _, ok := p.PeerHeartbeats[member.GetId()]; !ok {
			p.PeerHeartbeats[member.GetId()] = time.Now()
		}
	}
}

// CollectPendingPeers reports the members still far enough behind that
// they would need a snapshot, for the scheduler heartbeat.
func (p *peer) CollectPendingPeers() []*metapb.Peer {
	pending := make([]*metapb.Peer, 0, len(p.Region().GetPeers()))
	truncated := p.Store().truncatedIndex()
	for id, pr := range p.RaftGroup.GetProgress() {
		if id == p.Meta.GetId() || pr.Match >= truncated {
			continue
		}
		member := p.getPeerFromCache(id)
		if member == nil {
			continue
		}
		pending = append(pending, member)
		if _, ok := p.PeersStartPendingTime[id]; !ok {
			now := time.Now()
			p.PeersStartPendingTime[id] = now
			log.Debugf("%v peer %v start pending at %v", p.Tag, id, now)
		}
	}
	return pending
}

func (p *peer) clearPeersStartPendingTime() {
	for id := range p.PeersStartPendingTime {
		delete(p.PeersStartPendingTime, id)
	}
}

// AnyNewPeerCatchUp returns true when a previously pending peer has
// replicated past the truncated index and no longer needs a snapshot.
func (p *peer) AnyNewPeerCatchUp(peerId uint64) bool {
	if len(p.PeersStartPendingTime) == 0 {
		return false
	}
	if !p.IsLeader() {
		p.clearPeersStartPendingTime()
		return false
	}
	since, ok := p.PeersStartPendingTime[peerId]
	if !ok {
		return false
	}
	pr, ok := p.RaftGroup.Raft.Prs[peerId]
	if !ok || pr.Match < p.Store().truncatedIndex() {
		return false
	}
	delete(p.PeersStartPendingTime, peerId)
	log.Debugf("%v peer %v has caught up logs, elapsed: %v", p.Tag, peerId, time.Since(since))
	return true
}

func (p *peer) ReadyToHandlePendingSnap() bool {
	// Wait until the apply worker has drained; otherwise it could clobber
	// the apply state the snapshot writes. The committed index is no
	// substitute for this check: while a snapshot applies, a stale
	// heartbeat can convince the leader to stream further entries, which
	// moves the committed index.
	return p.LastApplyingIdx == p.Store().AppliedIndex()
}

func (p *peer) TakeApplyProposals() *MsgApplyProposal {
	if len(p.applyProposals) == 0 {
		return nil
	}
	props := p.applyProposals
	p.applyProposals = nil
	return &MsgApplyProposal{
		Id:       p.PeerId(),
		RegionId: p.regionId,
		Props:    props,
	}
}

func (p *peer) HandleRaftReady(msgs []message.Msg, schedulerTaskSender chan<- worker.Task, trans Transport) (*ApplySnapResult, []message.Msg) {
	if p.stopped || p.PendingRemove {
		return nil, msgs
	}

	if p.HasPendingSnapshot() && !p.ReadyToHandlePendingSnap() {
		log.Debugf("%v [apply_id: %v, last_applying_idx: %v] is not ready to apply snapshot.",
			p.Tag, p.Store().AppliedIndex(), p.LastApplyingIdx)
		return nil, msgs
	}

	if !p.RaftGroup.HasReadySince(p.LastApplyingIdx) {
		return nil, msgs
	}

	log.Debugf("%v handle raft ready", p.Tag)

	rd := p.RaftGroup.ReadySince(p.LastApplyingIdx)
	// An empty snapshot comes back with nil metadata, but the generated
	// proto accessors want the pointer present.
	if rd.Snapshot.GetMetadata() == nil {
		rd.Snapshot.Metadata = &eraftpb.SnapshotMetadata{}
	}

	// A leader may fan out messages before its own disk write finishes
	// (raft thesis 10.2.1); a follower must persist first.
	if p.IsLeader() {
		p.Send(trans, rd.Messages)
		rd.Messages = rd.Messages[:0]
	}
	if ss := rd.SoftState; ss != nil && ss.RaftState == raft.StateLeader {
		p.HeartbeatScheduler(schedulerTaskSender)
	}

	snapResult, err := p.Store().SaveReadyState(&rd)
	if err != nil {
		panic(fmt.Sprintf("failed to handle raft ready, error: %v", err))
	}
	if !p.IsLeader() {
		p.Send(trans, rd.Messages)
	}

	if snapResult != nil {
		// The applier must be rebuilt around the snapshot's region before
		// the peer can make progress again.
		msgs = append(msgs, message.NewPeerMsg(message.MsgTypeApplyRefresh, p.regionId, &MsgApplyRefresh{
			id:     p.PeerId(),
			term:   p.Term(),
			region: p.Region(),
		}))
		p.LastApplyingIdx = p.Store().truncatedIndex()
	} else if n := len(rd.CommittedEntries); n > 0 {
		committed := rd.CommittedEntries
		rd.CommittedEntries = nil
		p.LastApplyingIdx = committed[n-1].Index
		msgs = append(msgs, message.NewPeerMsg(message.MsgTypeApplyCommitted, p.regionId, &MsgApplyCommitted{
			regionId: p.regionId,
			term:     p.Term(),
			entries:  committed,
		}))
	}

	p.RaftGroup.Advance(rd)
	if snapResult != nil {
		// Ready is only produced after the previous snapshot finished, so
		// this cannot run twice for the same snapshot.
		p.RaftGroup.AdvanceApply(p.LastApplyingIdx)
	}
	return snapResult, msgs
}

// MaybeCampaign starts an election on a fresh split half when the parent
// peer led the region; the old leader is the natural leader of both
// halves.
func (p *peer) MaybeCampaign(parentIsLeader bool) bool {
	if len(p.Region().GetPeers()) <= 1 || !parentIsLeader {
		// A lone peer already campaigned in NewPeer.
		return false
	}
	p.RaftGroup.Campaign()
	return true
}

func (p *peer) Term() uint64 {
	return p.RaftGroup.Raft.Term
}

func (p *peer) HeartbeatScheduler(schedulerTaskSender chan<- worker.Task) {
	schedulerTaskSender <- &runner.SchedulerRegionHeartbeatTask{
		Region:          p.Region(),
		Peer:            p.Meta,
		PendingPeers:    p.CollectPendingPeers(),
		ApproximateSize: p.ApproximateSize,
	}
}

func (p *peer) sendRaftMessage(msg eraftpb.Message, trans Transport) error {
	to := p.getPeerFromCache(msg.To)
	if to == nil {
		return fmt.Errorf("failed to lookup recipient peer %v in region %v", msg.To, p.regionId)
	}
	from := *p.Meta
	log.Debugf("%v, send raft msg %v from %v to %v", p.Tag, msg.MsgType, from.Id, to.Id)

	wrapped := &rspb.RaftMessage{
		RegionId: p.regionId,
		RegionEpoch: &metapb.RegionEpoch{
			ConfVer: p.Region().RegionEpoch.ConfVer,
			Version: p.Region().RegionEpoch.Version,
		},
		FromPeer: &from,
		ToPeer:   to,
	}

	// The recipient store may not have this peer yet, either because the
	// peer was just added by a conf change or because a split there has
	// not executed. Attaching the range to vote and heartbeat messages
	// lets that store decide whether to create the peer on the spot or
	// wait for its own split.
	if p.Store().isInitialized() && util.IsInitialMsg(&msg) {
		wrapped.StartKey = append([]byte{}, p.Region().StartKey...)
		wrapped.EndKey = append([]byte{}, p.Region().EndKey...)
	}
	wrapped.Message = &msg
	return trans.Send(wrapped)
}

// PostApply moves the raft applied cursor after the apply worker finished
// a batch. Returns true if a parked snapshot just became applicable.
func (p *peer) PostApply(kv *badger.DB, applyState *rspb.RaftApplyState, sizeDiffHint uint64) bool {
	p.RaftGroup.AdvanceApply(applyState.AppliedIndex)

	if diff := p.SizeDiffHint + sizeDiffHint; diff > 0 {
		p.SizeDiffHint = diff
	} else {
		p.SizeDiffHint = 0
	}

	return p.HasPendingSnapshot() && p.ReadyToHandlePendingSnap()
}

// Propose routes a request down the appropriate proposal path. Returns
// true when the request made it into the raft log (or, for a leader
// transfer, was acted on); on false the callback has been completed with
// an error already.
func (p *peer) Propose(kv *badger.DB, cfg *config.Config, cb *message.Callback, req *raft_cmdpb.RaftCmdRequest, errResp *raft_cmdpb.RaftCmdResponse) bool {
	if p.PendingRemove {
		return false
	}
	if p.PendingMergeState != nil &&
		req.AdminRequest.GetCmdType() != raft_cmdpb.AdminCmdType_RollbackMerge {
		BindRespError(errResp, errors.Errorf("region %d is merging", p.regionId))
		cb.Done(errResp)
		return false
	}

	policy, err := p.inspect(req)
	if err != nil {
		BindRespError(errResp, err)
		cb.Done(errResp)
		return false
	}

	var idx uint64
	isConfChange := false
	switch policy {
	case RequestPolicy_ProposeNormal:
		idx, err = p.ProposeNormal(cfg, req)
	case RequestPolicy_ProposeTransferLeader:
		return p.ProposeTransferLeader(cfg, req, cb)
	case RequestPolicy_ProposeConfChange:
		isConfChange = true
		idx, err = p.ProposeConfChange(cfg, req)
	}
	if err != nil {
		BindRespError(errResp, err)
		cb.Done(errResp)
		return false
	}

	p.PostPropose(idx, p.Term(), isConfChange, cb)
	return true
}

func (p *peer) PostPropose(index, term uint64, isConfChange bool, cb *message.Callback) {
	p.applyProposals = append(p.applyProposals, &proposal{
		isConfChange: isConfChange,
		index:        index,
		term:         term,
		cb:           cb,
	})
}

// countHealthyNode counts members that could vote a new entry through
// right now. A member behind the truncated index would first need a
// snapshot, so it does not count towards a working quorum.
func (p *peer) countHealthyNode(progress map[uint64]raft.Progress) int {
	healthy := 0
	for _, pr := range progress {
		if pr.Match >= p.Store().truncatedIndex() {
			healthy++
		}
	}
	return healthy
}

// checkConfChange refuses a membership change that would leave the group
// without a healthy quorum once applied: simulate the change on a copy of
// the progress map and count who is up to date afterwards.
func (p *peer) checkConfChange(cfg *config.Config, cmd *raft_cmdpb.RaftCmdRequest) error {
	cp := GetChangePeerCmd(cmd)
	target := cp.GetPeer()

	progress := p.RaftGroup.GetProgress()
	total := len(progress)
	if total <= 1 {
		// A single-member group can always reconfigure itself.
		return nil
	}

	switch cp.GetChangeType() {
	case eraftpb.ConfChangeType_AddNode:
		progress[target.Id] = raft.Progress{}
	case eraftpb.ConfChangeType_RemoveNode:
		if _, ok := progress[target.Id]; !ok {
			// Removing a member that is already gone changes nothing.
			return nil
		}
		delete(progress, target.Id)
	}

	healthy := p.countHealthyNode(progress)
	need := Quorum(len(progress))
	if healthy >= need {
		return nil
	}

	log.Infof("%v rejects unsafe conf change request %v, total %v, healthy %v, "+
		"quorum after change %v", p.Tag, cp, total, healthy, need)
	return fmt.Errorf("unsafe to perform conf change %v, total %v, healthy %v, quorum after change %v",
		cp, total, healthy, need)
}

func Quorum(total int) int {
	return total/2 + 1
}

func (p *peer) transferLeader(peer *metapb.Peer) {
	log.Infof("%v transfer leader to %v", p.Tag, peer)
	p.RaftGroup.TransferLeader(peer.GetId())
}

func (p *peer) ProposeNormal(cfg *config.Config, req *raft_cmdpb.RaftCmdRequest) (uint64, error) {
	data, err := req.Marshal()
	if err != nil {
		return 0, err
	}

	next := p.nextProposalIndex()
	if err = p.RaftGroup.Propose(data); err != nil {
		return 0, err
	}
	if next == p.nextProposalIndex() {
		// Raft swallowed the proposal without an error, which happens
		// when there is no leader or leadership is moving. Report it as
		// NotLeader either way.
		return 0, &util.ErrNotLeader{RegionId: p.regionId}
	}
	return next, nil
}

// ProposeTransferLeader acts on a leader transfer immediately. It never
// enters the raft log, so the response is advisory: the transfer itself
// may still not happen.
func (p *peer) ProposeTransferLeader(cfg *config.Config, req *raft_cmdpb.RaftCmdRequest, cb *message.Callback) bool {
	p.transferLeader(getTransferLeaderCmd(req).Peer)
	cb.Done(makeTransferLeaderResponse())
	return true
}

// ProposeConfChange rejects the change while another one is still in
// flight, or when it would break quorum; it can also be dropped inside
// raft like any proposal.
func (p *peer) ProposeConfChange(cfg *config.Config, req *raft_cmdpb.RaftCmdRequest) (uint64, error) {
	if p.RaftGroup.Raft.PendingConfIndex > p.Store().AppliedIndex() {
		log.Infof("%v there is a pending conf change, try later", p.Tag)
		return 0, fmt.Errorf("%v there is a pending conf change, try later", p.Tag)
	}

	if err := p.checkConfChange(cfg, req); err != nil {
		return 0, err
	}

	data, err := req.Marshal()
	if err != nil {
		return 0, err
	}

	cp := GetChangePeerCmd(req)
	cc := eraftpb.ConfChange{
		ChangeType: cp.ChangeType,
		NodeId:     cp.Peer.Id,
		Context:    data,
	}

	log.Infof("%v propose conf change %v peer %v", p.Tag, cc.ChangeType, cc.NodeId)

	next := p.nextProposalIndex()
	if err = p.RaftGroup.ProposeConfChange(cc); err != nil {
		return 0, err
	}
	if p.nextProposalIndex() == next {
		return 0, &util.ErrNotLeader{RegionId: p.regionId}
	}
	return next, nil
}

type RequestPolicy int

const (
	RequestPolicy_ProposeNormal RequestPolicy = iota
	RequestPolicy_ProposeTransferLeader
	RequestPolicy_ProposeConfChange
	RequestPolicy_Invalid
)

// inspect classifies a request onto one of the proposal paths. Reads and
// writes may not share one request, since a mixed batch has no single
// consistency point.
func (p *peer) inspect(req *raft_cmdpb.RaftCmdRequest) (RequestPolicy, error) {
	if req.AdminRequest != nil {
		if GetChangePeerCmd(req) != nil {
			return RequestPolicy_ProposeConfChange, nil
		}
		if getTransferLeaderCmd(req) != nil {
			return RequestPolicy_ProposeTransferLeader, nil
		}
	}

	hasRead, hasWrite := false, false
	for _, r := range req.Requests {
		switch r.CmdType {
		case raft_cmdpb.CmdType_Get, raft_cmdpb.CmdType_Snap:
			hasRead = true
		case raft_cmdpb.CmdType_Delete, raft_cmdpb.CmdType_Put:
			hasWrite = true
		case raft_cmdpb.CmdType_Invalid:
			return RequestPolicy_Invalid, fmt.Errorf("invalid cmd type %v, message maybe corrupted", r.CmdType)
		}
		if hasRead && hasWrite {
			return RequestPolicy_Invalid, fmt.Errorf("read and write can't be mixed in one request")
		}
	}
	return RequestPolicy_ProposeNormal, nil
}

func getTransferLeaderCmd(req *raft_cmdpb.RaftCmdRequest) *raft_cmdpb.TransferLeaderRequest {
	if req.AdminRequest == nil {
		return nil
	}
	return req.AdminRequest.TransferLeader
}

func makeTransferLeaderResponse() *raft_cmdpb.RaftCmdResponse {
	return &raft_cmdpb.RaftCmdResponse{
		Header: &raft_cmdpb.RaftResponseHeader{},
		AdminResponse: &raft_cmdpb.AdminResponse{
			CmdType:        raft_cmdpb.AdminCmdType_TransferLeader,
			TransferLeader: &raft_cmdpb.TransferLeaderResponse{},
		},
	}
}

func GetChangePeerCmd(msg *raft_cmdpb.RaftCmdRequest) *raft_cmdpb.ChangePeerRequest {
	if msg.AdminRequest == nil || msg.AdminRequest.ChangePeer == nil {
		return nil
	}
	return msg.AdminRequest.ChangePeer
}
