package raftstore

import (
	"bytes"
	"fmt"

	"github.com/Connor1996/badger"
	"github.com/Connor1996/badger/y"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"

	"github.com/rangekv/rangekv/kv/raftstore/message"
	"github.com/rangekv/rangekv/kv/raftstore/meta"
	"github.com/rangekv/rangekv/kv/raftstore/util"
	"github.com/rangekv/rangekv/kv/util/engine_util"
	"github.com/rangekv/rangekv/log"
)

type pendingCmd struct {
	index uint64
	term  uint64
	cb    *message.Callback
}

type pendingCmdQueue struct {
	normals    []pendingCmd
	confChange *pendingCmd
}

func (q *pendingCmdQueue) popNormal(term uint64) *pendingCmd {
	if len(q.normals) == 0 {
		return nil
	}
	cmd := &q.normals[0]
	if cmd.term > term {
		return nil
	}
	q.normals = q.normals[1:]
	return cmd
}

func (q *pendingCmdQueue) appendNormal(cmd pendingCmd) {
	q.normals = append(q.normals, cmd)
}

func (q *pendingCmdQueue) takeConfChange() *pendingCmd {
	// conf change will not be affected when changing between follower and leader,
	// so there is no need to check term.
	cmd := q.confChange
	q.confChange = nil
	return cmd
}

func (q *pendingCmdQueue) setConfChange(cmd *pendingCmd) {
	q.confChange = cmd
}

type proposal struct {
	isConfChange bool
	index        uint64
	term         uint64
	cb           *message.Callback
}

// MsgApplyProposal hands the proposals of pending commands of a peer to the
// apply worker, so the callbacks can be matched when the entries commit.
type MsgApplyProposal struct {
	Id       uint64
	RegionId uint64
	Props    []*proposal
}

// MsgApplyCommitted hands a batch of committed entries to the apply worker.
type MsgApplyCommitted struct {
	regionId uint64
	term     uint64
	entries  []eraftpb.Entry
}

// MsgApplyRefresh resets the applier after the peer applied a snapshot.
type MsgApplyRefresh struct {
	id     uint64
	term   uint64
	region *metapb.Region
}

// MsgApplyRes is the result of applying a batch of committed entries, sent
// from the apply worker back to the peer.
type MsgApplyRes struct {
	regionID     uint64
	execResults  []execResult
	sizeDiffHint uint64
	applyState   *rspb.RaftApplyState
}

type execResult = interface{}

type execResultChangePeer struct {
	confChange *eraftpb.ConfChange
	peer       *metapb.Peer
	region     *metapb.Region
}

type execResultCompactLog struct {
	truncatedIndex uint64
	firstIndex     uint64
}

type execResultSplitRegion struct {
	regions []*metapb.Region
	derived *metapb.Region
}

type execResultPrepareMerge struct {
	region *metapb.Region
	state  *rspb.MergeState
}

type execResultCommitMerge struct {
	region *metapb.Region
	source *metapb.Region
}

type execResultRollbackMerge struct {
	region *metapb.Region
	commit uint64
}

type applyResultType int

const (
	applyResultTypeNone       applyResultType = 0
	applyResultTypeExecResult applyResultType = 1
)

type applyResult struct {
	tp   applyResultType
	data interface{}
}

type applyCallback struct {
	cbs []*message.Callback
}

func (c *applyCallback) push(cb *message.Callback, resp *raft_cmdpb.RaftCmdResponse) {
	if cb != nil {
		cb.Resp = resp
	}
	c.cbs = append(c.cbs, cb)
}

func (c *applyCallback) invokeAll() {
	for _, cb := range c.cbs {
		cb.Done(nil)
	}
	c.cbs = c.cbs[:0]
}

// applyContext carries the per-batch state shared by all appliers driven by
// one apply worker: the write batch, the engines and the channel back to the
// raft worker.
type applyContext struct {
	engines  *engine_util.Engines
	notifier chan<- message.Msg
	cbs      applyCallback
	wb       *engine_util.WriteBatch
	// The log index of the entry being executed, needed by commands that
	// persist their own position, like PrepareMerge.
	execIndex uint64
}

func newApplyContext(engines *engine_util.Engines, notifier chan<- message.Msg) *applyContext {
	return &applyContext{
		engines:  engines,
		notifier: notifier,
		wb:       new(engine_util.WriteBatch),
	}
}

// writeToDB commits the accumulated mutations and invokes the callbacks of
// the commands covered by them.
func (ac *applyContext) writeToDB() {
	ac.wb.MustWriteToDB(ac.engines.Kv)
	ac.wb.Reset()
	ac.cbs.invokeAll()
}

// Calls the callback of `cmd` when the Region is removed.
func notifyRegionRemoved(regionID, peerID uint64, cmd pendingCmd) {
	log.Debugf("region %d is removed, peerID %d, index %d, term %d", regionID, peerID, cmd.index, cmd.term)
	NotifyReqRegionRemoved(regionID, cmd.cb)
}

// Calls the callback of `cmd` when it can not be processed further.
func notifyStaleCommand(regionID, peerID, term uint64, cmd pendingCmd) {
	log.Infof("command is stale, skip. regionID %d, peerID %d, index %d, term %d",
		regionID, peerID, cmd.index, cmd.term)
	NotifyStaleReq(term, cmd.cb)
}

// applier is responsible for executing the committed raft log entries of one
// region. For write commands it mutates the local engine; for admin commands
// it mutates the meta of the raft group. It runs on the apply worker so a
// slow apply never blocks the raft loop of the store.
type applier struct {
	id     uint64
	term   uint64
	region *metapb.Region

	// Set to true when the applier is requested to destroy, any following
	// committed entries are skipped.
	stopped bool
	// Set to true when removing itself because of `ConfChangeType_RemoveNode`,
	// and then any following committed logs in the same batch should be skipped.
	pendingRemove bool

	// The commands waiting to be committed and applied.
	pendingCmds pendingCmdQueue

	// The apply state is written to the KV engine, in one write batch together
	// with the kv data it covers, so a power failure can not separate them.
	// Loaded lazily on the first applied batch.
	applyState *rspb.RaftApplyState

	sizeDiffHint uint64
}

func newApplierFromPeer(peer *peer) *applier {
	return &applier{
		id:     peer.PeerId(),
		term:   peer.Term(),
		region: peer.Region(),
	}
}

func (a *applier) tag() string {
	return fmt.Sprintf("[region %d] %d", a.region.Id, a.id)
}

func (a *applier) getApplyState(engines *engine_util.Engines) *rspb.RaftApplyState {
	if a.applyState == nil {
		state, err := meta.GetApplyState(engines.Kv, a.region.Id)
		if err != nil {
			panic(fmt.Sprintf("%s failed to load apply state: %v", a.tag(), err))
		}
		a.applyState = state
	}
	return a.applyState
}

func (a *applier) writeApplyState(wb *engine_util.WriteBatch) {
	if err := wb.SetMeta(meta.ApplyStateKey(a.region.Id), a.applyState); err != nil {
		panic(err)
	}
}

// handleRaftCommittedEntries applies the committed entries one by one. Every
// entry is flushed on its own so a read command in the same batch observes
// the writes of the entries before it.
func (a *applier) handleRaftCommittedEntries(aCtx *applyContext, committedEntries []eraftpb.Entry) []execResult {
	if len(committedEntries) == 0 {
		return nil
	}
	var results []execResult
	for i := range committedEntries {
		entry := &committedEntries[i]
		if a.pendingRemove {
			// This peer is about to be destroyed, skip everything.
			break
		}
		expectedIndex := a.getApplyState(aCtx.engines).AppliedIndex + 1
		if expectedIndex != entry.Index {
			panic(fmt.Sprintf("%s expect index %d, but got %d", a.tag(), expectedIndex, entry.Index))
		}
		var res applyResult
		switch entry.EntryType {
		case eraftpb.EntryType_EntryNormal:
			res = a.handleRaftEntryNormal(aCtx, entry)
		case eraftpb.EntryType_EntryConfChange:
			res = a.handleRaftEntryConfChange(aCtx, entry)
		}
		if res.tp == applyResultTypeExecResult {
			results = append(results, res.data)
		}
	}
	return results
}

func (a *applier) handleRaftEntryNormal(aCtx *applyContext, entry *eraftpb.Entry) applyResult {
	index := entry.Index
	term := entry.Term
	if len(entry.Data) > 0 {
		cmd := new(raft_cmdpb.RaftCmdRequest)
		if err := cmd.Unmarshal(entry.Data); err != nil {
			panic(err)
		}
		return a.processRaftCmd(aCtx, index, term, cmd)
	}

	// when a peer becomes leader, it sends an empty entry.
	a.applyState.AppliedIndex = index
	a.writeApplyState(aCtx.wb)
	y.Assert(term > 0)
	for {
		cmd := a.pendingCmds.popNormal(term - 1)
		if cmd == nil {
			break
		}
		// apparently, all the callbacks whose term is less than entry's term are stale.
		aCtx.cbs.push(cmd.cb, ErrRespStaleCommand(term))
	}
	aCtx.writeToDB()
	return applyResult{}
}

func (a *applier) handleRaftEntryConfChange(aCtx *applyContext, entry *eraftpb.Entry) applyResult {
	index := entry.Index
	term := entry.Term
	confChange := new(eraftpb.ConfChange)
	if err := confChange.Unmarshal(entry.Data); err != nil {
		panic(err)
	}
	cmd := new(raft_cmdpb.RaftCmdRequest)
	if err := cmd.Unmarshal(confChange.Context); err != nil {
		panic(err)
	}
	result := a.processRaftCmd(aCtx, index, term, cmd)
	switch result.tp {
	case applyResultTypeNone:
		// The conf change failed to execute, tell raft it was aborted by
		// feeding it an empty conf change.
		return applyResult{tp: applyResultTypeExecResult, data: &execResultChangePeer{
			confChange: new(eraftpb.ConfChange),
		}}
	case applyResultTypeExecResult:
		cp := result.data.(*execResultChangePeer)
		cp.confChange = confChange
		return applyResult{tp: applyResultTypeExecResult, data: cp}
	default:
		panic("unreachable")
	}
}

func (a *applier) findCallback(index, term uint64, isConfChange bool) *message.Callback {
	regionID := a.region.Id
	peerID := a.id
	if isConfChange {
		cmd := a.pendingCmds.takeConfChange()
		if cmd == nil {
			return nil
		}
		if cmd.index == index && cmd.term == term {
			return cmd.cb
		}
		notifyStaleCommand(regionID, peerID, term, *cmd)
		return nil
	}
	for {
		head := a.pendingCmds.popNormal(term)
		if head == nil {
			break
		}
		if head.index == index && head.term == term {
			return head.cb
		}
		notifyStaleCommand(regionID, peerID, term, *head)
	}
	return nil
}

func (a *applier) processRaftCmd(aCtx *applyContext, index, term uint64, cmd *raft_cmdpb.RaftCmdRequest) applyResult {
	if index == 0 {
		panic(fmt.Sprintf("%s process raft cmd needs a none zero index", a.tag()))
	}
	isConfChange := GetChangePeerCmd(cmd) != nil
	resp, result := a.applyRaftCmd(aCtx, index, term, cmd)
	log.Debugf("applied command. region_id %d, peer_id %d, index %d", a.region.Id, a.id, index)

	BindRespTerm(resp, term)
	cmdCB := a.findCallback(index, term, isConfChange)
	if cmdCB != nil && hasSnapRequest(cmd) {
		cmdCB.Txn = aCtx.engines.Kv.NewTransaction(false)
	}
	aCtx.cbs.push(cmdCB, resp)
	aCtx.writeToDB()
	return result
}

func hasSnapRequest(cmd *raft_cmdpb.RaftCmdRequest) bool {
	for _, req := range cmd.Requests {
		if req.CmdType == raft_cmdpb.CmdType_Snap {
			return true
		}
	}
	return false
}

// applyRaftCmd applies a raft command. An apply operation can fail in the
// following situations:
//  1. it encounters an error that will occur on all stores, it can continue
//     applying next entry safely, like epoch not match for example;
//  2. it encounters an error that may not occur on all stores, in this case
//     we should try to apply the entry again or panic. Considering that this
//     usually due to disk operation fail, which is rare, so just panic is ok.
func (a *applier) applyRaftCmd(aCtx *applyContext, index, term uint64,
	req *raft_cmdpb.RaftCmdRequest) (*raft_cmdpb.RaftCmdResponse, applyResult) {
	// if pending remove, apply should be aborted already.
	y.Assert(!a.pendingRemove)

	aCtx.wb.SetSafePoint()
	aCtx.execIndex = index
	resp, result, err := a.execRaftCmd(aCtx, req)
	if err != nil {
		// clear dirty values.
		aCtx.wb.RollbackToSafePoint()
		if _, ok := err.(*util.ErrEpochNotMatch); ok {
			log.Debugf("epoch not match region_id %d, peer_id %d, err %v", a.region.Id, a.id, err)
		} else {
			log.Errorf("execute raft command region_id %d, peer_id %d, err %v", a.region.Id, a.id, err)
		}
		resp = ErrResp(err)
	}

	a.applyState.AppliedIndex = index
	a.writeApplyState(aCtx.wb)

	if result.tp == applyResultTypeExecResult {
		switch x := result.data.(type) {
		case *execResultChangePeer:
			a.region = x.region
		case *execResultSplitRegion:
			a.region = x.derived
		case *execResultPrepareMerge:
			a.region = x.region
		case *execResultCommitMerge:
			a.region = x.region
		case *execResultRollbackMerge:
			a.region = x.region
		default:
		}
	}
	return resp, result
}

func (a *applier) clearAllCommandsAsStale() {
	for _, cmd := range a.pendingCmds.normals {
		notifyStaleCommand(a.region.Id, a.id, a.term, cmd)
	}
	a.pendingCmds.normals = a.pendingCmds.normals[:0]
	if cmd := a.pendingCmds.takeConfChange(); cmd != nil {
		notifyStaleCommand(a.region.Id, a.id, a.term, *cmd)
	}
}

// Only errors that will also occur on all other stores should be returned.
func (a *applier) execRaftCmd(aCtx *applyContext, req *raft_cmdpb.RaftCmdRequest) (
	resp *raft_cmdpb.RaftCmdResponse, result applyResult, err error) {
	err = util.CheckRegionEpoch(req, a.region, false)
	if err != nil {
		return
	}
	if req.AdminRequest != nil {
		return a.execAdminCmd(aCtx, req)
	}
	return a.execWriteCmd(aCtx, req)
}

func (a *applier) execAdminCmd(aCtx *applyContext, req *raft_cmdpb.RaftCmdRequest) (
	resp *raft_cmdpb.RaftCmdResponse, result applyResult, err error) {
	adminReq := req.AdminRequest
	cmdType := adminReq.CmdType
	if cmdType != raft_cmdpb.AdminCmdType_CompactLog {
		log.Infof("%s execute admin command %s", a.tag(), adminReq)
	}
	var adminResp *raft_cmdpb.AdminResponse
	switch cmdType {
	case raft_cmdpb.AdminCmdType_ChangePeer:
		adminResp, result, err = a.execChangePeer(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_Split:
		adminResp, result, err = a.execSplit(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_BatchSplit:
		adminResp, result, err = a.execBatchSplit(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_CompactLog:
		adminResp, result, err = a.execCompactLog(adminReq)
	case raft_cmdpb.AdminCmdType_PrepareMerge:
		adminResp, result, err = a.execPrepareMerge(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_CommitMerge:
		adminResp, result, err = a.execCommitMerge(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_RollbackMerge:
		adminResp, result, err = a.execRollbackMerge(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_TransferLeader:
		err = errors.New("transfer leader won't execute")
	default:
		err = errors.New("unsupported admin command type")
	}
	if err != nil {
		return
	}
	adminResp.CmdType = cmdType
	resp = newCmdResp()
	resp.AdminResponse = adminResp
	return
}

func (a *applier) execWriteCmd(aCtx *applyContext, req *raft_cmdpb.RaftCmdRequest) (
	resp *raft_cmdpb.RaftCmdResponse, result applyResult, err error) {
	requests := req.GetRequests()
	// Check all the keys up front, so a rejected command leaves no trace
	// in the write batch.
	for _, r := range requests {
		var key []byte
		switch r.CmdType {
		case raft_cmdpb.CmdType_Get:
			key = r.GetGet().GetKey()
		case raft_cmdpb.CmdType_Put:
			key = r.GetPut().GetKey()
		case raft_cmdpb.CmdType_Delete:
			key = r.GetDelete().GetKey()
		}
		if key != nil {
			if err = util.CheckKeyInRegion(key, a.region); err != nil {
				return
			}
		}
	}
	resps := make([]*raft_cmdpb.Response, 0, len(requests))
	for _, r := range requests {
		switch r.CmdType {
		case raft_cmdpb.CmdType_Put:
			put := r.GetPut()
			cf := put.GetCf()
			if len(cf) == 0 {
				cf = engine_util.CfDefault
			}
			aCtx.wb.SetCF(cf, put.GetKey(), put.GetValue())
			a.sizeDiffHint += uint64(len(put.GetKey()) + len(put.GetValue()))
			resps = append(resps, &raft_cmdpb.Response{CmdType: raft_cmdpb.CmdType_Put})
		case raft_cmdpb.CmdType_Delete:
			del := r.GetDelete()
			cf := del.GetCf()
			if len(cf) == 0 {
				cf = engine_util.CfDefault
			}
			aCtx.wb.DeleteCF(cf, del.GetKey())
			a.sizeDiffHint += uint64(len(del.GetKey()))
			resps = append(resps, &raft_cmdpb.Response{CmdType: raft_cmdpb.CmdType_Delete})
		case raft_cmdpb.CmdType_Get:
			// Reads must observe the writes of this command, so flush the
			// batch before hitting the engine.
			get := r.GetGet()
			cf := get.GetCf()
			if len(cf) == 0 {
				cf = engine_util.CfDefault
			}
			aCtx.wb.MustWriteToDB(aCtx.engines.Kv)
			aCtx.wb.Reset()
			val, getErr := engine_util.GetCF(aCtx.engines.Kv, cf, get.GetKey())
			if getErr != nil && getErr != badger.ErrKeyNotFound {
				panic(getErr)
			}
			resps = append(resps, &raft_cmdpb.Response{
				CmdType: raft_cmdpb.CmdType_Get,
				Get:     &raft_cmdpb.GetResponse{Value: val},
			})
		case raft_cmdpb.CmdType_Snap:
			region := new(metapb.Region)
			if cloneErr := util.CloneMsg(a.region, region); cloneErr != nil {
				panic(cloneErr)
			}
			aCtx.wb.MustWriteToDB(aCtx.engines.Kv)
			aCtx.wb.Reset()
			resps = append(resps, &raft_cmdpb.Response{
				CmdType: raft_cmdpb.CmdType_Snap,
				Snap:    &raft_cmdpb.SnapResponse{Region: region},
			})
		default:
			log.Errorf("%s invalid cmd type %v", a.tag(), r.CmdType)
		}
	}
	resp = newCmdResp()
	resp.Responses = resps
	return
}

func (a *applier) execChangePeer(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	request := req.ChangePeer
	peer := request.Peer
	storeID := peer.StoreId
	changeType := request.ChangeType
	region := new(metapb.Region)
	if err = util.CloneMsg(a.region, region); err != nil {
		return
	}
	log.Infof("%s exec ConfChange, peer_id %d, type %s, epoch %s",
		a.tag(), peer.Id, changeType, region.RegionEpoch)

	region.RegionEpoch.ConfVer++

	switch changeType {
	case eraftpb.ConfChangeType_AddNode:
		var exist bool
		if p := util.FindPeer(region, storeID); p != nil {
			exist = true
			if !p.IsLearner || p.Id != peer.Id {
				err = errors.Errorf("%s can't add duplicated peer %s to region %s", a.tag(), p, a.region)
				return
			}
			p.IsLearner = false
		}
		if !exist {
			region.Peers = append(region.Peers, peer)
		}
		log.Infof("%s add peer %s to region %s", a.tag(), peer, a.region)
	case eraftpb.ConfChangeType_RemoveNode:
		if p := util.RemovePeer(region, storeID); p != nil {
			if !util.PeerEqual(p, peer) {
				err = errors.Errorf("%s ignore remove unmatched peer, expect %s, got %s", a.tag(), peer, p)
				return
			}
			if a.id == peer.Id {
				// Remove ourself, the region data will be destroyed later,
				// so there is no need to apply the following logs.
				a.stopped = true
				a.pendingRemove = true
			}
		} else {
			err = errors.Errorf("%s removing missing peer %s from region %s", a.tag(), peer, a.region)
			return
		}
		log.Infof("%s remove peer %s from region %s", a.tag(), peer, a.region)
	case eraftpb.ConfChangeType_AddLearnerNode:
		if util.FindPeer(region, storeID) != nil {
			err = errors.Errorf("%s can't add duplicated learner %s to region %s", a.tag(), peer, a.region)
			return
		}
		region.Peers = append(region.Peers, peer)
		log.Infof("%s add learner %s to region %s", a.tag(), peer, a.region)
	}
	state := rspb.PeerState_Normal
	if a.pendingRemove {
		state = rspb.PeerState_Tombstone
	}
	meta.WriteRegionState(aCtx.wb, region, state)
	resp = &raft_cmdpb.AdminResponse{
		ChangePeer: &raft_cmdpb.ChangePeerResponse{
			Region: region,
		},
	}
	result = applyResult{
		tp: applyResultTypeExecResult,
		data: &execResultChangePeer{
			region: region,
			peer:   peer,
		},
	}
	return
}

// execSplit handles the single key split command by wrapping it into a batch
// of one.
func (a *applier) execSplit(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	split := req.Split
	adminReq := &raft_cmdpb.AdminRequest{
		Splits: &raft_cmdpb.BatchSplitRequest{
			Requests:    []*raft_cmdpb.SplitRequest{split},
			RightDerive: split.RightDerive,
		},
	}
	resp, result, err = a.execBatchSplit(aCtx, adminReq)
	if err != nil {
		return
	}
	// reshape the response to match the request type.
	regions := resp.Splits.Regions
	resp = &raft_cmdpb.AdminResponse{
		Split: &raft_cmdpb.SplitResponse{
			Left:  regions[0],
			Right: regions[len(regions)-1],
		},
	}
	return
}

func (a *applier) execBatchSplit(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	splitReqs := req.Splits
	rightDerive := splitReqs.RightDerive
	if len(splitReqs.Requests) == 0 {
		err = errors.New("missing split key")
		return
	}
	derived := new(metapb.Region)
	if err := util.CloneMsg(a.region, derived); err != nil {
		panic(err)
	}
	newRegionCnt := len(splitReqs.Requests)
	regions := make([]*metapb.Region, 0, newRegionCnt+1)
	keys := make([][]byte, 0, newRegionCnt+2)
	keys = append(keys, derived.StartKey)
	for _, request := range splitReqs.Requests {
		splitKey := request.SplitKey
		if len(splitKey) == 0 {
			err = errors.New("missing split key")
			return
		}
		if bytes.Compare(splitKey, keys[len(keys)-1]) <= 0 {
			err = errors.Errorf("invalid split request %s", splitReqs)
			return
		}
		if len(request.NewPeerIds) != len(derived.Peers) {
			err = errors.Errorf("invalid new peer id count, need %d but got %d",
				len(derived.Peers), len(request.NewPeerIds))
			return
		}
		keys = append(keys, splitKey)
	}
	keys = append(keys, derived.EndKey)
	err = util.CheckKeyInRegion(keys[len(keys)-2], a.region)
	if err != nil {
		return
	}
	log.Infof("%s split region %s, keys %v", a.tag(), a.region, keys)
	derived.RegionEpoch.Version += uint64(newRegionCnt)
	// The split requests only carry ids for the new regions, the derived
	// region keeps the old ids, so the two are handled separately.
	if !rightDerive {
		derived.EndKey = keys[1]
		keys = keys[1:]
		regions = append(regions, derived)
	}
	for i, request := range splitReqs.Requests {
		newRegion := &metapb.Region{
			Id:          request.NewRegionId,
			RegionEpoch: derived.RegionEpoch,
			StartKey:    keys[i],
			EndKey:      keys[i+1],
		}
		newRegion.Peers = make([]*metapb.Peer, len(derived.Peers))
		for j := range newRegion.Peers {
			newRegion.Peers[j] = &metapb.Peer{
				Id:        request.NewPeerIds[j],
				StoreId:   derived.Peers[j].StoreId,
				IsLearner: derived.Peers[j].IsLearner,
			}
		}
		meta.WriteRegionState(aCtx.wb, newRegion, rspb.PeerState_Normal)
		writeInitialApplyState(aCtx.wb, newRegion.Id)
		regions = append(regions, newRegion)
	}
	if rightDerive {
		derived.StartKey = keys[len(keys)-2]
		regions = append(regions, derived)
	}
	meta.WriteRegionState(aCtx.wb, derived, rspb.PeerState_Normal)

	resp = &raft_cmdpb.AdminResponse{
		Splits: &raft_cmdpb.BatchSplitResponse{
			Regions: regions,
		},
	}
	result = applyResult{tp: applyResultTypeExecResult, data: &execResultSplitRegion{
		regions: regions,
		derived: derived,
	}}
	return
}

// execPrepareMerge quiesces the source region of a merge: its epoch version
// is bumped so any in-flight request built against the old range fails, and
// the merging state is persisted together with the position of this command.
func (a *applier) execPrepareMerge(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	prepareMerge := req.PrepareMerge
	if prepareMerge.Target == nil {
		err = errors.New("missing merge target")
		return
	}
	region := new(metapb.Region)
	if err = util.CloneMsg(a.region, region); err != nil {
		return
	}
	region.RegionEpoch.Version++
	state := &rspb.MergeState{
		MinIndex: prepareMerge.MinIndex,
		Target:   prepareMerge.Target,
		Commit:   aCtx.execIndex,
	}
	meta.WriteMergingRegionState(aCtx.wb, region, state)
	log.Infof("%s prepare merge into region %d, state %s", a.tag(), prepareMerge.Target.Id, state)

	resp = &raft_cmdpb.AdminResponse{
		PrepareMerge: &raft_cmdpb.PrepareMergeResponse{},
	}
	result = applyResult{tp: applyResultTypeExecResult, data: &execResultPrepareMerge{
		region: region,
		state:  state,
	}}
	return
}

// execCommitMerge runs on the target region and absorbs the range of the
// quiesced source. The kv data needs no movement since regions share one
// keyspace; only the metadata changes hands. The source must be fully
// applied before the merge is proposed, which the proposer guarantees.
func (a *applier) execCommitMerge(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	merge := req.CommitMerge
	source := merge.Source
	if source == nil {
		err = errors.New("missing merge source")
		return
	}
	region := new(metapb.Region)
	if err = util.CloneMsg(a.region, region); err != nil {
		return
	}
	prependsLeft := len(source.EndKey) > 0 && bytes.Equal(source.EndKey, region.StartKey)
	appendsRight := len(region.EndKey) > 0 && bytes.Equal(region.EndKey, source.StartKey)
	if !prependsLeft && !appendsRight {
		err = errors.Errorf("%s source region %s is not adjacent to %s", a.tag(), source, region)
		return
	}
	version := region.RegionEpoch.Version
	if source.RegionEpoch.Version > version {
		version = source.RegionEpoch.Version
	}
	// Both old ranges must become unroutable with the old epochs.
	region.RegionEpoch.Version = version + 1
	if prependsLeft {
		region.StartKey = source.StartKey
	} else {
		region.EndKey = source.EndKey
	}
	meta.WriteRegionState(aCtx.wb, region, rspb.PeerState_Normal)
	log.Infof("%s commit merge of region %d, new range [%q, %q)",
		a.tag(), source.Id, region.StartKey, region.EndKey)

	resp = &raft_cmdpb.AdminResponse{
		CommitMerge: &raft_cmdpb.CommitMergeResponse{},
	}
	result = applyResult{tp: applyResultTypeExecResult, data: &execResultCommitMerge{
		region: region,
		source: source,
	}}
	return
}

// execRollbackMerge re-opens a source region whose merge was abandoned.
func (a *applier) execRollbackMerge(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	rollback := req.RollbackMerge
	region := new(metapb.Region)
	if err = util.CloneMsg(a.region, region); err != nil {
		return
	}
	region.RegionEpoch.Version++
	meta.WriteRegionState(aCtx.wb, region, rspb.PeerState_Normal)
	log.Infof("%s rollback merge at commit %d", a.tag(), rollback.Commit)

	resp = &raft_cmdpb.AdminResponse{
		RollbackMerge: &raft_cmdpb.RollbackMergeResponse{},
	}
	result = applyResult{tp: applyResultTypeExecResult, data: &execResultRollbackMerge{
		region: region,
		commit: rollback.Commit,
	}}
	return
}

func writeInitialApplyState(wb *engine_util.WriteBatch, regionID uint64) {
	applyState := &rspb.RaftApplyState{
		AppliedIndex: meta.RaftInitLogIndex,
		TruncatedState: &rspb.RaftTruncatedState{
			Index: meta.RaftInitLogIndex,
			Term:  meta.RaftInitLogTerm,
		},
	}
	if err := wb.SetMeta(meta.ApplyStateKey(regionID), applyState); err != nil {
		panic(err)
	}
}

func (a *applier) execCompactLog(req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	compactIndex := req.CompactLog.CompactIndex
	compactTerm := req.CompactLog.CompactTerm
	resp = new(raft_cmdpb.AdminResponse)
	applyState := a.applyState
	firstIndex := applyState.TruncatedState.Index + 1
	if compactIndex <= applyState.TruncatedState.Index {
		log.Debugf("%s compact index <= truncated index, no need to compact", a.tag())
		return
	}
	if compactIndex > applyState.AppliedIndex {
		err = errors.Errorf("%s compact index %d > applied index %d", a.tag(),
			compactIndex, applyState.AppliedIndex)
		return
	}
	if compactTerm == 0 {
		err = errors.New("compact term missing, the command format is outdated")
		return
	}
	applyState.TruncatedState.Index = compactIndex
	applyState.TruncatedState.Term = compactTerm
	result = applyResult{tp: applyResultTypeExecResult, data: &execResultCompactLog{
		truncatedIndex: compactIndex,
		firstIndex:     firstIndex,
	}}
	return
}

// handleApply applies the committed entries and reports the result back to
// the peer.
func (a *applier) handleApply(aCtx *applyContext, apply *MsgApplyCommitted) {
	if len(apply.entries) == 0 || a.pendingRemove || a.stopped {
		return
	}
	a.term = apply.term
	results := a.handleRaftCommittedEntries(aCtx, apply.entries)
	// copy the apply state, the applier keeps mutating its own.
	state := *a.applyState
	if a.applyState.TruncatedState != nil {
		truncated := *a.applyState.TruncatedState
		state.TruncatedState = &truncated
	}
	res := &MsgApplyRes{
		regionID:     a.region.Id,
		execResults:  results,
		sizeDiffHint: a.sizeDiffHint,
		applyState:   &state,
	}
	a.sizeDiffHint = 0
	aCtx.notifier <- message.NewPeerMsg(message.MsgTypeApplyRes, a.region.Id, res)
	if a.pendingRemove {
		a.destroy()
	}
}

// handleProposal appends the pending commands to the applier.
func (a *applier) handleProposal(regionProposal *MsgApplyProposal) {
	regionID, peerID := a.region.Id, a.id
	y.Assert(a.id == regionProposal.Id)
	if a.stopped {
		for _, p := range regionProposal.Props {
			cmd := pendingCmd{index: p.index, term: p.term, cb: p.cb}
			notifyStaleCommand(regionID, peerID, a.term, cmd)
		}
		return
	}
	for _, p := range regionProposal.Props {
		cmd := pendingCmd{index: p.index, term: p.term, cb: p.cb}
		if p.isConfChange {
			if confCmd := a.pendingCmds.takeConfChange(); confCmd != nil {
				// if the peer loses leadership before the conf change is
				// replicated, there may be a stale pending conf change
				// before the next conf change is applied. If it becomes
				// leader again with the stale pending conf change, this
				// block notifies that the leadership may have changed.
				notifyStaleCommand(regionID, peerID, a.term, *confCmd)
			}
			a.pendingCmds.setConfChange(&cmd)
		} else {
			a.pendingCmds.appendNormal(cmd)
		}
	}
}

// handleRefresh resets the applier after the peer applied a snapshot, the
// region meta and the apply state were rewritten by the snapshot.
func (a *applier) handleRefresh(refresh *MsgApplyRefresh) {
	log.Infof("%s refresh applier, term %d", a.tag(), refresh.term)
	y.Assert(a.id == refresh.id)
	a.clearAllCommandsAsStale()
	a.term = refresh.term
	a.region = refresh.region
	a.applyState = nil
	a.stopped = false
	a.pendingRemove = false
	a.sizeDiffHint = 0
}

func (a *applier) destroy() {
	log.Infof("%s remove applier", a.tag())
	a.stopped = true
	for _, cmd := range a.pendingCmds.normals {
		notifyRegionRemoved(a.region.Id, a.id, cmd)
	}
	a.pendingCmds.normals = nil
	if cmd := a.pendingCmds.takeConfChange(); cmd != nil {
		notifyRegionRemoved(a.region.Id, a.id, *cmd)
	}
}

func (a *applier) handleTask(aCtx *applyContext, msg message.Msg) {
	switch msg.Type {
	case message.MsgTypeApplyProposal:
		a.handleProposal(msg.Data.(*MsgApplyProposal))
	case message.MsgTypeApplyCommitted:
		a.handleApply(aCtx, msg.Data.(*MsgApplyCommitted))
	case message.MsgTypeApplyRefresh:
		a.handleRefresh(msg.Data.(*MsgApplyRefresh))
	}
}
