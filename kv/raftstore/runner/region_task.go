package runner

import (
	"encoding/hex"
	"time"

	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"

	"github.com/rangekv/rangekv/kv/raftstore/meta"
	"github.com/rangekv/rangekv/kv/raftstore/snap"
	"github.com/rangekv/rangekv/kv/raftstore/util"
	"github.com/rangekv/rangekv/kv/util/engine_util"
	"github.com/rangekv/rangekv/kv/util/worker"
	"github.com/rangekv/rangekv/log"
)

// RegionTaskGen asks the region worker to generate a snapshot for the region
// and deliver it through Notifier.
type RegionTaskGen struct {
	RegionId uint64
	Notifier chan<- *eraftpb.Snapshot
}

// RegionTaskApply asks the region worker to ingest a received snapshot into
// the kv engine. The original range of the peer is cleaned up first.
type RegionTaskApply struct {
	RegionId uint64
	Notifier chan<- bool
	SnapMeta *eraftpb.SnapshotMetadata
	StartKey []byte
	EndKey   []byte
}

// RegionTaskDestroy cleans up the key range of a destroyed or shrunk peer.
type RegionTaskDestroy struct {
	RegionId uint64
	StartKey []byte
	EndKey   []byte
}

type regionTaskHandler struct {
	ctx *snapContext
}

func NewRegionTaskHandler(engines *engine_util.Engines, mgr *snap.SnapManager) *regionTaskHandler {
	return &regionTaskHandler{
		ctx: &snapContext{
			engines: engines,
			mgr:     mgr,
		},
	}
}

func (r *regionTaskHandler) Handle(t worker.Task) {
	switch task := t.(type) {
	case *RegionTaskGen:
		// It is safe for now to handle generating and applying snapshot
		// concurrently, but it may not be when merge is implemented.
		r.ctx.handleGen(task.RegionId, task.Notifier)
	case *RegionTaskApply:
		r.ctx.handleApply(task.RegionId, task.Notifier, task.StartKey, task.EndKey, task.SnapMeta)
	case *RegionTaskDestroy:
		r.ctx.cleanUpRange(task.RegionId, task.StartKey, task.EndKey)
	default:
		log.Errorf("unsupported region worker task: %+v", t)
	}
}

type snapContext struct {
	engines *engine_util.Engines
	mgr     *snap.SnapManager
}

// handleGen handles the task of generating snapshot of the region.
func (snapCtx *snapContext) handleGen(regionId uint64, notifier chan<- *eraftpb.Snapshot) {
	snapshot, err := doSnapshot(snapCtx.engines, snapCtx.mgr, regionId)
	if err != nil {
		log.Errorf("failed to generate snapshot, [regionId: %d, err: %v]", regionId, err)
		notifier <- nil
	} else {
		notifier <- snapshot
	}
}

// applySnap applies snapshot data of the region.
func (snapCtx *snapContext) applySnap(regionId uint64, startKey, endKey []byte, snapMeta *eraftpb.SnapshotMetadata) error {
	log.Infof("begin apply snap data, [regionId: %d]", regionId)

	// cleanup origin data before applying snapshot
	if err := engine_util.DeleteRange(snapCtx.engines.Kv, startKey, endKey); err != nil {
		return err
	}

	snapKey := snap.SnapKey{RegionID: regionId, Index: snapMeta.Index, Term: snapMeta.Term}
	snapCtx.mgr.Register(snapKey, snap.SnapEntryApplying)
	defer snapCtx.mgr.Deregister(snapKey, snap.SnapEntryApplying)

	snapshot, err := snapCtx.mgr.GetSnapshotForApplying(snapKey)
	if err != nil {
		return errors.Errorf("missing snapshot file %s", snapKey)
	}

	t := time.Now()
	applyOptions := snap.ApplyOptions{
		DB: snapCtx.engines.Kv,
		Region: &metapb.Region{
			Id:       regionId,
			StartKey: startKey,
			EndKey:   endKey,
		},
	}
	if err := snapshot.Apply(applyOptions); err != nil {
		return err
	}

	log.Infof("applying new data, [regionId: %d, timeTakes: %v]", regionId, time.Since(t))
	return nil
}

// handleApply tries to apply the snapshot of the specified region. It calls
// applySnap to do the actual work.
func (snapCtx *snapContext) handleApply(regionId uint64, notifier chan<- bool, startKey, endKey []byte, snapMeta *eraftpb.SnapshotMetadata) {
	if err := snapCtx.applySnap(regionId, startKey, endKey, snapMeta); err != nil {
		notifier <- false
		log.Fatalf("failed to apply snap, [regionId: %d, err: %v]", regionId, err)
	}
	notifier <- true
}

// cleanUpRange cleans up the data within the range.
func (snapCtx *snapContext) cleanUpRange(regionId uint64, startKey, endKey []byte) {
	if err := engine_util.DeleteRange(snapCtx.engines.Kv, startKey, endKey); err != nil {
		log.Errorf("failed to delete data in range, [regionId: %d, startKey: %s, endKey: %s, err: %v]", regionId,
			hex.EncodeToString(startKey), hex.EncodeToString(endKey), err)
	} else {
		log.Infof("succeed in deleting data in range, [regionId: %d, startKey: %s, endKey: %s]", regionId,
			hex.EncodeToString(startKey), hex.EncodeToString(endKey))
	}
}

func getAppliedIdxTermForSnapshot(raft *badger.DB, kv *badger.Txn, regionId uint64) (uint64, uint64, error) {
	applyState := new(rspb.RaftApplyState)
	err := engine_util.GetMetaFromTxn(kv, meta.ApplyStateKey(regionId), applyState)
	if err != nil {
		return 0, 0, err
	}

	idx := applyState.AppliedIndex
	var term uint64
	if idx == applyState.TruncatedState.Index {
		term = applyState.TruncatedState.Term
	} else {
		entry, err := meta.GetRaftEntry(raft, regionId, idx)
		if err != nil {
			return 0, 0, err
		}
		term = entry.GetTerm()
	}
	return idx, term, nil
}

func doSnapshot(engines *engine_util.Engines, mgr *snap.SnapManager, regionId uint64) (*eraftpb.Snapshot, error) {
	log.Debugf("begin to generate a snapshot, [regionId: %d]", regionId)

	txn := engines.Kv.NewTransaction(false)

	index, term, err := getAppliedIdxTermForSnapshot(engines.Raft, txn, regionId)
	if err != nil {
		return nil, err
	}

	key := snap.SnapKey{RegionID: regionId, Index: index, Term: term}
	mgr.Register(key, snap.SnapEntryGenerating)
	defer mgr.Deregister(key, snap.SnapEntryGenerating)

	regionState := new(rspb.RegionLocalState)
	err = engine_util.GetMetaFromTxn(txn, meta.RegionStateKey(regionId), regionState)
	if err != nil {
		return nil, err
	}
	if regionState.GetState() != rspb.PeerState_Normal {
		return nil, errors.Errorf("snap job %d seems stale, skip", regionId)
	}

	region := regionState.GetRegion()
	confState := util.ConfStateFromRegion(region)
	snapshot := &eraftpb.Snapshot{
		Metadata: &eraftpb.SnapshotMetadata{
			Index:     key.Index,
			Term:      key.Term,
			ConfState: &confState,
		},
	}
	s, err := mgr.GetSnapshotForBuilding(key)
	if err != nil {
		return nil, err
	}

	snapshotData := &rspb.RaftSnapshotData{Region: region}
	snapshotStatics := snap.SnapStatistics{}
	err = s.Build(txn, region, snapshotData, &snapshotStatics, mgr)
	if err != nil {
		return nil, err
	}
	snapshot.Data, err = snapshotData.Marshal()
	return snapshot, err
}
