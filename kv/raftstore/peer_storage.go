package raftstore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/Connor1996/badger"
	"github.com/Connor1996/badger/y"
	"github.com/golang/protobuf/proto"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"

	"github.com/rangekv/rangekv/kv/raftstore/meta"
	"github.com/rangekv/rangekv/kv/raftstore/runner"
	"github.com/rangekv/rangekv/kv/raftstore/snap"
	"github.com/rangekv/rangekv/kv/raftstore/util"
	"github.com/rangekv/rangekv/kv/util/engine_util"
	"github.com/rangekv/rangekv/kv/util/worker"
	"github.com/rangekv/rangekv/log"
	"github.com/rangekv/rangekv/raft"
)

// ApplySnapResult carries the region change caused by applying a snapshot.
type ApplySnapResult struct {
	// PrevRegion is the region before the snapshot is applied.
	PrevRegion *metapb.Region
	Region     *metapb.Region
}

var _ raft.Storage = new(PeerStorage)

// PeerStorage is the raft.Storage implementation backed by the two badger
// engines. Raft log entries and RaftLocalState live in the raft engine,
// the applied data, RegionLocalState and RaftApplyState live in the kv
// engine.
type PeerStorage struct {
	Engines *engine_util.Engines

	peerID    uint64
	region    *metapb.Region
	raftState rspb.RaftLocalState
	// lastTerm is the term of the entry at raftState.LastIndex. It is not
	// part of the persisted state and is recovered from the log on start.
	lastTerm uint64

	snapState    snap.SnapState
	regionSched  chan<- worker.Task
	snapTriedCnt int

	Tag string
}

func NewPeerStorage(engines *engine_util.Engines, region *metapb.Region, regionSched chan<- worker.Task, peerID uint64, tag string) (*PeerStorage, error) {
	log.Debugf("%s creating storage for %s", tag, region.String())
	raftState, err := meta.InitRaftLocalState(engines.Raft, region)
	if err != nil {
		return nil, err
	}
	applyState, err := meta.InitApplyState(engines.Kv, region)
	if err != nil {
		return nil, err
	}
	if raftState.LastIndex < applyState.AppliedIndex {
		// An applied entry missing from the log means one of the engines
		// lost a write.
		panic(fmt.Sprintf("%s unexpected raft log index: lastIndex %d < appliedIndex %d",
			tag, raftState.LastIndex, applyState.AppliedIndex))
	}
	lastTerm, err := meta.InitLastTerm(engines.Raft, region, raftState, applyState)
	if err != nil {
		return nil, err
	}
	ps := &PeerStorage{
		Engines:     engines,
		peerID:      peerID,
		region:      region,
		Tag:         tag,
		raftState:   *raftState,
		lastTerm:    lastTerm,
		regionSched: regionSched,
	}
	return ps, nil
}

func (ps *PeerStorage) InitialState() (eraftpb.HardState, eraftpb.ConfState, error) {
	raftState := ps.raftState
	if raft.IsEmptyHardState(*raftState.HardState) {
		y.AssertTruef(!ps.isInitialized(),
			"peer for region %s is initialized but local state %+v has empty hard state",
			ps.region, ps.raftState)
		return eraftpb.HardState{}, eraftpb.ConfState{}, nil
	}
	return *raftState.HardState, util.ConfStateFromRegion(ps.region), nil
}

func (ps *PeerStorage) Entries(low, high uint64) ([]eraftpb.Entry, error) {
	if err := ps.checkRange(low, high); err != nil || low == high {
		return nil, err
	}
	out := make([]eraftpb.Entry, 0, high-low)
	want := low
	txn := ps.Engines.Raft.NewTransaction(false)
	defer txn.Discard()
	endKey := meta.RaftLogKey(ps.region.Id, high)
	iter := txn.NewIterator(badger.DefaultIteratorOptions)
	defer iter.Close()
	for iter.Seek(meta.RaftLogKey(ps.region.Id, low)); iter.Valid(); iter.Next() {
		item := iter.Item()
		if bytes.Compare(item.Key(), endKey) >= 0 {
			break
		}
		val, err := item.Value()
		if err != nil {
			return nil, err
		}
		var entry eraftpb.Entry
		if err = entry.Unmarshal(val); err != nil {
			return nil, err
		}
		if entry.Index != want {
			// A hole in the sequence, the rest was compacted or lost.
			break
		}
		want++
		out = append(out, entry)
	}
	if len(out) == int(high-low) {
		return out, nil
	}
	return nil, raft.ErrUnavailable
}

func (ps *PeerStorage) Term(idx uint64) (uint64, error) {
	if idx == ps.truncatedIndex() {
		return ps.truncatedTerm(), nil
	}
	if err := ps.checkRange(idx, idx+1); err != nil {
		return 0, err
	}
	if ps.truncatedTerm() == ps.lastTerm || idx == ps.raftState.LastIndex {
		return ps.lastTerm, nil
	}
	var entry eraftpb.Entry
	if err := engine_util.GetMeta(ps.Engines.Raft, meta.RaftLogKey(ps.region.Id, idx), &entry); err != nil {
		return 0, err
	}
	return entry.Term, nil
}

func (ps *PeerStorage) LastIndex() (uint64, error) {
	return ps.raftState.LastIndex, nil
}

func (ps *PeerStorage) FirstIndex() (uint64, error) {
	return ps.truncatedIndex() + 1, nil
}

// Snapshot kicks off generation in the region worker and reports
// temporarily-unavailable until the result arrives on the receiver
// channel; raft retries until then.
func (ps *PeerStorage) Snapshot() (eraftpb.Snapshot, error) {
	var snapshot eraftpb.Snapshot
	if ps.snapState.StateType == snap.SnapState_Generating {
		var ready bool
		select {
		case s := <-ps.snapState.Receiver:
			ready = true
			if s != nil {
				snapshot = *s
			}
		default:
		}
		if !ready {
			return snapshot, raft.ErrSnapshotTemporarilyUnavailable
		}
		ps.snapState.StateType = snap.SnapState_Relax
		switch {
		case snapshot.GetMetadata() == nil:
			log.Warnf("%s failed to try generating snapshot, times: %d", ps.Tag, ps.snapTriedCnt)
		default:
			ps.snapTriedCnt = 0
			if ps.validateSnap(&snapshot) {
				return snapshot, nil
			}
		}
	}

	if ps.snapTriedCnt >= 5 {
		tried := ps.snapTriedCnt
		ps.snapTriedCnt = 0
		return snapshot, errors.Errorf("failed to get snapshot after %d times", tried)
	}

	log.Infof("%s requesting snapshot", ps.Tag)
	ps.snapTriedCnt++
	ps.ScheduleGenerateSnapshot()
	return snapshot, raft.ErrSnapshotTemporarilyUnavailable
}

func (ps *PeerStorage) ScheduleGenerateSnapshot() {
	receiver := make(chan *eraftpb.Snapshot, 1)
	ps.snapState = snap.SnapState{
		StateType: snap.SnapState_Generating,
		Receiver:  receiver,
	}
	ps.regionSched <- &runner.RegionTaskGen{
		RegionId: ps.region.GetId(),
		Notifier: receiver,
	}
}

// A peer created to catch up via snapshot has no region range yet and no
// peer list; such a peer is uninitialized until the snapshot lands.
func (ps *PeerStorage) isInitialized() bool {
	return len(ps.region.Peers) > 0
}

func (ps *PeerStorage) Region() *metapb.Region {
	return ps.region
}

func (ps *PeerStorage) checkRange(low, high uint64) error {
	switch {
	case low > high:
		return errors.Errorf("low %d is greater than high %d", low, high)
	case low <= ps.truncatedIndex():
		return raft.ErrCompacted
	case high > ps.raftState.LastIndex+1:
		return errors.Errorf("entries' high %d is out of bound, lastIndex %d",
			high, ps.raftState.LastIndex)
	}
	return nil
}

func (ps *PeerStorage) truncatedIndex() uint64 {
	return ps.applyState().TruncatedState.Index
}

func (ps *PeerStorage) truncatedTerm() uint64 {
	return ps.applyState().TruncatedState.Term
}

func (ps *PeerStorage) AppliedIndex() uint64 {
	return ps.applyState().AppliedIndex
}

// The apply state lives in the kv engine, next to the data it describes,
// so a snapshot of the kv engine carries its own apply point.
func (ps *PeerStorage) applyState() *rspb.RaftApplyState {
	state, _ := meta.GetApplyState(ps.Engines.Kv, ps.region.GetId())
	return state
}

// validateSnap rejects a generated snapshot that fell behind while being
// built: the log may have truncated past it, or the membership moved on.
func (ps *PeerStorage) validateSnap(snapshot *eraftpb.Snapshot) bool {
	idx := snapshot.GetMetadata().GetIndex()
	if idx < ps.truncatedIndex() {
		log.Infof("%s snapshot is stale, snapIndex: %d, truncatedIndex: %d", ps.Tag, idx, ps.truncatedIndex())
		return false
	}
	var snapData rspb.RaftSnapshotData
	if err := proto.UnmarshalMerge(snapshot.GetData(), &snapData); err != nil {
		log.Errorf("%s failed to decode snapshot, it may be corrupted, err: %v", ps.Tag, err)
		return false
	}
	snapEpoch := snapData.GetRegion().GetRegionEpoch()
	latestEpoch := ps.region.GetRegionEpoch()
	if snapEpoch.GetConfVer() < latestEpoch.GetConfVer() {
		log.Infof("%s snapshot epoch is stale, snapEpoch: %s, latestEpoch: %s", ps.Tag, snapEpoch, latestEpoch)
		return false
	}
	return true
}

// Append writes the given entries to the raft write batch and updates the
// in-memory last index and term. Entries past the new last index that were
// appended by a previous leader are deleted.
func (ps *PeerStorage) Append(entries []eraftpb.Entry, raftWB *engine_util.WriteBatch) error {
	log.Debugf("%s append %d entries", ps.Tag, len(entries))
	if len(entries) == 0 {
		return nil
	}
	prevLast := ps.raftState.LastIndex
	for i := range entries {
		e := &entries[i]
		if err := raftWB.SetMeta(meta.RaftLogKey(ps.region.Id, e.Index), e); err != nil {
			return err
		}
	}
	last := entries[len(entries)-1]
	// A previous leader may have written entries beyond the new tail;
	// they were never committed and must not resurface.
	for i := last.Index + 1; i <= prevLast; i++ {
		raftWB.DeleteMeta(meta.RaftLogKey(ps.region.Id, i))
	}
	ps.raftState.LastIndex = last.Index
	ps.lastTerm = last.Term
	return nil
}

func (ps *PeerStorage) clearMeta(kvWB, raftWB *engine_util.WriteBatch) error {
	return ClearMeta(ps.Engines, kvWB, raftWB, ps.region.Id, ps.raftState.LastIndex)
}

// clearExtraData schedules deletion of the key ranges this peer owned
// but newRegion does not: at most a strip on each side.
func (ps *PeerStorage) clearExtraData(newRegion *metapb.Region) {
	oldStart, oldEnd := ps.region.GetStartKey(), ps.region.GetEndKey()
	newStart, newEnd := newRegion.GetStartKey(), newRegion.GetEndKey()
	if bytes.Compare(oldStart, newStart) < 0 {
		ps.regionSched <- &runner.RegionTaskDestroy{
			RegionId: newRegion.Id,
			StartKey: oldStart,
			EndKey:   newStart,
		}
	}
	if bytes.Compare(newEnd, oldEnd) < 0 {
		ps.regionSched <- &runner.RegionTaskDestroy{
			RegionId: newRegion.Id,
			StartKey: newEnd,
			EndKey:   oldEnd,
		}
	}
}

// ClearMeta queues deletion of a region's metadata and raft log. The log
// scan finds where the surviving entries actually start, so truncated
// prefixes are not deleted one key at a time.
func ClearMeta(engines *engine_util.Engines, kvWB, raftWB *engine_util.WriteBatch, regionID uint64, lastIndex uint64) error {
	start := time.Now()
	kvWB.DeleteMeta(meta.RegionStateKey(regionID))
	kvWB.DeleteMeta(meta.ApplyStateKey(regionID))

	firstIndex := lastIndex + 1
	err := engines.Raft.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		it.Seek(meta.RaftLogKey(regionID, 0))
		if !it.Valid() || bytes.Compare(it.Item().Key(), meta.RaftLogKey(regionID, firstIndex)) >= 0 {
			return nil
		}
		idx, e := meta.RaftLogIndex(it.Item().Key())
		if e != nil {
			return e
		}
		firstIndex = idx
		return nil
	})
	if err != nil {
		return err
	}
	for i := firstIndex; i <= lastIndex; i++ {
		raftWB.DeleteMeta(meta.RaftLogKey(regionID, i))
	}
	raftWB.DeleteMeta(meta.RaftStateKey(regionID))
	log.Infof("[region %d] clear peer 1 meta key 1 apply key 1 raft key and %d raft logs, takes %v",
		regionID, lastIndex+1-firstIndex, time.Since(start))
	return nil
}

// ApplySnapshot applies the given snapshot to the peer. Stale data of the
// previous region is cleared, the apply state is rewound to the snapshot
// point, and the region worker is scheduled to ingest the snapshot files.
func (ps *PeerStorage) ApplySnapshot(snapshot *eraftpb.Snapshot, kvWB *engine_util.WriteBatch, raftWB *engine_util.WriteBatch) (*ApplySnapResult, error) {
	log.Infof("%v begin to apply snapshot", ps.Tag)

	snapData := new(rspb.RaftSnapshotData)
	if err := snapData.Unmarshal(snapshot.Data); err != nil {
		return nil, err
	}

	if snapData.Region.Id != ps.region.Id {
		return nil, fmt.Errorf("mismatch region id %v != %v", snapData.Region.Id, ps.region.Id)
	}

	wasInitialized := ps.isInitialized()
	if wasInitialized {
		// Only an initialized peer has metadata worth clearing.
		if err := ps.clearMeta(kvWB, raftWB); err != nil {
			return nil, err
		}
	}

	snapIdx, snapTerm := snapshot.Metadata.Index, snapshot.Metadata.Term
	ps.raftState.LastIndex = snapIdx
	ps.lastTerm = snapTerm

	res := &ApplySnapResult{
		PrevRegion: ps.region,
		Region:     snapData.Region,
	}
	// Ranges that fall outside the new region boundary go first, before
	// the ingest task touches the engine.
	if wasInitialized {
		ps.clearExtraData(snapData.Region)
	}
	ps.region = snapData.Region

	// The snapshot stands in for every entry up to its index, so the
	// truncation point moves there as well.
	applyState := &rspb.RaftApplyState{
		AppliedIndex: snapIdx,
		TruncatedState: &rspb.RaftTruncatedState{
			Index: snapIdx,
			Term:  snapTerm,
		},
	}
	kvWB.SetMeta(meta.ApplyStateKey(ps.region.GetId()), applyState)
	ps.ScheduleApplyingSnapshotAndWait(snapData.Region, snapshot.Metadata)
	meta.WriteRegionState(kvWB, snapData.Region, rspb.PeerState_Normal)

	log.Debugf("%v apply snapshot for region %v with state %v ok", ps.Tag, snapData.Region, applyState)
	return res, nil
}

// SaveReadyState persists the unstable state of a raft Ready: the snapshot,
// the new log entries and the hard state. The ready must not be modified,
// it is advanced by the caller afterwards.
func (ps *PeerStorage) SaveReadyState(ready *raft.Ready) (*ApplySnapResult, error) {
	kvWB := new(engine_util.WriteBatch)
	raftWB := new(engine_util.WriteBatch)
	prev := ps.raftState

	var res *ApplySnapResult
	if !raft.IsEmptySnap(&ready.Snapshot) {
		var err error
		if res, err = ps.ApplySnapshot(&ready.Snapshot, kvWB, raftWB); err != nil {
			return nil, err
		}
	}
	if len(ready.Entries) > 0 {
		if err := ps.Append(ready.Entries, raftWB); err != nil {
			return nil, err
		}
	}
	if !raft.IsEmptyHardState(ready.HardState) {
		ps.raftState.HardState = &ready.HardState
	}
	if !proto.Equal(&prev, &ps.raftState) {
		raftWB.SetMeta(meta.RaftStateKey(ps.region.GetId()), &ps.raftState)
	}

	kvWB.MustWriteToDB(ps.Engines.Kv)
	raftWB.MustWriteToDB(ps.Engines.Raft)
	return res, nil
}

// ScheduleApplyingSnapshotAndWait hands the snapshot ingestion to the region
// worker and blocks until it finishes. Raft must not advance while the
// snapshot is half applied.
func (ps *PeerStorage) ScheduleApplyingSnapshotAndWait(snapRegion *metapb.Region, snapMeta *eraftpb.SnapshotMetadata) {
	done := make(chan bool)
	ps.snapState = snap.SnapState{StateType: snap.SnapState_Applying}
	ps.regionSched <- &runner.RegionTaskApply{
		RegionId: ps.region.Id,
		Notifier: done,
		SnapMeta: snapMeta,
		StartKey: snapRegion.GetStartKey(),
		EndKey:   snapRegion.GetEndKey(),
	}
	<-done
	ps.snapState = snap.SnapState{StateType: snap.SnapState_Relax}
}

func (ps *PeerStorage) SetRegion(region *metapb.Region) {
	ps.region = region
}

// ClearData queues deletion of the whole region range. Used when the
// peer itself is being destroyed.
func (ps *PeerStorage) ClearData() {
	ps.regionSched <- &runner.RegionTaskDestroy{
		RegionId: ps.region.GetId(),
		StartKey: ps.region.GetStartKey(),
		EndKey:   ps.region.GetEndKey(),
	}
}
