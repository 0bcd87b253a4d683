package meta

import (
	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"

	"github.com/rangekv/rangekv/kv/util/engine_util"
)

func GetRegionLocalState(db *badger.DB, regionId uint64) (*rspb.RegionLocalState, error) {
	state := new(rspb.RegionLocalState)
	err := engine_util.GetMeta(db, RegionStateKey(regionId), state)
	return state, err
}

func GetRaftLocalState(db *badger.DB, regionId uint64) (*rspb.RaftLocalState, error) {
	state := new(rspb.RaftLocalState)
	err := engine_util.GetMeta(db, RaftStateKey(regionId), state)
	return state, err
}

func GetSnapRaftState(db *badger.DB, regionId uint64) (*rspb.RaftLocalState, error) {
	state := new(rspb.RaftLocalState)
	if err := engine_util.GetMeta(db, SnapshotRaftStateKey(regionId), state); err != nil {
		return nil, err
	}
	return state, nil
}

func GetApplyState(db *badger.DB, regionId uint64) (*rspb.RaftApplyState, error) {
	state := new(rspb.RaftApplyState)
	if err := engine_util.GetMeta(db, ApplyStateKey(regionId), state); err != nil {
		return nil, err
	}
	return state, nil
}

func GetRaftEntry(db *badger.DB, regionId, idx uint64) (*eraftpb.Entry, error) {
	entry := new(eraftpb.Entry)
	if err := engine_util.GetMeta(db, RaftLogKey(regionId, idx), entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// InitRaftLocalState loads the raft state of a region, seeding it for a peer
// created by a split. A peer created through a conf change has no peer list
// yet and starts from an empty state instead, since it will be initialized by
// a snapshot.
func InitRaftLocalState(raftEngine *badger.DB, region *metapb.Region) (*rspb.RaftLocalState, error) {
	raftState, err := GetRaftLocalState(raftEngine, region.Id)
	if err == nil {
		return raftState, nil
	}
	if err != badger.ErrKeyNotFound {
		return nil, err
	}
	raftState = &rspb.RaftLocalState{HardState: new(eraftpb.HardState)}
	if len(region.Peers) == 0 {
		return raftState, nil
	}
	raftState.LastIndex = RaftInitLogIndex
	raftState.HardState.Term = RaftInitLogTerm
	raftState.HardState.Commit = RaftInitLogIndex
	if err := engine_util.PutMeta(raftEngine, RaftStateKey(region.Id), raftState); err != nil {
		return raftState, err
	}
	return raftState, nil
}

// InitApplyState loads the apply state of a region, seeding it the same way
// InitRaftLocalState seeds the raft state.
func InitApplyState(kvEngine *badger.DB, region *metapb.Region) (*rspb.RaftApplyState, error) {
	applyState, err := GetApplyState(kvEngine, region.Id)
	if err == nil {
		return applyState, nil
	}
	if err != badger.ErrKeyNotFound {
		return nil, err
	}
	applyState = &rspb.RaftApplyState{TruncatedState: new(rspb.RaftTruncatedState)}
	if len(region.Peers) > 0 {
		applyState.AppliedIndex = RaftInitLogIndex
		applyState.TruncatedState.Index = RaftInitLogIndex
		applyState.TruncatedState.Term = RaftInitLogTerm
	}
	if err := engine_util.PutMeta(kvEngine, ApplyStateKey(region.Id), applyState); err != nil {
		return applyState, err
	}
	return applyState, nil
}

// InitLastTerm recovers the term of the last raft log entry. It is not
// persisted in RaftLocalState, so it is recomputed on start.
func InitLastTerm(raftEngine *badger.DB, region *metapb.Region,
	raftState *rspb.RaftLocalState, applyState *rspb.RaftApplyState) (uint64, error) {
	lastIdx := raftState.LastIndex
	switch lastIdx {
	case 0:
		return 0, nil
	case RaftInitLogIndex:
		return RaftInitLogTerm, nil
	case applyState.TruncatedState.Index:
		return applyState.TruncatedState.Term, nil
	}
	entry, err := GetRaftEntry(raftEngine, region.Id, lastIdx)
	if err != nil {
		return 0, errors.Errorf("[region %s] entry at %d doesn't exist, may lose data", region, lastIdx)
	}
	return entry.Term, nil
}

// WriteRegionState persists the region's local state to the kv write batch.
func WriteRegionState(kvWB *engine_util.WriteBatch, region *metapb.Region, state rspb.PeerState) {
	kvWB.SetMeta(RegionStateKey(region.Id), &rspb.RegionLocalState{
		State:  state,
		Region: region,
	})
}

// WriteMergingRegionState persists the merging state of a source region so a
// restart in the middle of a merge can pick it back up.
func WriteMergingRegionState(kvWB *engine_util.WriteBatch, region *metapb.Region, mergeState *rspb.MergeState) {
	kvWB.SetMeta(RegionStateKey(region.Id), &rspb.RegionLocalState{
		State:      rspb.PeerState_Merging,
		Region:     region,
		MergeState: mergeState,
	})
}
