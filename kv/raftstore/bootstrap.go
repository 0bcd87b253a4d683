package raftstore

import (
	"bytes"

	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"

	"github.com/rangekv/rangekv/kv/raftstore/meta"
	"github.com/rangekv/rangekv/kv/util/engine_util"
)

const (
	InitEpochVer     uint64 = 1
	InitEpochConfVer uint64 = 1
)

func isRangeEmpty(engine *badger.DB, startKey, endKey []byte) (bool, error) {
	empty := true
	err := engine.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		it.Seek(startKey)
		if it.Valid() && bytes.Compare(it.Item().Key(), endKey) < 0 {
			empty = false
		}
		return nil
	})
	if err != nil {
		return false, errors.WithStack(err)
	}
	return empty, nil
}

// BootstrapStore stamps fresh engines with the store ident. Both engines
// must be empty, a previous ident means the store is already in a cluster.
func BootstrapStore(engines *engine_util.Engines, clusterID, storeID uint64) error {
	if empty, err := isRangeEmpty(engines.Kv, meta.MinKey, meta.MaxKey); err != nil {
		return err
	} else if !empty {
		return errors.New("kv store is not empty and has already had data")
	}
	if empty, err := isRangeEmpty(engines.Raft, meta.MinKey, meta.MaxKey); err != nil {
		return err
	} else if !empty {
		return errors.New("raft store is not empty and has already had data")
	}
	ident := &rspb.StoreIdent{
		ClusterId: clusterID,
		StoreId:   storeID,
	}
	return engine_util.PutMeta(engines.Kv, meta.StoreIdentKey, ident)
}

func PrepareBootstrap(engines *engine_util.Engines, storeID, regionID, peerID uint64) (*metapb.Region, error) {
	region := &metapb.Region{
		Id:       regionID,
		StartKey: []byte{},
		EndKey:   []byte{},
		RegionEpoch: &metapb.RegionEpoch{
			Version: InitEpochVer,
			ConfVer: InitEpochConfVer,
		},
		Peers: []*metapb.Peer{
			{
				Id:      peerID,
				StoreId: storeID,
			},
		},
	}
	if err := PrepareBootstrapCluster(engines, region); err != nil {
		return nil, err
	}
	return region, nil
}

// PrepareBootstrapCluster writes the first region's local state under both
// the prepare key and the region state key. The prepare key marks the
// bootstrap as tentative until the scheduler acknowledges it.
func PrepareBootstrapCluster(engines *engine_util.Engines, region *metapb.Region) error {
	state := &rspb.RegionLocalState{Region: region}
	kvWB := new(engine_util.WriteBatch)
	kvWB.SetMeta(meta.PrepareBootstrapKey, state)
	kvWB.SetMeta(meta.RegionStateKey(region.Id), state)
	writeInitialApplyState(kvWB, region.Id)
	if err := engines.WriteKV(kvWB); err != nil {
		return err
	}
	raftWB := new(engine_util.WriteBatch)
	writeInitialRaftState(raftWB, region.Id)
	return engines.WriteRaft(raftWB)
}

func writeInitialRaftState(raftWB *engine_util.WriteBatch, regionID uint64) {
	raftState := &rspb.RaftLocalState{
		HardState: &eraftpb.HardState{
			Term:   meta.RaftInitLogTerm,
			Commit: meta.RaftInitLogIndex,
		},
		LastIndex: meta.RaftInitLogIndex,
	}
	raftWB.SetMeta(meta.RaftStateKey(regionID), raftState)
}

// ClearPrepareBootstrap undoes a tentative bootstrap after another store
// won the race: the prepared region and its raft state are removed.
func ClearPrepareBootstrap(engines *engine_util.Engines, regionID uint64) error {
	err := engines.Raft.Update(func(txn *badger.Txn) error {
		return txn.Delete(meta.RaftStateKey(regionID))
	})
	if err != nil {
		return errors.WithStack(err)
	}
	wb := new(engine_util.WriteBatch)
	wb.DeleteMeta(meta.PrepareBootstrapKey)
	wb.DeleteMeta(meta.RegionStateKey(regionID))
	wb.DeleteMeta(meta.ApplyStateKey(regionID))
	return engines.WriteKV(wb)
}

// ClearPrepareBootstrapState drops only the prepare marker, keeping the
// region that was successfully registered.
func ClearPrepareBootstrapState(engines *engine_util.Engines) error {
	err := engines.Kv.Update(func(txn *badger.Txn) error {
		return txn.Delete(meta.PrepareBootstrapKey)
	})
	return errors.WithStack(err)
}
