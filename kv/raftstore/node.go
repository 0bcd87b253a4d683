package raftstore

import (
	"context"
	"time"

	"github.com/Connor1996/badger"
	"github.com/golang/protobuf/proto"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/raftstore/meta"
	"github.com/rangekv/rangekv/kv/raftstore/scheduler_client"
	"github.com/rangekv/rangekv/kv/raftstore/snap"
	"github.com/rangekv/rangekv/kv/raftstore/util"
	"github.com/rangekv/rangekv/kv/util/engine_util"
	"github.com/rangekv/rangekv/log"
)

// Node bootstraps the store and the first region against the scheduler, then
// runs the raftstore on top of the engines.
type Node struct {
	clusterID       uint64
	store           *metapb.Store
	cfg             *config.Config
	system          *Raftstore
	schedulerClient scheduler_client.Client
}

func NewNode(system *Raftstore, cfg *config.Config, schedulerClient scheduler_client.Client) *Node {
	return &Node{
		clusterID: schedulerClient.GetClusterID(context.TODO()),
		store: &metapb.Store{
			Address: cfg.StoreAddr,
		},
		cfg:             cfg,
		system:          system,
		schedulerClient: schedulerClient,
	}
}

func (n *Node) Start(ctx context.Context, engines *engine_util.Engines, trans Transport, snapMgr *snap.SnapManager) error {
	storeID, err := n.checkStore(engines)
	if err != nil {
		return err
	}
	if storeID == util.InvalidID {
		if storeID, err = n.bootstrapStore(ctx, engines); err != nil {
			return err
		}
	}
	n.store.Id = storeID

	prepared, err := n.checkOrPrepareBootstrapCluster(ctx, engines, storeID)
	if err != nil {
		return err
	}
	if prepared != nil {
		log.Infof("try bootstrap cluster, storeID: %d, region: %v", storeID, prepared)
		if _, err := n.BootstrapCluster(ctx, engines, prepared); err != nil {
			return err
		}
	}

	if err := n.schedulerClient.PutStore(ctx, n.store); err != nil {
		return err
	}
	return n.startNode(engines, trans, snapMgr)
}

// checkStore reads the store ident written by a previous run. InvalidID
// means the engines are fresh and the store needs bootstrapping.
func (n *Node) checkStore(engines *engine_util.Engines) (uint64, error) {
	ident := new(rspb.StoreIdent)
	if err := engine_util.GetMeta(engines.Kv, meta.StoreIdentKey, ident); err != nil {
		if err == badger.ErrKeyNotFound {
			return util.InvalidID, nil
		}
		return util.InvalidID, err
	}
	if ident.ClusterId != n.clusterID {
		return util.InvalidID, errors.Errorf("cluster ID mismatch, local %d != remote %d", ident.ClusterId, n.clusterID)
	}
	if ident.StoreId == util.InvalidID {
		return util.InvalidID, errors.Errorf("invalid store ident %s", proto.CompactTextString(ident))
	}
	return ident.StoreId, nil
}

func (n *Node) bootstrapStore(ctx context.Context, engines *engine_util.Engines) (uint64, error) {
	storeID, err := n.allocID(ctx)
	if err != nil {
		return 0, err
	}
	err = BootstrapStore(engines, n.clusterID, storeID)
	return storeID, err
}

func (n *Node) allocID(ctx context.Context) (uint64, error) {
	return n.schedulerClient.AllocID(ctx)
}

// checkOrPrepareBootstrapCluster returns the first region to bootstrap the
// cluster with, or nil when the cluster already runs. A region left under
// the prepare key means a previous run died mid-bootstrap; it is reused.
func (n *Node) checkOrPrepareBootstrapCluster(ctx context.Context, engines *engine_util.Engines, storeID uint64) (*metapb.Region, error) {
	var state rspb.RegionLocalState
	if err := engine_util.GetMeta(engines.Kv, meta.PrepareBootstrapKey, &state); err == nil {
		return state.Region, nil
	}
	bootstrapped, err := n.checkClusterBootstrapped(ctx)
	if err != nil || bootstrapped {
		return nil, err
	}
	return n.prepareBootstrapCluster(ctx, engines, storeID)
}

const (
	MaxCheckClusterBootstrappedRetryCount = 60
	CheckClusterBootstrapRetrySeconds     = 3
)

func (n *Node) checkClusterBootstrapped(ctx context.Context) (bool, error) {
	for i := 0; i < MaxCheckClusterBootstrappedRetryCount; i++ {
		bootstrapped, err := n.schedulerClient.IsBootstrapped(ctx)
		if err == nil {
			return bootstrapped, nil
		}
		log.Warnf("check cluster bootstrapped failed, err: %v", err)
		time.Sleep(time.Second * CheckClusterBootstrapRetrySeconds)
	}
	return false, errors.New("check cluster bootstrapped failed")
}

func (n *Node) prepareBootstrapCluster(ctx context.Context, engines *engine_util.Engines, storeID uint64) (*metapb.Region, error) {
	regionID, err := n.allocID(ctx)
	if err != nil {
		return nil, err
	}
	log.Infof("alloc first region id, regionID: %d, clusterID: %d, storeID: %d", regionID, n.clusterID, storeID)
	peerID, err := n.allocID(ctx)
	if err != nil {
		return nil, err
	}
	log.Infof("alloc first peer id for first region, peerID: %d, regionID: %d", peerID, regionID)

	return PrepareBootstrap(engines, storeID, regionID, peerID)
}

// BootstrapCluster registers the first region with the scheduler. Another
// store may win the race; in that case the locally prepared region is
// discarded unless the winner registered the very same region.
func (n *Node) BootstrapCluster(ctx context.Context, engines *engine_util.Engines, firstRegion *metapb.Region) (newCluster bool, err error) {
	regionID := firstRegion.GetId()
	for attempt := 0; attempt < MaxCheckClusterBootstrappedRetryCount; attempt++ {
		if attempt != 0 {
			time.Sleep(time.Second)
		}

		res, err := n.schedulerClient.Bootstrap(ctx, n.store, firstRegion)
		if err != nil {
			log.Errorf("bootstrap cluster failed, clusterID: %d, err: %v", n.clusterID, err)
			continue
		}
		resErr := res.GetHeader().GetError()
		switch {
		case resErr == nil:
			log.Infof("bootstrap cluster ok, clusterID: %d", n.clusterID)
			return true, ClearPrepareBootstrapState(engines)
		case resErr.GetType() == pdpb.ErrorType_ALREADY_BOOTSTRAPPED:
			region, _, err := n.schedulerClient.GetRegion(ctx, []byte{})
			if err != nil {
				log.Errorf("get first region failed, err: %v", err)
				continue
			}
			if region.GetId() == regionID {
				return false, ClearPrepareBootstrapState(engines)
			}
			log.Infof("cluster is already bootstrapped, clusterID: %v", n.clusterID)
			return false, ClearPrepareBootstrap(engines, regionID)
		default:
			log.Errorf("bootstrap cluster, clusterID: %v, err: %v", n.clusterID, resErr)
		}
	}
	return false, errors.New("bootstrap cluster failed")
}

func (n *Node) startNode(engines *engine_util.Engines, trans Transport, snapMgr *snap.SnapManager) error {
	log.Infof("start raft store node, storeID: %d", n.store.GetId())
	return n.system.start(n.store, n.cfg, engines, trans, n.schedulerClient, snapMgr)
}

func (n *Node) stopNode(storeID uint64) {
	log.Infof("stop raft store thread, storeID: %d", storeID)
	n.system.shutDown()
}

func (n *Node) Stop() {
	n.stopNode(n.store.GetId())
}

func (n *Node) GetStoreID() uint64 {
	return n.store.GetId()
}
