package test_raftstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/Connor1996/badger"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/raftstore"
	"github.com/rangekv/rangekv/kv/storage/raft_storage"
	"github.com/rangekv/rangekv/kv/util/engine_util"
	"github.com/rangekv/rangekv/log"
)

// Simulator runs the stores of a test cluster. The node simulator is the
// only implementation; the indirection keeps the cluster logic free of
// store lifecycle details.
type Simulator interface {
	RunStore(cfg *config.Config, engine *engine_util.Engines, ctx context.Context) error
	StopStore(storeID uint64)
	AddFilter(filter Filter)
	ClearFilters()
	GetStoreIds() []uint64
	CallCommandOnStore(storeID uint64, request *raft_cmdpb.RaftCmdRequest, timeout time.Duration) (*raft_cmdpb.RaftCmdResponse, *badger.Txn)
}

type Cluster struct {
	schedulerClient *MockSchedulerClient
	count           int
	engines         map[uint64]*engine_util.Engines
	dbPaths         map[uint64]string
	dirs            []string
	simulator       Simulator
	cfg             *config.Config
}

func NewCluster(count int, schedulerClient *MockSchedulerClient, simulator Simulator, cfg *config.Config) *Cluster {
	return &Cluster{
		schedulerClient: schedulerClient,
		count:           count,
		engines:         make(map[uint64]*engine_util.Engines),
		dbPaths:         make(map[uint64]string),
		simulator:       simulator,
		cfg:             cfg,
	}
}

// NewTestCluster builds an in-process cluster of count stores sharing a
// mock scheduler. Peer IDs 1..count belong to the first region's initial
// peers; fresh IDs are allocated above them.
func NewTestCluster(count int, cfg *config.Config) *Cluster {
	log.SetLevelByString(cfg.LogLevel)
	schedulerClient := NewMockSchedulerClient(0, uint64(count)+1)
	simulator := NewNodeSimulator(schedulerClient)
	return NewCluster(count, schedulerClient, simulator, cfg)
}

func (c *Cluster) Start() {
	ctx := context.TODO()
	clusterID := c.schedulerClient.GetClusterID(ctx)

	for storeID := uint64(1); storeID <= uint64(c.count); storeID++ {
		dbPath, err := ioutil.TempDir("", "test-raftstore")
		if err != nil {
			panic(err)
		}
		c.dbPaths[storeID] = dbPath
		c.dirs = append(c.dirs, dbPath)

		kvPath := filepath.Join(dbPath, "kv")
		raftPath := filepath.Join(dbPath, "raft")
		for _, sub := range []string{kvPath, raftPath, filepath.Join(dbPath, "snap")} {
			if err := os.MkdirAll(sub, os.ModePerm); err != nil {
				panic(err)
			}
		}
		c.engines[storeID] = engine_util.NewEngines(
			engine_util.CreateDB(kvPath, false),
			engine_util.CreateDB(raftPath, true),
			kvPath, raftPath)
	}

	regionEpoch := &metapb.RegionEpoch{
		Version: raftstore.InitEpochVer,
		ConfVer: raftstore.InitEpochConfVer,
	}
	firstRegion := &metapb.Region{
		Id:          1,
		StartKey:    []byte{},
		EndKey:      []byte{},
		RegionEpoch: regionEpoch,
	}

	for storeID, engine := range c.engines {
		firstRegion.Peers = append(firstRegion.Peers, NewPeer(storeID, storeID))
		if err := raftstore.BootstrapStore(engine, clusterID, storeID); err != nil {
			panic(err)
		}
	}

	for _, engine := range c.engines {
		if err := raftstore.PrepareBootstrapCluster(engine, firstRegion); err != nil {
			panic(err)
		}
	}

	store := &metapb.Store{
		Id:      1,
		Address: "",
	}
	resp, err := c.schedulerClient.Bootstrap(ctx, store, firstRegion)
	if err != nil {
		panic(err)
	}
	if resp.Header != nil && resp.Header.Error != nil {
		panic(resp.Header.Error)
	}

	for storeID, engine := range c.engines {
		store := &metapb.Store{
			Id:      storeID,
			Address: "",
		}
		if err := c.schedulerClient.PutStore(ctx, store); err != nil {
			panic(err)
		}
		if err := raftstore.ClearPrepareBootstrapState(engine); err != nil {
			panic(err)
		}
	}

	for storeID := range c.engines {
		c.StartServer(storeID)
	}
}

func (c *Cluster) Shutdown() {
	for _, storeID := range c.simulator.GetStoreIds() {
		c.simulator.StopStore(storeID)
	}
	for _, engine := range c.engines {
		engine.Close()
	}
	for _, dir := range c.dirs {
		os.RemoveAll(dir)
	}
}

func (c *Cluster) StopServer(storeID uint64) {
	c.simulator.StopStore(storeID)
}

func (c *Cluster) StartServer(storeID uint64) {
	engine := c.engines[storeID]
	storeCfg := *c.cfg
	storeCfg.DBPath = c.dbPaths[storeID]
	if err := c.simulator.RunStore(&storeCfg, engine, context.TODO()); err != nil {
		panic(err)
	}
}

func (c *Cluster) AddFilter(filter Filter) {
	c.simulator.AddFilter(filter)
}

func (c *Cluster) ClearFilters() {
	c.simulator.ClearFilters()
}

func (c *Cluster) Request(key []byte, reqs []*raft_cmdpb.Request, timeout time.Duration) (*raft_cmdpb.RaftCmdResponse, *badger.Txn) {
	startTime := time.Now()
	for i := 0; i < 10 || time.Since(startTime) < timeout; i++ {
		region := c.GetRegion(key)
		regionID := region.GetId()
		req := NewRequest(regionID, region.RegionEpoch, reqs)
		resp, txn := c.CallCommandOnLeader(&req, timeout)
		if resp == nil {
			// it should be timeouted innerly
			SleepMS(100)
			continue
		}
		if resp.Header.Error != nil && resp.Header.Error.GetEpochNotMatch() != nil {
			SleepMS(100)
			continue
		}
		return resp, txn
	}
	panic("request timeout")
}

func (c *Cluster) CallCommand(request *raft_cmdpb.RaftCmdRequest, timeout time.Duration) (*raft_cmdpb.RaftCmdResponse, *badger.Txn) {
	storeID := request.Header.Peer.StoreId
	return c.simulator.CallCommandOnStore(storeID, request, timeout)
}

// CallCommandOnLeader routes the command to whichever peer currently
// leads the region, chasing leader changes until it gets an answer or
// the timeout runs out.
func (c *Cluster) CallCommandOnLeader(request *raft_cmdpb.RaftCmdRequest, timeout time.Duration) (*raft_cmdpb.RaftCmdResponse, *badger.Txn) {
	deadline := time.Now().Add(timeout)
	regionID := request.Header.RegionId
	leader := c.LeaderOfRegion(regionID)
	for time.Now().Before(deadline) {
		if leader == nil {
			panic(fmt.Sprintf("can't get leader of region %d", regionID))
		}
		request.Header.Peer = leader
		resp, txn := c.CallCommand(request, 1*time.Second)
		if resp == nil {
			log.Warnf("can't call command %s on leader %d of region %d", request.String(), leader.GetId(), regionID)
			next := c.LeaderOfRegion(regionID)
			if next != leader {
				leader = next
				log.Debugf("use new leader %d of region %d", leader.GetId(), regionID)
				continue
			}
			// Scheduler still names the unresponsive peer, try another one.
			region, _, err := c.schedulerClient.GetRegionByID(context.TODO(), regionID)
			if err != nil {
				return nil, nil
			}
			peers := region.GetPeers()
			leader = peers[rand.Int()%len(peers)]
			log.Debugf("leader info maybe wrong, use random leader %d of region %d", leader.GetId(), regionID)
			continue
		}
		if respErr := resp.Header.Error; respErr != nil &&
			(respErr.GetStaleCommand() != nil || respErr.GetEpochNotMatch() != nil || respErr.GetNotLeader() != nil) {
			log.Debugf("encountered retryable err %+v", resp)
			if notLeader := respErr.GetNotLeader(); notLeader != nil && notLeader.Leader != nil {
				leader = notLeader.Leader
			} else {
				leader = c.LeaderOfRegion(regionID)
			}
			continue
		}
		return resp, txn
	}
	return nil, nil
}

func (c *Cluster) LeaderOfRegion(regionID uint64) *metapb.Peer {
	for i := 0; i < 500; i++ {
		_, leader, err := c.schedulerClient.GetRegionByID(context.TODO(), regionID)
		if err == nil && leader != nil {
			return leader
		}
		SleepMS(10)
	}
	return nil
}

func (c *Cluster) GetRegion(key []byte) *metapb.Region {
	for i := 0; i < 100; i++ {
		region, _, _ := c.schedulerClient.GetRegion(context.TODO(), key)
		if region != nil {
			return region
		}
		// We may meet range gap after split, so here we will
		// retry to get the region again.
		SleepMS(20)
	}
	panic(fmt.Sprintf("find no region for %s", hex.EncodeToString(key)))
}

func (c *Cluster) GetRandomRegion() *metapb.Region {
	return c.schedulerClient.getRandomRegion()
}

func (c *Cluster) GetStoreIdsOfRegion(regionID uint64) []uint64 {
	region, _, err := c.schedulerClient.GetRegionByID(context.TODO(), regionID)
	if err != nil {
		panic(err)
	}
	peers := region.GetPeers()
	storeIds := make([]uint64, len(peers))
	for i, peer := range peers {
		storeIds[i] = peer.GetStoreId()
	}
	return storeIds
}

func (c *Cluster) MustPut(key, value []byte) {
	c.MustPutCF(engine_util.CfDefault, key, value)
}

func (c *Cluster) MustPutCF(cf string, key, value []byte) {
	req := NewPutCfCmd(cf, key, value)
	resp, _ := c.Request(key, []*raft_cmdpb.Request{req}, 5*time.Second)
	mustSingleResponse(resp, raft_cmdpb.CmdType_Put)
}

func (c *Cluster) MustGet(key []byte, value []byte) {
	v := c.Get(key)
	if !bytes.Equal(v, value) {
		panic(fmt.Sprintf("expected value %s, but got %s", value, v))
	}
}

func (c *Cluster) Get(key []byte) []byte {
	return c.GetCF(engine_util.CfDefault, key)
}

func (c *Cluster) GetCF(cf string, key []byte) []byte {
	req := NewGetCfCmd(cf, key)
	resp, _ := c.Request(key, []*raft_cmdpb.Request{req}, 5*time.Second)
	mustSingleResponse(resp, raft_cmdpb.CmdType_Get)
	return resp.Responses[0].Get.Value
}

func (c *Cluster) MustDelete(key []byte) {
	c.MustDeleteCF(engine_util.CfDefault, key)
}

func (c *Cluster) MustDeleteCF(cf string, key []byte) {
	req := NewDeleteCfCmd(cf, key)
	resp, _ := c.Request(key, []*raft_cmdpb.Request{req}, 5*time.Second)
	mustSingleResponse(resp, raft_cmdpb.CmdType_Delete)
}

// mustSingleResponse panics unless resp carries exactly one successful
// response of the expected command type.
func mustSingleResponse(resp *raft_cmdpb.RaftCmdResponse, want raft_cmdpb.CmdType) {
	if resp.Header.Error != nil {
		panic(resp.Header.Error)
	}
	if len(resp.Responses) != 1 {
		panic(fmt.Sprintf("expected 1 response, got %d", len(resp.Responses)))
	}
	if got := resp.Responses[0].CmdType; got != want {
		panic(fmt.Sprintf("expected %s response, got %s", want, got))
	}
}

// Scan collects the values in [start, end) by reading each covering
// region through a replicated snapshot command.
func (c *Cluster) Scan(start, end []byte) [][]byte {
	req := NewSnapCmd()
	values := make([][]byte, 0)
	key := start
	for (len(end) != 0 && bytes.Compare(key, end) < 0) || (len(key) == 0 && len(end) == 0) {
		resp, txn := c.Request(key, []*raft_cmdpb.Request{req}, 5*time.Second)
		mustSingleResponse(resp, raft_cmdpb.CmdType_Snap)
		region := resp.Responses[0].GetSnap().Region
		iter := raft_storage.NewRegionReader(txn, *region).IterCF(engine_util.CfDefault)
		for iter.Seek(key); iter.Valid(); iter.Next() {
			if engine_util.ExceedEndKey(iter.Item().Key(), end) {
				break
			}
			value, err := iter.Item().ValueCopy(nil)
			if err != nil {
				panic(err)
			}
			values = append(values, value)
		}
		iter.Close()
		txn.Discard()

		key = region.EndKey
		if len(key) == 0 {
			break
		}
	}

	return values
}

func (c *Cluster) TransferLeader(regionID uint64, leader *metapb.Peer) {
	region, _, err := c.schedulerClient.GetRegionByID(context.TODO(), regionID)
	if err != nil {
		panic(err)
	}
	epoch := region.RegionEpoch
	transferLeader := NewAdminRequest(regionID, epoch, NewTransferLeaderCmd(leader))
	resp, _ := c.CallCommandOnLeader(transferLeader, 5*time.Second)
	if resp.AdminResponse == nil || resp.AdminResponse.CmdType != raft_cmdpb.AdminCmdType_TransferLeader {
		panic("transfer leader command returned an unexpected response")
	}
}

func (c *Cluster) MustTransferLeader(regionID uint64, leader *metapb.Peer) {
	timer := time.Now()
	for {
		currentLeader := c.LeaderOfRegion(regionID)
		if currentLeader.Id == leader.Id &&
			currentLeader.StoreId == leader.StoreId {
			return
		}
		if time.Since(timer) > 5*time.Second {
			panic(fmt.Sprintf("failed to transfer leader to [%d] %s", regionID, leader.String()))
		}
		c.TransferLeader(regionID, leader)
	}
}

// AllocPeer allocates a fresh peer ID on the given store.
func (c *Cluster) AllocPeer(storeID uint64) *metapb.Peer {
	id, err := c.schedulerClient.AllocID(context.TODO())
	if err != nil {
		panic(err)
	}
	return NewPeer(storeID, id)
}

func (c *Cluster) MustAddPeer(regionID uint64, peer *metapb.Peer) {
	c.schedulerClient.AddPeer(regionID, peer)
	c.MustHavePeer(regionID, peer)
}

func (c *Cluster) MustRemovePeer(regionID uint64, peer *metapb.Peer) {
	c.schedulerClient.RemovePeer(regionID, peer)
	c.MustNonePeer(regionID, peer)
}

// MustMergeRegion schedules a merge of the given region into the target and
// waits until the scheduler no longer tracks the source.
func (c *Cluster) MustMergeRegion(regionID uint64, targetID uint64) {
	c.schedulerClient.MergeRegion(regionID, targetID)
	for i := 0; i < 500; i++ {
		region, _, err := c.schedulerClient.GetRegionByID(context.TODO(), regionID)
		if err != nil {
			panic(err)
		}
		if region == nil {
			return
		}
		SleepMS(10)
	}
	panic(fmt.Sprintf("region %d still exists after merge into region %d", regionID, targetID))
}

func (c *Cluster) MustHavePeer(regionID uint64, peer *metapb.Peer) {
	if !c.waitPeerPresence(regionID, peer, true) {
		panic(fmt.Sprintf("no peer %s of region %d", peer.String(), regionID))
	}
}

func (c *Cluster) MustNonePeer(regionID uint64, peer *metapb.Peer) {
	if !c.waitPeerPresence(regionID, peer, false) {
		panic(fmt.Sprintf("peer %s of region %d still exists", peer.String(), regionID))
	}
}

func (c *Cluster) waitPeerPresence(regionID uint64, peer *metapb.Peer, want bool) bool {
	for i := 0; i < 500; i++ {
		region, _, err := c.schedulerClient.GetRegionByID(context.TODO(), regionID)
		if err != nil {
			panic(err)
		}
		if region != nil {
			p := FindPeer(region, peer.GetStoreId())
			if present := p != nil && p.GetId() == peer.GetId(); present == want {
				return true
			}
		}
		SleepMS(10)
	}
	return false
}
