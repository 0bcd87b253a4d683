package test_raftstore

import (
	"bytes"
	"context"
	"math/rand"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"

	"github.com/rangekv/rangekv/kv/raftstore/util"
	"github.com/rangekv/rangekv/kv/util/engine_util"
	"github.com/rangekv/rangekv/log"
)

// regionEntry orders regions by start key inside the btree.
type regionEntry struct {
	region metapb.Region
}

var _ btree.Item = &regionEntry{}

func (r *regionEntry) Less(other btree.Item) bool {
	return bytes.Compare(r.region.GetStartKey(), other.(*regionEntry).region.GetStartKey()) < 0
}

func (r *regionEntry) Contains(key []byte) bool {
	start, end := r.region.GetStartKey(), r.region.GetEndKey()
	return bytes.Compare(key, start) >= 0 && (len(end) == 0 || bytes.Compare(key, end) < 0)
}

type opKind int64

const (
	opKindAddPeer opKind = iota + 1
	opKindRemovePeer
	opKindTransferLeader
	opKindMergeRegion
)

// operator is a pending scheduling instruction for one region. It is
// replayed in heartbeat responses until tryFinished observes its effect.
type operator struct {
	kind opKind
	data interface{}
}

type addPeerOp struct {
	peer *metapb.Peer
	// pending flips once the peer shows up in a heartbeat, after which
	// the operator waits for the peer to catch up.
	pending bool
}

type removePeerOp struct {
	peer *metapb.Peer
}

type transferLeaderOp struct {
	peer *metapb.Peer
}

type mergeRegionOp struct {
	targetID uint64
}

type storeHandle struct {
	store            metapb.Store
	heartbeatHandler func(*pdpb.RegionHeartbeatResponse)
}

// MockSchedulerClient keeps the whole scheduler state in memory: store and
// region metadata fed by heartbeats, plus operators injected by tests
// which it hands back in heartbeat responses.
type MockSchedulerClient struct {
	sync.RWMutex

	clusterID uint64

	meta         metapb.Cluster
	stores       map[uint64]*storeHandle
	regionsRange *btree.BTree      // start key -> region
	regionsKey   map[uint64][]byte // regionID -> startKey

	baseID uint64

	operators    map[uint64]*operator
	leaders      map[uint64]*metapb.Peer // regionID -> peer
	pendingPeers map[uint64]*metapb.Peer // peerID -> peer

	bootstrapped bool
}

func NewMockSchedulerClient(clusterID uint64, baseID uint64) *MockSchedulerClient {
	return &MockSchedulerClient{
		clusterID:    clusterID,
		meta:         metapb.Cluster{Id: clusterID},
		stores:       make(map[uint64]*storeHandle),
		regionsRange: btree.New(2),
		regionsKey:   make(map[uint64][]byte),
		baseID:       baseID,
		operators:    make(map[uint64]*operator),
		leaders:      make(map[uint64]*metapb.Peer),
		pendingPeers: make(map[uint64]*metapb.Peer),
	}
}

// scheduler_client.Client implementation.

func (m *MockSchedulerClient) GetClusterID(ctx context.Context) uint64 {
	m.RLock()
	defer m.RUnlock()
	return m.clusterID
}

func (m *MockSchedulerClient) AllocID(ctx context.Context) (uint64, error) {
	m.Lock()
	defer m.Unlock()
	id := m.baseID
	m.baseID++
	return id, nil
}

func (m *MockSchedulerClient) Bootstrap(ctx context.Context, store *metapb.Store, region *metapb.Region) (*pdpb.BootstrapResponse, error) {
	m.Lock()
	defer m.Unlock()

	resp := &pdpb.BootstrapResponse{
		Header: &pdpb.ResponseHeader{ClusterId: m.clusterID},
	}
	if m.bootstrapped || len(m.regionsKey) != 0 {
		m.bootstrapped = true
		resp.Header.Error = &pdpb.Error{
			Type:    pdpb.ErrorType_ALREADY_BOOTSTRAPPED,
			Message: "cluster is already bootstrapped",
		}
		return resp, nil
	}

	m.stores[store.GetId()] = &storeHandle{store: *store}
	m.addRegionLocked(region)
	m.bootstrapped = true
	return resp, nil
}

func (m *MockSchedulerClient) IsBootstrapped(ctx context.Context) (bool, error) {
	m.RLock()
	defer m.RUnlock()
	return m.bootstrapped, nil
}

func (m *MockSchedulerClient) checkBootstrap() error {
	if ok, _ := m.IsBootstrapped(context.TODO()); !ok {
		return errors.New("not bootstrapped")
	}
	return nil
}

func (m *MockSchedulerClient) PutStore(ctx context.Context, store *metapb.Store) error {
	if err := m.checkBootstrap(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.stores[store.GetId()] = &storeHandle{store: *store}
	return nil
}

func (m *MockSchedulerClient) GetStore(ctx context.Context, storeID uint64) (*metapb.Store, error) {
	if err := m.checkBootstrap(); err != nil {
		return nil, err
	}
	m.RLock()
	defer m.RUnlock()
	handle, ok := m.stores[storeID]
	if !ok {
		return nil, errors.Errorf("store %d not found", storeID)
	}
	return &handle.store, nil
}

func (m *MockSchedulerClient) GetRegion(ctx context.Context, key []byte) (*metapb.Region, *metapb.Peer, error) {
	if err := m.checkBootstrap(); err != nil {
		return nil, nil, err
	}
	m.RLock()
	defer m.RUnlock()
	region, leader := m.getRegionLocked(key)
	return region, leader, nil
}

func (m *MockSchedulerClient) getRegionLocked(key []byte) (*metapb.Region, *metapb.Peer) {
	entry := m.findRegion(key)
	if entry == nil {
		return nil, nil
	}
	return &entry.region, m.leaders[entry.region.GetId()]
}

func (m *MockSchedulerClient) GetRegionByID(ctx context.Context, regionID uint64) (*metapb.Region, *metapb.Peer, error) {
	if err := m.checkBootstrap(); err != nil {
		return nil, nil, err
	}
	m.RLock()
	defer m.RUnlock()
	return m.getRegionByIDLocked(regionID)
}

func (m *MockSchedulerClient) getRegionByIDLocked(regionID uint64) (*metapb.Region, *metapb.Peer, error) {
	startKey, ok := m.regionsKey[regionID]
	if !ok {
		return nil, nil, nil
	}
	region, leader := m.getRegionLocked(startKey)
	return region, leader, nil
}

func (m *MockSchedulerClient) getRandomRegion() *metapb.Region {
	m.RLock()
	defer m.RUnlock()
	if len(m.regionsKey) == 0 {
		return nil
	}
	skip := rand.Intn(len(m.regionsKey))
	for regionID := range m.regionsKey {
		if skip == 0 {
			region, _, _ := m.getRegionByIDLocked(regionID)
			return region
		}
		skip--
	}
	return nil
}

func (m *MockSchedulerClient) AskSplit(ctx context.Context, region *metapb.Region) (*pdpb.AskSplitResponse, error) {
	resp := &pdpb.AskSplitResponse{
		Header: &pdpb.ResponseHeader{ClusterId: m.clusterID},
	}
	known, _, err := m.GetRegionByID(ctx, region.GetId())
	if err != nil {
		return resp, err
	}
	if util.IsEpochStale(region.RegionEpoch, known.RegionEpoch) {
		return resp, errors.New("epoch is stale")
	}

	resp.NewRegionId, _ = m.AllocID(ctx)
	for range region.GetPeers() {
		peerID, _ := m.AllocID(ctx)
		resp.NewPeerIds = append(resp.NewPeerIds, peerID)
	}
	return resp, nil
}

func (m *MockSchedulerClient) StoreHeartbeat(ctx context.Context, stats *pdpb.StoreStats) error {
	return m.checkBootstrap()
}

func (m *MockSchedulerClient) RegionHeartbeat(req *pdpb.RegionHeartbeatRequest) error {
	if err := m.checkBootstrap(); err != nil {
		return err
	}

	m.Lock()
	defer m.Unlock()

	regionID := req.Region.GetId()
	for _, p := range req.Region.GetPeers() {
		delete(m.pendingPeers, p.GetId())
	}
	for _, p := range req.GetPendingPeers() {
		m.pendingPeers[p.GetId()] = p
	}
	m.leaders[regionID] = req.Leader

	if err := m.reconcileVersion(req.Region); err != nil {
		return err
	}
	if err := m.reconcileConfVersion(req.Region); err != nil {
		return err
	}

	resp := &pdpb.RegionHeartbeatResponse{
		Header:      &pdpb.ResponseHeader{ClusterId: m.clusterID},
		RegionId:    regionID,
		RegionEpoch: req.Region.GetRegionEpoch(),
		TargetPeer:  req.Leader,
	}
	if op := m.operators[regionID]; op != nil {
		if m.tryFinished(op, req.Region, req.Leader) {
			delete(m.operators, regionID)
		} else {
			m.fillOperatorResponse(op, resp)
		}
		log.Debugf("[region %d] schedule %v", regionID, op)
	}

	m.stores[req.Leader.GetStoreId()].heartbeatHandler(resp)
	return nil
}

// reconcileVersion folds a reported region range into the btree.
// A newer epoch wins; reports with a stale epoch are rejected.
func (m *MockSchedulerClient) reconcileVersion(region *metapb.Region) error {
	if engine_util.ExceedEndKey(region.GetStartKey(), region.GetEndKey()) {
		panic("start key > end key")
	}

	for {
		existing, _ := m.getRegionLocked(region.GetStartKey())
		if existing == nil {
			m.addRegionLocked(region)
			return nil
		}

		sameRange := bytes.Equal(existing.GetStartKey(), region.GetStartKey()) &&
			bytes.Equal(existing.GetEndKey(), region.GetEndKey())
		if sameRange {
			if util.IsEpochStale(region.RegionEpoch, existing.RegionEpoch) {
				return errors.New("epoch is stale")
			}
			if existing.RegionEpoch.Version < region.RegionEpoch.Version {
				m.removeRegionLocked(existing)
				m.addRegionLocked(region)
			}
			return nil
		}

		if engine_util.ExceedEndKey(existing.GetStartKey(), region.GetEndKey()) {
			// Nothing known covers this range, insert directly.
			m.addRegionLocked(region)
			return nil
		}

		// The ranges overlap, which happens after a split when either half
		// reports while the pre-split region is still recorded. The newer
		// version evicts the old record, then the loop retries.
		if region.GetRegionEpoch().GetVersion() <= existing.GetRegionEpoch().GetVersion() {
			return errors.New("epoch is stale")
		}
		m.removeRegionLocked(existing)
	}
}

// reconcileConfVersion checks the membership in a report against the
// recorded one. A conf version bump must correspond to exactly one peer
// added or removed.
func (m *MockSchedulerClient) reconcileConfVersion(region *metapb.Region) error {
	existing, _ := m.getRegionLocked(region.GetStartKey())
	if util.IsEpochStale(region.RegionEpoch, existing.RegionEpoch) {
		return errors.New("epoch is stale")
	}

	if region.RegionEpoch.ConfVer <= existing.RegionEpoch.ConfVer {
		MustSamePeers(existing, region)
		return nil
	}

	reported := len(region.GetPeers())
	recorded := len(existing.GetPeers())
	switch {
	case recorded > reported:
		if recorded-reported != 1 {
			panic("should only one conf change")
		}
		if len(GetDiffPeers(existing, region)) != 1 {
			panic("should only one different peer")
		}
		if len(GetDiffPeers(region, existing)) != 0 {
			panic("should include all peers")
		}
	case recorded < reported:
		if reported-recorded != 1 {
			panic("should only one conf change")
		}
		if len(GetDiffPeers(region, existing)) != 1 {
			panic("should only one different peer")
		}
		if len(GetDiffPeers(existing, region)) != 0 {
			panic("should include all peers")
		}
	default:
		MustSamePeers(existing, region)
		if existing.RegionEpoch.ConfVer+1 != region.RegionEpoch.ConfVer {
			panic("unmatched conf version")
		}
		if existing.RegionEpoch.Version+1 != region.RegionEpoch.Version {
			panic("unmatched version")
		}
	}

	if m.regionsRange.ReplaceOrInsert(&regionEntry{region: *region}) == nil {
		panic("update inexistent region")
	}
	return nil
}

func (m *MockSchedulerClient) tryFinished(op *operator, region *metapb.Region, leader *metapb.Peer) bool {
	switch op.kind {
	case opKindAddPeer:
		add := op.data.(*addPeerOp)
		if !add.pending {
			for _, p := range region.GetPeers() {
				if add.peer.GetId() == p.GetId() {
					add.pending = true
					return false
				}
			}
			// The leader has not proposed the conf change yet.
			return false
		}
		_, catchingUp := m.pendingPeers[add.peer.GetId()]
		return !catchingUp
	case opKindRemovePeer:
		remove := op.data.(*removePeerOp)
		for _, p := range region.GetPeers() {
			if remove.peer.GetId() == p.GetId() {
				return false
			}
		}
		return true
	case opKindTransferLeader:
		transfer := op.data.(*transferLeaderOp)
		return leader.GetId() == transfer.peer.GetId()
	case opKindMergeRegion:
		// Once the target absorbs the range the source stops heartbeating,
		// so this operator is never reported finished. The stale entry is
		// harmless, the source region id is gone from the cluster.
		return false
	}
	panic("unreachable")
}

func (m *MockSchedulerClient) fillOperatorResponse(op *operator, resp *pdpb.RegionHeartbeatResponse) {
	switch op.kind {
	case opKindAddPeer:
		add := op.data.(*addPeerOp)
		if !add.pending {
			resp.ChangePeer = &pdpb.ChangePeer{
				ChangeType: eraftpb.ConfChangeType_AddNode,
				Peer:       add.peer,
			}
		}
	case opKindRemovePeer:
		resp.ChangePeer = &pdpb.ChangePeer{
			ChangeType: eraftpb.ConfChangeType_RemoveNode,
			Peer:       op.data.(*removePeerOp).peer,
		}
	case opKindTransferLeader:
		resp.TransferLeader = &pdpb.TransferLeader{
			Peer: op.data.(*transferLeaderOp).peer,
		}
	case opKindMergeRegion:
		merge := op.data.(*mergeRegionOp)
		if target, _, _ := m.getRegionByIDLocked(merge.targetID); target != nil {
			resp.Merge = &pdpb.Merge{Target: target}
		}
	}
}

func (m *MockSchedulerClient) SetRegionHeartbeatResponseHandler(storeID uint64, h func(*pdpb.RegionHeartbeatResponse)) {
	if h == nil {
		h = func(*pdpb.RegionHeartbeatResponse) {}
	}
	m.Lock()
	defer m.Unlock()
	m.stores[storeID].heartbeatHandler = h
}

func (m *MockSchedulerClient) Close() {}

func (m *MockSchedulerClient) findRegion(key []byte) *regionEntry {
	pivot := &regionEntry{region: metapb.Region{StartKey: key}}

	var found *regionEntry
	m.regionsRange.DescendLessOrEqual(pivot, func(i btree.Item) bool {
		found = i.(*regionEntry)
		return false
	})
	if found == nil || !found.Contains(key) {
		return nil
	}
	return found
}

func (m *MockSchedulerClient) addRegionLocked(region *metapb.Region) {
	m.regionsKey[region.GetId()] = region.GetStartKey()
	m.regionsRange.ReplaceOrInsert(&regionEntry{region: *region})
}

func (m *MockSchedulerClient) removeRegionLocked(region *metapb.Region) {
	delete(m.regionsKey, region.GetId())
	entry := m.findRegion(region.GetStartKey())
	if entry == nil || entry.region.GetId() != region.GetId() {
		return
	}
	m.regionsRange.Delete(entry)
}

// Operator injection for tests.

func (m *MockSchedulerClient) AddPeer(regionID uint64, peer *metapb.Peer) {
	m.scheduleOperator(regionID, &operator{
		kind: opKindAddPeer,
		data: &addPeerOp{peer: peer},
	})
}

func (m *MockSchedulerClient) RemovePeer(regionID uint64, peer *metapb.Peer) {
	m.scheduleOperator(regionID, &operator{
		kind: opKindRemovePeer,
		data: &removePeerOp{peer: peer},
	})
}

func (m *MockSchedulerClient) TransferLeader(regionID uint64, peer *metapb.Peer) {
	m.scheduleOperator(regionID, &operator{
		kind: opKindTransferLeader,
		data: &transferLeaderOp{peer: peer},
	})
}

// MergeRegion asks the leader of the given region to merge it into the
// target region, which must hold an adjacent range.
func (m *MockSchedulerClient) MergeRegion(regionID uint64, targetID uint64) {
	m.scheduleOperator(regionID, &operator{
		kind: opKindMergeRegion,
		data: &mergeRegionOp{targetID: targetID},
	})
}

func (m *MockSchedulerClient) scheduleOperator(regionID uint64, op *operator) {
	m.Lock()
	defer m.Unlock()
	m.operators[regionID] = op
}

func MustSamePeers(left *metapb.Region, right *metapb.Region) {
	if len(left.GetPeers()) != len(right.GetPeers()) {
		panic("unmatched peers length")
	}
	for _, p := range left.GetPeers() {
		if FindPeer(right, p.GetStoreId()) == nil {
			panic("not found the peer")
		}
	}
}

func GetDiffPeers(left *metapb.Region, right *metapb.Region) []*metapb.Peer {
	var diff []*metapb.Peer
	for _, p := range left.GetPeers() {
		if FindPeer(right, p.GetStoreId()) == nil {
			diff = append(diff, p)
		}
	}
	return diff
}

func FindPeer(region *metapb.Region, storeID uint64) *metapb.Peer {
	for _, p := range region.GetPeers() {
		if p.GetStoreId() == storeID {
			return p
		}
	}
	return nil
}
