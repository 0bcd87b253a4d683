package test_raftstore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	"github.com/pingcap/kvproto/pkg/raft_serverpb"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/raftstore"
	"github.com/rangekv/rangekv/kv/raftstore/message"
	"github.com/rangekv/rangekv/kv/raftstore/scheduler_client"
	"github.com/rangekv/rangekv/kv/raftstore/snap"
	"github.com/rangekv/rangekv/kv/util/engine_util"
	"github.com/rangekv/rangekv/log"
)

// MockTransport delivers raft messages between in-process stores, passing
// each one through the installed filters first. Snapshot data is copied
// between the stores' snapshot managers directly.
type MockTransport struct {
	sync.RWMutex

	filters  []Filter
	routers  map[uint64]message.RaftRouter
	snapMgrs map[uint64]*snap.SnapManager
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		routers:  make(map[uint64]message.RaftRouter),
		snapMgrs: make(map[uint64]*snap.SnapManager),
	}
}

func (t *MockTransport) AddStore(storeID uint64, raftRouter message.RaftRouter, snapMgr *snap.SnapManager) {
	t.Lock()
	defer t.Unlock()

	t.routers[storeID] = raftRouter
	t.snapMgrs[storeID] = snapMgr
}

func (t *MockTransport) RemoveStore(storeID uint64) {
	t.Lock()
	defer t.Unlock()

	delete(t.routers, storeID)
	delete(t.snapMgrs, storeID)
}

func (t *MockTransport) AddFilter(filter Filter) {
	t.Lock()
	defer t.Unlock()

	t.filters = append(t.filters, filter)
}

func (t *MockTransport) ClearFilters() {
	t.Lock()
	defer t.Unlock()

	t.filters = nil
}

func (t *MockTransport) Send(msg *raft_serverpb.RaftMessage) error {
	t.RLock()
	defer t.RUnlock()

	for _, filter := range t.filters {
		if !filter.Before(msg) {
			return errors.Errorf("message %+v is dropped", msg)
		}
	}

	fromStore := msg.GetFromPeer().GetStoreId()
	toStore := msg.GetToPeer().GetStoreId()

	if msg.GetMessage().GetMsgType() == eraftpb.MessageType_MsgSnapshot {
		if err := t.copySnapshot(fromStore, toStore, msg.Message.Snapshot); err != nil {
			return err
		}
	}

	router, found := t.routers[toStore]
	if !found {
		return errors.Errorf("store %d is closed", toStore)
	}
	router.SendRaftMessage(msg)

	for _, filter := range t.filters {
		filter.After()
	}
	return nil
}

// copySnapshot moves the snapshot files from the sender's snapshot manager
// into the receiver's, standing in for the streaming a real transport does.
func (t *MockTransport) copySnapshot(fromStore, toStore uint64, snapshot *eraftpb.Snapshot) error {
	key, err := snap.SnapKeyFromSnap(snapshot)
	if err != nil {
		return err
	}

	sender, found := t.snapMgrs[fromStore]
	if !found {
		return errors.Errorf("store %d is closed", fromStore)
	}
	sender.Register(key, snap.SnapEntrySending)
	defer sender.Deregister(key, snap.SnapEntrySending)
	src, err := sender.GetSnapshotForSending(key)
	if err != nil {
		return err
	}

	receiver, found := t.snapMgrs[toStore]
	if !found {
		return errors.Errorf("store %d is closed", toStore)
	}
	receiver.Register(key, snap.SnapEntryReceiving)
	defer receiver.Deregister(key, snap.SnapEntryReceiving)
	dst, err := receiver.GetSnapshotForReceiving(key, snapshot.GetData())
	if err != nil {
		return err
	}

	io.Copy(dst, src)
	dst.Save()
	return nil
}

// NodeSimulator runs each store as a real raftstore Node in the current
// process, connected through a MockTransport.
type NodeSimulator struct {
	sync.RWMutex

	trans           *MockTransport
	schedulerClient scheduler_client.Client
	nodes           map[uint64]*raftstore.Node
}

func NewNodeSimulator(schedulerClient scheduler_client.Client) *NodeSimulator {
	return &NodeSimulator{
		trans:           NewMockTransport(),
		schedulerClient: schedulerClient,
		nodes:           make(map[uint64]*raftstore.Node),
	}
}

func (c *NodeSimulator) RunStore(cfg *config.Config, engine *engine_util.Engines, ctx context.Context) error {
	c.Lock()
	defer c.Unlock()

	raftRouter, raftSystem := raftstore.CreateRaftstore(cfg)
	snapManager := snap.NewSnapManager(cfg.DBPath + "/snap")
	node := raftstore.NewNode(raftSystem, cfg, c.schedulerClient)

	if err := node.Start(ctx, engine, c.trans, snapManager); err != nil {
		return err
	}

	storeID := node.GetStoreID()
	c.nodes[storeID] = node
	c.trans.AddStore(storeID, raftRouter, snapManager)
	return nil
}

func (c *NodeSimulator) StopStore(storeID uint64) {
	c.Lock()
	defer c.Unlock()

	node := c.nodes[storeID]
	if node == nil {
		panic(fmt.Sprintf("can not find store %d", storeID))
	}
	node.Stop()
	delete(c.nodes, storeID)
	c.trans.RemoveStore(storeID)
}

func (c *NodeSimulator) AddFilter(filter Filter) {
	c.Lock()
	defer c.Unlock()
	c.trans.AddFilter(filter)
}

func (c *NodeSimulator) ClearFilters() {
	c.Lock()
	defer c.Unlock()
	c.trans.ClearFilters()
}

func (c *NodeSimulator) GetStoreIds() []uint64 {
	c.RLock()
	defer c.RUnlock()
	storeIDs := make([]uint64, 0, len(c.nodes))
	for storeID := range c.nodes {
		storeIDs = append(storeIDs, storeID)
	}
	return storeIDs
}

func (c *NodeSimulator) CallCommandOnStore(storeID uint64, request *raft_cmdpb.RaftCmdRequest, timeout time.Duration) (*raft_cmdpb.RaftCmdResponse, *badger.Txn) {
	c.RLock()
	router := c.trans.routers[storeID]
	if router == nil {
		log.Fatalf("can not find node %d", storeID)
	}
	c.RUnlock()

	cb := message.NewCallback()
	err := router.SendRaftCommand(request, cb)
	if err != nil {
		return nil, nil
	}

	resp := cb.WaitRespWithTimeout(timeout)
	return resp, cb.Txn
}
