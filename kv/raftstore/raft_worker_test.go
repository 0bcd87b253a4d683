package raftstore

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/raftstore/message"
	"github.com/rangekv/rangekv/kv/raftstore/meta"
	"github.com/rangekv/rangekv/kv/raftstore/util"
	"github.com/rangekv/rangekv/kv/util/engine_util"
)

// cmdBuilder assembles a log entry whose data is a marshalled command,
// plus the proposal that routes the response back through a callback.
type cmdBuilder struct {
	entry eraftpb.Entry
	req   raft_cmdpb.RaftCmdRequest
}

func newCmdBuilder(index uint64, term uint64) *cmdBuilder {
	return &cmdBuilder{
		entry: eraftpb.Entry{
			Index: index,
			Term:  term,
		},
	}
}

func (b *cmdBuilder) add(req *raft_cmdpb.Request) *cmdBuilder {
	b.req.Requests = append(b.req.Requests, req)
	return b
}

func (b *cmdBuilder) get(cf string, key []byte) *cmdBuilder {
	return b.add(&raft_cmdpb.Request{
		CmdType: raft_cmdpb.CmdType_Get,
		Get: &raft_cmdpb.GetRequest{
			Cf:  cf,
			Key: key,
		}})
}

func (b *cmdBuilder) snap() *cmdBuilder {
	return b.add(&raft_cmdpb.Request{
		CmdType: raft_cmdpb.CmdType_Snap,
		Snap:    &raft_cmdpb.SnapRequest{},
	})
}

func (b *cmdBuilder) put(cf string, key, value []byte) *cmdBuilder {
	return b.add(&raft_cmdpb.Request{
		CmdType: raft_cmdpb.CmdType_Put,
		Put: &raft_cmdpb.PutRequest{
			Cf:    cf,
			Key:   key,
			Value: value,
		}})
}

func (b *cmdBuilder) delete(cf string, key []byte) *cmdBuilder {
	return b.add(&raft_cmdpb.Request{
		CmdType: raft_cmdpb.CmdType_Delete,
		Delete: &raft_cmdpb.DeleteRequest{
			Cf:  cf,
			Key: key,
		}})
}

func (b *cmdBuilder) epoch(confVer, version uint64) *cmdBuilder {
	b.req.Header = &raft_cmdpb.RaftRequestHeader{
		RegionEpoch: &metapb.RegionEpoch{
			Version: version,
			ConfVer: confVer,
		},
	}
	return b
}

func (b *cmdBuilder) build(applyCh chan<- []message.Msg, peerID, regionID uint64, callback *message.Callback) *eraftpb.Entry {
	prop := &proposal{
		isConfChange: false,
		index:        b.entry.Index,
		term:         b.entry.Term,
		cb:           callback,
	}
	applyCh <- []message.Msg{{
		Type:     message.MsgTypeApplyProposal,
		RegionID: regionID,
		Data: &MsgApplyProposal{
			Id:       peerID,
			RegionId: regionID,
			Props:    []*proposal{prop},
		},
	}}

	data, err := b.req.Marshal()
	if err != nil {
		panic("marshal err")
	}
	b.entry.Data = data
	return &b.entry
}

func commitEntries(applyCh chan<- []message.Msg, entries []eraftpb.Entry, regionID uint64) {
	applyCh <- []message.Msg{{
		Type:     message.MsgTypeApplyCommitted,
		RegionID: regionID,
		Data: &MsgApplyCommitted{
			regionId: regionID,
			term:     entries[0].Term,
			entries:  entries,
		},
	}}
}

func requireAppliedIndex(t *testing.T, engines *engine_util.Engines, expected uint64) {
	state, _ := meta.GetApplyState(engines.Kv, 1)
	require.Equal(t, expected, state.AppliedIndex)
}

func TestHandleRaftCommittedEntries(t *testing.T) {
	engines := util.NewTestEngines()
	defer engines.Destroy()

	cfg := config.NewDefaultConfig()
	raftRouter, _ := CreateRaftstore(cfg)
	router := raftRouter.router
	ctx := &GlobalContext{
		cfg:    cfg,
		engine: engines,
		router: router,
	}
	applyCh := make(chan []message.Msg, 1)
	aw := newApplyWorker(ctx, applyCh, router)
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go aw.run(wg)
	defer wg.Wait()

	region := &metapb.Region{
		Id: 1,
		Peers: []*metapb.Peer{{
			Id:      3,
			StoreId: 2,
		}},
		EndKey: []byte("k5"),
		RegionEpoch: &metapb.RegionEpoch{
			ConfVer: 1,
			Version: 3,
		},
	}
	meta.InitApplyState(engines.Kv, region)
	router.peers.Store(uint64(1), &peerState{
		closed: atomic.NewBool(false),
		apply: &applier{
			id:     3,
			region: region,
		},
	})

	// Plain puts succeed and produce one response per request.
	cb := message.NewCallback()
	entry := newCmdBuilder(6, 1).
		put(engine_util.CfDefault, []byte("k1"), []byte("v1")).
		put(engine_util.CfDefault, []byte("k2"), []byte("v2")).
		put(engine_util.CfDefault, []byte("k3"), []byte("v3")).
		epoch(1, 3).
		build(applyCh, 3, 1, cb)
	commitEntries(applyCh, []eraftpb.Entry{*entry}, 1)
	resp := cb.WaitResp()
	require.Nil(t, resp.GetHeader().GetError())
	require.Len(t, resp.GetResponses(), 3)
	drainApplyRes(router.peerSender)

	// Gets read back what the puts wrote.
	cb = message.NewCallback()
	entry = newCmdBuilder(7, 1).
		get(engine_util.CfDefault, []byte("k1")).
		get(engine_util.CfDefault, []byte("k2")).
		get(engine_util.CfDefault, []byte("k3")).
		epoch(1, 3).
		build(applyCh, 3, 1, cb)
	commitEntries(applyCh, []eraftpb.Entry{*entry}, 1)
	resp = cb.WaitResp()
	require.Nil(t, resp.GetHeader().GetError())
	require.Len(t, resp.GetResponses(), 3)
	require.True(t, bytes.Equal(resp.GetResponses()[0].GetGet().Value, []byte("v1")))
	require.True(t, bytes.Equal(resp.GetResponses()[1].GetGet().Value, []byte("v2")))
	require.True(t, bytes.Equal(resp.GetResponses()[2].GetGet().Value, []byte("v3")))

	applyRes := drainApplyRes(router.peerSender)
	requireAppliedIndex(t, engines, 7)

	// A mixed put/delete batch over different CFs.
	cb = message.NewCallback()
	entry = newCmdBuilder(8, 2).
		put(engine_util.CfLock, []byte("k1"), []byte("v11")).
		delete(engine_util.CfDefault, []byte("k2")).
		epoch(1, 3).
		build(applyCh, 3, 1, cb)
	commitEntries(applyCh, []eraftpb.Entry{*entry}, 1)
	resp = cb.WaitResp()
	require.Nil(t, resp.GetHeader().GetError())
	applyRes = drainApplyRes(router.peerSender)
	require.Equal(t, uint64(1), applyRes.regionID)
	requireAppliedIndex(t, engines, 8)
	require.Len(t, applyRes.execResults, 0)

	// A snap command returns a transaction the caller can read from.
	cb = message.NewCallback()
	entry = newCmdBuilder(9, 2).
		snap().
		epoch(1, 3).
		build(applyCh, 3, 1, cb)
	commitEntries(applyCh, []eraftpb.Entry{*entry}, 1)
	resp = cb.WaitResp()
	require.Nil(t, resp.GetHeader().GetError())
	require.Len(t, resp.GetResponses(), 1)
	val, err := engine_util.GetCFFromTxn(cb.Txn, engine_util.CfLock, []byte("k1"))
	require.Nil(t, err)
	require.True(t, bytes.Equal(val, []byte("v11")))
	applyRes = drainApplyRes(router.peerSender)
	requireAppliedIndex(t, engines, 9)

	// Stale epoch: rejected, but the applied index still advances.
	cb = message.NewCallback()
	entry = newCmdBuilder(10, 2).
		put(engine_util.CfDefault, []byte("k2"), []byte("v2")).
		epoch(1, 1).
		build(applyCh, 3, 1, cb)
	commitEntries(applyCh, []eraftpb.Entry{*entry}, 1)
	resp = cb.WaitResp()
	require.NotNil(t, resp.GetHeader().GetError().GetEpochNotMatch())
	applyRes = drainApplyRes(router.peerSender)
	requireAppliedIndex(t, engines, 10)

	// One key out of range fails the whole batch: k3 must keep its old
	// value because the write batch is atomic.
	cb = message.NewCallback()
	entry = newCmdBuilder(11, 2).
		put(engine_util.CfDefault, []byte("k3"), []byte("v31")).
		put(engine_util.CfDefault, []byte("k5"), []byte("v5")).
		epoch(1, 3).
		build(applyCh, 3, 1, cb)
	commitEntries(applyCh, []eraftpb.Entry{*entry}, 1)
	resp = cb.WaitResp()
	require.NotNil(t, resp.GetHeader().GetError().GetKeyNotInRegion())
	applyRes = drainApplyRes(router.peerSender)
	requireAppliedIndex(t, engines, 11)
	val, err = engine_util.GetCF(engines.Kv, engine_util.CfDefault, []byte("k3"))
	require.Nil(t, err)
	require.True(t, bytes.Equal(val, []byte("v3")))

	// Two proposals at the same index: the one from the earlier term gets
	// a stale-command response when the later-term entry commits.
	staleCb := message.NewCallback()
	entry = newCmdBuilder(12, 2).
		build(applyCh, 3, 1, staleCb)
	cb = message.NewCallback()
	entry = newCmdBuilder(12, 3).
		delete(engine_util.CfLock, []byte("k1")).
		delete(engine_util.CfWrite, []byte("k1")).
		epoch(1, 3).
		build(applyCh, 3, 1, cb)
	commitEntries(applyCh, []eraftpb.Entry{*entry}, 1)
	staleResp := staleCb.WaitResp()
	require.NotNil(t, staleResp.GetHeader().GetError().GetStaleCommand())
	resp = cb.WaitResp()
	require.Nil(t, resp.GetHeader().GetError())
	applyRes = drainApplyRes(router.peerSender)
	requireAppliedIndex(t, engines, 12)

	// Two entries committed together: the second sees the first's write.
	firstCb := message.NewCallback()
	first := newCmdBuilder(13, 3).
		put(engine_util.CfDefault, []byte("k10"), []byte("v10")).
		epoch(1, 3).
		build(applyCh, 3, 1, firstCb)
	cb = message.NewCallback()
	second := newCmdBuilder(14, 3).
		get(engine_util.CfDefault, []byte("k10")).
		epoch(1, 3).
		build(applyCh, 3, 1, cb)
	commitEntries(applyCh, []eraftpb.Entry{*first, *second}, 1)
	firstResp := firstCb.WaitResp()
	require.Nil(t, firstResp.GetHeader().GetError())
	resp = cb.WaitResp()
	require.Nil(t, resp.GetHeader().GetError())
	require.Len(t, resp.GetResponses(), 1)
	require.True(t, bytes.Equal(resp.GetResponses()[0].GetGet().Value, []byte("v10")))

	applyCh <- nil
}

func drainApplyRes(raftCh <-chan message.Msg) *MsgApplyRes {
	select {
	case msg := <-raftCh:
		if msg.Type != message.MsgTypeApplyRes {
			panic("unexpected apply res")
		}
		return msg.Data.(*MsgApplyRes)
	case <-time.After(time.Second):
		panic("no apply res received")
	}
}
