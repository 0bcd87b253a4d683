package raftstore

import (
	"sync"

	"github.com/rangekv/rangekv/kv/raftstore/message"
)

// raftWorker runs the raft state machines of all peers on the store. On each
// loop, raft messages and commands are batched by the channel buffer. After
// the messages are handled, the committed entries and pending proposals are
// collected per peer and handed to the apply worker.
type raftWorker struct {
	pr *router

	raftCh chan message.Msg
	ctx    *GlobalContext

	applyCh chan []message.Msg

	closeCh <-chan struct{}
}

func newRaftWorker(ctx *GlobalContext, pm *router) *raftWorker {
	return &raftWorker{
		raftCh:  pm.peerSender,
		ctx:     ctx,
		applyCh: make(chan []message.Msg, 4096),
		pr:      pm,
	}
}

func (rw *raftWorker) run(closeCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	var batch []message.Msg
	for {
		batch = batch[:0]
		select {
		case <-closeCh:
			// A nil batch tells the apply worker to exit.
			rw.applyCh <- nil
			return
		case msg := <-rw.raftCh:
			batch = append(batch, msg)
		}
		// Drain whatever accumulated while we were blocked.
		for pending := len(rw.raftCh); pending > 0; pending-- {
			batch = append(batch, <-rw.raftCh)
		}

		touched := make(map[uint64]*peerState)
		for _, msg := range batch {
			ps := rw.getPeerState(touched, msg.RegionID)
			if ps == nil {
				continue
			}
			newPeerMsgHandler(ps.peer, rw.applyCh, rw.ctx).HandleMsgs(msg)
		}
		for _, ps := range touched {
			newPeerMsgHandler(ps.peer, rw.applyCh, rw.ctx).HandleRaftReady()
		}
	}
}

func (rw *raftWorker) getPeerState(cache map[uint64]*peerState, regionID uint64) *peerState {
	if ps, ok := cache[regionID]; ok {
		return ps
	}
	ps := rw.pr.get(regionID)
	if ps != nil {
		cache[regionID] = ps
	}
	return ps
}

// applyWorker executes the committed entries handed over by the raft worker.
// The messages are already batched by raftCh, no extra batching is needed.
type applyWorker struct {
	pr      *router
	applyCh chan []message.Msg
	ctx     *GlobalContext
}

func newApplyWorker(ctx *GlobalContext, ch chan []message.Msg, pr *router) *applyWorker {
	return &applyWorker{
		pr:      pr,
		applyCh: ch,
		ctx:     ctx,
	}
}

func (aw *applyWorker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	aCtx := newApplyContext(aw.ctx.engine, aw.pr.peerSender)
	for {
		msgs := <-aw.applyCh
		if msgs == nil {
			return
		}
		for _, msg := range msgs {
			ps := aw.pr.get(msg.RegionID)
			if ps == nil {
				continue
			}
			ps.apply.handleTask(aCtx, msg)
		}
	}
}
