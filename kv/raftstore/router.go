package raftstore

import (
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/rangekv/rangekv/kv/raftstore/message"
)

var errPeerNotFound = errors.New("peer not found")

// peerState pairs a peer with its applier; the closed flag fences off
// messages racing with destruction.
type peerState struct {
	closed *atomic.Bool
	peer   *peer
	apply  *applier
}

// router dispatches messages either to a region's peer or to the store.
type router struct {
	peers       sync.Map // regionID -> *peerState
	peerSender  chan message.Msg
	storeSender chan<- message.Msg
}

func newRouter(storeSender chan<- message.Msg) *router {
	return &router{
		peerSender:  make(chan message.Msg, 40960),
		storeSender: storeSender,
	}
}

func (pr *router) get(regionID uint64) *peerState {
	if v, ok := pr.peers.Load(regionID); ok {
		return v.(*peerState)
	}
	return nil
}

func (pr *router) register(peer *peer) {
	pr.peers.Store(peer.regionId, &peerState{
		closed: atomic.NewBool(false),
		peer:   peer,
		apply:  newApplierFromPeer(peer),
	})
}

func (pr *router) close(regionID uint64) {
	if v, ok := pr.peers.Load(regionID); ok {
		v.(*peerState).closed.Store(true)
		pr.peers.Delete(regionID)
	}
}

func (pr *router) send(regionID uint64, msg message.Msg) error {
	msg.RegionID = regionID
	p := pr.get(regionID)
	if p == nil || p.closed.Load() {
		return errPeerNotFound
	}
	pr.peerSender <- msg
	return nil
}

func (pr *router) sendStore(msg message.Msg) {
	pr.storeSender <- msg
}
