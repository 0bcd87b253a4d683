package raftstore

import (
	"time"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/raftstore/message"
)

// ticker multiplexes several logical timers onto one advancing counter.
// Each schedule fires when the counter reaches its runAt mark and must be
// re-armed by its handler.
type ticker struct {
	regionID  uint64
	tick      int64
	schedules []tickSchedule
}

type tickSchedule struct {
	runAt    int64
	interval int64
}

func newTicker(regionID uint64, cfg *config.Config) *ticker {
	base := cfg.RaftBaseTickInterval
	t := &ticker{
		regionID:  regionID,
		schedules: make([]tickSchedule, 6),
	}
	t.setInterval(int(PeerTickRaft), 1)
	t.setInterval(int(PeerTickRaftLogGC), int64(cfg.RaftLogGCTickInterval/base))
	t.setInterval(int(PeerTickSplitRegionCheck), int64(cfg.SplitRegionCheckTickInterval/base))
	t.setInterval(int(PeerTickSchedulerHeartbeat), int64(cfg.SchedulerHeartbeatTickInterval/base))
	return t
}

const SnapMgrGcTickInterval = 1 * time.Minute

func newStoreTicker(cfg *config.Config) *ticker {
	base := cfg.RaftBaseTickInterval
	t := &ticker{
		schedules: make([]tickSchedule, 4),
	}
	t.setInterval(int(StoreTickSchedulerStoreHeartbeat), int64(cfg.SchedulerStoreHeartbeatTickInterval/base))
	t.setInterval(int(StoreTickSnapGC), int64(SnapMgrGcTickInterval/base))
	return t
}

func (t *ticker) setInterval(slot int, interval int64) {
	t.schedules[slot].interval = interval
}

// tickClock advances the counter; called once per tick message.
func (t *ticker) tickClock() {
	t.tick++
}

func (t *ticker) arm(slot int) {
	sched := &t.schedules[slot]
	if sched.interval <= 0 {
		sched.runAt = -1
		return
	}
	sched.runAt = t.tick + sched.interval
}

func (t *ticker) schedule(tp PeerTick) {
	t.arm(int(tp))
}

func (t *ticker) isOnTick(tp PeerTick) bool {
	return t.schedules[int(tp)].runAt == t.tick
}

func (t *ticker) isOnStoreTick(tp StoreTick) bool {
	return t.schedules[int(tp)].runAt == t.tick
}

func (t *ticker) scheduleStore(tp StoreTick) {
	t.arm(int(tp))
}

// tickDriver drives the base tick of all peers and the store. Peer tickers
// derive their own slower schedules from the base tick count.
type tickDriver struct {
	baseTickInterval time.Duration
	newRegionCh      chan uint64
	regions          map[uint64]struct{}
	router           *router
	storeTicker      *ticker
}

func newTickDriver(baseTickInterval time.Duration, router *router, storeTicker *ticker) *tickDriver {
	return &tickDriver{
		baseTickInterval: baseTickInterval,
		newRegionCh:      make(chan uint64),
		regions:          make(map[uint64]struct{}),
		router:           router,
		storeTicker:      storeTicker,
	}
}

func (r *tickDriver) run() {
	timer := time.Tick(r.baseTickInterval)
	for {
		select {
		case <-timer:
			for regionID := range r.regions {
				// A failed send means the peer is gone; forget it.
				if r.router.send(regionID, message.NewPeerMsg(message.MsgTypeTick, regionID, nil)) != nil {
					delete(r.regions, regionID)
				}
			}
			r.tickStore()
		case regionID, ok := <-r.newRegionCh:
			if !ok {
				return
			}
			r.regions[regionID] = struct{}{}
		}
	}
}

func (r *tickDriver) stop() {
	close(r.newRegionCh)
}

func (r *tickDriver) tickStore() {
	r.storeTicker.tickClock()
	for i := range r.storeTicker.schedules {
		if r.storeTicker.isOnStoreTick(StoreTick(i)) {
			r.router.sendStore(message.NewMsg(message.MsgTypeStoreTick, StoreTick(i)))
		}
	}
}
