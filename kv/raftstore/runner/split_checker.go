package runner

import (
	"encoding/hex"

	"github.com/Connor1996/badger"
	"github.com/pingcap/kvproto/pkg/metapb"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/raftstore/message"
	"github.com/rangekv/rangekv/kv/raftstore/util"
	"github.com/rangekv/rangekv/kv/util/codec"
	"github.com/rangekv/rangekv/kv/util/engine_util"
	"github.com/rangekv/rangekv/kv/util/worker"
	"github.com/rangekv/rangekv/log"
)

type SplitCheckTask struct {
	Region *metapb.Region
}

type splitCheckHandler struct {
	engine  *badger.DB
	router  message.RaftRouter
	checker *sizeSplitChecker
}

func NewSplitCheckHandler(engine *badger.DB, router message.RaftRouter, conf *config.Config) *splitCheckHandler {
	return &splitCheckHandler{
		engine:  engine,
		router:  router,
		checker: newSizeSplitChecker(conf.RegionMaxSize, conf.RegionSplitSize),
	}
}

// Handle scans a region for a split key and, when one is found, asks the
// region's peer to start a split at it.
func (r *splitCheckHandler) Handle(t worker.Task) {
	task, ok := t.(*SplitCheckTask)
	if !ok {
		log.Errorf("unsupported worker task: %+v", t)
		return
	}
	region := task.Region
	regionID := region.Id
	log.Debugf("executing split check task: [regionId: %d, startKey: %s, endKey: %s]", regionID,
		hex.EncodeToString(region.StartKey), hex.EncodeToString(region.EndKey))
	key := r.scanSplitKey(regionID, region.StartKey, region.EndKey)
	if key == nil {
		log.Debugf("no need to send, split key not found: [regionId: %v]", regionID)
		return
	}
	if _, userKey, err := codec.DecodeBytes(key); err == nil {
		// Split on the user key boundary so every version of a key stays in
		// one region.
		key = codec.EncodeBytes(userKey)
	}
	err := r.router.Send(regionID, message.Msg{
		Type:     message.MsgTypeSplitRegion,
		RegionID: regionID,
		Data: &message.MsgSplitRegion{
			RegionEpoch: region.GetRegionEpoch(),
			SplitKey:    key,
		},
	})
	if err != nil {
		log.Warnf("failed to send check result: [regionId: %d, err: %v]", regionID, err)
	}
}

func (r *splitCheckHandler) scanSplitKey(regionID uint64, startKey, endKey []byte) []byte {
	txn := r.engine.NewTransaction(false)
	defer txn.Discard()

	r.checker.reset()
	it := engine_util.NewCFIterator(engine_util.CfDefault, txn)
	defer it.Close()
	for it.Seek(startKey); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		if engine_util.ExceedEndKey(key, endKey) {
			// Reaching the end means we sized the whole region, report it.
			r.router.Send(regionID, message.Msg{
				Type: message.MsgTypeRegionApproximateSize,
				Data: r.checker.currentSize,
			})
			break
		}
		if r.checker.onKv(key, item) {
			break
		}
	}
	return r.checker.splitKeyIfNeeded()
}

// sizeSplitChecker accumulates key/value sizes while scanning and remembers
// the first key past splitSize as the candidate split point.
type sizeSplitChecker struct {
	maxSize   uint64
	splitSize uint64

	currentSize uint64
	splitKey    []byte
}

func newSizeSplitChecker(maxSize, splitSize uint64) *sizeSplitChecker {
	return &sizeSplitChecker{
		maxSize:   maxSize,
		splitSize: splitSize,
	}
}

func (checker *sizeSplitChecker) reset() {
	checker.currentSize = 0
	checker.splitKey = nil
}

// onKv accounts one key/value pair and reports whether the scan can stop.
func (checker *sizeSplitChecker) onKv(key []byte, item engine_util.DBItem) bool {
	checker.currentSize += uint64(len(key)) + uint64(item.ValueSize())
	if checker.currentSize > checker.splitSize && checker.splitKey == nil {
		checker.splitKey = util.SafeCopy(key)
	}
	return checker.currentSize > checker.maxSize
}

// splitKeyIfNeeded returns the candidate only when the region actually
// outgrew maxSize; a region just over splitSize is left alone.
func (checker *sizeSplitChecker) splitKeyIfNeeded() []byte {
	if checker.currentSize < checker.maxSize {
		checker.splitKey = nil
	}
	return checker.splitKey
}
