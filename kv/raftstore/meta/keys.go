package meta

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Local keys live below LocalPrefix and never collide with user data,
// which starts at 0x02 and above after prefixing. They are invisible to
// raft replication; each store maintains its own.
const (
	LocalPrefix byte = 0x01

	// Keys under RegionRaftPrefix live in the raft engine: log entries
	// and RaftLocalState, keyed by region id.
	RegionRaftPrefix byte = 0x02
	// Keys under RegionMetaPrefix live in the kv engine: RegionLocalState
	// and RaftApplyState, keyed by region id.
	RegionMetaPrefix byte = 0x03

	RegionRaftPrefixLen = 11 // REGION_RAFT_PREFIX_KEY + region_id + suffix
	RegionRaftLogLen    = 19 // REGION_RAFT_PREFIX_KEY + region_id + suffix + index

	// When a peer is newly created from a split or snapshot its log
	// starts above zero, forcing fresh followers to sync a snapshot
	// before receiving appends.
	RaftInitLogTerm  = 5
	RaftInitLogIndex = 5
)

var (
	MinKey           = []byte{}
	MaxKey           = []byte{255}
	LocalMinKey      = []byte{LocalPrefix}
	LocalMaxKey      = []byte{LocalPrefix + 1}
	RegionMetaMinKey = []byte{LocalPrefix, RegionMetaPrefix}
	RegionMetaMaxKey = []byte{LocalPrefix, RegionMetaPrefix + 1}

	// PrepareBootstrapKey marks an in-flight cluster bootstrap so a
	// crashed bootstrap can be resumed or rolled back.
	PrepareBootstrapKey = []byte{LocalPrefix, 0x01}
	// StoreIdentKey holds the store's cluster id and store id.
	StoreIdentKey = []byte{LocalPrefix, 0x02}
)

const (
	RaftLogSuffix           byte = 0x01
	RaftStateSuffix         byte = 0x02
	ApplyStateSuffix        byte = 0x03
	SnapshotRaftStateSuffix byte = 0x04

	RegionStateSuffix byte = 0x01
)

func makeRegionPrefix(regionID uint64, suffix byte) []byte {
	key := make([]byte, 11)
	key[0] = LocalPrefix
	key[1] = RegionRaftPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	key[10] = suffix
	return key
}

func makeRegionKey(regionID uint64, suffix byte, subID uint64) []byte {
	key := make([]byte, 19)
	key[0] = LocalPrefix
	key[1] = RegionRaftPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	key[10] = suffix
	binary.BigEndian.PutUint64(key[11:], subID)
	return key
}

func RegionRaftPrefixKey(regionID uint64) []byte {
	key := make([]byte, 10)
	key[0] = LocalPrefix
	key[1] = RegionRaftPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	return key
}

func RaftLogKey(regionID, index uint64) []byte {
	return makeRegionKey(regionID, RaftLogSuffix, index)
}

func RaftStateKey(regionID uint64) []byte {
	return makeRegionPrefix(regionID, RaftStateSuffix)
}

func ApplyStateKey(regionID uint64) []byte {
	return makeRegionPrefix(regionID, ApplyStateSuffix)
}

func SnapshotRaftStateKey(regionID uint64) []byte {
	return makeRegionPrefix(regionID, SnapshotRaftStateSuffix)
}

func IsRaftStateKey(key []byte) bool {
	return len(key) == 11 && key[0] == LocalPrefix && key[1] == RegionRaftPrefix
}

func DecodeRegionMetaKey(key []byte) (uint64, byte, error) {
	if len(RegionMetaMinKey)+8+1 != len(key) {
		return 0, 0, errors.Errorf("invalid region meta key length for key %v", key)
	}
	if key[0] != RegionMetaMinKey[0] || key[1] != RegionMetaMinKey[1] {
		return 0, 0, errors.Errorf("invalid region meta key prefix for key %v", key)
	}
	regionID := binary.BigEndian.Uint64(key[2:])
	return regionID, key[len(key)-1], nil
}

func RegionMetaPrefixKey(regionID uint64) []byte {
	key := make([]byte, 10)
	key[0] = LocalPrefix
	key[1] = RegionMetaPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	return key
}

func makeRegionMetaKey(regionID uint64, suffix byte) []byte {
	key := make([]byte, 11)
	key[0] = LocalPrefix
	key[1] = RegionMetaPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	key[10] = suffix
	return key
}

func RegionStateKey(regionID uint64) []byte {
	return makeRegionMetaKey(regionID, RegionStateSuffix)
}

// RaftLogIndex extracts the log index from a raft log key.
func RaftLogIndex(key []byte) (uint64, error) {
	if len(key) != RegionRaftLogLen {
		return 0, errors.Errorf("key %v is not a valid raft log key", key)
	}
	return binary.BigEndian.Uint64(key[RegionRaftLogLen-8:]), nil
}
