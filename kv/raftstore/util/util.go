package util

import (
	"bytes"
	"fmt"

	"github.com/golang/protobuf/proto"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"

	"github.com/rangekv/rangekv/kv/raftstore/meta"
	"github.com/rangekv/rangekv/log"
)

const RaftInvalidIndex uint64 = 0
const InvalidID uint64 = 0

// IsInitialMsg checks whether the message may initialize a new peer.
// Two cases qualify:
//  1. the target peer already exists but has not yet heard from the
//     leader,
//  2. the target peer was just added by a conf change or region split
//     and has not been created locally.
//
// RequestVote and the initial Heartbeat carry no log state, so the
// receiving store can create an uninitialized peer and wait for a
// snapshot.
func IsInitialMsg(msg *eraftpb.Message) bool {
	return msg.MsgType == eraftpb.MessageType_MsgRequestVote ||
		// the peer has not been known to this leader, it may exist or not.
		(msg.MsgType == eraftpb.MessageType_MsgHeartbeat && msg.Commit == RaftInvalidIndex)
}

// CheckKeyInRegion checks that key is in [startKey, endKey).
func CheckKeyInRegion(key []byte, region *metapb.Region) error {
	if bytes.Compare(key, region.StartKey) < 0 {
		return &ErrKeyNotInRegion{Key: key, Region: region}
	}
	if len(region.EndKey) > 0 && bytes.Compare(key, region.EndKey) >= 0 {
		return &ErrKeyNotInRegion{Key: key, Region: region}
	}
	return nil
}

// CheckKeyInRegionExclusive checks that key is in (startKey, endKey).
func CheckKeyInRegionExclusive(key []byte, region *metapb.Region) error {
	if bytes.Compare(key, region.StartKey) <= 0 {
		return &ErrKeyNotInRegion{Key: key, Region: region}
	}
	if len(region.EndKey) > 0 && bytes.Compare(key, region.EndKey) >= 0 {
		return &ErrKeyNotInRegion{Key: key, Region: region}
	}
	return nil
}

// CheckKeyInRegionInclusive checks that key is in [startKey, endKey].
func CheckKeyInRegionInclusive(key []byte, region *metapb.Region) error {
	if bytes.Compare(key, region.StartKey) < 0 {
		return &ErrKeyNotInRegion{Key: key, Region: region}
	}
	if len(region.EndKey) > 0 && bytes.Compare(key, region.EndKey) > 0 {
		return &ErrKeyNotInRegion{Key: key, Region: region}
	}
	return nil
}

// IsEpochStale reports whether epoch is staler than checkEpoch.
func IsEpochStale(epoch *metapb.RegionEpoch, checkEpoch *metapb.RegionEpoch) bool {
	return epoch.Version < checkEpoch.Version || epoch.ConfVer < checkEpoch.ConfVer
}

func IsVoteMessage(msg *eraftpb.Message) bool {
	return msg.GetMsgType() == eraftpb.MessageType_MsgRequestVote
}

// IsFirstVoteMessage checks whether this is the first vote message of a
// freshly started peer. When such a message arrives for an unknown
// region overlapping existing ones, it is parked instead of spawning a
// peer.
func IsFirstVoteMessage(msg *eraftpb.Message) bool {
	return IsVoteMessage(msg) && msg.Term == meta.RaftInitLogTerm+1
}

func CheckRegionEpoch(req *raft_cmdpb.RaftCmdRequest, region *metapb.Region, includeRegion bool) error {
	var checkVer, checkConfVer bool
	switch {
	case req.AdminRequest == nil:
		checkVer = true
	default:
		switch req.AdminRequest.CmdType {
		case raft_cmdpb.AdminCmdType_CompactLog, raft_cmdpb.AdminCmdType_InvalidAdmin:
		case raft_cmdpb.AdminCmdType_ChangePeer:
			checkConfVer = true
		case raft_cmdpb.AdminCmdType_Split, raft_cmdpb.AdminCmdType_BatchSplit,
			raft_cmdpb.AdminCmdType_TransferLeader, raft_cmdpb.AdminCmdType_PrepareMerge,
			raft_cmdpb.AdminCmdType_CommitMerge, raft_cmdpb.AdminCmdType_RollbackMerge:
			checkVer = true
			checkConfVer = true
		}
	}
	if !checkVer && !checkConfVer {
		return nil
	}

	if req.Header == nil {
		return fmt.Errorf("missing header")
	}
	if req.Header.RegionEpoch == nil {
		return fmt.Errorf("missing epoch")
	}

	fromEpoch := req.Header.RegionEpoch
	currentEpoch := region.RegionEpoch

	// Epochs must match exactly. A request built against a newer epoch
	// than this peer has applied (possible around merges) must be denied
	// too, or it could read a stale snapshot.
	mismatch := (checkConfVer && fromEpoch.ConfVer != currentEpoch.ConfVer) ||
		(checkVer && fromEpoch.Version != currentEpoch.Version)
	if !mismatch {
		return nil
	}

	log.Debugf("epoch not match, region id %v, from epoch %v, current epoch %v",
		region.Id, fromEpoch, currentEpoch)
	regions := []*metapb.Region{}
	if includeRegion {
		regions = []*metapb.Region{region}
	}
	return &ErrEpochNotMatch{Message: fmt.Sprintf("current epoch of region %v is %v, but you sent %v",
		region.Id, currentEpoch, fromEpoch), Regions: regions}
}

func FindPeer(region *metapb.Region, storeID uint64) *metapb.Peer {
	for _, peer := range region.Peers {
		if peer.StoreId == storeID {
			return peer
		}
	}
	return nil
}

func FindPeerByID(region *metapb.Region, peerID uint64) *metapb.Peer {
	for _, peer := range region.Peers {
		if peer.Id == peerID {
			return peer
		}
	}
	return nil
}

func RemovePeer(region *metapb.Region, storeID uint64) *metapb.Peer {
	for i, peer := range region.Peers {
		if peer.StoreId == storeID {
			region.Peers = append(region.Peers[:i], region.Peers[i+1:]...)
			return peer
		}
	}
	return nil
}

func ConfStateFromRegion(region *metapb.Region) (confState eraftpb.ConfState) {
	for _, p := range region.Peers {
		confState.Nodes = append(confState.Nodes, p.GetId())
	}
	return
}

func CheckStoreID(req *raft_cmdpb.RaftCmdRequest, storeID uint64) error {
	peer := req.Header.Peer
	if peer.StoreId == storeID {
		return nil
	}
	return errors.Errorf("store not match %d %d", peer.StoreId, storeID)
}

func CheckTerm(req *raft_cmdpb.RaftCmdRequest, term uint64) error {
	header := req.Header
	if header.Term == 0 || term <= header.Term+1 {
		return nil
	}
	// If the header's term is two versions behind the current term,
	// leadership may have changed away.
	return &ErrStaleCommand{}
}

func CheckPeerID(req *raft_cmdpb.RaftCmdRequest, peerID uint64) error {
	peer := req.Header.Peer
	if peer.Id == peerID {
		return nil
	}
	return errors.Errorf("mismatch peer id %d != %d", peer.Id, peerID)
}

func CloneMsg(origin, cloned proto.Message) error {
	data, err := proto.Marshal(origin)
	if err != nil {
		return err
	}
	return proto.Unmarshal(data, cloned)
}

func SafeCopy(b []byte) []byte {
	return append([]byte{}, b...)
}

func PeerEqual(l, r *metapb.Peer) bool {
	return l.Id == r.Id && l.StoreId == r.StoreId
}

func RegionEqual(l, r *metapb.Region) bool {
	if l == nil || r == nil {
		return false
	}
	return l.Id == r.Id && l.RegionEpoch.Version == r.RegionEpoch.Version && l.RegionEpoch.ConfVer == r.RegionEpoch.ConfVer
}
