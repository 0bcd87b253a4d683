package util

import (
	"testing"

	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	"github.com/stretchr/testify/assert"
)

func TestCheckKeyInRegion(t *testing.T) {
	type Case struct {
		Key        []byte
		StartKey   []byte
		EndKey     []byte
		IsInRegion bool
		Inclusive  bool
		Exclusive  bool
	}
	testCases := []Case{
		{Key: []byte{}, StartKey: []byte{}, EndKey: []byte{}, IsInRegion: true, Inclusive: true, Exclusive: false},
		{Key: []byte{}, StartKey: []byte{}, EndKey: []byte{6}, IsInRegion: true, Inclusive: true, Exclusive: false},
		{Key: []byte{}, StartKey: []byte{3}, EndKey: []byte{6}, IsInRegion: false, Inclusive: false, Exclusive: false},
		{Key: []byte{4}, StartKey: []byte{3}, EndKey: []byte{6}, IsInRegion: true, Inclusive: true, Exclusive: true},
		{Key: []byte{4}, StartKey: []byte{3}, EndKey: []byte{}, IsInRegion: true, Inclusive: true, Exclusive: true},
		{Key: []byte{3}, StartKey: []byte{3}, EndKey: []byte{}, IsInRegion: true, Inclusive: true, Exclusive: false},
		{Key: []byte{2}, StartKey: []byte{3}, EndKey: []byte{6}, IsInRegion: false, Inclusive: false, Exclusive: false},
		{Key: []byte{}, StartKey: []byte{3}, EndKey: []byte{}, IsInRegion: false, Inclusive: false, Exclusive: false},
		{Key: []byte{6}, StartKey: []byte{3}, EndKey: []byte{6}, IsInRegion: false, Inclusive: true, Exclusive: false},
	}
	for _, c := range testCases {
		region := new(metapb.Region)
		region.StartKey = c.StartKey
		region.EndKey = c.EndKey
		result := CheckKeyInRegion(c.Key, region)
		assert.Equal(t, c.IsInRegion, result == nil)
		result = CheckKeyInRegionInclusive(c.Key, region)
		assert.Equal(t, c.Inclusive, result == nil)
		result = CheckKeyInRegionExclusive(c.Key, region)
		assert.Equal(t, c.Exclusive, result == nil)
	}
}

func TestIsInitialMsg(t *testing.T) {
	type MsgInfo struct {
		MessageType  eraftpb.MessageType
		Commit       uint64
		IsInitialMsg bool
	}
	tbl := []MsgInfo{
		{MessageType: eraftpb.MessageType_MsgRequestVote, Commit: RaftInvalidIndex, IsInitialMsg: true},
		{MessageType: eraftpb.MessageType_MsgHeartbeat, Commit: RaftInvalidIndex, IsInitialMsg: true},
		{MessageType: eraftpb.MessageType_MsgHeartbeat, Commit: 100, IsInitialMsg: false},
		{MessageType: eraftpb.MessageType_MsgAppend, Commit: 100, IsInitialMsg: false},
	}
	for _, m := range tbl {
		msg := new(eraftpb.Message)
		msg.MsgType = m.MessageType
		msg.Commit = m.Commit
		assert.Equal(t, m.IsInitialMsg, IsInitialMsg(msg))
	}
}

func TestEpochStale(t *testing.T) {
	epoch := new(metapb.RegionEpoch)
	epoch.Version = 10
	epoch.ConfVer = 10

	type Ep struct {
		Version uint64
		ConfVer uint64
		IsStale bool
	}
	tbl := []Ep{
		{Version: 11, ConfVer: 10, IsStale: true},
		{Version: 10, ConfVer: 11, IsStale: true},
		{Version: 10, ConfVer: 10, IsStale: false},
		{Version: 10, ConfVer: 9, IsStale: false},
	}
	for _, e := range tbl {
		checkEpoch := new(metapb.RegionEpoch)
		checkEpoch.Version = e.Version
		checkEpoch.ConfVer = e.ConfVer
		assert.Equal(t, e.IsStale, IsEpochStale(epoch, checkEpoch))
	}
}

func TestCheckRegionEpoch(t *testing.T) {
	epoch := &metapb.RegionEpoch{ConfVer: 2, Version: 2}
	region := &metapb.Region{Id: 1, RegionEpoch: epoch}

	// Epoch-less requests fail the check.
	noEpoch := &raft_cmdpb.RaftCmdRequest{Header: &raft_cmdpb.RaftRequestHeader{}}
	assert.NotNil(t, CheckRegionEpoch(noEpoch, region, false))

	match := &raft_cmdpb.RaftCmdRequest{Header: &raft_cmdpb.RaftRequestHeader{
		RegionEpoch: &metapb.RegionEpoch{ConfVer: 2, Version: 2},
	}}
	assert.Nil(t, CheckRegionEpoch(match, region, false))

	stale := &raft_cmdpb.RaftCmdRequest{Header: &raft_cmdpb.RaftRequestHeader{
		RegionEpoch: &metapb.RegionEpoch{ConfVer: 2, Version: 1},
	}}
	err := CheckRegionEpoch(stale, region, true)
	assert.NotNil(t, err)
	epochErr, ok := err.(*ErrEpochNotMatch)
	assert.True(t, ok)
	assert.Len(t, epochErr.Regions, 1)

	// CompactLog skips the epoch check entirely.
	compact := &raft_cmdpb.RaftCmdRequest{
		Header: &raft_cmdpb.RaftRequestHeader{},
		AdminRequest: &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_CompactLog,
		},
	}
	assert.Nil(t, CheckRegionEpoch(compact, region, false))
}
