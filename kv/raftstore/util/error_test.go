package util

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/stretchr/testify/assert"
)

func TestRaftstoreErrToPbError(t *testing.T) {
	regionId := uint64(1)
	notLeader := &ErrNotLeader{RegionId: regionId, Leader: &metapb.Peer{}}
	pbErr := RaftstoreErrToPbError(notLeader)
	assert.NotNil(t, pbErr.NotLeader)
	assert.Equal(t, regionId, pbErr.NotLeader.RegionId)

	regionNotFound := &ErrRegionNotFound{RegionId: regionId}
	pbErr = RaftstoreErrToPbError(regionNotFound)
	assert.NotNil(t, pbErr.RegionNotFound)
	assert.Equal(t, regionId, pbErr.RegionNotFound.RegionId)

	region := &metapb.Region{Id: regionId, StartKey: []byte{0}, EndKey: []byte{1}}

	keyNotInRegion := &ErrKeyNotInRegion{Key: []byte{0}, Region: region}
	pbErr = RaftstoreErrToPbError(keyNotInRegion)
	assert.NotNil(t, pbErr.KeyNotInRegion)
	assert.Equal(t, []byte{0}, pbErr.KeyNotInRegion.StartKey)
	assert.Equal(t, []byte{1}, pbErr.KeyNotInRegion.EndKey)

	epochNotMatch := &ErrEpochNotMatch{Regions: []*metapb.Region{region}}
	pbErr = RaftstoreErrToPbError(epochNotMatch)
	assert.NotNil(t, pbErr.EpochNotMatch)
	assert.Equal(t, []*metapb.Region{region}, pbErr.EpochNotMatch.CurrentRegions)

	staleCommand := &ErrStaleCommand{}
	pbErr = RaftstoreErrToPbError(staleCommand)
	assert.NotNil(t, pbErr.StaleCommand)

	requestStoreId, actualStoreId := uint64(1), uint64(2)
	storeNotMatch := &ErrStoreNotMatch{RequestStoreId: requestStoreId, ActualStoreId: actualStoreId}
	pbErr = RaftstoreErrToPbError(storeNotMatch)
	assert.NotNil(t, pbErr.StoreNotMatch)
	assert.Equal(t, requestStoreId, pbErr.StoreNotMatch.RequestStoreId)
	assert.Equal(t, actualStoreId, pbErr.StoreNotMatch.ActualStoreId)

	// wrapped errors unwrap to the typed error
	wrapped := errors.Trace(notLeader)
	pbErr = RaftstoreErrToPbError(wrapped)
	assert.NotNil(t, pbErr.NotLeader)
}
