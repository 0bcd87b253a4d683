package snap

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sync/atomic"
	"testing"

	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangekv/rangekv/kv/util/engine_util"
)

var (
	snapTestKey     = []byte("tkey")
	regionTestBegin = []byte("ta")
	regionTestEnd   = []byte("tz")
)

type dummyDeleter struct{}

func (d *dummyDeleter) DeleteSnapshot(key SnapKey, snapshot Snapshot, checkEntry bool) bool {
	snapshot.Delete()
	return true
}

func openDB(t *testing.T, dir string) *badger.DB {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	require.Nil(t, err)
	return db
}

// seedTestData writes one key to every column family.
func seedTestData(t *testing.T, db *badger.DB) {
	wb := new(engine_util.WriteBatch)
	value := make([]byte, 32)
	wb.SetCF(engine_util.CfDefault, snapTestKey, value)
	wb.SetCF(engine_util.CfWrite, snapTestKey, value)
	wb.SetCF(engine_util.CfLock, snapTestKey, value)
	require.Nil(t, wb.WriteToDB(db))
}

func countRegionKeys(t *testing.T, db *badger.DB) int {
	count := 0
	err := db.View(func(txn *badger.Txn) error {
		for _, cf := range engine_util.CFs {
			it := engine_util.NewCFIterator(cf, txn)
			defer it.Close()
			for it.Seek(regionTestBegin); it.Valid(); it.Next() {
				if bytes.Compare(it.Item().Key(), regionTestEnd) >= 0 {
					break
				}
				count++
			}
		}
		return nil
	})
	assert.Nil(t, err)
	return count
}

func genTestRegion(regionID, storeID, peerID uint64) *metapb.Region {
	return &metapb.Region{
		Id:       regionID,
		StartKey: regionTestBegin,
		EndKey:   regionTestEnd,
		RegionEpoch: &metapb.RegionEpoch{
			Version: 1,
			ConfVer: 1,
		},
		Peers: []*metapb.Peer{
			{StoreId: storeID, Id: peerID},
		},
	}
}

func requireSameValues(t *testing.T, expected, actual *badger.DB) {
	for _, cf := range engine_util.CFs {
		assert.Equal(t, mustGetValue(t, expected, cf, snapTestKey), mustGetValue(t, actual, cf, snapTestKey))
	}
}

func mustGetValue(t *testing.T, db *badger.DB, cf string, key []byte) []byte {
	val, err := engine_util.GetCF(db, cf, key)
	require.Nil(t, err, string(key))
	return val
}

func TestSnapGenMeta(t *testing.T) {
	cfs := make([]*cfSST, 0, len(engine_util.CFs))
	for i, cf := range engine_util.CFs {
		cfs = append(cfs, &cfSST{
			cf:       cf,
			size:     100 * uint64(i+1),
			checksum: 1000 * uint32(i+1),
		})
	}
	meta, err := buildMetaProto(cfs)
	require.Nil(t, err)
	for i, entry := range meta.CfFiles {
		assert.Equal(t, cfs[i].cf, entry.Cf)
		assert.Equal(t, cfs[i].size, entry.Size_)
		assert.Equal(t, cfs[i].checksum, entry.Checksum)
	}
}

func TestSnapDisplayPath(t *testing.T) {
	dir, err := ioutil.TempDir("", "snapshot")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	key := &SnapKey{1, 1, 2}
	prefix := fmt.Sprintf("%s_%s", prefixGenerated, key)
	assert.NotEqual(t, "", displayName(dir, prefix))
}

func TestSnapFile(t *testing.T) {
	doTestSnapFile(t, true)
	doTestSnapFile(t, false)
}

// doTestSnapFile walks a snapshot through its whole life: built from a
// DB, read for sending, written while receiving, applied to another DB,
// with the shared size counter checked at every stage.
func doTestSnapFile(t *testing.T, dbHasData bool) {
	regionID := uint64(1)
	region := genTestRegion(regionID, 1, 1)
	dir, err := ioutil.TempDir("", "snapshot")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	db := openDB(t, dir)
	if dbHasData {
		seedTestData(t, db)
	}

	snapDir, err := ioutil.TempDir("", "snapshot")
	require.Nil(t, err)
	defer os.RemoveAll(snapDir)
	key := SnapKey{RegionID: regionID, Term: 1, Index: 1}
	sizeTrack := new(int64)
	deleter := &dummyDeleter{}
	built, err := NewSnapForBuilding(snapDir, key, sizeTrack, deleter)
	require.Nil(t, err)
	// Nothing on disk yet.
	assert.False(t, built.Exists())
	assert.Equal(t, int64(0), atomic.LoadInt64(sizeTrack))

	snapData := new(rspb.RaftSnapshotData)
	snapData.Region = region
	stat := new(SnapStatistics)
	assert.Nil(t, built.Build(db.NewTransaction(false), region, snapData, stat, deleter))

	assert.True(t, built.Exists())
	size := atomic.LoadInt64(sizeTrack)
	assert.Equal(t, int64(built.TotalSize()), size)
	assert.Equal(t, int64(stat.Size), size)
	if dbHasData {
		assert.Equal(t, 3, countRegionKeys(t, db))
		assert.Equal(t, 3, stat.KVCount)
	}

	sending, err := NewSnapForSending(snapDir, key, sizeTrack, deleter)
	require.Nil(t, err, errors.ErrorStack(err))
	assert.True(t, sending.Exists())

	dstDir, err := ioutil.TempDir("", "snapshot")
	require.Nil(t, err)
	defer os.RemoveAll(dstDir)

	receiving, err := NewSnapForReceiving(dstDir, key, snapData.Meta, sizeTrack, deleter)
	require.Nil(t, err)
	assert.False(t, receiving.Exists())

	// Stream the data across; the receiver only exists after Save.
	copySize, err := io.Copy(receiving, sending)
	require.Nil(t, err)
	assert.Equal(t, size, copySize)
	assert.False(t, receiving.Exists())
	assert.Nil(t, receiving.Save())
	assert.True(t, receiving.Exists())

	// Both copies count against the shared size tracker now.
	assert.Equal(t, size*2, atomic.LoadInt64(sizeTrack))

	// Deleting the source releases its share.
	sending.Delete()
	assert.False(t, sending.Exists())
	assert.False(t, built.Exists())
	assert.Equal(t, size, atomic.LoadInt64(sizeTrack))

	applying, err := NewSnapForApplying(dstDir, key, sizeTrack, deleter)
	require.Nil(t, err)
	assert.True(t, applying.Exists())

	dstDBDir, err := ioutil.TempDir("", "snapshot")
	require.Nil(t, err)
	defer os.RemoveAll(dstDBDir)

	dstDB := openDB(t, dstDBDir)
	err = applying.Apply(ApplyOptions{
		DB:     dstDB,
		Region: region,
	})
	require.Nil(t, err, errors.ErrorStack(err))

	applying.Delete()
	assert.False(t, applying.Exists())
	assert.False(t, receiving.Exists())
	assert.Equal(t, int64(0), atomic.LoadInt64(sizeTrack))

	if dbHasData {
		requireSameValues(t, db, dstDB)
	}
}
