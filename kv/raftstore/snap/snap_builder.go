package snap

import (
	"github.com/Connor1996/badger"
	"github.com/Connor1996/badger/y"
	"github.com/pingcap/kvproto/pkg/metapb"

	"github.com/rangekv/rangekv/kv/util/engine_util"
)

// snapBuilder scans a region's range out of a db snapshot and writes
// one sst file per column family.
type snapBuilder struct {
	region  *metapb.Region
	txn     *badger.Txn
	cfs     []*cfSST
	kvCount int
	size    int
}

func newSnapBuilder(cfs []*cfSST, dbSnap *badger.Txn, region *metapb.Region) *snapBuilder {
	return &snapBuilder{
		region: region,
		cfs:    cfs,
		txn:    dbSnap,
	}
}

func (b *snapBuilder) build() error {
	defer b.txn.Discard()
	startKey, endKey := b.region.StartKey, b.region.EndKey

	for _, c := range b.cfs {
		it := engine_util.NewCFIterator(c.cf, b.txn)
		for it.Seek(startKey); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if engine_util.ExceedEndKey(key, endKey) {
				break
			}
			value, err := item.Value()
			if err != nil {
				it.Close()
				return err
			}
			cfKey := engine_util.KeyWithCF(c.cf, key)
			if err := c.sstWriter.Add(cfKey, y.ValueStruct{
				Value: value,
			}); err != nil {
				it.Close()
				return err
			}
			c.kvCount++
			c.size += uint64(len(cfKey) + len(value))
		}
		it.Close()
		b.kvCount += c.kvCount
		b.size += int(c.size)
	}
	return nil
}
