package storage

import (
	"bytes"
	"fmt"

	"github.com/Connor1996/badger/y"
	"github.com/petar/GoLLRB/llrb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/rangekv/rangekv/kv/util/engine_util"
)

// MemStorage is a Storage backed by memory for testing. Data is not written
// to disk, nor sent to other nodes.
type MemStorage struct {
	CfDefault *llrb.LLRB
	CfLock    *llrb.LLRB
	CfWrite   *llrb.LLRB
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		CfDefault: llrb.New(),
		CfLock:    llrb.New(),
		CfWrite:   llrb.New(),
	}
}

func (s *MemStorage) tree(cf string) *llrb.LLRB {
	switch cf {
	case engine_util.CfDefault:
		return s.CfDefault
	case engine_util.CfLock:
		return s.CfLock
	case engine_util.CfWrite:
		return s.CfWrite
	}
	return nil
}

func (s *MemStorage) Start() error {
	return nil
}

func (s *MemStorage) Stop() error {
	return nil
}

func (s *MemStorage) Reader(ctx *kvrpcpb.Context) (StorageReader, error) {
	return &memReader{s}, nil
}

func (s *MemStorage) Write(ctx *kvrpcpb.Context, batch []Modify) error {
	for _, m := range batch {
		switch m.Type {
		case ModifyTypePut:
			put := m.Data.(Put)
			if t := s.tree(put.Cf); t != nil {
				t.ReplaceOrInsert(memItem{put.Key, put.Value, false})
			}
		case ModifyTypeDelete:
			del := m.Data.(Delete)
			if t := s.tree(del.Cf); t != nil {
				t.Delete(memItem{key: del.Key})
			}
		}
	}
	return nil
}

func (s *MemStorage) Get(cf string, key []byte) []byte {
	t := s.tree(cf)
	if t == nil {
		return nil
	}
	found := t.Get(memItem{key: key})
	if found == nil {
		return nil
	}
	return found.(memItem).value
}

func (s *MemStorage) Set(cf string, key []byte, value []byte) {
	if t := s.tree(cf); t != nil {
		t.ReplaceOrInsert(memItem{key, value, true})
	}
}

// HasChanged reports whether the key was touched by a Write since it was
// last Set directly.
func (s *MemStorage) HasChanged(cf string, key []byte) bool {
	t := s.tree(cf)
	if t == nil {
		return true
	}
	found := t.Get(memItem{key: key})
	if found == nil {
		return true
	}
	return !found.(memItem).fresh
}

func (s *MemStorage) Len(cf string) int {
	if t := s.tree(cf); t != nil {
		return t.Len()
	}
	return -1
}

// memReader is a StorageReader over a MemStorage.
type memReader struct {
	inner *MemStorage
}

func (mr *memReader) GetCF(cf string, key []byte) ([]byte, error) {
	t := mr.inner.tree(cf)
	if t == nil {
		return nil, fmt.Errorf("mem-storage: bad CF %s", cf)
	}
	found := t.Get(memItem{key: key})
	if found == nil {
		return nil, nil
	}
	return found.(memItem).value, nil
}

func (mr *memReader) IterCF(cf string) engine_util.DBIterator {
	t := mr.inner.tree(cf)
	if t == nil {
		return nil
	}
	first := t.Min()
	if first == nil {
		return &memIter{t, memItem{}}
	}
	return &memIter{t, first.(memItem)}
}

func (mr *memReader) Close() {}

type memIter struct {
	data *llrb.LLRB
	item memItem
}

func (it *memIter) Item() engine_util.DBItem {
	return it.item
}

func (it *memIter) Valid() bool {
	return it.item.key != nil
}

func (it *memIter) Next() {
	from := it.item
	it.item = memItem{}
	skippedSelf := false
	it.data.AscendGreaterOrEqual(from, func(item llrb.Item) bool {
		// The ascent starts at the current item itself.
		if !skippedSelf {
			skippedSelf = true
			return true
		}
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Seek(key []byte) {
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(memItem{key: key}, func(item llrb.Item) bool {
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Close() {}

type memItem struct {
	key   []byte
	value []byte
	fresh bool
}

func (it memItem) Key() []byte {
	return it.key
}

func (it memItem) KeyCopy(dst []byte) []byte {
	return y.SafeCopy(dst, it.key)
}

func (it memItem) Value() ([]byte, error) {
	return it.value, nil
}

func (it memItem) ValueSize() int {
	return len(it.value)
}

func (it memItem) ValueCopy(dst []byte) ([]byte, error) {
	return y.SafeCopy(dst, it.value), nil
}

func (it memItem) Less(than llrb.Item) bool {
	return bytes.Compare(it.key, than.(memItem).key) < 0
}
