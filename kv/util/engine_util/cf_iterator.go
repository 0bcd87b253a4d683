package engine_util

import (
	"github.com/Connor1996/badger"
)

// DBIterator is the iteration surface handed out by storage readers so
// callers do not depend on badger types directly.
type DBIterator interface {
	// Item returns the current key-value pair.
	Item() DBItem
	// Valid returns false when iteration is done.
	Valid() bool
	// Next advances the iterator. Check Valid() afterwards before
	// touching Item().
	Next()
	// Seek positions the iterator at the first key >= the given key.
	Seek([]byte)
	// Close releases the iterator.
	Close()
}

type DBItem interface {
	// Key returns the key with the column family prefix stripped.
	Key() []byte
	// KeyCopy copies the stripped key into dst, allocating when dst is
	// nil or too small.
	KeyCopy(dst []byte) []byte
	// Value retrieves the value of the item.
	Value() ([]byte, error)
	// ValueSize returns the size of the value.
	ValueSize() int
	// ValueCopy copies the value into dst, allocating when dst is nil
	// or too small.
	ValueCopy(dst []byte) ([]byte, error)
}

// CFItem wraps a badger item, hiding the column family prefix from the
// returned keys.
type CFItem struct {
	item      *badger.Item
	prefixLen int
}

func (i *CFItem) String() string {
	return i.item.String()
}

func (i *CFItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *CFItem) KeyCopy(dst []byte) []byte {
	return i.item.KeyCopy(dst)[i.prefixLen:]
}

func (i *CFItem) Value() ([]byte, error) {
	return i.item.Value()
}

func (i *CFItem) ValueSize() int {
	return i.item.ValueSize()
}

func (i *CFItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}

func (i *CFItem) IsDeleted() bool {
	return i.item.IsDeleted()
}

func (i *CFItem) EstimatedSize() int64 {
	return i.item.EstimatedSize()
}

func (i *CFItem) UserMeta() []byte {
	return i.item.UserMeta()
}

// BadgerIterator iterates a single column family of a badger
// transaction.
type BadgerIterator struct {
	iter   *badger.Iterator
	prefix string
}

func NewCFIterator(cf string, txn *badger.Txn) *BadgerIterator {
	return &BadgerIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: cf + "_",
	}
}

func (it *BadgerIterator) Item() DBItem {
	return &CFItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *BadgerIterator) Valid() bool {
	return it.iter.ValidForPrefix([]byte(it.prefix))
}

func (it *BadgerIterator) Next() {
	it.iter.Next()
}

func (it *BadgerIterator) Seek(key []byte) {
	it.iter.Seek(append([]byte(it.prefix), key...))
}

func (it *BadgerIterator) Rewind() {
	it.iter.Rewind()
}

func (it *BadgerIterator) Close() {
	it.iter.Close()
}
