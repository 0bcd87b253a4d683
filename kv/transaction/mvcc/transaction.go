package mvcc

import (
	"bytes"

	"github.com/rangekv/rangekv/kv/storage"
	"github.com/rangekv/rangekv/kv/util/codec"
	"github.com/rangekv/rangekv/kv/util/engine_util"
)

// RoTxn reads a snapshot of the store at a fixed start timestamp.
type RoTxn struct {
	Reader  storage.StorageReader
	StartTS uint64
}

// MvccTxn buffers the writes of one transactional command on top of a
// RoTxn snapshot. It lowers timestamps, locks, and writes into plain
// keys and values; the buffered modifications are handed to the storage
// layer in one batch so the command applies atomically.
type MvccTxn struct {
	RoTxn
	writes []storage.Modify
}

func NewMvccTxn(reader storage.StorageReader, startTs uint64) *MvccTxn {
	return &MvccTxn{
		RoTxn: RoTxn{Reader: reader, StartTS: startTs},
	}
}

// Writes returns all changes buffered in this transaction.
func (txn *MvccTxn) Writes() []storage.Modify {
	return txn.writes
}

// PutWrite records a write on key at ts.
func (txn *MvccTxn) PutWrite(key []byte, ts uint64, write *Write) {
	txn.writes = append(txn.writes, storage.NewPut(engine_util.CfWrite, codec.EncodeKey(key, ts), write.ToBytes()))
}

// GetLock returns the lock on key, (nil, nil) when key is unlocked.
func (txn *RoTxn) GetLock(key []byte) (*Lock, error) {
	value, err := txn.Reader.GetCF(engine_util.CfLock, key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	return ParseLock(value)
}

// PutLock buffers a lock on key.
func (txn *MvccTxn) PutLock(key []byte, lock *Lock) {
	txn.writes = append(txn.writes, storage.NewPut(engine_util.CfLock, key, lock.ToBytes()))
}

// DeleteLock buffers the removal of the lock on key.
func (txn *MvccTxn) DeleteLock(key []byte) {
	txn.writes = append(txn.writes, storage.NewDelete(engine_util.CfLock, key))
}

// GetValue finds the value of key visible at this transaction's start
// timestamp, that is the most recent version committed before it started.
func (txn *RoTxn) GetValue(key []byte) ([]byte, error) {
	iter := txn.Reader.IterCF(engine_util.CfWrite)
	defer iter.Close()
	for iter.Seek(codec.EncodeKey(key, txn.StartTS)); iter.Valid(); iter.Next() {
		item := iter.Item()
		// Once the user key part changes we have run out of versions
		// without finding a put.
		if !bytes.Equal(codec.DecodeUserKey(item.Key()), key) {
			return nil, nil
		}
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		write, err := ParseWrite(value)
		if err != nil {
			return nil, err
		}
		switch write.Kind {
		case WriteKindPut:
			return txn.Reader.GetCF(engine_util.CfDefault, codec.EncodeKey(key, write.StartTS))
		case WriteKindDelete:
			return nil, nil
		case WriteKindRollback:
		}
	}
	return nil, nil
}

// getValue reads the value stored at exactly (key, ts), without searching.
func (txn *RoTxn) getValue(key []byte, ts uint64) ([]byte, error) {
	return txn.Reader.GetCF(engine_util.CfDefault, codec.EncodeKey(key, ts))
}

// PutValue buffers a value for key at this transaction's start timestamp.
func (txn *MvccTxn) PutValue(key []byte, value []byte) {
	txn.writes = append(txn.writes, storage.NewPut(engine_util.CfDefault, codec.EncodeKey(key, txn.StartTS), value))
}

// DeleteValue buffers the removal of the value of key at this
// transaction's start timestamp.
func (txn *MvccTxn) DeleteValue(key []byte) {
	txn.writes = append(txn.writes, storage.NewDelete(engine_util.CfDefault, codec.EncodeKey(key, txn.StartTS)))
}

// CurrentWrite searches for a write on key by this transaction. It
// returns the write and its commit timestamp, or (nil, 0, nil) when the
// transaction never wrote key.
func (txn *RoTxn) CurrentWrite(key []byte) (*Write, uint64, error) {
	seekTs := TsMax
	for {
		write, commitTs, err := txn.mostRecentWriteBefore(key, seekTs)
		if err != nil {
			return nil, 0, err
		}
		if write == nil {
			return nil, 0, nil
		}
		if write.StartTS == txn.StartTS {
			return write, commitTs, nil
		}
		if commitTs <= txn.StartTS {
			return nil, 0, nil
		}
		seekTs = commitTs - 1
	}
}

// MostRecentWrite finds the latest write on key, at any timestamp.
func (txn *RoTxn) MostRecentWrite(key []byte) (*Write, uint64, error) {
	return txn.mostRecentWriteBefore(key, TsMax)
}

// mostRecentWriteBefore finds the write on key with the largest commit
// timestamp <= ts.
func (txn *RoTxn) mostRecentWriteBefore(key []byte, ts uint64) (*Write, uint64, error) {
	iter := txn.Reader.IterCF(engine_util.CfWrite)
	defer iter.Close()
	iter.Seek(codec.EncodeKey(key, ts))
	if !iter.Valid() {
		return nil, 0, nil
	}
	item := iter.Item()
	if !bytes.Equal(codec.DecodeUserKey(item.Key()), key) {
		return nil, 0, nil
	}
	commitTs := codec.DecodeTs(item.Key())
	value, err := item.Value()
	if err != nil {
		return nil, 0, err
	}
	write, err := ParseWrite(value)
	if err != nil {
		return nil, 0, err
	}
	return write, commitTs, nil
}
