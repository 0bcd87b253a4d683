package mvcc

import (
	"bytes"
	"encoding/binary"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/rangekv/rangekv/kv/util/engine_util"
)

// TsMax is the largest timestamp; used to read the newest version of a key
// and as the start timestamp of point-in-time reads that must see locks on
// the primary only.
const TsMax uint64 = ^uint64(0)

// tsoPhysicalShiftBits is the number of low bits of a timestamp reserved
// for the logical counter; the rest is wall-clock milliseconds.
const tsoPhysicalShiftBits = 18

// PhysicalTime extracts the wall-clock milliseconds from a timestamp.
func PhysicalTime(ts uint64) uint64 {
	return ts >> tsoPhysicalShiftBits
}

// Lock is an uncommitted write on one key. A serialized Lock lives in the
// lock CF under the plain user key while its transaction is in flight.
type Lock struct {
	Primary []byte
	Ts      uint64
	Ttl     uint64
	Kind    WriteKind
}

// KlPair pairs a key with the lock found on it.
type KlPair struct {
	Key  []byte
	Lock *Lock
}

// Info builds the LockInfo reported to clients that run into this lock.
func (lock *Lock) Info(key []byte) *kvrpcpb.LockInfo {
	return &kvrpcpb.LockInfo{
		Key:         key,
		LockVersion: lock.Ts,
		PrimaryLock: lock.Primary,
		LockTtl:     lock.Ttl,
	}
}

func (lock *Lock) ToBytes() []byte {
	// Appending to lock.Primary directly could scribble over the
	// caller's slice when it has spare capacity.
	buf := make([]byte, 0, len(lock.Primary)+17)
	buf = append(buf, lock.Primary...)
	buf = append(buf, byte(lock.Kind))
	buf = append(buf, make([]byte, 16)...)
	binary.BigEndian.PutUint64(buf[len(lock.Primary)+1:], lock.Ts)
	binary.BigEndian.PutUint64(buf[len(lock.Primary)+9:], lock.Ttl)
	return buf
}

// ParseLock attempts to parse a byte string into a Lock object.
func ParseLock(input []byte) (*Lock, error) {
	if len(input) <= 16 {
		return nil, errors.Errorf("mvcc: error parsing lock, not enough input, found %d bytes", len(input))
	}

	primaryLen := len(input) - 17
	primary := input[:primaryLen]
	kind := WriteKind(input[primaryLen])
	ts := binary.BigEndian.Uint64(input[primaryLen+1:])
	ttl := binary.BigEndian.Uint64(input[primaryLen+9:])

	return &Lock{Primary: primary, Ts: ts, Ttl: ttl, Kind: kind}, nil
}

// IsLockedFor reports whether this lock blocks a read at txnStartTs on
// key. A read at TsMax only observes locks on their primary key, so that
// resolving by primary is always possible.
func (lock *Lock) IsLockedFor(key []byte, txnStartTs uint64) bool {
	if lock == nil {
		return false
	}
	if txnStartTs == TsMax && !bytes.Equal(key, lock.Primary) {
		return false
	}
	return lock.Ts <= txnStartTs
}

// AllLocksForTxn scans the lock CF and returns every lock belonging to
// the transaction that txn reads at.
func AllLocksForTxn(txn *RoTxn) ([]KlPair, error) {
	iter := txn.Reader.IterCF(engine_util.CfLock)
	defer iter.Close()
	var result []KlPair
	for ; iter.Valid(); iter.Next() {
		item := iter.Item()
		val, err := item.Value()
		if err != nil {
			return nil, err
		}
		lock, err := ParseLock(val)
		if err != nil {
			return nil, err
		}
		if lock.Ts == txn.StartTS {
			result = append(result, KlPair{item.KeyCopy(nil), lock})
		}
	}
	return result, nil
}
