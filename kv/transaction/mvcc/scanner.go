package mvcc

import (
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/rangekv/rangekv/kv/util/codec"
	"github.com/rangekv/rangekv/kv/util/engine_util"
)

// Scanner reads sequential user key/value pairs from the snapshot of a
// RoTxn, skipping versions the transaction must not see.
// Invariant: either the scanner is exhausted, or the underlying iterator
// is positioned on a write CF entry not yet examined.
type Scanner struct {
	writeIter engine_util.DBIterator
	txn       *RoTxn
}

// NewScanner creates a scanner positioned on the first version at or
// after startKey.
func NewScanner(startKey []byte, txn *RoTxn) *Scanner {
	writeIter := txn.Reader.IterCF(engine_util.CfWrite)
	writeIter.Seek(codec.EncodeKey(startKey, TsMax))
	return &Scanner{
		writeIter: writeIter,
		txn:       txn,
	}
}

func (scan *Scanner) Close() {
	scan.writeIter.Close()
}

// Next returns the next visible key/value pair. An exhausted scanner
// returns (nil, nil, nil). A locked key is reported as a KeyError so the
// caller can surface it without aborting the rest of the scan.
func (scan *Scanner) Next() ([]byte, []byte, error) {
	for {
		if !scan.writeIter.Valid() {
			return nil, nil, nil
		}

		item := scan.writeIter.Item()
		userKey := codec.DecodeUserKey(item.Key())
		commitTs := codec.DecodeTs(item.Key())

		if commitTs >= scan.txn.StartTS {
			// Committed after we started; look for an older version.
			scan.writeIter.Seek(codec.EncodeKey(userKey, commitTs-1))
			continue
		}

		lock, err := scan.txn.GetLock(userKey)
		if err != nil {
			return nil, nil, err
		}
		if lock != nil && lock.Ts < scan.txn.StartTS {
			// Report the locked key once and move past its versions so
			// the caller can continue the scan.
			scan.writeIter.Seek(codec.EncodeKey(userKey, 0))
			keyError := new(KeyError)
			keyError.Locked = lock.Info(userKey)
			return nil, nil, keyError
		}

		writeValue, err := item.Value()
		if err != nil {
			return nil, nil, err
		}
		write, err := ParseWrite(writeValue)
		if err != nil {
			return nil, nil, err
		}
		if write.Kind != WriteKindPut {
			// Deleted or rolled back; skip all remaining versions of
			// this user key.
			scan.writeIter.Seek(codec.EncodeKey(userKey, 0))
			continue
		}

		value, err := scan.txn.getValue(userKey, write.StartTS)
		if err != nil {
			return nil, nil, err
		}

		// A key is returned once, at its newest visible version. Move
		// past the older versions before handing it out.
		scan.writeIter.Seek(codec.EncodeKey(userKey, 0))

		return userKey, value, nil
	}
}

// KeyError wraps a kvrpcpb.KeyError so it implements the error interface.
type KeyError struct {
	kvrpcpb.KeyError
}

func (ke *KeyError) Error() string {
	return ke.String()
}
