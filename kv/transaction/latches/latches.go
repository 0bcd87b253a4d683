package latches

import (
	"sync"

	"github.com/rangekv/rangekv/kv/transaction/mvcc"
)

// Latches gives commands exclusive access to the keys they write. A
// commit writes several CFs for each key; two racing commands touching
// the same key could otherwise interleave those writes and leave the key
// in an inconsistent state. This is command-level mutual exclusion, not
// transaction isolation: transactions span many commands and rely on
// locks in the lock CF instead.
//
// A latch is a per-user-key lock, one per key rather than one per CF or
// per encoded version. Only writes need latching, and a command must
// latch every key it might write in a single acquisition.
type Latches struct {
	// latchMap maps each latched key to a WaitGroup. A thread finding a
	// key latched waits on that group.
	latchMap map[string]*sync.WaitGroup
	// latchGuard protects latchMap and maxTs.
	latchGuard sync.Mutex
	// maxTs is the largest start timestamp any command has run at; stale
	// transactions below it are safe to resolve.
	maxTs uint64
	// Validation is an optional hook, only used by tests.
	Validation func(txn *mvcc.MvccTxn, keys [][]byte)
}

// NewLatches creates the latch table. One instance is shared by every
// thread of the server.
func NewLatches() *Latches {
	return &Latches{latchMap: make(map[string]*sync.WaitGroup)}
}

// AcquireLatches tries to latch all keys at once. On success it returns
// nil; otherwise it returns a WaitGroup the caller can wait on before
// retrying.
func (l *Latches) AcquireLatches(keysToLatch [][]byte) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, key := range keysToLatch {
		if latchWg, ok := l.latchMap[string(key)]; ok {
			return latchWg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keysToLatch {
		l.latchMap[string(key)] = wg
	}

	return nil
}

// ReleaseLatches unlatches all keys and wakes any waiting threads. The
// keys must have been latched together in one AcquireLatches call.
func (l *Latches) ReleaseLatches(keysToUnlatch [][]byte) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, key := range keysToUnlatch {
		if first {
			wg := l.latchMap[string(key)]
			wg.Done()
			first = false
		}
		delete(l.latchMap, string(key))
	}
}

// WaitForLatches latches all keys, blocking for as long as any of them
// is held by another command.
func (l *Latches) WaitForLatches(keysToLatch [][]byte) {
	for {
		wg := l.AcquireLatches(keysToLatch)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}

// UpdateMaxTs records that a command has run at ts.
func (l *Latches) UpdateMaxTs(ts uint64) {
	if ts == mvcc.TsMax {
		return
	}
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()
	if ts > l.maxTs {
		l.maxTs = ts
	}
}

// MaxTs returns the largest timestamp seen by UpdateMaxTs.
func (l *Latches) MaxTs() uint64 {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()
	return l.maxTs
}

// Validate calls the Validation hook if one is installed.
func (l *Latches) Validate(txn *mvcc.MvccTxn, latched [][]byte) {
	if l.Validation != nil {
		l.Validation(txn, latched)
	}
}
