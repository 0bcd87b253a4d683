package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/rangekv/rangekv/log"
)

// defaultLockTTL is the lifetime of an uncommitted lock, in milliseconds
// of the timestamp's physical component. Once it passes, any reader may
// roll the transaction back.
const defaultLockTTL = 3000

// maxLockResolveAttempts bounds how often a read or prewrite retries
// after resolving a blocking lock.
const maxLockResolveAttempts = 3

// ErrTxnFinished is returned when a committed or rolled back transaction
// is used again.
var ErrTxnFinished = errors.New("transaction already finished")

// LockedError reports a key held by a live lock that could not be
// resolved, because its owner's TTL has not expired.
type LockedError struct {
	Key     []byte
	Primary []byte
	StartTS uint64
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("key %q locked by transaction %d (primary %q)", e.Key, e.StartTS, e.Primary)
}

// WriteConflictError reports that another transaction committed a key
// after this transaction's start timestamp.
type WriteConflictError struct {
	StartTS    uint64
	ConflictTS uint64
	Key        []byte
	Primary    []byte
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict on key %q: committed at %d, after our start %d", e.Key, e.ConflictTS, e.StartTS)
}

type txnStatus int

const (
	txnActive txnStatus = iota
	txnCommitted
	txnRolledBack
)

type mutation struct {
	op    kvrpcpb.Op
	value []byte
}

// Txn is a single transaction. Writes buffer locally until Commit, reads
// see the transaction's own buffered writes and otherwise a snapshot at
// the start timestamp. A Txn is not safe for concurrent use.
type Txn struct {
	client  KvClient
	oracle  Oracle
	startTS uint64
	lockTTL uint64

	keys   [][]byte // in first-write order, keys[0] is the primary
	writes map[string]mutation
	status txnStatus

	// secondaryWg tracks the background commit of secondary keys.
	secondaryWg sync.WaitGroup
}

// Begin starts a transaction at a fresh timestamp.
func Begin(client KvClient, oracle Oracle) (*Txn, error) {
	startTS, err := oracle.GetTimestamp()
	if err != nil {
		return nil, err
	}
	return &Txn{
		client:  client,
		oracle:  oracle,
		startTS: startTS,
		lockTTL: defaultLockTTL,
		writes:  make(map[string]mutation),
	}, nil
}

// StartTS returns the transaction's start timestamp.
func (txn *Txn) StartTS() uint64 {
	return txn.startTS
}

// Put buffers a write of value at key.
func (txn *Txn) Put(key, value []byte) error {
	return txn.record(key, mutation{op: kvrpcpb.Op_Put, value: append([]byte(nil), value...)})
}

// Delete buffers a deletion of key.
func (txn *Txn) Delete(key []byte) error {
	return txn.record(key, mutation{op: kvrpcpb.Op_Del})
}

func (txn *Txn) record(key []byte, mut mutation) error {
	if txn.status != txnActive {
		return ErrTxnFinished
	}
	if _, ok := txn.writes[string(key)]; !ok {
		txn.keys = append(txn.keys, append([]byte(nil), key...))
	}
	txn.writes[string(key)] = mut
	return nil
}

// Get reads key at the transaction's start timestamp. The transaction's
// own buffered writes take precedence. A missing key is a nil value, not
// an error.
func (txn *Txn) Get(ctx context.Context, key []byte) ([]byte, error) {
	if txn.status != txnActive {
		return nil, ErrTxnFinished
	}
	if mut, ok := txn.writes[string(key)]; ok {
		if mut.op == kvrpcpb.Op_Del {
			return nil, nil
		}
		return append([]byte(nil), mut.value...), nil
	}

	for attempt := 0; attempt < maxLockResolveAttempts; attempt++ {
		resp, err := txn.client.KvGet(ctx, &kvrpcpb.GetRequest{
			Key:     key,
			Version: txn.startTS,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		if resp.RegionError != nil {
			return nil, errors.Errorf("region error: %s", resp.RegionError)
		}
		if resp.Error != nil {
			if locked := resp.Error.Locked; locked != nil {
				if err := txn.resolveLock(ctx, locked); err != nil {
					return nil, err
				}
				continue
			}
			return nil, errors.Errorf("get failed: %s", resp.Error)
		}
		if resp.NotFound {
			return nil, nil
		}
		if resp.Value == nil {
			// A committed empty value reads back as nil bytes.
			return []byte{}, nil
		}
		return resp.Value, nil
	}
	return nil, errors.Errorf("key %q still locked after %d resolve attempts", key, maxLockResolveAttempts)
}

// resolveLock decides the fate of a blocking transaction by cleaning up
// its primary lock, then applies the verdict to all its locks. If the
// owner is still live (TTL not expired) a LockedError is returned.
func (txn *Txn) resolveLock(ctx context.Context, locked *kvrpcpb.LockInfo) error {
	cleanup, err := txn.client.KvCleanup(ctx, &kvrpcpb.CleanupRequest{
		Key:          locked.PrimaryLock,
		StartVersion: locked.LockVersion,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if cleanup.RegionError != nil {
		return errors.Errorf("region error: %s", cleanup.RegionError)
	}
	if cleanup.Error != nil {
		if cleanup.Error.Locked != nil {
			return &LockedError{
				Key:     locked.Key,
				Primary: locked.PrimaryLock,
				StartTS: locked.LockVersion,
			}
		}
		return errors.Errorf("cleanup failed: %s", cleanup.Error)
	}

	resolve, err := txn.client.KvResolveLock(ctx, &kvrpcpb.ResolveLockRequest{
		StartVersion:  locked.LockVersion,
		CommitVersion: cleanup.CommitVersion,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if resolve.RegionError != nil {
		return errors.Errorf("region error: %s", resolve.RegionError)
	}
	if resolve.Error != nil {
		return errors.Errorf("resolve failed: %s", resolve.Error)
	}
	return nil
}

// Commit runs two-phase commit over the buffered writes: prewrite every
// key with the first-written key as primary, then commit the primary at a
// fresh timestamp. The transaction is durably committed once the primary
// commit succeeds; secondary keys are committed in the background.
func (txn *Txn) Commit(ctx context.Context) error {
	if txn.status != txnActive {
		return ErrTxnFinished
	}
	if len(txn.keys) == 0 {
		txn.status = txnCommitted
		return nil
	}

	if err := txn.prewrite(ctx); err != nil {
		txn.status = txnRolledBack
		return err
	}

	commitTS, err := txn.oracle.GetTimestamp()
	if err != nil {
		txn.rollbackKeys(ctx)
		txn.status = txnRolledBack
		return err
	}

	primary := txn.keys[0]
	resp, err := txn.client.KvCommit(ctx, &kvrpcpb.CommitRequest{
		StartVersion:  txn.startTS,
		CommitVersion: commitTS,
		Keys:          [][]byte{primary},
	})
	if err != nil {
		txn.status = txnRolledBack
		return errors.Trace(err)
	}
	if resp.RegionError != nil {
		txn.status = txnRolledBack
		return errors.Errorf("region error: %s", resp.RegionError)
	}
	if resp.Error != nil {
		// Retryable here means our primary lock is gone: some reader
		// resolved us after the TTL expired. The transaction is lost.
		txn.status = txnRolledBack
		return errors.Errorf("primary commit failed: %s", resp.Error)
	}

	txn.status = txnCommitted
	if secondaries := txn.keys[1:]; len(secondaries) > 0 {
		txn.secondaryWg.Add(1)
		go func() {
			defer txn.secondaryWg.Done()
			// Failure is harmless: the commit is decided by the primary,
			// and readers repair leftover secondary locks on contact.
			resp, err := txn.client.KvCommit(context.Background(), &kvrpcpb.CommitRequest{
				StartVersion:  txn.startTS,
				CommitVersion: commitTS,
				Keys:          secondaries,
			})
			if err != nil {
				log.Warnf("secondary commit failed for txn %d: %v", txn.startTS, err)
			} else if resp.RegionError != nil || resp.Error != nil {
				log.Warnf("secondary commit failed for txn %d: %s %s", txn.startTS, resp.RegionError, resp.Error)
			}
		}()
	}
	return nil
}

func (txn *Txn) prewrite(ctx context.Context) error {
	mutations := make([]*kvrpcpb.Mutation, 0, len(txn.keys))
	for _, key := range txn.keys {
		mut := txn.writes[string(key)]
		mutations = append(mutations, &kvrpcpb.Mutation{
			Op:    mut.op,
			Key:   key,
			Value: mut.value,
		})
	}

	for attempt := 0; attempt < maxLockResolveAttempts; attempt++ {
		resp, err := txn.client.KvPrewrite(ctx, &kvrpcpb.PrewriteRequest{
			Mutations:    mutations,
			PrimaryLock:  txn.keys[0],
			StartVersion: txn.startTS,
			LockTtl:      txn.lockTTL,
		})
		if err != nil {
			return errors.Trace(err)
		}
		if resp.RegionError != nil {
			return errors.Errorf("region error: %s", resp.RegionError)
		}
		if len(resp.Errors) == 0 {
			return nil
		}

		for _, keyErr := range resp.Errors {
			if conflict := keyErr.Conflict; conflict != nil {
				txn.rollbackKeys(ctx)
				return &WriteConflictError{
					StartTS:    conflict.StartTs,
					ConflictTS: conflict.ConflictTs,
					Key:        conflict.Key,
					Primary:    conflict.Primary,
				}
			}
			if locked := keyErr.Locked; locked != nil {
				if err := txn.resolveLock(ctx, locked); err != nil {
					txn.rollbackKeys(ctx)
					return err
				}
				continue
			}
			txn.rollbackKeys(ctx)
			return errors.Errorf("prewrite failed: %s", keyErr)
		}
	}
	txn.rollbackKeys(ctx)
	return errors.Errorf("prewrite gave up after %d resolve attempts", maxLockResolveAttempts)
}

// Rollback aborts the transaction and erases any prewritten locks.
func (txn *Txn) Rollback(ctx context.Context) error {
	if txn.status != txnActive {
		return ErrTxnFinished
	}
	txn.status = txnRolledBack
	if len(txn.keys) == 0 {
		return nil
	}
	return txn.rollbackKeys(ctx)
}

func (txn *Txn) rollbackKeys(ctx context.Context) error {
	resp, err := txn.client.KvBatchRollback(ctx, &kvrpcpb.BatchRollbackRequest{
		StartVersion: txn.startTS,
		Keys:         txn.keys,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if resp.RegionError != nil {
		return errors.Errorf("region error: %s", resp.RegionError)
	}
	if resp.Error != nil {
		return errors.Errorf("rollback failed: %s", resp.Error)
	}
	return nil
}
