package server

import (
	"context"

	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/tikvpb"

	"github.com/rangekv/rangekv/kv/storage"
	"github.com/rangekv/rangekv/kv/storage/raft_storage"
	"github.com/rangekv/rangekv/kv/transaction/latches"
	"github.com/rangekv/rangekv/kv/transaction/mvcc"
	"github.com/rangekv/rangekv/kv/util/engine_util"
)

var _ tikvpb.TikvServer = new(Server)

// Server is the outward-facing gRPC service. It speaks the raw and
// transactional key/value APIs to clients and relays raft traffic
// between stores. Transactional commands are serialized per key by the
// latch table and execute against a snapshot of the underlying storage.
type Server struct {
	storage storage.Storage
	Latches *latches.Latches
}

func NewServer(storage storage.Storage) *Server {
	return &Server{
		storage: storage,
		Latches: latches.NewLatches(),
	}
}

// extractRegionError pulls the errorpb payload out of errors produced by
// the raft-backed storage; other errors return nil.
func extractRegionError(err error) *errorpb.Error {
	if regionErr, ok := err.(*raft_storage.RegionError); ok {
		return regionErr.RequestErr
	}
	return nil
}

// Raft forwards a raft message stream from another store. Only the
// raft-backed storage serves these.
func (server *Server) Raft(stream tikvpb.Tikv_RaftServer) error {
	return server.storage.(*raft_storage.RaftStorage).Raft(stream)
}

// Snapshot forwards a snapshot chunk stream from another store.
func (server *Server) Snapshot(stream tikvpb.Tikv_SnapshotServer) error {
	return server.storage.(*raft_storage.RaftStorage).Snapshot(stream)
}

// KvGet reads the version of a key visible at the request timestamp. A
// key locked below that timestamp is reported instead so the client can
// resolve the lock and retry.
func (server *Server) KvGet(_ context.Context, req *kvrpcpb.GetRequest) (*kvrpcpb.GetResponse, error) {
	response := new(kvrpcpb.GetResponse)
	server.Latches.UpdateMaxTs(req.Version)

	reader, err := server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	defer reader.Close()
	txn := mvcc.NewMvccTxn(reader, req.Version)

	lock, err := txn.GetLock(req.Key)
	if err != nil {
		return nil, err
	}
	if lock.IsLockedFor(req.Key, txn.StartTS) {
		response.Error = &kvrpcpb.KeyError{Locked: lock.Info(req.Key)}
		return response, nil
	}

	value, err := txn.GetValue(req.Key)
	if err != nil {
		return nil, err
	}
	response.Value = value
	// An empty committed value and a missing key both come back as nil
	// bytes; NotFound is what tells them apart on the wire.
	response.NotFound = value == nil
	return response, nil
}

// KvScan reads up to Limit visible key/value pairs starting at StartKey.
// Locked keys are reported in-place in the result, without failing the
// rest of the scan.
func (server *Server) KvScan(_ context.Context, req *kvrpcpb.ScanRequest) (*kvrpcpb.ScanResponse, error) {
	response := new(kvrpcpb.ScanResponse)
	server.Latches.UpdateMaxTs(req.Version)

	reader, err := server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	defer reader.Close()
	txn := mvcc.NewMvccTxn(reader, req.Version)

	scanner := mvcc.NewScanner(req.StartKey, &txn.RoTxn)
	defer scanner.Close()
	for limit := req.Limit; limit > 0; limit-- {
		key, value, err := scanner.Next()
		if err != nil {
			if keyError, ok := err.(*mvcc.KeyError); ok {
				response.Pairs = append(response.Pairs, &kvrpcpb.KvPair{Error: &keyError.KeyError})
				continue
			}
			return nil, err
		}
		if key == nil {
			break
		}
		response.Pairs = append(response.Pairs, &kvrpcpb.KvPair{Key: key, Value: value})
	}
	return response, nil
}

// KvBatchGet is KvGet over several keys in one round trip.
func (server *Server) KvBatchGet(_ context.Context, req *kvrpcpb.BatchGetRequest) (*kvrpcpb.BatchGetResponse, error) {
	response := new(kvrpcpb.BatchGetResponse)
	server.Latches.UpdateMaxTs(req.Version)

	reader, err := server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	defer reader.Close()
	txn := mvcc.NewMvccTxn(reader, req.Version)

	for _, key := range req.Keys {
		lock, err := txn.GetLock(key)
		if err != nil {
			return nil, err
		}
		if lock.IsLockedFor(key, txn.StartTS) {
			response.Pairs = append(response.Pairs, &kvrpcpb.KvPair{
				Error: &kvrpcpb.KeyError{Locked: lock.Info(key)},
				Key:   key,
			})
			continue
		}
		value, err := txn.GetValue(key)
		if err != nil {
			return nil, err
		}
		if value != nil {
			response.Pairs = append(response.Pairs, &kvrpcpb.KvPair{Key: key, Value: value})
		}
	}
	return response, nil
}

// KvPrewrite is the first phase of two phase commit. It locks and writes
// all mutations of the transaction, or reports per-key conflicts.
func (server *Server) KvPrewrite(_ context.Context, req *kvrpcpb.PrewriteRequest) (*kvrpcpb.PrewriteResponse, error) {
	response := new(kvrpcpb.PrewriteResponse)
	server.Latches.UpdateMaxTs(req.StartVersion)

	keys := make([][]byte, 0, len(req.Mutations))
	for _, m := range req.Mutations {
		keys = append(keys, m.Key)
	}
	server.Latches.WaitForLatches(keys)
	defer server.Latches.ReleaseLatches(keys)

	reader, err := server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	defer reader.Close()
	txn := mvcc.NewMvccTxn(reader, req.StartVersion)

	for _, m := range req.Mutations {
		keyError, err := server.prewriteMutation(txn, m, req.PrimaryLock, req.LockTtl)
		if err != nil {
			return nil, err
		}
		if keyError != nil {
			response.Errors = append(response.Errors, keyError)
		}
	}
	if len(response.Errors) > 0 {
		return response, nil
	}

	server.Latches.Validate(txn, keys)
	if err := server.storage.Write(req.Context, txn.Writes()); err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	return response, nil
}

// prewriteMutation locks and writes one mutation. It returns (keyError,
// nil) when the key conflicts with another transaction and (nil, err)
// on internal errors.
func (server *Server) prewriteMutation(txn *mvcc.MvccTxn, mut *kvrpcpb.Mutation, primary []byte, ttl uint64) (*kvrpcpb.KeyError, error) {
	key := mut.Key

	write, writeCommitTs, err := txn.MostRecentWrite(key)
	if err != nil {
		return nil, err
	}
	if write != nil && writeCommitTs >= txn.StartTS {
		return &kvrpcpb.KeyError{Conflict: &kvrpcpb.WriteConflict{
			StartTs:    txn.StartTS,
			ConflictTs: write.StartTS,
			Key:        key,
			Primary:    primary,
		}}, nil
	}

	existingLock, err := txn.GetLock(key)
	if err != nil {
		return nil, err
	}
	if existingLock != nil {
		if existingLock.Ts != txn.StartTS {
			// Locked by another transaction, at any start timestamp.
			return &kvrpcpb.KeyError{Locked: existingLock.Info(key)}, nil
		}
		// Retried prewrite of our own mutation.
		return nil, nil
	}

	lock := mvcc.Lock{
		Primary: primary,
		Ts:      txn.StartTS,
		Kind:    mvcc.WriteKindFromProto(mut.Op),
		Ttl:     ttl,
	}
	txn.PutLock(key, &lock)
	switch lock.Kind {
	case mvcc.WriteKindPut:
		txn.PutValue(key, mut.Value)
	case mvcc.WriteKindDelete:
		txn.DeleteValue(key)
	}
	return nil, nil
}

// KvCommit is the second phase of two phase commit on a set of keys.
func (server *Server) KvCommit(_ context.Context, req *kvrpcpb.CommitRequest) (*kvrpcpb.CommitResponse, error) {
	response := new(kvrpcpb.CommitResponse)
	server.Latches.UpdateMaxTs(req.CommitVersion)

	server.Latches.WaitForLatches(req.Keys)
	defer server.Latches.ReleaseLatches(req.Keys)

	reader, err := server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	defer reader.Close()
	txn := mvcc.NewMvccTxn(reader, req.StartVersion)

	for _, key := range req.Keys {
		keyError, err := commitKey(txn, key, req.CommitVersion)
		if err != nil {
			return nil, err
		}
		if keyError != nil {
			response.Error = keyError
			return response, nil
		}
	}

	server.Latches.Validate(txn, req.Keys)
	if err := server.storage.Write(req.Context, txn.Writes()); err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	return response, nil
}

// commitKey writes the commit record for one key. A missing lock means
// the key was either already committed (fine, the commit message was
// duplicated) or rolled back (fatal for the transaction).
func commitKey(txn *mvcc.MvccTxn, key []byte, commitTs uint64) (*kvrpcpb.KeyError, error) {
	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, err
	}
	if lock == nil || lock.Ts != txn.StartTS {
		write, _, err := txn.CurrentWrite(key)
		if err != nil {
			return nil, err
		}
		if write == nil || write.Kind == mvcc.WriteKindRollback {
			return &kvrpcpb.KeyError{Retryable: "lock not found"}, nil
		}
		// Already committed.
		return nil, nil
	}

	write := mvcc.Write{StartTS: txn.StartTS, Kind: lock.Kind}
	txn.PutWrite(key, commitTs, &write)
	txn.DeleteLock(key)
	return nil, nil
}

// KvCleanup decides the fate of a transaction by its primary key. An
// expired lock is rolled back; a live one is reported back to the
// caller; a committed transaction reports its commit version so
// secondaries can be resolved. Lock TTLs are measured against the
// largest timestamp this server has handed out work for.
func (server *Server) KvCleanup(_ context.Context, req *kvrpcpb.CleanupRequest) (*kvrpcpb.CleanupResponse, error) {
	response := new(kvrpcpb.CleanupResponse)

	keys := [][]byte{req.Key}
	server.Latches.WaitForLatches(keys)
	defer server.Latches.ReleaseLatches(keys)

	reader, err := server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	defer reader.Close()
	txn := mvcc.NewMvccTxn(reader, req.StartVersion)

	lock, err := txn.GetLock(req.Key)
	if err != nil {
		return nil, err
	}
	if lock != nil && lock.Ts == txn.StartTS {
		if mvcc.PhysicalTime(lock.Ts)+lock.Ttl >= mvcc.PhysicalTime(server.Latches.MaxTs()) {
			// Lock still within its TTL; its transaction may yet commit.
			response.Error = &kvrpcpb.KeyError{Locked: lock.Info(req.Key)}
			return response, nil
		}
		if lock.Kind == mvcc.WriteKindPut {
			txn.DeleteValue(req.Key)
		}
		write := mvcc.Write{StartTS: txn.StartTS, Kind: mvcc.WriteKindRollback}
		txn.PutWrite(req.Key, txn.StartTS, &write)
		txn.DeleteLock(req.Key)
	} else {
		write, commitTs, err := txn.CurrentWrite(req.Key)
		if err != nil {
			return nil, err
		}
		if write != nil && write.Kind != mvcc.WriteKindRollback {
			// Already committed; rolling back is no longer possible.
			response.CommitVersion = commitTs
			return response, nil
		}
		if write == nil {
			// The lock never existed or belongs to another transaction;
			// leave a rollback record so a late prewrite cannot sneak in.
			write := mvcc.Write{StartTS: txn.StartTS, Kind: mvcc.WriteKindRollback}
			txn.PutWrite(req.Key, txn.StartTS, &write)
		}
	}

	server.Latches.Validate(txn, keys)
	if err := server.storage.Write(req.Context, txn.Writes()); err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	return response, nil
}

// KvBatchRollback rolls back a set of keys of one transaction. It is
// idempotent: keys already rolled back are skipped, but a key already
// committed aborts the request.
func (server *Server) KvBatchRollback(_ context.Context, req *kvrpcpb.BatchRollbackRequest) (*kvrpcpb.BatchRollbackResponse, error) {
	response := new(kvrpcpb.BatchRollbackResponse)

	server.Latches.WaitForLatches(req.Keys)
	defer server.Latches.ReleaseLatches(req.Keys)

	reader, err := server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	defer reader.Close()
	txn := mvcc.NewMvccTxn(reader, req.StartVersion)

	for _, key := range req.Keys {
		keyError, err := rollbackKey(txn, key)
		if err != nil {
			return nil, err
		}
		if keyError != nil {
			response.Error = keyError
			return response, nil
		}
	}

	server.Latches.Validate(txn, req.Keys)
	if err := server.storage.Write(req.Context, txn.Writes()); err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	return response, nil
}

// rollbackKey removes the lock and any prewritten value on key and
// leaves a rollback record at the transaction's start timestamp.
func rollbackKey(txn *mvcc.MvccTxn, key []byte) (*kvrpcpb.KeyError, error) {
	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, err
	}
	if lock == nil || lock.Ts != txn.StartTS {
		write, _, err := txn.CurrentWrite(key)
		if err != nil {
			return nil, err
		}
		if write == nil {
			// Never prewritten. Leave a rollback record anyway so a
			// delayed prewrite of this transaction cannot lock the key.
			rollback := mvcc.Write{StartTS: txn.StartTS, Kind: mvcc.WriteKindRollback}
			txn.PutWrite(key, txn.StartTS, &rollback)
			return nil, nil
		}
		if write.Kind == mvcc.WriteKindRollback {
			// Already rolled back.
			return nil, nil
		}
		return &kvrpcpb.KeyError{Abort: "transaction already committed"}, nil
	}

	if lock.Kind == mvcc.WriteKindPut {
		txn.DeleteValue(key)
	}
	rollback := mvcc.Write{StartTS: txn.StartTS, Kind: mvcc.WriteKindRollback}
	txn.PutWrite(key, txn.StartTS, &rollback)
	txn.DeleteLock(key)
	return nil, nil
}

// KvScanLock reports all locks at or below MaxVersion, for lock
// resolution sweeps.
func (server *Server) KvScanLock(_ context.Context, req *kvrpcpb.ScanLockRequest) (*kvrpcpb.ScanLockResponse, error) {
	response := new(kvrpcpb.ScanLockResponse)
	server.Latches.UpdateMaxTs(req.MaxVersion)

	reader, err := server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	defer reader.Close()
	txn := mvcc.NewMvccTxn(reader, req.MaxVersion)

	iter := reader.IterCF(engine_util.CfLock)
	defer iter.Close()
	limit := req.Limit
	for iter.Seek(req.StartKey); iter.Valid(); iter.Next() {
		item := iter.Item()
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		lock, err := mvcc.ParseLock(value)
		if err != nil {
			return nil, err
		}
		if lock.Ts > txn.StartTS {
			continue
		}
		response.Locks = append(response.Locks, lock.Info(item.KeyCopy(nil)))
		if limit > 0 {
			limit--
			if limit == 0 {
				break
			}
		}
	}
	return response, nil
}

// KvResolveLock commits or rolls back every key locked by one
// transaction, as directed by CommitVersion (0 means roll back).
func (server *Server) KvResolveLock(_ context.Context, req *kvrpcpb.ResolveLockRequest) (*kvrpcpb.ResolveLockResponse, error) {
	response := new(kvrpcpb.ResolveLockResponse)

	reader, err := server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	txn := mvcc.NewMvccTxn(reader, req.StartVersion)
	keyLocks, err := mvcc.AllLocksForTxn(&txn.RoTxn)
	if err != nil {
		reader.Close()
		return nil, err
	}
	reader.Close()

	keys := make([][]byte, 0, len(keyLocks))
	for _, kl := range keyLocks {
		keys = append(keys, kl.Key)
	}
	server.Latches.WaitForLatches(keys)
	defer server.Latches.ReleaseLatches(keys)

	// Reread under the latches: a racing command may have resolved some
	// of the locks while we were scanning.
	reader, err = server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	defer reader.Close()
	txn = mvcc.NewMvccTxn(reader, req.StartVersion)

	for _, key := range keys {
		var keyError *kvrpcpb.KeyError
		if req.CommitVersion == 0 {
			keyError, err = rollbackKey(txn, key)
		} else {
			keyError, err = commitKey(txn, key, req.CommitVersion)
		}
		if err != nil {
			return nil, err
		}
		if keyError != nil {
			response.Error = keyError
			return response, nil
		}
	}

	server.Latches.Validate(txn, keys)
	if err := server.storage.Write(req.Context, txn.Writes()); err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		return nil, err
	}
	return response, nil
}
