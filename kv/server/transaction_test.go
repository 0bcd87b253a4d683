package server

import (
	"testing"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/stretchr/testify/assert"

	"github.com/rangekv/rangekv/kv/transaction/mvcc"
	"github.com/rangekv/rangekv/kv/util/engine_util"
)

func TestKvGetValue(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{99}, ts: 50, value: []byte{42}},
		{cf: engine_util.CfWrite, key: []byte{99}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
	})

	var req kvrpcpb.GetRequest
	req.Key = []byte{99}
	req.Version = mvcc.TsMax
	resp := builder.runOneRequest(&req).(*kvrpcpb.GetResponse)

	assert.Nil(t, resp.RegionError)
	assert.Nil(t, resp.Error)
	assert.Equal(t, []byte{42}, resp.Value)
}

func TestKvGetNotFound(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{99}, ts: 50, value: []byte{42}},
		{cf: engine_util.CfWrite, key: []byte{99}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
	})

	// A missing key is flagged, a present one is not; the value bytes
	// alone cannot carry the distinction for empty values.
	for _, c := range []struct {
		key      []byte
		notFound bool
	}{
		{[]byte{99}, false},
		{[]byte{100}, true},
	} {
		var req kvrpcpb.GetRequest
		req.Key = c.key
		req.Version = mvcc.TsMax
		resp := builder.runOneRequest(&req).(*kvrpcpb.GetResponse)
		assert.Nil(t, resp.Error)
		assert.Equal(t, c.notFound, resp.NotFound, "key %v", c.key)
	}
}

func TestKvGetVersions(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{99}, ts: 50, value: []byte{42}},
		{cf: engine_util.CfWrite, key: []byte{99}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
		{cf: engine_util.CfDefault, key: []byte{99}, ts: 60, value: []byte{43}},
		{cf: engine_util.CfWrite, key: []byte{99}, ts: 66, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 60}},
	})

	for _, c := range []struct {
		version uint64
		value   []byte
	}{
		{40, nil},
		{56, []byte{42}},
		{66, []byte{42}},
		{67, []byte{43}},
	} {
		var req kvrpcpb.GetRequest
		req.Key = []byte{99}
		req.Version = c.version
		resp := builder.runOneRequest(&req).(*kvrpcpb.GetResponse)
		assert.Nil(t, resp.Error)
		assert.Equal(t, c.value, resp.Value, "version %d", c.version)
	}
}

func TestKvGetLocked(t *testing.T) {
	builder := newBuilder(t)
	lock := mvcc.Lock{Primary: []byte{99}, Ts: 900, Ttl: 3000, Kind: mvcc.WriteKindPut}
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{99}, ts: 50, value: []byte{42}},
		{cf: engine_util.CfWrite, key: []byte{99}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
		{cf: engine_util.CfLock, key: []byte{99}, value: lock.ToBytes()},
	})

	// Below the lock's timestamp the read goes through.
	var req0 kvrpcpb.GetRequest
	req0.Key = []byte{99}
	req0.Version = 300
	resp0 := builder.runOneRequest(&req0).(*kvrpcpb.GetResponse)
	assert.Nil(t, resp0.Error)
	assert.Equal(t, []byte{42}, resp0.Value)

	// Above it the lock is reported.
	var req1 kvrpcpb.GetRequest
	req1.Key = []byte{99}
	req1.Version = 1000
	resp1 := builder.runOneRequest(&req1).(*kvrpcpb.GetResponse)
	assert.NotNil(t, resp1.Error)
	assert.NotNil(t, resp1.Error.Locked)
	assert.Equal(t, uint64(900), resp1.Error.Locked.LockVersion)
	assert.Equal(t, []byte{99}, resp1.Error.Locked.PrimaryLock)
}

func TestSinglePrewrite(t *testing.T) {
	builder := newBuilder(t)
	cmd := builder.prewriteRequest(mutation(3, []byte{42}, kvrpcpb.Op_Put))
	resp := builder.runOneRequest(cmd).(*kvrpcpb.PrewriteResponse)

	assert.Empty(t, resp.Errors)
	assert.Nil(t, resp.RegionError)
	builder.assertLens(1, 1, 0)
	lock := mvcc.Lock{Primary: []byte{1}, Ts: 100, Ttl: 0, Kind: mvcc.WriteKindPut}
	builder.assert([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, value: []byte{42}},
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
	})
}

func TestPrewriteLocked(t *testing.T) {
	builder := newBuilder(t)
	lock := mvcc.Lock{Primary: []byte{3}, Ts: 90, Ttl: 3000, Kind: mvcc.WriteKindPut}
	builder.init([]kv{
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
	})
	cmd := builder.prewriteRequest(mutation(3, []byte{42}, kvrpcpb.Op_Put))
	resp := builder.runOneRequest(cmd).(*kvrpcpb.PrewriteResponse)

	assert.Equal(t, 1, len(resp.Errors))
	assert.NotNil(t, resp.Errors[0].Locked)
	// Nothing was written.
	builder.assertLens(0, 1, 0)
}

func TestPrewriteWriteConflict(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 80, value: []byte{5}},
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 110, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 80}},
	})
	// Start ts 100 < the committed write's ts 110.
	cmd := builder.prewriteRequest(mutation(3, []byte{42}, kvrpcpb.Op_Put))
	resp := builder.runOneRequest(cmd).(*kvrpcpb.PrewriteResponse)

	assert.Equal(t, 1, len(resp.Errors))
	assert.NotNil(t, resp.Errors[0].Conflict)
	assert.Equal(t, uint64(100), resp.Errors[0].Conflict.StartTs)
	assert.Equal(t, uint64(80), resp.Errors[0].Conflict.ConflictTs)
	builder.assertLens(1, 0, 1)
}

func TestPrewriteNoConflictWithOlderWrite(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 60, value: []byte{5}},
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 70, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 60}},
	})
	cmd := builder.prewriteRequest(mutation(3, []byte{42}, kvrpcpb.Op_Put))
	resp := builder.runOneRequest(cmd).(*kvrpcpb.PrewriteResponse)

	assert.Empty(t, resp.Errors)
	builder.assertLens(2, 1, 1)
}

func TestPrewriteMultiple(t *testing.T) {
	builder := newBuilder(t)
	cmd := builder.prewriteRequest(
		mutation(3, []byte{42}, kvrpcpb.Op_Put),
		mutation(4, []byte{43}, kvrpcpb.Op_Put),
		mutation(5, []byte{44}, kvrpcpb.Op_Put),
		mutation(4, nil, kvrpcpb.Op_Del),
		mutation(4, []byte{1, 3, 5}, kvrpcpb.Op_Put),
		mutation(255, []byte{45}, kvrpcpb.Op_Put),
	)
	resp := builder.runOneRequest(cmd).(*kvrpcpb.PrewriteResponse)

	assert.Empty(t, resp.Errors)
	// Repeated keys apply in order, the last mutation wins.
	builder.assertLens(4, 4, 0)
	builder.assert([]kv{
		{cf: engine_util.CfDefault, key: []byte{4}, value: []byte{1, 3, 5}},
	})
}

func TestSingleCommit(t *testing.T) {
	builder := newBuilder(t)
	lock := mvcc.Lock{Primary: []byte{3}, Ts: 100, Ttl: 0, Kind: mvcc.WriteKindPut}
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 100, value: []byte{42}},
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
	})
	cmd := builder.commitRequest([]byte{3})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.CommitResponse)

	assert.Nil(t, resp.Error)
	assert.Nil(t, resp.RegionError)
	builder.assertLens(1, 0, 1)
	builder.assert([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 100},
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 110, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
}

func TestRecommitKey(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 100, value: []byte{42}},
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 110, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
	cmd := builder.commitRequest([]byte{3})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.CommitResponse)

	assert.Nil(t, resp.Error)
	builder.assertLens(1, 0, 1)
}

func TestCommitRolledBack(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: []byte{3, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
	cmd := builder.commitRequest([]byte{3})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.CommitResponse)

	assert.NotNil(t, resp.Error)
	assert.NotEmpty(t, resp.Error.Retryable)
	builder.assertLens(0, 0, 1)
}

func TestCommitMultipleKeys(t *testing.T) {
	builder := newBuilder(t)
	lock3 := mvcc.Lock{Primary: []byte{3}, Ts: 100, Ttl: 0, Kind: mvcc.WriteKindPut}
	lock4 := mvcc.Lock{Primary: []byte{3}, Ts: 100, Ttl: 0, Kind: mvcc.WriteKindDelete}
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 100, value: []byte{42}},
		{cf: engine_util.CfLock, key: []byte{3}, value: lock3.ToBytes()},
		{cf: engine_util.CfLock, key: []byte{4}, value: lock4.ToBytes()},
	})
	cmd := builder.commitRequest([]byte{3}, []byte{4})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.CommitResponse)

	assert.Nil(t, resp.Error)
	builder.assertLens(1, 0, 2)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 110, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 100}},
		{cf: engine_util.CfWrite, key: []byte{4}, ts: 110, value: []byte{2, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
}

func TestRollback(t *testing.T) {
	builder := newBuilder(t)
	lock := mvcc.Lock{Primary: []byte{3}, Ts: 100, Ttl: 0, Kind: mvcc.WriteKindPut}
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 100, value: []byte{42}},
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
	})
	cmd := builder.rollbackRequest([]byte{3})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.Nil(t, resp.Error)
	builder.assertLens(0, 0, 1)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: []byte{3, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
}

func TestRollbackMissingPrewrite(t *testing.T) {
	builder := newBuilder(t)
	cmd := builder.rollbackRequest([]byte{3})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.Nil(t, resp.Error)
	// A rollback record blocks a late prewrite of this transaction.
	builder.assertLens(0, 0, 1)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: []byte{3, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
}

func TestRollbackCommitted(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 100, value: []byte{42}},
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 110, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
	cmd := builder.rollbackRequest([]byte{3})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.NotNil(t, resp.Error)
	assert.NotEmpty(t, resp.Error.Abort)
	builder.assertLens(1, 0, 1)
}

func TestRollbackDuplicate(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: []byte{3, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
	cmd := builder.rollbackRequest([]byte{3})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.Nil(t, resp.Error)
	builder.assertLens(0, 0, 1)
}

func TestRollbackOtherTxn(t *testing.T) {
	builder := newBuilder(t)
	lock := mvcc.Lock{Primary: []byte{3}, Ts: 80, Ttl: 0, Kind: mvcc.WriteKindPut}
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 80, value: []byte{42}},
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
	})
	cmd := builder.rollbackRequest([]byte{3})
	resp := builder.runOneRequest(cmd).(*kvrpcpb.BatchRollbackResponse)

	assert.Nil(t, resp.Error)
	// The other transaction's lock and value are untouched; our rollback
	// record is written.
	builder.assertLens(1, 1, 1)
	builder.assert([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 80},
		{cf: engine_util.CfLock, key: []byte{3}},
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: []byte{3, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
}

func TestCleanupTtlExpired(t *testing.T) {
	builder := newBuilder(t)
	lock := mvcc.Lock{Primary: []byte{3}, Ts: 100, Ttl: 1, Kind: mvcc.WriteKindPut}
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 100, value: []byte{42}},
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
	})
	// Advance the server's clock well past the lock's TTL.
	builder.server.Latches.UpdateMaxTs(100 << 18)

	resp := builder.runOneRequest(builder.cleanupRequest([]byte{3}, 100)).(*kvrpcpb.CleanupResponse)

	assert.Nil(t, resp.Error)
	assert.Equal(t, uint64(0), resp.CommitVersion)
	builder.assertLens(0, 0, 1)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: []byte{3, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
}

func TestCleanupTtlNotExpired(t *testing.T) {
	builder := newBuilder(t)
	lock := mvcc.Lock{Primary: []byte{3}, Ts: 100, Ttl: 1 << 40, Kind: mvcc.WriteKindPut}
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 100, value: []byte{42}},
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
	})
	builder.server.Latches.UpdateMaxTs(100 << 18)

	resp := builder.runOneRequest(builder.cleanupRequest([]byte{3}, 100)).(*kvrpcpb.CleanupResponse)

	assert.NotNil(t, resp.Error)
	assert.NotNil(t, resp.Error.Locked)
	// Lock and value survive.
	builder.assertLens(1, 1, 0)
}

func TestCleanupCommitted(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 100, value: []byte{42}},
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 110, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 100}},
	})

	resp := builder.runOneRequest(builder.cleanupRequest([]byte{3}, 100)).(*kvrpcpb.CleanupResponse)

	assert.Nil(t, resp.Error)
	assert.Equal(t, uint64(110), resp.CommitVersion)
	builder.assertLens(1, 0, 1)
}

func TestCleanupNoLockNoWrite(t *testing.T) {
	builder := newBuilder(t)

	resp := builder.runOneRequest(builder.cleanupRequest([]byte{3}, 100)).(*kvrpcpb.CleanupResponse)

	assert.Nil(t, resp.Error)
	assert.Equal(t, uint64(0), resp.CommitVersion)
	builder.assertLens(0, 0, 1)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: []byte{3, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
}

func TestResolveCommit(t *testing.T) {
	builder := newBuilder(t)
	lock := mvcc.Lock{Primary: []byte{3}, Ts: 100, Ttl: 0, Kind: mvcc.WriteKindPut}
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 100, value: []byte{42}},
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
		{cf: engine_util.CfDefault, key: []byte{7}, ts: 100, value: []byte{43}},
		{cf: engine_util.CfLock, key: []byte{7}, value: lock.ToBytes()},
	})

	resp := builder.runOneRequest(resolveRequest(100, 120)).(*kvrpcpb.ResolveLockResponse)

	assert.Nil(t, resp.Error)
	builder.assertLens(2, 0, 2)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 120, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 100}},
		{cf: engine_util.CfWrite, key: []byte{7}, ts: 120, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
}

func TestResolveRollback(t *testing.T) {
	builder := newBuilder(t)
	lock := mvcc.Lock{Primary: []byte{3}, Ts: 100, Ttl: 0, Kind: mvcc.WriteKindPut}
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{3}, ts: 100, value: []byte{42}},
		{cf: engine_util.CfLock, key: []byte{3}, value: lock.ToBytes()},
		{cf: engine_util.CfDefault, key: []byte{7}, ts: 100, value: []byte{43}},
		{cf: engine_util.CfLock, key: []byte{7}, value: lock.ToBytes()},
	})

	resp := builder.runOneRequest(resolveRequest(100, 0)).(*kvrpcpb.ResolveLockResponse)

	assert.Nil(t, resp.Error)
	builder.assertLens(0, 0, 2)
	builder.assert([]kv{
		{cf: engine_util.CfWrite, key: []byte{3}, ts: 100, value: []byte{3, 0, 0, 0, 0, 0, 0, 0, 100}},
		{cf: engine_util.CfWrite, key: []byte{7}, ts: 100, value: []byte{3, 0, 0, 0, 0, 0, 0, 0, 100}},
	})
}

func TestResolveEmpty(t *testing.T) {
	builder := newBuilder(t)
	resp := builder.runOneRequest(resolveRequest(100, 120)).(*kvrpcpb.ResolveLockResponse)
	assert.Nil(t, resp.Error)
	builder.assertLens(0, 0, 0)
}

func TestKvScanAll(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{1}, ts: 50, value: []byte{41}},
		{cf: engine_util.CfWrite, key: []byte{1}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
		{cf: engine_util.CfDefault, key: []byte{2}, ts: 50, value: []byte{42}},
		{cf: engine_util.CfWrite, key: []byte{2}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
		{cf: engine_util.CfDefault, key: []byte{4}, ts: 50, value: []byte{44}},
		{cf: engine_util.CfWrite, key: []byte{4}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
	})

	resp := builder.runOneRequest(builder.scanRequest([]byte{1}, 10)).(*kvrpcpb.ScanResponse)

	assert.Nil(t, resp.RegionError)
	assert.Equal(t, 3, len(resp.Pairs))
	assert.Equal(t, []byte{2}, resp.Pairs[1].Key)
	assert.Equal(t, []byte{42}, resp.Pairs[1].Value)
}

func TestKvScanLimit(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{1}, ts: 50, value: []byte{41}},
		{cf: engine_util.CfWrite, key: []byte{1}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
		{cf: engine_util.CfDefault, key: []byte{2}, ts: 50, value: []byte{42}},
		{cf: engine_util.CfWrite, key: []byte{2}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
		{cf: engine_util.CfDefault, key: []byte{4}, ts: 50, value: []byte{44}},
		{cf: engine_util.CfWrite, key: []byte{4}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
	})

	resp := builder.runOneRequest(builder.scanRequest([]byte{2}, 1)).(*kvrpcpb.ScanResponse)

	assert.Equal(t, 1, len(resp.Pairs))
	assert.Equal(t, []byte{2}, resp.Pairs[0].Key)
}

func TestKvScanDeleted(t *testing.T) {
	builder := newBuilder(t)
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{1}, ts: 50, value: []byte{41}},
		{cf: engine_util.CfWrite, key: []byte{1}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
		{cf: engine_util.CfWrite, key: []byte{2}, ts: 54, value: []byte{2, 0, 0, 0, 0, 0, 0, 0, 50}},
		{cf: engine_util.CfDefault, key: []byte{4}, ts: 50, value: []byte{44}},
		{cf: engine_util.CfWrite, key: []byte{4}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
	})

	resp := builder.runOneRequest(builder.scanRequest(nil, 10)).(*kvrpcpb.ScanResponse)

	assert.Equal(t, 2, len(resp.Pairs))
	assert.Equal(t, []byte{1}, resp.Pairs[0].Key)
	assert.Equal(t, []byte{4}, resp.Pairs[1].Key)
}

func TestKvScanLockedReportedInPlace(t *testing.T) {
	builder := newBuilder(t)
	lock := mvcc.Lock{Primary: []byte{2}, Ts: 5, Ttl: 1000, Kind: mvcc.WriteKindPut}
	builder.init([]kv{
		{cf: engine_util.CfDefault, key: []byte{1}, ts: 50, value: []byte{41}},
		{cf: engine_util.CfWrite, key: []byte{1}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
		{cf: engine_util.CfDefault, key: []byte{2}, ts: 50, value: []byte{42}},
		{cf: engine_util.CfWrite, key: []byte{2}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
		{cf: engine_util.CfDefault, key: []byte{4}, ts: 50, value: []byte{44}},
		{cf: engine_util.CfWrite, key: []byte{4}, ts: 54, value: []byte{1, 0, 0, 0, 0, 0, 0, 0, 50}},
		{cf: engine_util.CfLock, key: []byte{2}, value: lock.ToBytes()},
	})

	resp := builder.runOneRequest(builder.scanRequest(nil, 10)).(*kvrpcpb.ScanResponse)

	assert.Equal(t, 3, len(resp.Pairs))
	assert.Equal(t, []byte{1}, resp.Pairs[0].Key)
	assert.NotNil(t, resp.Pairs[1].Error)
	assert.NotNil(t, resp.Pairs[1].Error.Locked)
	assert.Equal(t, []byte{4}, resp.Pairs[2].Key)
}

func TestScanLock(t *testing.T) {
	builder := newBuilder(t)
	lock1 := mvcc.Lock{Primary: []byte{3}, Ts: 100, Ttl: 0, Kind: mvcc.WriteKindPut}
	lock2 := mvcc.Lock{Primary: []byte{3}, Ts: 200, Ttl: 0, Kind: mvcc.WriteKindPut}
	builder.init([]kv{
		{cf: engine_util.CfLock, key: []byte{3}, value: lock1.ToBytes()},
		{cf: engine_util.CfLock, key: []byte{5}, value: lock2.ToBytes()},
		{cf: engine_util.CfLock, key: []byte{7}, value: lock1.ToBytes()},
	})

	var req kvrpcpb.ScanLockRequest
	req.MaxVersion = 150
	resp := builder.runOneRequest(&req).(*kvrpcpb.ScanLockResponse)

	assert.Nil(t, resp.Error)
	assert.Equal(t, 2, len(resp.Locks))
	assert.Equal(t, []byte{3}, resp.Locks[0].Key)
	assert.Equal(t, []byte{7}, resp.Locks[1].Key)
}
