package server

// Utility code shared by the command tests.

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/stretchr/testify/assert"

	"github.com/rangekv/rangekv/kv/storage"
	"github.com/rangekv/rangekv/kv/transaction/mvcc"
	"github.com/rangekv/rangekv/kv/util/codec"
	"github.com/rangekv/rangekv/kv/util/engine_util"
)

// testBuilder drives a server over an in-memory store and tracks the
// timestamps it hands out.
type testBuilder struct {
	t      *testing.T
	server *Server
	// mem is always the backing store of server.
	mem    *storage.MemStorage
	prevTs uint64
}

// kv identifies a key/value pair to testBuilder.
type kv struct {
	cf string
	// The user key, unencoded and without a timestamp.
	key []byte
	// When elided, the builder's prevTs is used.
	ts uint64
	// When elided in assertions, the builder checks the value is unchanged.
	value []byte
}

func newBuilder(t *testing.T) testBuilder {
	mem := storage.NewMemStorage()
	server := NewServer(mem)
	server.Latches.Validation = func(txn *mvcc.MvccTxn, keys [][]byte) {
		keyMap := make(map[string]struct{})
		for _, k := range keys {
			keyMap[string(k)] = struct{}{}
		}
		for _, wr := range txn.Writes() {
			key := wr.Key()
			// Relies on the tests using user keys shorter than 9 bytes,
			// the minimum length of an encoded key.
			if len(key) > 8 && wr.Cf() != engine_util.CfLock {
				key = codec.DecodeUserKey(key)
			}
			if _, ok := keyMap[string(key)]; !ok {
				t.Errorf("wrote a key which was not latched in %v", wr.Data)
			}
		}
	}
	return testBuilder{t, server, mem, 99}
}

// init seeds the backing store.
func (builder *testBuilder) init(values []kv) {
	for _, kv := range values {
		ts := kv.ts
		if ts == 0 {
			ts = builder.prevTs
		}
		if kv.cf == engine_util.CfLock {
			builder.mem.Set(kv.cf, kv.key, kv.value)
		} else {
			builder.mem.Set(kv.cf, codec.EncodeKey(kv.key, ts), kv.value)
		}
	}
}

// runRequests dispatches each request to the server handler matching its
// type ("*kvrpcpb.FooRequest" runs KvFoo) and collects the responses.
func (builder *testBuilder) runRequests(reqs ...interface{}) []interface{} {
	var result []interface{}
	for _, req := range reqs {
		reqName := fmt.Sprintf("%v", reflect.TypeOf(req))
		reqName = strings.TrimPrefix(strings.TrimSuffix(reqName, "Request"), "*kvrpcpb.")
		fnName := "Kv" + reqName
		serverVal := reflect.ValueOf(builder.server)
		fn := serverVal.MethodByName(fnName)
		ctxtVal := reflect.ValueOf(context.Background())
		reqVal := reflect.ValueOf(req)

		results := fn.Call([]reflect.Value{ctxtVal, reqVal})

		assert.Nil(builder.t, results[1].Interface())
		result = append(result, results[0].Interface())
	}
	return result
}

func (builder *testBuilder) runOneRequest(req interface{}) interface{} {
	return builder.runRequests(req)[0]
}

func (builder *testBuilder) nextTs() uint64 {
	builder.prevTs++
	return builder.prevTs
}

// ts returns the most recent timestamp used by the builder as a byte.
func (builder *testBuilder) ts() byte {
	return byte(builder.prevTs)
}

// assert checks that each key/value pair exists with the given value, or
// that it is unchanged when no value is given.
func (builder *testBuilder) assert(kvs []kv) {
	for _, kv := range kvs {
		var key []byte
		ts := kv.ts
		if ts == 0 {
			ts = builder.prevTs
		}
		if kv.cf == engine_util.CfLock {
			key = kv.key
		} else {
			key = codec.EncodeKey(kv.key, ts)
		}
		if kv.value == nil {
			assert.False(builder.t, builder.mem.HasChanged(kv.cf, key))
		} else {
			assert.Equal(builder.t, kv.value, builder.mem.Get(kv.cf, key))
		}
	}
}

// assertLens asserts the number of entries in each column family.
func (builder *testBuilder) assertLens(def int, lock int, write int) {
	assert.Equal(builder.t, def, builder.mem.Len(engine_util.CfDefault))
	assert.Equal(builder.t, lock, builder.mem.Len(engine_util.CfLock))
	assert.Equal(builder.t, write, builder.mem.Len(engine_util.CfWrite))
}

func (builder *testBuilder) prewriteRequest(muts ...*kvrpcpb.Mutation) *kvrpcpb.PrewriteRequest {
	var req kvrpcpb.PrewriteRequest
	req.PrimaryLock = []byte{1}
	req.StartVersion = builder.nextTs()
	req.Mutations = muts
	return &req
}

func mutation(key byte, value []byte, op kvrpcpb.Op) *kvrpcpb.Mutation {
	var mut kvrpcpb.Mutation
	mut.Key = []byte{key}
	mut.Value = value
	mut.Op = op
	return &mut
}

func (builder *testBuilder) commitRequest(keys ...[]byte) *kvrpcpb.CommitRequest {
	var req kvrpcpb.CommitRequest
	req.StartVersion = builder.nextTs()
	req.CommitVersion = builder.prevTs + 10
	req.Keys = keys
	return &req
}

func (builder *testBuilder) rollbackRequest(keys ...[]byte) *kvrpcpb.BatchRollbackRequest {
	var req kvrpcpb.BatchRollbackRequest
	req.StartVersion = builder.nextTs()
	req.Keys = keys
	return &req
}

func (builder *testBuilder) cleanupRequest(key []byte, startTs uint64) *kvrpcpb.CleanupRequest {
	var req kvrpcpb.CleanupRequest
	req.Key = key
	req.StartVersion = startTs
	return &req
}

func resolveRequest(startTs uint64, commitTs uint64) *kvrpcpb.ResolveLockRequest {
	var req kvrpcpb.ResolveLockRequest
	req.StartVersion = startTs
	req.CommitVersion = commitTs
	return &req
}

func (builder *testBuilder) scanRequest(startKey []byte, limit uint32) *kvrpcpb.ScanRequest {
	var req kvrpcpb.ScanRequest
	req.StartKey = startKey
	req.Limit = limit
	req.Version = builder.nextTs()
	return &req
}
