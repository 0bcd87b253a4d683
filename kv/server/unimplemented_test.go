package server

import (
	"context"
	"testing"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rangekv/rangekv/kv/storage"
)

func TestUnservedCommandsRejected(t *testing.T) {
	server := NewServer(storage.NewMemStorage())

	_, err := server.KvPessimisticLock(context.TODO(), &kvrpcpb.PessimisticLockRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	_, err = server.KVPessimisticRollback(context.TODO(), &kvrpcpb.PessimisticRollbackRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	_, err = server.UnsafeDestroyRange(context.TODO(), &kvrpcpb.UnsafeDestroyRangeRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	_, err = server.ReadIndex(context.TODO(), &kvrpcpb.ReadIndexRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	assert.Equal(t, codes.Unimplemented, status.Code(server.BatchRaft(nil)))
}
