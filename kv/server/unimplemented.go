package server

import (
	"context"

	"github.com/pingcap/kvproto/pkg/coprocessor"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/tikvpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The remainder of the tikvpb surface is not served: transactions are
// optimistic only, there is no SQL push-down layer, no import pipeline,
// and garbage collection runs through lock resolution rather than a
// dedicated RPC.

var errNotSupported = status.Error(codes.Unimplemented, "not supported")

func (server *Server) KvPessimisticLock(_ context.Context, _ *kvrpcpb.PessimisticLockRequest) (*kvrpcpb.PessimisticLockResponse, error) {
	return nil, errNotSupported
}

func (server *Server) KVPessimisticRollback(_ context.Context, _ *kvrpcpb.PessimisticRollbackRequest) (*kvrpcpb.PessimisticRollbackResponse, error) {
	return nil, errNotSupported
}

func (server *Server) UnsafeDestroyRange(_ context.Context, _ *kvrpcpb.UnsafeDestroyRangeRequest) (*kvrpcpb.UnsafeDestroyRangeResponse, error) {
	return nil, errNotSupported
}

func (server *Server) BatchRaft(_ tikvpb.Tikv_BatchRaftServer) error {
	return errNotSupported
}

func (server *Server) ReadIndex(_ context.Context, _ *kvrpcpb.ReadIndexRequest) (*kvrpcpb.ReadIndexResponse, error) {
	return nil, errNotSupported
}

func (server *Server) Coprocessor(_ context.Context, _ *coprocessor.Request) (*coprocessor.Response, error) {
	return nil, errNotSupported
}

func (server *Server) CoprocessorStream(_ *coprocessor.Request, _ tikvpb.Tikv_CoprocessorStreamServer) error {
	return errNotSupported
}

func (server *Server) BatchCommands(_ tikvpb.Tikv_BatchCommandsServer) error {
	return errNotSupported
}

func (server *Server) KvImport(_ context.Context, _ *kvrpcpb.ImportRequest) (*kvrpcpb.ImportResponse, error) {
	return nil, errNotSupported
}

func (server *Server) KvGC(_ context.Context, _ *kvrpcpb.GCRequest) (*kvrpcpb.GCResponse, error) {
	return nil, errNotSupported
}

func (server *Server) KvDeleteRange(_ context.Context, _ *kvrpcpb.DeleteRangeRequest) (*kvrpcpb.DeleteRangeResponse, error) {
	return nil, errNotSupported
}

func (server *Server) MvccGetByKey(_ context.Context, _ *kvrpcpb.MvccGetByKeyRequest) (*kvrpcpb.MvccGetByKeyResponse, error) {
	return nil, errNotSupported
}

func (server *Server) MvccGetByStartTs(_ context.Context, _ *kvrpcpb.MvccGetByStartTsRequest) (*kvrpcpb.MvccGetByStartTsResponse, error) {
	return nil, errNotSupported
}

func (server *Server) SplitRegion(_ context.Context, _ *kvrpcpb.SplitRegionRequest) (*kvrpcpb.SplitRegionResponse, error) {
	return nil, errNotSupported
}

func (server *Server) RawBatchGet(_ context.Context, _ *kvrpcpb.RawBatchGetRequest) (*kvrpcpb.RawBatchGetResponse, error) {
	return nil, errNotSupported
}

func (server *Server) RawBatchPut(_ context.Context, _ *kvrpcpb.RawBatchPutRequest) (*kvrpcpb.RawBatchPutResponse, error) {
	return nil, errNotSupported
}

func (server *Server) RawBatchDelete(_ context.Context, _ *kvrpcpb.RawBatchDeleteRequest) (*kvrpcpb.RawBatchDeleteResponse, error) {
	return nil, errNotSupported
}

func (server *Server) RawBatchScan(_ context.Context, _ *kvrpcpb.RawBatchScanRequest) (*kvrpcpb.RawBatchScanResponse, error) {
	return nil, errNotSupported
}

func (server *Server) RawDeleteRange(_ context.Context, _ *kvrpcpb.RawDeleteRangeRequest) (*kvrpcpb.RawDeleteRangeResponse, error) {
	return nil, errNotSupported
}
