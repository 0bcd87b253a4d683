package server

import (
	"context"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/rangekv/rangekv/kv/storage"
)

// The raw API bypasses timestamps and locks and operates on the column
// families directly. It shares the store with the transactional API, so
// mixing the two on the same keys is not meaningful.

func (server *Server) RawGet(_ context.Context, req *kvrpcpb.RawGetRequest) (*kvrpcpb.RawGetResponse, error) {
	response := new(kvrpcpb.RawGetResponse)
	reader, err := server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		response.Error = err.Error()
		return response, nil
	}
	defer reader.Close()

	value, err := reader.GetCF(req.Cf, req.Key)
	if err != nil {
		response.Error = err.Error()
		return response, nil
	}
	response.Value = value
	response.NotFound = value == nil
	return response, nil
}

func (server *Server) RawPut(_ context.Context, req *kvrpcpb.RawPutRequest) (*kvrpcpb.RawPutResponse, error) {
	response := new(kvrpcpb.RawPutResponse)
	err := server.storage.Write(req.Context, []storage.Modify{
		storage.NewPut(req.Cf, req.Key, req.Value),
	})
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		response.Error = err.Error()
	}
	return response, nil
}

func (server *Server) RawDelete(_ context.Context, req *kvrpcpb.RawDeleteRequest) (*kvrpcpb.RawDeleteResponse, error) {
	response := new(kvrpcpb.RawDeleteResponse)
	err := server.storage.Write(req.Context, []storage.Modify{
		storage.NewDelete(req.Cf, req.Key),
	})
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		response.Error = err.Error()
	}
	return response, nil
}

func (server *Server) RawScan(_ context.Context, req *kvrpcpb.RawScanRequest) (*kvrpcpb.RawScanResponse, error) {
	response := new(kvrpcpb.RawScanResponse)
	reader, err := server.storage.Reader(req.Context)
	if err != nil {
		if regionErr := extractRegionError(err); regionErr != nil {
			response.RegionError = regionErr
			return response, nil
		}
		response.Error = err.Error()
		return response, nil
	}
	defer reader.Close()

	iter := reader.IterCF(req.Cf)
	defer iter.Close()
	for iter.Seek(req.StartKey); iter.Valid() && uint32(len(response.Kvs)) < req.Limit; iter.Next() {
		item := iter.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			response.Error = err.Error()
			return response, nil
		}
		response.Kvs = append(response.Kvs, &kvrpcpb.KvPair{
			Key:   item.KeyCopy(nil),
			Value: value,
		})
	}
	return response, nil
}
