package storage

import (
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/rangekv/rangekv/kv/util/engine_util"
)

// Storage is the layer the request handlers sit on. It reads and writes
// column-family key/value data, either directly on a local engine or through
// a raft group, depending on the implementation.
type Storage interface {
	Start() error
	Stop() error
	Write(ctx *kvrpcpb.Context, batch []Modify) error
	Reader(ctx *kvrpcpb.Context) (StorageReader, error)
}

// StorageReader is a consistent view of the storage at the time Reader was
// called. Callers must Close it when done.
type StorageReader interface {
	// GetCF returns (nil, nil) when the key does not exist.
	GetCF(cf string, key []byte) ([]byte, error)
	IterCF(cf string) engine_util.DBIterator
	Close()
}
