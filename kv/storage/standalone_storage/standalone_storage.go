package standalone_storage

import (
	"os"
	"path/filepath"

	"github.com/Connor1996/badger"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/storage"
	"github.com/rangekv/rangekv/kv/util/engine_util"
)

// StandAloneStorage is a Storage over a single badger instance. It is not
// replicated and is only suitable for single node deployments.
type StandAloneStorage struct {
	engines *engine_util.Engines
	config  *config.Config
}

func NewStandAloneStorage(conf *config.Config) *StandAloneStorage {
	dbPath := conf.DBPath
	kvPath := filepath.Join(dbPath, "kv")
	raftPath := filepath.Join(dbPath, "raft")

	os.MkdirAll(kvPath, os.ModePerm)
	os.MkdirAll(raftPath, os.ModePerm)

	kvDB := engine_util.CreateDB(kvPath, false)
	engines := engine_util.NewEngines(kvDB, nil, kvPath, raftPath)

	return &StandAloneStorage{engines: engines, config: conf}
}

func (s *StandAloneStorage) Start() error {
	return nil
}

func (s *StandAloneStorage) Stop() error {
	return s.engines.Kv.Close()
}

func (s *StandAloneStorage) Write(ctx *kvrpcpb.Context, batch []storage.Modify) error {
	wb := new(engine_util.WriteBatch)
	for _, m := range batch {
		switch m.Type {
		case storage.ModifyTypePut:
			put := m.Data.(storage.Put)
			wb.SetCF(put.Cf, put.Key, put.Value)
		case storage.ModifyTypeDelete:
			del := m.Data.(storage.Delete)
			wb.DeleteCF(del.Cf, del.Key)
		}
	}
	return wb.WriteToDB(s.engines.Kv)
}

func (s *StandAloneStorage) Reader(ctx *kvrpcpb.Context) (storage.StorageReader, error) {
	txn := s.engines.Kv.NewTransaction(false)
	return &BadgerReader{txn}, nil
}

// BadgerReader reads from a snapshot of the local badger instance.
type BadgerReader struct {
	txn *badger.Txn
}

func (b *BadgerReader) GetCF(cf string, key []byte) ([]byte, error) {
	val, err := engine_util.GetCFFromTxn(b.txn, cf, key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, err
}

func (b *BadgerReader) IterCF(cf string) engine_util.DBIterator {
	return engine_util.NewCFIterator(cf, b.txn)
}

func (b *BadgerReader) Close() {
	b.txn.Discard()
}
