package engine_util

import (
	"os"
	"path/filepath"

	"github.com/Connor1996/badger"

	"github.com/rangekv/rangekv/log"
)

// Engines groups the two badger instances a store runs on: one for user
// data and region metadata, one for raft log entries and hard state.
// Keeping them apart lets raft entries be dropped cheaply after log
// compaction without churning the data engine's value log.
type Engines struct {
	// Kv holds column-family prefixed user data plus RegionLocalState and
	// RaftApplyState.
	Kv     *badger.DB
	KvPath string
	// Raft holds raft log entries and RaftLocalState.
	Raft     *badger.DB
	RaftPath string
}

func NewEngines(kvEngine, raftEngine *badger.DB, kvPath, raftPath string) *Engines {
	return &Engines{
		Kv:       kvEngine,
		KvPath:   kvPath,
		Raft:     raftEngine,
		RaftPath: raftPath,
	}
}

func (en *Engines) WriteKV(wb *WriteBatch) error {
	return wb.WriteToDB(en.Kv)
}

func (en *Engines) WriteRaft(wb *WriteBatch) error {
	return wb.WriteToDB(en.Raft)
}

func (en *Engines) Close() error {
	if err := en.Kv.Close(); err != nil {
		return err
	}
	return en.Raft.Close()
}

// Destroy closes both engines and removes their data directories.
func (en *Engines) Destroy() error {
	if err := en.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(en.KvPath); err != nil {
		return err
	}
	return os.RemoveAll(en.RaftPath)
}

// CreateDB opens a badger instance at path, creating the directory if
// needed. Raft engines disable the value log since their entries are
// short lived.
func CreateDB(path string, raft bool) *badger.DB {
	opts := badger.DefaultOptions
	if raft {
		opts.ValueThreshold = 0
	}
	opts.Dir = path
	opts.ValueDir = path
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		log.Fatal(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal(err)
	}
	return db
}

// DBPaths returns the kv and raft engine directories under dbPath.
func DBPaths(dbPath string) (kvPath, raftPath string) {
	return filepath.Join(dbPath, "kv"), filepath.Join(dbPath, "raft")
}
