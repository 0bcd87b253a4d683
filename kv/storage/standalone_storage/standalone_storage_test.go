package standalone_storage

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/storage"
	"github.com/rangekv/rangekv/kv/util/engine_util"
)

func newTestStorage(t *testing.T) (*StandAloneStorage, func()) {
	dir, err := ioutil.TempDir("", "standalone")
	require.Nil(t, err)
	conf := config.NewTestConfig()
	conf.DBPath = dir
	s := NewStandAloneStorage(conf)
	require.Nil(t, s.Start())
	return s, func() {
		s.Stop()
		os.RemoveAll(dir)
	}
}

func TestStandAloneReadWrite(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	batch := []storage.Modify{
		storage.NewPut(engine_util.CfDefault, []byte("a"), []byte("1")),
		storage.NewPut(engine_util.CfDefault, []byte("b"), []byte("2")),
		storage.NewPut(engine_util.CfLock, []byte("a"), []byte("lock")),
	}
	require.Nil(t, s.Write(nil, batch))

	reader, err := s.Reader(nil)
	require.Nil(t, err)
	defer reader.Close()

	val, err := reader.GetCF(engine_util.CfDefault, []byte("a"))
	require.Nil(t, err)
	require.Equal(t, []byte("1"), val)

	// CFs do not leak into one another.
	val, err = reader.GetCF(engine_util.CfWrite, []byte("a"))
	require.Nil(t, err)
	require.Nil(t, val)

	val, err = reader.GetCF(engine_util.CfLock, []byte("a"))
	require.Nil(t, err)
	require.Equal(t, []byte("lock"), val)
}

func TestStandAloneDelete(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	require.Nil(t, s.Write(nil, []storage.Modify{
		storage.NewPut(engine_util.CfDefault, []byte("a"), []byte("1")),
	}))
	require.Nil(t, s.Write(nil, []storage.Modify{
		storage.NewDelete(engine_util.CfDefault, []byte("a")),
	}))

	reader, err := s.Reader(nil)
	require.Nil(t, err)
	defer reader.Close()

	val, err := reader.GetCF(engine_util.CfDefault, []byte("a"))
	require.Nil(t, err)
	require.Nil(t, val)
}

func TestStandAloneIter(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	var batch []storage.Modify
	for _, k := range keys {
		batch = append(batch, storage.NewPut(engine_util.CfWrite, k, k))
	}
	require.Nil(t, s.Write(nil, batch))

	reader, err := s.Reader(nil)
	require.Nil(t, err)
	defer reader.Close()

	iter := reader.IterCF(engine_util.CfWrite)
	defer iter.Close()
	var got [][]byte
	for iter.Seek([]byte("a")); iter.Valid(); iter.Next() {
		got = append(got, iter.Item().KeyCopy(nil))
	}
	require.Equal(t, keys, got)

	// A reader is a snapshot: later writes are invisible to it.
	require.Nil(t, s.Write(nil, []storage.Modify{
		storage.NewPut(engine_util.CfWrite, []byte("d"), []byte("d")),
	}))
	iter2 := reader.IterCF(engine_util.CfWrite)
	defer iter2.Close()
	count := 0
	for iter2.Seek([]byte("a")); iter2.Valid(); iter2.Next() {
		count++
	}
	require.Equal(t, 3, count)
}
