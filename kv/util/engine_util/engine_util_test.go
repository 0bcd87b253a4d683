package engine_util

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEngineUtil(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine_util")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	db := CreateDB(dir, false)
	defer db.Close()

	batch := new(WriteBatch)
	batch.SetCF(CfDefault, []byte("a"), []byte("a1"))
	batch.SetCF(CfDefault, []byte("b"), []byte("b1"))
	batch.SetCF(CfDefault, []byte("c"), []byte("c1"))
	batch.SetCF(CfDefault, []byte("d"), []byte("d1"))
	batch.SetCF(CfWrite, []byte("a"), []byte("a2"))
	batch.SetCF(CfWrite, []byte("b"), []byte("b2"))
	batch.SetCF(CfWrite, []byte("d"), []byte("d2"))
	batch.SetCF(CfLock, []byte("a"), []byte("a3"))
	batch.SetCF(CfLock, []byte("c"), []byte("c3"))
	batch.SetCF(CfDefault, []byte("e"), []byte("e1"))
	batch.DeleteCF(CfDefault, []byte("e"))
	err = batch.WriteToDB(db)
	require.Nil(t, err)

	_, err = GetCF(db, CfDefault, []byte("e"))
	require.NotNil(t, err)

	val, _ := GetCF(db, CfDefault, []byte("c"))
	require.True(t, bytes.Equal(val, []byte("c1")))
	val, _ = GetCF(db, CfWrite, []byte("a"))
	require.True(t, bytes.Equal(val, []byte("a2")))
	val, _ = GetCF(db, CfLock, []byte("c"))
	require.True(t, bytes.Equal(val, []byte("c3")))

	// Each column family iterates independently.
	txn := db.NewTransaction(false)
	defer txn.Discard()
	defaultIter := NewCFIterator(CfDefault, txn)
	defaultIter.Seek([]byte("a"))
	item := defaultIter.Item()
	require.True(t, bytes.Equal(item.Key(), []byte("a")))
	val, _ = item.Value()
	require.True(t, bytes.Equal(val, []byte("a1")))
	defaultIter.Next()
	item = defaultIter.Item()
	require.True(t, bytes.Equal(item.Key(), []byte("b")))
	val, _ = item.Value()
	require.True(t, bytes.Equal(val, []byte("b1")))
	defaultIter.Close()

	writeIter := NewCFIterator(CfWrite, txn)
	writeIter.Seek([]byte("b"))
	item = writeIter.Item()
	require.True(t, bytes.Equal(item.Key(), []byte("b")))
	val, _ = item.Value()
	require.True(t, bytes.Equal(val, []byte("b2")))
	writeIter.Next()
	item = writeIter.Item()
	require.True(t, bytes.Equal(item.Key(), []byte("d")))
	val, _ = item.Value()
	require.True(t, bytes.Equal(val, []byte("d2")))
	writeIter.Close()

	lockIter := NewCFIterator(CfLock, txn)
	lockIter.Seek([]byte("b"))
	item = lockIter.Item()
	require.True(t, bytes.Equal(item.Key(), []byte("c")))
	lockIter.Next()
	require.False(t, lockIter.Valid())
	lockIter.Close()
}

func TestExceedEndKey(t *testing.T) {
	require.False(t, ExceedEndKey([]byte("zzz"), nil))
	require.False(t, ExceedEndKey([]byte("a"), []byte("b")))
	require.True(t, ExceedEndKey([]byte("b"), []byte("b")))
	require.True(t, ExceedEndKey([]byte("c"), []byte("b")))
}
