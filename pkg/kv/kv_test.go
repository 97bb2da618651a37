package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T) *Env {
	t.Helper()
	env, err := Open(t.TempDir(), Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestPutGetDel(t *testing.T) {
	env := openTestEnv(t)
	txn, err := env.Begin()
	require.NoError(t, err)

	db := txn.DB("nodes", false)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))

	val, err := db.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)

	require.NoError(t, db.Del([]byte("a"), nil))
	_, err = db.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, txn.Commit())
}

func TestPutRejectsEmptyKey(t *testing.T) {
	env := openTestEnv(t)
	txn, err := env.Begin()
	require.NoError(t, err)
	defer txn.Abort()

	db := txn.DB("nodes", false)
	err = db.Put(nil, []byte("x"))
	assert.ErrorIs(t, err, ErrNothingToWrite)
}

func TestCommitPersistsAcrossTransactions(t *testing.T) {
	env := openTestEnv(t)

	txn1, err := env.Begin()
	require.NoError(t, err)
	require.NoError(t, txn1.DB("nodes", false).Put([]byte("k"), []byte("v")))
	require.NoError(t, txn1.Commit())

	txn2, err := env.Begin()
	require.NoError(t, err)
	defer txn2.Abort()
	val, err := txn2.DB("nodes", false).Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestSingleWriterEnforced(t *testing.T) {
	env := openTestEnv(t)
	txn1, err := env.Begin()
	require.NoError(t, err)
	defer txn1.Abort()

	_, err = env.Begin()
	assert.ErrorIs(t, err, ErrWriterBusy)
}

func TestAbortDiscardsRootWrites(t *testing.T) {
	env := openTestEnv(t)
	txn1, err := env.Begin()
	require.NoError(t, err)
	require.NoError(t, txn1.DB("nodes", false).Put([]byte("k"), []byte("v")))
	txn1.Abort()

	txn2, err := env.Begin()
	require.NoError(t, err)
	defer txn2.Abort()
	_, err = txn2.DB("nodes", false).Get([]byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestChildCommitMergesIntoParent(t *testing.T) {
	env := openTestEnv(t)
	root, err := env.Begin()
	require.NoError(t, err)
	defer root.Abort()

	child := root.Child()
	require.NoError(t, child.DB("nodes", false).Put([]byte("k"), []byte("v")))
	require.NoError(t, child.Commit())

	val, err := root.DB("nodes", false).Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestChildAbortLeavesParentUntouched(t *testing.T) {
	env := openTestEnv(t)
	root, err := env.Begin()
	require.NoError(t, err)
	defer root.Abort()

	child := root.Child()
	require.NoError(t, child.DB("nodes", false).Put([]byte("k"), []byte("v")))
	child.Abort()

	_, err = root.DB("nodes", false).Get([]byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDupTableMultipleValuesAndIter(t *testing.T) {
	env := openTestEnv(t)
	txn, err := env.Begin()
	require.NoError(t, err)
	defer txn.Abort()

	db := txn.DB("edges", true)
	require.NoError(t, db.Put([]byte("n1"), []byte("b")))
	require.NoError(t, db.Put([]byte("n1"), []byte("a")))
	require.NoError(t, db.Put([]byte("n2"), []byte("z")))

	vals, err := db.GetAll([]byte("n1"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, vals)

	has, err := db.Has([]byte("n1"), []byte("a"))
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, db.Del([]byte("n1"), []byte("a")))
	vals, err = db.GetAll([]byte("n1"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("b")}, vals)

	entries, err := db.IterPrefix(nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestIterOrdersAscending(t *testing.T) {
	env := openTestEnv(t)
	txn, err := env.Begin()
	require.NoError(t, err)
	defer txn.Abort()

	db := txn.DB("tree", false)
	require.NoError(t, db.Put([]byte("c"), []byte("3")))
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))

	entries, err := db.Iter(nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("a"), entries[0].Key)
	assert.Equal(t, []byte("b"), entries[1].Key)
	assert.Equal(t, []byte("c"), entries[2].Key)
}
