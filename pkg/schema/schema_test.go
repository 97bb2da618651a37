package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-vcs/graft/pkg/kv"
	"github.com/graft-vcs/graft/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	env, err := kv.Open(t.TempDir(), kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	txn, err := env.Begin()
	require.NoError(t, err)
	t.Cleanup(txn.Abort)
	return New(txn)
}

func TestReciprocalEdgePair(t *testing.T) {
	s := newTestStore(t)
	var patch model.InternalHash
	patch[0] = 1
	a := model.NewKey(patch, 1)
	b := model.NewKey(patch, 2)

	require.NoError(t, s.PutReciprocalPair("main", a, b, model.FlagFolder, patch))

	fromA, err := s.EdgesFrom("main", a)
	require.NoError(t, err)
	require.Len(t, fromA, 1)
	assert.Equal(t, b, fromA[0].Target)
	assert.Equal(t, model.FlagFolder, fromA[0].Flag)

	fromB, err := s.EdgesFrom("main", b)
	require.NoError(t, err)
	require.Len(t, fromB, 1)
	assert.Equal(t, a, fromB[0].Target)
	assert.Equal(t, model.FlagFolder|model.FlagParent, fromB[0].Flag)

	require.NoError(t, s.DelReciprocalPair("main", a, b, model.FlagFolder, patch))
	fromA, err = s.EdgesFrom("main", a)
	require.NoError(t, err)
	assert.Empty(t, fromA)
}

func TestTreeEntryAndParentOf(t *testing.T) {
	s := newTestStore(t)
	var parent, child model.Inode
	parent[0] = 1
	child[0] = 2

	require.NoError(t, s.PutTreeEntry(parent, "toto", child))

	got, ok, err := s.ChildOf(parent, "toto")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, child, got)

	gotParent, name, ok, err := s.ParentOf(child)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, parent, gotParent)
	assert.Equal(t, "toto", name)

	children, err := s.Children(parent)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "toto", children[0].Name)

	require.NoError(t, s.DelTreeEntry(parent, "toto"))
	_, ok, err = s.ChildOf(parent, "toto")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInodeBindingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	var inode model.Inode
	inode[0] = 9
	var patch model.InternalHash
	node := model.NewKey(patch, 3)

	rec := InodeRecord{Status: model.StatusSynced, Perms: 0o644, Node: node}
	require.NoError(t, s.PutInode(inode, rec))

	got, ok, err := s.GetInode(inode)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	boundInode, ok, err := s.InodeOf(node)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, inode, boundInode)

	require.NoError(t, s.SetInodeStatus(inode, model.StatusMoved))
	got, _, err = s.GetInode(inode)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMoved, got.Status)

	require.NoError(t, s.DelInode(inode))
	_, ok, err = s.GetInode(inode)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInternalExternalHashMapping(t *testing.T) {
	s := newTestStore(t)
	ext := model.ExternalHash([]byte("deadbeef-external-hash"))
	var internal model.InternalHash
	internal[0] = 7

	require.NoError(t, s.RegisterExternal(ext, internal))

	gotInternal, ok, err := s.InternalOf(ext)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, internal, gotInternal)

	gotExt, ok, err := s.ExternalOf(internal)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ext, gotExt)

	exists, err := s.InternalIDExists(internal)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBranchAppliedLog(t *testing.T) {
	s := newTestStore(t)
	var p1, p2 model.InternalHash
	p1[0], p2[0] = 1, 2

	require.NoError(t, s.MarkApplied("main", p1))
	require.NoError(t, s.MarkApplied("main", p2))

	applied, err := s.IsApplied("main", p1)
	require.NoError(t, err)
	assert.True(t, applied)

	all, err := s.AppliedPatches("main")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEncodeDecodeEntryName(t *testing.T) {
	fileData := EncodeEntryName("toto", false)
	name, isDir := DecodeEntryName(fileData)
	assert.Equal(t, "toto", name)
	assert.False(t, isDir)

	dirData := EncodeEntryName("sub", true)
	name, isDir = DecodeEntryName(dirData)
	assert.Equal(t, "sub", name)
	assert.True(t, isDir)
}

func TestFileContentReaderSuppressesRootButReadsOthers(t *testing.T) {
	s := newTestStore(t)
	var patch model.InternalHash
	root := model.NewKey(patch, 1)
	line := model.NewKey(patch, 2)
	require.NoError(t, s.PutContents(root, EncodeEntryName("toto", false)))
	require.NoError(t, s.PutContents(line, []byte("hello\n")))

	cr := FileContentReader{Store: s, Root: root}

	_, ok, err := cr.Contents(root)
	require.NoError(t, err)
	assert.False(t, ok, "the file's own folder-entry node must not surface as body content")

	data, ok, err := cr.Contents(line)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello\n"), data)
}
