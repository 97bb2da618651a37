package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-vcs/graft/pkg/kv"
	"github.com/graft-vcs/graft/pkg/model"
	"github.com/graft-vcs/graft/pkg/patch"
	"github.com/graft-vcs/graft/pkg/schema"
)

func newTestStore(t *testing.T) *schema.Store {
	t.Helper()
	env, err := kv.Open(t.TempDir(), kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	txn, err := env.Begin()
	require.NoError(t, err)
	t.Cleanup(txn.Abort)
	return schema.New(txn)
}

func internalHash(b byte) model.InternalHash {
	var h model.InternalHash
	h[0] = b
	return h
}

// fakeFS is an in-memory stand-in for output.FS. WriteFile registers the
// containing directory the way OSFS's real os.MkdirAll side effect does,
// so tests can assert on fs.dirs without depending on applyOps' opAdd
// path (which only fires fs.Mkdir for directories first added during the
// second, pending-patch phase).
type fakeFS struct {
	dirs  map[string]bool
	files map[string][]byte
}

func newFakeFS() *fakeFS { return &fakeFS{dirs: map[string]bool{}, files: map[string][]byte{}} }

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

func (fs *fakeFS) Stat(path string) (bool, bool, error) {
	if fs.dirs[path] {
		return true, true, nil
	}
	if _, ok := fs.files[path]; ok {
		return true, false, nil
	}
	return false, false, nil
}

func (fs *fakeFS) Mkdir(path string) error {
	fs.dirs[path] = true
	return nil
}

func (fs *fakeFS) WriteFile(path string, data []byte) error {
	if d := dirOf(path); d != "" {
		fs.dirs[d] = true
	}
	fs.files[path] = append([]byte(nil), data...)
	return nil
}

func (fs *fakeFS) Remove(path string) error {
	delete(fs.files, path)
	return nil
}

func (fs *fakeFS) RemoveAll(path string) error {
	delete(fs.dirs, path)
	for k := range fs.files {
		if len(k) > len(path) && k[:len(path)+1] == path+"/" {
			delete(fs.files, k)
		}
	}
	return nil
}

func (fs *fakeFS) Rename(oldPath, newPath string) error {
	if data, ok := fs.files[oldPath]; ok {
		delete(fs.files, oldPath)
		fs.files[newPath] = data
		return nil
	}
	if fs.dirs[oldPath] {
		delete(fs.dirs, oldPath)
		fs.dirs[newPath] = true
	}
	return nil
}

func TestOutputRepositoryWritesNewFile(t *testing.T) {
	dst := newTestStore(t)
	id := internalHash(11)
	p := &patch.Patch{Changes: []patch.Change{
		patch.NewNodes{UpContext: []model.Key{model.RootKey}, LineNum: 1, Flag: model.FlagFolder, Nodes: [][]byte{schema.EncodeEntryName("toto", false)}},
		patch.NewNodes{UpContext: []model.Key{model.NewKey(id, 1)}, LineNum: 2, Nodes: [][]byte{[]byte("hello\n")}},
	}}
	require.NoError(t, patch.Apply(dst, "main", p, id, map[model.InternalHash]bool{id: true}))

	fs := newFakeFS()
	require.NoError(t, OutputRepository(dst, "main", fs, nil))

	assert.Equal(t, []byte("hello\n"), fs.files["toto"])
}

func TestOutputRepositoryWritesFileInSubdirectory(t *testing.T) {
	dst := newTestStore(t)
	id := internalHash(12)
	dirNode := model.NewKey(id, 1)
	fileNode := model.NewKey(id, 2)
	p := &patch.Patch{Changes: []patch.Change{
		patch.NewNodes{UpContext: []model.Key{model.RootKey}, LineNum: 1, Flag: model.FlagFolder, Nodes: [][]byte{schema.EncodeEntryName("d", true)}},
		patch.NewNodes{UpContext: []model.Key{dirNode}, LineNum: 2, Flag: model.FlagFolder, Nodes: [][]byte{schema.EncodeEntryName("f", false)}},
		patch.NewNodes{UpContext: []model.Key{fileNode}, LineNum: 3, Nodes: [][]byte{[]byte("x\n")}},
	}}
	require.NoError(t, patch.Apply(dst, "main", p, id, map[model.InternalHash]bool{id: true}))

	fs := newFakeFS()
	require.NoError(t, OutputRepository(dst, "main", fs, nil))

	assert.Equal(t, []byte("x\n"), fs.files["d/f"])
	assert.True(t, fs.dirs["d"])
}

func TestOutputRepositoryPreviewsPendingWithoutPersisting(t *testing.T) {
	dst := newTestStore(t)
	pending := &patch.Patch{Changes: []patch.Change{
		patch.NewNodes{UpContext: []model.Key{model.RootKey}, LineNum: 1, Flag: model.FlagFolder, Nodes: [][]byte{schema.EncodeEntryName("preview", false)}},
		patch.NewNodes{UpContext: []model.Key{model.NewKey(model.InternalHash{}, 1)}, LineNum: 2, Nodes: [][]byte{[]byte("draft\n")}},
	}}

	fs := newFakeFS()
	require.NoError(t, OutputRepository(dst, "main", fs, pending))
	assert.Equal(t, []byte("draft\n"), fs.files["preview"])

	_, ok, err := dst.ChildOf(model.RootInode, "preview")
	require.NoError(t, err)
	assert.False(t, ok, "pending's child transaction must be aborted, leaving no trace")
}

func TestRetrieveAndOutputOmitsFolderEntryMarker(t *testing.T) {
	store := newTestStore(t)
	id := internalHash(9)
	root := model.NewKey(id, 1)
	p := &patch.Patch{Changes: []patch.Change{
		patch.NewNodes{UpContext: []model.Key{model.RootKey}, LineNum: 1, Flag: model.FlagFolder, Nodes: [][]byte{schema.EncodeEntryName("toto", false)}},
		patch.NewNodes{UpContext: []model.Key{root}, LineNum: 2, Nodes: [][]byte{[]byte("hello\n")}},
	}}
	require.NoError(t, patch.Apply(store, "main", p, id, map[model.InternalHash]bool{id: true}))

	var buf bytes.Buffer
	require.NoError(t, RetrieveAndOutput(store, "main", root, &buf))
	assert.Equal(t, "hello\n", buf.String(), "the folder entry's own name marker must not leak into the rendered body")
}

func TestGCRemovesInodeWithNoLiveParentFolderEdge(t *testing.T) {
	store := newTestStore(t)
	var inode model.Inode
	inode[0] = 1
	node := model.NewKey(internalHash(1), 5)
	require.NoError(t, store.PutInode(inode, schema.InodeRecord{Status: model.StatusSynced, Perms: 0o644, Node: node}))
	require.NoError(t, store.PutTreeEntry(model.RootInode, "orphan", inode))

	require.NoError(t, gc(store, "main"))

	_, ok, err := store.GetInode(inode)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.ChildOf(model.RootInode, "orphan")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGCKeepsInodeWithLiveParentFolderEdge(t *testing.T) {
	store := newTestStore(t)
	var inode model.Inode
	inode[0] = 2
	id := internalHash(2)
	node := model.NewKey(id, 1)
	require.NoError(t, store.PutReciprocalPair("main", model.RootKey, node, model.FlagFolder, id))
	require.NoError(t, store.PutInode(inode, schema.InodeRecord{Status: model.StatusSynced, Perms: 0o644, Node: node}))

	require.NoError(t, gc(store, "main"))

	_, ok, err := store.GetInode(inode)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenameWithSuffixRetriesOnCollision(t *testing.T) {
	fs := newFakeFS()
	fs.files["a"] = []byte("old")
	fs.files["b"] = []byte("existing")

	got, err := renameWithSuffix(fs, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "b~2", got)
	assert.Equal(t, []byte("old"), fs.files["b~2"])
	_, stillThere := fs.files["a"]
	assert.False(t, stillThere)
}

func TestRenameWithSuffixNoopWhenPathsEqual(t *testing.T) {
	fs := newFakeFS()
	got, err := renameWithSuffix(fs, "a", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestDefaultPerms(t *testing.T) {
	assert.Equal(t, schema.DirBit|uint16(0o755), defaultPerms(true))
	assert.Equal(t, uint16(0o644), defaultPerms(false))
}
