package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-vcs/graft/pkg/kv"
	"github.com/graft-vcs/graft/pkg/model"
	"github.com/graft-vcs/graft/pkg/output"
)

const testBranch = "main"

func openTestRepo(t *testing.T) (*Repo, string) {
	t.Helper()
	root := t.TempDir()
	r, err := InitRepository(root, kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, root
}

// TestAddRecordApplyAndPullSingleFile exercises spec §8 scenario (a): a
// single file is added and recorded in one repository, then pulled into
// a second, empty one. Pulling here is exactly what cmd/graft's own
// pull does — copying the encoded patch file between .graft/patches
// directories — since this implementation has no network transport.
func TestAddRecordApplyAndPullSingleFile(t *testing.T) {
	a, aRoot := openTestRepo(t)
	b, bRoot := openTestRepo(t)

	require.NoError(t, os.WriteFile(filepath.Join(aRoot, "toto"), []byte("hello\n"), 0o644))

	aTxn, err := a.MutTxnBegin()
	require.NoError(t, err)
	require.NoError(t, aTxn.AddFile("toto", false))

	changes, updates, err := aTxn.Record(testBranch, OSWorkingCopy{Root: aRoot})
	require.NoError(t, err)
	require.NotEmpty(t, changes)

	ext, err := aTxn.ApplyLocalPatch(testBranch, PatchMeta{Authors: []string{"alice"}, Name: "add toto"}, changes, updates)
	require.NoError(t, err)
	require.NoError(t, Commit(aTxn))

	encoded, err := os.ReadFile(a.patchPath(ext))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.patchPath(ext), encoded, 0o644))

	bTxn, err := b.MutTxnBegin()
	require.NoError(t, err)
	require.NoError(t, bTxn.ApplyPatches(testBranch, output.OSFS{Root: bRoot}, []model.ExternalHash{ext}, nil))

	applied, err := bTxn.AppliedPatches(testBranch)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, ext, applied[0])
	require.NoError(t, Commit(bTxn))

	data, err := os.ReadFile(filepath.Join(bRoot, "toto"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	branchFile, err := os.ReadFile(b.branchChangesPath(testBranch))
	require.NoError(t, err)
	assert.Contains(t, string(branchFile), ext.String())
}

// TestApplyPatchesSkipsAlreadyLocalHashes confirms a pull only applies
// the set difference remote \ local (spec §6 apply_patches), rather
// than re-applying a patch the target already has.
func TestApplyPatchesSkipsAlreadyLocalHashes(t *testing.T) {
	a, aRoot := openTestRepo(t)

	require.NoError(t, os.WriteFile(filepath.Join(aRoot, "toto"), []byte("hello\n"), 0o644))

	aTxn, err := a.MutTxnBegin()
	require.NoError(t, err)
	require.NoError(t, aTxn.AddFile("toto", false))
	changes, updates, err := aTxn.Record(testBranch, OSWorkingCopy{Root: aRoot})
	require.NoError(t, err)
	ext, err := aTxn.ApplyLocalPatch(testBranch, PatchMeta{Name: "add toto"}, changes, updates)
	require.NoError(t, err)
	require.NoError(t, Commit(aTxn))

	// Re-running apply_patches with ext already marked local must be a
	// no-op: readPatchFile is never called for it, so a missing/corrupt
	// patch file on disk would not even surface an error here.
	require.NoError(t, os.Remove(a.patchPath(ext)))

	aTxn2, err := a.MutTxnBegin()
	require.NoError(t, err)
	require.NoError(t, aTxn2.ApplyPatches(testBranch, output.OSFS{Root: aRoot}, []model.ExternalHash{ext}, []model.ExternalHash{ext}))
	require.NoError(t, Commit(aTxn2))
}

func TestFileFacadeAddListMoveRemove(t *testing.T) {
	r, _ := openTestRepo(t)

	txn, err := r.MutTxnBegin()
	require.NoError(t, err)
	t.Cleanup(func() { Abort(txn) })

	require.NoError(t, txn.AddFile("a.txt", false))
	require.NoError(t, txn.AddFile("dir", true))

	files, err := txn.ListFiles()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/a.txt", "/dir"}, files)

	require.NoError(t, txn.MoveFile("a.txt", "dir/a.txt", false))
	files, err = txn.ListFiles()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/dir", "/dir/a.txt"}, files)

	require.NoError(t, txn.RemoveFile("dir/a.txt"))
	assert.ErrorIs(t, txn.RemoveFile("nope"), ErrFileNotInRepo)
}

func TestAddFileRejectsPathEscape(t *testing.T) {
	r, _ := openTestRepo(t)

	txn, err := r.MutTxnBegin()
	require.NoError(t, err)
	t.Cleanup(func() { Abort(txn) })

	assert.ErrorIs(t, txn.AddFile("../escape", false), ErrInvalidPath)
	assert.ErrorIs(t, txn.AddFile(".", false), ErrInvalidPath)
}

func TestResolveExternalHashNotFound(t *testing.T) {
	r, _ := openTestRepo(t)

	txn, err := r.MutTxnBegin()
	require.NoError(t, err)
	t.Cleanup(func() { Abort(txn) })

	_, err = txn.ResolveExternalHash(model.ExternalHash([]byte("nope")))
	require.ErrorIs(t, err, ErrInternalHashNotFound)
}
