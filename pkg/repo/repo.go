// Package repo is the operations facade spec §6 describes: the surface
// a CLI or any other collaborator drives. It owns the on-disk repository
// layout (pristine/, patches/, the branch changes file) and wires
// pkg/kv, pkg/schema, pkg/filetree, pkg/patch, pkg/container and
// pkg/output together into open_repository/mut_txn_begin/add_file/
// record/apply_local_patch/apply_patches/output_repository.
package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/graft-vcs/graft/pkg/container"
	"github.com/graft-vcs/graft/pkg/filetree"
	"github.com/graft-vcs/graft/pkg/kv"
	"github.com/graft-vcs/graft/pkg/model"
	"github.com/graft-vcs/graft/pkg/output"
	"github.com/graft-vcs/graft/pkg/patch"
	"github.com/graft-vcs/graft/pkg/schema"
)

// Typed errors surfaced by this package (spec §7). AlreadyAdded,
// AlreadyApplied and NothingToDecode are instead the sentinels already
// declared where those conditions are detected (pkg/filetree,
// pkg/patch, pkg/container respectively); collaborators check those
// with errors.Is the same way they check the ones declared here.
var (
	ErrNotARepository       = errors.New("repo: not a repository")
	ErrFileNotInRepo        = errors.New("repo: file not in repo")
	ErrInternalHashNotFound = errors.New("repo: internal hash not found")
	ErrInvalidPath          = errors.New("repo: invalid path")
)

const (
	pristineDir  = "pristine"
	patchesDir   = "patches"
	metaDirName  = ".graft"
	branchSuffix = ".branch.json"
)

// Repo is an opened repository: its working-copy root and the Badger
// environment backing its pristine KV store.
type Repo struct {
	Root string
	Env  *kv.Env
}

func layoutDirs(root string) (pristine, patches string) {
	base := filepath.Join(root, metaDirName)
	return filepath.Join(base, pristineDir), filepath.Join(base, patchesDir)
}

// InitRepository creates a new repository's on-disk layout under root
// and opens it.
func InitRepository(root string, opts kv.Options) (*Repo, error) {
	pristine, patches := layoutDirs(root)
	if err := os.MkdirAll(pristine, 0o755); err != nil {
		return nil, fmt.Errorf("repo: init: %w", err)
	}
	if err := os.MkdirAll(patches, 0o755); err != nil {
		return nil, fmt.Errorf("repo: init: %w", err)
	}
	env, err := kv.Open(pristine, opts)
	if err != nil {
		return nil, fmt.Errorf("repo: init: %w", err)
	}
	return &Repo{Root: root, Env: env}, nil
}

// OpenRepository opens an existing repository rooted at root.
// ErrNotARepository is returned when root has no .graft/pristine.
func OpenRepository(root string, opts kv.Options) (*Repo, error) {
	pristine, _ := layoutDirs(root)
	if _, err := os.Stat(pristine); os.IsNotExist(err) {
		return nil, ErrNotARepository
	} else if err != nil {
		return nil, fmt.Errorf("repo: open: %w", err)
	}
	env, err := kv.Open(pristine, opts)
	if err != nil {
		return nil, fmt.Errorf("repo: open: %w", err)
	}
	return &Repo{Root: root, Env: env}, nil
}

func (r *Repo) Close() error { return r.Env.Close() }

// MutTxn wraps the single mutable transaction a repository operation
// runs inside (spec §5).
type MutTxn struct {
	repo  *Repo
	Txn   *kv.Txn
	Store *schema.Store
}

// MutTxnBegin opens the repository's one mutable transaction.
func (r *Repo) MutTxnBegin() (*MutTxn, error) {
	txn, err := r.Env.Begin()
	if err != nil {
		return nil, err
	}
	return &MutTxn{repo: r, Txn: txn, Store: schema.New(txn)}, nil
}

func Commit(t *MutTxn) error { return t.Txn.Commit() }
func Abort(t *MutTxn)        { t.Txn.Abort() }

// validatePath rejects a CLI-visible path that would escape the repo
// root once cleaned, and returns its repo-relative, slash-separated
// form.
func validatePath(p string) (string, error) {
	clean := path.Clean(filepath.ToSlash(p))
	if clean == "." || clean == "" {
		return "", ErrInvalidPath
	}
	if clean == ".." || len(clean) >= 3 && clean[:3] == "../" || path.IsAbs(clean) {
		return "", ErrInvalidPath
	}
	return clean, nil
}

// AddFile registers path in the working-copy tree (spec §6 add_file).
func (t *MutTxn) AddFile(p string, isDir bool) error {
	clean, err := validatePath(p)
	if err != nil {
		return err
	}
	_, err = filetree.New(t.Store).Add(clean, isDir, nil)
	return err
}

// RemoveFile marks path and its descendants deleted (spec §6 remove_file).
func (t *MutTxn) RemoveFile(p string) error {
	clean, err := validatePath(p)
	if err != nil {
		return err
	}
	if err := filetree.New(t.Store).Remove(clean); err != nil {
		if errors.Is(err, filetree.ErrNotTracked) {
			return ErrFileNotInRepo
		}
		return err
	}
	return nil
}

// MoveFile renames from to to (spec §6 move_file).
func (t *MutTxn) MoveFile(from, to string, isDir bool) error {
	cleanFrom, err := validatePath(from)
	if err != nil {
		return err
	}
	cleanTo, err := validatePath(to)
	if err != nil {
		return err
	}
	if _, err := filetree.New(t.Store).Move(cleanFrom, cleanTo, isDir); err != nil {
		if errors.Is(err, filetree.ErrNotTracked) {
			return ErrFileNotInRepo
		}
		return err
	}
	return nil
}

// ListFiles returns every tracked path (spec §6 list_files).
func (t *MutTxn) ListFiles() ([]string, error) {
	files, err := filetree.New(t.Store).List()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out, nil
}

// Record diffs the working copy against branch's content graph (spec §6
// record).
func (t *MutTxn) Record(branch string, wc patch.WorkingCopy) ([]patch.Change, []patch.InodeUpdate, error) {
	return patch.Record(t.Store, branch, wc)
}

// PatchMeta is the caller-supplied identity of a patch being committed:
// everything record/diffing cannot infer on its own.
type PatchMeta struct {
	Authors     []string
	Name        string
	Description string
	Timestamp   int64
}

// clonePatch deep-copies the parts of p that patch.Apply mutates in
// place (Edges.Edges), so the background hasher goroutine below can
// read p concurrently with Apply's graph mutation without a data race.
// Grounded on spec §5's "the task owns a cloned patch".
func clonePatch(p *patch.Patch) *patch.Patch {
	clone := *p
	clone.Changes = make([]patch.Change, len(p.Changes))
	for i, c := range p.Changes {
		if eh, ok := c.(patch.Edges); ok {
			edges := make([]patch.EdgeChange, len(eh.Edges))
			copy(edges, eh.Edges)
			clone.Changes[i] = patch.Edges{Flag: eh.Flag, Edges: edges}
			continue
		}
		clone.Changes[i] = c
	}
	return clone
}

// ApplyLocalPatch registers changes as a new patch on branch, binds
// pending inode_updates to it, writes its container file to disk, and
// returns its external hash (spec §6 apply_local_patch). The internal
// id is drawn up front (it needs no external hash to exist) so the
// graph mutation can run while a background goroutine computes the
// patch's SHA-512, joined just before the external hash is registered
// (spec §5's background-hashing note).
func (t *MutTxn) ApplyLocalPatch(branch string, meta PatchMeta, changes []patch.Change, updates []patch.InodeUpdate) (model.ExternalHash, error) {
	deps, err := container.Dependencies(t.Store, changes)
	if err != nil {
		return nil, err
	}
	p := &patch.Patch{
		Authors:      meta.Authors,
		Name:         meta.Name,
		Description:  meta.Description,
		Timestamp:    meta.Timestamp,
		Dependencies: deps,
		Changes:      changes,
	}

	internalID, err := container.NewInternalID(t.Store)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	var encoded []byte
	var hashErr error
	wg.Add(1)
	go func(clone *patch.Patch) {
		defer wg.Done()
		encoded, hashErr = container.Encode(clone)
	}(clonePatch(p))

	applyErr := patch.Apply(t.Store, branch, p, internalID, map[model.InternalHash]bool{internalID: true})
	wg.Wait()
	if applyErr != nil {
		return nil, applyErr
	}
	if hashErr != nil {
		return nil, hashErr
	}

	ext := container.Hash(encoded)
	if err := t.Store.RegisterExternal(ext, internalID); err != nil {
		return nil, err
	}
	if err := patch.ResolveInodeUpdates(t.Store, updates, internalID); err != nil {
		return nil, err
	}
	if err := t.repo.writePatchFile(ext, encoded); err != nil {
		return nil, err
	}
	return ext, nil
}

func (r *Repo) patchPath(ext model.ExternalHash) string {
	_, patches := layoutDirs(r.Root)
	return filepath.Join(patches, container.Filename(ext))
}

func (r *Repo) writePatchFile(ext model.ExternalHash, encoded []byte) error {
	return os.WriteFile(r.patchPath(ext), encoded, 0o644)
}

func (r *Repo) readPatchFile(ext model.ExternalHash) (*patch.Patch, error) {
	data, err := os.ReadFile(r.patchPath(ext))
	if err != nil {
		return nil, err
	}
	return container.Decode(data)
}

func (r *Repo) branchChangesPath(branch string) string {
	return filepath.Join(r.Root, metaDirName, branch+branchSuffix)
}

func (r *Repo) writeBranchChanges(branch string, hashes []model.ExternalHash) error {
	hex := make([]string, len(hashes))
	for i, h := range hashes {
		hex[i] = h.String()
	}
	sort.Strings(hex)
	data, err := json.Marshal(hex)
	if err != nil {
		return err
	}
	return os.WriteFile(r.branchChangesPath(branch), data, 0o644)
}

// topoSortByDependency orders a pull batch so every patch comes after
// any in-batch patch it depends on, the way apply_patches must (spec
// §6: "applies the set difference remote \ local, in dependency
// order"). Dependencies on patches outside the batch (already applied
// locally) need no ordering here since they are satisfied already.
func topoSortByDependency(batch map[string]*patch.Patch) []string {
	order := make([]string, 0, len(batch))
	visited := make(map[string]bool, len(batch))
	var visit func(hex string)
	visit = func(hex string) {
		if visited[hex] {
			return
		}
		visited[hex] = true
		p := batch[hex]
		for _, dep := range p.Dependencies {
			depHex := dep.String()
			if _, inBatch := batch[depHex]; inBatch {
				visit(depHex)
			}
		}
		order = append(order, hex)
	}
	keys := make([]string, 0, len(batch))
	for hex := range batch {
		keys = append(keys, hex)
	}
	sort.Strings(keys) // deterministic visitation among independent patches
	for _, hex := range keys {
		visit(hex)
	}
	return order
}

// ApplyPatches pulls: applies remote \ local in dependency order,
// records the result in the branch changes file, and re-renders the
// working copy (spec §6 apply_patches).
func (t *MutTxn) ApplyPatches(branch string, wcFS output.FS, remoteHashes, localHashes []model.ExternalHash) error {
	local := make(map[string]bool, len(localHashes))
	for _, h := range localHashes {
		local[h.String()] = true
	}

	batch := make(map[string]*patch.Patch)
	for _, h := range remoteHashes {
		hex := h.String()
		if local[hex] {
			continue
		}
		p, err := t.repo.readPatchFile(h)
		if err != nil {
			return fmt.Errorf("repo: apply_patches: read %s: %w", hex, err)
		}
		batch[hex] = p
	}

	ids := make(map[string]model.InternalHash, len(batch))
	for _, h := range remoteHashes {
		hex := h.String()
		if _, ok := batch[hex]; !ok {
			continue
		}
		id, err := container.RegisterHash(t.Store, h)
		if err != nil {
			return err
		}
		ids[hex] = id
	}
	newPatches := make(map[model.InternalHash]bool, len(ids))
	for _, id := range ids {
		newPatches[id] = true
	}

	for _, hex := range topoSortByDependency(batch) {
		if err := patch.Apply(t.Store, branch, batch[hex], ids[hex], newPatches); err != nil {
			return fmt.Errorf("repo: apply_patches: apply %s: %w", hex, err)
		}
	}

	applied, err := t.Store.AppliedPatches(branch)
	if err != nil {
		return err
	}
	allHashes := make([]model.ExternalHash, 0, len(applied))
	for _, id := range applied {
		ext, ok, err := t.Store.ExternalOf(id)
		if err != nil {
			return err
		}
		if ok {
			allHashes = append(allHashes, ext)
		}
	}
	if err := t.repo.writeBranchChanges(branch, allHashes); err != nil {
		return err
	}

	return output.OutputRepository(t.Store, branch, wcFS, nil)
}

// OutputRepository renders branch onto the working copy, previewing
// pending (if non-nil) without committing it (spec §6 output_repository).
func (t *MutTxn) OutputRepository(branch string, wcFS output.FS, pending *patch.Patch) error {
	return output.OutputRepository(t.Store, branch, wcFS, pending)
}

// RetrieveAndOutput renders the file rooted at node to w (spec §6
// retrieve_and_output).
func (t *MutTxn) RetrieveAndOutput(branch string, node model.Key, w io.Writer) error {
	return output.RetrieveAndOutput(t.Store, branch, node, w)
}

// InternalHashNotFound wraps a missing-hash lookup into the typed
// ErrInternalHashNotFound error collaborators can match with errors.Is.
func InternalHashNotFound(hash model.ExternalHash) error {
	return fmt.Errorf("%w: %s", ErrInternalHashNotFound, hash)
}

// ResolveExternalHash looks up the internal id registered for an
// external patch hash, for collaborators that only have the hash as it
// appears on the command line.
func (t *MutTxn) ResolveExternalHash(ext model.ExternalHash) (model.InternalHash, error) {
	id, ok, err := t.Store.InternalOf(ext)
	if err != nil {
		return model.InternalHash{}, err
	}
	if !ok {
		return model.InternalHash{}, InternalHashNotFound(ext)
	}
	return id, nil
}

// OSWorkingCopy implements patch.WorkingCopy against the real
// filesystem rooted at Root, mirroring output.OSFS's role on the write
// side: pkg/patch never imports os directly, so Record can be tested
// against an in-memory WorkingCopy while production callers use this.
type OSWorkingCopy struct {
	Root string
}

func (wc OSWorkingCopy) abs(p string) string { return filepath.Join(wc.Root, filepath.FromSlash(p)) }

func (wc OSWorkingCopy) Stat(p string) (exists bool, isDir bool, perms uint16, err error) {
	info, err := os.Stat(wc.abs(p))
	if os.IsNotExist(err) {
		return false, false, 0, nil
	}
	if err != nil {
		return false, false, 0, err
	}
	mode := uint16(info.Mode().Perm())
	if info.IsDir() {
		mode |= schema.DirBit
	}
	return true, info.IsDir(), mode, nil
}

func (wc OSWorkingCopy) ReadFile(p string) ([]byte, error) {
	return os.ReadFile(wc.abs(p))
}

// AppliedPatches lists the external hashes applied to branch, for
// `graft log`.
func (t *MutTxn) AppliedPatches(branch string) ([]model.ExternalHash, error) {
	ids, err := t.Store.AppliedPatches(branch)
	if err != nil {
		return nil, err
	}
	out := make([]model.ExternalHash, 0, len(ids))
	for _, id := range ids {
		ext, ok, err := t.Store.ExternalOf(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ext)
		}
	}
	return out, nil
}
