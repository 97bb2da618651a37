// Package output renders a branch's content graph onto a working copy
// (spec §4.7): it keeps the filesystem's tree/inode bookkeeping in sync
// with the graph and writes each file's linearized, conflict-marked
// bytes. Grounded throughout on libpijul's output.rs, adapted to this
// schema's single-level folder-entry nodes (see DESIGN.md).
package output

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/graft-vcs/graft/pkg/container"
	"github.com/graft-vcs/graft/pkg/graph"
	"github.com/graft-vcs/graft/pkg/model"
	"github.com/graft-vcs/graft/pkg/patch"
	"github.com/graft-vcs/graft/pkg/schema"
)

// FS abstracts the working copy's filesystem so output never imports os
// directly; OSFS (osfs.go) is the real implementation cmd/graft and pkg/repo
// use in production, the way pkg/patch's WorkingCopy keeps Record off
// of os.* too.
type FS interface {
	// Stat reports whether path exists and, if so, whether it is a
	// directory.
	Stat(path string) (exists bool, isDir bool, err error)
	Mkdir(path string) error
	WriteFile(path string, data []byte) error
	Remove(path string) error
	RemoveAll(path string) error
	// Rename moves oldPath to newPath. Callers retry with a numeric
	// suffix on conflict (spec §4.7: "fall back to renaming with a
	// numeric suffix on conflict"); renameWithSuffix probes for an
	// occupied newPath with Stat before calling Rename.
	Rename(oldPath, newPath string) error
}

type opKind int

const (
	opAdd opKind = iota
	opMove
	opNameConflict
)

// treeOp is one deferred tree/inode mutation discovered by walk, applied
// in bulk after the DFS completes (spec §4.7: "After the traversal,
// apply all recorded Move/Addition/NameConflict operations").
type treeOp struct {
	kind          opKind
	inode         model.Inode
	parent        model.Inode
	name          string
	isDir         bool
	node          model.Key
	path          string // full new path, for Move/Addition
	oldParent     model.Inode
	oldName       string
	oldPath       string
	hadFormerName bool
}

// resolveInode returns the inode already bound to node, or allocates a
// fresh one (isNew) if none exists yet; it does not bind it, which
// applyOps does later. Fresh ids are drawn the same
// way filetree.newInode does (crypto/rand, no collision retry loop): see
// DESIGN.md.
func resolveInode(store *schema.Store, node model.Key) (inode model.Inode, isNew bool, err error) {
	inode, found, err := store.InodeOf(node)
	if err != nil {
		return model.Inode{}, false, err
	}
	if found {
		return inode, false, nil
	}
	inode, err = newRandomInode()
	if err != nil {
		return model.Inode{}, false, err
	}
	return inode, true, nil
}

func newRandomInode() (model.Inode, error) {
	var i model.Inode
	if _, err := rand.Read(i[:]); err != nil {
		return model.Inode{}, err
	}
	return i, nil
}

// formerPath walks the revtree/tree chain from inode up to the root,
// reconstructing the path it was recorded at by the previous output
// pass. ok is false for an inode with no tree entry yet (a brand new
// addition).
func formerPath(store *schema.Store, inode model.Inode) (path string, ok bool, err error) {
	var parts []string
	cur := inode
	for {
		parent, name, found, err := store.ParentOf(cur)
		if err != nil {
			return "", false, err
		}
		if !found {
			if len(parts) == 0 {
				return "", false, nil
			}
			break
		}
		parts = append(parts, name)
		cur = parent
		if cur.IsRoot() {
			break
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/"), true, nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// walk performs the _output DFS (spec §4.7): it follows live FOLDER
// edges from ROOT_KEY, resolving or allocating an inode for each (name,
// node) pair and recording the Move/Addition/NameConflict that results,
// without mutating tree/inodes itself (applyOps does that once the walk
// completes). When render is non-nil, every file node visited has its
// linearized bytes written through it.
func walk(store *schema.Store, branch string, render func(node model.Key, path string) error) ([]treeOp, error) {
	var ops []treeOp
	visited := map[model.Key]string{}

	var recurse func(parentNode model.Key, parentPath string, parentInode model.Inode) error
	recurse = func(parentNode model.Key, parentPath string, parentInode model.Inode) error {
		edges, err := store.EdgesFrom(branch, parentNode)
		if err != nil {
			return err
		}
		// Stable order: a graph built from concurrent patches otherwise
		// hands back FOLDER edges in map/slice iteration order, which
		// would make Addition/Move op order (and so tie-broken numeric
		// rename suffixes) nondeterministic across runs.
		sort.Slice(edges, func(i, j int) bool { return bytes.Compare(edges[i].Target[:], edges[j].Target[:]) < 0 })

		for _, e := range edges {
			if !e.Flag.Has(model.FlagFolder) || e.Flag.Has(model.FlagParent) || e.Flag.Has(model.FlagDeleted) {
				continue
			}
			childNode := e.Target

			if _, dup := visited[childNode]; dup {
				// The same graph node reached through a second FOLDER
				// edge: a genuine name conflict (spec §4.7). Surface it
				// at next record by marking the inode moved rather than
				// attempting a second filesystem entry for it.
				inode, _, err := resolveInode(store, childNode)
				if err != nil {
					return err
				}
				ops = append(ops, treeOp{kind: opNameConflict, inode: inode, node: childNode})
				continue
			}

			data, err := store.GetContents(childNode)
			if err != nil {
				return err
			}
			name, isDir := schema.DecodeEntryName(data)
			fullPath := joinPath(parentPath, name)
			visited[childNode] = fullPath

			inode, isNew, err := resolveInode(store, childNode)
			if err != nil {
				return err
			}
			if isNew {
				ops = append(ops, treeOp{kind: opAdd, inode: inode, parent: parentInode, name: name, isDir: isDir, node: childNode, path: fullPath})
			} else {
				oldPath, had, err := formerPath(store, inode)
				if err != nil {
					return err
				}
				if !had || oldPath != fullPath {
					oldParent, oldName, _, err := store.ParentOf(inode)
					if err != nil {
						return err
					}
					ops = append(ops, treeOp{kind: opMove, inode: inode, parent: parentInode, name: name, isDir: isDir,
						node: childNode, path: fullPath, oldParent: oldParent, oldName: oldName, oldPath: oldPath, hadFormerName: had})
				}
			}

			if render != nil && !isDir {
				if err := render(childNode, fullPath); err != nil {
					return err
				}
			}
			if isDir {
				if err := recurse(childNode, fullPath, inode); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := recurse(model.RootKey, "", model.RootInode); err != nil {
		return nil, err
	}
	return ops, nil
}

// applyOps commits walk's deferred operations to both the filesystem and
// the tree/inodes tables, and to fs when fs is non-nil (phase 1's
// metadata-only pass runs with fs nil: spec's "_output(do_write_files=
// false)" still creates directories so file writes in phase 2 have
// somewhere to land, but this implementation defers even directory
// creation to phase 2, the one pass that always runs for a given
// output_repository call — see DESIGN.md).
func applyOps(store *schema.Store, fs FS, ops []treeOp) error {
	for _, op := range ops {
		switch op.kind {
		case opAdd:
			if err := store.PutInode(op.inode, schema.InodeRecord{Status: model.StatusSynced, Perms: defaultPerms(op.isDir), Node: op.node}); err != nil {
				return err
			}
			if err := store.PutTreeEntry(op.parent, op.name, op.inode); err != nil {
				return err
			}
			if fs != nil && op.isDir {
				if err := fs.Mkdir(op.path); err != nil {
					return err
				}
			}
		case opMove:
			if op.hadFormerName {
				if err := store.DelTreeEntry(op.oldParent, op.oldName); err != nil {
					return err
				}
			}
			if err := store.PutTreeEntry(op.parent, op.name, op.inode); err != nil {
				return err
			}
			if err := store.SetInodeStatus(op.inode, model.StatusSynced); err != nil {
				return err
			}
			if fs != nil && op.hadFormerName {
				if _, err := renameWithSuffix(fs, op.oldPath, op.path); err != nil {
					return err
				}
			}
		case opNameConflict:
			if err := store.SetInodeStatus(op.inode, model.StatusMoved); err != nil {
				return err
			}
		}
	}
	return nil
}

// renameWithSuffix moves oldPath to newPath, retrying with a numeric
// suffix ("name~2", "name~3", ...) when newPath is already occupied by
// something other than oldPath itself. Grounded on output.rs's
// create_conflicting_copy.
func renameWithSuffix(fs FS, oldPath, newPath string) (string, error) {
	if oldPath == newPath {
		return newPath, nil
	}
	candidate := newPath
	for i := 2; ; i++ {
		exists, _, err := fs.Stat(candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			break
		}
		candidate = fmt.Sprintf("%s~%d", newPath, i)
	}
	if err := fs.Rename(oldPath, candidate); err != nil {
		return "", err
	}
	return candidate, nil
}

func defaultPerms(isDir bool) uint16 {
	if isDir {
		return schema.DirBit | 0o755
	}
	return 0o644
}

// gc removes every inode whose bound node no longer carries a live
// PARENT|FOLDER edge: nothing in the current graph reaches it anymore.
// Grounded on output.rs's unsafe_output_repository GC pass.
func gc(store *schema.Store, branch string) error {
	entries, err := store.Inodes().IterPrefix(nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var inode model.Inode
		copy(inode[:], e.Key)
		rec, ok, err := store.GetInode(inode)
		if err != nil {
			return err
		}
		if !ok || rec.Node.IsRoot() {
			continue
		}
		alive, err := hasLiveParentFolderEdge(store, branch, rec.Node)
		if err != nil {
			return err
		}
		if alive {
			continue
		}
		parent, name, found, err := store.ParentOf(inode)
		if err != nil {
			return err
		}
		if found {
			if err := store.DelTreeEntry(parent, name); err != nil {
				return err
			}
		}
		if err := store.DelInode(inode); err != nil {
			return err
		}
	}
	return nil
}

func hasLiveParentFolderEdge(store *schema.Store, branch string, node model.Key) (bool, error) {
	edges, err := store.EdgesFrom(branch, node)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Flag.Has(model.FlagParent) && e.Flag.Has(model.FlagFolder) && !e.Flag.Has(model.FlagDeleted) {
			return true, nil
		}
	}
	return false, nil
}

// fileRenderer is a graph.LineBuffer that flattens a linearized file
// into bytes, bracketing an unresolved conflict region with the
// standard >>>>>>>/=======/<<<<<<< markers (spec §8 scenario (c)).
type fileRenderer struct{ buf bytes.Buffer }

func (r *fileRenderer) OutputLine(_ model.Key, contents []byte) error {
	r.buf.Write(contents)
	return nil
}
func (r *fileRenderer) BeginConflict() error { r.buf.WriteString(">>>>>>>\n"); return nil }
func (r *fileRenderer) ConflictNext() error  { r.buf.WriteString("=======\n"); return nil }
func (r *fileRenderer) EndConflict() error   { r.buf.WriteString("<<<<<<<\n"); return nil }

// renderFile retrieves and linearizes the content chain rooted at node
// and writes the resulting bytes (with conflict markers) to path via
// fs. When cleanup is true, any redundant PSEUDO edges Linearize finds
// are deleted from store (only worth doing in a real, committed pass).
func renderFile(store *schema.Store, branch string, node model.Key, fs FS, path string, cleanup bool) error {
	g, err := graph.Retrieve(store, branch, node)
	if err != nil {
		return err
	}
	r := &fileRenderer{}
	forward, err := graph.Linearize(g, schema.FileContentReader{Store: store, Root: node}, r)
	if err != nil {
		return err
	}
	if cleanup && len(forward) > 0 {
		if err := graph.RemoveRedundantEdges(store, branch, forward); err != nil {
			return err
		}
	}
	return fs.WriteFile(path, r.buf.Bytes())
}

// RetrieveAndOutput renders the content chain rooted at node straight to
// w, independent of any working copy (spec §6's direct byte-sink
// retrieval — e.g. showing a file's current content without touching
// disk state).
func RetrieveAndOutput(store *schema.Store, branch string, node model.Key, w io.Writer) error {
	g, err := graph.Retrieve(store, branch, node)
	if err != nil {
		return err
	}
	r := &fileRenderer{}
	if _, err := graph.Linearize(g, schema.FileContentReader{Store: store, Root: node}, r); err != nil {
		return err
	}
	_, err = w.Write(r.buf.Bytes())
	return err
}

// OutputRepository runs the full two-phase render (spec §4.7):
// phase 1 synchronizes tree/inodes to the committed graph in the
// caller's own transaction (store); phase 2 opens a child transaction,
// applies pending (if non-nil) to preview its effect, writes every
// file's real bytes, then aborts — so pending never leaves a trace.
func OutputRepository(store *schema.Store, branch string, fs FS, pending *patch.Patch) error {
	ops, err := walk(store, branch, nil)
	if err != nil {
		return err
	}
	if err := applyOps(store, nil, ops); err != nil {
		return err
	}
	if err := gc(store, branch); err != nil {
		return err
	}

	child := store.Txn.Child()
	childStore := schema.New(child)
	defer child.Abort()

	if pending != nil {
		pendingID, err := container.NewInternalID(childStore)
		if err != nil {
			return err
		}
		if err := patch.Apply(childStore, branch, pending, pendingID, map[model.InternalHash]bool{pendingID: true}); err != nil {
			return err
		}
	}

	renderOps, err := walk(childStore, branch, func(node model.Key, path string) error {
		return renderFile(childStore, branch, node, fs, path, false)
	})
	if err != nil {
		return err
	}
	return applyOps(childStore, fs, renderOps)
}
