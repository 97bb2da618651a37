// Package filetree maintains the inode tree and the inode<->graph-node
// mapping for a repository's working copy (spec §4.3). It never touches
// the content graph directly; patch.Record is the layer that reconciles
// inode state against it.
package filetree

import (
	"crypto/rand"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/graft-vcs/graft/pkg/model"
	"github.com/graft-vcs/graft/pkg/schema"
)

// ErrAlreadyAdded is returned by Add when the final path component is
// already tracked.
var ErrAlreadyAdded = errors.New("filetree: already added")

// ErrNotTracked is returned when an operation references a path the
// working copy doesn't know about.
var ErrNotTracked = errors.New("filetree: not tracked")

// Tree is a thin handle binding file-tree operations to one transaction's
// schema.Store.
type Tree struct {
	store *schema.Store
}

func New(store *schema.Store) *Tree { return &Tree{store: store} }

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

func newInode() (model.Inode, error) {
	var i model.Inode
	if _, err := rand.Read(i[:]); err != nil {
		return i, fmt.Errorf("filetree: random inode: %w", err)
	}
	return i, nil
}

// ClosestInRepoAncestor returns the deepest prefix of path already present
// in the tree, the inode it resolves to, and the residual path
// components still needing to be created.
func (t *Tree) ClosestInRepoAncestor(p string) (model.Inode, []string, error) {
	components := splitPath(p)
	cur := model.RootInode
	for i, name := range components {
		child, ok, err := t.store.ChildOf(cur, name)
		if err != nil {
			return model.Inode{}, nil, err
		}
		if !ok {
			return cur, components[i:], nil
		}
		cur = child
	}
	return cur, nil, nil
}

// Add registers path in the working-copy tree, creating inodes for every
// path component not already tracked. If reusing is non-nil, the final
// new component is bound to that inode instead of a fresh one: this is
// how Move preserves identity across a rename.
func (t *Tree) Add(p string, isDir bool, reusing *model.Inode) (model.Inode, error) {
	parent, residual, err := t.ClosestInRepoAncestor(p)
	if err != nil {
		return model.Inode{}, err
	}
	if len(residual) == 0 {
		return model.Inode{}, ErrAlreadyAdded
	}

	cur := parent
	for i, name := range residual {
		last := i == len(residual)-1
		var child model.Inode
		if last && reusing != nil {
			child = *reusing
		} else {
			child, err = newInode()
			if err != nil {
				return model.Inode{}, err
			}
		}
		if err := t.store.PutTreeEntry(cur, name, child); err != nil {
			return model.Inode{}, err
		}
		if last {
			perms := uint16(0o644)
			if isDir {
				perms = schema.DirBit | 0o755
			}
			if err := t.store.PutInode(child, schema.InodeRecord{Status: model.StatusSynced, Perms: perms}); err != nil {
				return model.Inode{}, err
			}
		}
		cur = child
	}
	return cur, nil
}

// Move renames from to to, preserving the inode (and therefore the
// recorded history) of the file. The moved inode's status becomes
// StatusMoved until the next Record.
func (t *Tree) Move(from, to string, isDir bool) (model.Inode, error) {
	inode, _, err := t.ClosestInRepoAncestor(from)
	if err != nil {
		return model.Inode{}, err
	}
	components := splitPath(from)
	if len(components) == 0 {
		return model.Inode{}, ErrNotTracked
	}
	parentComponents := components[:len(components)-1]
	parent := model.RootInode
	for _, name := range parentComponents {
		child, ok, err := t.store.ChildOf(parent, name)
		if err != nil {
			return model.Inode{}, err
		}
		if !ok {
			return model.Inode{}, ErrNotTracked
		}
		parent = child
	}
	last := components[len(components)-1]
	moved, ok, err := t.store.ChildOf(parent, last)
	if err != nil {
		return model.Inode{}, err
	}
	if !ok || moved != inode {
		return model.Inode{}, ErrNotTracked
	}

	if err := t.store.DelTreeEntry(parent, last); err != nil {
		return model.Inode{}, err
	}
	if _, err := t.Add(to, isDir, &moved); err != nil {
		return model.Inode{}, err
	}
	if err := t.store.SetInodeStatus(moved, model.StatusMoved); err != nil {
		return model.Inode{}, err
	}
	return moved, nil
}

// Remove recursively marks path and every descendant inode as
// StatusDeleted. The corresponding graph deletion is performed later by
// patch.Record, which diffs this status against the content graph.
func (t *Tree) Remove(p string) error {
	inode, residual, err := t.ClosestInRepoAncestor(p)
	if err != nil {
		return err
	}
	if len(residual) != 0 {
		return ErrNotTracked
	}
	return t.markDeleted(inode)
}

func (t *Tree) markDeleted(i model.Inode) error {
	if err := t.store.SetInodeStatus(i, model.StatusDeleted); err != nil {
		return err
	}
	children, err := t.store.Children(i)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := t.markDeleted(c.Inode); err != nil {
			return err
		}
	}
	return nil
}

// File is one entry returned by List: its repo-relative path, inode and
// whether it is a directory.
type File struct {
	Path  string
	Inode model.Inode
	IsDir bool
}

// List walks the tree from the root, skipping anything marked
// StatusDeleted, in depth-first order.
func (t *Tree) List() ([]File, error) {
	var out []File
	var walk func(parent model.Inode, prefix string) error
	walk = func(parent model.Inode, prefix string) error {
		children, err := t.store.Children(parent)
		if err != nil {
			return err
		}
		for _, c := range children {
			rec, ok, err := t.store.GetInode(c.Inode)
			if err != nil {
				return err
			}
			if ok && rec.Status == model.StatusDeleted {
				continue
			}
			full := prefix + "/" + c.Name
			isDir := ok && rec.Perms&schema.DirBit != 0
			out = append(out, File{Path: full, Inode: c.Inode, IsDir: isDir})
			if err := walk(c.Inode, full); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(model.RootInode, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve looks up the inode bound to path, without creating anything.
func (t *Tree) Resolve(p string) (model.Inode, bool, error) {
	inode, residual, err := t.ClosestInRepoAncestor(p)
	if err != nil {
		return model.Inode{}, false, err
	}
	return inode, len(residual) == 0, nil
}
