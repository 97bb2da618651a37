// Package schema wraps the generic kv.Txn with typed handles for the
// fixed tables of the content graph. It plays the role the teacher's
// SchemaManager (pkg/storage/schema.go) plays for Neo4j constraints: one
// named registry per concern, here re-purposed from property constraints
// to fixed byte-layout tables.
package schema

import (
	"encoding/binary"
	"fmt"

	"github.com/graft-vcs/graft/pkg/kv"
	"github.com/graft-vcs/graft/pkg/model"
)

// Table names, namespacing the shared Badger keyspace (kv.storageKey).
const (
	tableContents  = "contents"
	tableTree      = "tree"
	tableRevTree   = "revtree"
	tableInodes    = "inodes"
	tableRevInodes = "revinodes"
	tableInternal  = "internal"
	tableExternal  = "external"
	tableBranchLog = "branches" // branch_name -> internal_hash, duplicates
	tableRevDep    = "revdep"   // dep_internal -> dependent_internal, duplicates
	nodesDBPrefix  = "nodes:"   // nodes:<branch> -> per-branch edge table
)

// Store is a typed view over one transaction, handing out one handle per
// table. It is cheap to construct and carries no state of its own.
type Store struct {
	Txn *kv.Txn
}

func New(txn *kv.Txn) *Store { return &Store{Txn: txn} }

// Nodes returns the edge table for branch. Per spec §4.2 this is a
// database nested inside the outer branch registry; here that's realized
// as one more named kv table, scoped by branch name in its key.
func (s *Store) Nodes(branch string) *kv.Db { return s.Txn.DB(nodesDBPrefix+branch, true) }

func (s *Store) Contents() *kv.Db  { return s.Txn.DB(tableContents, false) }
func (s *Store) Tree() *kv.Db      { return s.Txn.DB(tableTree, false) }
func (s *Store) RevTree() *kv.Db   { return s.Txn.DB(tableRevTree, false) }
func (s *Store) Inodes() *kv.Db    { return s.Txn.DB(tableInodes, false) }
func (s *Store) RevInodes() *kv.Db { return s.Txn.DB(tableRevInodes, false) }
func (s *Store) Internal() *kv.Db  { return s.Txn.DB(tableInternal, false) }
func (s *Store) External() *kv.Db  { return s.Txn.DB(tableExternal, false) }
func (s *Store) BranchLog() *kv.Db { return s.Txn.DB(tableBranchLog, true) }
func (s *Store) RevDep() *kv.Db    { return s.Txn.DB(tableRevDep, true) }

// --- nodes(branch): node_key -> edge_record --------------------------------

// PutEdge stores edge as an outgoing record on source. The caller is
// responsible for also storing the reciprocal (model.Edge.Reciprocal) on
// the target key; apply always does both, preserving global invariant 1.
func (s *Store) PutEdge(branch string, source model.Key, e model.Edge) error {
	return s.Nodes(branch).Put(source[:], e.Encode())
}

// DelEdge removes exactly the (source, edge) pair, leaving any other
// edges stored on source untouched.
func (s *Store) DelEdge(branch string, source model.Key, e model.Edge) error {
	return s.Nodes(branch).Del(source[:], e.Encode())
}

// EdgesFrom returns every edge currently stored on source key.
func (s *Store) EdgesFrom(branch string, source model.Key) ([]model.Edge, error) {
	raw, err := s.Nodes(branch).GetAll(source[:])
	if err != nil {
		return nil, err
	}
	out := make([]model.Edge, 0, len(raw))
	for _, r := range raw {
		e, err := model.DecodeEdge(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// HasEdge reports whether the exact (source, edge) pair is stored.
func (s *Store) HasEdge(branch string, source model.Key, e model.Edge) (bool, error) {
	return s.Nodes(branch).Has(source[:], e.Encode())
}

// PutReciprocalPair stores both directions of an edge in one call:
// forward on from, and the FlagParent-toggled reverse on to. Every caller
// that introduces or deletes an edge should use this (or DelReciprocalPair)
// rather than touching one side, to preserve invariant 1 of spec §3.
func (s *Store) PutReciprocalPair(branch string, from, to model.Key, flag model.EdgeFlag, introducedBy model.InternalHash) error {
	fwd := model.Edge{Flag: flag, Target: to, IntroducedBy: introducedBy}
	if err := s.PutEdge(branch, from, fwd); err != nil {
		return err
	}
	return s.PutEdge(branch, to, fwd.Reciprocal(from))
}

func (s *Store) DelReciprocalPair(branch string, from, to model.Key, flag model.EdgeFlag, introducedBy model.InternalHash) error {
	fwd := model.Edge{Flag: flag, Target: to, IntroducedBy: introducedBy}
	if err := s.DelEdge(branch, from, fwd); err != nil {
		return err
	}
	return s.DelEdge(branch, to, fwd.Reciprocal(from))
}

// --- contents: node_key -> bytes -------------------------------------------

func (s *Store) PutContents(key model.Key, data []byte) error {
	return s.Contents().Put(key[:], data)
}

func (s *Store) GetContents(key model.Key) ([]byte, error) {
	v, err := s.Contents().Get(key[:])
	if err == kv.ErrKeyNotFound {
		return nil, nil
	}
	return v, err
}

// FileContentReader adapts Store to graph.ContentSource for linearizing
// one file's body. A file's content chain is rooted at its own
// folder-entry node (the same node InodeRecord.Node binds to), which
// stores the entry's EncodeEntryName-packed basename as "its" content,
// not body bytes; without suppressing it, Linearize would emit that
// marker as a spurious first line of every file. Root is that
// folder-entry key; every other key in the chain is read normally.
type FileContentReader struct {
	Store *Store
	Root  model.Key
}

func (c FileContentReader) Contents(key model.Key) ([]byte, bool, error) {
	if key == c.Root {
		return nil, false, nil
	}
	return c.Store.GetContents(key)
}

// --- tree / revtree: working-copy directory structure ----------------------

func treeKey(parent model.Inode, name string) []byte {
	return append(append([]byte(nil), parent[:]...), []byte(name)...)
}

func (s *Store) PutTreeEntry(parent model.Inode, name string, child model.Inode) error {
	if err := s.Tree().Put(treeKey(parent, name), child[:]); err != nil {
		return err
	}
	rv := append(append([]byte(nil), parent[:]...), []byte(name)...)
	return s.RevTree().Put(child[:], rv)
}

func (s *Store) DelTreeEntry(parent model.Inode, name string) error {
	child, err := s.Tree().Get(treeKey(parent, name))
	if err == kv.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.Tree().Del(treeKey(parent, name), nil); err != nil {
		return err
	}
	return s.RevTree().Del(child, nil)
}

// ChildOf resolves a (parent, name) pair to the child inode.
func (s *Store) ChildOf(parent model.Inode, name string) (model.Inode, bool, error) {
	v, err := s.Tree().Get(treeKey(parent, name))
	if err == kv.ErrKeyNotFound {
		return model.Inode{}, false, nil
	}
	if err != nil {
		return model.Inode{}, false, err
	}
	var inode model.Inode
	copy(inode[:], v)
	return inode, true, nil
}

// Children lists every (name, child) pair directly under parent.
func (s *Store) Children(parent model.Inode) ([]TreeChild, error) {
	entries, err := s.Tree().IterPrefix(parent[:])
	if err != nil {
		return nil, err
	}
	out := make([]TreeChild, 0, len(entries))
	for _, e := range entries {
		name := string(e.Key[model.InodeSize:])
		var child model.Inode
		copy(child[:], e.Value)
		out = append(out, TreeChild{Name: name, Inode: child})
	}
	return out, nil
}

type TreeChild struct {
	Name  string
	Inode model.Inode
}

// ParentOf resolves an inode to its (parent inode, name) via revtree.
func (s *Store) ParentOf(child model.Inode) (model.Inode, string, bool, error) {
	v, err := s.RevTree().Get(child[:])
	if err == kv.ErrKeyNotFound {
		return model.Inode{}, "", false, nil
	}
	if err != nil {
		return model.Inode{}, "", false, err
	}
	var parent model.Inode
	copy(parent[:], v[:model.InodeSize])
	return parent, string(v[model.InodeSize:]), true, nil
}

// --- inodes / revinodes: inode <-> graph-node binding -----------------------

// DirBit, set in InodeRecord.Perms, marks an inode as a directory. The
// remaining bits are unix-style rwx permission bits (0-0o777).
const DirBit uint16 = 0x8000

// InodeRecord is the decoded value of the inodes table: status, unix-style
// permission bits, and the graph node key this inode is bound to (if any).
type InodeRecord struct {
	Status InodeStatus
	Perms  uint16
	Node   model.Key
}

type InodeStatus = model.InodeStatus

func encodeInodeRecord(r InodeRecord) []byte {
	buf := make([]byte, 1+2+model.KeySize)
	buf[0] = byte(r.Status)
	binary.BigEndian.PutUint16(buf[1:3], r.Perms)
	copy(buf[3:], r.Node[:])
	return buf
}

func decodeInodeRecord(b []byte) (InodeRecord, error) {
	if len(b) != 1+2+model.KeySize {
		return InodeRecord{}, fmt.Errorf("schema: bad inode record length %d", len(b))
	}
	var r InodeRecord
	r.Status = model.InodeStatus(b[0])
	r.Perms = binary.BigEndian.Uint16(b[1:3])
	copy(r.Node[:], b[3:])
	return r, nil
}

// EncodeEntryName packs a folder entry's basename for storage as its
// bound node's content, with a leading marker byte recording whether the
// entry is a directory. A node freshly introduced by a remote patch has
// no local Inodes row to consult for DirBit, and a directory entry with
// no children is otherwise graph-indistinguishable from an empty file
// (both are a single node with no outgoing non-PARENT edges); this
// marker resolves that ambiguity directly from the node's own content.
// A simplified, single-level analogue of output.rs's name/perm packing,
// which our schema does not need in full since Inodes already carries
// complete permission bits for every locally-known inode (see DESIGN.md).
func EncodeEntryName(name string, isDir bool) []byte {
	buf := make([]byte, 1+len(name))
	if isDir {
		buf[0] = 1
	}
	copy(buf[1:], name)
	return buf
}

// DecodeEntryName reverses EncodeEntryName. It always treats the first
// byte as the directory marker; there is no fallback for content without
// that prefix byte.
func DecodeEntryName(data []byte) (name string, isDir bool) {
	if len(data) == 0 {
		return "", false
	}
	return string(data[1:]), data[0] == 1
}

func (s *Store) PutInode(i model.Inode, rec InodeRecord) error {
	if err := s.Inodes().Put(i[:], encodeInodeRecord(rec)); err != nil {
		return err
	}
	return s.RevInodes().Put(rec.Node[:], i[:])
}

func (s *Store) GetInode(i model.Inode) (InodeRecord, bool, error) {
	v, err := s.Inodes().Get(i[:])
	if err == kv.ErrKeyNotFound {
		return InodeRecord{}, false, nil
	}
	if err != nil {
		return InodeRecord{}, false, err
	}
	rec, err := decodeInodeRecord(v)
	return rec, true, err
}

func (s *Store) SetInodeStatus(i model.Inode, status model.InodeStatus) error {
	rec, ok, err := s.GetInode(i)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("schema: set status on unbound inode %s", i)
	}
	rec.Status = status
	return s.PutInode(i, rec)
}

func (s *Store) DelInode(i model.Inode) error {
	rec, ok, err := s.GetInode(i)
	if err != nil {
		return err
	}
	if err := s.Inodes().Del(i[:], nil); err != nil {
		return err
	}
	if ok {
		return s.RevInodes().Del(rec.Node[:], nil)
	}
	return nil
}

// InodeOf resolves a graph node key to its bound inode, if any.
func (s *Store) InodeOf(node model.Key) (model.Inode, bool, error) {
	v, err := s.RevInodes().Get(node[:])
	if err == kv.ErrKeyNotFound {
		return model.Inode{}, false, nil
	}
	if err != nil {
		return model.Inode{}, false, err
	}
	var i model.Inode
	copy(i[:], v)
	return i, true, nil
}

// --- internal / external: patch hash remapping ------------------------------

// RegisterExternal records the bidirectional mapping between an external
// hash and the internal id the caller chose, overwriting any existing rows;
// it performs no uniqueness check. Internal ids are drawn by the caller
// (container.NewInternalID, which checks the external table through
// InternalIDExists), and container.RegisterHash reuses an id already on file.
func (s *Store) RegisterExternal(ext model.ExternalHash, internal model.InternalHash) error {
	if err := s.Internal().Put(ext, internal[:]); err != nil {
		return err
	}
	return s.External().Put(internal[:], ext)
}

func (s *Store) InternalOf(ext model.ExternalHash) (model.InternalHash, bool, error) {
	v, err := s.Internal().Get(ext)
	if err == kv.ErrKeyNotFound {
		return model.InternalHash{}, false, nil
	}
	if err != nil {
		return model.InternalHash{}, false, err
	}
	var h model.InternalHash
	copy(h[:], v)
	return h, true, nil
}

func (s *Store) ExternalOf(internal model.InternalHash) (model.ExternalHash, bool, error) {
	v, err := s.External().Get(internal[:])
	if err == kv.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return model.ExternalHash(v), true, nil
}

// InternalIDExists reports whether internal is already registered, used by
// container.NewInternalID to draw again when a fresh random id collides.
func (s *Store) InternalIDExists(internal model.InternalHash) (bool, error) {
	_, ok, err := s.ExternalOf(internal)
	return ok, err
}

// --- branches: branch_name -> internal_hash (applied-patch log) ------------

func (s *Store) MarkApplied(branch string, internal model.InternalHash) error {
	return s.BranchLog().Put([]byte(branch), internal[:])
}

func (s *Store) IsApplied(branch string, internal model.InternalHash) (bool, error) {
	return s.BranchLog().Has([]byte(branch), internal[:])
}

func (s *Store) AppliedPatches(branch string) ([]model.InternalHash, error) {
	raw, err := s.BranchLog().GetAll([]byte(branch))
	if err != nil {
		return nil, err
	}
	out := make([]model.InternalHash, 0, len(raw))
	for _, r := range raw {
		var h model.InternalHash
		copy(h[:], r)
		out = append(out, h)
	}
	return out, nil
}

// --- revdep: dep_internal -> dependent_internal ----------------------------

func (s *Store) AddRevDep(dep, dependent model.InternalHash) error {
	return s.RevDep().Put(dep[:], dependent[:])
}

func (s *Store) DependentsOf(dep model.InternalHash) ([]model.InternalHash, error) {
	raw, err := s.RevDep().GetAll(dep[:])
	if err != nil {
		return nil, err
	}
	out := make([]model.InternalHash, 0, len(raw))
	for _, r := range raw {
		var h model.InternalHash
		copy(h[:], r)
		out = append(out, h)
	}
	return out, nil
}
