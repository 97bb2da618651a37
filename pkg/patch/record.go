package patch

import (
	"bytes"

	"github.com/graft-vcs/graft/pkg/graph"
	"github.com/graft-vcs/graft/pkg/model"
	"github.com/graft-vcs/graft/pkg/schema"
)

// WorkingCopy abstracts the on-disk tree that Record diffs the content
// graph against, so the diff algorithm never touches os.* directly.
type WorkingCopy interface {
	// Stat reports whether path exists and, if so, its kind and unix
	// permission bits with schema.DirBit set for directories (mirroring
	// InodeRecord.Perms, so Record can compare the two directly). A
	// missing path reports exists=false and no error.
	Stat(path string) (exists bool, isDir bool, perms uint16, err error)
	// ReadFile returns a regular file's full contents.
	ReadFile(path string) ([]byte, error)
}

// InodeUpdate defers binding a newly-recorded inode to its graph node
// until the patch's internal id is known (spec §6: record returns
// inode_updates alongside changes; apply_local_patch resolves them once
// the patch has been hashed and registered).
type InodeUpdate struct {
	Inode   model.Inode
	LineNum uint32
	Perms   uint16
	IsDir   bool
}

// ResolveInodeUpdates binds every pending InodeUpdate to its real graph
// key now that internalID is known, and marks the inode synced.
func ResolveInodeUpdates(store *schema.Store, updates []InodeUpdate, internalID model.InternalHash) error {
	for _, u := range updates {
		node := model.NewKey(internalID, u.LineNum)
		if err := store.PutInode(u.Inode, schema.InodeRecord{
			Status: model.StatusSynced,
			Perms:  u.Perms,
			Node:   node,
		}); err != nil {
			return err
		}
	}
	return nil
}

// lineBuilder accumulates Change hunks for a patch under construction,
// handing out a monotonically increasing line_num scoped to this call to
// Record (spec §4.6, last paragraph).
type lineBuilder struct {
	store   *schema.Store
	branch  string
	lineNum uint32
	changes []Change
	updates []InodeUpdate
}

func (b *lineBuilder) alloc(n int) uint32 {
	first := b.lineNum
	b.lineNum += uint32(n)
	return first
}

// collector is a graph.LineBuffer that records each emitted line's key
// alongside its bytes, flattening conflicts into their traversal order.
// Record diffs against this flattened view rather than rendering
// conflict markers into the working copy.
type collector struct {
	keys  []model.Key
	lines [][]byte
}

func (c *collector) OutputLine(key model.Key, contents []byte) error {
	c.keys = append(c.keys, key)
	c.lines = append(c.lines, contents)
	return nil
}
func (c *collector) BeginConflict() error { return nil }
func (c *collector) ConflictNext() error  { return nil }
func (c *collector) EndConflict() error   { return nil }

// currentLines retrieves and linearizes the content chain rooted at key
// (a file's bound node), returning each line's graph key and bytes in
// document order.
func currentLines(store *schema.Store, branch string, root model.Key) ([]model.Key, [][]byte, error) {
	if root.IsRoot() {
		return nil, nil, nil
	}
	g, err := graph.Retrieve(store, branch, root)
	if err != nil {
		return nil, nil, err
	}
	c := &collector{}
	if _, err := graph.Linearize(g, schema.FileContentReader{Store: store, Root: root}, c); err != nil {
		return nil, nil, err
	}
	return c.keys, c.lines, nil
}

// aliveParentEdges returns every non-deleted PARENT edge stored on key,
// i.e. the set of its current live parents along with the patch that
// introduced each link.
func aliveParentEdges(store *schema.Store, branch string, key model.Key) ([]model.Edge, error) {
	edges, err := store.EdgesFrom(branch, key)
	if err != nil {
		return nil, err
	}
	var out []model.Edge
	for _, e := range edges {
		if e.Flag.Has(model.FlagParent) && !e.Flag.Has(model.FlagDeleted) {
			out = append(out, e)
		}
	}
	return out, nil
}

// deleteNode emits the Edges hunk that severs key from every current
// alive parent, using PARENT|DELETED|FOLDER for folder entries and
// PARENT|DELETED for content lines (spec §4.6: "Edges{PARENT|DELETED|FOLDER,...}" vs
// "Edges{PARENT|DELETED,...}").
func deleteNode(b *lineBuilder, key model.Key, folder bool) error {
	parents, err := aliveParentEdges(b.store, b.branch, key)
	if err != nil {
		return err
	}
	if len(parents) == 0 {
		return nil
	}
	flag := model.FlagParent | model.FlagDeleted
	if folder {
		flag |= model.FlagFolder
	}
	eh := Edges{Flag: flag}
	for _, p := range parents {
		eh.Edges = append(eh.Edges, EdgeChange{From: p.Target, To: key, IntroducedBy: p.IntroducedBy})
	}
	b.changes = append(b.changes, eh)
	return nil
}

// deleteSubtree recursively deletes inode and every descendant: content
// edges for a file's bound line chain first, then the folder edge of
// inode itself, then each child in turn, matching the "bound,
// status=2 OR missing on disk" row of spec §4.6's table.
func deleteSubtree(b *lineBuilder, store *schema.Store, branch string, inode model.Inode) error {
	rec, ok, err := store.GetInode(inode)
	if err != nil {
		return err
	}
	if ok && !rec.Node.IsRoot() {
		if rec.Perms&schema.DirBit == 0 {
			keys, _, err := currentLines(store, branch, rec.Node)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := deleteNode(b, k, false); err != nil {
					return err
				}
			}
		}
		if err := deleteNode(b, rec.Node, true); err != nil {
			return err
		}
	}
	children, err := store.Children(inode)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := deleteSubtree(b, store, branch, c.Inode); err != nil {
			return err
		}
	}
	return nil
}

// diffFile reconciles a file's recorded content chain against its
// on-disk bytes, emitting NewNodes for inserted runs and Edges deletions
// for removed runs, per spec §4.6's LCS diff paragraph.
func diffFile(b *lineBuilder, root model.Key, data []byte) error {
	keys, oldLines, err := currentLines(b.store, b.branch, root)
	if err != nil {
		return err
	}
	newLines := splitLines(data)
	ops := diffLines(oldLines, newLines)

	i := 0
	for i < len(ops) {
		switch ops[i].kind {
		case opKeep:
			i++
		case opDelete:
			j := i
			var run []model.Key
			for j < len(ops) && ops[j].kind == opDelete {
				run = append(run, keys[ops[j].i])
				j++
			}
			for _, k := range run {
				if err := deleteNode(b, k, false); err != nil {
					return err
				}
			}
			i = j
		case opInsert:
			j := i
			var run [][]byte
			for j < len(ops) && ops[j].kind == opInsert {
				run = append(run, newLines[ops[j].j])
				j++
			}
			up := precedingAliveKey(ops, i, keys, root)
			down, hasDown := followingAliveKey(ops, j, keys)
			if err := emitNewNodes(b, up, down, hasDown, run); err != nil {
				return err
			}
			i = j
		}
	}
	return nil
}

func precedingAliveKey(ops []lcsOp, at int, keys []model.Key, root model.Key) model.Key {
	for k := at - 1; k >= 0; k-- {
		if ops[k].kind != opDelete {
			return keys[ops[k].i]
		}
	}
	return root
}

func followingAliveKey(ops []lcsOp, at int, keys []model.Key) (model.Key, bool) {
	for k := at; k < len(ops); k++ {
		if ops[k].kind != opDelete {
			return keys[ops[k].i], true
		}
	}
	return model.Key{}, false
}

func emitNewNodes(b *lineBuilder, up model.Key, down model.Key, hasDown bool, lines [][]byte) error {
	first := b.alloc(len(lines))
	nn := NewNodes{
		UpContext: []model.Key{up},
		LineNum:   first,
		Flag:      0,
		Nodes:     lines,
	}
	if hasDown {
		nn.DownContext = []model.Key{down}
	}
	b.changes = append(b.changes, nn)
	return nil
}

func splitLines(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var out [][]byte
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			out = append(out, data)
			break
		}
		out = append(out, data[:idx+1])
		data = data[idx+1:]
	}
	return out
}

// Record walks the working copy's tracked tree and diffs it against the
// content graph, producing the changes and deferred inode bindings that
// together form a new patch (spec §4.6).
func Record(store *schema.Store, branch string, wc WorkingCopy) ([]Change, []InodeUpdate, error) {
	b := &lineBuilder{store: store, branch: branch, lineNum: 1}
	if err := recordWalk(b, store, branch, wc, model.RootInode, model.RootKey, ""); err != nil {
		return nil, nil, err
	}
	return b.changes, b.updates, nil
}

func recordWalk(b *lineBuilder, store *schema.Store, branch string, wc WorkingCopy, parentInode model.Inode, parentNode model.Key, parentPath string) error {
	children, err := store.Children(parentInode)
	if err != nil {
		return err
	}
	for _, c := range children {
		fullPath := c.Name
		if parentPath != "" {
			fullPath = parentPath + "/" + c.Name
		}
		if err := recordEntry(b, store, branch, wc, parentNode, c.Inode, fullPath); err != nil {
			return err
		}
	}
	return nil
}

func recordEntry(b *lineBuilder, store *schema.Store, branch string, wc WorkingCopy, parentNode model.Key, inode model.Inode, fullPath string) error {
	rec, found, err := store.GetInode(inode)
	if err != nil {
		return err
	}
	// An inode gets an InodeRecord as soon as it is added to the working
	// copy (filetree.Add), before it has ever been through Record; only
	// a non-root rec.Node means it is actually bound to a graph node.
	bound := found && !rec.Node.IsRoot()
	exists, isDir, perms, err := wc.Stat(fullPath)
	if err != nil {
		return err
	}

	switch {
	case bound && exists && rec.Status == model.StatusSynced && rec.Perms == perms:
		if !isDir {
			data, err := wc.ReadFile(fullPath)
			if err != nil {
				return err
			}
			if err := diffFile(b, rec.Node, data); err != nil {
				return err
			}
		}
		return recordWalk(b, store, branch, wc, inode, rec.Node, fullPath)

	case bound && exists && (rec.Status == model.StatusMoved || rec.Perms != perms):
		// The entry's identity (rec.Node) survives a rename or a
		// permission change: only its FOLDER binding moves. Its content
		// chain, if any, still hangs off rec.Node untouched, so this
		// diffs it exactly like the synced case rather than re-emitting
		// every line as new.
		if err := deleteNode(b, rec.Node, true); err != nil {
			return err
		}
		name := basename(fullPath)
		b.changes = append(b.changes, Edges{Flag: model.FlagFolder, Edges: []EdgeChange{
			{From: parentNode, To: rec.Node},
		}})
		if err := store.PutContents(rec.Node, schema.EncodeEntryName(name, isDir)); err != nil {
			return err
		}
		if err := store.PutInode(inode, schema.InodeRecord{Status: model.StatusSynced, Perms: perms, Node: rec.Node}); err != nil {
			return err
		}
		if !isDir {
			data, err := wc.ReadFile(fullPath)
			if err != nil {
				return err
			}
			if err := diffFile(b, rec.Node, data); err != nil {
				return err
			}
		}
		return recordWalk(b, store, branch, wc, inode, rec.Node, fullPath)

	case bound && (rec.Status == model.StatusDeleted || !exists):
		return deleteSubtree(b, store, branch, inode)

	case !bound && (found && rec.Status == model.StatusDeleted):
		// Added and removed again before ever being recorded: nothing
		// was ever committed to the graph, so there is nothing to undo.
		return nil

	default: // not bound: a new addition
		node, err := recordNewName(b, parentNode, fullPath, isDir)
		if err != nil {
			return err
		}
		if !isDir {
			data, err := wc.ReadFile(fullPath)
			if err != nil {
				return err
			}
			if err := emitNewNodes(b, node, model.Key{}, false, splitLines(data)); err != nil {
				return err
			}
		}
		b.updates = append(b.updates, InodeUpdate{Inode: inode, LineNum: lineNumOf(node), Perms: perms, IsDir: isDir})
		return recordWalk(b, store, branch, wc, inode, node, fullPath)
	}
}

// recordNewName allocates a single-node NewNodes hunk for a file-tree
// entry's folder binding: its content is the entry's basename (with a
// leading directory marker byte, schema.EncodeEntryName), linked to
// parentNode via a FOLDER edge. The returned key is a placeholder
// reference (line_num only resolves to a real model.Key once the
// patch's internal id exists); callers needing the real key use
// lineNumOf via InodeUpdate instead.
func recordNewName(b *lineBuilder, parentNode model.Key, fullPath string, isDir bool) (model.Key, error) {
	name := basename(fullPath)
	ln := b.alloc(1)
	b.changes = append(b.changes, NewNodes{
		UpContext: []model.Key{parentNode},
		LineNum:   ln,
		Flag:      model.FlagFolder,
		Nodes:     [][]byte{schema.EncodeEntryName(name, isDir)},
	})
	return placeholderKey(ln), nil
}

func basename(fullPath string) string {
	if idx := bytes.LastIndexByte([]byte(fullPath), '/'); idx >= 0 {
		return fullPath[idx+1:]
	}
	return fullPath
}

// placeholderKey encodes a line number into a Key whose patch component
// is the zero hash, a value that can never collide with a real applied
// patch's internal id (every registered internal id is drawn at random by
// container.NewInternalID, which practically never yields all-zero
// bytes). Record's line numbers start at 1, so a placeholder never equals
// ROOT_KEY. It lets recordWalk thread "the node this hunk will become"
// through recursive calls and into the contexts and edges of the emitted
// changes; Apply's resolveKey substitutes the patch's internal id for it.
func placeholderKey(lineNum uint32) model.Key {
	return model.NewKey(model.InternalHash{}, lineNum)
}

func lineNumOf(k model.Key) uint32 { return k.Line() }
