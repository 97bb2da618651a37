// Package patch defines the wire representation of a commutative patch
// and the two operations that move it between the content graph and the
// working copy: Apply (spec §4.5) and Record (spec §4.6). The container
// format (serialization, hashing, dependency extraction) lives in
// pkg/container; this package only knows about Change hunks and what
// they do to a schema.Store.
package patch

import "github.com/graft-vcs/graft/pkg/model"

// Change is one hunk of a patch: either a NewNodes insertion or an Edges
// mutation. Both implement Change so Patch.Changes can hold either in
// application order, the way the teacher's apoc/diff.DiffResult keeps a
// single ordered hunk list rather than splitting by kind.
type Change interface {
	isChange()
}

// NewNodes introduces a run of new, consecutively-keyed nodes, attaching
// the first to every up_context key and the last to every down_context
// key. The i-th node's key is internal_id ‖ (LineNum + i).
type NewNodes struct {
	UpContext   []model.Key
	DownContext []model.Key
	LineNum     uint32
	Flag        model.EdgeFlag
	Nodes       [][]byte
}

func (NewNodes) isChange() {}

// EdgeChange is one edge mutation within an Edges hunk: add (or, with
// FlagDeleted set, remove) the edge From->To, owned by IntroducedBy.
type EdgeChange struct {
	From, To     model.Key
	IntroducedBy model.InternalHash
}

// Edges mutates a batch of edges sharing one flag: typically a single
// deletion (content or folder) or a single addition.
type Edges struct {
	Flag  model.EdgeFlag
	Edges []EdgeChange
}

func (Edges) isChange() {}

// Patch is the in-memory form of a patch, independent of how it is
// serialized (pkg/container owns that). Dependencies are external
// hashes: the set of other patches this one refers to, computed by
// container.Dependencies at construction time.
type Patch struct {
	Authors      []string
	Name         string
	Description  string
	Timestamp    int64
	Dependencies []model.ExternalHash
	Changes      []Change
}
