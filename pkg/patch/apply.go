package patch

import (
	"errors"

	"github.com/graft-vcs/graft/pkg/model"
	"github.com/graft-vcs/graft/pkg/schema"
)

// ErrAlreadyApplied is returned by Apply when internal_id is already
// registered on the target branch.
var ErrAlreadyApplied = errors.New("patch: already applied")

// Apply mutates branch's content graph so it reflects p, under the given
// internal id. newPatches is the set of other patches being applied in
// the same pull batch (apply_patches): step 6's context repair only
// reconnects through nodes introduced by a patch in this set, the way a
// single apply_local_patch call treats its own internal_id as the only
// "batch" member.
func Apply(store *schema.Store, branch string, p *Patch, internalID model.InternalHash, newPatches map[model.InternalHash]bool) error {
	applied, err := store.IsApplied(branch, internalID)
	if err != nil {
		return err
	}
	if applied {
		return ErrAlreadyApplied
	}
	if err := store.MarkApplied(branch, internalID); err != nil {
		return err
	}

	deps, err := dependencyInternalIDs(store, p)
	if err != nil {
		return err
	}

	for _, ch := range p.Changes {
		switch c := ch.(type) {
		case NewNodes:
			if err := applyNewNodes(store, branch, internalID, newPatches, c); err != nil {
				return err
			}
		case Edges:
			if err := applyEdges(store, branch, internalID, deps, c); err != nil {
				return err
			}
		}
	}

	for dep := range deps {
		if err := store.AddRevDep(dep, internalID); err != nil {
			return err
		}
	}
	return nil
}

// dependencyInternalIDs resolves p.Dependencies (external hashes) to the
// internal ids already registered for them. A dependency not yet
// registered is simply omitted: apply_patches always applies in
// dependency order, so every real dependency is registered by the time
// it is needed here.
func dependencyInternalIDs(store *schema.Store, p *Patch) (map[model.InternalHash]bool, error) {
	out := make(map[model.InternalHash]bool, len(p.Dependencies))
	for _, ext := range p.Dependencies {
		id, ok, err := store.InternalOf(ext)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = true
		}
	}
	return out, nil
}

// resolveKey substitutes internalID into a key authored by record.go
// before that patch's id was known. Record marks such "this patch,
// once hashed" placeholders with the zero InternalHash; ROOT_KEY is
// exempt since it is itself all-zero but never local to a patch.
func resolveKey(k model.Key, internalID model.InternalHash) model.Key {
	if k.IsRoot() || k.Patch() != (model.InternalHash{}) {
		return k
	}
	return model.NewKey(internalID, k.Line())
}

func resolveIntroducedBy(h, internalID model.InternalHash) model.InternalHash {
	if h == (model.InternalHash{}) {
		return internalID
	}
	return h
}

func resolveKeys(ks []model.Key, internalID model.InternalHash) []model.Key {
	out := make([]model.Key, len(ks))
	for i, k := range ks {
		out[i] = resolveKey(k, internalID)
	}
	return out
}

func applyNewNodes(store *schema.Store, branch string, internalID model.InternalHash, newPatches map[model.InternalHash]bool, nn NewNodes) error {
	n := len(nn.Nodes)
	if n == 0 {
		return nil
	}
	keys := make([]model.Key, n)
	for i := range keys {
		keys[i] = model.NewKey(internalID, nn.LineNum+uint32(i))
	}

	for i := 0; i < n-1; i++ {
		if err := store.PutReciprocalPair(branch, keys[i], keys[i+1], nn.Flag, internalID); err != nil {
			return err
		}
	}
	for _, raw := range nn.UpContext {
		ctx := resolveKey(raw, internalID)
		if err := store.PutReciprocalPair(branch, ctx, keys[0], nn.Flag, internalID); err != nil {
			return err
		}
	}
	for _, raw := range nn.DownContext {
		ctx := resolveKey(raw, internalID)
		if err := store.PutReciprocalPair(branch, keys[n-1], ctx, nn.Flag, internalID); err != nil {
			return err
		}
	}
	for i, data := range nn.Nodes {
		if err := store.PutContents(keys[i], data); err != nil {
			return err
		}
	}

	if err := repairContext(store, branch, newPatches, resolveKeys(nn.UpContext, internalID), true); err != nil {
		return err
	}
	return repairContext(store, branch, newPatches, resolveKeys(nn.DownContext, internalID), false)
}

func applyEdges(store *schema.Store, branch string, internalID model.InternalHash, deps map[model.InternalHash]bool, eh Edges) error {
	for i := range eh.Edges {
		eh.Edges[i].From = resolveKey(eh.Edges[i].From, internalID)
		eh.Edges[i].To = resolveKey(eh.Edges[i].To, internalID)
		eh.Edges[i].IntroducedBy = resolveIntroducedBy(eh.Edges[i].IntroducedBy, internalID)
	}

	// The stale edge being superseded never has the same flag bits as eh.Flag
	// toggled on FlagDeleted alone: deleteNode bakes FlagParent into a
	// deletion's EdgeChange.Flag (see record.go), but the live edge it
	// supersedes at e.From never carries FlagParent (only the reciprocal
	// stored at e.To does). So a deletion's opposite is the live edge with
	// both FlagDeleted and FlagParent stripped, while a plain insertion's
	// opposite is a prior tombstone with both bits added.
	addZombies := false
	for _, e := range eh.Edges {
		var opposite model.EdgeFlag
		if eh.Flag.Has(model.FlagDeleted) {
			opposite = eh.Flag &^ (model.FlagDeleted | model.FlagParent)
		} else {
			opposite = eh.Flag | model.FlagParent | model.FlagDeleted
		}
		if has, err := store.HasEdge(branch, e.From, model.Edge{Flag: opposite, Target: e.To, IntroducedBy: e.IntroducedBy}); err != nil {
			return err
		} else if has {
			if err := store.DelReciprocalPair(branch, e.From, e.To, opposite, e.IntroducedBy); err != nil {
				return err
			}
		}

		if eh.Flag.Has(model.FlagDeleted) {
			exclusive, err := hasExclusiveEdge(store, branch, e.From, internalID, deps)
			if err != nil {
				return err
			}
			if !exclusive {
				exclusive, err = hasExclusiveEdge(store, branch, e.To, internalID, deps)
				if err != nil {
					return err
				}
			}
			if exclusive {
				addZombies = true
			}
		}
	}

	for _, e := range eh.Edges {
		if err := store.PutReciprocalPair(branch, e.From, e.To, eh.Flag, e.IntroducedBy); err != nil {
			return err
		}
	}

	if eh.Flag.Has(model.FlagDeleted) {
		for _, e := range eh.Edges {
			if err := killObsoletePseudoEdges(store, branch, e.From); err != nil {
				return err
			}
			if err := killObsoletePseudoEdges(store, branch, e.To); err != nil {
				return err
			}
		}

		if addZombies {
			for _, e := range eh.Edges {
				if err := store.PutReciprocalPair(branch, e.From, e.To, eh.Flag^model.FlagDeleted, e.IntroducedBy); err != nil {
					return err
				}
			}
		} else if !eh.Flag.Has(model.FlagFolder) {
			if err := reconnectAroundDeletion(store, branch, eh.Edges); err != nil {
				return err
			}
		}
	}

	return nil
}

// hasExclusiveEdge reports whether key carries an edge introduced by a
// patch that is neither internalID nor one of deps: a reference to this
// node the current patch has no way to know about, which is exactly
// what forces a deleted-but-referenced line to survive as a zombie.
func hasExclusiveEdge(store *schema.Store, branch string, key model.Key, internalID model.InternalHash, deps map[model.InternalHash]bool) (bool, error) {
	edges, err := store.EdgesFrom(branch, key)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.IntroducedBy != internalID && !deps[e.IntroducedBy] {
			return true, nil
		}
	}
	return false, nil
}

// killObsoletePseudoEdges removes every live (non-deleted) PSEUDO edge on
// key: a deletion just landed here, so any synthetic reconnection
// computed by an earlier apply is potentially stale and is recomputed by
// reconnectAroundDeletion below.
func killObsoletePseudoEdges(store *schema.Store, branch string, key model.Key) error {
	edges, err := store.EdgesFrom(branch, key)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.Flag.Has(model.FlagPseudo) && !e.Flag.Has(model.FlagDeleted) {
			if err := store.DelReciprocalPair(branch, key, e.Target, e.Flag, e.IntroducedBy); err != nil {
				return err
			}
		}
	}
	return nil
}

func aliveParentEdge(store *schema.Store, branch string, key model.Key) (bool, error) {
	edges, err := store.EdgesFrom(branch, key)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Flag.Has(model.FlagParent) && !e.Flag.Has(model.FlagDeleted) {
			return true, nil
		}
	}
	return false, nil
}

// reconnectAroundDeletion collects every endpoint's still-alive
// neighbours (an alive parent on the upstream side, an alive child on
// the downstream side) and links each parent directly to each child with
// a PSEUDO edge, so a deleted interior node no longer severs the graph.
// Grounded on apply.rs's parents/children collection immediately
// following a non-folder deletion; this is the Go port's simplification
// of that pass (see DESIGN.md).
func reconnectAroundDeletion(store *schema.Store, branch string, edges []EdgeChange) error {
	var parents, children []model.Key
	seen := map[model.Key]bool{}
	add := func(list *[]model.Key, k model.Key) {
		if !seen[k] {
			seen[k] = true
			*list = append(*list, k)
		}
	}

	// A single Edges hunk can excise a whole run of interior nodes at once
	// (one EdgeChange per link in the run). By the time this runs, every
	// edge named here has already been replaced by a tombstone, so the
	// only record of "what lower used to connect to downstream" is this
	// hunk's own From->To chain, not the store. succ lets the lowerEdges
	// scan below skip straight past every node this same hunk also deletes.
	succ := make(map[model.Key]model.Key, len(edges))
	for _, e := range edges {
		succ[e.From] = e.To
	}
	chainEnd := func(k model.Key) (model.Key, bool) {
		chained := false
		for next, ok := succ[k]; ok; next, ok = succ[k] {
			k, chained = next, true
		}
		return k, chained
	}

	for _, e := range edges {
		upper, lower := e.From, e.To

		if ok, err := aliveParentEdge(store, branch, upper); err != nil {
			return err
		} else if ok {
			add(&parents, upper)
		}

		if end, chained := chainEnd(lower); chained {
			add(&children, end)
		}

		lowerEdges, err := store.EdgesFrom(branch, lower)
		if err != nil {
			return err
		}
		for _, ne := range lowerEdges {
			switch {
			case ne.Flag.Has(model.FlagParent) && !ne.Flag.Has(model.FlagDeleted):
				if ok, err := aliveParentEdge(store, branch, ne.Target); err != nil {
					return err
				} else if ok {
					add(&parents, ne.Target)
				}
			case !ne.Flag.Has(model.FlagParent) && !ne.Flag.Has(model.FlagDeleted):
				if ok, err := aliveParentEdge(store, branch, ne.Target); err != nil {
					return err
				} else if ok {
					add(&children, ne.Target)
				}
			}
		}
	}

	for _, parent := range parents {
		for _, child := range children {
			if parent == child {
				continue
			}
			connected, err := store.HasEdge(branch, parent, model.Edge{Flag: 0, Target: child})
			if err != nil {
				return err
			}
			if connected {
				continue
			}
			if err := store.PutReciprocalPair(branch, parent, child, model.FlagPseudo, model.InternalHash{}); err != nil {
				return err
			}
		}
	}
	return nil
}

// repairContext re-attaches a NewNodes hunk's context keys that lost
// their live link: an up_context key must still carry a live PARENT
// edge after the hunk lands, a down_context key must not have acquired
// a PARENT|DELETED edge without an alive alternative. Where one is
// missing, this walks the DELETED edges from that key looking for the
// nearest alive relative introduced by a patch in this apply batch and
// reconnects to it directly. This is the Go port's bounded version of
// apply.rs's context-repair walk: it stops at the first
// alive relative found rather than continuing to search indefinitely.
func repairContext(store *schema.Store, branch string, newPatches map[model.InternalHash]bool, ctx []model.Key, up bool) error {
	for _, k := range ctx {
		ok, err := aliveParentEdge(store, branch, k)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		edges, err := store.EdgesFrom(branch, k)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if !e.Flag.Has(model.FlagDeleted) {
				continue
			}
			if up && !e.Flag.Has(model.FlagParent) {
				continue
			}
			if !newPatches[e.IntroducedBy] {
				continue
			}
			alive, err := aliveParentEdge(store, branch, e.Target)
			if err != nil {
				return err
			}
			if !alive {
				continue
			}
			if err := store.PutReciprocalPair(branch, e.Target, k, model.FlagPseudo, e.IntroducedBy); err != nil {
				return err
			}
			break
		}
	}
	return nil
}
