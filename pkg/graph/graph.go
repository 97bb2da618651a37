// Package graph retrieves a branch's content graph from a root key and
// linearizes it into an ordered stream of lines, with explicit conflict
// regions where concurrent, non-ordered edits leave the graph without a
// single consistent order (spec §4.4). The algorithms here are a direct
// port of the teacher's "plain functions over slices of small structs"
// style (apoc/algo/algo.go): no interfaces beyond the one needed to read
// edges, and the DFS/Tarjan/permutation passes are expressed as ordinary
// recursive functions over index slices rather than pointer-heavy trees.
package graph

import (
	"fmt"
	"sort"

	"github.com/graft-vcs/graft/pkg/model"
)

// EdgeSource supplies every edge recorded on a key. schema.Store.EdgesFrom
// satisfies this directly.
type EdgeSource interface {
	EdgesFrom(branch string, key model.Key) ([]model.Edge, error)
}

// child is one outgoing arc from a node, resolved to the index of its
// target in Graph.nodes. edge is nil for the synthetic terminal arc every
// childless node gets to node 0. Linearize later zeroes target (keeping
// edge non-nil) on arcs it classifies as forward, so "do not follow,
// already counted" (edge != nil, target == 0) stays distinguishable from
// a genuine terminal arc (edge == nil, target == 0).
type child struct {
	edge   *model.Edge
	target int
}

// node is one vertex of a retrieved graph: a content-graph key plus the
// bookkeeping Tarjan and the linearizing DFS thread through it.
type node struct {
	key    model.Key
	zombie bool
	// parentDeps holds the introducing patch of every non-deleted PARENT
	// edge on this node: the set of patches whose presence or absence in
	// the current permutation can force a zombie line in or out.
	parentDeps []model.InternalHash

	childStart, nChildren int

	index, lowlink, scc int
	visited, onStack    bool
}

// Graph is the result of Retrieve: every node reachable from a root key
// by non-parent, non-deleted edges, plus a dummy node 0 that is the
// common descendant of every childless node. It is mutated in place by
// Linearize.
type Graph struct {
	nodes    []node
	children []child
}

// Retrieve builds the graph rooted at key by following every edge whose
// flag has neither PARENT nor DELETED set (content edges, PSEUDO edges,
// FOLDER edges and their combination). A node is marked a zombie if it
// carries a parent edge of flag exactly PARENT|DELETED or
// PARENT|DELETED|FOLDER: deleted, but still reachable through some other
// concurrent path. Node 0 is a sentinel with no key of its own; every
// node without a live child edge gets 0 as its sole child, guaranteeing a
// common descendant for the whole graph.
func Retrieve(src EdgeSource, branch string, root model.Key) (*Graph, error) {
	g := &Graph{nodes: []node{{}}} // index 0: the sentinel

	visited := make(map[model.Key]int)

	var retr func(key model.Key) (int, error)
	retr = func(key model.Key) (int, error) {
		if idx, ok := visited[key]; ok {
			return idx, nil
		}
		idx := len(g.nodes)
		visited[key] = idx
		g.nodes = append(g.nodes, node{key: key})

		edges, err := src.EdgesFrom(branch, key)
		if err != nil {
			return 0, fmt.Errorf("graph: retrieve %s: %w", key, err)
		}

		zombie := false
		var parentDeps []model.InternalHash
		start := len(g.children)
		n := 0
		for i := range edges {
			e := edges[i]
			switch {
			case e.Flag.Has(model.FlagParent) && e.Flag.Has(model.FlagDeleted):
				if e.Flag.IsZombieParent() {
					zombie = true
				}
				// Any other deleted-parent combination carries no
				// information this pass needs.
			case e.Flag.Has(model.FlagParent):
				parentDeps = append(parentDeps, e.IntroducedBy)
			case e.Flag.Has(model.FlagDeleted):
				// Forward tombstone (deleted, non-parent): not live content,
				// not traversed, carries no ordering information.
			default:
				g.children = append(g.children, child{edge: &edges[i]})
				n++
			}
		}
		g.nodes[idx].zombie = zombie
		g.nodes[idx].parentDeps = parentDeps
		g.nodes[idx].childStart = start
		g.nodes[idx].nChildren = n

		for i := 0; i < n; i++ {
			target := g.children[start+i].edge.Target
			childIdx, err := retr(target)
			if err != nil {
				return 0, err
			}
			g.children[start+i].target = childIdx
		}

		if n == 0 {
			g.children = append(g.children, child{})
			g.nodes[idx].nChildren = 1
		}
		return idx, nil
	}

	if _, err := retr(root); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) childAt(n, i int) child { return g.children[g.nodes[n].childStart+i] }

// tarjan computes strongly connected components of the retrieved graph,
// returning them in Tarjan's natural pop order: reverse topological, i.e.
// a component with no outgoing edges to an unprocessed component comes
// out first. Every g.nodes[i].scc is set to its component's index in the
// returned slice as a side effect.
func (g *Graph) tarjan() [][]int {
	if len(g.nodes) <= 1 {
		return [][]int{{0}}
	}

	var sccs [][]int
	var stack []int
	index := 0

	var dfs func(v int)
	dfs = func(v int) {
		g.nodes[v].index = index
		g.nodes[v].lowlink = index
		g.nodes[v].visited = true
		g.nodes[v].onStack = true
		index++
		stack = append(stack, v)

		for i := 0; i < g.nodes[v].nChildren; i++ {
			w := g.childAt(v, i).target
			if !g.nodes[w].visited {
				dfs(w)
				if g.nodes[w].lowlink < g.nodes[v].lowlink {
					g.nodes[v].lowlink = g.nodes[w].lowlink
				}
			} else if g.nodes[w].onStack && g.nodes[w].index < g.nodes[v].lowlink {
				g.nodes[v].lowlink = g.nodes[w].index
			}
		}

		if g.nodes[v].lowlink == g.nodes[v].index {
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				g.nodes[w].onStack = false
				g.nodes[w].scc = len(sccs)
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, comp)
		}
	}
	dfs(1) // 1 is always the root node created by Retrieve

	return sccs
}

// ForwardEdge is a (source, target) pair discovered during linearization
// to be a redundant forward PSEUDO edge: both endpoints lie on the same
// DFS thread and the target was already fully visited by the time the
// source's component was explored, so the edge adds no ordering
// information. RemoveRedundantEdges deletes such edges in both
// directions; no other edge is modified.
type ForwardEdge struct {
	Source, Target model.Key
	IntroducedBy   model.InternalHash
}

// LineBuffer receives the linearized output: one OutputLine call per
// surviving line, bracketed by Begin/Next/EndConflict around any run of
// lines that belong to an unresolved conflict.
type LineBuffer interface {
	OutputLine(key model.Key, contents []byte) error
	BeginConflict() error
	ConflictNext() error
	EndConflict() error
}

// ContentSource resolves a node key to its stored byte contents. ok is
// false for keys with no stored contents (structural/folder nodes).
type ContentSource interface {
	Contents(key model.Key) (data []byte, ok bool, err error)
}

// Linearize runs Tarjan, then a DFS over the component DAG that assigns
// each component a [firstVisit, lastVisit) interval, then walks
// components from the sentinel backwards emitting lines in order and
// opening a conflict region around any component that isn't a lone,
// non-zombie node whose interval enclosed the sentinel's. Within a
// conflict, every permutation of the component's member keys is tried,
// skipping zombie lines not forced in by a PARENT edge from a patch
// already selected earlier in this same conflict. forward accumulates
// any redundant PSEUDO forward edges found along the way, for
// RemoveRedundantEdges to delete.
func Linearize(g *Graph, contents ContentSource, buf LineBuffer) ([]ForwardEdge, error) {
	sccs := g.tarjan()
	firstVisit := make([]int, len(sccs))
	lastVisit := make([]int, len(sccs))
	step := 1
	var forward []ForwardEdge

	var dfs func(nSCC int)
	dfs = func(nSCC int) {
		var skipped []int
		for {
			skipped = append(skipped, nSCC)
			firstVisit[nSCC] = step
			step++

			childSet := map[int]bool{}
			nextSCC := 0
			for _, cousin := range sccs[nSCC] {
				for i := 0; i < g.nodes[cousin].nChildren; i++ {
					childComp := g.nodes[g.childAt(cousin, i).target].scc
					if childComp < nSCC {
						childSet[childComp] = true
						nextSCC = childComp
					}
				}
			}
			if len(childSet) != 1 {
				break
			}
			nSCC = nextSCC
		}

		childSet := map[int]bool{}
		for _, cousin := range sccs[nSCC] {
			for i := 0; i < g.nodes[cousin].nChildren; i++ {
				childComp := g.nodes[g.childAt(cousin, i).target].scc
				if childComp < nSCC {
					childSet[childComp] = true
				}
			}
		}
		ordered := make([]int, 0, len(childSet))
		for c := range childSet {
			ordered = append(ordered, c)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(ordered)))

		forwardSCC := map[int]bool{}
		for _, comp := range ordered {
			if firstVisit[comp] > firstVisit[nSCC] {
				forwardSCC[comp] = true
			} else {
				dfs(comp)
			}
		}

		for _, cousin := range sccs[nSCC] {
			start := g.nodes[cousin].childStart
			for i := 0; i < g.nodes[cousin].nChildren; i++ {
				c := g.children[start+i]
				if !forwardSCC[g.nodes[c.target].scc] {
					continue
				}
				if c.edge != nil && c.edge.Flag.Has(model.FlagPseudo) {
					forward = append(forward, ForwardEdge{
						Source:       g.nodes[cousin].key,
						Target:       g.nodes[c.target].key,
						IntroducedBy: c.edge.IntroducedBy,
					})
				}
				g.children[start+i] = child{edge: c.edge, target: 0}
			}
		}

		for i := len(skipped) - 1; i >= 0; i-- {
			lastVisit[skipped[i]] = step
			step++
		}
	}
	dfs(len(sccs) - 1)

	sentinelComp := g.nodes[0].scc
	isPlain := func(i int) bool {
		return len(sccs[i]) == 1 &&
			firstVisit[i] <= firstVisit[sentinelComp] &&
			lastVisit[i] >= lastVisit[sentinelComp] &&
			!g.nodes[sccs[i][0]].zombie
	}

	selectedZombies := make(map[model.InternalHash]bool)
	var nodes []model.Key
	var walkErr error

	// getConflict and permute mirror the recursive get_conflict/permutations
	// pair from the original algorithm: getConflict either emits a
	// resolved (non-conflicting) side directly, or hands off to permute to
	// enumerate every ordering of a genuinely conflicting component.
	// next records the smallest SCC index reached by the deepest resolved
	// side, so the outer loop can skip every index already consumed by
	// this conflict's recursive descent instead of reprocessing it.
	var getConflict func(i int, isFirst *bool, next *int)
	var permute func(i, j int, nextVertices map[int]bool, isFirst *bool, next *int)

	getConflict = func(i int, isFirst *bool, next *int) {
		if walkErr != nil {
			return
		}
		if isPlain(i) {
			first := false
			for _, key := range nodes {
				data, ok, err := contents.Contents(key)
				if err != nil {
					walkErr = err
					return
				}
				if !ok {
					continue
				}
				if len(data) > 0 && !first {
					first = true
					if *isFirst {
						if err := buf.BeginConflict(); err != nil {
							walkErr = err
							return
						}
						*isFirst = false
					} else {
						if err := buf.ConflictNext(); err != nil {
							walkErr = err
							return
						}
					}
				}
				if err := buf.OutputLine(key, data); err != nil {
					walkErr = err
					return
				}
			}
			*next = i
			return
		}
		nextVertices := map[int]bool{}
		permute(i, 0, nextVertices, isFirst, next)
	}

	permute = func(i, j int, nextVertices map[int]bool, isFirst *bool, next *int) {
		if walkErr != nil {
			return
		}
		comp := sccs[i]
		if j < len(comp) {
			for c := 0; c < g.nodes[comp[j]].nChildren; c++ {
				ch := g.childAt(comp[j], c)
				if ch.target != 0 || ch.edge == nil {
					nextVertices[g.nodes[ch.target].scc] = true
				}
			}
			for k := j; k < len(comp); k++ {
				comp[j], comp[k] = comp[k], comp[j]
				var newlyForced []model.InternalHash
				key := g.nodes[comp[j]].key
				keyPresent := true

				if g.nodes[comp[j]].zombie {
					isForced := false
					isDefined := false
					for _, dep := range g.nodes[comp[j]].parentDeps {
						if forced, ok := selectedZombies[dep]; ok {
							isDefined = true
							isForced = forced
						} else {
							newlyForced = append(newlyForced, dep)
						}
					}
					if !isDefined {
						for _, f := range newlyForced {
							selectedZombies[f] = false
						}
					} else {
						keyPresent = isForced
					}
					if !isForced {
						permute(i, j+1, nextVertices, isFirst, next)
					}
					if keyPresent {
						for _, f := range newlyForced {
							selectedZombies[f] = true
						}
					}
				}

				if keyPresent {
					nodes = append(nodes, key)
					permute(i, j+1, nextVertices, isFirst, next)
					nodes = nodes[:len(nodes)-1]
				}
				for _, f := range newlyForced {
					delete(selectedZombies, f)
				}
			}
			return
		}
		for chi := range nextVertices {
			getConflict(chi, isFirst, next)
		}
	}

	i := len(sccs) - 1
	for {
		if isPlain(i) {
			if sccs[i][0] != 0 {
				key := g.nodes[sccs[i][0]].key
				data, ok, err := contents.Contents(key)
				if err != nil {
					return nil, err
				}
				if ok {
					if err := buf.OutputLine(key, data); err != nil {
						return nil, err
					}
				}
			}
			if i == 0 {
				break
			}
			i--
			continue
		}

		nodes = nodes[:0]
		isFirst := true
		next := 0
		getConflict(i, &isFirst, &next)
		if walkErr != nil {
			return nil, walkErr
		}
		if !isFirst {
			if err := buf.EndConflict(); err != nil {
				return nil, err
			}
		}
		if i == 0 {
			break
		}
		if next < i-1 {
			i = next
		} else {
			i--
		}
	}

	return forward, nil
}

// EdgeRemover is the subset of schema.Store RemoveRedundantEdges needs:
// read the current edges on a key, and delete a reciprocal pair.
type EdgeRemover interface {
	EdgeSource
	DelReciprocalPair(branch string, from, to model.Key, flag model.EdgeFlag, introducedBy model.InternalHash) error
}

// RemoveRedundantEdges deletes every PSEUDO edge Linearize identified as a
// forward edge: the graph already orders its endpoints without it, so it
// contributes nothing but a future spurious conflict. Only each
// ForwardEdge's endpoints are used: the stored PSEUDO edge between them
// (and its IntroducedBy patch) is looked up fresh here, and
// ForwardEdge.IntroducedBy is not consulted.
func RemoveRedundantEdges(store EdgeRemover, branch string, forward []ForwardEdge) error {
	for _, fe := range forward {
		edges, err := store.EdgesFrom(branch, fe.Source)
		if err != nil {
			return fmt.Errorf("graph: remove redundant edges: %w", err)
		}
		for _, e := range edges {
			if e.Flag == model.FlagPseudo && e.Target == fe.Target {
				if err := store.DelReciprocalPair(branch, fe.Source, fe.Target, model.FlagPseudo, e.IntroducedBy); err != nil {
					return fmt.Errorf("graph: remove redundant edges: %w", err)
				}
				break
			}
		}
	}
	return nil
}
