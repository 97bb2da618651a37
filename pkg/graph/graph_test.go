package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-vcs/graft/pkg/model"
)

// fakeStore is an in-memory EdgeSource/ContentSource/EdgeRemover, one per
// test, standing in for schema.Store so these tests never touch Badger.
type fakeStore struct {
	edges    map[model.Key][]model.Edge
	contents map[model.Key][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{edges: map[model.Key][]model.Edge{}, contents: map[model.Key][]byte{}}
}

func (f *fakeStore) link(from, to model.Key, flag model.EdgeFlag, by model.InternalHash) {
	fwd := model.Edge{Flag: flag, Target: to, IntroducedBy: by}
	f.edges[from] = append(f.edges[from], fwd)
	f.edges[to] = append(f.edges[to], fwd.Reciprocal(from))
}

func (f *fakeStore) EdgesFrom(branch string, key model.Key) ([]model.Edge, error) {
	edges := append([]model.Edge(nil), f.edges[key]...)
	sortEdges(edges)
	return edges, nil
}

func sortEdges(edges []model.Edge) {
	for i := 1; i < len(edges); i++ {
		for j := i; j > 0 && edges[j].Flag < edges[j-1].Flag; j-- {
			edges[j], edges[j-1] = edges[j-1], edges[j]
		}
	}
}

func (f *fakeStore) Contents(key model.Key) ([]byte, bool, error) {
	v, ok := f.contents[key]
	return v, ok, nil
}

func (f *fakeStore) DelReciprocalPair(branch string, from, to model.Key, flag model.EdgeFlag, by model.InternalHash) error {
	del := func(at, other model.Key, fl model.EdgeFlag) {
		out := f.edges[at][:0]
		for _, e := range f.edges[at] {
			if e.Flag == fl && e.Target == other && e.IntroducedBy == by {
				continue
			}
			out = append(out, e)
		}
		f.edges[at] = out
	}
	del(from, to, flag)
	del(to, from, flag^model.FlagParent)
	return nil
}

type recordingBuffer struct {
	lines   []string
	markers []string
}

func (b *recordingBuffer) OutputLine(key model.Key, contents []byte) error {
	b.lines = append(b.lines, string(contents))
	return nil
}
func (b *recordingBuffer) BeginConflict() error { b.markers = append(b.markers, "begin"); return nil }
func (b *recordingBuffer) ConflictNext() error  { b.markers = append(b.markers, "next"); return nil }
func (b *recordingBuffer) EndConflict() error   { b.markers = append(b.markers, "end"); return nil }

func patchID(b byte) model.InternalHash {
	var h model.InternalHash
	h[0] = b
	return h
}

func key(patch byte, line uint32) model.Key {
	return model.NewKey(patchID(patch), line)
}

func TestRetrieveLinearChainNoConflict(t *testing.T) {
	store := newFakeStore()
	a := key(1, 0)
	b := key(1, 1)
	c := key(1, 2)

	store.link(model.RootKey, a, 0, patchID(1))
	store.link(a, b, 0, patchID(1))
	store.link(b, c, 0, patchID(1))
	store.contents[a] = []byte("one\n")
	store.contents[b] = []byte("two\n")
	store.contents[c] = []byte("three\n")

	g, err := Retrieve(store, "main", model.RootKey)
	require.NoError(t, err)

	buf := &recordingBuffer{}
	forward, err := Linearize(g, store, buf)
	require.NoError(t, err)
	assert.Empty(t, forward)
	assert.Equal(t, []string{"one\n", "two\n", "three\n"}, buf.lines)
	assert.Empty(t, buf.markers)
}

func TestRetrieveMarksZombieOnDeletedButReferencedLine(t *testing.T) {
	store := newFakeStore()
	a := key(1, 0)
	b := key(2, 0)

	// a -> b by patch 1, then patch 2 deletes a (parent edge a->root marked
	// deleted) while still depending on a being reachable via b.
	store.link(model.RootKey, a, 0, patchID(1))
	store.link(a, b, 0, patchID(1))
	store.link(model.RootKey, a, model.FlagDeleted, patchID(2))
	store.contents[a] = []byte("deleted but alive\n")
	store.contents[b] = []byte("keeps it reachable\n")

	g, err := Retrieve(store, "main", model.RootKey)
	require.NoError(t, err)
	for _, n := range g.nodes {
		if n.key == a {
			assert.True(t, n.zombie)
		}
	}

	buf := &recordingBuffer{}
	_, err = Linearize(g, store, buf)
	require.NoError(t, err)
	// A zombie line still renders once its containing SCC is otherwise
	// a lone, on-the-spine component: every line with contents surfaces
	// exactly once.
	assert.ElementsMatch(t, []string{"deleted but alive\n", "keeps it reachable\n"}, buf.lines)
}

func TestRemoveRedundantEdgesDeletesPseudoForward(t *testing.T) {
	store := newFakeStore()
	a := key(1, 0)
	b := key(1, 1)
	store.link(a, b, model.FlagPseudo, patchID(9))

	err := RemoveRedundantEdges(store, "main", []ForwardEdge{{Source: a, Target: b}})
	require.NoError(t, err)

	edges, err := store.EdgesFrom("main", a)
	require.NoError(t, err)
	for _, e := range edges {
		assert.NotEqual(t, model.FlagPseudo, e.Flag, "pseudo edge should have been removed")
	}
}
