// Package container implements the patch container format (spec §4.8):
// serialization, hashing, on-disk filenames, and dependency extraction.
// It never touches the content graph directly; pkg/patch owns the
// in-memory Patch/Change shapes, pkg/schema owns the internal/external
// hash tables this package reads and writes through.
package container

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/graft-vcs/graft/pkg/model"
	"github.com/graft-vcs/graft/pkg/patch"
	"github.com/graft-vcs/graft/pkg/schema"
)

// ErrNothingToDecode is returned by Decode when given empty input.
var ErrNothingToDecode = errors.New("container: nothing to decode")

// wireChange is the tagged-union wire form of a patch.Change. Exactly one
// of NewNodes/Edges is non-nil, selected by Kind.
type wireChange struct {
	Kind  string          `json:"kind"`
	Nodes *wireNewNodes   `json:"new_nodes,omitempty"`
	Edges *wireEdgeChange `json:"edges,omitempty"`
}

type wireNewNodes struct {
	UpContext   []wireKey `json:"up_context"`
	DownContext []wireKey `json:"down_context"`
	LineNum     uint32    `json:"line_num"`
	Flag        byte      `json:"flag"`
	Nodes       [][]byte  `json:"nodes"`
}

type wireEdgeChange struct {
	Flag  byte            `json:"flag"`
	Edges []wireEdgeEntry `json:"edges"`
}

type wireEdgeEntry struct {
	From         wireKey `json:"from"`
	To           wireKey `json:"to"`
	IntroducedBy wireKey `json:"introduced_by"`
}

// wireKey mirrors model.Key's patch||line shape as two fields, since a
// raw 24-byte array marshals awkwardly (and illegibly) through JSON.
type wireKey struct {
	Patch [model.HashSize]byte `json:"patch"`
	Line  uint32               `json:"line"`
}

func toWireKey(k model.Key) wireKey {
	return wireKey{Patch: k.Patch(), Line: k.Line()}
}

func (k wireKey) toKey() model.Key {
	return model.NewKey(k.Patch, k.Line)
}

func toWireKeys(ks []model.Key) []wireKey {
	out := make([]wireKey, len(ks))
	for i, k := range ks {
		out[i] = toWireKey(k)
	}
	return out
}

func fromWireKeys(ks []wireKey) []model.Key {
	out := make([]model.Key, len(ks))
	for i, k := range ks {
		out[i] = k.toKey()
	}
	return out
}

func toWireChange(c patch.Change) (wireChange, error) {
	switch v := c.(type) {
	case patch.NewNodes:
		return wireChange{Kind: "new_nodes", Nodes: &wireNewNodes{
			UpContext:   toWireKeys(v.UpContext),
			DownContext: toWireKeys(v.DownContext),
			LineNum:     v.LineNum,
			Flag:        byte(v.Flag),
			Nodes:       v.Nodes,
		}}, nil
	case patch.Edges:
		entries := make([]wireEdgeEntry, len(v.Edges))
		for i, e := range v.Edges {
			entries[i] = wireEdgeEntry{From: toWireKey(e.From), To: toWireKey(e.To), IntroducedBy: wireKey{Patch: e.IntroducedBy}}
		}
		return wireChange{Kind: "edges", Edges: &wireEdgeChange{Flag: byte(v.Flag), Edges: entries}}, nil
	default:
		return wireChange{}, fmt.Errorf("container: unknown change type %T", c)
	}
}

func fromWireChange(w wireChange) (patch.Change, error) {
	switch w.Kind {
	case "new_nodes":
		if w.Nodes == nil {
			return nil, errors.New("container: new_nodes change missing body")
		}
		return patch.NewNodes{
			UpContext:   fromWireKeys(w.Nodes.UpContext),
			DownContext: fromWireKeys(w.Nodes.DownContext),
			LineNum:     w.Nodes.LineNum,
			Flag:        model.EdgeFlag(w.Nodes.Flag),
			Nodes:       w.Nodes.Nodes,
		}, nil
	case "edges":
		if w.Edges == nil {
			return nil, errors.New("container: edges change missing body")
		}
		edges := make([]patch.EdgeChange, len(w.Edges.Edges))
		for i, e := range w.Edges.Edges {
			edges[i] = patch.EdgeChange{From: e.From.toKey(), To: e.To.toKey(), IntroducedBy: e.IntroducedBy.Patch}
		}
		return patch.Edges{Flag: model.EdgeFlag(w.Edges.Flag), Edges: edges}, nil
	default:
		return nil, fmt.Errorf("container: unknown wire change kind %q", w.Kind)
	}
}

// wirePatch is the full serialized shape of spec §4.8:
// { authors, name, description, timestamp, dependencies, changes }.
type wirePatch struct {
	Authors      []string     `json:"authors"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Timestamp    int64        `json:"timestamp"`
	Dependencies [][]byte     `json:"dependencies"`
	Changes      []wireChange `json:"changes"`
}

// Encode serializes p to its on-disk form: JSON (the pack's stable
// self-describing encoding; spec §4.8 accepts any such format in place
// of CBOR, see DESIGN.md) gzip-compressed. The returned bytes are what
// Hash hashes and what a patches/<hex-hash>.cbor.gz file holds.
func Encode(p *patch.Patch) ([]byte, error) {
	deps := make([][]byte, len(p.Dependencies))
	for i, d := range p.Dependencies {
		deps[i] = []byte(d)
	}
	changes := make([]wireChange, len(p.Changes))
	for i, c := range p.Changes {
		wc, err := toWireChange(c)
		if err != nil {
			return nil, err
		}
		changes[i] = wc
	}
	w := wirePatch{
		Authors:      p.Authors,
		Name:         p.Name,
		Description:  p.Description,
		Timestamp:    p.Timestamp,
		Dependencies: deps,
		Changes:      changes,
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(data []byte) (*patch.Patch, error) {
	if len(data) == 0 {
		return nil, ErrNothingToDecode
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	var w wirePatch
	if err := json.NewDecoder(gz).Decode(&w); err != nil {
		return nil, err
	}
	deps := make([]model.ExternalHash, len(w.Dependencies))
	for i, d := range w.Dependencies {
		deps[i] = model.ExternalHash(d)
	}
	changes := make([]patch.Change, len(w.Changes))
	for i, wc := range w.Changes {
		c, err := fromWireChange(wc)
		if err != nil {
			return nil, err
		}
		changes[i] = c
	}
	return &patch.Patch{
		Authors:      w.Authors,
		Name:         w.Name,
		Description:  w.Description,
		Timestamp:    w.Timestamp,
		Dependencies: deps,
		Changes:      changes,
	}, nil
}

// Hash returns the external hash of encoded (compressed) patch bytes:
// SHA-512 of the bytes, per spec §4.8.
func Hash(encoded []byte) model.ExternalHash {
	sum := sha512.Sum512(encoded)
	return model.ExternalHash(sum[:])
}

// Filename returns the on-disk name for a patch with the given external
// hash: <hex-hash>.cbor.gz. The extension is a label only: the file body
// is gzip-compressed JSON, not CBOR (see DESIGN.md).
func Filename(hash model.ExternalHash) string {
	return fmt.Sprintf("%x.cbor.gz", []byte(hash))
}

// SignatureFilename returns the optional detached-signature filename
// alongside a patch file. Core only names the convention; verifying or
// producing the signature itself is a collaborator concern the spec
// calls "opaque to core" (§6), so this package carries no signing
// dependency (see DESIGN.md on the dropped golang.org/x/crypto).
func SignatureFilename(hash model.ExternalHash) string {
	return fmt.Sprintf("%x.cbor.sig", []byte(hash))
}

// NewInternalID draws a fresh, collision-free internal id for a
// newly-registered external hash.
func NewInternalID(store *schema.Store) (model.InternalHash, error) {
	for {
		var id model.InternalHash
		if _, err := rand.Read(id[:]); err != nil {
			return model.InternalHash{}, err
		}
		exists, err := store.InternalIDExists(id)
		if err != nil {
			return model.InternalHash{}, err
		}
		if !exists {
			return id, nil
		}
	}
}

// RegisterHash assigns ext an internal id (reusing one already on file,
// drawing a fresh one otherwise) and records the bidirectional mapping.
func RegisterHash(store *schema.Store, ext model.ExternalHash) (model.InternalHash, error) {
	if id, ok, err := store.InternalOf(ext); err != nil {
		return model.InternalHash{}, err
	} else if ok {
		return id, nil
	}
	id, err := NewInternalID(store)
	if err != nil {
		return model.InternalHash{}, err
	}
	if err := store.RegisterExternal(ext, id); err != nil {
		return model.InternalHash{}, err
	}
	return id, nil
}

// Dependencies computes the set of other patches changes refers to:
// every patch component walked out of a context key, edge endpoint, or
// introduced_by field, excluding ROOT_KEY's all-zero hash and (since
// record.go marks "this patch, once hashed" references the same way)
// the all-zero placeholder for the patch being built. Grounded on
// patch.rs's dependencies(), adapted from external-hash collection to
// the internal ids our Change structures actually carry. Each surviving
// internal id is resolved here to its external hash through ExternalOf;
// an id with no registered external hash is left out of the result.
func Dependencies(store *schema.Store, changes []patch.Change) ([]model.ExternalHash, error) {
	seen := map[model.InternalHash]bool{}
	add := func(h model.InternalHash) {
		if h != (model.InternalHash{}) {
			seen[h] = true
		}
	}

	for _, ch := range changes {
		switch c := ch.(type) {
		case patch.NewNodes:
			for _, k := range c.UpContext {
				add(k.Patch())
			}
			for _, k := range c.DownContext {
				add(k.Patch())
			}
		case patch.Edges:
			for _, e := range c.Edges {
				add(e.From.Patch())
				add(e.To.Patch())
				add(e.IntroducedBy)
			}
		}
	}

	out := make([]model.ExternalHash, 0, len(seen))
	for id := range seen {
		ext, ok, err := store.ExternalOf(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ext)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out, nil
}
