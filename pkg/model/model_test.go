package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	var patch InternalHash
	copy(patch[:], []byte("01234567890123456789"))
	k := NewKey(patch, 42)

	assert.Equal(t, patch, k.Patch())
	assert.Equal(t, uint32(42), k.Line())
	assert.False(t, k.IsRoot())
	assert.True(t, RootKey.IsRoot())
}

func TestEdgeEncodeDecodeRoundTrip(t *testing.T) {
	var owner InternalHash
	copy(owner[:], []byte("abcdefghij0123456789"))
	e := Edge{Flag: FlagFolder | FlagParent, Target: NewKey(owner, 7), IntroducedBy: owner}

	encoded := e.Encode()
	require.Len(t, encoded, EdgeSize)

	decoded, err := DecodeEdge(encoded)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestDecodeEdgeRejectsWrongLength(t *testing.T) {
	_, err := DecodeEdge([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEdgeReciprocalTogglesParent(t *testing.T) {
	var owner InternalHash
	src := NewKey(owner, 1)
	dst := NewKey(owner, 2)
	fwd := Edge{Flag: FlagFolder, Target: dst, IntroducedBy: owner}

	rec := fwd.Reciprocal(src)
	assert.Equal(t, src, rec.Target)
	assert.Equal(t, FlagFolder|FlagParent, rec.Flag)
	assert.Equal(t, owner, rec.IntroducedBy)

	back := rec.Reciprocal(dst)
	assert.Equal(t, fwd.Flag, back.Flag)
}

func TestIsZombieParent(t *testing.T) {
	assert.True(t, (FlagParent | FlagDeleted).IsZombieParent())
	assert.True(t, (FlagParent | FlagDeleted | FlagFolder).IsZombieParent())
	assert.False(t, FlagParent.IsZombieParent())
	assert.False(t, FlagDeleted.IsZombieParent())
}

func TestEdgeFlagString(t *testing.T) {
	assert.Equal(t, "-", EdgeFlag(0).String())
	assert.Equal(t, "PF^x", (FlagPseudo | FlagFolder | FlagParent | FlagDeleted).String())
}

func TestInodeRoot(t *testing.T) {
	assert.True(t, RootInode.IsRoot())
	var other Inode
	other[0] = 1
	assert.False(t, other.IsRoot())
}
