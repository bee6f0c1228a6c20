package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeReplaceAttributes(t *testing.T) {
	a := New("x", int32(1))
	require.NoError(t, a.SetAttribute("x", "unit", "mm"))
	require.NoError(t, a.SetAttribute("x", "alias", "pos"))

	b := New("x", int32(2))
	require.NoError(t, b.SetAttribute("x", "unit", "deg"))

	a.Merge(b, MergeReplaceAttributes)

	v, err := a.Get("x")
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)

	attrs, err := a.Attributes("x")
	require.NoError(t, err)
	assert.Equal(t, []string{"unit"}, attrs.Keys())
	assert.Equal(t, "deg", attrs.GetDefault("unit", ""))
}

func TestMergeMergeAttributes(t *testing.T) {
	a := New("x", int32(1))
	require.NoError(t, a.SetAttribute("x", "unit", "mm"))
	require.NoError(t, a.SetAttribute("x", "alias", "pos"))

	b := New("x", int32(2))
	require.NoError(t, b.SetAttribute("x", "unit", "deg"))

	a.Merge(b, MergeMergeAttributes)

	attrs, err := a.Attributes("x")
	require.NoError(t, err)
	assert.Equal(t, "deg", attrs.GetDefault("unit", ""), "right wins on conflict")
	assert.Equal(t, "pos", attrs.GetDefault("alias", ""), "left-only key survives")
}

func TestMergeRecursesIntoNodes(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("n.x", int32(1)))
	require.NoError(t, a.Set("n.y", int32(2)))

	b := New()
	require.NoError(t, b.Set("n.y", int32(9)))
	require.NoError(t, b.Set("n.z", int32(3)))

	a.Merge(b, MergeReplaceAttributes)

	sub, err := a.GetHash("n")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, sub.Keys())
	v, _ := a.Get("n.y")
	assert.Equal(t, int32(9), v)
}

func TestMergeSelectedPaths(t *testing.T) {
	a := New("keep", int32(0))
	b := New()
	require.NoError(t, b.Set("p.q", int32(1)))
	require.NoError(t, b.Set("p.r", int32(2)))
	require.NoError(t, b.Set("t[0].v", int32(3)))

	a.Merge(b, MergeReplaceAttributes, "p.q", "t[5].v", "missing")

	assert.True(t, a.Has("p.q"))
	assert.False(t, a.Has("p.r"))
	assert.False(t, a.Has("t"), "invalid index selections are ignored")
	assert.True(t, a.Has("keep"))
}

func TestMergeIdentity(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("n.x", int32(1)))
	require.NoError(t, a.Set("s", "v"))
	require.NoError(t, a.SetAttribute("n.x", "unit", "mm"))

	merged := New()
	merged.Merge(a, MergeReplaceAttributes)
	assert.True(t, merged.FullyEqual(a, false), "merge into empty reproduces the source")

	again := a.Clone()
	again.Merge(a, MergeReplaceAttributes)
	assert.True(t, again.FullyEqual(a, false), "self merge is idempotent")
}

func TestSubtractLeaves(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("n.x", int32(1)))
	require.NoError(t, a.Set("n.y", int32(2)))
	require.NoError(t, a.Set("keep", int32(3)))

	b := New()
	require.NoError(t, b.Set("n.x", int32(99)))

	a.Subtract(b)
	assert.False(t, a.Has("n.x"))
	assert.True(t, a.Has("n.y"))
	assert.True(t, a.Has("keep"))
}

func TestSubtractEmptyNodeClearsChildren(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("n.x", int32(1)))
	require.NoError(t, a.Set("n.y", int32(2)))

	b := New("n", New())
	a.Subtract(b)

	assert.True(t, a.Has("n"), "node itself survives")
	sub, err := a.GetHash("n")
	require.NoError(t, err)
	assert.True(t, sub.Empty())
}

func TestSubtractRemovesEmptiedParent(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("n.x", int32(1)))

	b := New()
	require.NoError(t, b.Set("n.x", int32(0)))

	a.Subtract(b)
	assert.False(t, a.Has("n"))
}

func TestFullyEqualOrder(t *testing.T) {
	a := New("x", int32(1), "y", int32(2))
	b := New("y", int32(2), "x", int32(1))

	assert.False(t, a.FullyEqual(b, false))
	assert.True(t, a.FullyEqual(b, true))

	require.NoError(t, b.SetAttribute("x", "unit", "mm"))
	assert.False(t, a.FullyEqual(b, true), "attribute differences always count")
}
