package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerr "github.com/European-XFEL/Karabo-sub006/errors"
)

func TestSetGetNested(t *testing.T) {
	h := New()
	require.NoError(t, h.Set("a.b.c", int32(42)))

	v, err := h.Get("a.b.c")
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)

	// intermediate nodes materialized as hashes
	sub, err := h.GetHash("a.b")
	require.NoError(t, err)
	assert.True(t, sub.Has("c"))

	_, err = h.Get("a.b.missing")
	require.Error(t, err)
	assert.True(t, kerr.IsKeyNotFound(err))
}

func TestInsertionOrderPreserved(t *testing.T) {
	h := New("z", int32(1), "a", int32(2), "m", int32(3))
	assert.Equal(t, []string{"z", "a", "m"}, h.Keys())

	// overwriting keeps the original position
	require.NoError(t, h.Set("a", int32(9)))
	assert.Equal(t, []string{"z", "a", "m"}, h.Keys())
}

func TestVectorIndexWriteExtends(t *testing.T) {
	h := New()
	require.NoError(t, h.Set("table[2].v", "third"))

	vec, err := h.GetVectorHash("table")
	require.NoError(t, err)
	require.Len(t, vec, 3)
	assert.True(t, vec[0].Empty())
	assert.True(t, vec[1].Empty())

	v, err := h.Get("table[2].v")
	require.NoError(t, err)
	assert.Equal(t, "third", v)
}

func TestVectorIndexReadPastEndFails(t *testing.T) {
	h := New()
	require.NoError(t, h.Set("table[0].v", int32(1)))

	_, err := h.Get("table[5].v")
	require.Error(t, err)
	assert.True(t, kerr.IsKeyNotFound(err))

	// reads never extend
	vec, err := h.GetVectorHash("table")
	require.NoError(t, err)
	assert.Len(t, vec, 1)
}

func TestSetIndexedRequiresHash(t *testing.T) {
	h := New()
	err := h.Set("table[0]", int32(1))
	require.Error(t, err)

	require.NoError(t, h.Set("table[0]", New("v", int32(1))))
	v, err := h.Get("table[0].v")
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)
}

func TestMalformedPaths(t *testing.T) {
	h := New("a", int32(1))
	for _, path := range []string{"", "a..b", "table[x]", "table[-1]", "table[0"} {
		_, err := h.Get(path)
		assert.Error(t, err, "path %q", path)
	}
}

func TestEraseAndErasePath(t *testing.T) {
	h := New()
	require.NoError(t, h.Set("a.b.c", int32(1)))
	require.NoError(t, h.Set("a.b.d", int32(2)))
	require.NoError(t, h.Set("x", int32(3)))

	require.NoError(t, h.Erase("a.b.c"))
	assert.False(t, h.Has("a.b.c"))
	assert.True(t, h.Has("a.b"), "Erase leaves emptied parents alone")

	require.NoError(t, h.ErasePath("a.b.d"))
	assert.False(t, h.Has("a.b"), "ErasePath removes emptied parents")
	assert.False(t, h.Has("a"))
	assert.True(t, h.Has("x"))

	err := h.Erase("never.there")
	require.Error(t, err)
}

func TestEraseVectorElement(t *testing.T) {
	h := New()
	require.NoError(t, h.Set("t[0].v", int32(0)))
	require.NoError(t, h.Set("t[1].v", int32(1)))
	require.NoError(t, h.Set("t[2].v", int32(2)))

	require.NoError(t, h.Erase("t[1]"))
	vec, err := h.GetVectorHash("t")
	require.NoError(t, err)
	require.Len(t, vec, 2)
	v, err := h.Get("t[1].v")
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)
}

func TestAttributes(t *testing.T) {
	h := New("pos", float64(1.5))
	require.NoError(t, h.SetAttribute("pos", "unit", "mm"))
	require.NoError(t, h.SetAttribute("pos", "ts", int64(1234)))

	v, err := h.Attribute("pos", "unit")
	require.NoError(t, err)
	assert.Equal(t, "mm", v)

	attrs, err := h.Attributes("pos")
	require.NoError(t, err)
	assert.Equal(t, []string{"unit", "ts"}, attrs.Keys())

	_, err = h.Attribute("pos", "missing")
	assert.True(t, kerr.IsKeyNotFound(err))
	assert.Equal(t, "deg", h.AttributeDefault("pos", "other", "deg"))

	// attributes survive value overwrite
	require.NoError(t, h.Set("pos", float64(2.5)))
	v, err = h.Attribute("pos", "unit")
	require.NoError(t, err)
	assert.Equal(t, "mm", v)
}

func TestVectorElementsCarryNoAttributes(t *testing.T) {
	h := New()
	require.NoError(t, h.Set("t[0].v", int32(1)))
	_, err := h.Attributes("t[0]")
	require.Error(t, err)
}

func TestPathsBracketSyntax(t *testing.T) {
	h := New()
	require.NoError(t, h.Set("a.b", int32(1)))
	require.NoError(t, h.Set("t[0].x", int32(2)))
	require.NoError(t, h.Set("t[1].y", int32(3)))
	require.NoError(t, h.Set("empty", New()))

	assert.Equal(t, []string{"a.b", "t[0].x", "t[1].y", "empty"}, h.Paths())
}

func TestCloneIsDeep(t *testing.T) {
	h := New()
	require.NoError(t, h.Set("a.b", []int32{1, 2, 3}))
	require.NoError(t, h.SetAttribute("a.b", "unit", "mm"))

	c := h.Clone()
	require.NoError(t, c.Set("a.b", []int32{9}))
	require.NoError(t, c.SetAttribute("a.b", "unit", "deg"))

	v, err := h.Get("a.b")
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, v)
	u, err := h.Attribute("a.b", "unit")
	require.NoError(t, err)
	assert.Equal(t, "mm", u)
}

func TestFlattenUnflatten(t *testing.T) {
	h := New()
	require.NoError(t, h.Set("a.b.c", int32(1)))
	require.NoError(t, h.SetAttribute("a.b.c", "unit", "mm"))
	require.NoError(t, h.Set("d", "x"))

	flat := h.Flatten()
	assert.Equal(t, []string{"a.b.c", "d"}, flat.Keys())

	back, err := flat.Unflatten()
	require.NoError(t, err)
	assert.True(t, h.FullyEqual(back, false))
}

func TestGettersAndWidening(t *testing.T) {
	h := New(
		"i8", int8(-5),
		"u32", uint32(7),
		"u64big", uint64(1)<<63,
		"f", float32(1.5),
		"s", "txt",
		"b", true,
	)

	i, err := h.GetInt("i8")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), i)

	u, err := h.GetUint("u32")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), u)

	_, err = h.GetInt("u64big")
	assert.True(t, kerr.IsOverflow(err))

	_, err = h.GetUint("i8")
	assert.True(t, kerr.IsOverflow(err))

	f, err := h.GetFloat("i8")
	require.NoError(t, err)
	assert.Equal(t, float64(-5), f)

	_, err = h.GetString("b")
	assert.True(t, kerr.IsCast(err))

	s, err := h.GetString("s")
	require.NoError(t, err)
	assert.Equal(t, "txt", s)
}

func TestGetAsNarrowing(t *testing.T) {
	h := New("v", int32(300), "neg", int32(-1))

	_, err := h.GetAs("v", TypeUint8)
	assert.True(t, kerr.IsOverflow(err))

	got, err := h.GetAs("v", TypeUint16)
	require.NoError(t, err)
	assert.Equal(t, uint16(300), got)

	_, err = h.GetAs("neg", TypeUint32)
	assert.True(t, kerr.IsOverflow(err))

	got, err = h.GetAs("neg", TypeInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), got)
}
