package hash

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerr "github.com/European-XFEL/Karabo-sub006/errors"
)

func TestIntUnboxingBoundaries(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  any
	}{
		{"zero", 0, int32(0)},
		{"minInt32", -(1 << 31), int32(math.MinInt32)},
		{"maxInt32", 1<<31 - 1, int32(math.MaxInt32)},
		{"int32PlusOne", 1 << 31, uint32(1 << 31)},
		{"maxUint32", 1<<32 - 1, uint32(math.MaxUint32)},
		{"uint32PlusOne", 1 << 32, int64(1 << 32)},
		{"minInt32MinusOne", -(1<<31 + 1), int64(-(1<<31 + 1))},
		{"minInt64", math.MinInt64, int64(math.MinInt64)},
		{"maxInt64", math.MaxInt64, int64(math.MaxInt64)},
		{"int64PlusOne", uint(1) << 63, uint64(1) << 63},
		{"maxUint64", uint(math.MaxUint64), uint64(math.MaxUint64)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New()
			require.NoError(t, h.Set("v", tc.value))
			v, err := h.Get("v")
			require.NoError(t, err)
			assert.Equal(t, tc.want, v)
		})
	}
}

func TestIntSliceUnboxing(t *testing.T) {
	cases := []struct {
		name  string
		value []int
		want  any
	}{
		{"allSmall", []int{1, -2, 3}, []int32{1, -2, 3}},
		{"negativePromotes", []int{-1, 1 << 31}, []int64{-1, 1 << 31}},
		{"unsignedRange", []int{1 << 31}, []uint32{1 << 31}},
		{"wide", []int{1 << 32}, []int64{1 << 32}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New()
			require.NoError(t, h.Set("v", tc.value))
			v, err := h.Get("v")
			require.NoError(t, err)
			assert.Equal(t, tc.want, v)
		})
	}
}

func TestNarrowestFittingMixed(t *testing.T) {
	typ, err := NarrowestFitting([]IntValue{Int(-1), Uint(1 << 31)})
	require.NoError(t, err)
	assert.Equal(t, TypeInt64, typ)

	typ, err = NarrowestFitting([]IntValue{Int(-1), Uint(math.MaxInt64)})
	require.NoError(t, err)
	assert.Equal(t, TypeInt64, typ)

	_, err = NarrowestFitting([]IntValue{Int(-1), Uint(uint64(math.MaxInt64) + 1)})
	require.Error(t, err)
	assert.True(t, kerr.IsOverflow(err))
}

func TestNormalizeRejectsOutsideTypeSet(t *testing.T) {
	h := New()
	assert.Error(t, h.Set("v", nil))
	assert.Error(t, h.Set("v", []any{1, "x"}))
	assert.Error(t, h.Set("v", struct{}{}))
	assert.Error(t, h.Set("v", map[string]int{"a": 1}))
}

func TestBytesDistinctFromVectorUint8(t *testing.T) {
	h := New()
	require.NoError(t, h.Set("raw", Bytes{1, 2, 3}))
	require.NoError(t, h.Set("vec", []byte{1, 2, 3}))

	typ, err := h.Type("raw")
	require.NoError(t, err)
	assert.Equal(t, TypeBytes, typ)

	typ, err = h.Type("vec")
	require.NoError(t, err)
	assert.Equal(t, TypeVectorUint8, typ)
}

func TestTypeOfClosedSet(t *testing.T) {
	h := New()
	assert.Equal(t, TypeHash, TypeOf(h))
	assert.Equal(t, TypeVectorHash, TypeOf([]*Hash{}))
	assert.Equal(t, TypeSchema, TypeOf(&Schema{Name: "X", Hash: New()}))
	assert.Equal(t, TypeComplexDouble, TypeOf(complex(1.0, 2.0)))
	assert.Equal(t, TypeNone, TypeOf(struct{}{}))
}
