package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullHouse(t *testing.T) *Hash {
	t.Helper()
	h := New(
		"b", true,
		"i8", int8(-3),
		"i16", int16(-300),
		"i32", int32(-70000),
		"i64", int64(-1)<<40,
		"u8", uint8(200),
		"u16", uint16(60000),
		"u32", uint32(4000000000),
		"u64", uint64(1)<<63,
		"f", float32(1.25),
		"d", float64(-2.5),
		"cf", complex64(complex(1, -2)),
		"cd", complex(3.5, 4.5),
		"s", "hello",
		"raw", Bytes{0, 1, 2, 255},
		"vb", []bool{true, false},
		"vi32", []int32{1, -2, 3},
		"vu8", []uint8{9, 8},
		"vd", []float64{0.5, -0.5},
		"vs", []string{"a", "", "bc"},
	)
	require.NoError(t, h.Set("node.leaf", int32(7)))
	require.NoError(t, h.Set("table[0].v", "r0"))
	require.NoError(t, h.Set("table[1].v", "r1"))
	require.NoError(t, h.Set("sch", &Schema{Name: "Motor", Hash: New("pos", New())}))
	require.NoError(t, h.SetAttribute("node.leaf", "unit", "mm"))
	require.NoError(t, h.SetAttribute("node.leaf", "ts", int64(1234)))
	require.NoError(t, h.SetAttribute("vs", "flags", []uint32{1, 2}))
	return h
}

func TestCodecRoundTrip(t *testing.T) {
	h := fullHouse(t)

	data, err := Encode(h)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, h.FullyEqual(back, false), "decode(encode(h)) must fully equal h")

	again, err := Encode(back)
	require.NoError(t, err)
	assert.Equal(t, data, again, "re-encoding a decoded buffer is byte identical")
}

func TestCodecEmptyHash(t *testing.T) {
	data, err := Encode(New())
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, back.Empty())
}

func TestCodecEmptyVectors(t *testing.T) {
	h := New(
		"vi", []int32{},
		"vs", []string{},
		"vh", []*Hash{},
		"empty", New(),
	)
	data, err := Encode(h)
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, h.FullyEqual(back, false))
}

func TestDecodeRejectsTruncated(t *testing.T) {
	h := New("key", "value")
	data, err := Encode(h)
	require.NoError(t, err)

	for cut := 1; cut < len(data); cut++ {
		_, err := Decode(data[:cut])
		assert.Error(t, err, "truncated at %d", cut)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	data, err := Encode(New("a", int32(1)))
	require.NoError(t, err)
	_, err = Decode(append(data, 0xff))
	require.Error(t, err)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	// one entry, key "a", absurd type tag
	data := []byte{
		1, 0, 0, 0, // entry count
		1, 'a', // key
		0xee, 0xee, 0, 0, // type tag
		0, 0, 0, 0, // attr count
	}
	_, err := Decode(data)
	require.Error(t, err)
}
