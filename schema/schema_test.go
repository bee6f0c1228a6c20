package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerr "github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
)

func uintPtr(v uint32) *uint32 { return &v }

func motorSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := New("Motor",
		&Descriptor{
			Key: "state", ValueType: hash.TypeString,
			Access: ReadOnly, Default: "UNKNOWN",
		},
		&Descriptor{
			Key: "targetPosition", ValueType: hash.TypeDouble,
			Access: Reconfigurable, Default: float64(0),
			MinInc: float64(-100), MaxInc: float64(100),
			Unit: "mm", AllowedStates: []string{"ON", "STOPPED"},
		},
		&Descriptor{
			Key: "speed", ValueType: hash.TypeInt32,
			Access: Reconfigurable, Default: int32(5),
			Options: []any{int32(1), int32(5), int32(10)},
		},
		&Descriptor{
			Key: "deviceId", ValueType: hash.TypeString,
			Access: InitOnly, Assignment: Mandatory,
			Regex: `^[A-Za-z0-9_/-]+$`,
		},
		&Descriptor{
			Key: "node", NodeType: Node, Children: []*Descriptor{
				{Key: "offsets", ValueType: hash.TypeVectorDouble,
					MinSize: uintPtr(1), MaxSize: uintPtr(3),
					Default: []float64{0}},
			},
		},
		&Descriptor{Key: "move", NodeType: Node, DisplayType: displaySlot},
	)
	require.NoError(t, err)
	return s
}

func TestSchemaRefusesRegexDefaultMismatch(t *testing.T) {
	_, err := New("Bad", &Descriptor{
		Key: "name", ValueType: hash.TypeString,
		Regex: `^[a-z]+$`, Default: "NOT LOWER",
	})
	require.Error(t, err)
	assert.True(t, kerr.IsValidation(err))
}

func TestSchemaRefusesDuplicateKeys(t *testing.T) {
	_, err := New("Bad",
		&Descriptor{Key: "x", ValueType: hash.TypeInt32},
		&Descriptor{Key: "x", ValueType: hash.TypeInt32},
	)
	require.Error(t, err)
}

func TestSchemaRefusesBadDefault(t *testing.T) {
	_, err := New("Bad", &Descriptor{
		Key: "v", ValueType: hash.TypeInt32,
		MaxInc: int32(10), Default: int32(11),
	})
	require.Error(t, err)
}

func TestSchemaPathsDeclarationOrder(t *testing.T) {
	s := motorSchema(t)
	assert.Equal(t, []string{
		"state", "targetPosition", "speed", "deviceId",
		"node", "node.offsets", "move",
	}, s.Paths())
}

func TestSchemaHashRoundTrip(t *testing.T) {
	s := motorSchema(t)
	wire := s.ToHash()
	assert.Equal(t, "Motor", wire.Name)

	back, err := FromHash(wire)
	require.NoError(t, err)
	assert.Equal(t, s.Paths(), back.Paths())

	d, ok := back.Descriptor("targetPosition")
	require.True(t, ok)
	assert.Equal(t, hash.TypeDouble, d.ValueType)
	assert.Equal(t, Reconfigurable, d.Access)
	assert.Equal(t, float64(0), d.Default)
	assert.Equal(t, "mm", d.Unit)
	assert.Equal(t, []string{"ON", "STOPPED"}, d.AllowedStates)

	d, ok = back.Descriptor("node.offsets")
	require.True(t, ok)
	require.NotNil(t, d.MinSize)
	assert.Equal(t, uint32(1), *d.MinSize)

	d, ok = back.Descriptor("move")
	require.True(t, ok)
	assert.True(t, d.IsSlot())

	// wire form itself round-trips the binary codec
	data, err := hash.Encode(wire.Hash)
	require.NoError(t, err)
	decoded, err := hash.Decode(data)
	require.NoError(t, err)
	assert.True(t, wire.Hash.FullyEqual(decoded, false))
}

func TestFilterByState(t *testing.T) {
	s := motorSchema(t)

	moving := s.FilterByState("MOVING", nil)
	_, ok := moving.Descriptor("targetPosition")
	assert.False(t, ok, "restricted descriptor filtered out")
	_, ok = moving.Descriptor("speed")
	assert.True(t, ok, "unrestricted descriptor kept")

	on := s.FilterByState("ON", nil)
	_, ok = on.Descriptor("targetPosition")
	assert.True(t, ok)
}

func TestStateAliasResolution(t *testing.T) {
	d := &Descriptor{Key: "x", ValueType: hash.TypeInt32, AllowedStates: []string{"ON"}}
	aliases := StateMap{"STOPPED": "ON"}
	assert.True(t, d.StateAllowed("STOPPED", aliases))
	assert.False(t, d.StateAllowed("STOPPED", nil))
	assert.False(t, d.StateAllowed("ERROR", aliases))
}

func TestDescriptorEnumAcceptsNameOrValue(t *testing.T) {
	d := &Descriptor{
		Key: "polarity", ValueType: hash.TypeInt32,
		Enum: map[string]any{"POSITIVE": int32(1), "NEGATIVE": int32(-1)},
	}
	require.NoError(t, d.compile())

	v, err := d.checkValue("POSITIVE")
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	v, err = d.checkValue(int32(-1))
	require.NoError(t, err)
	assert.Equal(t, int32(-1), v)
}

func TestDescriptorVectorSizeBounds(t *testing.T) {
	d := &Descriptor{
		Key: "v", ValueType: hash.TypeVectorInt32,
		MinSize: uintPtr(2), MaxSize: uintPtr(3),
	}
	require.NoError(t, d.compile())

	_, err := d.checkValue([]int32{1})
	assert.True(t, kerr.IsValidation(err))
	_, err = d.checkValue([]int32{1, 2, 3, 4})
	assert.True(t, kerr.IsValidation(err))
	_, err = d.checkValue([]int32{1, 2})
	assert.NoError(t, err)
}

func TestOverwriteInheritsAndReplaces(t *testing.T) {
	setterCalls := 0
	base := &Descriptor{
		Key: "v", ValueType: hash.TypeInt32,
		Default: int32(5), MaxInc: int32(10), Unit: "mm",
		Setter: func(v any) (any, error) { setterCalls++; return v, nil },
		Extra:  hash.NewAttributes("rowSchema", "abc", "other", int32(1)),
	}
	require.NoError(t, base.compile())

	maxed := int32(20)
	out, err := Overwrite{MaxInc: maxed, Default: int32(15)}.Apply(base, "rowSchema")
	require.NoError(t, err)

	assert.Equal(t, int32(15), out.Default)
	assert.Equal(t, "mm", out.Unit, "unspecified attributes inherit")
	require.NotNil(t, out.Setter)
	_, _ = out.Setter(int32(1))
	assert.Equal(t, 1, setterCalls, "setter preserved unless replaced")

	require.NotNil(t, out.Extra)
	assert.True(t, out.Extra.Has("rowSchema"), "opt-in extra preserved")
	assert.False(t, out.Extra.Has("other"), "non-listed extra dropped")
}

func TestOverwriteRecompiles(t *testing.T) {
	base := &Descriptor{Key: "n", ValueType: hash.TypeString, Default: "abc123"}
	require.NoError(t, base.compile())

	re := `^[a-z]+$`
	_, err := Overwrite{Regex: &re}.Apply(base)
	require.Error(t, err, "inherited default no longer matches the restated regex")
}
