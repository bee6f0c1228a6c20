package configurable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerr "github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/schema"
)

func pumpSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New("Pump",
		&schema.Descriptor{Key: "state", ValueType: hash.TypeString,
			Access: schema.ReadOnly, Default: "UNKNOWN"},
		&schema.Descriptor{Key: "pressure", ValueType: hash.TypeDouble,
			Access: schema.ReadOnly, Default: float64(0)},
		&schema.Descriptor{Key: "setpoint", ValueType: hash.TypeDouble,
			Default: float64(1), MinInc: float64(0), MaxInc: float64(10)},
		&schema.Descriptor{Key: "label", ValueType: hash.TypeString,
			Default: "pump"},
	)
	require.NoError(t, err)
	return s
}

func TestNewInjectsDefaults(t *testing.T) {
	c, err := New("Pump", pumpSchema(t), hash.New("setpoint", float64(2)))
	require.NoError(t, err)

	v, err := c.Get("setpoint")
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	v, err = c.Get("state")
	require.NoError(t, err)
	assert.Equal(t, "UNKNOWN", v)
}

func TestApplyAtomicAndNotifies(t *testing.T) {
	c, err := New("Pump", pumpSchema(t), hash.New())
	require.NoError(t, err)

	var deltas []*hash.Hash
	c.OnChange(func(d *hash.Hash) { deltas = append(deltas, d) })

	delta, err := c.Apply(hash.New("setpoint", float64(3), "label", "p1"), "")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.True(t, delta.Has("setpoint"))
	assert.True(t, delta.Has("label"))

	// one bad entry rolls back the whole batch
	_, err = c.Apply(hash.New("label", "p2", "setpoint", float64(99)), "")
	require.Error(t, err)
	assert.True(t, kerr.IsValidation(err))
	v, _ := c.Get("label")
	assert.Equal(t, "p1", v, "no partial commit")
	require.Len(t, deltas, 1, "failed apply notifies nobody")
}

func TestApplyRefusesReadOnly(t *testing.T) {
	c, err := New("Pump", pumpSchema(t), hash.New())
	require.NoError(t, err)

	_, err = c.Apply(hash.New("pressure", float64(5)), "")
	require.Error(t, err)
	assert.True(t, kerr.IsValidation(err))
}

func TestSetLocalBypassesAccessMode(t *testing.T) {
	c, err := New("Pump", pumpSchema(t), hash.New())
	require.NoError(t, err)

	var got *hash.Hash
	c.OnChange(func(d *hash.Hash) { got = d })

	require.NoError(t, c.SetLocal("pressure", float64(4.2)))
	v, ts, err := c.GetWithTimestamp("pressure")
	require.NoError(t, err)
	assert.Equal(t, float64(4.2), v)
	assert.False(t, ts.IsZero())
	require.NotNil(t, got)
	assert.True(t, got.Has("pressure"))

	err = c.SetLocal("nothere", float64(1))
	assert.True(t, kerr.IsKeyNotFound(err))
}

func TestConfigurationCarriesTimestamps(t *testing.T) {
	c, err := New("Pump", pumpSchema(t), hash.New())
	require.NoError(t, err)

	cfg := c.Configuration()
	for _, p := range cfg.Paths() {
		_, err := cfg.Attribute(p, schema.TimestampAttr)
		assert.NoError(t, err, "path %s carries a timestamp", p)
	}
}

func TestInjectAddsDescriptor(t *testing.T) {
	c, err := New("Pump", pumpSchema(t), hash.New())
	require.NoError(t, err)

	var updates int
	c.OnSchemaUpdate(func(*schema.Schema) { updates++ })

	extra := &schema.Descriptor{Key: "interlock", ValueType: hash.TypeBool, Default: false}
	require.NoError(t, c.Inject([]*schema.Descriptor{extra}, hash.New("interlock", true)))

	assert.Equal(t, 1, updates)
	v, err := c.Get("interlock")
	require.NoError(t, err)
	assert.Equal(t, true, v, "provided value wins over default")

	_, ok := c.Schema().Descriptor("interlock")
	assert.True(t, ok)
	assert.Equal(t, []string{"state", "pressure", "setpoint", "label", "interlock"},
		c.Schema().Paths(), "existing keys keep first-seen positions")
}

func TestInjectReplacesInPlace(t *testing.T) {
	c, err := New("Pump", pumpSchema(t), hash.New())
	require.NoError(t, err)

	widened := &schema.Descriptor{Key: "setpoint", ValueType: hash.TypeDouble,
		Default: float64(1), MinInc: float64(0), MaxInc: float64(100)}
	require.NoError(t, c.Inject([]*schema.Descriptor{widened}, nil))

	assert.Equal(t, []string{"state", "pressure", "setpoint", "label"}, c.Schema().Paths())
	_, err = c.Apply(hash.New("setpoint", float64(50)), "")
	assert.NoError(t, err, "widened bound in effect")
}

func TestInjectIdempotent(t *testing.T) {
	c, err := New("Pump", pumpSchema(t), hash.New())
	require.NoError(t, err)

	extra := &schema.Descriptor{Key: "interlock", ValueType: hash.TypeBool, Default: false}
	require.NoError(t, c.Inject([]*schema.Descriptor{extra}, nil))

	first := c.Schema().ToHash()
	var updates int
	c.OnSchemaUpdate(func(*schema.Schema) { updates++ })

	require.NoError(t, c.Inject([]*schema.Descriptor{extra}, nil))
	second := c.Schema().ToHash()

	assert.True(t, first.Hash.FullyEqual(second.Hash, false), "re-injection leaves the schema fully equal")
	assert.Equal(t, 0, updates, "identical injection fires no event")
}

func TestInjectRevalidationFailureRollsBack(t *testing.T) {
	c, err := New("Pump", pumpSchema(t), hash.New("setpoint", float64(8)))
	require.NoError(t, err)

	// narrowing below the current value must refuse the injection
	narrowed := &schema.Descriptor{Key: "setpoint", ValueType: hash.TypeDouble,
		Default: float64(1), MinInc: float64(0), MaxInc: float64(5)}
	err = c.Inject([]*schema.Descriptor{narrowed}, nil)
	require.Error(t, err)

	_, ok := c.Schema().Descriptor("setpoint")
	require.True(t, ok)
	v, _ := c.Get("setpoint")
	assert.Equal(t, float64(8), v, "old schema and values intact")
}
