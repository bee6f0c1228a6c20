package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerr "github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/pkg/timestamp"
)

func TestValidateInjectsExactlyMissingDefaults(t *testing.T) {
	s := motorSchema(t)
	input := hash.New("deviceId", "MOTOR/1", "speed", int32(10))

	res, err := Validate(s, input, Options{InjectDefaults: true, Initializing: true})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"state", "targetPosition", "node.offsets"}, res.Injected)

	v, err := res.Validated.Get("targetPosition")
	require.NoError(t, err)
	assert.Equal(t, float64(0), v)
	v, err = res.Validated.Get("speed")
	require.NoError(t, err)
	assert.Equal(t, int32(10), v, "provided value wins over default")
}

func TestValidateSharedTimestamp(t *testing.T) {
	s := motorSchema(t)
	input := hash.New("deviceId", "MOTOR/1")

	res, err := Validate(s, input, Options{InjectDefaults: true, Initializing: true})
	require.NoError(t, err)

	var stamps []any
	for _, p := range res.Validated.Paths() {
		ts, err := res.Validated.Attribute(p, TimestampAttr)
		require.NoError(t, err)
		stamps = append(stamps, ts)
	}
	require.NotEmpty(t, stamps)
	for _, ts := range stamps {
		assert.Equal(t, stamps[0], ts, "all leaves of one pass share one stamp")
	}
}

func TestValidateMandatoryMissing(t *testing.T) {
	s := motorSchema(t)
	_, err := Validate(s, hash.New(), Options{InjectDefaults: true, Initializing: true})
	require.Error(t, err)
	assert.True(t, kerr.IsValidation(err))
}

func TestValidateRefusesReadOnlyAndInitOnlyAtRuntime(t *testing.T) {
	s := motorSchema(t)

	_, err := Validate(s, hash.New("state", "ON"), Options{})
	assert.True(t, kerr.IsValidation(err), "read-only refused")

	_, err = Validate(s, hash.New("deviceId", "OTHER/1"), Options{})
	assert.True(t, kerr.IsValidation(err), "init-only refused")
}

func TestValidateStateRestriction(t *testing.T) {
	s := motorSchema(t)

	_, err := Validate(s, hash.New("targetPosition", float64(5)), Options{State: "MOVING"})
	require.Error(t, err)
	assert.True(t, kerr.IsStateForbidden(err))

	res, err := Validate(s, hash.New("targetPosition", float64(5)), Options{State: "ON"})
	require.NoError(t, err)
	assert.True(t, res.Validated.Has("targetPosition"))

	// alias mapping opens the restricted state
	res, err = Validate(s, hash.New("targetPosition", float64(5)),
		Options{State: "IDLE", Aliases: StateMap{"IDLE": "STOPPED"}})
	require.NoError(t, err)
	assert.True(t, res.Validated.Has("targetPosition"))
}

func TestValidateAllOrNothing(t *testing.T) {
	s := motorSchema(t)
	input := hash.New(
		"speed", int32(5),
		"targetPosition", float64(500), // out of bounds
	)
	res, err := Validate(s, input, Options{State: "ON"})
	require.Error(t, err)
	assert.Nil(t, res, "nothing is returned for partial success")
}

func TestValidateUnknownKey(t *testing.T) {
	s := motorSchema(t)
	_, err := Validate(s, hash.New("noSuchKey", int32(1)), Options{})
	require.Error(t, err)
	assert.True(t, kerr.IsValidation(err))
}

func TestValidateSetterCoerces(t *testing.T) {
	s, err := New("Clamp", &Descriptor{
		Key: "v", ValueType: hash.TypeInt32,
		Setter: func(v any) (any, error) {
			if v.(int32) > 10 {
				return int32(10), nil
			}
			return v, nil
		},
	})
	require.NoError(t, err)

	res, err := Validate(s, hash.New("v", int32(99)), Options{})
	require.NoError(t, err)
	v, _ := res.Validated.Get("v")
	assert.Equal(t, int32(10), v)
}

func TestValidateInitializerRunsAtInit(t *testing.T) {
	initialized := false
	s, err := New("Init", &Descriptor{
		Key: "v", ValueType: hash.TypeInt32, Default: int32(1),
		Setter:      func(v any) (any, error) { return v, nil },
		Initializer: func(v any) (any, error) { initialized = true; return v, nil },
	})
	require.NoError(t, err)

	_, err = Validate(s, hash.New(), Options{InjectDefaults: true, Initializing: true})
	require.NoError(t, err)
	assert.True(t, initialized)
}

func TestValidateExplicitTimestamp(t *testing.T) {
	s := motorSchema(t)
	ts := timestamp.FromUnixMs(1234567890)

	res, err := Validate(s, hash.New("speed", int32(1)), Options{Timestamp: ts})
	require.NoError(t, err)
	got, err := res.Validated.Attribute("speed", TimestampAttr)
	require.NoError(t, err)
	assert.Equal(t, int64(1234567890), got)
}

func TestValidateNumericCast(t *testing.T) {
	s := motorSchema(t)

	// int provided for a double target narrows cleanly
	res, err := Validate(s, hash.New("targetPosition", int32(7)), Options{State: "ON"})
	require.NoError(t, err)
	v, _ := res.Validated.Get("targetPosition")
	assert.Equal(t, float64(7), v)

	_, err = Validate(s, hash.New("speed", "fast"), Options{})
	require.Error(t, err)
}
