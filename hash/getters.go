package hash

import (
	"math"

	"github.com/European-XFEL/Karabo-sub006/errors"
)

// GetBool returns the bool at path.
func (h *Hash) GetBool(path string) (bool, error) {
	v, err := h.Get(path)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.NewCast(path, "Bool", TypeOf(v).String())
	}
	return b, nil
}

// GetString returns the string at path.
func (h *Hash) GetString(path string) (string, error) {
	v, err := h.Get(path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.NewCast(path, "String", TypeOf(v).String())
	}
	return s, nil
}

// GetStringDefault returns the string at path or def.
func (h *Hash) GetStringDefault(path, def string) string {
	s, err := h.GetString(path)
	if err != nil {
		return def
	}
	return s
}

// GetHash returns the nested Hash at path.
func (h *Hash) GetHash(path string) (*Hash, error) {
	v, err := h.Get(path)
	if err != nil {
		return nil, err
	}
	sub, ok := v.(*Hash)
	if !ok {
		return nil, errors.NewCast(path, "Hash", TypeOf(v).String())
	}
	return sub, nil
}

// GetVectorHash returns the vector-of-hash at path.
func (h *Hash) GetVectorHash(path string) ([]*Hash, error) {
	v, err := h.Get(path)
	if err != nil {
		return nil, err
	}
	vec, ok := v.([]*Hash)
	if !ok {
		return nil, errors.NewCast(path, "VectorHash", TypeOf(v).String())
	}
	return vec, nil
}

// GetSchema returns the Schema at path.
func (h *Hash) GetSchema(path string) (*Schema, error) {
	v, err := h.Get(path)
	if err != nil {
		return nil, err
	}
	s, ok := v.(*Schema)
	if !ok {
		return nil, errors.NewCast(path, "Schema", TypeOf(v).String())
	}
	return s, nil
}

// GetInt returns the value at path widened to int64. Unsigned values
// above the int64 range fail with Overflow.
func (h *Hash) GetInt(path string) (int64, error) {
	v, err := h.Get(path)
	if err != nil {
		return 0, err
	}
	return asInt64(path, v)
}

// GetIntDefault returns the int64 at path or def.
func (h *Hash) GetIntDefault(path string, def int64) int64 {
	v, err := h.GetInt(path)
	if err != nil {
		return def
	}
	return v
}

func asInt64(path string, v any) (int64, error) {
	switch t := v.(type) {
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, errors.NewOverflow(path, "uint64 value exceeds int64 range")
		}
		return int64(t), nil
	default:
		return 0, errors.NewCast(path, "integer", TypeOf(v).String())
	}
}

// GetUint returns the value at path widened to uint64; negative values
// fail with Overflow.
func (h *Hash) GetUint(path string) (uint64, error) {
	v, err := h.Get(path)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case uint8:
		return uint64(t), nil
	case uint16:
		return uint64(t), nil
	case uint32:
		return uint64(t), nil
	case uint64:
		return t, nil
	case int8, int16, int32, int64:
		i, _ := asInt64(path, v)
		if i < 0 {
			return 0, errors.NewOverflow(path, "negative value for unsigned get")
		}
		return uint64(i), nil
	default:
		return 0, errors.NewCast(path, "unsigned integer", TypeOf(v).String())
	}
}

// GetFloat returns the value at path as float64, accepting any numeric
// leaf type.
func (h *Hash) GetFloat(path string) (float64, error) {
	v, err := h.Get(path)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case uint64:
		return float64(t), nil
	default:
		i, err := asInt64(path, v)
		if err != nil {
			return 0, errors.NewCast(path, "number", TypeOf(v).String())
		}
		return float64(i), nil
	}
}

// GetAs converts the value at path to the target type. Numeric widening
// always succeeds; narrowing checks range and fails with Overflow.
func (h *Hash) GetAs(path string, target Type) (any, error) {
	v, err := h.Get(path)
	if err != nil {
		return nil, err
	}
	return ConvertAs(path, v, target)
}

// ConvertAs converts a single value to the target type with range checks.
func ConvertAs(path string, v any, target Type) (any, error) {
	if TypeOf(v) == target {
		return v, nil
	}

	switch target {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, errors.NewCast(path, "String", TypeOf(v).String())
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, errors.NewCast(path, "Bool", TypeOf(v).String())
	case TypeFloat:
		f, err := convertFloat(path, v)
		if err != nil {
			return nil, err
		}
		return float32(f), nil
	case TypeDouble:
		return convertFloat(path, v)
	case TypeInt8:
		return convertSigned(path, v, math.MinInt8, math.MaxInt8, func(i int64) any { return int8(i) })
	case TypeInt16:
		return convertSigned(path, v, math.MinInt16, math.MaxInt16, func(i int64) any { return int16(i) })
	case TypeInt32:
		return convertSigned(path, v, math.MinInt32, math.MaxInt32, func(i int64) any { return int32(i) })
	case TypeInt64:
		return convertSigned(path, v, math.MinInt64, math.MaxInt64, func(i int64) any { return i })
	case TypeUint8:
		return convertUnsigned(path, v, math.MaxUint8, func(u uint64) any { return uint8(u) })
	case TypeUint16:
		return convertUnsigned(path, v, math.MaxUint16, func(u uint64) any { return uint16(u) })
	case TypeUint32:
		return convertUnsigned(path, v, math.MaxUint32, func(u uint64) any { return uint32(u) })
	case TypeUint64:
		return convertUnsigned(path, v, math.MaxUint64, func(u uint64) any { return u })
	default:
		return nil, errors.NewCast(path, target.String(), TypeOf(v).String())
	}
}

func convertFloat(path string, v any) (float64, error) {
	switch t := v.(type) {
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case uint64:
		return float64(t), nil
	default:
		i, err := asInt64(path, v)
		if err != nil {
			return 0, errors.NewCast(path, "number", TypeOf(v).String())
		}
		return float64(i), nil
	}
}

func convertSigned(path string, v any, min, max int64, mk func(int64) any) (any, error) {
	if u, ok := v.(uint64); ok {
		if u > uint64(max) {
			return nil, errors.NewOverflow(path, "value exceeds target range")
		}
		return mk(int64(u)), nil
	}
	i, err := asInt64(path, v)
	if err != nil {
		return nil, err
	}
	if i < min || i > max {
		return nil, errors.NewOverflow(path, "value exceeds target range")
	}
	return mk(i), nil
}

func convertUnsigned(path string, v any, max uint64, mk func(uint64) any) (any, error) {
	if u, ok := v.(uint64); ok {
		if u > max {
			return nil, errors.NewOverflow(path, "value exceeds target range")
		}
		return mk(u), nil
	}
	i, err := asInt64(path, v)
	if err != nil {
		return nil, err
	}
	if i < 0 || uint64(i) > max {
		return nil, errors.NewOverflow(path, "value exceeds target range")
	}
	return mk(uint64(i)), nil
}
