package hash

import (
	"fmt"
	"math"

	"github.com/European-XFEL/Karabo-sub006/errors"
)

// Type tags the closed set of leaf value types a Hash entry may carry.
type Type uint32

// The closed type set. Codec tags depend on these values; do not reorder.
// TypeNone is the zero value so an unset type means "no type".
const (
	TypeNone Type = iota
	TypeBool
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat
	TypeDouble
	TypeComplexFloat
	TypeComplexDouble
	TypeString
	TypeVectorBool
	TypeVectorInt8
	TypeVectorInt16
	TypeVectorInt32
	TypeVectorInt64
	TypeVectorUint8
	TypeVectorUint16
	TypeVectorUint32
	TypeVectorUint64
	TypeVectorFloat
	TypeVectorDouble
	TypeVectorComplexFloat
	TypeVectorComplexDouble
	TypeVectorString
	TypeHash
	TypeVectorHash
	TypeSchema
	TypeBytes
)

var typeNames = map[Type]string{
	TypeBool: "Bool", TypeInt8: "Int8", TypeInt16: "Int16", TypeInt32: "Int32",
	TypeInt64: "Int64", TypeUint8: "Uint8", TypeUint16: "Uint16",
	TypeUint32: "Uint32", TypeUint64: "Uint64", TypeFloat: "Float",
	TypeDouble: "Double", TypeComplexFloat: "ComplexFloat",
	TypeComplexDouble: "ComplexDouble", TypeString: "String",
	TypeVectorBool: "VectorBool", TypeVectorInt8: "VectorInt8",
	TypeVectorInt16: "VectorInt16", TypeVectorInt32: "VectorInt32",
	TypeVectorInt64: "VectorInt64", TypeVectorUint8: "VectorUint8",
	TypeVectorUint16: "VectorUint16", TypeVectorUint32: "VectorUint32",
	TypeVectorUint64: "VectorUint64", TypeVectorFloat: "VectorFloat",
	TypeVectorDouble: "VectorDouble", TypeVectorComplexFloat: "VectorComplexFloat",
	TypeVectorComplexDouble: "VectorComplexDouble", TypeVectorString: "VectorString",
	TypeHash: "Hash", TypeVectorHash: "VectorHash", TypeSchema: "Schema",
	TypeBytes: "Bytes", TypeNone: "None",
}

// String returns the type name.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

// Bytes is a raw byte payload, distinct from a vector of uint8 values.
type Bytes []byte

// Schema pairs a schema name with the Hash carrying its descriptor
// attributes. It travels as an ordinary leaf value.
type Schema struct {
	Name string
	Hash *Hash
}

// TypeOf returns the type tag for a value of the closed set, TypeNone for
// anything else.
func TypeOf(v any) Type {
	switch v.(type) {
	case bool:
		return TypeBool
	case int8:
		return TypeInt8
	case int16:
		return TypeInt16
	case int32:
		return TypeInt32
	case int64:
		return TypeInt64
	case uint8:
		return TypeUint8
	case uint16:
		return TypeUint16
	case uint32:
		return TypeUint32
	case uint64:
		return TypeUint64
	case float32:
		return TypeFloat
	case float64:
		return TypeDouble
	case complex64:
		return TypeComplexFloat
	case complex128:
		return TypeComplexDouble
	case string:
		return TypeString
	case []bool:
		return TypeVectorBool
	case []int8:
		return TypeVectorInt8
	case []int16:
		return TypeVectorInt16
	case []int32:
		return TypeVectorInt32
	case []int64:
		return TypeVectorInt64
	case []uint16:
		return TypeVectorUint16
	case []uint32:
		return TypeVectorUint32
	case []uint64:
		return TypeVectorUint64
	case []float32:
		return TypeVectorFloat
	case []float64:
		return TypeVectorDouble
	case []complex64:
		return TypeVectorComplexFloat
	case []complex128:
		return TypeVectorComplexDouble
	case []string:
		return TypeVectorString
	case *Hash:
		return TypeHash
	case []*Hash:
		return TypeVectorHash
	case *Schema:
		return TypeSchema
	case Bytes:
		return TypeBytes
	case []uint8:
		return TypeVectorUint8
	default:
		return TypeNone
	}
}

// Type returns the type tag of the value at path.
func (h *Hash) Type(path string) (Type, error) {
	v, err := h.Get(path)
	if err != nil {
		return TypeNone, err
	}
	return TypeOf(v), nil
}

// IntValue is a sign/magnitude integer used to pick the narrowest fitting
// declared type for heterogeneous integers.
type IntValue struct {
	neg bool
	mag uint64
}

// Int wraps a signed integer.
func Int(v int64) IntValue {
	if v < 0 {
		// two's complement magnitude, valid for math.MinInt64 too
		return IntValue{neg: true, mag: uint64(-(v + 1)) + 1}
	}
	return IntValue{mag: uint64(v)}
}

// Uint wraps an unsigned integer.
func Uint(v uint64) IntValue {
	return IntValue{mag: v}
}

// NarrowestFitting selects the narrowest declared integer type holding
// every value. Non-negative values choose Int32, then Uint32, Int64,
// Uint64; any negative value restricts the choice to signed types, so a
// negative mixed with a magnitude of 2^31 or more promotes to Int64.
// A negative mixed with a magnitude beyond 2^63-1 cannot be represented
// and fails with Overflow.
func NarrowestFitting(values []IntValue) (Type, error) {
	anyNeg := false
	var maxMag uint64
	var maxNegMag uint64
	for _, v := range values {
		if v.neg {
			anyNeg = true
			if v.mag > maxNegMag {
				maxNegMag = v.mag
			}
		} else if v.mag > maxMag {
			maxMag = v.mag
		}
	}

	if !anyNeg {
		switch {
		case maxMag <= math.MaxInt32:
			return TypeInt32, nil
		case maxMag <= math.MaxUint32:
			return TypeUint32, nil
		case maxMag <= math.MaxInt64:
			return TypeInt64, nil
		default:
			return TypeUint64, nil
		}
	}

	if maxNegMag > uint64(math.MaxInt64)+1 {
		return TypeNone, errors.NewOverflow("", "negative value below int64 range")
	}
	if maxMag > math.MaxInt64 {
		return TypeNone, errors.NewOverflow("", "negative and out-of-int64 values mixed")
	}
	if maxNegMag <= uint64(math.MaxInt32)+1 && maxMag <= math.MaxInt32 {
		return TypeInt32, nil
	}
	return TypeInt64, nil
}

// normalize maps input values onto the closed type set. Plain int, uint
// and []int values are unboxed via NarrowestFitting; declared types pass
// through unchanged.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, errors.NewCast("", "value", "nil")
	case int:
		return unboxInt(Int(int64(t)))
	case uint:
		return unboxInt(Uint(uint64(t)))
	case []int:
		vals := make([]IntValue, len(t))
		for i, x := range t {
			vals[i] = Int(int64(x))
		}
		typ, err := NarrowestFitting(vals)
		if err != nil {
			return nil, err
		}
		return castIntSlice(t, typ), nil
	case []any:
		return nil, errors.NewCast("", "typed vector", "[]any")
	case []byte:
		// []byte is []uint8; keep it as a uint8 vector unless the caller
		// passed the distinct Bytes type.
		return t, nil
	default:
		if TypeOf(v) == TypeNone {
			return nil, errors.NewCast("", "closed type set member", fmt.Sprintf("%T", v))
		}
		return v, nil
	}
}

func unboxInt(v IntValue) (any, error) {
	typ, err := NarrowestFitting([]IntValue{v})
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeInt32:
		if v.neg {
			return int32(-int64(v.mag)), nil
		}
		return int32(v.mag), nil
	case TypeUint32:
		return uint32(v.mag), nil
	case TypeInt64:
		if v.neg {
			if v.mag == uint64(math.MaxInt64)+1 {
				return int64(math.MinInt64), nil
			}
			return -int64(v.mag), nil
		}
		return int64(v.mag), nil
	default:
		return v.mag, nil
	}
}

func castIntSlice(src []int, typ Type) any {
	switch typ {
	case TypeInt32:
		out := make([]int32, len(src))
		for i, v := range src {
			out[i] = int32(v)
		}
		return out
	case TypeUint32:
		out := make([]uint32, len(src))
		for i, v := range src {
			out[i] = uint32(v)
		}
		return out
	case TypeUint64:
		out := make([]uint64, len(src))
		for i, v := range src {
			out[i] = uint64(v)
		}
		return out
	default:
		out := make([]int64, len(src))
		for i, v := range src {
			out[i] = int64(v)
		}
		return out
	}
}

func copySlice(v any) any {
	switch t := v.(type) {
	case []bool:
		return append([]bool(nil), t...)
	case []int8:
		return append([]int8(nil), t...)
	case []int16:
		return append([]int16(nil), t...)
	case []int32:
		return append([]int32(nil), t...)
	case []int64:
		return append([]int64(nil), t...)
	case []uint8:
		return append([]uint8(nil), t...)
	case []uint16:
		return append([]uint16(nil), t...)
	case []uint32:
		return append([]uint32(nil), t...)
	case []uint64:
		return append([]uint64(nil), t...)
	case []float32:
		return append([]float32(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	case []complex64:
		return append([]complex64(nil), t...)
	case []complex128:
		return append([]complex128(nil), t...)
	case []string:
		return append([]string(nil), t...)
	case Bytes:
		return append(Bytes(nil), t...)
	default:
		return v
	}
}
