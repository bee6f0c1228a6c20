package hash

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/European-XFEL/Karabo-sub006/errors"
)

// Binary codec for Hash values. All integers are little-endian. A Hash is
// encoded as a uint32 entry count followed by its entries in insertion
// order; each entry is key (uint8 length + bytes), type tag (uint32),
// attribute count (uint32) with attributes as key/tag/value triples, then
// the value. Re-encoding a decoded buffer reproduces it byte for byte.

// Encode serializes the Hash to its binary form.
func Encode(h *Hash) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeHash(&buf, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a binary-encoded Hash. The entire buffer must be
// consumed; trailing bytes are a protocol error.
func Decode(data []byte) (*Hash, error) {
	r := &reader{data: data}
	h, err := decodeHash(r)
	if err != nil {
		return nil, err
	}
	if r.pos != len(r.data) {
		return nil, errors.NewProtocolMisuse(
			fmt.Sprintf("trailing %d bytes after encoded hash", len(r.data)-r.pos))
	}
	return h, nil
}

func encodeHash(buf *bytes.Buffer, h *Hash) error {
	writeUint32(buf, uint32(len(h.order)))
	for _, k := range h.order {
		e := h.nodes[k]
		if err := writeKey(buf, k); err != nil {
			return err
		}
		typ := TypeOf(e.value)
		if typ == TypeNone {
			return errors.NewCast(k, "closed type set member", fmt.Sprintf("%T", e.value))
		}
		writeUint32(buf, uint32(typ))
		writeUint32(buf, uint32(e.attrs.Len()))
		for _, ak := range e.attrs.order {
			av := e.attrs.m[ak]
			if err := writeKey(buf, ak); err != nil {
				return err
			}
			atyp := TypeOf(av)
			if atyp == TypeNone {
				return errors.NewCast(k+"@"+ak, "closed type set member", fmt.Sprintf("%T", av))
			}
			writeUint32(buf, uint32(atyp))
			if err := encodeValue(buf, atyp, av); err != nil {
				return err
			}
		}
		if err := encodeValue(buf, typ, e.value); err != nil {
			return err
		}
	}
	return nil
}

func writeKey(buf *bytes.Buffer, key string) error {
	if len(key) > math.MaxUint8 {
		return errors.NewProtocolMisuse(fmt.Sprintf("key %q exceeds 255 bytes", key))
	}
	buf.WriteByte(byte(len(key)))
	buf.WriteString(key)
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func encodeValue(buf *bytes.Buffer, typ Type, v any) error {
	switch typ {
	case TypeBool:
		if v.(bool) {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case TypeInt8:
		buf.WriteByte(byte(v.(int8)))
	case TypeUint8:
		buf.WriteByte(v.(uint8))
	case TypeInt16:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v.(int16)))
		buf.Write(b[:])
	case TypeUint16:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v.(uint16))
		buf.Write(b[:])
	case TypeInt32:
		writeUint32(buf, uint32(v.(int32)))
	case TypeUint32:
		writeUint32(buf, v.(uint32))
	case TypeInt64:
		writeUint64(buf, uint64(v.(int64)))
	case TypeUint64:
		writeUint64(buf, v.(uint64))
	case TypeFloat:
		writeUint32(buf, math.Float32bits(v.(float32)))
	case TypeDouble:
		writeUint64(buf, math.Float64bits(v.(float64)))
	case TypeComplexFloat:
		c := v.(complex64)
		writeUint32(buf, math.Float32bits(real(c)))
		writeUint32(buf, math.Float32bits(imag(c)))
	case TypeComplexDouble:
		c := v.(complex128)
		writeUint64(buf, math.Float64bits(real(c)))
		writeUint64(buf, math.Float64bits(imag(c)))
	case TypeString:
		s := v.(string)
		writeUint32(buf, uint32(len(s)))
		buf.WriteString(s)
	case TypeBytes:
		b := v.(Bytes)
		writeUint32(buf, uint32(len(b)))
		buf.Write(b)
	case TypeHash:
		return encodeHash(buf, v.(*Hash))
	case TypeVectorHash:
		vec := v.([]*Hash)
		writeUint32(buf, uint32(len(vec)))
		for _, sub := range vec {
			if err := encodeHash(buf, sub); err != nil {
				return err
			}
		}
	case TypeSchema:
		s := v.(*Schema)
		writeUint32(buf, uint32(len(s.Name)))
		buf.WriteString(s.Name)
		return encodeHash(buf, s.Hash)
	default:
		return encodeVector(buf, typ, v)
	}
	return nil
}

func encodeVector(buf *bytes.Buffer, typ Type, v any) error {
	switch typ {
	case TypeVectorBool:
		vec := v.([]bool)
		writeUint32(buf, uint32(len(vec)))
		for _, b := range vec {
			if b {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
	case TypeVectorInt8:
		vec := v.([]int8)
		writeUint32(buf, uint32(len(vec)))
		for _, x := range vec {
			buf.WriteByte(byte(x))
		}
	case TypeVectorUint8:
		vec := v.([]uint8)
		writeUint32(buf, uint32(len(vec)))
		buf.Write(vec)
	case TypeVectorInt16:
		vec := v.([]int16)
		writeUint32(buf, uint32(len(vec)))
		for _, x := range vec {
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(x))
			buf.Write(b[:])
		}
	case TypeVectorUint16:
		vec := v.([]uint16)
		writeUint32(buf, uint32(len(vec)))
		for _, x := range vec {
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], x)
			buf.Write(b[:])
		}
	case TypeVectorInt32:
		vec := v.([]int32)
		writeUint32(buf, uint32(len(vec)))
		for _, x := range vec {
			writeUint32(buf, uint32(x))
		}
	case TypeVectorUint32:
		vec := v.([]uint32)
		writeUint32(buf, uint32(len(vec)))
		for _, x := range vec {
			writeUint32(buf, x)
		}
	case TypeVectorInt64:
		vec := v.([]int64)
		writeUint32(buf, uint32(len(vec)))
		for _, x := range vec {
			writeUint64(buf, uint64(x))
		}
	case TypeVectorUint64:
		vec := v.([]uint64)
		writeUint32(buf, uint32(len(vec)))
		for _, x := range vec {
			writeUint64(buf, x)
		}
	case TypeVectorFloat:
		vec := v.([]float32)
		writeUint32(buf, uint32(len(vec)))
		for _, x := range vec {
			writeUint32(buf, math.Float32bits(x))
		}
	case TypeVectorDouble:
		vec := v.([]float64)
		writeUint32(buf, uint32(len(vec)))
		for _, x := range vec {
			writeUint64(buf, math.Float64bits(x))
		}
	case TypeVectorComplexFloat:
		vec := v.([]complex64)
		writeUint32(buf, uint32(len(vec)))
		for _, c := range vec {
			writeUint32(buf, math.Float32bits(real(c)))
			writeUint32(buf, math.Float32bits(imag(c)))
		}
	case TypeVectorComplexDouble:
		vec := v.([]complex128)
		writeUint32(buf, uint32(len(vec)))
		for _, c := range vec {
			writeUint64(buf, math.Float64bits(real(c)))
			writeUint64(buf, math.Float64bits(imag(c)))
		}
	case TypeVectorString:
		vec := v.([]string)
		writeUint32(buf, uint32(len(vec)))
		for _, s := range vec {
			writeUint32(buf, uint32(len(s)))
			buf.WriteString(s)
		}
	default:
		return errors.NewProtocolMisuse(fmt.Sprintf("cannot encode type %s", typ))
	}
	return nil
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.data) {
		return errors.NewProtocolMisuse("truncated encoded hash")
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) str(n int) (string, error) {
	if err := r.need(n); err != nil {
		return "", err
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *reader) key() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	return r.str(int(n))
}

func decodeHash(r *reader) (*Hash, error) {
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	h := New()
	for i := uint32(0); i < count; i++ {
		key, err := r.key()
		if err != nil {
			return nil, err
		}
		tag, err := r.uint32()
		if err != nil {
			return nil, err
		}
		attrCount, err := r.uint32()
		if err != nil {
			return nil, err
		}
		attrs := NewAttributes()
		for a := uint32(0); a < attrCount; a++ {
			ak, err := r.key()
			if err != nil {
				return nil, err
			}
			atag, err := r.uint32()
			if err != nil {
				return nil, err
			}
			av, err := decodeValue(r, Type(atag))
			if err != nil {
				return nil, err
			}
			attrs.set(ak, av)
		}
		v, err := decodeValue(r, Type(tag))
		if err != nil {
			return nil, err
		}
		h.order = append(h.order, key)
		h.nodes[key] = &entry{value: v, attrs: attrs}
	}
	return h, nil
}

func decodeValue(r *reader, typ Type) (any, error) {
	switch typ {
	case TypeBool:
		b, err := r.byte()
		return b != 0, err
	case TypeInt8:
		b, err := r.byte()
		return int8(b), err
	case TypeUint8:
		return r.byte()
	case TypeInt16:
		v, err := r.uint16()
		return int16(v), err
	case TypeUint16:
		return r.uint16()
	case TypeInt32:
		v, err := r.uint32()
		return int32(v), err
	case TypeUint32:
		return r.uint32()
	case TypeInt64:
		v, err := r.uint64()
		return int64(v), err
	case TypeUint64:
		return r.uint64()
	case TypeFloat:
		v, err := r.uint32()
		return math.Float32frombits(v), err
	case TypeDouble:
		v, err := r.uint64()
		return math.Float64frombits(v), err
	case TypeComplexFloat:
		re, err := r.uint32()
		if err != nil {
			return nil, err
		}
		im, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return complex(math.Float32frombits(re), math.Float32frombits(im)), nil
	case TypeComplexDouble:
		re, err := r.uint64()
		if err != nil {
			return nil, err
		}
		im, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return complex(math.Float64frombits(re), math.Float64frombits(im)), nil
	case TypeString:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return r.str(int(n))
	case TypeBytes:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if err := r.need(int(n)); err != nil {
			return nil, err
		}
		out := make(Bytes, n)
		copy(out, r.data[r.pos:])
		r.pos += int(n)
		return out, nil
	case TypeHash:
		return decodeHash(r)
	case TypeVectorHash:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		vec := make([]*Hash, 0, n)
		for i := uint32(0); i < n; i++ {
			sub, err := decodeHash(r)
			if err != nil {
				return nil, err
			}
			vec = append(vec, sub)
		}
		return vec, nil
	case TypeSchema:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		name, err := r.str(int(n))
		if err != nil {
			return nil, err
		}
		sh, err := decodeHash(r)
		if err != nil {
			return nil, err
		}
		return &Schema{Name: name, Hash: sh}, nil
	default:
		return decodeVector(r, typ)
	}
}

func decodeVector(r *reader, typ Type) (any, error) {
	n32, err := r.uint32()
	if err != nil {
		return nil, err
	}
	n := int(n32)
	switch typ {
	case TypeVectorBool:
		out := make([]bool, n)
		for i := range out {
			b, err := r.byte()
			if err != nil {
				return nil, err
			}
			out[i] = b != 0
		}
		return out, nil
	case TypeVectorInt8:
		out := make([]int8, n)
		for i := range out {
			b, err := r.byte()
			if err != nil {
				return nil, err
			}
			out[i] = int8(b)
		}
		return out, nil
	case TypeVectorUint8:
		if err := r.need(n); err != nil {
			return nil, err
		}
		out := make([]uint8, n)
		copy(out, r.data[r.pos:])
		r.pos += n
		return out, nil
	case TypeVectorInt16:
		out := make([]int16, n)
		for i := range out {
			v, err := r.uint16()
			if err != nil {
				return nil, err
			}
			out[i] = int16(v)
		}
		return out, nil
	case TypeVectorUint16:
		out := make([]uint16, n)
		for i := range out {
			v, err := r.uint16()
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case TypeVectorInt32:
		out := make([]int32, n)
		for i := range out {
			v, err := r.uint32()
			if err != nil {
				return nil, err
			}
			out[i] = int32(v)
		}
		return out, nil
	case TypeVectorUint32:
		out := make([]uint32, n)
		for i := range out {
			v, err := r.uint32()
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case TypeVectorInt64:
		out := make([]int64, n)
		for i := range out {
			v, err := r.uint64()
			if err != nil {
				return nil, err
			}
			out[i] = int64(v)
		}
		return out, nil
	case TypeVectorUint64:
		out := make([]uint64, n)
		for i := range out {
			v, err := r.uint64()
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case TypeVectorFloat:
		out := make([]float32, n)
		for i := range out {
			v, err := r.uint32()
			if err != nil {
				return nil, err
			}
			out[i] = math.Float32frombits(v)
		}
		return out, nil
	case TypeVectorDouble:
		out := make([]float64, n)
		for i := range out {
			v, err := r.uint64()
			if err != nil {
				return nil, err
			}
			out[i] = math.Float64frombits(v)
		}
		return out, nil
	case TypeVectorComplexFloat:
		out := make([]complex64, n)
		for i := range out {
			re, err := r.uint32()
			if err != nil {
				return nil, err
			}
			im, err := r.uint32()
			if err != nil {
				return nil, err
			}
			out[i] = complex(math.Float32frombits(re), math.Float32frombits(im))
		}
		return out, nil
	case TypeVectorComplexDouble:
		out := make([]complex128, n)
		for i := range out {
			re, err := r.uint64()
			if err != nil {
				return nil, err
			}
			im, err := r.uint64()
			if err != nil {
				return nil, err
			}
			out[i] = complex(math.Float64frombits(re), math.Float64frombits(im))
		}
		return out, nil
	case TypeVectorString:
		out := make([]string, n)
		for i := range out {
			m, err := r.uint32()
			if err != nil {
				return nil, err
			}
			s, err := r.str(int(m))
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, errors.NewProtocolMisuse(fmt.Sprintf("unknown type tag %d", uint32(typ)))
	}
}
