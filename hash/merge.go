package hash

import (
	"strings"
)

// MergePolicy selects how attributes combine when entries collide during
// a merge.
type MergePolicy int

const (
	// MergeReplaceAttributes makes the right-hand entry's attributes
	// overwrite the left-hand entry's completely.
	MergeReplaceAttributes MergePolicy = iota
	// MergeMergeAttributes unions both attribute bags, right wins on
	// conflicts.
	MergeMergeAttributes
)

// Merge merges other into h. With selectedPaths non-empty only those
// paths of other are merged; selected paths with invalid indices are
// silently ignored.
func (h *Hash) Merge(other *Hash, policy MergePolicy, selectedPaths ...string) {
	if len(selectedPaths) == 0 {
		h.mergeAll(other, policy)
		return
	}
	for _, path := range selectedPaths {
		v, err := other.Get(path)
		if err != nil {
			// invalid index or missing path: skip silently
			continue
		}
		if err := h.Set(path, cloneValue(v)); err != nil {
			continue
		}
		attrs, err := other.Attributes(path)
		if err != nil {
			continue
		}
		mine, err := h.Attributes(path)
		if err != nil {
			continue
		}
		if policy == MergeReplaceAttributes {
			mine.replaceWith(attrs)
		} else {
			mine.merge(attrs)
		}
	}
}

func (h *Hash) mergeAll(other *Hash, policy MergePolicy) {
	for _, k := range other.order {
		oe := other.nodes[k]
		e, exists := h.nodes[k]
		if !exists {
			h.order = append(h.order, k)
			h.nodes[k] = &entry{value: cloneValue(oe.value), attrs: oe.attrs.Clone()}
			continue
		}

		if policy == MergeReplaceAttributes {
			if oe.attrs.Len() > 0 || !isNode(oe.value) {
				e.attrs.replaceWith(oe.attrs)
			}
		} else {
			e.attrs.merge(oe.attrs)
		}

		mineChild, mineIsHash := e.value.(*Hash)
		otherChild, otherIsHash := oe.value.(*Hash)
		if mineIsHash && otherIsHash {
			mineChild.mergeAll(otherChild, policy)
			continue
		}
		e.value = cloneValue(oe.value)
	}
}

func isNode(v any) bool {
	_, ok := v.(*Hash)
	return ok
}

// Subtract removes every path of other from h. An empty Hash under a
// node in other clears that node's children but keeps the node itself.
func (h *Hash) Subtract(other *Hash) {
	for _, k := range other.order {
		oe := other.nodes[k]
		e, exists := h.nodes[k]
		if !exists {
			continue
		}
		otherChild, otherIsHash := oe.value.(*Hash)
		mineChild, mineIsHash := e.value.(*Hash)
		if otherIsHash && mineIsHash {
			if otherChild.Empty() {
				// clear children, keep the node
				mineChild.order = nil
				mineChild.nodes = make(map[string]*entry)
				continue
			}
			mineChild.Subtract(otherChild)
			if mineChild.Empty() {
				h.deleteKey(k)
			}
			continue
		}
		h.deleteKey(k)
	}
}

// FullyEqual reports deep equality of keys, values and attributes. With
// ignoreOrder false the key insertion order must match too.
func (h *Hash) FullyEqual(other *Hash, ignoreOrder bool) bool {
	if h.Len() != other.Len() {
		return false
	}
	if !ignoreOrder {
		for i, k := range h.order {
			if other.order[i] != k {
				return false
			}
		}
	}
	for _, k := range h.order {
		oe, ok := other.nodes[k]
		if !ok {
			return false
		}
		e := h.nodes[k]
		if !e.attrs.Equal(oe.attrs) {
			return false
		}
		if !valueEqualOrdered(e.value, oe.value, ignoreOrder) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	return valueEqualOrdered(a, b, false)
}

func valueEqualOrdered(a, b any, ignoreOrder bool) bool {
	ta, tb := TypeOf(a), TypeOf(b)
	if ta != tb {
		return false
	}
	switch va := a.(type) {
	case *Hash:
		return va.FullyEqual(b.(*Hash), ignoreOrder)
	case []*Hash:
		vb := b.([]*Hash)
		if len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !va[i].FullyEqual(vb[i], ignoreOrder) {
				return false
			}
		}
		return true
	case *Schema:
		vb := b.(*Schema)
		return va.Name == vb.Name && va.Hash.FullyEqual(vb.Hash, ignoreOrder)
	case []bool:
		return slicesEqual(va, b.([]bool))
	case []int8:
		return slicesEqual(va, b.([]int8))
	case []int16:
		return slicesEqual(va, b.([]int16))
	case []int32:
		return slicesEqual(va, b.([]int32))
	case []int64:
		return slicesEqual(va, b.([]int64))
	case []uint8:
		return slicesEqual(va, b.([]uint8))
	case []uint16:
		return slicesEqual(va, b.([]uint16))
	case []uint32:
		return slicesEqual(va, b.([]uint32))
	case []uint64:
		return slicesEqual(va, b.([]uint64))
	case []float32:
		return slicesEqual(va, b.([]float32))
	case []float64:
		return slicesEqual(va, b.([]float64))
	case []complex64:
		return slicesEqual(va, b.([]complex64))
	case []complex128:
		return slicesEqual(va, b.([]complex128))
	case []string:
		return slicesEqual(va, b.([]string))
	case Bytes:
		return slicesEqual(va, b.(Bytes))
	default:
		return a == b
	}
}

func slicesEqual[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Flatten returns a single-level Hash whose keys are the full dotted
// paths of every leaf, attributes carried over.
func (h *Hash) Flatten() *Hash {
	out := New()
	for _, path := range h.Paths() {
		v, err := h.Get(path)
		if err != nil {
			continue
		}
		key := path
		out.order = append(out.order, key)
		node := &entry{value: cloneValue(v), attrs: NewAttributes()}
		if !strings.HasSuffix(path, "]") {
			if attrs, err := h.Attributes(path); err == nil {
				node.attrs = attrs.Clone()
			}
		}
		out.nodes[key] = node
	}
	return out
}

// Unflatten expands a flattened Hash back into its nested form.
func (h *Hash) Unflatten() (*Hash, error) {
	out := New()
	for _, k := range h.order {
		e := h.nodes[k]
		if err := out.Set(k, cloneValue(e.value)); err != nil {
			return nil, err
		}
		if e.attrs.Len() > 0 {
			attrs, err := out.Attributes(k)
			if err == nil {
				attrs.replaceWith(e.attrs)
			}
		}
	}
	return out, nil
}
