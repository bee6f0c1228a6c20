// Package hash provides the ordered key/value container that is the
// universal payload of the runtime: every broker message, configuration
// and schema is a Hash. Keys preserve insertion order, every entry carries
// an attribute bag with the same type system as values, and paths address
// nested entries with dots and bracket indices ("a.b[2].c").
package hash

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/European-XFEL/Karabo-sub006/errors"
)

// Hash is an ordered mapping from string keys to typed values. The zero
// value is not usable; create instances with New.
type Hash struct {
	order []string
	nodes map[string]*entry
}

type entry struct {
	value any
	attrs *Attributes
}

// New creates an empty Hash. Pairs may seed it: New("a", 1, "b", "x")
// sets keys in argument order. Keys may be paths.
func New(pairs ...any) *Hash {
	h := &Hash{nodes: make(map[string]*entry)}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("hash.New: key %d is %T, not string", i, pairs[i]))
		}
		if err := h.Set(key, pairs[i+1]); err != nil {
			panic(err)
		}
	}
	return h
}

// Len returns the number of top-level keys.
func (h *Hash) Len() int {
	return len(h.order)
}

// Empty reports whether the Hash has no keys.
func (h *Hash) Empty() bool {
	return len(h.order) == 0
}

// Keys returns the top-level keys in insertion order.
func (h *Hash) Keys() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Each calls fn for every top-level key in insertion order until fn
// returns false.
func (h *Hash) Each(fn func(key string, value any) bool) {
	for _, k := range h.order {
		if !fn(k, h.nodes[k].value) {
			return
		}
	}
}

// pathPart is one dotted component of a path, with an optional bracket
// index into a vector-of-hash (-1 when absent).
type pathPart struct {
	key   string
	index int
}

func parsePath(path string) ([]pathPart, error) {
	if path == "" {
		return nil, errors.NewKeyNotFound(path)
	}
	raw := strings.Split(path, ".")
	parts := make([]pathPart, 0, len(raw))
	for _, p := range raw {
		part := pathPart{key: p, index: -1}
		if i := strings.IndexByte(p, '['); i >= 0 {
			if !strings.HasSuffix(p, "]") {
				return nil, errors.NewProtocolMisuse(fmt.Sprintf("malformed path component %q", p))
			}
			idx, err := strconv.Atoi(p[i+1 : len(p)-1])
			if err != nil || idx < 0 {
				return nil, errors.NewProtocolMisuse(fmt.Sprintf("invalid index in path component %q", p))
			}
			part.key = p[:i]
			part.index = idx
		}
		if part.key == "" {
			return nil, errors.NewProtocolMisuse(fmt.Sprintf("empty key in path %q", path))
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// resolve walks to the entry addressed by parts. With create set, missing
// intermediate nodes become empty hashes and vector indices past the end
// extend the vector with empty hashes; otherwise missing paths fail with
// KeyNotFound.
func (h *Hash) resolve(parts []pathPart, create bool) (*Hash, *entry, error) {
	cur := h
	for i, part := range parts {
		e, ok := cur.nodes[part.key]
		last := i == len(parts)-1

		if !ok {
			if !create {
				return nil, nil, errors.NewKeyNotFound(joinParts(parts[:i+1]))
			}
			e = &entry{attrs: NewAttributes()}
			cur.nodes[part.key] = e
			cur.order = append(cur.order, part.key)
			if part.index >= 0 {
				e.value = []*Hash{}
			} else if !last {
				e.value = New()
			}
		}

		if part.index >= 0 {
			vec, ok := e.value.([]*Hash)
			if !ok {
				if !create {
					return nil, nil, errors.NewCast(joinParts(parts[:i+1]), "VectorHash", TypeOf(e.value).String())
				}
				vec = []*Hash{}
			}
			if part.index >= len(vec) {
				if !create {
					return nil, nil, errors.NewKeyNotFound(joinParts(parts[:i+1]))
				}
				for len(vec) <= part.index {
					vec = append(vec, New())
				}
				e.value = vec
			}
			if last {
				// Path addresses the indexed hash itself; represent it as a
				// synthetic entry so the caller can read it.
				return cur, &entry{value: vec[part.index], attrs: NewAttributes()}, nil
			}
			cur = vec[part.index]
			continue
		}

		if last {
			return cur, e, nil
		}

		child, ok := e.value.(*Hash)
		if !ok {
			if !create {
				return nil, nil, errors.NewCast(joinParts(parts[:i+1]), "Hash", TypeOf(e.value).String())
			}
			child = New()
			e.value = child
		}
		cur = child
	}
	return nil, nil, errors.NewKeyNotFound(joinParts(parts))
}

func joinParts(parts []pathPart) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p.key)
		if p.index >= 0 {
			fmt.Fprintf(&b, "[%d]", p.index)
		}
	}
	return b.String()
}

// Set stores value at path, creating intermediate nodes as needed. Plain
// int/uint values and []int slices are unboxed to the narrowest declared
// integer type; anything outside the closed type set is rejected.
func (h *Hash) Set(path string, value any) error {
	parts, err := parsePath(path)
	if err != nil {
		return err
	}
	norm, err := normalize(value)
	if err != nil {
		return err
	}

	last := parts[len(parts)-1]
	if last.index >= 0 {
		// Writing a hash into a vector slot.
		nh, ok := norm.(*Hash)
		if !ok {
			return errors.NewCast(path, "Hash", TypeOf(norm).String())
		}
		_, e, err := h.resolveVectorSlot(parts, true)
		if err != nil {
			return err
		}
		vec := e.value.([]*Hash)
		vec[last.index] = nh
		e.value = vec
		return nil
	}

	_, e, err := h.resolve(parts, true)
	if err != nil {
		return err
	}
	e.value = norm
	return nil
}

// resolveVectorSlot resolves parts whose final component carries an index,
// returning the entry holding the []*Hash vector (extended as needed).
func (h *Hash) resolveVectorSlot(parts []pathPart, create bool) (*Hash, *entry, error) {
	last := parts[len(parts)-1]
	head := parts[:len(parts)-1]

	cur := h
	if len(head) > 0 {
		_, e, err := h.resolve(head, create)
		if err != nil {
			return nil, nil, err
		}
		child, ok := e.value.(*Hash)
		if !ok {
			if !create {
				return nil, nil, errors.NewCast(joinParts(head), "Hash", TypeOf(e.value).String())
			}
			child = New()
			e.value = child
		}
		cur = child
	}

	e, ok := cur.nodes[last.key]
	if !ok {
		if !create {
			return nil, nil, errors.NewKeyNotFound(joinParts(parts))
		}
		e = &entry{value: []*Hash{}, attrs: NewAttributes()}
		cur.nodes[last.key] = e
		cur.order = append(cur.order, last.key)
	}
	vec, ok := e.value.([]*Hash)
	if !ok {
		if !create {
			return nil, nil, errors.NewCast(joinParts(parts), "VectorHash", TypeOf(e.value).String())
		}
		vec = []*Hash{}
	}
	if last.index >= len(vec) {
		if !create {
			return nil, nil, errors.NewKeyNotFound(joinParts(parts))
		}
		for len(vec) <= last.index {
			vec = append(vec, New())
		}
	}
	e.value = vec
	return cur, e, nil
}

// Get returns the value at path or a KeyNotFound error.
func (h *Hash) Get(path string) (any, error) {
	parts, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	_, e, err := h.resolve(parts, false)
	if err != nil {
		return nil, err
	}
	return e.value, nil
}

// GetDefault returns the value at path, or def when the path is missing.
func (h *Hash) GetDefault(path string, def any) any {
	v, err := h.Get(path)
	if err != nil {
		return def
	}
	return v
}

// Has reports whether path exists.
func (h *Hash) Has(path string) bool {
	parts, err := parsePath(path)
	if err != nil {
		return false
	}
	_, _, err = h.resolve(parts, false)
	return err == nil
}

// Erase removes the entry at path. Removing a missing path is an error.
func (h *Hash) Erase(path string) error {
	parts, err := parsePath(path)
	if err != nil {
		return err
	}
	last := parts[len(parts)-1]
	if last.index >= 0 {
		_, e, err := h.resolveVectorSlot(parts, false)
		if err != nil {
			return err
		}
		vec := e.value.([]*Hash)
		e.value = append(vec[:last.index], vec[last.index+1:]...)
		return nil
	}
	parent, _, err := h.resolve(parts, false)
	if err != nil {
		return err
	}
	parent.deleteKey(last.key)
	return nil
}

// ErasePath removes the leaf at path and any parent nodes left empty by
// the removal.
func (h *Hash) ErasePath(path string) error {
	if err := h.Erase(path); err != nil {
		return err
	}
	parts, _ := parsePath(path)
	for len(parts) > 1 {
		parts = parts[:len(parts)-1]
		_, e, err := h.resolve(parts, false)
		if err != nil {
			return nil
		}
		child, ok := e.value.(*Hash)
		if !ok || !child.Empty() {
			return nil
		}
		if err := h.Erase(joinParts(parts)); err != nil {
			return nil
		}
	}
	return nil
}

func (h *Hash) deleteKey(key string) {
	if _, ok := h.nodes[key]; !ok {
		return
	}
	delete(h.nodes, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			return
		}
	}
}

// Paths returns every leaf path in iteration order, using bracket syntax
// for vector-of-hash elements.
func (h *Hash) Paths() []string {
	var out []string
	h.collectPaths("", &out)
	return out
}

func (h *Hash) collectPaths(prefix string, out *[]string) {
	for _, k := range h.order {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		switch v := h.nodes[k].value.(type) {
		case *Hash:
			if v.Empty() {
				*out = append(*out, full)
			} else {
				v.collectPaths(full, out)
			}
		case []*Hash:
			if len(v) == 0 {
				*out = append(*out, full)
			}
			for i, sub := range v {
				sub.collectPaths(fmt.Sprintf("%s[%d]", full, i), out)
			}
		default:
			*out = append(*out, full)
		}
	}
}

// Attributes returns the attribute bag of the entry at path.
func (h *Hash) Attributes(path string) (*Attributes, error) {
	parts, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if parts[len(parts)-1].index >= 0 {
		return nil, errors.NewProtocolMisuse("vector elements carry no attributes: " + path)
	}
	_, e, err := h.resolve(parts, false)
	if err != nil {
		return nil, err
	}
	return e.attrs, nil
}

// SetAttribute stores an attribute on the entry at path.
func (h *Hash) SetAttribute(path, name string, value any) error {
	attrs, err := h.Attributes(path)
	if err != nil {
		return err
	}
	norm, err := normalize(value)
	if err != nil {
		return err
	}
	attrs.set(name, norm)
	return nil
}

// Attribute returns one attribute of the entry at path.
func (h *Hash) Attribute(path, name string) (any, error) {
	attrs, err := h.Attributes(path)
	if err != nil {
		return nil, err
	}
	v, ok := attrs.get(name)
	if !ok {
		return nil, errors.NewKeyNotFound(path + "@" + name)
	}
	return v, nil
}

// AttributeDefault returns one attribute or def when absent.
func (h *Hash) AttributeDefault(path, name string, def any) any {
	v, err := h.Attribute(path, name)
	if err != nil {
		return def
	}
	return v
}

// Clone returns a deep copy of the Hash.
func (h *Hash) Clone() *Hash {
	out := New()
	for _, k := range h.order {
		e := h.nodes[k]
		out.order = append(out.order, k)
		out.nodes[k] = &entry{value: cloneValue(e.value), attrs: e.attrs.Clone()}
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case *Hash:
		return t.Clone()
	case []*Hash:
		out := make([]*Hash, len(t))
		for i, sub := range t {
			out[i] = sub.Clone()
		}
		return out
	case *Schema:
		return &Schema{Name: t.Name, Hash: t.Hash.Clone()}
	default:
		return copySlice(v)
	}
}

// String renders the Hash for debugging: one "path: value ATTRS{...}" line
// per leaf.
func (h *Hash) String() string {
	var b strings.Builder
	h.format(&b, 0)
	return b.String()
}

func (h *Hash) format(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, k := range h.order {
		e := h.nodes[k]
		fmt.Fprintf(b, "%s%s", indent, k)
		if e.attrs.Len() > 0 {
			fmt.Fprintf(b, " %v", e.attrs)
		}
		switch v := e.value.(type) {
		case *Hash:
			b.WriteString(" +\n")
			v.format(b, depth+1)
		case []*Hash:
			fmt.Fprintf(b, " [%d]\n", len(v))
			for _, sub := range v {
				sub.format(b, depth+1)
			}
		default:
			fmt.Fprintf(b, " => %v (%s)\n", v, TypeOf(v))
		}
	}
}
