package hash

import (
	"fmt"
	"strings"
)

// Attributes is the ordered attribute bag attached to every Hash entry.
// Attribute values share the closed type system of Hash leaves but are
// never iterated as children of the entry.
type Attributes struct {
	order []string
	m     map[string]any
}

// NewAttributes creates an empty attribute bag. Pairs may seed it.
func NewAttributes(pairs ...any) *Attributes {
	a := &Attributes{m: make(map[string]any)}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("hash.NewAttributes: key %d is %T, not string", i, pairs[i]))
		}
		norm, err := normalize(pairs[i+1])
		if err != nil {
			panic(err)
		}
		a.set(key, norm)
	}
	return a
}

func (a *Attributes) set(key string, value any) {
	if _, ok := a.m[key]; !ok {
		a.order = append(a.order, key)
	}
	a.m[key] = value
}

func (a *Attributes) get(key string) (any, bool) {
	v, ok := a.m[key]
	return v, ok
}

// Set stores an attribute, normalizing the value like Hash.Set.
func (a *Attributes) Set(key string, value any) error {
	norm, err := normalize(value)
	if err != nil {
		return err
	}
	a.set(key, norm)
	return nil
}

// Get returns an attribute value and whether it exists.
func (a *Attributes) Get(key string) (any, bool) {
	return a.get(key)
}

// GetDefault returns the attribute or def when absent.
func (a *Attributes) GetDefault(key string, def any) any {
	if v, ok := a.m[key]; ok {
		return v
	}
	return def
}

// Has reports whether the attribute exists.
func (a *Attributes) Has(key string) bool {
	_, ok := a.m[key]
	return ok
}

// Delete removes an attribute.
func (a *Attributes) Delete(key string) {
	if _, ok := a.m[key]; !ok {
		return
	}
	delete(a.m, key)
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}

// Keys returns attribute names in insertion order.
func (a *Attributes) Keys() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	return len(a.order)
}

// Clone returns a deep copy.
func (a *Attributes) Clone() *Attributes {
	out := NewAttributes()
	for _, k := range a.order {
		out.set(k, cloneValue(a.m[k]))
	}
	return out
}

// Equal compares two attribute bags, ignoring insertion order.
func (a *Attributes) Equal(other *Attributes) bool {
	if a.Len() != other.Len() {
		return false
	}
	for k, v := range a.m {
		ov, ok := other.m[k]
		if !ok || !valueEqual(v, ov) {
			return false
		}
	}
	return true
}

// merge unions other into a; keys from other win on conflicts.
func (a *Attributes) merge(other *Attributes) {
	for _, k := range other.order {
		a.set(k, cloneValue(other.m[k]))
	}
}

// replaceWith discards a's content in favor of other's.
func (a *Attributes) replaceWith(other *Attributes) {
	a.order = nil
	a.m = make(map[string]any)
	a.merge(other)
}

// String renders the bag as ATTRS{k1=v1, k2=v2}.
func (a *Attributes) String() string {
	var b strings.Builder
	b.WriteString("ATTRS{")
	for i, k := range a.order {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", k, a.m[k])
	}
	b.WriteString("}")
	return b.String()
}
