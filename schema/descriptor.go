// Package schema provides the descriptor model behind every configurable
// attribute: the Schema a device publishes, the Validator applied to
// incoming configurations, and the overwrite mechanism subclasses use to
// restate descriptor attributes.
package schema

import (
	"fmt"
	"regexp"

	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
)

// NodeType classifies a schema entry.
type NodeType int32

const (
	// Leaf holds a single typed value.
	Leaf NodeType = iota
	// Node groups child descriptors.
	Node
	// Choice selects exactly one of its child nodes.
	Choice
	// List holds a sequence of child node instantiations.
	List
)

// AccessMode governs when a property may be written.
type AccessMode int32

const (
	// ReadOnly properties are set only by the owning device.
	ReadOnly AccessMode = 1 << iota
	// InitOnly properties are writable during instantiation only.
	InitOnly
	// Reconfigurable properties accept writes at runtime.
	Reconfigurable
)

// Assignment states whether a configuration must provide the property.
type Assignment int32

const (
	// Optional properties fall back to their default.
	Optional Assignment = iota
	// Mandatory properties must be present in the configuration.
	Mandatory
	// Internal properties are filled in by the runtime, never by users.
	Internal
)

// AccessLevel ranks who may touch a property.
type AccessLevel int32

const (
	Observer AccessLevel = iota
	Operator
	Expert
	Admin
)

// ArchivePolicy controls whether value changes are recorded.
type ArchivePolicy int32

const (
	ArchiveDefault ArchivePolicy = iota
	ArchiveEvery
	ArchiveNever
)

// Setter coerces or vetoes a value on every write. Initializer does the
// same once per instance; when nil the Setter applies at initialization
// too.
type Setter func(value any) (any, error)

// Descriptor is the class-side specification of one attribute: its type,
// access rules, bounds and hooks. Node descriptors carry Children instead
// of a value type.
type Descriptor struct {
	Key           string
	ValueType     hash.Type
	NodeType      NodeType
	Access        AccessMode
	Assignment    Assignment
	RequiredLevel AccessLevel

	// Default is injected when the configuration omits the key. nil
	// means no default.
	Default any

	// Numeric bounds; nil disables each check.
	MinInc, MaxInc any
	MinExc, MaxExc any

	// Vector size bounds; nil disables each check.
	MinSize, MaxSize *uint32

	// Options restricts the value to a closed set.
	Options []any

	// Enum maps symbolic names onto underlying values; either side is
	// accepted on write, the underlying value is stored.
	Enum map[string]any

	// AllowedStates restricts writes (and slot calls) to the named
	// device states; empty means unrestricted.
	AllowedStates []string

	Unit          string
	MetricPrefix  string
	DisplayType   string
	ArchivePolicy ArchivePolicy
	DAQPolicy     int32
	Tags          []string

	// Alarm thresholds; nil disables each.
	AlarmLow, AlarmHigh *float64
	WarnLow, WarnHigh   *float64

	// Regex constrains string values. A default that does not match
	// refuses schema construction.
	Regex string

	Setter      Setter
	Initializer Setter

	// Extra carries auxiliary attributes that travel with the schema but
	// mean nothing to the validator. Overwrite drops them unless named
	// in its preserve list.
	Extra *hash.Attributes

	Children []*Descriptor

	compiledRegex *regexp.Regexp
}

// compile checks the descriptor's internal consistency: the regex must
// parse, the default must satisfy every constraint, node kinds must not
// carry leaf-only attributes.
func (d *Descriptor) compile() error {
	if d.Key == "" {
		return errors.NewValidation("", "descriptor without key")
	}
	if d.NodeType != Leaf {
		if d.ValueType != hash.TypeNone && d.DisplayType != displaySlot {
			return errors.NewValidation(d.Key, "node descriptor with a value type")
		}
		for _, c := range d.Children {
			if err := c.compile(); err != nil {
				return err
			}
		}
		return nil
	}
	if d.Regex != "" {
		re, err := regexp.Compile(d.Regex)
		if err != nil {
			return errors.NewValidation(d.Key, fmt.Sprintf("invalid regex %q: %v", d.Regex, err))
		}
		d.compiledRegex = re
	}
	if d.Default != nil {
		if _, err := d.checkValue(d.Default); err != nil {
			return errors.NewValidation(d.Key, fmt.Sprintf("default value rejected: %v", err))
		}
	}
	return nil
}

const displaySlot = "Slot"

// IsSlot reports whether the descriptor declares a callable rather than a
// property.
func (d *Descriptor) IsSlot() bool {
	return d.DisplayType == displaySlot
}

// StateAllowed reports whether writes are permitted in the given device
// state, after resolving aliases.
func (d *Descriptor) StateAllowed(state string, aliases StateMap) bool {
	if len(d.AllowedStates) == 0 {
		return true
	}
	resolved := aliases.Resolve(state)
	for _, s := range d.AllowedStates {
		if s == state || s == resolved {
			return true
		}
	}
	return false
}

// checkValue casts value to the declared type and enforces bounds,
// options, size and regex. The returned value is the stored
// representation.
func (d *Descriptor) checkValue(value any) (any, error) {
	if d.Enum != nil {
		if name, ok := value.(string); ok {
			if underlying, found := d.Enum[name]; found {
				value = underlying
			}
		}
	}

	cast, err := castTo(d.Key, value, d.ValueType)
	if err != nil {
		return nil, err
	}

	if err := d.checkBounds(cast); err != nil {
		return nil, err
	}
	if err := d.checkSize(cast); err != nil {
		return nil, err
	}
	if err := d.checkOptions(cast); err != nil {
		return nil, err
	}
	if err := d.checkRegex(cast); err != nil {
		return nil, err
	}
	return cast, nil
}

func (d *Descriptor) checkBounds(v any) error {
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	if d.MinInc != nil {
		if m, ok := toFloat(d.MinInc); ok && f < m {
			return errors.NewValidation(d.Key, fmt.Sprintf("value %v below inclusive minimum %v", v, d.MinInc))
		}
	}
	if d.MaxInc != nil {
		if m, ok := toFloat(d.MaxInc); ok && f > m {
			return errors.NewValidation(d.Key, fmt.Sprintf("value %v above inclusive maximum %v", v, d.MaxInc))
		}
	}
	if d.MinExc != nil {
		if m, ok := toFloat(d.MinExc); ok && f <= m {
			return errors.NewValidation(d.Key, fmt.Sprintf("value %v not above exclusive minimum %v", v, d.MinExc))
		}
	}
	if d.MaxExc != nil {
		if m, ok := toFloat(d.MaxExc); ok && f >= m {
			return errors.NewValidation(d.Key, fmt.Sprintf("value %v not below exclusive maximum %v", v, d.MaxExc))
		}
	}
	return nil
}

func (d *Descriptor) checkSize(v any) error {
	if d.MinSize == nil && d.MaxSize == nil {
		return nil
	}
	n, ok := vectorLen(v)
	if !ok {
		return nil
	}
	if d.MinSize != nil && uint32(n) < *d.MinSize {
		return errors.NewValidation(d.Key, fmt.Sprintf("vector of %d elements below minimum size %d", n, *d.MinSize))
	}
	if d.MaxSize != nil && uint32(n) > *d.MaxSize {
		return errors.NewValidation(d.Key, fmt.Sprintf("vector of %d elements above maximum size %d", n, *d.MaxSize))
	}
	return nil
}

func (d *Descriptor) checkOptions(v any) error {
	if len(d.Options) == 0 {
		return nil
	}
	for _, opt := range d.Options {
		if valueEqual(opt, v) {
			return nil
		}
	}
	return errors.NewValidation(d.Key, fmt.Sprintf("value %v not among the allowed options", v))
}

func (d *Descriptor) checkRegex(v any) error {
	if d.Regex == "" {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	re := d.compiledRegex
	if re == nil {
		var err error
		re, err = regexp.Compile(d.Regex)
		if err != nil {
			return errors.NewValidation(d.Key, fmt.Sprintf("invalid regex %q: %v", d.Regex, err))
		}
	}
	if !re.MatchString(s) {
		return errors.NewValidation(d.Key, fmt.Sprintf("value %q does not match %q", s, d.Regex))
	}
	return nil
}

// Clone returns a deep copy; hooks are shared, data is copied.
func (d *Descriptor) Clone() *Descriptor {
	out := *d
	out.Options = append([]any(nil), d.Options...)
	out.AllowedStates = append([]string(nil), d.AllowedStates...)
	out.Tags = append([]string(nil), d.Tags...)
	if d.Enum != nil {
		out.Enum = make(map[string]any, len(d.Enum))
		for k, v := range d.Enum {
			out.Enum[k] = v
		}
	}
	if d.Extra != nil {
		out.Extra = d.Extra.Clone()
	}
	out.MinSize = cloneUint32(d.MinSize)
	out.MaxSize = cloneUint32(d.MaxSize)
	out.AlarmLow = cloneFloat(d.AlarmLow)
	out.AlarmHigh = cloneFloat(d.AlarmHigh)
	out.WarnLow = cloneFloat(d.WarnLow)
	out.WarnHigh = cloneFloat(d.WarnHigh)
	out.Children = make([]*Descriptor, len(d.Children))
	for i, c := range d.Children {
		out.Children[i] = c.Clone()
	}
	return &out
}

func cloneUint32(p *uint32) *uint32 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// castTo converts a value for storage under the declared type. Vectors
// and non-numeric types must match exactly; numerics narrow with range
// checks.
func castTo(key string, v any, target hash.Type) (any, error) {
	if hash.TypeOf(v) == target {
		return v, nil
	}
	return hash.ConvertAs(key, v, target)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func vectorLen(v any) (int, bool) {
	switch t := v.(type) {
	case []bool:
		return len(t), true
	case []int8:
		return len(t), true
	case []int16:
		return len(t), true
	case []int32:
		return len(t), true
	case []int64:
		return len(t), true
	case []uint8:
		return len(t), true
	case []uint16:
		return len(t), true
	case []uint32:
		return len(t), true
	case []uint64:
		return len(t), true
	case []float32:
		return len(t), true
	case []float64:
		return len(t), true
	case []string:
		return len(t), true
	case []*hash.Hash:
		return len(t), true
	default:
		return 0, false
	}
}

// valueEqual compares across numeric representations so that options
// surviving a wire round trip still match.
func valueEqual(a, b any) bool {
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	if oka && okb {
		return fa == fb
	}
	if hash.TypeOf(a) != hash.TypeOf(b) {
		return false
	}
	return a == b
}

// StateMap resolves device-class specific state aliases. The mapping is
// advisory data, not built-in behavior.
type StateMap map[string]string

// Resolve returns the alias target, or the state itself when unmapped.
func (m StateMap) Resolve(state string) string {
	if m == nil {
		return state
	}
	if alias, ok := m[state]; ok {
		return alias
	}
	return state
}
