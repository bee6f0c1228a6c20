package schema

import (
	"strings"

	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
)

// Schema is a named, ordered tree of descriptors. It is built once per
// class (or per injection) and is immutable afterwards.
type Schema struct {
	Name  string
	roots []*Descriptor
	byKey map[string]*Descriptor
}

// New builds a Schema from descriptors in declaration order. Every
// descriptor is checked for internal consistency; a default that violates
// its own constraints (a regex mismatch in particular) refuses
// construction.
func New(name string, descriptors ...*Descriptor) (*Schema, error) {
	s := &Schema{Name: name, byKey: make(map[string]*Descriptor)}
	for _, d := range descriptors {
		if err := d.compile(); err != nil {
			return nil, err
		}
		if _, dup := s.byKey[d.Key]; dup {
			return nil, errors.NewValidation(d.Key, "duplicate descriptor key")
		}
		s.roots = append(s.roots, d)
		s.index("", d)
	}
	return s, nil
}

func (s *Schema) index(prefix string, d *Descriptor) {
	path := d.Key
	if prefix != "" {
		path = prefix + "." + d.Key
	}
	s.byKey[path] = d
	for _, c := range d.Children {
		s.index(path, c)
	}
}

// Descriptor returns the descriptor at the dotted path.
func (s *Schema) Descriptor(path string) (*Descriptor, bool) {
	d, ok := s.byKey[path]
	return d, ok
}

// Roots returns the top-level descriptors in declaration order.
func (s *Schema) Roots() []*Descriptor {
	out := make([]*Descriptor, len(s.roots))
	copy(out, s.roots)
	return out
}

// Paths returns every descriptor path in declaration order.
func (s *Schema) Paths() []string {
	var out []string
	var walk func(prefix string, ds []*Descriptor)
	walk = func(prefix string, ds []*Descriptor) {
		for _, d := range ds {
			path := d.Key
			if prefix != "" {
				path = prefix + "." + d.Key
			}
			out = append(out, path)
			walk(path, d.Children)
		}
	}
	walk("", s.roots)
	return out
}

// FilterByState returns a copy without descriptors whose AllowedStates
// exclude the given state. Node descriptors survive as long as any child
// does.
func (s *Schema) FilterByState(state string, aliases StateMap) *Schema {
	out := &Schema{Name: s.Name, byKey: make(map[string]*Descriptor)}
	for _, d := range s.roots {
		if kept := filterDescriptor(d, state, aliases); kept != nil {
			out.roots = append(out.roots, kept)
			out.index("", kept)
		}
	}
	return out
}

func filterDescriptor(d *Descriptor, state string, aliases StateMap) *Descriptor {
	if !d.StateAllowed(state, aliases) {
		return nil
	}
	if len(d.Children) == 0 {
		return d.Clone()
	}
	out := d.Clone()
	out.Children = nil
	for _, c := range d.Children {
		if kept := filterDescriptor(c, state, aliases); kept != nil {
			out.Children = append(out.Children, kept)
		}
	}
	if len(out.Children) == 0 && d.NodeType != Leaf && !d.IsSlot() {
		return nil
	}
	return out
}

// Schema hash attribute names. The wire representation is a Hash whose
// entries mirror the descriptor tree, metadata riding as attributes.
const (
	attrNodeType       = "nodeType"
	attrValueType      = "valueType"
	attrAccessMode     = "accessMode"
	attrAssignment     = "assignment"
	attrRequiredLevel  = "requiredAccessLevel"
	attrDefault        = "defaultValue"
	attrMinInc         = "minInc"
	attrMaxInc         = "maxInc"
	attrMinExc         = "minExc"
	attrMaxExc         = "maxExc"
	attrMinSize        = "minSize"
	attrMaxSize        = "maxSize"
	attrOptions        = "options"
	attrAllowedStates  = "allowedStates"
	attrUnit           = "unitSymbol"
	attrMetricPrefix   = "metricPrefixSymbol"
	attrDisplayType    = "displayType"
	attrArchivePolicy  = "archivePolicy"
	attrDAQPolicy      = "daqPolicy"
	attrTags           = "tags"
	attrAlarmLow       = "alarmLow"
	attrAlarmHigh      = "alarmHigh"
	attrWarnLow        = "warnLow"
	attrWarnHigh       = "warnHigh"
	attrRegex          = "regex"
)

// ToHash serializes the schema for the wire. Hooks do not travel.
func (s *Schema) ToHash() *hash.Schema {
	h := hash.New()
	for _, d := range s.roots {
		addDescriptorHash(h, d)
	}
	return &hash.Schema{Name: s.Name, Hash: h}
}

func addDescriptorHash(h *hash.Hash, d *Descriptor) {
	var value any
	if d.NodeType == Leaf {
		value = int32(0)
	} else {
		child := hash.New()
		for _, c := range d.Children {
			addDescriptorHash(child, c)
		}
		value = child
	}
	// keys are single components here, never dotted
	_ = h.Set(d.Key, value)

	set := func(name string, v any) {
		_ = h.SetAttribute(d.Key, name, v)
	}
	set(attrNodeType, int32(d.NodeType))
	if d.NodeType == Leaf {
		set(attrValueType, d.ValueType.String())
	}
	set(attrAccessMode, int32(d.Access))
	set(attrAssignment, int32(d.Assignment))
	set(attrRequiredLevel, int32(d.RequiredLevel))
	if d.Default != nil {
		set(attrDefault, d.Default)
	}
	if d.MinInc != nil {
		set(attrMinInc, d.MinInc)
	}
	if d.MaxInc != nil {
		set(attrMaxInc, d.MaxInc)
	}
	if d.MinExc != nil {
		set(attrMinExc, d.MinExc)
	}
	if d.MaxExc != nil {
		set(attrMaxExc, d.MaxExc)
	}
	if d.MinSize != nil {
		set(attrMinSize, *d.MinSize)
	}
	if d.MaxSize != nil {
		set(attrMaxSize, *d.MaxSize)
	}
	if len(d.Options) > 0 {
		set(attrOptions, optionsForWire(d))
	}
	if len(d.AllowedStates) > 0 {
		set(attrAllowedStates, append([]string(nil), d.AllowedStates...))
	}
	if d.Unit != "" {
		set(attrUnit, d.Unit)
	}
	if d.MetricPrefix != "" {
		set(attrMetricPrefix, d.MetricPrefix)
	}
	if d.DisplayType != "" {
		set(attrDisplayType, d.DisplayType)
	}
	if d.ArchivePolicy != ArchiveDefault {
		set(attrArchivePolicy, int32(d.ArchivePolicy))
	}
	if d.DAQPolicy != 0 {
		set(attrDAQPolicy, d.DAQPolicy)
	}
	if len(d.Tags) > 0 {
		set(attrTags, append([]string(nil), d.Tags...))
	}
	if d.AlarmLow != nil {
		set(attrAlarmLow, *d.AlarmLow)
	}
	if d.AlarmHigh != nil {
		set(attrAlarmHigh, *d.AlarmHigh)
	}
	if d.WarnLow != nil {
		set(attrWarnLow, *d.WarnLow)
	}
	if d.WarnHigh != nil {
		set(attrWarnHigh, *d.WarnHigh)
	}
	if d.Regex != "" {
		set(attrRegex, d.Regex)
	}
	if d.Extra != nil {
		for _, k := range d.Extra.Keys() {
			v, _ := d.Extra.Get(k)
			set(k, v)
		}
	}
}

// FromHash rebuilds a Schema from its wire form. Hooks are absent on the
// result; client-side use (proxies, GUI) never needs them.
func FromHash(ws *hash.Schema) (*Schema, error) {
	s := &Schema{Name: ws.Name, byKey: make(map[string]*Descriptor)}
	var err error
	ws.Hash.Each(func(key string, _ any) bool {
		var d *Descriptor
		d, err = descriptorFromHash(ws.Hash, key)
		if err != nil {
			return false
		}
		s.roots = append(s.roots, d)
		s.index("", d)
		return true
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

var knownAttrs = map[string]bool{
	attrNodeType: true, attrValueType: true, attrAccessMode: true,
	attrAssignment: true, attrRequiredLevel: true, attrDefault: true,
	attrMinInc: true, attrMaxInc: true, attrMinExc: true, attrMaxExc: true,
	attrMinSize: true, attrMaxSize: true, attrOptions: true,
	attrAllowedStates: true, attrUnit: true, attrMetricPrefix: true,
	attrDisplayType: true, attrArchivePolicy: true, attrDAQPolicy: true,
	attrTags: true, attrAlarmLow: true, attrAlarmHigh: true,
	attrWarnLow: true, attrWarnHigh: true, attrRegex: true,
}

func descriptorFromHash(h *hash.Hash, key string) (*Descriptor, error) {
	attrs, err := h.Attributes(key)
	if err != nil {
		return nil, err
	}
	d := &Descriptor{Key: lastComponent(key), ValueType: hash.TypeNone}

	d.NodeType = NodeType(attrInt32(attrs, attrNodeType, int32(Leaf)))
	if name, ok := attrs.Get(attrValueType); ok {
		if sname, ok := name.(string); ok {
			d.ValueType = typeByName(sname)
		}
	}
	d.Access = AccessMode(attrInt32(attrs, attrAccessMode, int32(Reconfigurable)))
	d.Assignment = Assignment(attrInt32(attrs, attrAssignment, int32(Optional)))
	d.RequiredLevel = AccessLevel(attrInt32(attrs, attrRequiredLevel, int32(Observer)))
	if v, ok := attrs.Get(attrDefault); ok {
		d.Default = v
	}
	d.MinInc, _ = attrs.Get(attrMinInc)
	d.MaxInc, _ = attrs.Get(attrMaxInc)
	d.MinExc, _ = attrs.Get(attrMinExc)
	d.MaxExc, _ = attrs.Get(attrMaxExc)
	if v, ok := attrs.Get(attrMinSize); ok {
		if u, ok := v.(uint32); ok {
			d.MinSize = &u
		}
	}
	if v, ok := attrs.Get(attrMaxSize); ok {
		if u, ok := v.(uint32); ok {
			d.MaxSize = &u
		}
	}
	if v, ok := attrs.Get(attrOptions); ok {
		d.Options = optionsFromWire(v)
	}
	if v, ok := attrs.Get(attrAllowedStates); ok {
		if states, ok := v.([]string); ok {
			d.AllowedStates = append([]string(nil), states...)
		}
	}
	d.Unit = attrString(attrs, attrUnit)
	d.MetricPrefix = attrString(attrs, attrMetricPrefix)
	d.DisplayType = attrString(attrs, attrDisplayType)
	d.ArchivePolicy = ArchivePolicy(attrInt32(attrs, attrArchivePolicy, int32(ArchiveDefault)))
	d.DAQPolicy = attrInt32(attrs, attrDAQPolicy, 0)
	if v, ok := attrs.Get(attrTags); ok {
		if tags, ok := v.([]string); ok {
			d.Tags = append([]string(nil), tags...)
		}
	}
	d.AlarmLow = attrFloatPtr(attrs, attrAlarmLow)
	d.AlarmHigh = attrFloatPtr(attrs, attrAlarmHigh)
	d.WarnLow = attrFloatPtr(attrs, attrWarnLow)
	d.WarnHigh = attrFloatPtr(attrs, attrWarnHigh)
	d.Regex = attrString(attrs, attrRegex)

	for _, k := range attrs.Keys() {
		if knownAttrs[k] {
			continue
		}
		if d.Extra == nil {
			d.Extra = hash.NewAttributes()
		}
		v, _ := attrs.Get(k)
		_ = d.Extra.Set(k, v)
	}

	if d.NodeType != Leaf {
		child, err := h.GetHash(key)
		if err != nil {
			return nil, err
		}
		var childErr error
		child.Each(func(ck string, _ any) bool {
			c, err := descriptorFromHash(child, ck)
			if err != nil {
				childErr = err
				return false
			}
			d.Children = append(d.Children, c)
			return true
		})
		if childErr != nil {
			return nil, childErr
		}
	}

	if err := d.compile(); err != nil {
		return nil, err
	}
	return d, nil
}

func lastComponent(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func attrInt32(a *hash.Attributes, key string, def int32) int32 {
	v, ok := a.Get(key)
	if !ok {
		return def
	}
	if i, ok := v.(int32); ok {
		return i
	}
	return def
}

func attrString(a *hash.Attributes, key string) string {
	if v, ok := a.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func attrFloatPtr(a *hash.Attributes, key string) *float64 {
	if v, ok := a.Get(key); ok {
		if f, ok := toFloat(v); ok {
			return &f
		}
	}
	return nil
}

// optionsForWire flattens the option set into a typed vector for the
// attribute bag.
func optionsForWire(d *Descriptor) any {
	switch d.ValueType {
	case hash.TypeString:
		out := make([]string, 0, len(d.Options))
		for _, o := range d.Options {
			if s, ok := o.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		out := make([]float64, 0, len(d.Options))
		for _, o := range d.Options {
			if f, ok := toFloat(o); ok {
				out = append(out, f)
			}
		}
		return out
	}
}

func optionsFromWire(v any) []any {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = f
		}
		return out
	default:
		return nil
	}
}

var typesByName = func() map[string]hash.Type {
	m := make(map[string]hash.Type)
	for t := hash.TypeNone; t <= hash.TypeBytes; t++ {
		m[t.String()] = t
	}
	return m
}()

func typeByName(name string) hash.Type {
	if t, ok := typesByName[name]; ok {
		return t
	}
	return hash.TypeNone
}
