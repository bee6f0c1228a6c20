package schema

import (
	"github.com/European-XFEL/Karabo-sub006/hash"
)

// Overwrite restates a subset of a descriptor's attributes. Nil fields
// inherit from the overwritten descriptor; the setter is inherited unless
// explicitly replaced. Auxiliary Extra attributes are dropped unless
// named in the preserve list passed to Apply.
type Overwrite struct {
	Default       any
	Access        *AccessMode
	Assignment    *Assignment
	RequiredLevel *AccessLevel
	MinInc        any
	MaxInc        any
	MinExc        any
	MaxExc        any
	MinSize       *uint32
	MaxSize       *uint32
	Options       []any
	AllowedStates []string
	Unit          *string
	MetricPrefix  *string
	DisplayType   *string
	ArchivePolicy *ArchivePolicy
	DAQPolicy     *int32
	Tags          []string
	Regex         *string
	Setter        Setter
	Initializer   Setter
}

// Apply produces a new descriptor with the restated attributes replacing
// the originals and everything else inherited. The result is recompiled,
// so a restated regex the inherited default no longer matches refuses the
// overwrite.
func (o Overwrite) Apply(base *Descriptor, preserve ...string) (*Descriptor, error) {
	d := base.Clone()

	if o.Default != nil {
		d.Default = o.Default
	}
	if o.Access != nil {
		d.Access = *o.Access
	}
	if o.Assignment != nil {
		d.Assignment = *o.Assignment
	}
	if o.RequiredLevel != nil {
		d.RequiredLevel = *o.RequiredLevel
	}
	if o.MinInc != nil {
		d.MinInc = o.MinInc
	}
	if o.MaxInc != nil {
		d.MaxInc = o.MaxInc
	}
	if o.MinExc != nil {
		d.MinExc = o.MinExc
	}
	if o.MaxExc != nil {
		d.MaxExc = o.MaxExc
	}
	if o.MinSize != nil {
		d.MinSize = cloneUint32(o.MinSize)
	}
	if o.MaxSize != nil {
		d.MaxSize = cloneUint32(o.MaxSize)
	}
	if o.Options != nil {
		d.Options = append([]any(nil), o.Options...)
	}
	if o.AllowedStates != nil {
		d.AllowedStates = append([]string(nil), o.AllowedStates...)
	}
	if o.Unit != nil {
		d.Unit = *o.Unit
	}
	if o.MetricPrefix != nil {
		d.MetricPrefix = *o.MetricPrefix
	}
	if o.DisplayType != nil {
		d.DisplayType = *o.DisplayType
	}
	if o.ArchivePolicy != nil {
		d.ArchivePolicy = *o.ArchivePolicy
	}
	if o.DAQPolicy != nil {
		d.DAQPolicy = *o.DAQPolicy
	}
	if o.Tags != nil {
		d.Tags = append([]string(nil), o.Tags...)
	}
	if o.Regex != nil {
		d.Regex = *o.Regex
		d.compiledRegex = nil
	}
	if o.Setter != nil {
		d.Setter = o.Setter
	}
	if o.Initializer != nil {
		d.Initializer = o.Initializer
	}

	if base.Extra != nil {
		var kept *hash.Attributes
		for _, name := range preserve {
			if v, ok := base.Extra.Get(name); ok {
				if kept == nil {
					kept = hash.NewAttributes()
				}
				_ = kept.Set(name, v)
			}
		}
		d.Extra = kept
	}

	if err := d.compile(); err != nil {
		return nil, err
	}
	return d, nil
}
