package schema

import (
	"fmt"
	"strings"

	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/pkg/timestamp"
)

// Options steers one validation pass. The zero value validates a runtime
// reconfiguration: no default injection, init-only and read-only writes
// refused, no state restriction.
type Options struct {
	// InjectDefaults adds every schema default missing from the input.
	InjectDefaults bool
	// Initializing permits writes to init-only (and read-only) targets,
	// runs Initializer hooks instead of Setters, and enforces mandatory
	// assignments.
	Initializing bool
	// State enables allowed-states checks when non-empty.
	State string
	// Aliases resolves state names before the allowed-states check.
	Aliases StateMap
	// Timestamp is stamped on every validated leaf; zero means now. All
	// leaves of one pass share the same stamp.
	Timestamp timestamp.Timestamp
}

// Result carries the outcome of a successful validation.
type Result struct {
	// Validated holds every accepted value, defaults included, each leaf
	// carrying a "ts" attribute with the shared stamp.
	Validated *hash.Hash
	// Injected lists the paths filled from defaults.
	Injected []string
}

// TimestampAttr is the attribute carrying a value's timestamp.
const TimestampAttr = "ts"

// Validate checks input against the schema. It is all-or-nothing: the
// first violation fails the whole pass and the returned Result is nil, so
// callers commit either everything or nothing.
func Validate(s *Schema, input *hash.Hash, opts Options) (*Result, error) {
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = timestamp.Now()
	}
	res := &Result{Validated: hash.New()}
	if err := validateLevel(s, "", s.roots, input, opts, ts, res); err != nil {
		return nil, err
	}
	if err := checkUnknownKeys(s, input); err != nil {
		return nil, err
	}
	return res, nil
}

func validateLevel(s *Schema, prefix string, ds []*Descriptor, input *hash.Hash, opts Options, ts timestamp.Timestamp, res *Result) error {
	for _, d := range ds {
		path := d.Key
		if prefix != "" {
			path = prefix + "." + d.Key
		}
		if d.IsSlot() {
			continue
		}

		if d.NodeType != Leaf {
			present := input != nil && input.Has(path)
			if present || hasDefaults(d) {
				if err := validateLevel(s, path, d.Children, input, opts, ts, res); err != nil {
					return err
				}
			}
			continue
		}

		var value any
		present := false
		if input != nil {
			if v, err := input.Get(path); err == nil {
				value = v
				present = true
			}
		}

		if !present {
			if d.Assignment == Mandatory && opts.Initializing {
				return errors.NewValidation(path, "mandatory parameter missing")
			}
			if opts.InjectDefaults && d.Default != nil {
				stored, err := d.applyValue(path, d.Default, opts.Initializing)
				if err != nil {
					return err
				}
				if err := stamp(res.Validated, path, stored, ts); err != nil {
					return err
				}
				res.Injected = append(res.Injected, path)
			}
			continue
		}

		if err := checkAccess(d, path, opts); err != nil {
			return err
		}
		stored, err := d.applyValue(path, value, opts.Initializing)
		if err != nil {
			return err
		}
		if err := stamp(res.Validated, path, stored, ts); err != nil {
			return err
		}
	}
	return nil
}

func checkAccess(d *Descriptor, path string, opts Options) error {
	if opts.Initializing {
		return nil
	}
	switch d.Access {
	case ReadOnly:
		return errors.NewValidation(path, "parameter is read-only")
	case InitOnly:
		return errors.NewValidation(path, "parameter is settable at instantiation only")
	}
	if opts.State != "" && !d.StateAllowed(opts.State, opts.Aliases) {
		return errors.NewStateForbidden(path, opts.State)
	}
	return nil
}

// Check casts value to the descriptor's declared type and enforces its
// bounds, options, size and regex constraints.
func (d *Descriptor) Check(value any) (any, error) {
	return d.checkValue(value)
}

// RunSetter applies Check and then the setter hook, as a committed write
// would.
func (d *Descriptor) RunSetter(value any) (any, error) {
	return d.applyValue(d.Key, value, false)
}

// applyValue runs the type/bounds checks and the appropriate hook.
func (d *Descriptor) applyValue(path string, value any, initializing bool) (any, error) {
	stored, err := d.checkValue(value)
	if err != nil {
		return nil, err
	}
	hook := d.Setter
	if initializing && d.Initializer != nil {
		hook = d.Initializer
	}
	if hook != nil {
		coerced, err := hook(stored)
		if err != nil {
			return nil, errors.NewValidation(path, fmt.Sprintf("setter rejected value: %v", err))
		}
		stored, err = d.checkValue(coerced)
		if err != nil {
			return nil, err
		}
	}
	return stored, nil
}

func stamp(out *hash.Hash, path string, value any, ts timestamp.Timestamp) error {
	if err := out.Set(path, value); err != nil {
		return err
	}
	return out.SetAttribute(path, TimestampAttr, ts.ToUnixMs())
}

func hasDefaults(d *Descriptor) bool {
	for _, c := range d.Children {
		if c.NodeType != Leaf {
			if hasDefaults(c) {
				return true
			}
			continue
		}
		if c.Default != nil {
			return true
		}
	}
	return false
}

// checkUnknownKeys rejects input paths the schema does not declare. Paths
// into vector-of-hash rows are checked against the vector's descriptor.
func checkUnknownKeys(s *Schema, input *hash.Hash) error {
	if input == nil {
		return nil
	}
	for _, path := range input.Paths() {
		lookup := path
		if i := strings.IndexByte(path, '['); i >= 0 {
			lookup = path[:i]
		}
		if _, ok := s.byKey[lookup]; !ok {
			return errors.NewValidation(path, "unknown parameter")
		}
	}
	return nil
}
