// Package configurable binds a schema to per-instance values. A
// Configurable owns its descriptor set as data, so new descriptors can be
// injected at runtime without touching other instances of the same class.
package configurable

import (
	"sync"

	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/pkg/timestamp"
	"github.com/European-XFEL/Karabo-sub006/schema"
)

// ChangeListener receives the delta of every committed write. Paths are
// dotted, each leaf carries its timestamp attribute.
type ChangeListener func(delta *hash.Hash)

// SchemaListener fires after a successful injection changed the schema.
type SchemaListener func(s *schema.Schema)

// Configurable holds the instance schema and the current values. All
// methods are safe for concurrent use.
type Configurable struct {
	mu       sync.RWMutex
	classID  string
	sch      *schema.Schema
	values   *hash.Hash
	aliases  schema.StateMap
	onChange []ChangeListener
	onSchema []SchemaListener
}

// New validates the initial configuration against the schema, injecting
// defaults, and returns the ready instance.
func New(classID string, sch *schema.Schema, config *hash.Hash) (*Configurable, error) {
	res, err := schema.Validate(sch, config, schema.Options{
		InjectDefaults: true,
		Initializing:   true,
	})
	if err != nil {
		return nil, err
	}
	return &Configurable{
		classID: classID,
		sch:     sch,
		values:  res.Validated,
	}, nil
}

// ClassID returns the class this instance was built from.
func (c *Configurable) ClassID() string {
	return c.classID
}

// Schema returns the current instance schema.
func (c *Configurable) Schema() *schema.Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sch
}

// SetStateAliases installs the advisory state alias mapping used by
// allowed-states checks.
func (c *Configurable) SetStateAliases(m schema.StateMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases = m
}

// OnChange registers a listener for committed deltas.
func (c *Configurable) OnChange(fn ChangeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// OnSchemaUpdate registers a listener for schema injections.
func (c *Configurable) OnSchemaUpdate(fn SchemaListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSchema = append(c.onSchema, fn)
}

// Get returns the current value at the dotted path. Unset values fail
// with KeyNotFound.
func (c *Configurable) Get(path string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values.Get(path)
}

// GetWithTimestamp returns the value and the stamp of its last write.
func (c *Configurable) GetWithTimestamp(path string) (any, timestamp.Timestamp, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.values.Get(path)
	if err != nil {
		return nil, timestamp.Timestamp{}, err
	}
	ms, err := c.values.Attribute(path, schema.TimestampAttr)
	if err != nil {
		return v, timestamp.Timestamp{}, nil
	}
	stamp, _ := ms.(int64)
	return v, timestamp.FromUnixMs(stamp), nil
}

// GetDefault returns the value at path or def when unset.
func (c *Configurable) GetDefault(path string, def any) any {
	v, err := c.Get(path)
	if err != nil {
		return def
	}
	return v
}

// Configuration returns a deep copy of every current value, timestamps
// riding as attributes.
func (c *Configurable) Configuration() *hash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values.Clone()
}

// Apply validates and commits a bulk reconfiguration. Either every entry
// is applied, or none; the returned delta is the validated input with one
// shared timestamp on every leaf. State, when non-empty, enables
// allowed-states checks.
func (c *Configurable) Apply(input *hash.Hash, state string) (*hash.Hash, error) {
	c.mu.Lock()
	res, err := schema.Validate(c.sch, input, schema.Options{
		State:   state,
		Aliases: c.aliases,
	})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.values.Merge(res.Validated, hash.MergeMergeAttributes)
	delta := res.Validated.Clone()
	listeners := append([]ChangeListener(nil), c.onChange...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(delta)
	}
	return delta, nil
}

// Set writes a single property through the validator.
func (c *Configurable) Set(path string, value any) error {
	_, err := c.Apply(hash.New(path, value), "")
	return err
}

// SetLocal writes a property on behalf of the owning device, bypassing
// access-mode checks so the device can update its own read-only values
// (state, lockedBy, measured quantities). The descriptor's constraint
// checks still apply and listeners still fire.
func (c *Configurable) SetLocal(path string, value any) error {
	c.mu.Lock()
	d, ok := c.sch.Descriptor(path)
	if !ok {
		c.mu.Unlock()
		return errors.NewKeyNotFound(path)
	}
	stored, err := d.RunSetter(value)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	ts := timestamp.Now()
	if err := c.values.Set(path, stored); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.values.SetAttribute(path, schema.TimestampAttr, ts.ToUnixMs()); err != nil {
		c.mu.Unlock()
		return err
	}
	delta := hash.New(path, stored)
	_ = delta.SetAttribute(path, schema.TimestampAttr, ts.ToUnixMs())
	listeners := append([]ChangeListener(nil), c.onChange...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(delta)
	}
	return nil
}
