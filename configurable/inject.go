package configurable

import (
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/schema"
)

// Inject attaches or replaces top-level descriptors at runtime. The
// resulting ordering keeps every existing key at its first-seen position;
// an injected descriptor whose key already exists replaces that
// descriptor in place, new keys append in injection order. New
// descriptors are initialized from values (falling back to their
// defaults), the current configuration is revalidated against the new
// schema, and one schema-updated event fires. Re-injecting identical
// descriptors leaves the schema fully equal and fires no event twice
// with different content.
func (c *Configurable) Inject(descriptors []*schema.Descriptor, values *hash.Hash) error {
	c.mu.Lock()

	existing := c.sch.Roots()
	index := make(map[string]int, len(existing))
	for i, d := range existing {
		index[d.Key] = i
	}

	merged := make([]*schema.Descriptor, len(existing))
	copy(merged, existing)
	var added []*schema.Descriptor
	for _, d := range descriptors {
		if i, ok := index[d.Key]; ok {
			merged[i] = d
			continue
		}
		index[d.Key] = len(merged)
		merged = append(merged, d)
		added = append(added, d)
	}

	newSchema, err := schema.New(c.sch.Name, merged...)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	// Initialize the added descriptors from provided values or defaults,
	// then revalidate the whole configuration against the new schema.
	seed := c.values.Clone()
	stripTimestamps(seed)
	for _, d := range added {
		if values != nil {
			if v, err := values.Get(d.Key); err == nil {
				if err := seed.Set(d.Key, v); err != nil {
					c.mu.Unlock()
					return err
				}
				continue
			}
		}
	}
	res, err := schema.Validate(newSchema, seed, schema.Options{
		InjectDefaults: true,
		Initializing:   true,
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}

	changed := !schemasEqual(c.sch, newSchema)
	c.sch = newSchema
	// keep original timestamps for unchanged values, stamp new ones
	res.Validated.Merge(timestampOverlay(c.values), hash.MergeMergeAttributes)
	c.values = res.Validated
	listeners := append([]SchemaListener(nil), c.onSchema...)
	c.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(newSchema)
		}
	}
	return nil
}

func stripTimestamps(h *hash.Hash) {
	for _, p := range h.Paths() {
		if attrs, err := h.Attributes(p); err == nil {
			attrs.Delete(schema.TimestampAttr)
		}
	}
}

// timestampOverlay builds a hash carrying only the timestamp attributes
// of the source, for merging back after revalidation.
func timestampOverlay(src *hash.Hash) *hash.Hash {
	out := hash.New()
	for _, p := range src.Paths() {
		ts, err := src.Attribute(p, schema.TimestampAttr)
		if err != nil {
			continue
		}
		v, err := src.Get(p)
		if err != nil {
			continue
		}
		if err := out.Set(p, v); err != nil {
			continue
		}
		_ = out.SetAttribute(p, schema.TimestampAttr, ts)
	}
	return out
}

func schemasEqual(a, b *schema.Schema) bool {
	wa, wb := a.ToHash(), b.ToHash()
	return wa.Name == wb.Name && wa.Hash.FullyEqual(wb.Hash, false)
}
