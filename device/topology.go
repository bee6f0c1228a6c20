package device

import (
	"sync"

	"github.com/European-XFEL/Karabo-sub006/hash"
)

// TopologyEvent is one observed instance change.
type TopologyEvent struct {
	// Kind is "new", "gone" or "update".
	Kind       string
	InstanceID string
	Info       *hash.Hash
}

// Topology tracks every known instance and its info hash, grouped by
// the info's type field in the snapshot. Safe for concurrent use.
type Topology struct {
	mu        sync.RWMutex
	order     []string
	instances map[string]*hash.Hash
	listeners []func(TopologyEvent)
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	return &Topology{instances: make(map[string]*hash.Hash)}
}

// OnChange registers a listener for instance events.
func (t *Topology) OnChange(fn func(TopologyEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Add records a new instance and fires "new". Re-adding an existing id
// replaces its info and fires "update" instead.
func (t *Topology) Add(instanceID string, info *hash.Hash) {
	t.mu.Lock()
	_, known := t.instances[instanceID]
	if !known {
		t.order = append(t.order, instanceID)
	}
	t.instances[instanceID] = info.Clone()
	listeners := append([]func(TopologyEvent){}, t.listeners...)
	t.mu.Unlock()

	kind := "new"
	if known {
		kind = "update"
	}
	for _, fn := range listeners {
		fn(TopologyEvent{Kind: kind, InstanceID: instanceID, Info: info.Clone()})
	}
}

// Update merges new info for a known instance and fires "update".
// Unknown ids are treated as Add.
func (t *Topology) Update(instanceID string, info *hash.Hash) {
	t.Add(instanceID, info)
}

// Remove forgets an instance and fires "gone". Unknown ids are ignored.
func (t *Topology) Remove(instanceID string) {
	t.mu.Lock()
	info, known := t.instances[instanceID]
	if !known {
		t.mu.Unlock()
		return
	}
	delete(t.instances, instanceID)
	for i, id := range t.order {
		if id == instanceID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	listeners := append([]func(TopologyEvent){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(TopologyEvent{Kind: "gone", InstanceID: instanceID, Info: info})
	}
}

// Info returns the stored info hash for an instance.
func (t *Topology) Info(instanceID string) (*hash.Hash, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.instances[instanceID]
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// IDs returns the known instance ids in arrival order.
func (t *Topology) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Snapshot renders the topology as a hash grouped by instance type:
// one node per type, one child per instance, the info fields riding as
// attributes on the instance entry.
func (t *Topology) Snapshot() *hash.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := hash.New()
	for _, id := range t.order {
		info := t.instances[id]
		kind := "unknown"
		if v, err := info.GetString("type"); err == nil && v != "" {
			kind = v
		}
		group, err := out.GetHash(kind)
		if err != nil {
			group = hash.New()
			_ = out.Set(kind, group)
		}
		_ = group.Set(id, hash.New())
		info.Each(func(key string, value any) bool {
			_ = group.SetAttribute(id, key, value)
			return true
		})
	}
	return out
}
