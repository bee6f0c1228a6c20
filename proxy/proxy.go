// Package proxy mirrors a remote device behind a typed local object:
// values with timestamps, coalesced writes, slot calls and wait
// primitives, all generated from the device's published schema.
package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/European-XFEL/Karabo-sub006/broker"
	"github.com/European-XFEL/Karabo-sub006/device"
	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/pkg/timestamp"
	"github.com/European-XFEL/Karabo-sub006/schema"
)

// Slot names the factory registers on its messaging core for inbound
// proxy traffic.
const (
	slotChanged       = "slotChanged"
	slotSchemaUpdated = "slotSchemaUpdated"
)

// Factory builds and tracks proxies on top of one messaging core. All
// proxies share the core's broker session.
type Factory struct {
	core    *device.SignalSlotable
	timeout time.Duration
	window  time.Duration
	linger  time.Duration
	aliases map[string]schema.StateMap

	mu      sync.Mutex
	proxies map[string]*Proxy
}

// FactoryOption adjusts factory construction.
type FactoryOption func(*Factory)

// WithTimeout sets the per-call timeout for proxy traffic.
func WithTimeout(t time.Duration) FactoryOption {
	return func(f *Factory) { f.timeout = t }
}

// WithCoalesceWindow sets how long writes accumulate before one
// slotReconfigure goes out.
func WithCoalesceWindow(t time.Duration) FactoryOption {
	return func(f *Factory) { f.window = t }
}

// WithLinger keeps the signalChanged connection alive for a grace
// period after the last release.
func WithLinger(t time.Duration) FactoryOption {
	return func(f *Factory) { f.linger = t }
}

// WithStateAliases installs per-class state alias maps consulted by
// allowed-states checks.
func WithStateAliases(aliases map[string]schema.StateMap) FactoryOption {
	return func(f *Factory) { f.aliases = aliases }
}

// NewFactory wires the proxy slots into the core.
func NewFactory(core *device.SignalSlotable, opts ...FactoryOption) *Factory {
	f := &Factory{
		core:    core,
		timeout: 5 * time.Second,
		window:  10 * time.Millisecond,
		proxies: make(map[string]*Proxy),
	}
	for _, opt := range opts {
		opt(f)
	}

	core.RegisterSlot(slotChanged, f.onChanged)
	core.RegisterSlot(slotSchemaUpdated, f.onSchemaUpdated)
	core.Process().Topology.OnChange(func(ev device.TopologyEvent) {
		if ev.Kind == "gone" {
			f.markGone(ev.InstanceID)
		}
	})
	return f
}

// Get fetches schema and configuration of a remote device and returns
// its proxy. Repeated calls return the same proxy.
func (f *Factory) Get(ctx context.Context, deviceID string) (*Proxy, error) {
	f.mu.Lock()
	if p, ok := f.proxies[deviceID]; ok {
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	reply, err := f.core.Call(ctx, deviceID, device.SlotGetSchema, f.timeout, false)
	if err != nil {
		return nil, err
	}
	ws, err := reply.Payload.GetSchema("a1")
	if err != nil {
		return nil, err
	}
	sch, err := schema.FromHash(ws)
	if err != nil {
		return nil, err
	}

	reply, err = f.core.Call(ctx, deviceID, device.SlotGetConfiguration, f.timeout)
	if err != nil {
		return nil, err
	}
	values, err := reply.ArgHash(0)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		factory:  f,
		deviceID: deviceID,
		sch:      sch,
		values:   values.Clone(),
		alive:    true,
		queues:   make(map[string][]*Queue),
	}
	if f.aliases != nil {
		p.aliases = f.aliases[ws.Name]
	}

	f.mu.Lock()
	if existing, ok := f.proxies[deviceID]; ok {
		f.mu.Unlock()
		return existing, nil
	}
	f.proxies[deviceID] = p
	f.mu.Unlock()
	return p, nil
}

// Forget drops a proxy from the factory's cache.
func (f *Factory) Forget(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.proxies, deviceID)
}

func (f *Factory) lookup(deviceID string) *Proxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proxies[deviceID]
}

func (f *Factory) onChanged(_ context.Context, msg *broker.Message) ([]any, error) {
	delta, err := msg.ArgHash(0)
	if err != nil {
		return nil, err
	}
	deviceID, err := msg.ArgString(1)
	if err != nil {
		return nil, err
	}
	if p := f.lookup(deviceID); p != nil {
		p.applyDelta(delta)
	}
	return nil, nil
}

func (f *Factory) onSchemaUpdated(_ context.Context, msg *broker.Message) ([]any, error) {
	ws, err := msg.Payload.GetSchema("a1")
	if err != nil {
		return nil, err
	}
	deviceID, err := msg.ArgString(1)
	if err != nil {
		return nil, err
	}
	if p := f.lookup(deviceID); p != nil {
		if sch, err := schema.FromHash(ws); err == nil {
			p.applySchema(sch)
		}
	}
	return nil, nil
}

func (f *Factory) markGone(deviceID string) {
	if p := f.lookup(deviceID); p != nil {
		p.markGone()
	}
}

// Proxy is the local mirror of one remote device.
type Proxy struct {
	factory  *Factory
	deviceID string
	aliases  schema.StateMap

	mu       sync.Mutex
	sch      *schema.Schema
	values   *hash.Hash
	alive    bool
	useCount int
	lingerT  *time.Timer

	pending    *hash.Hash
	flushTimer *time.Timer
	flushErr   error

	waiters []*waiter
	queues  map[string][]*Queue
}

// DeviceID returns the mirrored device's id.
func (p *Proxy) DeviceID() string {
	return p.deviceID
}

// Schema returns the mirrored schema.
func (p *Proxy) Schema() *schema.Schema {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sch
}

// Alive reports whether the remote device is still present.
func (p *Proxy) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// State returns the mirrored device state.
func (p *Proxy) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values.GetStringDefault("state", "UNKNOWN")
}

// Get returns the mirrored value at path. A dead device fails with
// Disconnected.
func (p *Proxy) Get(path string) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return nil, errors.NewDisconnected(p.deviceID, "proxy", "Get")
	}
	return p.values.Get(path)
}

// GetWithTimestamp returns the mirrored value and its last-change stamp.
func (p *Proxy) GetWithTimestamp(path string) (any, timestamp.Timestamp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return nil, timestamp.Timestamp{}, errors.NewDisconnected(p.deviceID, "proxy", "GetWithTimestamp")
	}
	v, err := p.values.Get(path)
	if err != nil {
		return nil, timestamp.Timestamp{}, err
	}
	if ms, err := p.values.Attribute(path, schema.TimestampAttr); err == nil {
		if stamp, ok := ms.(int64); ok {
			return v, timestamp.FromUnixMs(stamp), nil
		}
	}
	return v, timestamp.Timestamp{}, nil
}

// Acquire increments the use-count; the first acquisition connects the
// device's change signals to this process.
func (p *Proxy) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.lingerT != nil {
		p.lingerT.Stop()
		p.lingerT = nil
	}
	p.useCount++
	first := p.useCount == 1
	p.mu.Unlock()
	if !first {
		return nil
	}
	return p.connect(ctx)
}

// Release decrements the use-count; after the last release any pending
// writes are flushed and the change connection is dropped (after the
// configured linger).
func (p *Proxy) Release(ctx context.Context) error {
	flushErr := p.Update(ctx)

	p.mu.Lock()
	if p.useCount > 0 {
		p.useCount--
	}
	last := p.useCount == 0
	linger := p.factory.linger
	p.mu.Unlock()
	if !last {
		return flushErr
	}

	if linger <= 0 {
		if err := p.disconnect(ctx); err != nil && flushErr == nil {
			flushErr = err
		}
		return flushErr
	}
	p.mu.Lock()
	p.lingerT = time.AfterFunc(linger, func() {
		p.mu.Lock()
		idle := p.useCount == 0
		p.mu.Unlock()
		if idle {
			_ = p.disconnect(context.Background())
		}
	})
	p.mu.Unlock()
	return flushErr
}

func (p *Proxy) connect(ctx context.Context) error {
	core := p.factory.core
	for signal, slot := range map[string]string{
		device.SignalChanged:       slotChanged,
		device.SignalSchemaUpdated: slotSchemaUpdated,
	} {
		reply, err := core.Call(ctx, p.deviceID, device.SlotConnectToSignal, p.factory.timeout,
			signal, core.InstanceID(), slot)
		if err != nil {
			return err
		}
		if ok, err := reply.Payload.GetBool("a1"); err != nil || !ok {
			return errors.NewProtocolMisuse("device refused signal connection " + signal)
		}
	}
	return nil
}

func (p *Proxy) disconnect(ctx context.Context) error {
	if !p.Alive() {
		return nil
	}
	core := p.factory.core
	var firstErr error
	for signal, slot := range map[string]string{
		device.SignalChanged:       slotChanged,
		device.SignalSchemaUpdated: slotSchemaUpdated,
	} {
		_, err := core.Call(ctx, p.deviceID, device.SlotDisconnectFrom, p.factory.timeout,
			signal, core.InstanceID(), slot)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Set coalesces a write: every value set inside one window travels in a
// single slotReconfigure. Allowed-states violations warn immediately
// and fail the flush.
func (p *Proxy) Set(path string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return errors.NewDisconnected(p.deviceID, "proxy", "Set")
	}
	d, ok := p.sch.Descriptor(path)
	if !ok {
		return errors.NewKeyNotFound(path)
	}
	state := p.values.GetStringDefault("state", "UNKNOWN")
	if !d.StateAllowed(state, p.aliases) {
		p.factory.core.Logger().Warn("write not allowed in current state",
			"device", p.deviceID, "key", path, "state", state)
	}

	if p.pending == nil {
		p.pending = hash.New()
	}
	if err := p.pending.Set(path, value); err != nil {
		return err
	}
	if p.flushTimer == nil {
		p.flushTimer = time.AfterFunc(p.factory.window, func() {
			if err := p.Update(context.Background()); err != nil {
				p.factory.core.Logger().Error("deferred reconfigure failed",
					"device", p.deviceID, "error", err)
			}
		})
	}
	return nil
}

// Update flushes the pending write batch as one slotReconfigure and
// returns its outcome. With nothing pending it returns any error left
// by a failed deferred flush.
func (p *Proxy) Update(ctx context.Context) error {
	p.mu.Lock()
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	batch := p.pending
	p.pending = nil
	err := p.flushErr
	p.flushErr = nil
	state := p.values.GetStringDefault("state", "UNKNOWN")
	sch := p.sch
	alive := p.alive
	p.mu.Unlock()

	if batch == nil {
		return err
	}
	if !alive {
		return errors.NewDisconnected(p.deviceID, "proxy", "Update")
	}

	for _, path := range batch.Paths() {
		if d, ok := sch.Descriptor(path); ok && !d.StateAllowed(state, p.aliases) {
			return errors.NewStateForbidden(path, state)
		}
	}

	reply, callErr := p.factory.core.Call(ctx, p.deviceID, device.SlotReconfigure,
		p.factory.timeout, batch)
	if callErr != nil {
		p.rememberFlushErr(callErr)
		return callErr
	}
	if ok, berr := reply.Payload.GetBool("a1"); berr == nil && !ok {
		reason, _ := reply.ArgString(1)
		verr := errors.NewValidation(p.deviceID, reason)
		p.rememberFlushErr(verr)
		return verr
	}
	return nil
}

func (p *Proxy) rememberFlushErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushErr = err
}

// CallSlot invokes a remote slot and translates a negative reply into a
// typed error.
func (p *Proxy) CallSlot(ctx context.Context, slotName string, args ...any) (*broker.Message, error) {
	if !p.Alive() {
		return nil, errors.NewDisconnected(p.deviceID, "proxy", slotName)
	}
	reply, err := p.factory.core.Call(ctx, p.deviceID, slotName, p.factory.timeout, args...)
	if err != nil {
		return nil, err
	}
	if ok, berr := reply.Payload.GetBool("a1"); berr == nil && !ok {
		reason, _ := reply.ArgString(1)
		return nil, errors.NewValidation(slotName, reason)
	}
	return reply, nil
}

// applyDelta merges an inbound change and wakes waiters and queues.
func (p *Proxy) applyDelta(delta *hash.Hash) {
	p.mu.Lock()
	p.values.Merge(delta, hash.MergeMergeAttributes)
	paths := delta.Paths()

	var fired []*waiter
	kept := p.waiters[:0]
	for _, w := range p.waiters {
		if w.matches(paths) {
			fired = append(fired, w)
		} else {
			kept = append(kept, w)
		}
	}
	p.waiters = kept

	for _, path := range paths {
		for _, q := range p.queues[path] {
			v, err := delta.Get(path)
			if err != nil {
				continue
			}
			var ts timestamp.Timestamp
			if ms, err := delta.Attribute(path, schema.TimestampAttr); err == nil {
				if stamp, ok := ms.(int64); ok {
					ts = timestamp.FromUnixMs(stamp)
				}
			}
			q.push(QueueValue{Value: v, Timestamp: ts})
		}
	}
	p.mu.Unlock()

	for _, w := range fired {
		close(w.ch)
	}
}

func (p *Proxy) applySchema(sch *schema.Schema) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sch = sch
}

func (p *Proxy) markGone() {
	p.mu.Lock()
	p.alive = false
	waiters := p.waiters
	p.waiters = nil
	var queues []*Queue
	for _, qs := range p.queues {
		queues = append(queues, qs...)
	}
	p.mu.Unlock()
	for _, w := range waiters {
		close(w.ch)
	}
	for _, q := range queues {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}
