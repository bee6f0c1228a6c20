package device

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/European-XFEL/Karabo-sub006/broker"
	"github.com/European-XFEL/Karabo-sub006/configurable"
	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/schema"
)

// Standard signal and slot names every device speaks.
const (
	SignalChanged       = "signalChanged"
	SignalSchemaUpdated = "signalSchemaUpdated"
	SignalHeartbeat     = "signalHeartbeat"

	SlotPing             = "slotPing"
	SlotHeartbeat        = "slotHeartbeat"
	SlotGetConfiguration = "slotGetConfiguration"
	SlotReconfigure      = "slotReconfigure"
	SlotGetSchema        = "slotGetSchema"
	SlotKillDevice       = "slotKillDevice"
	SlotConnectToSignal  = "slotConnectToSignal"
	SlotDisconnectFrom   = "slotDisconnectFromSignal"
	SlotClearLock        = "slotClearLock"
	SlotHasSlot          = "slotHasSlot"
	SlotDiscover         = "slotDiscover"
	SlotDiscoverAnswer   = "slotDiscoverAnswer"
	SlotInstanceNew      = "slotInstanceNew"
	SlotInstanceGone     = "slotInstanceGone"
	SlotInstanceUpdated  = "slotInstanceUpdated"
	SlotStopTracking     = "slotStopTrackingExistenceOfConnection"
)

// Device is one addressable instance: the messaging core plus a
// validated configuration and the standard slot set.
type Device struct {
	*SignalSlotable

	conf    *configurable.Configurable
	tracker *Tracker
	aliases schema.StateMap

	pingCookie      string
	pingTimeout     time.Duration
	shutdownTimeout time.Duration
	onDestruction   func(ctx context.Context) error
	archive         *bool

	killOnce sync.Once
	killErr  error
}

// Option adjusts device construction.
type Option func(*Device)

// WithOnDestruction installs a hook run before teardown, bounded by the
// shutdown timeout.
func WithOnDestruction(fn func(ctx context.Context) error) Option {
	return func(d *Device) { d.onDestruction = fn }
}

// WithShutdownTimeout bounds the total teardown time.
func WithShutdownTimeout(t time.Duration) Option {
	return func(d *Device) { d.shutdownTimeout = t }
}

// WithPingTimeout sets how long startup waits for a duplicate-id reply.
func WithPingTimeout(t time.Duration) Option {
	return func(d *Device) { d.pingTimeout = t }
}

// WithStateAliases installs the advisory state alias map used by
// allowed-states checks.
func WithStateAliases(m schema.StateMap) Option {
	return func(d *Device) { d.aliases = m }
}

// WithArchive sets the archive flag announced in the instance info.
// Unset, the field stays absent.
func WithArchive(b bool) Option {
	return func(d *Device) { d.archive = &b }
}

// baseDescriptors is the property set every device carries in front of
// its class descriptors.
func baseDescriptors() []*schema.Descriptor {
	return []*schema.Descriptor{
		{Key: "deviceId", ValueType: hash.TypeString, Access: schema.InitOnly, Default: ""},
		{Key: "classId", ValueType: hash.TypeString, Access: schema.ReadOnly, Default: ""},
		{Key: "serverId", ValueType: hash.TypeString, Access: schema.ReadOnly, Default: ""},
		{Key: "hostName", ValueType: hash.TypeString, Access: schema.ReadOnly, Default: ""},
		{Key: "state", ValueType: hash.TypeString, Access: schema.ReadOnly, Default: "UNKNOWN"},
		{Key: "status", ValueType: hash.TypeString, Access: schema.ReadOnly, Default: "ok"},
		{Key: "lockedBy", ValueType: hash.TypeString, Default: ""},
		{Key: "heartbeatInterval", ValueType: hash.TypeInt32, Default: int32(20), MinInc: int32(1)},
	}
}

// New builds a device from its class descriptors and an initial
// configuration. The device is not on the broker until Start.
func New(proc *ProcessContext, classID, deviceID string, descriptors []*schema.Descriptor, config *hash.Hash, opts ...Option) (*Device, error) {
	full := append(baseDescriptors(), descriptors...)
	sch, err := schema.New(classID, full...)
	if err != nil {
		return nil, err
	}

	if config == nil {
		config = hash.New()
	} else {
		config = config.Clone()
	}
	_ = config.Set("deviceId", deviceID)
	_ = config.Set("classId", classID)
	_ = config.Set("serverId", proc.ServerID)
	_ = config.Set("hostName", proc.Hostname)

	conf, err := configurable.New(classID, sch, config)
	if err != nil {
		return nil, err
	}

	core, err := NewSignalSlotable(proc, deviceID, classID)
	if err != nil {
		return nil, err
	}

	d := &Device{
		SignalSlotable:  core,
		conf:            conf,
		tracker:         NewTracker(),
		pingTimeout:     time.Second,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	conf.SetStateAliases(d.aliases)

	core.RegisterSignal(SignalChanged, hash.TypeHash, hash.TypeString)
	core.RegisterSignal(SignalSchemaUpdated, hash.TypeSchema, hash.TypeString)
	core.RegisterSignal(SignalHeartbeat, hash.TypeString, hash.TypeInt32, hash.TypeHash)

	conf.OnChange(func(delta *hash.Hash) {
		_ = d.EmitSignal(d.tasks.Context(), SignalChanged, delta, deviceID)
	})
	conf.OnSchemaUpdate(func(s *schema.Schema) {
		_ = d.EmitSignal(d.tasks.Context(), SignalSchemaUpdated, s.ToHash(), deviceID)
	})

	d.tracker.OnDead(func(id string) {
		d.notifyInstanceGone(id)
	})

	d.registerStandardSlots()
	return d, nil
}

// Configurable exposes the device's schema and values.
func (d *Device) Configurable() *configurable.Configurable {
	return d.conf
}

// Tracker exposes the heartbeat tracker.
func (d *Device) Tracker() *Tracker {
	return d.tracker
}

// State returns the current device state.
func (d *Device) State() string {
	v, _ := d.conf.GetDefault("state", "UNKNOWN").(string)
	return v
}

// UpdateState sets the device state, emitting signalChanged.
func (d *Device) UpdateState(state string) error {
	return d.conf.SetLocal("state", state)
}

// Set writes one of the device's own properties, read-only included.
func (d *Device) Set(path string, value any) error {
	return d.conf.SetLocal(path, value)
}

// Get reads a property value.
func (d *Device) Get(path string) (any, error) {
	return d.conf.Get(path)
}

// InjectParameters adds or replaces descriptors at runtime, seeding the
// given values, and announces the schema change.
func (d *Device) InjectParameters(descriptors []*schema.Descriptor, values *hash.Hash) error {
	return d.conf.Inject(descriptors, values)
}

func (d *Device) heartbeatInterval() time.Duration {
	secs, _ := d.conf.GetDefault("heartbeatInterval", int32(20)).(int32)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// instanceInfo is the hash announced in slotInstanceNew, heartbeats and
// ping replies.
func (d *Device) instanceInfo() *hash.Hash {
	secs, _ := d.conf.GetDefault("heartbeatInterval", int32(20)).(int32)
	status, _ := d.conf.GetDefault("status", "ok").(string)
	info := hash.New(
		"type", "device",
		"classId", d.classID,
		"serverId", d.proc.ServerID,
		"host", d.proc.Hostname,
		"status", status,
		"heartbeatInterval", secs,
		"capabilities", uint32(0),
	)
	if d.archive != nil {
		_ = info.Set("archive", *d.archive)
	}
	return info
}

// Start brings the device onto the broker: consume, claim the id via a
// self-ping, announce the instance, begin heartbeating. A duplicate id
// shuts the device down and fails with ErrDuplicateInstanceID.
func (d *Device) Start(ctx context.Context) error {
	if err := d.SignalSlotable.Start(ctx); err != nil {
		return err
	}

	d.pingCookie = uuid.NewString()
	_, err := d.Call(ctx, d.instanceID, SlotPing, d.pingTimeout, d.instanceID, d.pingCookie, false)
	if err == nil {
		// someone answered: the id is taken
		_ = d.Stop(ctx)
		return errors.ErrDuplicateInstanceID
	}
	if !errors.IsTimeout(err) {
		_ = d.Stop(ctx)
		return err
	}

	if err := d.EmitBroadcast(ctx, SlotInstanceNew, SlotInstanceNew, d.instanceID, d.instanceInfo()); err != nil {
		_ = d.Stop(ctx)
		return err
	}

	d.tasks.Go("heartbeat", func(taskCtx context.Context) error {
		return d.heartbeatLoop(taskCtx)
	})
	d.tasks.Go("tracker", func(taskCtx context.Context) error {
		return d.tracker.Run(taskCtx, time.Second)
	})
	return nil
}

func (d *Device) heartbeatLoop(ctx context.Context) error {
	for {
		interval := d.heartbeatInterval()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
		secs := int32(interval / time.Second)
		err := d.EmitBroadcast(ctx, SignalHeartbeat, SlotHeartbeat, d.instanceID, secs, d.instanceInfo())
		if err != nil && ctx.Err() == nil {
			d.logger.Error("heartbeat emit failed", "error", err)
		}
	}
}

// Kill tears the device down: destruction hook, background tasks,
// instanceGone broadcast, broker session. Idempotent.
func (d *Device) Kill(ctx context.Context) error {
	d.killOnce.Do(func() {
		if d.onDestruction != nil {
			hookCtx, cancel := context.WithTimeout(ctx, d.shutdownTimeout)
			if err := d.onDestruction(hookCtx); err != nil {
				d.logger.Error("destruction hook failed", "error", err)
			}
			cancel()
		}
		// stop heartbeats before announcing the departure
		d.tasks.Cancel()
		if err := d.CallNoWait(ctx, broker.Broadcast, SlotInstanceGone, d.instanceID, d.instanceInfo()); err != nil {
			d.logger.Error("instanceGone broadcast failed", "error", err)
		}
		d.killErr = d.session.Close(ctx)
	})
	return d.killErr
}

func (d *Device) registerStandardSlots() {
	d.RegisterSlot(SlotPing, d.slotPing)
	d.RegisterSlot(SlotHeartbeat, d.slotHeartbeat)
	d.RegisterSlot(SlotGetConfiguration, d.slotGetConfiguration)
	d.RegisterSlot(SlotReconfigure, d.slotReconfigure)
	d.RegisterSlot(SlotGetSchema, d.slotGetSchema)
	d.RegisterSlot(SlotKillDevice, d.slotKillDevice)
	d.RegisterSlot(SlotConnectToSignal, d.slotConnectToSignal)
	d.RegisterSlot(SlotDisconnectFrom, d.slotDisconnectFromSignal)
	d.RegisterSlot(SlotClearLock, d.slotClearLock)
	d.RegisterSlot(SlotHasSlot, d.slotHasSlot)
	d.RegisterSlot(SlotDiscover, d.slotDiscover)
	d.RegisterSlot(SlotDiscoverAnswer, d.slotDiscoverAnswer)
	d.RegisterSlot(SlotInstanceNew, d.slotInstanceNew)
	d.RegisterSlot(SlotInstanceGone, d.slotInstanceGone)
	d.RegisterSlot(SlotInstanceUpdated, d.slotInstanceUpdated)
	d.RegisterSlot(SlotStopTracking, d.slotStopTracking)
}

func (d *Device) slotPing(_ context.Context, msg *broker.Message) ([]any, error) {
	rand, _ := msg.ArgString(1)
	if rand != "" && rand == d.pingCookie {
		// own startup cookie, stay silent
		return nil, errNoReply
	}
	if track, err := msg.Payload.GetBool("a3"); err == nil && track {
		d.tracker.Track(msg.SignalInstanceID(), d.heartbeatInterval())
	}
	return []any{d.instanceInfo()}, nil
}

func (d *Device) slotHeartbeat(_ context.Context, msg *broker.Message) ([]any, error) {
	id, err := msg.ArgString(0)
	if err != nil {
		return nil, err
	}
	var interval time.Duration
	if secs, err := msg.Payload.GetInt("a2"); err == nil && secs > 0 {
		interval = time.Duration(secs) * time.Second
	}
	d.tracker.Beat(id, interval)
	return nil, errNoReply
}

func (d *Device) slotGetConfiguration(_ context.Context, _ *broker.Message) ([]any, error) {
	return []any{d.conf.Configuration(), d.instanceID}, nil
}

func (d *Device) slotReconfigure(_ context.Context, msg *broker.Message) ([]any, error) {
	input, err := msg.ArgHash(0)
	if err != nil {
		return nil, err
	}
	caller := msg.SignalInstanceID()
	holder, _ := d.conf.GetDefault("lockedBy", "").(string)
	if holder != "" && caller != holder {
		return nil, errors.NewLocked(holder, d.instanceID)
	}
	if _, err := d.conf.Apply(input, d.State()); err != nil {
		return nil, err
	}
	return []any{true, ""}, nil
}

func (d *Device) slotGetSchema(_ context.Context, msg *broker.Message) ([]any, error) {
	sch := d.conf.Schema()
	if only, err := msg.Payload.GetBool("a1"); err == nil && only {
		sch = sch.FilterByState(d.State(), d.aliases)
	}
	return []any{sch.ToHash(), d.instanceID}, nil
}

func (d *Device) slotKillDevice(ctx context.Context, msg *broker.Message) ([]any, error) {
	d.reply(ctx, msg, true)
	go func() {
		_ = d.Kill(context.Background())
	}()
	return nil, errNoReply
}

func (d *Device) slotConnectToSignal(_ context.Context, msg *broker.Message) ([]any, error) {
	signalName, err := msg.ArgString(0)
	if err != nil {
		return nil, err
	}
	instanceID, _ := msg.ArgString(1)
	if instanceID == "" {
		instanceID = msg.SignalInstanceID()
	}
	slotName, err := msg.ArgString(2)
	if err != nil {
		return nil, err
	}
	if err := d.connectSignal(signalName, instanceID, slotName); err != nil {
		return []any{false}, nil
	}
	return []any{true}, nil
}

func (d *Device) slotDisconnectFromSignal(_ context.Context, msg *broker.Message) ([]any, error) {
	signalName, err := msg.ArgString(0)
	if err != nil {
		return nil, err
	}
	instanceID, _ := msg.ArgString(1)
	if instanceID == "" {
		instanceID = msg.SignalInstanceID()
	}
	slotName, err := msg.ArgString(2)
	if err != nil {
		return nil, err
	}
	return []any{d.disconnectSignal(signalName, instanceID, slotName)}, nil
}

func (d *Device) slotClearLock(_ context.Context, _ *broker.Message) ([]any, error) {
	if err := d.conf.SetLocal("lockedBy", ""); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Device) slotHasSlot(_ context.Context, msg *broker.Message) ([]any, error) {
	name, err := msg.ArgString(0)
	if err != nil {
		return nil, err
	}
	return []any{d.HasSlot(name)}, nil
}

func (d *Device) slotDiscover(ctx context.Context, msg *broker.Message) ([]any, error) {
	requestor, _ := msg.ArgString(0)
	if requestor == "" {
		requestor = msg.SignalInstanceID()
	}
	if requestor == d.instanceID {
		return nil, errNoReply
	}
	_ = d.CallNoWait(ctx, requestor, SlotDiscoverAnswer, d.instanceID, d.instanceInfo())
	return nil, errNoReply
}

func (d *Device) slotDiscoverAnswer(_ context.Context, msg *broker.Message) ([]any, error) {
	id, err := msg.ArgString(0)
	if err != nil {
		return nil, err
	}
	info, err := msg.ArgHash(1)
	if err != nil {
		return nil, err
	}
	d.proc.Topology.Add(id, info)
	return nil, errNoReply
}

func (d *Device) slotInstanceNew(_ context.Context, msg *broker.Message) ([]any, error) {
	id, err := msg.ArgString(0)
	if err != nil {
		return nil, err
	}
	info, err := msg.ArgHash(1)
	if err != nil {
		return nil, err
	}
	d.proc.Topology.Add(id, info)
	d.updateTopologyGauge()
	return nil, errNoReply
}

func (d *Device) slotInstanceGone(_ context.Context, msg *broker.Message) ([]any, error) {
	id, err := msg.ArgString(0)
	if err != nil {
		return nil, err
	}
	if id != d.instanceID {
		d.notifyInstanceGone(id)
		d.tracker.Untrack(id)
	}
	d.proc.Topology.Remove(id)
	d.updateTopologyGauge()
	return nil, errNoReply
}

func (d *Device) slotInstanceUpdated(_ context.Context, msg *broker.Message) ([]any, error) {
	id, err := msg.ArgString(0)
	if err != nil {
		return nil, err
	}
	info, err := msg.ArgHash(1)
	if err != nil {
		return nil, err
	}
	d.proc.Topology.Update(id, info)
	return nil, errNoReply
}

func (d *Device) slotStopTracking(_ context.Context, msg *broker.Message) ([]any, error) {
	id, err := msg.ArgString(0)
	if err != nil {
		return nil, err
	}
	d.tracker.Untrack(id)
	return nil, errNoReply
}

func (d *Device) updateTopologyGauge() {
	if d.proc.Metrics != nil {
		d.proc.Metrics.KnownInstances.Set(float64(len(d.proc.Topology.IDs())))
	}
}
