package device

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/European-XFEL/Karabo-sub006/broker"
	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
)

// SlotFunc handles one slot invocation and returns the reply payload.
// Returning an error replies (false, reason) to the caller.
type SlotFunc func(ctx context.Context, msg *broker.Message) ([]any, error)

// ExceptionHook observes slot failures. Its own panics are swallowed.
type ExceptionHook func(slot string, err error, stack string)

// errNoReply suppresses the automatic reply; slots that answer manually
// (or must stay silent, like slotPing on an own cookie) return it.
var errNoReply = stderrors.New("no reply")

type slot struct {
	name string
	fn   SlotFunc
	coro bool
}

type pendingCall struct {
	target string
	ch     chan *broker.Message
	gone   chan struct{}
}

// SignalSlotable is the messaging core of every instance: a slot
// registry dispatching inbound frames, declared signals with connected
// remote slots, and a reply correlator for outbound calls.
type SignalSlotable struct {
	session    broker.Session
	proc       *ProcessContext
	instanceID string
	classID    string
	logger     *slog.Logger
	tasks      *taskGroup

	counter atomic.Uint64

	mu          sync.Mutex
	slots       map[string]*slot
	signals     map[string]*Signal
	pending     map[string]*pendingCall
	onException ExceptionHook
	started     bool
}

// NewSignalSlotable binds an instance id to a broker session on the
// process transport.
func NewSignalSlotable(proc *ProcessContext, instanceID, classID string) (*SignalSlotable, error) {
	session, err := broker.NewSession(proc.Transport, instanceID, classID)
	if err != nil {
		return nil, err
	}
	logger := proc.Logger.With("instanceId", instanceID)
	return &SignalSlotable{
		session:    session,
		proc:       proc,
		instanceID: instanceID,
		classID:    classID,
		logger:     logger,
		tasks:      newTaskGroup(context.Background(), logger),
		slots:      make(map[string]*slot),
		signals:    make(map[string]*Signal),
		pending:    make(map[string]*pendingCall),
	}, nil
}

// InstanceID returns the instance id this core answers for.
func (s *SignalSlotable) InstanceID() string {
	return s.instanceID
}

// ClassID returns the class id announced on every frame.
func (s *SignalSlotable) ClassID() string {
	return s.classID
}

// Process returns the process context this instance runs in.
func (s *SignalSlotable) Process() *ProcessContext {
	return s.proc
}

// Logger returns the instance-scoped logger.
func (s *SignalSlotable) Logger() *slog.Logger {
	return s.logger
}

// RegisterSlot adds a synchronous slot. The handler runs inline on the
// consumer; it must not block on broker replies.
func (s *SignalSlotable) RegisterSlot(name string, fn SlotFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[name] = &slot{name: name, fn: fn}
}

// RegisterCoroSlot adds a slot whose handler runs on its own goroutine,
// so it may issue calls and await replies.
func (s *SignalSlotable) RegisterCoroSlot(name string, fn SlotFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[name] = &slot{name: name, fn: fn, coro: true}
}

// HasSlot reports whether a slot is registered.
func (s *SignalSlotable) HasSlot(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[name]
	return ok
}

// RegisterSignal declares a signal with its argument-type tuple.
func (s *SignalSlotable) RegisterSignal(name string, argTypes ...hash.Type) *Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig := newSignal(name, argTypes)
	s.signals[name] = sig
	return sig
}

// Signal returns a declared signal by name.
func (s *SignalSlotable) Signal(name string) (*Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[name]
	return sig, ok
}

// SetExceptionHook installs the observer for slot failures.
func (s *SignalSlotable) SetExceptionHook(fn ExceptionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onException = fn
}

// Start begins consuming frames addressed to this instance.
func (s *SignalSlotable) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()
	return s.session.Consume(ctx, s.dispatch)
}

// Stop cancels background tasks and releases the broker session.
func (s *SignalSlotable) Stop(ctx context.Context) error {
	s.tasks.Cancel()
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return s.session.Close(ctx)
}

// dispatch routes one inbound frame: replies go to their correlator,
// everything else to the named slots.
func (s *SignalSlotable) dispatch(ctx context.Context, msg *broker.Message) {
	function := msg.Header[broker.HeaderSignalFunction]
	if s.proc.Metrics != nil {
		s.proc.Metrics.FramesConsumed.WithLabelValues(function).Inc()
	}

	if function == broker.ReplyFunction {
		s.deliverReply(msg)
		return
	}

	groups, _ := broker.ParseSlotFunctionGroups(msg.Header[broker.HeaderSlotFunctions])
	names := append([]string(nil), groups[s.instanceID]...)
	names = append(names, groups[broker.Broadcast]...)

	for _, name := range names {
		s.mu.Lock()
		sl, ok := s.slots[name]
		s.mu.Unlock()
		if !ok {
			if msg.ReplyTo() != "" {
				s.reply(ctx, msg, false, fmt.Sprintf("instance %q has no slot %q", s.instanceID, name))
			}
			continue
		}
		if sl.coro {
			s.tasks.Go("slot "+name, func(taskCtx context.Context) error {
				s.invoke(taskCtx, sl, msg)
				return nil
			})
		} else {
			s.invoke(ctx, sl, msg)
		}
	}
}

// invoke runs one slot under its try boundary: panics and errors are
// logged, surfaced to the caller as (false, reason) and handed to the
// exception hook, never re-raised into the consumer.
func (s *SignalSlotable) invoke(ctx context.Context, sl *slot, msg *broker.Message) {
	start := time.Now()
	var rets []any
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("slot %s panicked: %v", sl.name, r)
				s.logger.Error("slot panicked",
					"slot", sl.name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		rets, err = sl.fn(ctx, msg)
	}()

	if s.proc.Metrics != nil {
		outcome := "ok"
		if err != nil && err != errNoReply {
			outcome = "error"
		}
		s.proc.Metrics.SlotInvocations.WithLabelValues(sl.name, outcome).Inc()
		s.proc.Metrics.SlotDuration.WithLabelValues(sl.name).Observe(time.Since(start).Seconds())
	}

	if err == errNoReply {
		return
	}
	if err != nil {
		s.logger.Error("slot failed", "slot", sl.name, "error", err)
		s.reply(ctx, msg, false, err.Error())
		s.callExceptionHook(sl.name, err)
		return
	}
	s.reply(ctx, msg, rets...)
}

func (s *SignalSlotable) callExceptionHook(slotName string, err error) {
	s.mu.Lock()
	hook := s.onException
	s.mu.Unlock()
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("exception hook panicked", "slot", slotName, "panic", r)
		}
	}()
	hook(slotName, err, string(debug.Stack()))
}

// reply routes the slot's return values back to the caller. Frames
// without a reply token and without reply forwards produce nothing.
func (s *SignalSlotable) reply(ctx context.Context, msg *broker.Message, args ...any) {
	if msg.ReplyTo() == "" && msg.Header[broker.HeaderReplyInstanceIDs] == "" {
		return
	}
	if err := s.session.Reply(ctx, msg, args...); err != nil {
		s.logger.Error("reply failed", "slot", msg.SlotFunction(), "error", err)
	}
}

func (s *SignalSlotable) deliverReply(msg *broker.Message) {
	token := msg.Header[broker.HeaderReplyFrom]
	s.mu.Lock()
	p, ok := s.pending[token]
	if ok {
		delete(s.pending, token)
	}
	s.mu.Unlock()
	if !ok {
		// late reply after timeout or cancellation, drop it
		return
	}
	p.ch <- msg
}

func (s *SignalSlotable) newToken() string {
	return fmt.Sprintf("%s-%d", s.instanceID, s.counter.Add(1))
}

// Call invokes a slot on a remote instance and awaits the reply. Expiry
// of the timeout rejects with a Timeout error; losing the target while
// waiting rejects with Disconnected; cancellation removes the
// correlator, a late reply is dropped.
func (s *SignalSlotable) Call(ctx context.Context, target, slotName string, timeout time.Duration, args ...any) (*broker.Message, error) {
	token := s.newToken()
	p := &pendingCall{
		target: target,
		ch:     make(chan *broker.Message, 1),
		gone:   make(chan struct{}),
	}
	s.mu.Lock()
	s.pending[token] = p
	s.mu.Unlock()

	drop := func() {
		s.mu.Lock()
		delete(s.pending, token)
		s.mu.Unlock()
	}

	if err := s.session.Call(ctx, slotName, []string{target}, token, args...); err != nil {
		drop()
		return nil, err
	}
	if s.proc.Metrics != nil {
		s.proc.Metrics.FramesPublished.WithLabelValues(broker.CallFunction).Inc()
	}

	// timeout <= 0 disables the deadline; the call waits for the reply
	// or the caller's context.
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case reply := <-p.ch:
		return reply, nil
	case <-p.gone:
		drop()
		return nil, errors.NewDisconnected(target, "device", slotName)
	case <-expired:
		drop()
		if s.proc.Metrics != nil {
			s.proc.Metrics.CallTimeouts.WithLabelValues(target).Inc()
		}
		return nil, errors.NewTimeout(timeout, "device", slotName)
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

// CallNoWait invokes a slot without registering a correlator.
func (s *SignalSlotable) CallNoWait(ctx context.Context, target, slotName string, args ...any) error {
	if err := s.session.Call(ctx, slotName, []string{target}, "", args...); err != nil {
		return err
	}
	if s.proc.Metrics != nil {
		s.proc.Metrics.FramesPublished.WithLabelValues(broker.CallFunction).Inc()
	}
	return nil
}

// EmitSignal casts the arguments and publishes the signal to every
// connected slot. Signals with no connections publish nothing.
func (s *SignalSlotable) EmitSignal(ctx context.Context, name string, args ...any) error {
	s.mu.Lock()
	sig, ok := s.signals[name]
	s.mu.Unlock()
	if !ok {
		return errors.NewKeyNotFound(name)
	}
	cast, err := sig.castArgs(args)
	if err != nil {
		return err
	}
	targets := sig.targets()
	if len(targets) == 0 {
		return nil
	}
	if err := s.session.Emit(ctx, name, targets, cast...); err != nil {
		return err
	}
	if s.proc.Metrics != nil {
		s.proc.Metrics.FramesPublished.WithLabelValues(name).Inc()
	}
	return nil
}

// EmitBroadcast publishes a signal to one slot on every instance.
func (s *SignalSlotable) EmitBroadcast(ctx context.Context, name, slotName string, args ...any) error {
	err := s.session.Emit(ctx, name, map[string][]string{broker.Broadcast: {slotName}}, args...)
	if err != nil {
		return err
	}
	if s.proc.Metrics != nil {
		s.proc.Metrics.FramesPublished.WithLabelValues(name).Inc()
	}
	return nil
}

// connectSignal wires a remote slot to a local signal.
func (s *SignalSlotable) connectSignal(signalName, instanceID, slotName string) error {
	s.mu.Lock()
	sig, ok := s.signals[signalName]
	s.mu.Unlock()
	if !ok {
		return errors.NewKeyNotFound(signalName)
	}
	sig.connect(instanceID, slotName)
	return nil
}

// disconnectSignal removes a remote slot from a local signal.
func (s *SignalSlotable) disconnectSignal(signalName, instanceID, slotName string) bool {
	s.mu.Lock()
	sig, ok := s.signals[signalName]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return sig.disconnect(instanceID, slotName)
}

// notifyInstanceGone rejects pending calls to the lost instance and
// drops its signal connections.
func (s *SignalSlotable) notifyInstanceGone(instanceID string) {
	s.mu.Lock()
	var gone []*pendingCall
	for token, p := range s.pending {
		if p.target == instanceID {
			gone = append(gone, p)
			delete(s.pending, token)
		}
	}
	signals := make([]*Signal, 0, len(s.signals))
	for _, sig := range s.signals {
		signals = append(signals, sig)
	}
	s.mu.Unlock()

	for _, p := range gone {
		close(p.gone)
	}
	for _, sig := range signals {
		sig.dropInstance(instanceID)
	}
}

func errSignalArity(name string, want, got int) error {
	return errors.NewValidation(name, fmt.Sprintf("signal takes %d arguments, got %d", want, got))
}
