package broker

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/European-XFEL/Karabo-sub006/errors"
)

// Synthetic signal functions used for direct slot calls and replies.
const (
	CallFunction  = "__call__"
	ReplyFunction = "__reply__"
)

// Handler processes one inbound frame.
type Handler func(ctx context.Context, msg *Message)

// Transport moves framed bytes between subjects. The NATS client is the
// production transport; tests use an in-process loopback.
type Transport interface {
	// PublishFrame publishes one frame to a subject.
	PublishFrame(ctx context.Context, subject string, header map[string]string, data []byte) error
	// SubscribeFrames delivers every frame on a subject to fn, returning
	// an unsubscribe function.
	SubscribeFrames(subject string, fn func(header map[string]string, data []byte)) (func() error, error)
	// Topic returns the installation namespace for subjects.
	Topic() string
}

// Session is one instance's view of the broker: it publishes frames on
// behalf of the instance and consumes every frame addressed to it,
// broadcasts included.
type Session interface {
	// InstanceID returns the owning instance's id.
	InstanceID() string
	// Send publishes a frame with fully prepared routing headers.
	Send(ctx context.Context, header map[string]string, args ...any) error
	// Call invokes a slot on the targets; replyToken, when non-empty,
	// asks the callee to route a reply back.
	Call(ctx context.Context, slot string, targets []string, replyToken string, args ...any) error
	// Emit publishes a signal to its connected slots, keyed instance id
	// to slot names. A Broadcast key reaches every instance.
	Emit(ctx context.Context, signalFunction string, targets map[string][]string, args ...any) error
	// Reply routes a reply for the incoming frame back to its sender and
	// fans out to any registered reply forwards.
	Reply(ctx context.Context, incoming *Message, args ...any) error
	// Consume starts the single long-running consumer delivering every
	// frame addressed to this instance (or broadcast) to the handler.
	Consume(ctx context.Context, handler Handler) error
	// Close tears the consumer down.
	Close(ctx context.Context) error
}

// NewSession creates a broker session for one instance on any transport.
func NewSession(t Transport, instanceID, classID string) (Session, error) {
	if instanceID == "" {
		return nil, errors.NewValidation("instanceId", "must not be empty")
	}
	hostname, _ := os.Hostname()
	return &session{
		transport:  t,
		instanceID: instanceID,
		classID:    classID,
		hostname:   hostname,
	}, nil
}

// Session creates a broker session for one instance over this client.
func (c *Client) Session(instanceID, classID string) (Session, error) {
	return NewSession(c, instanceID, classID)
}

type session struct {
	transport  Transport
	instanceID string
	classID    string
	hostname   string

	mu       sync.Mutex
	unsubs   []func() error
	consumed bool
}

func (s *session) InstanceID() string {
	return s.instanceID
}

// slotSubject is the per-instance subject; globalSubject carries
// broadcasts.
func (s *session) slotSubject(instanceID string) string {
	return s.transport.Topic() + ".slots." + escapeID(instanceID)
}

func (s *session) globalSubject() string {
	return s.transport.Topic() + ".global.slots"
}

// escapeID maps instance ids onto the broker's subject alphabet.
func escapeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		default:
			return r
		}
	}, id)
}

func (s *session) Send(ctx context.Context, header map[string]string, args ...any) error {
	msg, err := NewMessage(args...)
	if err != nil {
		return err
	}
	for k, v := range header {
		msg.Header[k] = v
	}
	msg.Header[HeaderSignalInstanceID] = s.instanceID
	if s.classID != "" {
		msg.Header[HeaderClassID] = s.classID
	}
	if s.hostname != "" {
		msg.Header[HeaderHostname] = s.hostname
	}
	return s.publish(ctx, msg)
}

func (s *session) publish(ctx context.Context, msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	// one publish per target subject, broadcast on the shared subject
	subjects := make(map[string]bool)
	for _, target := range msg.Targets() {
		if target == Broadcast {
			subjects[s.globalSubject()] = true
			continue
		}
		subjects[s.slotSubject(target)] = true
	}
	ordered := make([]string, 0, len(subjects))
	for subj := range subjects {
		ordered = append(ordered, subj)
	}
	sort.Strings(ordered)

	for _, subj := range ordered {
		if err := s.transport.PublishFrame(ctx, subj, msg.Header, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) Call(ctx context.Context, slot string, targets []string, replyToken string, args ...any) error {
	groups := make(map[string][]string, len(targets))
	for _, t := range targets {
		groups[t] = []string{slot}
	}
	header := map[string]string{
		HeaderSignalFunction:  CallFunction,
		HeaderSlotInstanceIDs: BracketIDs(targets),
		HeaderSlotFunctions:   SlotFunctionGroups(groups, targets),
	}
	if replyToken != "" {
		header[HeaderReplyTo] = replyToken
	}
	return s.Send(ctx, header, args...)
}

func (s *session) Emit(ctx context.Context, signalFunction string, targets map[string][]string, args ...any) error {
	if len(targets) == 0 {
		return nil
	}
	order := make([]string, 0, len(targets))
	for id := range targets {
		order = append(order, id)
	}
	sort.Strings(order)
	header := map[string]string{
		HeaderSignalFunction:  signalFunction,
		HeaderSlotInstanceIDs: BracketIDs(order),
		HeaderSlotFunctions:   SlotFunctionGroups(targets, order),
	}
	return s.Send(ctx, header, args...)
}

func (s *session) Reply(ctx context.Context, incoming *Message, args ...any) error {
	origin := incoming.SignalInstanceID()
	if origin == "" {
		return errors.NewProtocolMisuse("reply to a frame without sender")
	}
	if token := incoming.ReplyTo(); token != "" {
		header := map[string]string{
			HeaderSignalFunction:  ReplyFunction,
			HeaderSlotInstanceIDs: BracketIDs([]string{origin}),
			HeaderReplyFrom:       token,
		}
		if err := s.Send(ctx, header, args...); err != nil {
			return err
		}
	}

	// fan out to registered reply forwards
	forwards := ParseBracketIDs(incoming.Header[HeaderReplyInstanceIDs])
	if len(forwards) == 0 {
		return nil
	}
	groups, order := ParseSlotFunctionGroups(incoming.Header[HeaderReplyFunctions])
	header := map[string]string{
		HeaderSignalFunction:  CallFunction,
		HeaderSlotInstanceIDs: BracketIDs(forwards),
		HeaderSlotFunctions:   SlotFunctionGroups(groups, order),
	}
	return s.Send(ctx, header, args...)
}

func (s *session) Consume(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed {
		return errors.ErrAlreadyStarted
	}

	deliver := func(header map[string]string, data []byte) {
		msg, err := DecodePayload(header, data)
		if err != nil {
			return
		}
		if !s.addressedToMe(msg) {
			return
		}
		handler(ctx, msg)
	}

	for _, subject := range []string{s.slotSubject(s.instanceID), s.globalSubject()} {
		unsub, err := s.transport.SubscribeFrames(subject, deliver)
		if err != nil {
			return errors.WrapKind(err, errors.KindDisconnected, "broker", "Consume", "subscribe")
		}
		s.unsubs = append(s.unsubs, unsub)
	}
	s.consumed = true
	return nil
}

// addressedToMe filters frames whose escaped subject collides with ours
// or broadcasts not meant for everybody.
func (s *session) addressedToMe(msg *Message) bool {
	for _, t := range msg.Targets() {
		if t == Broadcast || t == s.instanceID {
			return true
		}
	}
	return false
}

func (s *session) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, unsub := range s.unsubs {
		if err := unsub(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.unsubs = nil
	s.consumed = false
	return firstErr
}

// PublishFrame implements Transport over the NATS connection.
func (c *Client) PublishFrame(_ context.Context, subject string, header map[string]string, data []byte) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	natsHeader := nats.Header{}
	for k, v := range header {
		natsHeader.Set(k, v)
	}
	out := &nats.Msg{Subject: subject, Header: natsHeader, Data: data}
	if err := conn.PublishMsg(out); err != nil {
		return errors.WrapKind(err, errors.KindDisconnected, "broker", "PublishFrame", "publish frame")
	}
	return nil
}

// SubscribeFrames implements Transport over the NATS connection.
func (c *Client) SubscribeFrames(subject string, fn func(header map[string]string, data []byte)) (func() error, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, func(m *nats.Msg) {
		header := make(map[string]string, len(m.Header))
		for k := range m.Header {
			header[k] = m.Header.Get(k)
		}
		fn(header, m.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}
