// Package broker carries slot calls and signals between device instances
// over NATS. Routing rides as message headers, the payload is a binary
// Hash of positional arguments.
package broker

import (
	"fmt"
	"strings"

	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
)

// Routing header names.
const (
	HeaderSignalFunction   = "signalFunction"
	HeaderSignalInstanceID = "signalInstanceId"
	HeaderSlotInstanceIDs  = "slotInstanceIds"
	HeaderSlotFunctions    = "slotFunctions"
	HeaderReplyTo          = "replyTo"
	HeaderReplyFrom        = "replyFrom"
	HeaderReplyInstanceIDs = "replyInstanceIds"
	HeaderReplyFunctions   = "replyFunctions"
	HeaderHostname         = "hostname"
	HeaderClassID          = "classId"
)

// Broadcast addresses every instance on the topic.
const Broadcast = "*"

// Message is one frame on the broker: routing headers plus a Hash of
// positional arguments keyed a1..aN.
type Message struct {
	Header  map[string]string
	Payload *hash.Hash
}

// NewMessage builds a message from positional arguments.
func NewMessage(args ...any) (*Message, error) {
	payload := hash.New()
	for i, a := range args {
		if err := payload.Set(argKey(i), a); err != nil {
			return nil, err
		}
	}
	return &Message{Header: make(map[string]string), Payload: payload}, nil
}

func argKey(i int) string {
	return fmt.Sprintf("a%d", i+1)
}

// Arg returns the i-th positional argument (zero-based).
func (m *Message) Arg(i int) (any, error) {
	return m.Payload.Get(argKey(i))
}

// ArgCount returns the number of positional arguments.
func (m *Message) ArgCount() int {
	n := 0
	for m.Payload.Has(argKey(n)) {
		n++
	}
	return n
}

// ArgHash returns the i-th argument as a Hash.
func (m *Message) ArgHash(i int) (*hash.Hash, error) {
	return m.Payload.GetHash(argKey(i))
}

// ArgString returns the i-th argument as a string.
func (m *Message) ArgString(i int) (string, error) {
	return m.Payload.GetString(argKey(i))
}

// SignalInstanceID returns the sender's instance id.
func (m *Message) SignalInstanceID() string {
	return m.Header[HeaderSignalInstanceID]
}

// SlotFunction returns the called slot (or emitted signal) name. Call
// frames carry the marker function in signalFunction; the real slot
// name rides in the slotFunctions groups.
func (m *Message) SlotFunction() string {
	fn := m.Header[HeaderSignalFunction]
	if fn != CallFunction {
		return fn
	}
	groups, order := ParseSlotFunctionGroups(m.Header[HeaderSlotFunctions])
	for _, id := range order {
		if slots := groups[id]; len(slots) > 0 {
			return slots[0]
		}
	}
	return fn
}

// ReplyTo returns the reply token the sender is waiting on, if any.
func (m *Message) ReplyTo() string {
	return m.Header[HeaderReplyTo]
}

// Targets returns the addressed instance ids.
func (m *Message) Targets() []string {
	return ParseBracketIDs(m.Header[HeaderSlotInstanceIDs])
}

// IsBroadcast reports whether the message addresses every instance.
func (m *Message) IsBroadcast() bool {
	for _, t := range m.Targets() {
		if t == Broadcast {
			return true
		}
	}
	return false
}

// BracketIDs renders ids in the pipe-bracketed wire form |a||b|.
func BracketIDs(ids []string) string {
	var b strings.Builder
	for _, id := range ids {
		b.WriteByte('|')
		b.WriteString(id)
		b.WriteByte('|')
	}
	return b.String()
}

// ParseBracketIDs parses the pipe-bracketed wire form.
func ParseBracketIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "||") {
		part = strings.Trim(part, "|")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SlotFunctionGroups renders per-instance slot lists as |id:slot1,slot2|
// groups.
func SlotFunctionGroups(groups map[string][]string, order []string) string {
	var b strings.Builder
	for _, id := range order {
		b.WriteByte('|')
		b.WriteString(id)
		b.WriteByte(':')
		b.WriteString(strings.Join(groups[id], ","))
		b.WriteByte('|')
	}
	return b.String()
}

// ParseSlotFunctionGroups parses the |id:slot1,slot2| wire form.
func ParseSlotFunctionGroups(s string) (map[string][]string, []string) {
	groups := make(map[string][]string)
	var order []string
	for _, part := range strings.Split(s, "||") {
		part = strings.Trim(part, "|")
		if part == "" {
			continue
		}
		id, slots, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		var names []string
		for _, slot := range strings.Split(slots, ",") {
			if slot != "" {
				names = append(names, slot)
			}
		}
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		groups[id] = names
	}
	return groups, order
}

// Encode serializes the payload for the wire.
func (m *Message) Encode() ([]byte, error) {
	return hash.Encode(m.Payload)
}

// DecodePayload rebuilds a message payload from wire bytes.
func DecodePayload(header map[string]string, data []byte) (*Message, error) {
	payload, err := hash.Decode(data)
	if err != nil {
		return nil, errors.Wrap(err, "broker", "DecodePayload", "decode payload")
	}
	return &Message{Header: header, Payload: payload}, nil
}
