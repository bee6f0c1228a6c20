package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub006/hash"
)

func TestMessageArgs(t *testing.T) {
	msg, err := NewMessage("first", int32(2), hash.New("k", true))
	require.NoError(t, err)
	assert.Equal(t, 3, msg.ArgCount())

	s, err := msg.ArgString(0)
	require.NoError(t, err)
	assert.Equal(t, "first", s)

	v, err := msg.Arg(1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)

	h, err := msg.ArgHash(2)
	require.NoError(t, err)
	b, _ := h.GetBool("k")
	assert.True(t, b)

	_, err = msg.Arg(3)
	require.Error(t, err)
}

func TestMessageWireRoundTrip(t *testing.T) {
	msg, err := NewMessage(hash.New("value", int32(40)), "MOTOR/1")
	require.NoError(t, err)
	msg.Header[HeaderSignalFunction] = CallFunction
	msg.Header[HeaderSlotInstanceIDs] = BracketIDs([]string{"MOTOR/1"})

	data, err := msg.Encode()
	require.NoError(t, err)

	back, err := DecodePayload(msg.Header, data)
	require.NoError(t, err)
	assert.Equal(t, 2, back.ArgCount())
	assert.True(t, msg.Payload.FullyEqual(back.Payload, false))
}

func TestSlotFunctionResolvesCallFrames(t *testing.T) {
	msg, err := NewMessage(hash.New())
	require.NoError(t, err)

	// a call frame carries the marker in signalFunction and the real
	// slot in the slotFunctions groups
	msg.Header[HeaderSignalFunction] = CallFunction
	msg.Header[HeaderSlotFunctions] = SlotFunctionGroups(
		map[string][]string{"test/pump/1": {"requestNetwork"}}, []string{"test/pump/1"})
	assert.Equal(t, "requestNetwork", msg.SlotFunction())

	// a signal frame names the signal directly
	msg.Header[HeaderSignalFunction] = "signalChanged"
	assert.Equal(t, "signalChanged", msg.SlotFunction())

	// a malformed call frame falls back to the marker
	msg.Header[HeaderSignalFunction] = CallFunction
	msg.Header[HeaderSlotFunctions] = ""
	assert.Equal(t, CallFunction, msg.SlotFunction())
}

func TestBracketIDs(t *testing.T) {
	s := BracketIDs([]string{"a", "b/2", "*"})
	assert.Equal(t, "|a||b/2||*|", s)
	assert.Equal(t, []string{"a", "b/2", "*"}, ParseBracketIDs(s))
	assert.Nil(t, ParseBracketIDs(""))
}

func TestSlotFunctionGroups(t *testing.T) {
	groups := map[string][]string{
		"dev/1": {"slotChanged", "slotOther"},
		"dev/2": {"slotChanged"},
	}
	order := []string{"dev/1", "dev/2"}
	s := SlotFunctionGroups(groups, order)
	assert.Equal(t, "|dev/1:slotChanged,slotOther||dev/2:slotChanged|", s)

	back, backOrder := ParseSlotFunctionGroups(s)
	assert.Equal(t, order, backOrder)
	assert.Equal(t, groups, back)
}

func TestMessageTargets(t *testing.T) {
	msg, err := NewMessage()
	require.NoError(t, err)
	msg.Header[HeaderSlotInstanceIDs] = "|dev/1||*|"
	assert.Equal(t, []string{"dev/1", "*"}, msg.Targets())
	assert.True(t, msg.IsBroadcast())

	msg.Header[HeaderSlotInstanceIDs] = "|dev/1|"
	assert.False(t, msg.IsBroadcast())
}

func TestEscapeID(t *testing.T) {
	assert.Equal(t, "SA1_XTD2/MOTOR/1", escapeID("SA1.XTD2/MOTOR/1"))
	assert.Equal(t, "a_b_c_d", escapeID("a.b*c>d"))
}

func TestSessionSubjects(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", "karabo")
	require.NoError(t, err)
	sess, err := c.Session("SA1/MOTOR/1", "Motor")
	require.NoError(t, err)

	ns := sess.(*session)
	assert.Equal(t, "karabo.slots.SA1/MOTOR/1", ns.slotSubject("SA1/MOTOR/1"))
	assert.Equal(t, "karabo.global.slots", ns.globalSubject())
}

func TestClientRequiresTopic(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", "")
	require.Error(t, err)
}

func TestSessionRequiresInstanceID(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", "karabo")
	require.NoError(t, err)
	_, err = c.Session("", "Motor")
	require.Error(t, err)
}
