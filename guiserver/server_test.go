package guiserver_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub006/device"
	"github.com/European-XFEL/Karabo-sub006/guiserver"
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/schema"
	"github.com/European-XFEL/Karabo-sub006/testutil"
)

type fakeAuth struct {
	byToken map[string]*guiserver.AuthResult
}

func (f *fakeAuth) Validate(_ context.Context, token string) (*guiserver.AuthResult, error) {
	if r, ok := f.byToken[token]; ok {
		return r, nil
	}
	return &guiserver.AuthResult{Success: false, ErrorMsg: "unknown token"}, nil
}

type rig struct {
	transport *testutil.LoopbackTransport
	proc      *device.ProcessContext
	server    *guiserver.Server
	addr      string
}

func startGateway(t *testing.T, config *hash.Hash, opts ...guiserver.Option) *rig {
	t.Helper()
	transport := testutil.NewLoopbackTransport("karabo")
	proc := device.NewProcessContext(transport, "server/gui")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	opts = append([]guiserver.Option{
		guiserver.WithListener(l),
		guiserver.WithDeviceOptions(device.WithPingTimeout(50 * time.Millisecond)),
	}, opts...)
	srv, err := guiserver.New(proc, "gui/server/1", config, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	return &rig{transport: transport, proc: proc, server: srv, addr: l.Addr().String()}
}

func (r *rig) startDevice(t *testing.T, id string, descriptors []*schema.Descriptor) *device.Device {
	t.Helper()
	d, err := device.New(r.proc, "TestDevice", id, descriptors, nil,
		device.WithPingTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Kill(context.Background()) })
	return d
}

func pumpDescriptors() []*schema.Descriptor {
	return []*schema.Descriptor{
		{Key: "int32Property", ValueType: hash.TypeInt32, Default: int32(0)},
	}
}

type guiConn struct {
	conn net.Conn
}

func dial(t *testing.T, addr string) *guiConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &guiConn{conn: conn}
}

func (g *guiConn) send(t *testing.T, h *hash.Hash) {
	t.Helper()
	_, err := guiserver.WriteFrame(g.conn, h)
	require.NoError(t, err)
}

func (g *guiConn) next(t *testing.T, timeout time.Duration) *hash.Hash {
	t.Helper()
	require.NoError(t, g.conn.SetReadDeadline(time.Now().Add(timeout)))
	h, err := guiserver.ReadFrame(g.conn)
	require.NoError(t, err)
	return h
}

// nextOfType skips frames until one of the wanted type arrives.
func (g *guiConn) nextOfType(t *testing.T, typ string, timeout time.Duration) *hash.Hash {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Greater(t, remaining, time.Duration(0), "no %q frame arrived", typ)
		h := g.next(t, remaining)
		if h.GetStringDefault("type", "") == typ {
			return h
		}
	}
}

// noFrameOfType asserts that no frame of the given type arrives within
// the window.
func (g *guiConn) noFrameOfType(t *testing.T, typ string, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		_ = g.conn.SetReadDeadline(time.Now().Add(remaining))
		h, err := guiserver.ReadFrame(g.conn)
		if err != nil {
			return
		}
		require.NotEqual(t, typ, h.GetStringDefault("type", ""))
	}
}

func (g *guiConn) login(t *testing.T, username string, extra ...any) {
	t.Helper()
	frame := hash.New(append([]any{
		"type", "login", "username", username, "version", "2.20.0"}, extra...)...)
	g.send(t, frame)
	g.nextOfType(t, "loginInformation", 2*time.Second)
	g.nextOfType(t, "systemTopology", 2*time.Second)
}

// slotCalls counts broker frames addressed at the given slot.
func slotCalls(r *rig, slot string) int {
	n := 0
	for _, m := range r.transport.Messages() {
		if m.SlotFunction() == slot {
			n++
		}
	}
	return n
}

func TestPreLoginRefusal(t *testing.T) {
	r := startGateway(t, nil)
	c := dial(t, r.addr)

	c.send(t, hash.New("type", "execute", "deviceId", "x", "command", "y"))
	reply := c.nextOfType(t, "notification", 2*time.Second)
	msg, err := reply.GetString("message")
	require.NoError(t, err)
	assert.Equal(t, "Action 'execute' refused before log in", msg)
}

func TestVersionGating(t *testing.T) {
	r := startGateway(t, hash.New("minClientVersion", "2.20.0"))
	c := dial(t, r.addr)

	c.send(t, hash.New("type", "login", "username", "op", "version", "2.11.1"))
	reply := c.nextOfType(t, "notification", 2*time.Second)
	msg, _ := reply.GetString("message")
	assert.Equal(t, "Your GUI client has version '2.11.1', but the minimum required is: 2.20.0", msg)

	// connection is torn down after the refusal
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := guiserver.ReadFrame(c.conn)
	assert.Error(t, err)
}

func TestLoginDeliversTopology(t *testing.T) {
	r := startGateway(t, nil)
	r.startDevice(t, "test/pump/1", pumpDescriptors())

	c := dial(t, r.addr)
	c.send(t, hash.New("type", "login", "username", "op", "version", "2.20.0"))
	c.nextOfType(t, "loginInformation", 2*time.Second)
	topo := c.nextOfType(t, "systemTopology", 2*time.Second)
	system, err := topo.GetHash("systemTopology")
	require.NoError(t, err)
	devices, err := system.GetHash("device")
	require.NoError(t, err)
	assert.True(t, devices.Has("test/pump/1"))
}

func TestBannerReplayedExactlyOnce(t *testing.T) {
	r := startGateway(t, nil)
	pump := r.startDevice(t, "test/pump/1", pumpDescriptors())

	require.NoError(t, pump.CallNoWait(context.Background(), "gui/server/1", guiserver.SlotNotify,
		hash.New("message", "maintenance at 12:00", "contentType", "banner", "background", "red")))

	c := dial(t, r.addr)
	c.login(t, "op")
	note := c.nextOfType(t, "notification", 2*time.Second)
	msg, _ := note.GetString("message")
	assert.Equal(t, "maintenance at 12:00", msg)
	assert.Equal(t, "banner", note.GetStringDefault("contentType", ""))
	assert.Equal(t, "red", note.GetStringDefault("background", ""))

	// a second request cycle must not replay the banner
	c.send(t, hash.New("type", "getGuiSessionInfo"))
	reply := c.next(t, 2*time.Second)
	assert.Equal(t, "getGuiSessionInfo", reply.GetStringDefault("type", ""))
}

func TestRequestGenericTimeout(t *testing.T) {
	r := startGateway(t, hash.New("timeout", int32(1)))
	c := dial(t, r.addr)
	c.login(t, "op")

	start := time.Now()
	c.send(t, hash.New(
		"type", "requestGeneric",
		"instanceId", "absent",
		"slot", "anything",
		"timeout", int32(1),
		"args", hash.New("name", "scene"),
	))
	reply := c.nextOfType(t, "requestGeneric", 3*time.Second)
	assert.Less(t, time.Since(start), 2500*time.Millisecond)

	success, err := reply.GetBool("success")
	require.NoError(t, err)
	assert.False(t, success)
	reason, _ := reply.GetString("reason")
	assert.Equal(t, "Request not answered within 1 seconds.", reason)

	request, err := reply.GetHash("request")
	require.NoError(t, err)
	assert.Equal(t, "absent", request.GetStringDefault("instanceId", ""))
}

func TestPropertyUpdateCoalescing(t *testing.T) {
	r := startGateway(t, hash.New("propertyUpdateInterval", int32(200)))
	pump := r.startDevice(t, "test/pump/1", pumpDescriptors())

	c := dial(t, r.addr)
	c.login(t, "op")
	c.send(t, hash.New("type", "startMonitoringDevice", "deviceId", "test/pump/1"))
	c.nextOfType(t, "deviceConfiguration", 2*time.Second)

	require.NoError(t, pump.Set("int32Property", int32(10)))
	require.NoError(t, pump.Set("int32Property", int32(11)))
	require.NoError(t, pump.Set("int32Property", int32(12)))

	frame := c.nextOfType(t, "deviceConfigurations", 2*time.Second)
	v, err := frame.GetInt("configurations.test/pump/1.int32Property")
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	c.noFrameOfType(t, "deviceConfigurations", 500*time.Millisecond)
}

func TestStopStopChangeDeliversNothing(t *testing.T) {
	r := startGateway(t, hash.New("propertyUpdateInterval", int32(100)))
	pump := r.startDevice(t, "test/pump/1", pumpDescriptors())

	c := dial(t, r.addr)
	c.login(t, "op")
	c.send(t, hash.New("type", "startMonitoringDevice", "deviceId", "test/pump/1"))
	c.nextOfType(t, "deviceConfiguration", 2*time.Second)

	c.send(t, hash.New("type", "stopMonitoringDevice", "deviceId", "test/pump/1"))
	c.send(t, hash.New("type", "stopMonitoringDevice", "deviceId", "test/pump/1"))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, pump.Set("int32Property", int32(99)))
	c.noFrameOfType(t, "deviceConfigurations", 400*time.Millisecond)
}

func TestTemporarySessionNesting(t *testing.T) {
	auth := &fakeAuth{byToken: map[string]*guiserver.AuthResult{
		"login-token": {Success: true, Username: "karabo", Visibility: int32(schema.Expert)},
		"temp-token":  {Success: true, Username: "guest", Visibility: int32(schema.Operator)},
	}}
	r := startGateway(t,
		hash.New("maxTemporarySessionTime", int32(60)),
		guiserver.WithAuthenticator(auth))

	c := dial(t, r.addr)
	c.send(t, hash.New("type", "login", "username", "ignored", "version", "2.20.0",
		"oneTimeToken", "login-token"))
	info := c.nextOfType(t, "loginInformation", 2*time.Second)
	assert.Equal(t, "karabo", info.GetStringDefault("username", ""))
	c.nextOfType(t, "systemTopology", 2*time.Second)

	c.send(t, hash.New("type", "beginTemporarySession",
		"temporarySessionToken", "temp-token", "version", "2.20.0"))
	begin := c.nextOfType(t, "onBeginTemporarySession", 2*time.Second)
	ok, err := begin.GetBool("success")
	require.NoError(t, err)
	assert.True(t, ok)
	level, err := begin.GetInt("accessLevel")
	require.NoError(t, err)
	assert.Equal(t, int64(schema.Operator), level)
	assert.Equal(t, "karabo", begin.GetStringDefault("loggedUserId", ""))

	c.send(t, hash.New("type", "beginTemporarySession",
		"temporarySessionToken", "temp-token", "version", "2.20.0"))
	again := c.nextOfType(t, "onBeginTemporarySession", 2*time.Second)
	ok, _ = again.GetBool("success")
	assert.False(t, ok)
	reason, _ := again.GetString("reason")
	assert.Equal(t, "There's already an active temporary session.", reason)

	c.send(t, hash.New("type", "endTemporarySession"))
	end := c.nextOfType(t, "onEndTemporarySession", 2*time.Second)
	ok, err = end.GetBool("success")
	require.NoError(t, err)
	assert.True(t, ok)
	level, err = end.GetInt("levelBeforeTemporarySession")
	require.NoError(t, err)
	assert.Equal(t, int64(schema.Expert), level)

	c.send(t, hash.New("type", "endTemporarySession"))
	end = c.nextOfType(t, "onEndTemporarySession", 2*time.Second)
	ok, _ = end.GetBool("success")
	assert.False(t, ok)
}

func TestInvalidTokenRefusesLogin(t *testing.T) {
	auth := &fakeAuth{byToken: map[string]*guiserver.AuthResult{}}
	r := startGateway(t, nil, guiserver.WithAuthenticator(auth))

	c := dial(t, r.addr)
	c.send(t, hash.New("type", "login", "username", "op", "version", "2.20.0",
		"oneTimeToken", "bogus"))
	note := c.nextOfType(t, "notification", 2*time.Second)
	msg, _ := note.GetString("message")
	assert.Equal(t, "Error validating token: unknown token", msg)
}

func TestReadOnlyForcesObserver(t *testing.T) {
	r := startGateway(t, hash.New("readOnly", true))

	c := dial(t, r.addr)
	c.send(t, hash.New("type", "login", "username", "op", "version", "2.20.0"))
	info := c.nextOfType(t, "loginInformation", 2*time.Second)
	level, err := info.GetInt("accessLevel")
	require.NoError(t, err)
	assert.Equal(t, int64(schema.Observer), level)
	ro, err := info.GetBool("readOnly")
	require.NoError(t, err)
	assert.True(t, ro)
	c.nextOfType(t, "systemTopology", 2*time.Second)

	c.send(t, hash.New("type", "execute", "deviceId", "x", "command", "y"))
	note := c.nextOfType(t, "notification", 2*time.Second)
	msg, _ := note.GetString("message")
	assert.Contains(t, msg, "read-only")
}

func TestBigDataBackPressure(t *testing.T) {
	r := startGateway(t, nil)
	pump := r.startDevice(t, "test/pump/1", pumpDescriptors())
	channel := "test/pump/1:output"
	ctx := context.Background()

	c := dial(t, r.addr)
	c.login(t, "op")
	c.send(t, hash.New("type", "subscribeNetwork", "channelName", channel, "subscribe", true))
	testutil.Eventually(t, func() bool { return slotCalls(r, guiserver.RequestNetwork) == 1 })

	require.NoError(t, pump.CallNoWait(ctx, "gui/server/1", guiserver.SlotNetworkData,
		channel, hash.New("v", int32(1))))
	first := c.nextOfType(t, "networkData", 2*time.Second)
	v, err := first.GetInt("data.v")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	testutil.Eventually(t, func() bool { return slotCalls(r, guiserver.RequestNetwork) == 2 })

	// back-to-back chunks: the second lands in the per-channel slot
	require.NoError(t, pump.CallNoWait(ctx, "gui/server/1", guiserver.SlotNetworkData,
		channel, hash.New("v", int32(2))))
	require.NoError(t, pump.CallNoWait(ctx, "gui/server/1", guiserver.SlotNetworkData,
		channel, hash.New("v", int32(3))))

	shown := 0
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "last chunk never displayed")
		frame := c.nextOfType(t, "networkData", 2*time.Second)
		shown++
		if v, err := frame.GetInt("data.v"); err == nil && v == 3 {
			break
		}
	}

	// one requestNetwork per displayed chunk, plus the initial one
	testutil.Eventually(t, func() bool {
		return slotCalls(r, guiserver.RequestNetwork) == 2+shown
	})
	assert.Equal(t, 0, slotCalls(r, guiserver.SlotNetworkError))
}
