package proxy_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub006/broker"
	"github.com/European-XFEL/Karabo-sub006/device"
	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/proxy"
	"github.com/European-XFEL/Karabo-sub006/schema"
	"github.com/European-XFEL/Karabo-sub006/testutil"
)

func pumpDescriptors() []*schema.Descriptor {
	return []*schema.Descriptor{
		{Key: "value", ValueType: hash.TypeInt32, Default: int32(0)},
		{Key: "speed", ValueType: hash.TypeDouble, Default: 1.0, AllowedStates: []string{"ON"}},
		{Key: "start", NodeType: schema.Node, DisplayType: "Slot"},
	}
}

type rig struct {
	transport *testutil.LoopbackTransport
	pump      *device.Device
	factory   *proxy.Factory
	proxy     *proxy.Proxy
}

func newRig(t *testing.T, opts ...proxy.FactoryOption) *rig {
	t.Helper()
	transport := testutil.NewLoopbackTransport("karabo")
	proc := device.NewProcessContext(transport, "server/1")
	ctx := context.Background()

	pump, err := device.New(proc, "Pump", "test/pump/1", pumpDescriptors(), nil,
		device.WithPingTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, pump.Start(ctx))
	t.Cleanup(func() { _ = pump.Kill(context.Background()) })

	client, err := device.New(proc, "Client", "test/cli/1", nil, nil,
		device.WithPingTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, client.Start(ctx))
	t.Cleanup(func() { _ = client.Kill(context.Background()) })

	factory := proxy.NewFactory(client.SignalSlotable, opts...)
	p, err := factory.Get(ctx, "test/pump/1")
	require.NoError(t, err)
	require.NoError(t, p.Acquire(ctx))
	t.Cleanup(func() { _ = p.Release(context.Background()) })

	return &rig{transport: transport, pump: pump, factory: factory, proxy: p}
}

func reconfigureFrames(transport *testutil.LoopbackTransport) []*broker.Message {
	var out []*broker.Message
	for _, m := range transport.Messages() {
		if strings.Contains(m.Header[broker.HeaderSlotFunctions], device.SlotReconfigure) {
			out = append(out, m)
		}
	}
	return out
}

func TestProxyMirrorsConfiguration(t *testing.T) {
	r := newRig(t)

	v, err := r.proxy.Get("value")
	require.NoError(t, err)
	assert.Equal(t, int32(0), v)

	_, ts, err := r.proxy.GetWithTimestamp("value")
	require.NoError(t, err)
	assert.False(t, ts.IsZero())

	_, ok := r.proxy.Schema().Descriptor("start")
	assert.True(t, ok)
}

func TestProxyFollowsChanges(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.pump.Set("value", int32(42)))

	testutil.Eventually(t, func() bool {
		v, err := r.proxy.Get("value")
		return err == nil && v == int32(42)
	})
}

func TestWaitUntilNew(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.proxy.WaitUntilNew(ctx, "value") }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, r.pump.Set("value", int32(5)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitUntilNew never woke")
	}
}

func TestWaitUntilImmediateWhenTrue(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, r.proxy.WaitUntil(ctx, func() bool { return true }))
}

func TestWaitUntilPredicate(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.proxy.WaitUntil(ctx, func() bool {
			v, err := r.proxy.Get("value")
			return err == nil && v == int32(3)
		})
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, r.pump.Set("value", int32(2)))
	require.NoError(t, r.pump.Set("value", int32(3)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitUntil never satisfied")
	}
}

func TestWritesCoalesceIntoOneReconfigure(t *testing.T) {
	r := newRig(t, proxy.WithCoalesceWindow(time.Hour))
	ctx := context.Background()
	r.transport.Clear()

	require.NoError(t, r.proxy.Set("value", int32(10)))
	require.NoError(t, r.proxy.Set("value", int32(11)))
	require.NoError(t, r.proxy.Set("value", int32(12)))
	require.NoError(t, r.proxy.Update(ctx))

	frames := reconfigureFrames(r.transport)
	require.Len(t, frames, 1)
	batch, err := frames[0].ArgHash(0)
	require.NoError(t, err)
	v, err := batch.GetInt("value")
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	testutil.Eventually(t, func() bool {
		v, err := r.pump.Get("value")
		return err == nil && v == int32(12)
	})
}

func TestDeferredFlush(t *testing.T) {
	r := newRig(t, proxy.WithCoalesceWindow(20*time.Millisecond))
	r.transport.Clear()

	require.NoError(t, r.proxy.Set("value", int32(9)))

	testutil.Eventually(t, func() bool {
		return len(reconfigureFrames(r.transport)) == 1
	})
	testutil.Eventually(t, func() bool {
		v, err := r.pump.Get("value")
		return err == nil && v == int32(9)
	})
}

func TestStateForbiddenAtFlush(t *testing.T) {
	r := newRig(t)

	// state is UNKNOWN, speed requires ON: Set warns, flush fails
	require.NoError(t, r.proxy.Set("speed", 3.0))
	err := r.proxy.Update(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsStateForbidden(err))
}

func TestCallSlot(t *testing.T) {
	r := newRig(t)
	started := false
	r.pump.RegisterSlot("start", func(context.Context, *broker.Message) ([]any, error) {
		started = true
		return []any{true, ""}, nil
	})

	_, err := r.proxy.CallSlot(context.Background(), "start")
	require.NoError(t, err)
	assert.True(t, started)
}

func TestCallSlotNegativeReply(t *testing.T) {
	r := newRig(t)
	r.pump.RegisterSlot("start", func(context.Context, *broker.Message) ([]any, error) {
		return nil, errors.NewValidation("start", "interlock active")
	})

	_, err := r.proxy.CallSlot(context.Background(), "start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interlock active")
}

func TestQueueDeliversSuccessiveValues(t *testing.T) {
	r := newRig(t)
	q, err := r.proxy.Queue("value")
	require.NoError(t, err)
	defer q.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, r.pump.Set("value", int32(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 1; i <= 3; i++ {
		v, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(i), v.Value)
	}

	q.Restart()
	assert.Equal(t, 0, q.Pending())
}

func TestDeviceDeathMarksProxyNotAlive(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.pump.Kill(context.Background()))

	testutil.Eventually(t, func() bool { return !r.proxy.Alive() })
	_, err := r.proxy.Get("value")
	require.Error(t, err)
	assert.True(t, errors.IsDisconnected(err))
}

func TestFactoryCachesProxies(t *testing.T) {
	r := newRig(t)
	again, err := r.factory.Get(context.Background(), "test/pump/1")
	require.NoError(t, err)
	assert.Same(t, r.proxy, again)
}
