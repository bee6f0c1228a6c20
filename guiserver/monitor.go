package guiserver

import (
	"context"
	"fmt"

	"github.com/European-XFEL/Karabo-sub006/broker"
	"github.com/European-XFEL/Karabo-sub006/device"
	"github.com/European-XFEL/Karabo-sub006/hash"
)

// onStartMonitoring subscribes the client to one device's changes. The
// signalChanged connection is shared across clients and ref-counted; a
// duplicate request from the same client is ignored.
func (s *Server) onStartMonitoring(c *client, msg *hash.Hash) {
	deviceID := msg.GetStringDefault("deviceId", "")
	if deviceID == "" {
		c.send(notification("startMonitoringDevice without deviceId"))
		return
	}

	c.mu.Lock()
	if c.monitored[deviceID] {
		c.mu.Unlock()
		return
	}
	c.monitored[deviceID] = true
	c.mu.Unlock()

	s.mu.Lock()
	m := s.monitors[deviceID]
	if m == nil {
		m = &monitor{}
		s.monitors[deviceID] = m
	}
	m.refs++
	first := m.refs == 1
	s.mu.Unlock()

	go s.completeMonitoring(c, deviceID, first)
}

// completeMonitoring connects the shared subscription when needed and
// always delivers one full snapshot to the new subscriber.
func (s *Server) completeMonitoring(c *client, deviceID string, first bool) {
	timeout, _ := s.callTimeout(0, deviceID)
	if first {
		reply, err := s.dev.Call(s.ctx, deviceID, device.SlotConnectToSignal, timeout,
			device.SignalChanged, s.dev.InstanceID(), SlotDeviceChanged)
		if err != nil {
			s.log.Warn("connect to signalChanged failed", "deviceId", deviceID, "error", err)
		} else if ok, rerr := reply.Payload.GetBool("a1"); rerr == nil && !ok {
			s.log.Warn("device refused signalChanged connection", "deviceId", deviceID)
		}
	}

	reply, err := s.dev.Call(s.ctx, deviceID, device.SlotGetConfiguration, timeout)
	if err != nil {
		c.send(notification(fmt.Sprintf("configuration of '%s' unavailable: %v", deviceID, err)))
		return
	}
	conf, err := reply.ArgHash(0)
	if err != nil {
		return
	}
	c.send(hash.New("type", "deviceConfiguration", "deviceId", deviceID, "configuration", conf))
}

// onStopMonitoring drops the client's subscription. A stop without a
// matching start is a no-op so the shared ref-counter cannot go
// negative.
func (s *Server) onStopMonitoring(c *client, msg *hash.Hash) {
	deviceID := msg.GetStringDefault("deviceId", "")
	c.mu.Lock()
	if !c.monitored[deviceID] {
		c.mu.Unlock()
		return
	}
	delete(c.monitored, deviceID)
	delete(c.pending, deviceID)
	c.mu.Unlock()

	s.releaseMonitor(deviceID)
}

func (s *Server) releaseMonitor(deviceID string) {
	s.mu.Lock()
	m := s.monitors[deviceID]
	if m == nil {
		s.mu.Unlock()
		return
	}
	m.refs--
	last := m.refs <= 0
	if last {
		delete(s.monitors, deviceID)
	}
	s.mu.Unlock()

	if last {
		go func() {
			_ = s.dev.CallNoWait(context.Background(), deviceID, device.SlotDisconnectFrom,
				device.SignalChanged, s.dev.InstanceID(), SlotDeviceChanged)
		}()
	}
}

// releaseMonitors drops every subscription a departing client held.
func (s *Server) releaseMonitors(c *client) {
	c.mu.Lock()
	held := make([]string, 0, len(c.monitored))
	for id := range c.monitored {
		held = append(held, id)
	}
	c.monitored = make(map[string]bool)
	c.pending = make(map[string]*hash.Hash)
	c.mu.Unlock()

	for _, id := range held {
		s.releaseMonitor(id)
	}
}

// slotDeviceChanged lands every subscribed device's signalChanged. The
// delta is merged into each subscriber's pending batch; the flush loop
// fans it out.
func (s *Server) slotDeviceChanged(_ context.Context, msg *broker.Message) ([]any, error) {
	delta, err := msg.ArgHash(0)
	if err != nil {
		return nil, err
	}
	deviceID, err := msg.ArgString(1)
	if err != nil {
		return nil, err
	}
	for _, c := range s.clientList() {
		c.queueDelta(deviceID, delta)
	}
	return nil, nil
}
