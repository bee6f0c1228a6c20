package guiserver

import (
	"context"
	"time"

	"github.com/European-XFEL/Karabo-sub006/broker"
	"github.com/European-XFEL/Karabo-sub006/hash"
)

// slotNotify handles operator notifications. A banner is remembered and
// replayed to clients that have not seen it; an empty banner message
// clears it. contentType "logger" goes to the log only.
func (s *Server) slotNotify(_ context.Context, msg *broker.Message) ([]any, error) {
	note, err := msg.ArgHash(0)
	if err != nil {
		return nil, err
	}
	message := note.GetStringDefault("message", "")
	contentType := note.GetStringDefault("contentType", "")
	fg := note.GetStringDefault("foreground", "")
	bg := note.GetStringDefault("background", "")

	switch contentType {
	case "banner":
		s.mu.Lock()
		s.bannerMsg, s.bannerFg, s.bannerBg = message, fg, bg
		s.mu.Unlock()
		data := []string{}
		if message != "" {
			data = []string{message, fg, bg}
		}
		_ = s.dev.Set("bannerData", data)
		if m := s.proc.Metrics; m != nil {
			m.BannerChanges.Inc()
		}
		frame := banner(message, fg, bg)
		for _, c := range s.clientList() {
			c.mu.Lock()
			c.bannerSent = message != ""
			c.mu.Unlock()
			c.send(frame)
		}
	case "logger":
		s.log.Info("notification", "message", message)
	default:
		frame := notification(message)
		for _, c := range s.clientList() {
			c.send(frame)
		}
	}
	return []any{true}, nil
}

// slotBroadcast forwards a framed message to one addressed client, or
// to everyone when the address is empty. The message must itself carry
// a type.
func (s *Server) slotBroadcast(_ context.Context, msg *broker.Message) ([]any, error) {
	req, err := msg.ArgHash(0)
	if err != nil {
		return nil, err
	}
	payload, err := req.GetHash("message")
	if err != nil {
		return []any{false}, nil
	}
	if _, err := messageType(payload); err != nil {
		return []any{false}, nil
	}
	address := req.GetStringDefault("clientAddress", "")

	if address == "" {
		for _, c := range s.clientList() {
			c.send(payload)
		}
		return []any{true}, nil
	}
	s.mu.Lock()
	c := s.clients[address]
	s.mu.Unlock()
	if c == nil {
		return []any{false}, nil
	}
	c.send(payload)
	return []any{true}, nil
}

// slotDisconnectClient force-closes the addressed GUI connection.
func (s *Server) slotDisconnectClient(_ context.Context, msg *broker.Message) ([]any, error) {
	address, err := msg.ArgString(0)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	c := s.clients[address]
	s.mu.Unlock()
	if c == nil {
		return []any{false}, nil
	}
	s.dropClient(c)
	return []any{true}, nil
}

// slotDumpDebugInfo reports the gateway's live state for operators.
func (s *Server) slotDumpDebugInfo(_ context.Context, _ *broker.Message) ([]any, error) {
	clients := s.clientList()
	entries := make([]*hash.Hash, 0, len(clients))
	for _, c := range clients {
		info := c.debugInfo()
		_ = info.Set("address", c.addr)
		_ = info.Set("byteRate", c.lastByteRate.Load())
		entries = append(entries, info)
	}
	s.mu.Lock()
	channels := make([]string, 0, len(s.channels))
	for name := range s.channels {
		channels = append(channels, name)
	}
	monitors := int32(len(s.monitors))
	s.mu.Unlock()

	return []any{hash.New(
		"connectedClients", int32(len(clients)),
		"clients", entries,
		"monitoredDevices", monitors,
		"channels", channels,
	)}, nil
}

// sampleLoop measures per-client write rates when
// networkPerformance.sampleInterval is set.
func (s *Server) sampleLoop() {
	defer s.wg.Done()
	for {
		secs := s.propInt("networkPerformance.sampleInterval")
		wait := time.Duration(secs) * time.Second
		if secs <= 0 {
			wait = time.Second
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
		if secs <= 0 {
			continue
		}
		for _, c := range s.clientList() {
			written := c.sampleBytes.Swap(0)
			c.lastByteRate.Store(written / secs)
		}
	}
}
