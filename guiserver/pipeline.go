package guiserver

import (
	"context"
	"strings"

	"github.com/European-XFEL/Karabo-sub006/broker"
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/pkg/worker"
)

// Producer-side slots of the pipeline protocol.
const (
	RequestNetwork   = "requestNetwork"
	SlotNetworkError = "slotNetworkError"
)

// channelState tracks one pipeline channel: who watches it, the latest
// undisplayed chunk, and whether a request toward the producer is
// outstanding. At most one chunk is outstanding per channel; the
// producer is asked for the next one only after the previous chunk was
// shown.
type channelState struct {
	name     string
	producer string

	reserved    bool
	showQueued  bool
	chunk       *hash.Hash
	subscribers map[*client]bool
}

// producerOf derives the owning instance from the channel name,
// "instanceId:output".
func producerOf(name string) string {
	if i := strings.IndexByte(name, ':'); i > 0 {
		return name[:i]
	}
	return name
}

func (s *Server) onSubscribeNetwork(c *client, msg *hash.Hash) {
	name := msg.GetStringDefault("channelName", "")
	if name == "" {
		c.send(notification("subscribeNetwork without channelName"))
		return
	}
	subscribe, _ := msg.GetBool("subscribe")

	if !subscribe {
		s.mu.Lock()
		if st := s.channels[name]; st != nil {
			delete(st.subscribers, c)
			if len(st.subscribers) == 0 {
				delete(s.channels, name)
			}
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	st := s.channels[name]
	created := st == nil
	if created {
		st = &channelState{
			name:        name,
			producer:    producerOf(name),
			subscribers: make(map[*client]bool),
		}
		s.channels[name] = st
		st.reserved = true
	}
	st.subscribers[c] = true
	producer := st.producer
	s.mu.Unlock()

	if created {
		_ = s.dev.CallNoWait(s.ctx, producer, RequestNetwork, name)
	}
}

// unsubscribeAll removes a departing client from every channel.
func (s *Server) unsubscribeAll(c *client) {
	s.mu.Lock()
	for name, st := range s.channels {
		delete(st.subscribers, c)
		if len(st.subscribers) == 0 {
			delete(s.channels, name)
		}
	}
	s.mu.Unlock()
}

// slotNetworkData receives one pipeline chunk. A chunk for a reserved
// (or currently displaying) channel replaces the held one; a chunk with
// no reservation is a protocol violation answered with an upstream
// error and a fresh request.
func (s *Server) slotNetworkData(_ context.Context, msg *broker.Message) ([]any, error) {
	name, err := msg.ArgString(0)
	if err != nil {
		return nil, err
	}
	data, err := msg.ArgHash(1)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	st := s.channels[name]
	if st == nil {
		s.mu.Unlock()
		s.log.Warn("chunk for unknown channel", "channel", name)
		return nil, nil
	}
	if !st.reserved && !st.showQueued {
		st.reserved = true
		producer := st.producer
		s.mu.Unlock()
		s.log.Error("chunk without reservation", "channel", name)
		_ = s.dev.CallNoWait(s.ctx, producer, SlotNetworkError, name, "chunk without reservation")
		_ = s.dev.CallNoWait(s.ctx, producer, RequestNetwork, name)
		return nil, nil
	}
	st.chunk = data
	st.reserved = false
	enqueue := !st.showQueued
	st.showQueued = true
	s.mu.Unlock()

	if enqueue {
		if err := s.showPool.Submit(name); err != nil {
			s.mu.Lock()
			st.showQueued = false
			s.mu.Unlock()
			if err == worker.ErrQueueFull {
				s.log.Warn("show queue full, chunk held back", "channel", name)
			} else {
				s.log.Error("show scheduling failed", "channel", name, "error", err)
			}
		}
	}
	return nil, nil
}

// showChannel is the deferred display step: fan the held chunk out to
// the subscribers, then release the reservation toward the producer.
// showQueued stays set for the whole cycle so a chunk landing while the
// previous one is on the wire is accepted rather than flagged as
// unsolicited; such a chunk triggers an immediate re-show.
func (s *Server) showChannel(_ context.Context, name string) error {
	s.mu.Lock()
	st := s.channels[name]
	if st == nil {
		s.mu.Unlock()
		return nil
	}
	chunk := st.chunk
	st.chunk = nil
	subscribers := make([]*client, 0, len(st.subscribers))
	for c := range st.subscribers {
		subscribers = append(subscribers, c)
	}
	producer := st.producer
	s.mu.Unlock()

	if chunk != nil {
		frame := hash.New("type", "networkData", "name", name, "data", chunk)
		for _, c := range subscribers {
			c.send(frame)
		}
	}

	s.mu.Lock()
	st = s.channels[name]
	if st == nil {
		s.mu.Unlock()
		return nil
	}
	resubmit := st.chunk != nil
	request := false
	if !resubmit {
		st.showQueued = false
		if len(st.subscribers) > 0 {
			st.reserved = true
			request = true
		}
	}
	s.mu.Unlock()

	if request {
		_ = s.dev.CallNoWait(context.Background(), producer, RequestNetwork, name)
	}
	if resubmit {
		if err := s.showPool.Submit(name); err != nil {
			s.mu.Lock()
			st.showQueued = false
			s.mu.Unlock()
		}
	}
	return nil
}
