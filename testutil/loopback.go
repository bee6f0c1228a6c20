// Package testutil provides in-process doubles for tests: a loopback
// broker transport that delivers frames synchronously, plus wait helpers.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/European-XFEL/Karabo-sub006/broker"
)

// Frame is one captured publish.
type Frame struct {
	Subject string
	Header  map[string]string
	Data    []byte
}

// LoopbackTransport implements broker.Transport in memory. Frames are
// delivered to subscribers synchronously on the publishing goroutine and
// recorded for assertions. Thread-safe.
type LoopbackTransport struct {
	topic string

	mu       sync.RWMutex
	handlers map[string][]func(header map[string]string, data []byte)
	frames   []Frame
	closed   bool
}

// NewLoopbackTransport creates a loopback broker for the given topic.
func NewLoopbackTransport(topic string) *LoopbackTransport {
	return &LoopbackTransport{
		topic:    topic,
		handlers: make(map[string][]func(header map[string]string, data []byte)),
	}
}

// Topic implements broker.Transport.
func (l *LoopbackTransport) Topic() string {
	return l.topic
}

// Session creates a broker session bound to this transport.
func (l *LoopbackTransport) Session(instanceID, classID string) (broker.Session, error) {
	return broker.NewSession(l, instanceID, classID)
}

// PublishFrame implements broker.Transport.
func (l *LoopbackTransport) PublishFrame(_ context.Context, subject string, header map[string]string, data []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return context.Canceled
	}
	headerCopy := make(map[string]string, len(header))
	for k, v := range header {
		headerCopy[k] = v
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	l.frames = append(l.frames, Frame{Subject: subject, Header: headerCopy, Data: dataCopy})
	handlers := make([]func(map[string]string, []byte), len(l.handlers[subject]))
	copy(handlers, l.handlers[subject])
	l.mu.Unlock()

	for _, h := range handlers {
		h(headerCopy, dataCopy)
	}
	return nil
}

// SubscribeFrames implements broker.Transport.
func (l *LoopbackTransport) SubscribeFrames(subject string, fn func(header map[string]string, data []byte)) (func() error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[subject] = append(l.handlers[subject], fn)
	idx := len(l.handlers[subject]) - 1
	return func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		hs := l.handlers[subject]
		if idx < len(hs) {
			hs[idx] = func(map[string]string, []byte) {}
		}
		return nil
	}, nil
}

// Frames returns a copy of every captured publish.
func (l *LoopbackTransport) Frames() []Frame {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Frame, len(l.frames))
	copy(out, l.frames)
	return out
}

// FramesOn returns the captured publishes for one subject.
func (l *LoopbackTransport) FramesOn(subject string) []Frame {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Frame
	for _, f := range l.frames {
		if f.Subject == subject {
			out = append(out, f)
		}
	}
	return out
}

// Messages decodes every captured frame into broker messages.
func (l *LoopbackTransport) Messages() []*broker.Message {
	frames := l.Frames()
	out := make([]*broker.Message, 0, len(frames))
	for _, f := range frames {
		if msg, err := broker.DecodePayload(f.Header, f.Data); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// MessagesWithFunction returns decoded frames whose signalFunction header
// matches.
func (l *LoopbackTransport) MessagesWithFunction(fn string) []*broker.Message {
	var out []*broker.Message
	for _, m := range l.Messages() {
		if m.Header[broker.HeaderSignalFunction] == fn {
			out = append(out, m)
		}
	}
	return out
}

// Clear drops the captured frames.
func (l *LoopbackTransport) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = nil
}

// Close stops delivery; further publishes fail.
func (l *LoopbackTransport) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// WaitFor polls until cond returns true or the timeout expires.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// Eventually is WaitFor with a default timeout.
func Eventually(t *testing.T, cond func() bool) {
	t.Helper()
	WaitFor(t, 2*time.Second, cond)
}
