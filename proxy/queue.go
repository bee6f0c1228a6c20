package proxy

import (
	"context"

	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/pkg/buffer"
	"github.com/European-XFEL/Karabo-sub006/pkg/timestamp"
)

// QueueValue is one observed property value with its timestamp.
type QueueValue struct {
	Value     any
	Timestamp timestamp.Timestamp
}

// queueCapacity bounds each value queue; beyond it the oldest values
// are dropped.
const queueCapacity = 128

// Queue delivers successive values of one property in arrival order.
// It is lossless while drained within its bound; past the bound the
// oldest values are dropped first.
type Queue struct {
	proxy  *Proxy
	path   string
	buf    buffer.Buffer[QueueValue]
	notify chan struct{}
}

// Queue creates (and registers) a value queue for one property path.
func (p *Proxy) Queue(path string) (*Queue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sch.Descriptor(path); !ok {
		return nil, errors.NewKeyNotFound(path)
	}
	buf, err := buffer.NewCircular[QueueValue](queueCapacity)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		proxy:  p,
		path:   path,
		buf:    buf,
		notify: make(chan struct{}, 1),
	}
	p.queues[path] = append(p.queues[path], q)
	return q, nil
}

func (q *Queue) push(v QueueValue) {
	_ = q.buf.Write(v)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a value is available.
func (q *Queue) Next(ctx context.Context) (QueueValue, error) {
	for {
		if v, ok := q.buf.Read(); ok {
			return v, nil
		}
		if !q.proxy.Alive() {
			return QueueValue{}, errors.NewDisconnected(q.proxy.deviceID, "proxy", "Queue.Next")
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return QueueValue{}, ctx.Err()
		}
	}
}

// Pending returns the number of buffered values.
func (q *Queue) Pending() int {
	return q.buf.Size()
}

// Restart drops every buffered value; delivery continues with the next
// change.
func (q *Queue) Restart() {
	q.buf.Clear()
	select {
	case <-q.notify:
	default:
	}
}

// Close detaches the queue from its proxy.
func (q *Queue) Close() {
	p := q.proxy
	p.mu.Lock()
	queues := p.queues[q.path]
	for i, existing := range queues {
		if existing == q {
			p.queues[q.path] = append(queues[:i], queues[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	_ = q.buf.Close()
}
