// Package guiclient is the framed TCP counterpart of the gateway: it
// writes binary Hash frames and demultiplexes inbound frames by their
// type discriminator.
package guiclient

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/guiserver"
	"github.com/European-XFEL/Karabo-sub006/hash"
)

// queued frames per type before the oldest are dropped.
const queueBound = 256

// Client is one connection to a GUI server.
type Client struct {
	conn net.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	queues  map[string][]*hash.Hash
	waiters map[string][]chan *hash.Hash
	readErr error

	done      chan struct{}
	closeOnce sync.Once
}

// Option adjusts the client.
type Option func(*Client)

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Connect dials the gateway and starts the reader.
func Connect(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		log:     slog.Default(),
		queues:  make(map[string][]*hash.Hash),
		waiters: make(map[string][]chan *hash.Hash),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		frame, err := guiserver.ReadFrame(c.conn)
		if err != nil {
			c.mu.Lock()
			if c.readErr == nil {
				c.readErr = errors.NewDisconnected(c.conn.RemoteAddr().String(), "guiclient", "read")
			}
			c.mu.Unlock()
			c.closeOnce.Do(func() {
				close(c.done)
				_ = c.conn.Close()
			})
			return
		}
		typ, err := frame.GetString("type")
		if err != nil {
			c.log.Warn("frame without type dropped")
			continue
		}
		c.deliver(typ, frame)
	}
}

func (c *Client) deliver(typ string, frame *hash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ws := c.waiters[typ]; len(ws) > 0 {
		ch := ws[0]
		c.waiters[typ] = ws[1:]
		ch <- frame
		return
	}
	q := append(c.queues[typ], frame)
	if len(q) > queueBound {
		q = q[len(q)-queueBound:]
	}
	c.queues[typ] = q
}

// Send writes one frame.
func (c *Client) Send(frame *hash.Hash) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := guiserver.WriteFrame(c.conn, frame)
	return err
}

// GetNext returns the next frame of the given type, blocking until one
// arrives, the context ends or the connection drops.
func (c *Client) GetNext(ctx context.Context, typ string) (*hash.Hash, error) {
	c.mu.Lock()
	if q := c.queues[typ]; len(q) > 0 {
		frame := q[0]
		c.queues[typ] = q[1:]
		c.mu.Unlock()
		return frame, nil
	}
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	}
	ch := make(chan *hash.Hash, 1)
	c.waiters[typ] = append(c.waiters[typ], ch)
	c.mu.Unlock()

	select {
	case frame := <-ch:
		return frame, nil
	case <-c.done:
		// a frame may have won the race with the close
		select {
		case frame := <-ch:
			return frame, nil
		default:
		}
		c.removeWaiter(typ, ch)
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		c.removeWaiter(typ, ch)
		select {
		case frame := <-ch:
			return frame, nil
		default:
		}
		return nil, ctx.Err()
	}
}

func (c *Client) removeWaiter(typ string, ch chan *hash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[typ]
	for i, w := range ws {
		if w == ch {
			c.waiters[typ] = append(ws[:i:i], ws[i+1:]...)
			return
		}
	}
}

// GetAll drains the buffered frames of one type without blocking.
func (c *Client) GetAll(typ string) []*hash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queues[typ]
	delete(c.queues, typ)
	return out
}

// Login sends the login frame and waits for loginInformation.
func (c *Client) Login(ctx context.Context, frame *hash.Hash) (*hash.Hash, error) {
	if !frame.Has("type") {
		_ = frame.Set("type", "login")
	}
	if err := c.Send(frame); err != nil {
		return nil, err
	}
	return c.GetNext(ctx, "loginInformation")
}

// Request performs a correlated requestGeneric exchange. The token is
// generated here; the matching reply frame is returned, frames for
// other tokens are re-queued for their own callers.
func (c *Client) Request(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	token := uuid.NewString()
	_ = req.Set("type", "requestGeneric")
	_ = req.Set("token", token)
	replyType := req.GetStringDefault("replyType", "requestGeneric")
	if err := c.Send(req); err != nil {
		return nil, err
	}
	var skipped []*hash.Hash
	defer func() {
		for _, f := range skipped {
			c.deliver(replyType, f)
		}
	}()
	for {
		frame, err := c.GetNext(ctx, replyType)
		if err != nil {
			return nil, err
		}
		if frame.GetStringDefault("token", "") == token {
			return frame, nil
		}
		skipped = append(skipped, frame)
	}
}

// Disconnect cancels the reader and closes the socket.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.readErr == nil {
			c.readErr = errors.NewDisconnected(c.conn.RemoteAddr().String(), "guiclient", "disconnect")
		}
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}
