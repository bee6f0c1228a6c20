package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/pkg/retry"
)

// ConnectionStatus is the state of the broker connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Status holds runtime status information for the broker client.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Reconnects      int32
	RTT             time.Duration
}

// Client manages the NATS connection a process shares between all of its
// device sessions.
type Client struct {
	url    string
	topic  string
	status atomic.Value // ConnectionStatus

	conn *nats.Conn

	failures    atomic.Int32
	reconnects  atomic.Int32
	lastFailure atomic.Value // time.Time

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	clientName string

	onDisconnect func(error)
	onReconnect  func()

	logger *slog.Logger

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a broker client for the given NATS URL and topic.
// The topic namespaces every subject, so independent installations can
// share one broker.
func NewClient(url, topic string, opts ...ClientOption) (*Client, error) {
	if topic == "" {
		return nil, errors.NewValidation("topic", "broker topic must not be empty")
	}
	c := &Client{
		url:           url,
		topic:         topic,
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  10 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.status.Store(StatusDisconnected)
	c.lastFailure.Store(time.Time{})
	return c, nil
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// WithClientName names the connection at the broker.
func WithClientName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithTimeout sets the connect timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.NewValidation("timeout", "must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithReconnect tunes the reconnection policy.
func WithReconnect(maxReconnects int, wait time.Duration) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = maxReconnects
		c.reconnectWait = wait
		return nil
	}
}

// WithDisconnectHandler registers a callback for lost connections.
func WithDisconnectHandler(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onDisconnect = fn
		return nil
	}
}

// WithReconnectHandler registers a callback for re-established
// connections.
func WithReconnectHandler(fn func()) ClientOption {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}

// URL returns the broker URL.
func (c *Client) URL() string { return c.url }

// Topic returns the installation topic.
func (c *Client) Topic() string { return c.topic }

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	v := c.status.Load()
	if v == nil {
		return StatusDisconnected
	}
	return v.(ConnectionStatus)
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the connection failure count.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// GetStatus returns a snapshot of the client state.
func (c *Client) GetStatus() *Status {
	s := &Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
		Reconnects:      c.reconnects.Load(),
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			s.RTT = rtt
		}
	}
	return s
}

// Connect establishes the connection, retrying with backoff within the
// context's lifetime.
func (c *Client) Connect(ctx context.Context) error {
	c.status.Store(StatusConnecting)
	c.logger.Info("connecting to broker", "url", c.url, "topic", c.topic)

	cfg := retry.Config{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     c.reconnectWait,
		Multiplier:   2,
		AddJitter:    true,
	}
	err := retry.Do(ctx, cfg, func() error {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			c.recordFailure()
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		c.status.Store(StatusDisconnected)
		return errors.WrapKind(err, errors.KindDisconnected, "broker", "Connect", "establish connection")
	}

	c.status.Store(StatusConnected)
	c.logger.Info("connected to broker", "url", c.url)
	return nil
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(StatusReconnecting)
			c.recordFailure()
			c.logger.Warn("broker connection lost", "error", err)
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.status.Store(StatusConnected)
			c.reconnects.Add(1)
			c.logger.Info("broker connection re-established")
			if c.onReconnect != nil {
				c.onReconnect()
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.status.Store(StatusDisconnected)
		}),
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		c.status.Store(StatusDisconnected)
		return nil
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- conn.Drain() }()

	var drainErr error
	select {
	case err := <-drainDone:
		drainErr = err
	case <-time.After(c.drainTimeout):
		drainErr = fmt.Errorf("drain timeout after %v", c.drainTimeout)
	case <-ctx.Done():
		drainErr = ctx.Err()
	}
	conn.Close()
	c.status.Store(StatusDisconnected)

	if drainErr != nil {
		return errors.Wrap(drainErr, "broker", "Close", "drain connection")
	}
	return nil
}

// connection returns the live connection or a Disconnected error.
func (c *Client) connection() (*nats.Conn, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, errors.ErrNoConnection
	}
	return conn, nil
}
