package buffer

import "github.com/prometheus/client_golang/prometheus"

// Option configures a buffer at construction.
type Option[T any] func(*config[T])

type config[T any] struct {
	policy OverflowPolicy
	onDrop DropCallback[T]
	depth  prometheus.Gauge
}

// WithPolicy selects the overflow policy; DropOldest is the default.
func WithPolicy[T any](p OverflowPolicy) Option[T] {
	return func(c *config[T]) { c.policy = p }
}

// WithDropCallback observes dropped items.
func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(c *config[T]) { c.onDrop = fn }
}

// WithDepthGauge tracks the buffer size on a prometheus gauge.
func WithDepthGauge[T any](g prometheus.Gauge) Option[T] {
	return func(c *config[T]) { c.depth = g }
}

func applyOptions[T any](options ...Option[T]) config[T] {
	var c config[T]
	for _, opt := range options {
		opt(&c)
	}
	return c
}
