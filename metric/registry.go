// Package metric exposes the process's prometheus instrumentation on a
// private registry so tests can run many registries side by side.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "karabo"

// Registry bundles the runtime's metrics with the prometheus registry
// they are registered on.
type Registry struct {
	registry *prometheus.Registry

	// Broker traffic.
	FramesPublished *prometheus.CounterVec
	FramesConsumed  *prometheus.CounterVec

	// Slot dispatch.
	SlotInvocations *prometheus.CounterVec
	SlotDuration    *prometheus.HistogramVec
	CallTimeouts    *prometheus.CounterVec

	// Gateway.
	ConnectedClients prometheus.Gauge
	BytesWritten     *prometheus.CounterVec
	BannerChanges    prometheus.Counter

	// Topology.
	KnownInstances prometheus.Gauge
}

// NewRegistry creates a registry pre-populated with every runtime
// metric plus the standard Go and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		FramesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "Frames published to the broker, by signal function.",
		}, []string{"function"}),
		FramesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_consumed_total",
			Help:      "Frames consumed from the broker, by signal function.",
		}, []string{"function"}),

		SlotInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_invocations_total",
			Help:      "Slot invocations, by slot name and outcome.",
		}, []string{"slot", "outcome"}),
		SlotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slot_duration_seconds",
			Help:      "Slot execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"slot"}),
		CallTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_timeouts_total",
			Help:      "Outbound calls that timed out, by target instance.",
		}, []string{"target"}),

		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gui_connected_clients",
			Help:      "GUI clients currently connected to the gateway.",
		}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gui_bytes_written_total",
			Help:      "Bytes written to GUI clients, by client address.",
		}, []string{"client"}),
		BannerChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gui_banner_changes_total",
			Help:      "Banner updates broadcast to GUI clients.",
		}),

		KnownInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topology_known_instances",
			Help:      "Instances currently tracked in the topology.",
		}),
	}

	r.registry.MustRegister(
		r.FramesPublished,
		r.FramesConsumed,
		r.SlotInvocations,
		r.SlotDuration,
		r.CallTimeouts,
		r.ConnectedClients,
		r.BytesWritten,
		r.BannerChanges,
		r.KnownInstances,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry for scraping.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
