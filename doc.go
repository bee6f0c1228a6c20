// Package karabo is a distributed device-control runtime: typed,
// schema-validated devices communicating over a message broker, plus a
// gateway that serves GUI clients a framed binary protocol.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          GUI clients                │  framed binary Hashes
//	│  (guiclient, control panels)        │  over TCP / websocket
//	└──────────────────┬──────────────────┘
//	                   ↓
//	┌─────────────────────────────────────┐
//	│          GUI server                 │  sessions, fan-out,
//	│  (guiserver: gateway device)        │  pipeline back-pressure
//	└──────────────────┬──────────────────┘
//	                   ↓
//	┌─────────────────────────────────────┐
//	│          Broker (NATS)              │  signal/slot routing,
//	│  (broker: sessions and codecs)      │  request/reply correlation
//	└──────────────────┬──────────────────┘
//	                   ↓
//	┌─────────────────────────────────────┐
//	│          Devices                    │  schema-validated state,
//	│  (device, configurable, schema)     │  heartbeats, topology
//	└─────────────────────────────────────┘
//
// # Packages
//
// Data model:
//   - hash: ordered key→value container with attributes, the universal
//     payload, and its binary codec
//   - schema: descriptors, schema filtering and validation
//   - configurable: validated runtime state with parameter injection
//
// Runtime:
//   - broker: NATS transport, signal/slot sessions, wire headers
//   - device: signal/slot dispatch, standard slots, heartbeat
//     tracking, topology
//   - proxy: client-side device proxies with write coalescing
//
// Gateway:
//   - guiserver: the GUI gateway device
//   - guiclient: the framed TCP client adapter
//
// Infrastructure:
//   - config: process configuration
//   - errors: typed error kinds shared across layers
//   - metric: Prometheus registry and scrape endpoint
//   - pkg/buffer, pkg/worker, pkg/retry, pkg/timestamp: bounded
//     buffers, worker pools, backoff, timestamps
package karabo
