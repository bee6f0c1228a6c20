// Package device implements the runtime object every instance on the
// broker is built from: the SignalSlotable messaging core, the Device
// with its standard slots, heartbeat tracking and lifecycle.
package device

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"

	"github.com/European-XFEL/Karabo-sub006/broker"
	"github.com/European-XFEL/Karabo-sub006/metric"
)

// ProcessContext carries the per-process collaborators every device
// receives at construction. It replaces any global process state.
type ProcessContext struct {
	Transport broker.Transport
	ServerID  string
	Hostname  string
	Logger    *slog.Logger
	Metrics   *metric.Registry
	Topology  *Topology
}

// NewProcessContext fills in defaults for optional fields.
func NewProcessContext(t broker.Transport, serverID string) *ProcessContext {
	hostname, _ := os.Hostname()
	return &ProcessContext{
		Transport: t,
		ServerID:  serverID,
		Hostname:  hostname,
		Logger:    slog.Default(),
		Metrics:   metric.NewRegistry(),
		Topology:  NewTopology(),
	}
}

// taskGroup supervises background goroutines: failures are logged with
// their stack and never crash the process; Cancel stops and awaits all.
type taskGroup struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func newTaskGroup(parent context.Context, logger *slog.Logger) *taskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &taskGroup{ctx: ctx, cancel: cancel, logger: logger}
}

// Go runs fn supervised until it returns or the group is cancelled.
func (g *taskGroup) Go(name string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	ctx := g.ctx
	g.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("background task panicked",
					"task", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			g.logger.Error("background task failed", "task", name, "error", err)
		}
	}()
}

// Cancel stops every task and waits for them to finish.
func (g *taskGroup) Cancel() {
	g.cancel()
	g.wg.Wait()
}

// Context returns the group's context.
func (g *taskGroup) Context() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctx
}
