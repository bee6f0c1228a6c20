package proxy

import (
	"context"

	"github.com/European-XFEL/Karabo-sub006/errors"
)

// waiter is one parked WaitUntilNew call. An empty path set matches any
// change.
type waiter struct {
	paths map[string]bool
	ch    chan struct{}
}

func (w *waiter) matches(changed []string) bool {
	if len(w.paths) == 0 {
		return true
	}
	for _, p := range changed {
		if w.paths[p] {
			return true
		}
	}
	return false
}

func (p *Proxy) addWaiter(paths ...string) *waiter {
	w := &waiter{ch: make(chan struct{})}
	if len(paths) > 0 {
		w.paths = make(map[string]bool, len(paths))
		for _, path := range paths {
			w.paths[path] = true
		}
	}
	p.mu.Lock()
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	return w
}

func (p *Proxy) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.waiters {
		if existing == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// WaitUntilNew blocks until one of the named properties changes; with
// no names, until any change arrives. Device death fails with
// Disconnected.
func (p *Proxy) WaitUntilNew(ctx context.Context, paths ...string) error {
	if !p.Alive() {
		return errors.NewDisconnected(p.deviceID, "proxy", "WaitUntilNew")
	}
	w := p.addWaiter(paths...)
	select {
	case <-w.ch:
		if !p.Alive() {
			return errors.NewDisconnected(p.deviceID, "proxy", "WaitUntilNew")
		}
		return nil
	case <-ctx.Done():
		p.removeWaiter(w)
		return ctx.Err()
	}
}

// WaitUntil re-evaluates the predicate on every inbound change until it
// holds. The predicate is checked once up front, so an already-true
// condition returns immediately.
func (p *Proxy) WaitUntil(ctx context.Context, pred func() bool) error {
	for {
		if !p.Alive() {
			return errors.NewDisconnected(p.deviceID, "proxy", "WaitUntil")
		}
		if pred() {
			return nil
		}
		if err := p.WaitUntilNew(ctx); err != nil {
			return err
		}
	}
}
