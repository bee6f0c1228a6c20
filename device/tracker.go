package device

import (
	"context"
	"sync"
	"time"
)

// Tracker watches peer heartbeats. A peer that stays silent for three
// times its announced interval is marked dead without any log noise;
// registered callbacks decide what to do about it.
type Tracker struct {
	mu     sync.Mutex
	peers  map[string]*peerState
	onDead []func(instanceID string)

	now func() time.Time
}

type peerState struct {
	interval time.Duration
	lastSeen time.Time
	dead     bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		peers: make(map[string]*peerState),
		now:   time.Now,
	}
}

// OnDead registers a callback fired once per death.
func (t *Tracker) OnDead(fn func(instanceID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDead = append(t.onDead, fn)
}

// Track starts watching a peer with the given heartbeat interval.
func (t *Tracker) Track(instanceID string, interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[instanceID] = &peerState{interval: interval, lastSeen: t.now()}
}

// Beat records a heartbeat. Untracked peers are ignored unless track is
// requested implicitly by an earlier Track call; a beat revives a peer
// marked dead.
func (t *Tracker) Beat(instanceID string, interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[instanceID]
	if !ok {
		return
	}
	p.lastSeen = t.now()
	p.dead = false
	if interval > 0 {
		p.interval = interval
	}
}

// Untrack stops watching a peer.
func (t *Tracker) Untrack(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, instanceID)
}

// Tracked reports whether the peer is being watched.
func (t *Tracker) Tracked(instanceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[instanceID]
	return ok
}

// Alive reports whether the peer is tracked and not marked dead.
func (t *Tracker) Alive(instanceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[instanceID]
	return ok && !p.dead
}

// Sweep marks peers silent for longer than three intervals and returns
// the newly dead ids.
func (t *Tracker) Sweep() []string {
	t.mu.Lock()
	now := t.now()
	var dead []string
	for id, p := range t.peers {
		if p.dead {
			continue
		}
		if now.Sub(p.lastSeen) > 3*p.interval {
			p.dead = true
			dead = append(dead, id)
		}
	}
	callbacks := append([]func(string){}, t.onDead...)
	t.mu.Unlock()

	for _, id := range dead {
		for _, fn := range callbacks {
			fn(id)
		}
	}
	return dead
}

// Run sweeps periodically until the context is cancelled.
func (t *Tracker) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep()
		}
	}
}
