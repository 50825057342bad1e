// Package registry serializes lock requests inside one process before they
// reach the coordination service, so local callers queue on a channel
// instead of polling the substrate against each other.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	clock "github.com/pixperk/clusterlock/pkg/time"
	"github.com/pixperk/clusterlock/pkg/types"
)

const shardCount = 64

// Registry maps lock names to gates. Each shard has its own mutex, there is
// no registry wide lock.
type Registry struct {
	shards [shardCount]shard
	clock  clock.Clock
}

type shard struct {
	mu    sync.Mutex
	gates map[string]*gate
}

// local holds on one name
type gate struct {
	exclusive bool
	holds     map[uint64]*hold
	waiters   int

	// closed and replaced whenever a hold leaves
	changed chan struct{}
}

type hold struct {
	mode      types.Mode
	expiresAt time.Time //zero until the substrate granted the lock
}

// Permit is one local hold. Release it exactly once.
type Permit struct {
	r    *Registry
	name string
	id   uint64
	once sync.Once
}

var permitSeq atomic.Uint64

func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System()
	}
	r := &Registry{clock: clk}
	for i := range r.shards {
		r.shards[i].gates = make(map[string]*gate)
	}
	return r
}

func (r *Registry) shard(name string) *shard {
	return &r.shards[xxhash.Sum64String(name)%shardCount]
}

// Enter waits until name can be held locally in mode.
// Shared holds share the gate, an exclusive hold waits for every other.
// Returns ctx.Err() when ctx ends first.
func (r *Registry) Enter(ctx context.Context, name string, mode types.Mode) (*Permit, error) {
	s := r.shard(name)

	s.mu.Lock()
	g, ok := s.gates[name]
	if !ok {
		g = &gate{holds: make(map[uint64]*hold), changed: make(chan struct{})}
		s.gates[name] = g
	}

	g.waiters++
	for {
		g.purge(r.clock.Now())
		if g.admits(mode) {
			break
		}

		wait := g.changed
		next := g.nextExpiry()
		s.mu.Unlock()

		err := r.await(ctx, wait, next)

		s.mu.Lock()
		if err != nil {
			g.waiters--
			s.dropIfIdle(name, g)
			s.mu.Unlock()
			return nil, err
		}
	}
	g.waiters--

	id := permitSeq.Add(1)
	g.holds[id] = &hold{mode: mode}
	g.exclusive = mode == types.ModeExclusive
	s.mu.Unlock()

	return &Permit{r: r, name: name, id: id}, nil
}

// blocks until the gate changes, the earliest local lease runs out or ctx ends
func (r *Registry) await(ctx context.Context, changed <-chan struct{}, expiry time.Time) error {
	var timer <-chan time.Time
	if !expiry.IsZero() {
		t := time.NewTimer(expiry.Sub(r.clock.Now()))
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-changed:
		return nil
	case <-timer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) admits(mode types.Mode) bool {
	if len(g.holds) == 0 {
		return true
	}
	return !g.exclusive && mode == types.ModeShared
}

// drops holds whose granted lease has run out
func (g *gate) purge(now time.Time) {
	removed := false
	for id, h := range g.holds {
		if !h.expiresAt.IsZero() && !now.Before(h.expiresAt) {
			delete(g.holds, id)
			removed = true
		}
	}
	if removed {
		g.signal()
	}
	if len(g.holds) == 0 {
		g.exclusive = false
	}
}

func (g *gate) nextExpiry() time.Time {
	var next time.Time
	for _, h := range g.holds {
		if h.expiresAt.IsZero() {
			continue
		}
		if next.IsZero() || h.expiresAt.Before(next) {
			next = h.expiresAt
		}
	}
	return next
}

func (g *gate) signal() {
	close(g.changed)
	g.changed = make(chan struct{})
}

func (s *shard) dropIfIdle(name string, g *gate) {
	if len(g.holds) == 0 && g.waiters == 0 && s.gates[name] == g {
		delete(s.gates, name)
	}
}

// Granted records the lease the substrate handed out, after which the
// local hold lapses on its own if it is never released.
func (p *Permit) Granted(expiresAt time.Time) {
	s := p.r.shard(p.name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.gates[p.name]; ok {
		if h, ok := g.holds[p.id]; ok {
			h.expiresAt = expiresAt
		}
	}
}

// Release leaves the gate and wakes local waiters.
func (p *Permit) Release() {
	p.once.Do(func() {
		s := p.r.shard(p.name)
		s.mu.Lock()
		defer s.mu.Unlock()

		g, ok := s.gates[p.name]
		if !ok {
			return
		}
		if _, ok := g.holds[p.id]; ok {
			delete(g.holds, p.id)
			if len(g.holds) == 0 {
				g.exclusive = false
			}
			g.signal()
		}
		s.dropIfIdle(p.name, g)
	})
}

func (p *Permit) Name() string {
	return p.name
}

// number of names with holds or waiters, for tests and status
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.gates)
		s.mu.Unlock()
	}
	return n
}
