package coord

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/clusterlock/pkg/fsm"
	"github.com/pixperk/clusterlock/pkg/metrics"
	"github.com/pixperk/clusterlock/pkg/notify"
	"github.com/pixperk/clusterlock/pkg/raft"
	clock "github.com/pixperk/clusterlock/pkg/time"
	"github.com/pixperk/clusterlock/pkg/types"
)

// forwards state machine events to waiters
func publishTo(hub *notify.Hub) fsm.Observer {
	return func(ev fsm.Event) {
		if ev.Kind == fsm.EventReset {
			hub.Publish(notify.Broadcast)
			return
		}
		hub.Publish(ev.Name)
	}
}

// Raft serves lock state from an in-process raft node.
// Writes go through the leader; on a follower they fail with a
// *types.NotLeaderError. Reads and watches are served locally.
type Raft struct {
	node *raft.Node
	hub  *notify.Hub
}

func NewRaft(node *raft.Node) *Raft {
	hub := notify.NewHub()
	node.FSM().SetObserver(publishTo(hub))
	return &Raft{node: node, hub: hub}
}

func (r *Raft) Acquire(ctx context.Context, req types.AcquireRequest) (types.Grant, error) {
	if err := ctx.Err(); err != nil {
		return types.Grant{}, err
	}
	//stamped by the leader
	return applyAcquire(r.node, req, time.Time{})
}

func (r *Raft) Release(ctx context.Context, name, owner string, token uint64) (types.ReleaseResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ReleaseResult{}, err
	}
	return applyRelease(r.node, name, owner, token, time.Time{})
}

func (r *Raft) Inspect(ctx context.Context, name string) (*types.LockEntry, error) {
	e, ok := r.node.FSM().GetLock(name, r.node.Now())
	if !ok {
		return nil, nil
	}
	return e, nil
}

func (r *Raft) Watch(ctx context.Context, name string) (<-chan struct{}, error) {
	return r.hub.Subscribe(ctx, name), nil
}

func (r *Raft) Status(ctx context.Context) (Status, error) {
	stats := r.node.Stats()
	metrics.RaftAppliedIndex.Set(float64(r.node.AppliedIndex()))
	return Status{
		Backend:        BackendRaft,
		NodeID:         r.node.ID(),
		Leader:         r.node.GetLeader(),
		IsLeader:       r.node.IsLeader(),
		Locks:          stats.Locks,
		Holders:        stats.Holders,
		FencingCounter: stats.FencingCounter,
		Now:            r.node.Now(),
	}, nil
}

// the node is owned by whoever created it
func (r *Raft) Close() error { return nil }

// Memory keeps lock state in this process only.
type Memory struct {
	id    string
	state *fsm.FSM
	hub   *notify.Hub
	clock clock.Clock
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.System()
	}
	state := fsm.NewFSM()
	hub := notify.NewHub()
	state.SetObserver(publishTo(hub))

	return &Memory{
		id:    uuid.NewString(),
		state: state,
		hub:   hub,
		clock: clk,
	}
}

func (m *Memory) Acquire(ctx context.Context, req types.AcquireRequest) (types.Grant, error) {
	if err := ctx.Err(); err != nil {
		return types.Grant{}, err
	}
	return applyAcquire(m.state, req, m.clock.Now())
}

func (m *Memory) Release(ctx context.Context, name, owner string, token uint64) (types.ReleaseResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ReleaseResult{}, err
	}
	return applyRelease(m.state, name, owner, token, m.clock.Now())
}

func (m *Memory) Inspect(ctx context.Context, name string) (*types.LockEntry, error) {
	e, ok := m.state.GetLock(name, m.clock.Now())
	if !ok {
		return nil, nil
	}
	return e, nil
}

func (m *Memory) Watch(ctx context.Context, name string) (<-chan struct{}, error) {
	return m.hub.Subscribe(ctx, name), nil
}

// reclaims expired holders and wakes their waiters
func (m *Memory) Sweep() (int, error) {
	resp, err := m.state.Apply(types.ExpireLeasesCommand{Now: m.clock.Now()})
	if err != nil {
		return 0, err
	}
	return resp.(fsm.ExpireLeasesResponse).Reclaimed, nil
}

func (m *Memory) Status(ctx context.Context) (Status, error) {
	stats := m.state.Stats()
	return Status{
		Backend:        BackendMemory,
		NodeID:         m.id,
		IsLeader:       true,
		Locks:          stats.Locks,
		Holders:        stats.Holders,
		FencingCounter: stats.FencingCounter,
		Now:            m.clock.Now(),
	}, nil
}

func (m *Memory) Close() error { return nil }
