// Package coord is the client side of the coordination substrate: an
// atomic compare-and-set store of lock entries plus release notifications.
//
// Backends:
//   - Raft: an in-process raft node, used by servers
//   - Remote: gRPC to a set of servers, used by clients
//   - Redis: WATCH/MULTI transactions and pub/sub on a redis instance
//   - Memory: a single process state machine, for tests and embedding
package coord

import (
	"context"
	"time"

	"github.com/pixperk/clusterlock/pkg/fsm"
	"github.com/pixperk/clusterlock/pkg/types"
)

// Coordinator is a consistent store of lock entries.
//
// Acquire is a single non-blocking compare-and-set attempt: on contention
// it returns a *types.HeldError telling when the blocking lease runs out.
// Waiting is the caller's business, Watch only says when to look again.
type Coordinator interface {
	Acquire(ctx context.Context, req types.AcquireRequest) (types.Grant, error)
	Release(ctx context.Context, name, owner string, token uint64) (types.ReleaseResult, error)

	// entry as currently held, nil when free
	Inspect(ctx context.Context, name string) (*types.LockEntry, error)

	// notified whenever a holder leaves name, closed when ctx is done
	Watch(ctx context.Context, name string) (<-chan struct{}, error)

	Status(ctx context.Context) (Status, error)
	Close() error
}

type Status struct {
	Backend        string
	NodeID         string
	Group          string
	Leader         string
	IsLeader       bool
	Locks          int
	Holders        int
	FencingCounter uint64
	Now            time.Time
}

const (
	BackendRaft   = "raft"
	BackendRemote = "remote"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// anything applying commands to a lock state machine
type applier interface {
	Apply(cmd types.Command) (any, error)
}

func applyAcquire(a applier, req types.AcquireRequest, now time.Time) (types.Grant, error) {
	if err := req.Validate(); err != nil {
		return types.Grant{}, err
	}
	resp, err := a.Apply(types.AcquireLockCommand{
		LockName:  req.Name,
		OwnerID:   req.Owner,
		Mode:      req.Mode,
		Lease:     req.Lease,
		Reentrant: req.Reentrant,
		Now:       now,
	})
	if err != nil {
		return types.Grant{}, err
	}
	return resp.(fsm.AcquireLockResponse).Grant, nil
}

func applyRelease(a applier, name, owner string, token uint64, now time.Time) (types.ReleaseResult, error) {
	resp, err := a.Apply(types.ReleaseLockCommand{
		LockName: name,
		OwnerID:  owner,
		Token:    token,
		Now:      now,
	})
	if err != nil {
		return types.ReleaseResult{}, err
	}
	return resp.(fsm.ReleaseLockResponse).Result, nil
}
