package fsm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pixperk/clusterlock/pkg/types"
)

// kind of state change reported to observers
type EventKind uint8

const (
	EventReleased EventKind = iota + 1 //holder released its last level
	EventExpired                       //holder lease ran out and was reclaimed
	EventReset                         //whole state replaced from a snapshot
)

// a holder left a lock entry, waiters on Name may retry
type Event struct {
	Kind  EventKind
	Name  string
	Owner string
	Freed bool //entry reverted to free
}

// called after a command is applied, outside the fsm lock
type Observer func(Event)

// manages cluster lock state
// critical :
// - fencing tokens must be strictly monotonic
// - the state machine never reads a clock, every command brings its own now
// - time never goes backwards across leaders, stamps older than the last applied one are clamped
type FSM struct {
	mu sync.RWMutex

	entries map[string]*types.LockEntry // lock name -> entry, free entries are deleted

	fencingCounter uint64    // global fencing token counter (monotonic)
	lastApplied    time.Time // latest command stamp applied

	observer Observer
}

func NewFSM() *FSM {
	return &FSM{
		entries: make(map[string]*types.LockEntry),
	}
}

// registers the observer receiving release and expiry events
func (f *FSM) SetObserver(o Observer) {
	f.mu.Lock()
	f.observer = o
	f.mu.Unlock()
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()

	var (
		result any
		err    error
		events []Event
	)

	now := f.advance(cmd.StampedAt())

	switch c := cmd.(type) {
	case types.AcquireLockCommand:
		result, events, err = f.applyAcquireLock(c, now)
	case types.ReleaseLockCommand:
		result, events, err = f.applyReleaseLock(c, now)
	case types.ExpireLeasesCommand:
		result, events, err = f.applyExpireLeases(now)
	default:
		err = fmt.Errorf("unknown command type: %T", cmd)
	}

	observer := f.observer
	f.mu.Unlock()

	if observer != nil {
		for _, ev := range events {
			observer(ev)
		}
	}
	return result, err
}

// clamps a command stamp to the last applied instant
func (f *FSM) advance(stamp time.Time) time.Time {
	if stamp.After(f.lastApplied) {
		f.lastApplied = stamp
	}
	return f.lastApplied
}

func (f *FSM) nextToken() uint64 {
	f.fencingCounter++
	return f.fencingCounter
}

// reclaims expired holders of one entry, deleting it once free
func (f *FSM) reclaim(e *types.LockEntry, now time.Time) []Event {
	owners := e.Reclaim(now)
	if len(owners) == 0 {
		return nil
	}
	sort.Strings(owners)

	events := make([]Event, 0, len(owners))
	for i, owner := range owners {
		events = append(events, Event{
			Kind:  EventExpired,
			Name:  e.Name,
			Owner: owner,
			Freed: e.IsFree() && i == len(owners)-1,
		})
	}
	if e.IsFree() {
		delete(f.entries, e.Name)
	}
	return events
}

// returned when a lock is granted
type AcquireLockResponse struct {
	Grant types.Grant
}

func (f *FSM) applyAcquireLock(cmd types.AcquireLockCommand, now time.Time) (any, []Event, error) {
	req := cmd.Request()
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	e, exists := f.entries[cmd.LockName]
	var events []Event
	if exists {
		events = f.reclaim(e, now)
	}
	if !exists || e.IsFree() {
		e = types.NewLockEntry(cmd.LockName)
	}

	grant, err := e.Acquire(req, now, f.nextToken)
	if err != nil {
		return nil, events, err
	}
	f.entries[cmd.LockName] = e

	return AcquireLockResponse{Grant: grant}, events, nil
}

// returned when a hold is released
type ReleaseLockResponse struct {
	Result types.ReleaseResult
}

func (f *FSM) applyReleaseLock(cmd types.ReleaseLockCommand, now time.Time) (any, []Event, error) {
	e, exists := f.entries[cmd.LockName]
	if !exists {
		return nil, nil, types.ErrStaleRelease
	}

	events := f.reclaim(e, now)

	res, err := e.Release(cmd.OwnerID, cmd.Token, now)
	if err != nil {
		return nil, events, err
	}

	if res.Remaining == 0 {
		events = append(events, Event{
			Kind:  EventReleased,
			Name:  cmd.LockName,
			Owner: cmd.OwnerID,
			Freed: res.Freed,
		})
	}
	if res.Freed {
		delete(f.entries, cmd.LockName)
	}

	return ReleaseLockResponse{Result: res}, events, nil
}

// returned by a lease sweep
type ExpireLeasesResponse struct {
	Reclaimed int
}

func (f *FSM) applyExpireLeases(now time.Time) (any, []Event, error) {
	names := make([]string, 0, len(f.entries))
	for name := range f.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var events []Event
	for _, name := range names {
		events = append(events, f.reclaim(f.entries[name], now)...)
	}

	return ExpireLeasesResponse{Reclaimed: len(events)}, events, nil
}

// returns a copy of the entry as seen at now, expired holders hidden
func (f *FSM) GetLock(name string, now time.Time) (*types.LockEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e, exists := f.entries[name]
	if !exists {
		return nil, false
	}

	c := e.Clone()
	c.Reclaim(now)
	if c.IsFree() {
		return nil, false
	}
	return c, true
}

// returns copies of every held entry at now, sorted by name
func (f *FSM) Locks(now time.Time) []*types.LockEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]*types.LockEntry, 0, len(f.entries))
	for _, e := range f.entries {
		c := e.Clone()
		c.Reclaim(now)
		if !c.IsFree() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// reports whether any holder has an expired lease at now
func (f *FSM) HasExpired(now time.Time) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, e := range f.entries {
		for _, h := range e.Holders {
			if h.Lease.IsExpired(now) {
				return true
			}
		}
	}
	return false
}

// current fsm stats
type Stats struct {
	Locks          int
	Holders        int
	FencingCounter uint64
	LastApplied    time.Time
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	holders := 0
	for _, e := range f.entries {
		holders += len(e.Holders)
	}

	return Stats{
		Locks:          len(f.entries),
		Holders:        holders,
		FencingCounter: f.fencingCounter,
		LastApplied:    f.lastApplied,
	}
}
