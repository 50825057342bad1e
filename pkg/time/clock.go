package time

import (
	"sync"
	"time"
)

// clock is the only source of "now" for lease arithmetic
// the raft leader stamps commands with it, replicas never read it while applying
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// wall clock time
// time.Now carries a monotonic reading so durations measured against it
// keep moving forward even if the system time is changed
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time { return time.Now() }

// manual clock for tests, only moves when told to
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
