package types

import "time"

// a lease represents a time-bound hold on a lock
// we cannot hold the lock indefinitely
// once the lease expires the holder is treated as released, whether it is alive or not
type Lease struct {
	Duration  time.Duration
	ExpiresAt time.Time //absolute expiry, stamped by the substrate
}

// creates a lease starting at now
func NewLease(d time.Duration, now time.Time) Lease {
	d = NormalizeLease(d)
	return Lease{
		Duration:  d,
		ExpiresAt: now.Add(d),
	}
}

// checks if the lease has expired at the given instant
// expiry is inclusive: now == ExpiresAt is already expired
func (l Lease) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// remaining hold time at now, never negative
func (l Lease) Remaining(now time.Time) time.Duration {
	if l.IsExpired(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// NormalizeLease converts a lease duration to whole milliseconds.
// Partial milliseconds round up so a lease is never shorter than requested,
// and any positive duration is at least one millisecond.
func NormalizeLease(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms * time.Millisecond
}
