package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Lock state errors
	ErrLockTimeout         = errors.New("lock wait timed out")
	ErrInterrupted         = errors.New("lock wait interrupted")
	ErrUpgradeNotSupported = errors.New("shared to exclusive upgrade is not supported")
	ErrStaleRelease        = errors.New("release of a lock no longer held by the owner")
	ErrAlreadyReleased     = errors.New("handle already released")
	ErrLockHeld            = errors.New("lock is held in an incompatible mode")
	ErrNotHolder           = errors.New("owner does not hold the lock")

	// Request errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidMode     = errors.New("invalid lock mode")
	ErrInvalidLeaseTTL = errors.New("invalid lease duration")

	// Substrate errors
	ErrCoordinationUnavailable = errors.New("coordination service unavailable")
	ErrNotLeader               = errors.New("node is not the cluster leader")
	ErrGroupMismatch           = errors.New("group identity mismatch")
)

// TimeoutError is returned when a lock could not be granted within the wait bound.
type TimeoutError struct {
	Name   string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("could not acquire lock %q within %s", e.Name, e.Waited)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// HeldError reports contention on a single compare-and-set attempt.
// RetryAt is the earliest instant a blocking holder's lease runs out.
type HeldError struct {
	Name    string
	Mode    Mode
	RetryAt time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %q is held in %s mode", e.Name, e.Mode)
}

func (e *HeldError) Is(target error) bool {
	return target == ErrLockHeld
}

// NotLeaderError carries the address of the current leader, if known.
type NotLeaderError struct {
	Leader string
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return ErrNotLeader.Error()
	}
	return fmt.Sprintf("%s, leader is at %s", ErrNotLeader, e.Leader)
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
