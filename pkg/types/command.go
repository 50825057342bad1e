package types

import "time"

// type of FSM command
type CommandType uint

const (
	CommandTypeAcquireLock CommandType = iota + 1
	CommandTypeReleaseLock
	CommandTypeExpireLeases
)

func (t CommandType) String() string {
	switch t {
	case CommandTypeAcquireLock:
		return "acquire"
	case CommandTypeReleaseLock:
		return "release"
	case CommandTypeExpireLeases:
		return "expire"
	default:
		return "unknown"
	}
}

// interface all FSM commands implement
// every command carries the instant it was stamped with by the leader,
// replicas never read their own clock while applying
type Command interface {
	Type() CommandType
	StampedAt() time.Time
}

// compare-and-set acquire of a lock entry
type AcquireLockCommand struct {
	LockName  string
	OwnerID   string
	Mode      Mode
	Lease     time.Duration
	Reentrant bool
	Now       time.Time
}

func (c AcquireLockCommand) Type() CommandType    { return CommandTypeAcquireLock }
func (c AcquireLockCommand) StampedAt() time.Time { return c.Now }

func (c AcquireLockCommand) Request() AcquireRequest {
	return AcquireRequest{
		Name:      c.LockName,
		Owner:     c.OwnerID,
		Mode:      c.Mode,
		Lease:     c.Lease,
		Reentrant: c.Reentrant,
	}
}

// releases one reentrancy level of a hold
type ReleaseLockCommand struct {
	LockName string
	OwnerID  string
	Token    uint64
	Now      time.Time
}

func (c ReleaseLockCommand) Type() CommandType    { return CommandTypeReleaseLock }
func (c ReleaseLockCommand) StampedAt() time.Time { return c.Now }

// reclaims every holder whose lease ran out (internal, leader only)
type ExpireLeasesCommand struct {
	Now time.Time
}

func (c ExpireLeasesCommand) Type() CommandType    { return CommandTypeExpireLeases }
func (c ExpireLeasesCommand) StampedAt() time.Time { return c.Now }

// stamps a command with now, leaving already stamped commands alone
func Stamp(cmd Command, now time.Time) Command {
	if !cmd.StampedAt().IsZero() {
		return cmd
	}
	switch c := cmd.(type) {
	case AcquireLockCommand:
		c.Now = now
		return c
	case ReleaseLockCommand:
		c.Now = now
		return c
	case ExpireLeasesCommand:
		c.Now = now
		return c
	}
	return cmd
}
