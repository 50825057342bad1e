package types

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// raft log entries are protobuf wire encoded commands
// field numbers are part of the log format, never reuse them
const (
	fieldType      protowire.Number = 1
	fieldLockName  protowire.Number = 2
	fieldOwnerID   protowire.Number = 3
	fieldMode      protowire.Number = 4
	fieldLeaseMs   protowire.Number = 5
	fieldReentrant protowire.Number = 6
	fieldToken     protowire.Number = 7
	fieldNow       protowire.Number = 8
)

var ErrMalformedCommand = errors.New("malformed command")

// flat view of every command field
type wireCommand struct {
	typ       CommandType
	lockName  string
	ownerID   string
	mode      Mode
	lease     time.Duration
	reentrant bool
	token     uint64
	now       time.Time
}

func EncodeCommand(cmd Command) ([]byte, error) {
	w := wireCommand{typ: cmd.Type(), now: cmd.StampedAt()}
	switch c := cmd.(type) {
	case AcquireLockCommand:
		w.lockName, w.ownerID, w.mode, w.lease, w.reentrant = c.LockName, c.OwnerID, c.Mode, c.Lease, c.Reentrant
	case ReleaseLockCommand:
		w.lockName, w.ownerID, w.token = c.LockName, c.OwnerID, c.Token
	case ExpireLeasesCommand:
	default:
		return nil, fmt.Errorf("%w: unknown command type %T", ErrMalformedCommand, cmd)
	}

	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.typ))
	if w.lockName != "" {
		b = protowire.AppendTag(b, fieldLockName, protowire.BytesType)
		b = protowire.AppendString(b, w.lockName)
	}
	if w.ownerID != "" {
		b = protowire.AppendTag(b, fieldOwnerID, protowire.BytesType)
		b = protowire.AppendString(b, w.ownerID)
	}
	if w.mode != ModeFree {
		b = protowire.AppendTag(b, fieldMode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(w.mode))
	}
	if w.lease > 0 {
		b = protowire.AppendTag(b, fieldLeaseMs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(NormalizeLease(w.lease)/time.Millisecond))
	}
	if w.reentrant {
		b = protowire.AppendTag(b, fieldReentrant, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if w.token != 0 {
		b = protowire.AppendTag(b, fieldToken, protowire.VarintType)
		b = protowire.AppendVarint(b, w.token)
	}
	if !w.now.IsZero() {
		b = protowire.AppendTag(b, fieldNow, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(w.now.UnixNano()))
	}
	return b, nil
}

func DecodeCommand(b []byte) (Command, error) {
	var w wireCommand
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldLockName || num == fieldOwnerID):
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(n))
			}
			if num == fieldLockName {
				w.lockName = s
			} else {
				w.ownerID = s
			}
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(n))
			}
			switch num {
			case fieldType:
				w.typ = CommandType(v)
			case fieldMode:
				w.mode = Mode(v)
			case fieldLeaseMs:
				w.lease = time.Duration(v) * time.Millisecond
			case fieldReentrant:
				w.reentrant = protowire.DecodeBool(v)
			case fieldToken:
				w.token = v
			case fieldNow:
				w.now = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			}
			b = b[n:]
		default:
			// unknown field, skip it
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch w.typ {
	case CommandTypeAcquireLock:
		return AcquireLockCommand{
			LockName:  w.lockName,
			OwnerID:   w.ownerID,
			Mode:      w.mode,
			Lease:     w.lease,
			Reentrant: w.reentrant,
			Now:       w.now,
		}, nil
	case CommandTypeReleaseLock:
		return ReleaseLockCommand{
			LockName: w.lockName,
			OwnerID:  w.ownerID,
			Token:    w.token,
			Now:      w.now,
		}, nil
	case CommandTypeExpireLeases:
		return ExpireLeasesCommand{Now: w.now}, nil
	}
	return nil, fmt.Errorf("%w: unknown command type %d", ErrMalformedCommand, w.typ)
}
