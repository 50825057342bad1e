package types

import (
	"fmt"
	"strings"
	"time"
)

// lock mode of an entry or a request
type Mode uint8

const (
	ModeFree Mode = iota
	ModeExclusive
	ModeShared
)

func (m Mode) String() string {
	switch m {
	case ModeFree:
		return "free"
	case ModeExclusive:
		return "exclusive"
	case ModeShared:
		return "shared"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// reports whether m can be requested by a caller
func (m Mode) Requestable() bool {
	return m == ModeExclusive || m == ModeShared
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "exclusive", "write", "w":
		return ModeExclusive, nil
	case "shared", "read", "r":
		return ModeShared, nil
	case "free", "":
		return ModeFree, nil
	}
	return ModeFree, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// one owner's hold on a lock entry
// count is the reentrancy depth, the hold disappears when it drops to zero
type Holder struct {
	Owner string `json:"owner"`
	Mode  Mode   `json:"mode"`
	Count int    `json:"count"`
	Lease Lease  `json:"lease"`
	Token uint64 `json:"token"` //fencing token of the grant that created the hold
}

// cluster visible state of one lock name
// invariants:
// - exclusive mode has exactly one holder
// - shared mode has one or more holders, all shared
// - free mode has no holders
type LockEntry struct {
	Name    string             `json:"name"`
	Mode    Mode               `json:"mode"`
	Holders map[string]*Holder `json:"holders"`
}

func NewLockEntry(name string) *LockEntry {
	return &LockEntry{
		Name:    name,
		Mode:    ModeFree,
		Holders: make(map[string]*Holder),
	}
}

func (e *LockEntry) IsFree() bool {
	return len(e.Holders) == 0
}

// latest lease among holders, the instant the entry is guaranteed free
func (e *LockEntry) Lease() Lease {
	var latest Lease
	for _, h := range e.Holders {
		if h.Lease.ExpiresAt.After(latest.ExpiresAt) {
			latest = h.Lease
		}
	}
	return latest
}

func (e *LockEntry) Holder(owner string) (*Holder, bool) {
	h, ok := e.Holders[owner]
	return h, ok
}

// deep copy, safe to hand out of the state machine
func (e *LockEntry) Clone() *LockEntry {
	c := &LockEntry{
		Name:    e.Name,
		Mode:    e.Mode,
		Holders: make(map[string]*Holder, len(e.Holders)),
	}
	for owner, h := range e.Holders {
		hc := *h
		c.Holders[owner] = &hc
	}
	return c
}

// removes holders whose lease has run out and returns their owners
func (e *LockEntry) Reclaim(now time.Time) []string {
	var reclaimed []string
	for owner, h := range e.Holders {
		if h.Lease.IsExpired(now) {
			delete(e.Holders, owner)
			reclaimed = append(reclaimed, owner)
		}
	}
	if len(e.Holders) == 0 {
		e.Mode = ModeFree
	}
	return reclaimed
}

// compatibility of a fresh request with the current mode
func (e *LockEntry) compatible(m Mode) bool {
	switch e.Mode {
	case ModeFree:
		return true
	case ModeShared:
		return m == ModeShared
	default:
		return false
	}
}

// a single acquire attempt against a lock entry
type AcquireRequest struct {
	Name      string
	Owner     string
	Mode      Mode
	Lease     time.Duration
	Reentrant bool //only re-enter an existing hold, never create one
}

func (r AcquireRequest) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: lock name required", ErrInvalidArgument)
	case r.Owner == "":
		return fmt.Errorf("%w: owner required", ErrInvalidArgument)
	case !r.Mode.Requestable():
		return fmt.Errorf("%w: %s", ErrInvalidMode, r.Mode)
	case r.Lease <= 0:
		return ErrInvalidLeaseTTL
	}
	return nil
}

// result of a successful acquire
type Grant struct {
	Name      string
	Owner     string
	Mode      Mode //mode of the hold, exclusive if a shared request re-entered an exclusive hold
	Count     int
	Token     uint64
	Lease     Lease
	Reentrant bool
}

func grantFrom(name string, h *Holder, reentrant bool) Grant {
	return Grant{
		Name:      name,
		Owner:     h.Owner,
		Mode:      h.Mode,
		Count:     h.Count,
		Token:     h.Token,
		Lease:     h.Lease,
		Reentrant: reentrant,
	}
}

// Acquire applies one compare-and-set attempt at instant now.
// Expired holders are reclaimed first. An existing holder re-enters and gets
// a fresh lease in the same step; nextToken is only called for fresh grants.
func (e *LockEntry) Acquire(req AcquireRequest, now time.Time, nextToken func() uint64) (Grant, error) {
	if err := req.Validate(); err != nil {
		return Grant{}, err
	}

	e.Reclaim(now)

	if h, held := e.Holders[req.Owner]; held {
		if h.Mode == ModeShared && req.Mode == ModeExclusive {
			return Grant{}, ErrUpgradeNotSupported
		}
		h.Count++
		h.Lease = NewLease(req.Lease, now)
		return grantFrom(e.Name, h, true), nil
	}

	if req.Reentrant {
		return Grant{}, ErrNotHolder
	}

	if !e.compatible(req.Mode) {
		return Grant{}, &HeldError{
			Name:    e.Name,
			Mode:    e.Mode,
			RetryAt: e.Lease().ExpiresAt,
		}
	}

	h := &Holder{
		Owner: req.Owner,
		Mode:  req.Mode,
		Count: 1,
		Lease: NewLease(req.Lease, now),
		Token: nextToken(),
	}
	e.Holders[req.Owner] = h
	e.Mode = req.Mode

	return grantFrom(e.Name, h, false), nil
}

// result of a release
type ReleaseResult struct {
	Name      string
	Owner     string
	Remaining int  //reentrancy depth left for the owner
	Freed     bool //entry reverted to free
}

// Release drops one level of the owner's hold. A token of zero matches any
// hold of the owner; otherwise it must match the hold's fencing token.
func (e *LockEntry) Release(owner string, token uint64, now time.Time) (ReleaseResult, error) {
	e.Reclaim(now)

	h, held := e.Holders[owner]
	if !held || (token != 0 && h.Token != token) {
		return ReleaseResult{}, ErrStaleRelease
	}

	h.Count--
	res := ReleaseResult{
		Name:      e.Name,
		Owner:     owner,
		Remaining: h.Count,
	}
	if h.Count > 0 {
		return res, nil
	}

	delete(e.Holders, owner)
	if len(e.Holders) == 0 {
		e.Mode = ModeFree
		res.Freed = true
	}
	return res, nil
}

// modes travel as their names in json documents
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
