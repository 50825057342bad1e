// Package v1 is the wire API of the lock service: request and response
// messages, the gRPC service descriptor and the json codec carrying them.
package v1

import (
	"time"

	"github.com/pixperk/clusterlock/pkg/types"
)

// metadata key carrying the caller's group identity
const GroupMetadataKey = "clusterlock-group"

type AcquireRequest struct {
	Name      string     `json:"name"`
	Owner     string     `json:"owner"`
	Mode      types.Mode `json:"mode"`
	LeaseMs   int64      `json:"lease_ms"`
	Reentrant bool       `json:"reentrant,omitempty"`
}

// contention is not an error on the wire: Granted is false and the
// blocking mode plus its expiry are reported instead
type AcquireResponse struct {
	Granted  bool       `json:"granted"`
	Grant    *Grant     `json:"grant,omitempty"`
	HeldMode types.Mode `json:"held_mode,omitempty"`
	RetryAt  time.Time  `json:"retry_at,omitempty"`
}

type Grant struct {
	Name      string     `json:"name"`
	Owner     string     `json:"owner"`
	Mode      types.Mode `json:"mode"`
	Count     int        `json:"count"`
	Token     uint64     `json:"token"`
	LeaseMs   int64      `json:"lease_ms"`
	ExpiresAt time.Time  `json:"expires_at"`
	Reentrant bool       `json:"reentrant,omitempty"`
}

type ReleaseRequest struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
	Token uint64 `json:"token,omitempty"`
}

type ReleaseResponse struct {
	Remaining int  `json:"remaining"`
	Freed     bool `json:"freed"`
}

type InspectRequest struct {
	Name string `json:"name"`
}

type InspectResponse struct {
	Found bool      `json:"found"`
	Lock  *LockView `json:"lock,omitempty"`
}

type LockView struct {
	Name      string       `json:"name"`
	Mode      types.Mode   `json:"mode"`
	ExpiresAt time.Time    `json:"expires_at"`
	Holders   []HolderView `json:"holders"`
}

type HolderView struct {
	Owner     string     `json:"owner"`
	Mode      types.Mode `json:"mode"`
	Count     int        `json:"count"`
	Token     uint64     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
}

type StatusRequest struct{}

type StatusResponse struct {
	NodeID         string    `json:"node_id"`
	Backend        string    `json:"backend"`
	Group          string    `json:"group,omitempty"`
	Leader         string    `json:"leader,omitempty"`
	IsLeader       bool      `json:"is_leader"`
	Locks          int       `json:"locks"`
	Holders        int       `json:"holders"`
	FencingCounter uint64    `json:"fencing_counter"`
	Now            time.Time `json:"now"`
}

type WatchRequest struct {
	Name string `json:"name"`
}

// a holder left the watched lock, acquirers may retry
type WatchEvent struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

func GrantToWire(g types.Grant) *Grant {
	return &Grant{
		Name:      g.Name,
		Owner:     g.Owner,
		Mode:      g.Mode,
		Count:     g.Count,
		Token:     g.Token,
		LeaseMs:   g.Lease.Duration.Milliseconds(),
		ExpiresAt: g.Lease.ExpiresAt,
		Reentrant: g.Reentrant,
	}
}

func (g *Grant) ToTypes() types.Grant {
	return types.Grant{
		Name:  g.Name,
		Owner: g.Owner,
		Mode:  g.Mode,
		Count: g.Count,
		Token: g.Token,
		Lease: types.Lease{
			Duration:  time.Duration(g.LeaseMs) * time.Millisecond,
			ExpiresAt: g.ExpiresAt,
		},
		Reentrant: g.Reentrant,
	}
}

func LockToWire(e *types.LockEntry) *LockView {
	v := &LockView{
		Name:      e.Name,
		Mode:      e.Mode,
		ExpiresAt: e.Lease().ExpiresAt,
		Holders:   make([]HolderView, 0, len(e.Holders)),
	}
	for _, h := range e.Holders {
		v.Holders = append(v.Holders, HolderView{
			Owner:     h.Owner,
			Mode:      h.Mode,
			Count:     h.Count,
			Token:     h.Token,
			ExpiresAt: h.Lease.ExpiresAt,
		})
	}
	return v
}

func (v *LockView) ToTypes() *types.LockEntry {
	e := types.NewLockEntry(v.Name)
	e.Mode = v.Mode
	for _, h := range v.Holders {
		e.Holders[h.Owner] = &types.Holder{
			Owner: h.Owner,
			Mode:  h.Mode,
			Count: h.Count,
			Token: h.Token,
			Lease: types.Lease{ExpiresAt: h.ExpiresAt},
		}
	}
	return e
}
