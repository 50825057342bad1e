package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pixperk/clusterlock/pkg/types"
)

// Handle is one successful acquire. Every handle is released on its own,
// reentrant acquires hand out a handle per level.
type Handle struct {
	client    *Client
	name      string
	owner     string
	mode      types.Mode
	token     uint64
	lease     types.Lease
	reentrant bool

	released atomic.Bool
}

func (h *Handle) Name() string { return h.name }
func (h *Handle) Owner() string { return h.owner }
func (h *Handle) Mode() types.Mode { return h.mode }
func (h *Handle) Lease() types.Lease { return h.lease }
func (h *Handle) Reentrant() bool { return h.reentrant }

// Token is the fencing token of the hold. It grows with every fresh grant
// of the lock, so storage guarded by it can reject writes of stale holders.
func (h *Handle) Token() uint64 { return h.token }

// ExpiresAt is the lease expiry as of this acquire.
func (h *Handle) ExpiresAt() time.Time { return h.lease.ExpiresAt }

// Release gives the handle back, see Client.Release.
func (h *Handle) Release(ctx context.Context) error {
	return h.client.Release(ctx, h)
}

// Check asks the coordination service whether the hold is still in place.
// False once the lease expired and the lock was reclaimed or re-granted.
func (h *Handle) Check(ctx context.Context) (bool, error) {
	if h.released.Load() {
		return false, nil
	}
	e, err := h.client.coord.Inspect(ctx, h.name)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	holder, ok := e.Holders[h.owner]
	return ok && holder.Token == h.token, nil
}
