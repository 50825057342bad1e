// Package client is the public locking API. A Client acquires named locks
// through a coordination backend, queues local callers on a per-process
// registry and tracks reentrant holds per owner.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pixperk/clusterlock/pkg/coord"
	"github.com/pixperk/clusterlock/pkg/metrics"
	"github.com/pixperk/clusterlock/pkg/registry"
	clock "github.com/pixperk/clusterlock/pkg/time"
	"github.com/pixperk/clusterlock/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/pixperk/clusterlock/pkg/client")

var ErrClosed = errors.New("client closed")

const (
	defaultWaitTimeout = 120 * time.Second
	defaultLeaseTime   = 300 * time.Second
	defaultOpTimeout   = 5 * time.Second
	defaultMinBackoff  = 10 * time.Millisecond
	defaultMaxBackoff  = 500 * time.Millisecond
)

type Options struct {
	WaitTimeout time.Duration //default wait of Lock and DoWithLock
	LeaseTime   time.Duration //default lease of Lock and DoWithLock
	OpTimeout   time.Duration //bound on a single coordinator call
	MinBackoff  time.Duration //first poll interval while waiting
	MaxBackoff  time.Duration
	Clock       clock.Clock
	Logger      hclog.Logger
}

type Client struct {
	coord    coord.Coordinator
	registry *registry.Registry
	session  string
	opts     Options
	logger   hclog.Logger

	mu     sync.Mutex
	held   map[holdKey]*holding
	closed bool
}

type holdKey struct {
	name, owner string
}

// what this process holds for one owner on one lock
type holding struct {
	mode   types.Mode
	count  int
	token  uint64
	permit *registry.Permit
}

// New wraps a coordinator. The coordinator stays owned by the caller.
func New(c coord.Coordinator, opts Options) *Client {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	if opts.LeaseTime <= 0 {
		opts.LeaseTime = defaultLeaseTime
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	session := uuid.NewString()
	return &Client{
		coord:    c,
		registry: registry.New(opts.Clock),
		session:  session,
		opts:     opts,
		logger:   opts.Logger.Named("client").With("session", session),
		held:     make(map[holdKey]*holding),
	}
}

// Session identifies this client in every owner id it sends.
func (c *Client) Session() string {
	return c.session
}

// owner id for ctx, a caller without an id gets a fresh one per acquire
func (c *Client) ownerFor(ctx context.Context) string {
	caller := OwnerFrom(ctx)
	if caller == "" {
		caller = uuid.NewString()
	}
	return c.session + "/" + caller
}

// Lock acquires name with the configured wait and lease.
func (c *Client) Lock(ctx context.Context, name string, mode types.Mode) (*Handle, error) {
	return c.Acquire(ctx, name, mode, c.opts.WaitTimeout, c.opts.LeaseTime)
}

// Acquire blocks until name is held in mode, waitTimeout elapsed or ctx is
// done. A zero waitTimeout makes a single attempt.
//
// The lock is held for at most leaseTime unless re-acquired by the same owner;
// after that the coordination service hands it to someone else.
func (c *Client) Acquire(ctx context.Context, name string, mode types.Mode, waitTimeout, leaseTime time.Duration) (*Handle, error) {
	if err := validate(name, mode, waitTimeout, leaseTime); err != nil {
		return nil, err
	}

	owner := c.ownerFor(ctx)
	ctx, span := tracer.Start(ctx, "Client.Acquire", trace.WithAttributes(
		attribute.String("clusterlock.lock", name),
		attribute.String("clusterlock.mode", mode.String()),
		attribute.String("clusterlock.owner", owner),
	))
	defer span.End()

	h, err := c.acquire(ctx, name, owner, mode, waitTimeout, leaseTime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("clusterlock.token", int64(h.token)),
		attribute.Bool("clusterlock.reentrant", h.reentrant),
	)
	return h, nil
}

func validate(name string, mode types.Mode, waitTimeout, leaseTime time.Duration) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: lock name required", types.ErrInvalidArgument)
	case !mode.Requestable():
		return fmt.Errorf("%w: %w: %s", types.ErrInvalidArgument, types.ErrInvalidMode, mode)
	case waitTimeout < 0:
		return fmt.Errorf("%w: negative wait timeout %s", types.ErrInvalidArgument, waitTimeout)
	case leaseTime <= 0:
		return fmt.Errorf("%w: %w: %s", types.ErrInvalidArgument, types.ErrInvalidLeaseTTL, leaseTime)
	}
	return nil
}

func (c *Client) acquire(ctx context.Context, name, owner string, mode types.Mode, waitTimeout, leaseTime time.Duration) (*Handle, error) {
	key := holdKey{name, owner}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	local := c.held[key]
	c.mu.Unlock()

	if ctx.Err() != nil {
		return nil, c.waitError(ctx, name, time.Now())
	}

	if local != nil {
		h, err := c.reenter(ctx, key, local, mode, leaseTime)
		if !errors.Is(err, types.ErrNotHolder) {
			return h, err
		}
		//our hold lapsed on the coordinator, start over
		c.logger.Warn("reentrant hold lost, lease expired", "lock", name, "owner", owner)
		c.forget(key, local)
	}

	return c.wait(ctx, key, mode, waitTimeout, leaseTime)
}

// increments an existing hold and extends its lease, no exclusion check
func (c *Client) reenter(ctx context.Context, key holdKey, local *holding, mode types.Mode, leaseTime time.Duration) (*Handle, error) {
	if local.mode == types.ModeShared && mode == types.ModeExclusive {
		return nil, types.ErrUpgradeNotSupported
	}

	g, err := c.attempt(ctx, types.AcquireRequest{
		Name:      key.name,
		Owner:     key.owner,
		Mode:      mode,
		Lease:     leaseTime,
		Reentrant: true,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	local.count = g.Count
	local.permit.Granted(g.Lease.ExpiresAt)
	c.mu.Unlock()

	return c.newHandle(g), nil
}

func (c *Client) wait(ctx context.Context, key holdKey, mode types.Mode, waitTimeout, leaseTime time.Duration) (*Handle, error) {
	start := time.Now()
	status := "acquired"
	defer func() {
		metrics.LockWaitDuration.WithLabelValues(mode.String(), status).Observe(time.Since(start).Seconds())
	}()

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	permit, err := c.registry.Enter(waitCtx, key.name, mode)
	if err != nil {
		status = "timeout"
		if ctx.Err() != nil {
			status = "interrupted"
		}
		return nil, c.waitError(ctx, key.name, start)
	}

	//subscribe before the first attempt so a release in between is not lost
	released, err := c.coord.Watch(waitCtx, key.name)
	if err != nil {
		c.logger.Debug("watch unavailable, polling", "lock", key.name, "error", err)
		released = nil
	}

	req := types.AcquireRequest{Name: key.name, Owner: key.owner, Mode: mode, Lease: leaseTime}
	backoff := c.opts.MinBackoff

	for {
		//the attempt below ignores cancellation, so look before each one
		if ctx.Err() != nil {
			permit.Release()
			status = "interrupted"
			return nil, c.waitError(ctx, key.name, start)
		}

		g, err := c.attempt(ctx, req)
		if err == nil {
			c.hold(key, g, permit)
			return c.newHandle(g), nil
		}

		var held *types.HeldError
		if !errors.As(err, &held) {
			permit.Release()
			status = "error"
			return nil, err
		}
		if waitCtx.Err() != nil {
			permit.Release()
			status = "timeout"
			return nil, c.waitError(ctx, key.name, start)
		}

		delay := backoff
		if untilExpiry := held.RetryAt.Sub(c.opts.Clock.Now()); untilExpiry > 0 && untilExpiry < delay {
			delay = untilExpiry
		}
		timer := time.NewTimer(delay)

		select {
		case _, ok := <-released:
			if !ok {
				released = nil
			}
		case <-timer.C:
			backoff = min(backoff*2, c.opts.MaxBackoff)
		case <-waitCtx.Done():
		}
		timer.Stop()
	}
}

// a single compare-and-set on the coordinator; detached from ctx so a
// cancelled caller cannot abandon a half sent command
func (c *Client) attempt(ctx context.Context, req types.AcquireRequest) (types.Grant, error) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.OpTimeout)
	defer cancel()

	g, err := c.coord.Acquire(opCtx, req)
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Grant{}, fmt.Errorf("%w: %v", types.ErrCoordinationUnavailable, err)
	}
	return g, err
}

func (c *Client) waitError(ctx context.Context, name string, start time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrInterrupted, err)
	}
	return &types.TimeoutError{Name: name, Waited: time.Since(start)}
}

func (c *Client) hold(key holdKey, g types.Grant, permit *registry.Permit) {
	permit.Granted(g.Lease.ExpiresAt)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.held[key] = &holding{
		mode:   g.Mode,
		count:  g.Count,
		token:  g.Token,
		permit: permit,
	}
}

// drops local state of a hold, only if it is still the one we saw
func (c *Client) forget(key holdKey, local *holding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[key] == local {
		delete(c.held, key)
		local.permit.Release()
	}
}

func (c *Client) newHandle(g types.Grant) *Handle {
	return &Handle{
		client:    c,
		name:      g.Name,
		owner:     g.Owner,
		mode:      g.Mode,
		token:     g.Token,
		lease:     g.Lease,
		reentrant: g.Reentrant,
	}
}

// Release gives up one level of the hold behind h. Once the owner's count
// reaches zero the lock is free for others.
//
// A hold reclaimed by the coordinator after its lease ran out yields
// types.ErrStaleRelease; the lock state is left alone. When the coordinator
// cannot be reached the handle stays held and Release may be retried.
// Handles drained by Close yield ErrClosed.
func (c *Client) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.client != c {
		return fmt.Errorf("%w: handle not issued by this client", types.ErrInvalidArgument)
	}
	if !h.released.CompareAndSwap(false, true) {
		return types.ErrAlreadyReleased
	}

	ctx, span := tracer.Start(ctx, "Client.Release", trace.WithAttributes(
		attribute.String("clusterlock.lock", h.name),
		attribute.String("clusterlock.owner", h.owner),
		attribute.Int64("clusterlock.token", int64(h.token)),
	))
	defer span.End()

	err := c.release(ctx, h)
	if retryable(err) {
		h.released.Store(false)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// whether a failed release left the hold in place on the coordinator
func retryable(err error) bool {
	return err != nil && !errors.Is(err, types.ErrStaleRelease) && !errors.Is(err, ErrClosed)
}

func (c *Client) release(ctx context.Context, h *Handle) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		//Close already gave the hold back
		return ErrClosed
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.OpTimeout)
	defer cancel()

	res, err := c.coord.Release(opCtx, h.name, h.owner, h.token)
	if retryable(err) {
		return err
	}

	key := holdKey{h.name, h.owner}
	c.mu.Lock()
	if local := c.held[key]; local != nil && local.token == h.token {
		if err == nil {
			local.count = res.Remaining
		}
		if local.count <= 0 || err != nil {
			delete(c.held, key)
			local.permit.Release()
		}
	}
	c.mu.Unlock()

	if errors.Is(err, types.ErrStaleRelease) {
		metrics.StaleReleaseTotal.Inc()
		c.logger.Warn("released a lock no longer held, its lease expired", "lock", h.name, "owner", h.owner, "token", h.token)
	}
	return err
}

// DoWithLock runs fn while holding name with the configured defaults.
// The lock is released when fn returns, fails or panics. fn receives a
// context bound to the owner, so nested DoWithLock calls on it re-enter.
func (c *Client) DoWithLock(ctx context.Context, name string, mode types.Mode, fn func(ctx context.Context) error) (err error) {
	if OwnerFrom(ctx) == "" {
		ctx = WithOwner(ctx, uuid.NewString())
	}

	h, err := c.Lock(ctx, name, mode)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := c.Release(context.WithoutCancel(ctx), h); rerr != nil {
			err = multierror.Append(err, rerr).ErrorOrNil()
		}
	}()

	return fn(ctx)
}

// Held is the number of holds this client currently tracks.
func (c *Client) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// Close releases every hold of this client and refuses further acquires.
// Releasing a handle afterwards yields ErrClosed.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	held := c.held
	c.held = make(map[holdKey]*holding)
	c.mu.Unlock()

	var result *multierror.Error
	for key, local := range held {
		for i := 0; i < local.count; i++ {
			opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.OpTimeout)
			res, err := c.coord.Release(opCtx, key.name, key.owner, local.token)
			cancel()
			if err != nil {
				if !errors.Is(err, types.ErrStaleRelease) {
					result = multierror.Append(result, fmt.Errorf("release %q: %w", key.name, err))
				}
				break
			}
			if res.Remaining == 0 {
				break
			}
		}
		local.permit.Release()
	}

	if n := len(held); n > 0 {
		c.logger.Info("drained held locks", "count", n)
	}
	return result.ErrorOrNil()
}
