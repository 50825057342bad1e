package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	pb "github.com/pixperk/clusterlock/api/v1"
	"github.com/pixperk/clusterlock/pkg/metrics"
	"github.com/pixperk/clusterlock/pkg/types"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	defaultHeartbeat   = 5 * time.Second
	defaultRetryBudget = 3
)

type RemoteConfig struct {
	Addresses   []string      //servers to talk to, rotated on failure or redirect
	Group       string        //sent with every call, servers of another group refuse it
	Heartbeat   time.Duration //keepalive period
	RetryBudget int           //consecutive keepalive failures before giving up
	DialOptions []grpc.DialOption
	Logger      hclog.Logger
}

// Remote talks to lock servers over gRPC.
// A keepalive pings the current server; once it failed RetryBudget times in
// a row every operation fails with types.ErrCoordinationUnavailable until a
// ping succeeds again.
type Remote struct {
	addrs   []string
	conns   []*grpc.ClientConn
	clients []pb.LockServiceClient
	group   string
	cfg     RemoteConfig
	logger  hclog.Logger

	mu           sync.Mutex
	current      int
	failureCount int

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func DialRemote(cfg RemoteConfig) (*Remote, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("%w: no server addresses", types.ErrInvalidArgument)
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = defaultRetryBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, cfg.DialOptions...)

	r := &Remote{
		addrs:  cfg.Addresses,
		group:  cfg.Group,
		cfg:    cfg,
		logger: cfg.Logger.Named("remote"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	for _, addr := range cfg.Addresses {
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			r.closeConns()
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		r.conns = append(r.conns, conn)
		r.clients = append(r.clients, pb.NewLockServiceClient(conn))
	}

	go r.heartbeatLoop()
	return r, nil
}

func (r *Remote) heartbeatLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ping()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Remote) ping() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Heartbeat)
	defer cancel()

	client, idx := r.client()
	_, err := client.Status(r.outgoing(ctx), &pb.StatusRequest{})

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		metrics.HeartbeatTotal.WithLabelValues("failure").Inc()
		r.failureCount++
		r.logger.Warn("keepalive failed", "addr", r.addrs[idx], "attempt", r.failureCount, "error", err)
		if r.failureCount == r.cfg.RetryBudget {
			r.logger.Error("coordination service unavailable, retry budget exhausted", "budget", r.cfg.RetryBudget)
		}
		r.rotateLocked(idx)
		return
	}

	metrics.HeartbeatTotal.WithLabelValues("success").Inc()

	// Reset failure count on success
	if r.failureCount > 0 {
		r.logger.Info("keepalive recovered", "addr", r.addrs[idx], "failures", r.failureCount)
		r.failureCount = 0
	}
}

func (r *Remote) client() (pb.LockServiceClient, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[r.current], r.current
}

// moves to the next address unless someone already did
func (r *Remote) rotateLocked(from int) {
	if r.current == from {
		r.current = (r.current + 1) % len(r.clients)
	}
}

func (r *Remote) available() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failureCount >= r.cfg.RetryBudget {
		return fmt.Errorf("%w: %d keepalives failed", types.ErrCoordinationUnavailable, r.failureCount)
	}
	return nil
}

func (r *Remote) outgoing(ctx context.Context) context.Context {
	if r.group == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pb.GroupMetadataKey, r.group)
}

// runs fn against the current server, following leader redirects
// through the configured addresses at most once each
func (r *Remote) call(ctx context.Context, fn func(context.Context, pb.LockServiceClient) error) error {
	if err := r.available(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < len(r.clients); attempt++ {
		client, idx := r.client()
		err = FromGRPCError(fn(r.outgoing(ctx), client))
		if !errors.Is(err, types.ErrNotLeader) {
			return err
		}
		r.mu.Lock()
		r.rotateLocked(idx)
		r.mu.Unlock()
	}
	return err
}

func (r *Remote) Acquire(ctx context.Context, req types.AcquireRequest) (types.Grant, error) {
	if err := req.Validate(); err != nil {
		return types.Grant{}, err
	}

	var resp *pb.AcquireResponse
	err := r.call(ctx, func(ctx context.Context, c pb.LockServiceClient) error {
		var err error
		resp, err = c.Acquire(ctx, &pb.AcquireRequest{
			Name:      req.Name,
			Owner:     req.Owner,
			Mode:      req.Mode,
			LeaseMs:   types.NormalizeLease(req.Lease).Milliseconds(),
			Reentrant: req.Reentrant,
		})
		return err
	})
	if err != nil {
		return types.Grant{}, err
	}

	if !resp.Granted || resp.Grant == nil {
		return types.Grant{}, &types.HeldError{
			Name:    req.Name,
			Mode:    resp.HeldMode,
			RetryAt: resp.RetryAt,
		}
	}
	return resp.Grant.ToTypes(), nil
}

func (r *Remote) Release(ctx context.Context, name, owner string, token uint64) (types.ReleaseResult, error) {
	var resp *pb.ReleaseResponse
	err := r.call(ctx, func(ctx context.Context, c pb.LockServiceClient) error {
		var err error
		resp, err = c.Release(ctx, &pb.ReleaseRequest{Name: name, Owner: owner, Token: token})
		return err
	})
	if err != nil {
		return types.ReleaseResult{}, err
	}
	return types.ReleaseResult{
		Name:      name,
		Owner:     owner,
		Remaining: resp.Remaining,
		Freed:     resp.Freed,
	}, nil
}

func (r *Remote) Inspect(ctx context.Context, name string) (*types.LockEntry, error) {
	var resp *pb.InspectResponse
	err := r.call(ctx, func(ctx context.Context, c pb.LockServiceClient) error {
		var err error
		resp, err = c.Inspect(ctx, &pb.InspectRequest{Name: name})
		return err
	})
	if err != nil {
		return nil, err
	}
	if !resp.Found || resp.Lock == nil {
		return nil, nil
	}
	return resp.Lock.ToTypes(), nil
}

// the server confirms the subscription with a first event before any
// release can be missed, Watch returns only after seeing it
func (r *Remote) Watch(ctx context.Context, name string) (<-chan struct{}, error) {
	if err := r.available(); err != nil {
		return nil, err
	}

	client, _ := r.client()
	stream, err := client.Watch(r.outgoing(ctx), &pb.WatchRequest{Name: name})
	if err != nil {
		return nil, FromGRPCError(err)
	}
	if _, err := stream.Recv(); err != nil {
		return nil, FromGRPCError(err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		for {
			if _, err := stream.Recv(); err != nil {
				return
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, nil
}

func (r *Remote) Status(ctx context.Context) (Status, error) {
	var resp *pb.StatusResponse
	err := r.call(ctx, func(ctx context.Context, c pb.LockServiceClient) error {
		var err error
		resp, err = c.Status(ctx, &pb.StatusRequest{})
		return err
	})
	if err != nil {
		return Status{}, err
	}
	return Status{
		Backend:        BackendRemote,
		NodeID:         resp.NodeID,
		Group:          resp.Group,
		Leader:         resp.Leader,
		IsLeader:       resp.IsLeader,
		Locks:          resp.Locks,
		Holders:        resp.Holders,
		FencingCounter: resp.FencingCounter,
		Now:            resp.Now,
	}, nil
}

func (r *Remote) closeConns() error {
	var result *multierror.Error
	for _, conn := range r.conns {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (r *Remote) Close() error {
	var err error
	r.once.Do(func() {
		close(r.stopCh)
		<-r.doneCh
		err = r.closeConns()
	})
	return err
}

// FromGRPCError maps a gRPC status back to the domain error it came from.
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != pb.ErrorDomain {
			continue
		}
		sentinel := pb.ReasonError(info.GetReason())
		if sentinel == nil {
			break
		}
		if errors.Is(sentinel, types.ErrNotLeader) {
			return &types.NotLeaderError{Leader: info.GetMetadata()[pb.LeaderMetadataKey]}
		}
		msg := strings.TrimPrefix(st.Message(), sentinel.Error())
		msg = strings.TrimPrefix(msg, ": ")
		if msg == "" {
			return sentinel
		}
		return fmt.Errorf("%w: %s", sentinel, msg)
	}

	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", types.ErrCoordinationUnavailable, st.Message())
	}
	return err
}
