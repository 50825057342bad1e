package server

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/clusterlock/api/v1"
	"github.com/pixperk/clusterlock/pkg/coord"
	"github.com/pixperk/clusterlock/pkg/metrics"
	"github.com/pixperk/clusterlock/pkg/types"
	"google.golang.org/grpc/metadata"
)

type Server struct {
	pb.UnimplementedLockServiceServer
	coord  coord.Coordinator
	group  string
	logger hclog.Logger
}

// exposes a coordinator to remote clients
// group, when set, must match the group identity sent by callers
func NewServer(c coord.Coordinator, group string, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		coord:  c,
		group:  group,
		logger: logger.Named("grpc"),
	}
}

// rejects callers that announce another group
// callers sending no group are accepted
func (s *Server) checkGroup(ctx context.Context) error {
	if s.group == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	for _, g := range md.Get(pb.GroupMetadataKey) {
		if g != s.group {
			return types.ErrGroupMismatch
		}
	}
	return nil
}

func (s *Server) Acquire(ctx context.Context, req *pb.AcquireRequest) (*pb.AcquireResponse, error) {
	if err := s.checkGroup(ctx); err != nil {
		return nil, toGRPCError(err)
	}

	start := time.Now()
	grant, err := s.coord.Acquire(ctx, types.AcquireRequest{
		Name:      req.Name,
		Owner:     req.Owner,
		Mode:      req.Mode,
		Lease:     time.Duration(req.LeaseMs) * time.Millisecond,
		Reentrant: req.Reentrant,
	})

	var held *types.HeldError
	if errors.As(err, &held) {
		metrics.LockAcquireTotal.WithLabelValues(req.Name, "held").Inc()
		return &pb.AcquireResponse{
			Granted:  false,
			HeldMode: held.Mode,
			RetryAt:  held.RetryAt,
		}, nil
	}
	if err != nil {
		metrics.LockAcquireTotal.WithLabelValues(req.Name, "failure").Inc()
		return nil, toGRPCError(err)
	}

	metrics.LockAcquireTotal.WithLabelValues(req.Name, "success").Inc()
	metrics.LockAcquireDuration.WithLabelValues(req.Name).Observe(time.Since(start).Seconds())

	return &pb.AcquireResponse{
		Granted: true,
		Grant:   pb.GrantToWire(grant),
	}, nil
}

func (s *Server) Release(ctx context.Context, req *pb.ReleaseRequest) (*pb.ReleaseResponse, error) {
	if err := s.checkGroup(ctx); err != nil {
		return nil, toGRPCError(err)
	}

	res, err := s.coord.Release(ctx, req.Name, req.Owner, req.Token)
	if err != nil {
		if errors.Is(err, types.ErrStaleRelease) {
			s.logger.Warn("stale release", "lock", req.Name, "owner", req.Owner)
		}
		return nil, toGRPCError(err)
	}

	metrics.LockReleaseTotal.WithLabelValues(req.Name).Inc()
	return &pb.ReleaseResponse{
		Remaining: res.Remaining,
		Freed:     res.Freed,
	}, nil
}

func (s *Server) Inspect(ctx context.Context, req *pb.InspectRequest) (*pb.InspectResponse, error) {
	if err := s.checkGroup(ctx); err != nil {
		return nil, toGRPCError(err)
	}

	e, err := s.coord.Inspect(ctx, req.Name)
	if err != nil {
		return nil, toGRPCError(err)
	}
	if e == nil {
		return &pb.InspectResponse{Found: false}, nil
	}
	return &pb.InspectResponse{Found: true, Lock: pb.LockToWire(e)}, nil
}

func (s *Server) Status(ctx context.Context, req *pb.StatusRequest) (*pb.StatusResponse, error) {
	st, err := s.coord.Status(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}

	metrics.ObserveStatus(st.IsLeader, st.Locks, st.Holders)

	group := st.Group
	if group == "" {
		group = s.group
	}
	return &pb.StatusResponse{
		NodeID:         st.NodeID,
		Backend:        st.Backend,
		Group:          group,
		Leader:         st.Leader,
		IsLeader:       st.IsLeader,
		Locks:          st.Locks,
		Holders:        st.Holders,
		FencingCounter: st.FencingCounter,
		Now:            st.Now,
	}, nil
}

// streams one event per release of the watched lock
// the first event confirms the subscription
func (s *Server) Watch(req *pb.WatchRequest, stream pb.LockService_WatchServer) error {
	ctx := stream.Context()
	if err := s.checkGroup(ctx); err != nil {
		return toGRPCError(err)
	}
	if req.Name == "" {
		return toGRPCError(types.ErrInvalidArgument)
	}

	ch, err := s.coord.Watch(ctx, req.Name)
	if err != nil {
		return toGRPCError(err)
	}

	metrics.WatchersActive.Inc()
	defer metrics.WatchersActive.Dec()

	if err := stream.Send(&pb.WatchEvent{Name: req.Name, At: time.Now()}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(&pb.WatchEvent{Name: req.Name, At: time.Now()}); err != nil {
				return err
			}
		}
	}
}
