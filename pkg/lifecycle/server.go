// Package lifecycle starts and stops the two roles of a process: the lock
// server (raft node, gRPC endpoint, HTTP gateway, lease expiry) and the
// client connection to the coordination service.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	pb "github.com/pixperk/clusterlock/api/v1"
	"github.com/pixperk/clusterlock/pkg/config"
	"github.com/pixperk/clusterlock/pkg/coord"
	"github.com/pixperk/clusterlock/pkg/gateway"
	"github.com/pixperk/clusterlock/pkg/metrics"
	"github.com/pixperk/clusterlock/pkg/raft"
	"github.com/pixperk/clusterlock/pkg/server"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var ErrStopped = errors.New("server stopped")

const leaderWait = 10 * time.Second

// Server is the server role of a process. Start and Stop may be called
// any number of times, only the first call of each does anything.
type Server struct {
	cfg    config.Config
	logger hclog.Logger

	mu      sync.Mutex
	started bool
	stopped bool

	node     *raft.Node
	coord    *coord.Raft
	grpc     *grpc.Server
	gateway  *gateway.Server
	grpcLis  net.Listener
	httpLis  net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
	failures chan error
}

func NewServer(cfg config.Config, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		failures: make(chan error, 1),
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}

	if err := s.start(ctx); err != nil {
		s.cleanup()
		return err
	}
	s.started = true
	metrics.Up.Set(1)
	return nil
}

func (s *Server) start(ctx context.Context) error {
	nodeID := s.cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
		s.logger.Info("generated node id", "node_id", nodeID)
	}

	peers, err := s.cfg.PeerList()
	if err != nil {
		return err
	}
	raftPeers := make([]raft.Peer, len(peers))
	for i, p := range peers {
		raftPeers[i] = raft.Peer{ID: p.ID, Address: p.Address}
	}

	s.logger.Info("starting clusterlock node",
		"node_id", nodeID,
		"instance", s.cfg.InstanceName,
		"group", s.cfg.GroupIdentity,
		"raft", s.cfg.RaftAddr,
		"grpc", s.cfg.GRPCAddr,
		"http", s.cfg.HTTPAddr,
		"data", s.cfg.DataDir,
		"bootstrap", s.cfg.Bootstrap,
	)

	s.node, err = raft.NewNode(&raft.Config{
		NodeID:    nodeID,
		BindAddr:  s.cfg.RaftAddr,
		DataDir:   s.cfg.DataDir,
		Bootstrap: s.cfg.Bootstrap,
		Peers:     raftPeers,
		Logger:    s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create raft node: %w", err)
	}
	s.coord = coord.NewRaft(s.node)

	if s.cfg.Bootstrap {
		if err := s.node.WaitForLeader(leaderWait); err != nil {
			s.logger.Warn("no leader yet, serving anyway", "error", err)
		}
	}

	s.grpcLis, err = net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
	}
	s.httpLis, err = net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}

	s.grpc = grpc.NewServer()
	pb.RegisterLockServiceServer(s.grpc, server.NewServer(s.coord, s.cfg.GroupIdentity, s.logger))
	s.gateway = gateway.NewServer(s.cfg.HTTPAddr, dialAddr(s.grpcLis.Addr()), s.logger)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	grpcLis, httpLis := s.grpcLis, s.httpLis
	g.Go(func() error {
		s.logger.Info("gRPC server listening", "addr", grpcLis.Addr().String())
		if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.gateway.Serve(httpLis)
	})
	g.Go(func() error {
		return s.node.RunExpiry(gctx)
	})

	go func() {
		if err := g.Wait(); err != nil {
			s.failures <- err
		}
	}()
	return nil
}

// the listener may be bound to every interface, the gateway dials loopback
func dialAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp.IP == nil || tcp.IP.IsUnspecified() {
		_, port, _ := net.SplitHostPort(addr.String())
		return net.JoinHostPort("127.0.0.1", port)
	}
	return addr.String()
}

// Failed delivers the error of a component that stopped on its own.
func (s *Server) Failed() <-chan error {
	return s.failures
}

func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLis == nil {
		return ""
	}
	return dialAddr(s.grpcLis.Addr())
}

func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLis == nil {
		return ""
	}
	return dialAddr(s.httpLis.Addr())
}

// Coordinator serves lock state straight from the local raft node.
func (s *Server) Coordinator() coord.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord
}

func (s *Server) Node() *raft.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

// Stop drains gRPC calls until ctx is done, then shuts everything down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	if !s.started {
		return nil
	}

	s.logger.Info("shutting down gracefully")
	metrics.Up.Set(0)
	err := s.cleanupContext(ctx)
	if err == nil {
		s.logger.Info("shutdown complete")
	}
	return err
}

func (s *Server) cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.cleanupContext(ctx)
}

func (s *Server) cleanupContext(ctx context.Context) error {
	var result *multierror.Error

	if s.gateway != nil {
		if err := s.gateway.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("gateway stop: %w", err))
		}
	} else if s.httpLis != nil {
		s.httpLis.Close()
	}

	if s.grpc != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpc.Stop()
		}
	} else if s.grpcLis != nil {
		s.grpcLis.Close()
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if s.node != nil {
		if err := s.node.Shutdown(); err != nil {
			result = multierror.Append(result, fmt.Errorf("raft shutdown: %w", err))
		}
	}
	return result.ErrorOrNil()
}
