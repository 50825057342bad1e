package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/raft"
	"github.com/pixperk/clusterlock/pkg/fsm"
	"github.com/pixperk/clusterlock/pkg/metrics"
	"github.com/pixperk/clusterlock/pkg/storage"
	clock "github.com/pixperk/clusterlock/pkg/time"
	"github.com/pixperk/clusterlock/pkg/types"
)

const (
	defaultApplyTimeout   = 5 * time.Second
	defaultExpiryInterval = 250 * time.Millisecond
)

// wraps a raft inst with our fsm and provides a clean api
type Node struct {
	raft      *raft.Raft
	fsm       *fsm.FSM
	raftFSM   *fsm.RaftFSM
	stores    *storage.BoltDBStorage
	transport *raft.NetworkTransport
	clock     clock.Clock
	logger    hclog.Logger
	cfg       *Config
}

// a cluster member known at bootstrap
type Peer struct {
	ID      string
	Address string
}

type Config struct {
	NodeID         string        //unique ID for this node
	BindAddr       string        //net addr to bind Raft communication
	AdvertiseAddr  string        //addr other nodes dial, defaults to the bound listener
	DataDir        string        //data directory for Raft storage
	Bootstrap      bool          //if this is the first node in the cluster
	Peers          []Peer        //other voters written into the bootstrap configuration
	ApplyTimeout   time.Duration //how long a command may wait for replication
	ExpiryInterval time.Duration //how often the leader sweeps expired leases
	Clock          clock.Clock
	Logger         hclog.Logger
}

func NewNode(cfg *Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft: node id required")
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = defaultExpiryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	logger := cfg.Logger.Named("raft")

	raftFSM := fsm.NewRaftFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.Logger = logger

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	//add boltDB storage
	stores, err := storage.NewBoltDBStorage(storage.Options{
		DataDir: cfg.DataDir,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	var advertise net.Addr
	if cfg.AdvertiseAddr != "" {
		advertise, err = net.ResolveTCPAddr("tcp", cfg.AdvertiseAddr)
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("failed to resolve advertise addr: %w", err)
		}
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	hasState, err := stores.HasState()
	if err != nil {
		transport.Close()
		stores.Close()
		return nil, fmt.Errorf("failed to inspect raft state: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, stores.LogStore, stores.StableStore, stores.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		stores.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed, a restarted node already knows its cluster
	if cfg.Bootstrap && !hasState {
		servers := []raft.Server{
			{
				ID:      raftCfg.LocalID,
				Address: transport.LocalAddr(),
			},
		}
		for _, p := range cfg.Peers {
			servers = append(servers, raft.Server{
				ID:      raft.ServerID(p.ID),
				Address: raft.ServerAddress(p.Address),
			})
		}

		if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
			logger.Warn("bootstrap failed", "error", err)
		}
	}

	return &Node{
		raft:      r,
		fsm:       raftFSM.State(),
		raftFSM:   raftFSM,
		stores:    stores,
		transport: transport,
		clock:     cfg.Clock,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// apply a command to the Raft cluster
// the command is stamped with the leader's clock before replication,
// errors produced by the state machine come back as the error return
func (n *Node) Apply(cmd types.Command) (any, error) {
	cmd = types.Stamp(cmd, n.clock.Now())

	data, err := types.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, n.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return nil, n.replicationError(err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

func (n *Node) replicationError(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return &types.NotLeaderError{Leader: n.GetLeader()}
	case errors.Is(err, raft.ErrRaftShutdown), errors.Is(err, raft.ErrEnqueueTimeout):
		return fmt.Errorf("%w: %v", types.ErrCoordinationUnavailable, err)
	}
	return fmt.Errorf("failed to apply command: %w", err)
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

// returns the address other nodes reach this node's raft transport on
func (n *Node) Addr() string {
	return string(n.transport.LocalAddr())
}

func (n *Node) ID() string {
	return n.cfg.NodeID
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// adds a voter to the cluster, leader only
func (n *Node) AddVoter(id, addr string) error {
	if !n.IsLeader() {
		return &types.NotLeaderError{Leader: n.GetLeader()}
	}
	return n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, n.cfg.ApplyTimeout).Error()
}

// state machine for local reads
// reads on a follower may lag the leader by the replication delay
func (n *Node) FSM() *fsm.FSM {
	return n.fsm
}

func (n *Node) Now() time.Time {
	return n.clock.Now()
}

// last log index applied to the state machine
func (n *Node) AppliedIndex() uint64 {
	return n.raft.AppliedIndex()
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// RunExpiry sweeps expired leases while this node leads, until ctx is done.
// Every node runs it, followers simply skip their ticks.
func (n *Node) RunExpiry(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.sweep()
		}
	}
}

func (n *Node) sweep() {
	if !n.IsLeader() {
		return
	}
	now := n.clock.Now()
	if !n.fsm.HasExpired(now) {
		return
	}

	resp, err := n.Apply(types.ExpireLeasesCommand{Now: now})
	if err != nil {
		n.logger.Warn("lease sweep failed", "error", err)
		return
	}
	if r, ok := resp.(fsm.ExpireLeasesResponse); ok && r.Reclaimed > 0 {
		metrics.LeaseExpireTotal.Add(float64(r.Reclaimed))
		n.logger.Debug("reclaimed expired holders", "count", r.Reclaimed)
	}
}

// gracefully shuts down the Raft node
func (n *Node) Shutdown() error {
	var result *multierror.Error
	if err := n.raft.Shutdown().Error(); err != nil {
		result = multierror.Append(result, fmt.Errorf("raft shutdown: %w", err))
	}
	if err := n.transport.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("transport close: %w", err))
	}
	if err := n.stores.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("store close: %w", err))
	}
	return result.ErrorOrNil()
}
