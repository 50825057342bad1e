package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pixperk/clusterlock/pkg/client"
	"github.com/pixperk/clusterlock/pkg/config"
	"github.com/pixperk/clusterlock/pkg/coord"
	"github.com/pixperk/clusterlock/pkg/types"
	redis "github.com/redis/go-redis/v9"
)

// Connection is the client role: a lock client over its coordinator.
type Connection struct {
	Client      *client.Client
	Coordinator coord.Coordinator

	once sync.Once
	err  error
}

// Connect opens the coordinator named by cfg.Backend and checks it answers
// before handing out a client.
func Connect(ctx context.Context, cfg config.Config, logger hclog.Logger) (*Connection, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With("instance", cfg.InstanceName, "group", cfg.GroupIdentity)

	c, err := openCoordinator(cfg, logger)
	if err != nil {
		return nil, err
	}

	st, err := c.Status(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrCoordinationUnavailable, err)
	}
	logger.Info("connected to coordination service", "backend", cfg.Backend, "node", st.NodeID, "leader", st.Leader)

	wait, lease := cfg.AcquireDefaults()
	return &Connection{
		Client: client.New(c, client.Options{
			WaitTimeout: wait,
			LeaseTime:   lease,
			Logger:      logger,
		}),
		Coordinator: c,
	}, nil
}

func openCoordinator(cfg config.Config, logger hclog.Logger) (coord.Coordinator, error) {
	switch cfg.Backend {
	case config.BackendRaft:
		return coord.DialRemote(coord.RemoteConfig{
			Addresses:   cfg.ExplicitServerAddresses,
			Group:       cfg.GroupIdentity,
			Heartbeat:   cfg.Heartbeat(),
			RetryBudget: cfg.RetryBudget,
			Logger:      logger,
		})
	case config.BackendRedis:
		return coord.NewRedis(coord.RedisConfig{
			Client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			Group:  cfg.GroupIdentity,
			Logger: logger,
			Owned:  true,
		}), nil
	case config.BackendMemory:
		return coord.NewMemory(nil), nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalid, cfg.Backend)
}

// Close drains every held lock and closes the coordinator. Later calls
// return the first result.
func (c *Connection) Close(ctx context.Context) error {
	c.once.Do(func() {
		var result *multierror.Error
		if err := c.Client.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("drain locks: %w", err))
		}
		if err := c.Coordinator.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close coordinator: %w", err))
		}
		c.err = result.ErrorOrNil()
	})
	return c.err
}

func Disconnect(ctx context.Context, conn *Connection) error {
	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}
