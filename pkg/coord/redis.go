package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	jsoniter "github.com/json-iterator/go"
	"github.com/pixperk/clusterlock/pkg/types"
	redis "github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// optimistic transaction retries before giving up on a busy key
	redisTxRetries = 16

	// extra time a key outlives its latest lease, so abandoned entries vanish
	redisKeyGrace = time.Second
)

// Redis keeps each lock entry as a json document and updates it with
// WATCH/MULTI transactions. Time comes from the redis server so every
// client agrees on lease expiry. Releases are announced on pub/sub.
type Redis struct {
	client *redis.Client
	group  string
	logger hclog.Logger
	owned  bool
}

type RedisConfig struct {
	Client *redis.Client
	Group  string //namespaces every key, clients in other groups never contend
	Logger hclog.Logger
	Owned  bool //close the client on Close
}

func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Group == "" {
		cfg.Group = "default"
	}
	return &Redis{
		client: cfg.Client,
		group:  cfg.Group,
		logger: cfg.Logger.Named("redis"),
		owned:  cfg.Owned,
	}
}

func (r *Redis) lockKey(name string) string {
	return fmt.Sprintf("clusterlock:%s:lock:%s", r.group, name)
}

func (r *Redis) releaseChannel(name string) string {
	return fmt.Sprintf("clusterlock:%s:release:%s", r.group, name)
}

func (r *Redis) fencingKey() string {
	return fmt.Sprintf("clusterlock:%s:fencing", r.group)
}

func (r *Redis) now(ctx context.Context) (time.Time, error) {
	now, err := r.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, r.unavailable(err)
	}
	return now, nil
}

func (r *Redis) unavailable(err error) error {
	return fmt.Errorf("%w: %v", types.ErrCoordinationUnavailable, err)
}

func (r *Redis) load(ctx context.Context, tx *redis.Tx, name string) (*types.LockEntry, error) {
	data, err := tx.Get(ctx, r.lockKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.NewLockEntry(name), nil
	}
	if err != nil {
		return nil, r.unavailable(err)
	}

	var e types.LockEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode lock entry %q: %w", name, err)
	}
	if e.Holders == nil {
		e.Holders = make(map[string]*types.Holder)
	}
	return &e, nil
}

// queues the write of e, deleting the key once the entry is free
func (r *Redis) store(ctx context.Context, pipe redis.Pipeliner, e *types.LockEntry, now time.Time) error {
	key := r.lockKey(e.Name)
	if e.IsFree() {
		pipe.Del(ctx, key)
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe.Set(ctx, key, data, e.Lease().Remaining(now)+redisKeyGrace)
	return nil
}

// runs fn as an optimistic transaction on name, retrying lost races
func (r *Redis) update(ctx context.Context, name string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < redisTxRetries; i++ {
		err := r.client.Watch(ctx, fn, r.lockKey(name))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: too much contention on %q", types.ErrCoordinationUnavailable, name)
}

func (r *Redis) Acquire(ctx context.Context, req types.AcquireRequest) (types.Grant, error) {
	if err := req.Validate(); err != nil {
		return types.Grant{}, err
	}

	var grant types.Grant
	var reclaimed bool
	err := r.update(ctx, req.Name, func(tx *redis.Tx) error {
		now, err := r.now(ctx)
		if err != nil {
			return err
		}
		e, err := r.load(ctx, tx, req.Name)
		if err != nil {
			return err
		}
		reclaimed = len(e.Reclaim(now)) > 0

		var tokenErr error
		nextToken := func() uint64 {
			n, err := tx.Incr(ctx, r.fencingKey()).Uint64()
			if err != nil {
				tokenErr = err
			}
			return n
		}

		g, err := e.Acquire(req, now, nextToken)
		if err != nil {
			return err
		}
		if tokenErr != nil {
			return r.unavailable(tokenErr)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.store(ctx, pipe, e, now)
		})
		if err != nil {
			return err
		}
		grant = g
		return nil
	})

	if reclaimed {
		r.publish(ctx, req.Name)
	}
	if err != nil {
		return types.Grant{}, err
	}
	return grant, nil
}

func (r *Redis) Release(ctx context.Context, name, owner string, token uint64) (types.ReleaseResult, error) {
	var res types.ReleaseResult
	err := r.update(ctx, name, func(tx *redis.Tx) error {
		now, err := r.now(ctx)
		if err != nil {
			return err
		}
		e, err := r.load(ctx, tx, name)
		if err != nil {
			return err
		}

		res, err = e.Release(owner, token, now)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.store(ctx, pipe, e, now)
		})
		return err
	})
	if err != nil {
		return types.ReleaseResult{}, err
	}

	if res.Remaining == 0 {
		r.publish(ctx, name)
	}
	return res, nil
}

func (r *Redis) publish(ctx context.Context, name string) {
	if err := r.client.Publish(ctx, r.releaseChannel(name), name).Err(); err != nil {
		//waiters fall back to polling
		r.logger.Warn("release notification failed", "lock", name, "error", err)
	}
}

func (r *Redis) Inspect(ctx context.Context, name string) (*types.LockEntry, error) {
	now, err := r.now(ctx)
	if err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.lockKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, r.unavailable(err)
	}

	var e types.LockEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode lock entry %q: %w", name, err)
	}
	e.Reclaim(now)
	if e.IsFree() {
		return nil, nil
	}
	return &e, nil
}

func (r *Redis) Watch(ctx context.Context, name string) (<-chan struct{}, error) {
	sub := r.client.Subscribe(ctx, r.releaseChannel(name))

	//wait for the subscription to be confirmed so no release slips through
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, r.unavailable(err)
	}

	ch := make(chan struct{}, 1)
	msgs := sub.Channel()

	go func() {
		defer close(ch)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch, nil
}

func (r *Redis) Status(ctx context.Context) (Status, error) {
	now, err := r.now(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Backend:  BackendRedis,
		NodeID:   r.client.Options().Addr,
		Group:    r.group,
		IsLeader: true,
		Now:      now,
	}

	iter := r.client.Scan(ctx, 0, r.lockKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		e, err := r.Inspect(ctx, iter.Val()[len(r.lockKey("")):])
		if err != nil {
			return Status{}, err
		}
		if e != nil {
			st.Locks++
			st.Holders += len(e.Holders)
		}
	}
	if err := iter.Err(); err != nil {
		return Status{}, r.unavailable(err)
	}

	counter, err := r.client.Get(ctx, r.fencingKey()).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, r.unavailable(err)
	}
	st.FencingCounter = counter
	return st, nil
}

func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
