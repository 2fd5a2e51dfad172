// Package locker provides a costing.KeyLocker shared across processes,
// backed by Redis.
package locker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/costing-engine/costing"
)

const (
	DefaultTTL   = 30 * time.Second
	DefaultRetry = 50 * time.Millisecond
	keyPrefix    = "costing:lock:"
)

// Redis serializes writers per costing key across every process that
// shares the Redis instance. It complements the store's conditional append;
// it does not replace it, since a lock can expire under a slow writer.
type Redis struct {
	client *redislock.Client

	// TTL bounds how long a crashed holder can block a key.
	TTL time.Duration

	// Retry is the wait between attempts while the key is held elsewhere.
	Retry time.Duration

	Logger zerolog.Logger
}

func NewRedis(client redislock.RedisClient) *Redis {
	return &Redis{
		client: redislock.New(client),
		TTL:    DefaultTTL,
		Retry:  DefaultRetry,
		Logger: zerolog.Nop(),
	}
}

// Connect opens a Redis client and pings it once.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return rdb, nil
}

// LockKey is the Redis key guarding one costing key. Fields are
// path-escaped so a '/' inside an ID cannot make two keys share a lock.
func LockKey(key costing.CostingKey) string {
	return keyPrefix + url.PathEscape(key.InstallationID) +
		"/" + url.PathEscape(key.ItemID) +
		"/" + url.PathEscape(key.LocationID)
}

// Lock waits for key until ctx is done, or for one TTL when ctx has no
// deadline.
func (r *Redis) Lock(ctx context.Context, key costing.CostingKey) (func(), error) {
	name := LockKey(key)
	lock, err := r.client.Obtain(ctx, name, r.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.Retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", costing.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", name, err)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.Logger.Warn().Err(err).Str("lock", name).Msg("failed to release costing key lock")
		}
	}, nil
}
