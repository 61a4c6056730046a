package standby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	refreshScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
)

// RedisLockProvider implements LockProvider with SET NX PX plus
// owner-checked scripts for refresh and release
type RedisLockProvider struct {
	client redis.UniversalClient
}

var _ LockProvider = (*RedisLockProvider)(nil)

// NewRedisLockProvider connects to redisURL and verifies the connection
func NewRedisLockProvider(ctx context.Context, redisURL string) (*RedisLockProvider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	slog.Info("Connected to Redis for leader election", "addr", opts.Addr)
	return NewRedisLockProviderFromClient(client), nil
}

// NewRedisLockProviderFromClient wraps an existing client
func NewRedisLockProviderFromClient(client redis.UniversalClient) *RedisLockProvider {
	return &RedisLockProvider{client: client}
}

func (p *RedisLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return p.client.SetNX(ctx, key, instanceID, ttl).Result()
}

func (p *RedisLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, p.client, []string{key}, instanceID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *RedisLockProvider) Release(ctx context.Context, key, instanceID string) error {
	_, err := releaseScript.Run(ctx, p.client, []string{key}, instanceID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (p *RedisLockProvider) Holder(ctx context.Context, key string) (string, error) {
	holder, err := p.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return holder, err
}

func (p *RedisLockProvider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisLockProvider) Close() error {
	return p.client.Close()
}
