package keeper

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned by Renew when another instance took the lease.
var ErrNotLeader = errors.New("not leader")

// Lease is single-holder leadership. Only the holder scans for overdue
// habits, so a fleet of ledger instances publishes each settle once.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// RedisLease implements Lease with SETNX and a TTL. The holder renews at
// every keeper tick; if it crashes, the key expires and another instance
// takes over within one TTL.
type RedisLease struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

func NewRedisLease(client *redis.Client, key, instanceID string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client:     client,
		key:        key,
		instanceID: instanceID,
		ttl:        ttl,
	}
}

func (l *RedisLease) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
}

// Renew extends the TTL if this instance still holds the lease. The Lua
// script makes check-and-expire atomic.
func (l *RedisLease) Renew(ctx context.Context) error {
	script := `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
	`

	result, err := l.client.Eval(ctx, script, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return ErrNotLeader
	}
	return nil
}

// Release gives up the lease if still held. Called on graceful shutdown
// so the next instance does not wait out the TTL.
func (l *RedisLease) Release(ctx context.Context) error {
	script := `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
	`

	return l.client.Eval(ctx, script, []string{l.key}, l.instanceID).Err()
}
