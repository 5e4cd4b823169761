package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
	"github.com/rs/zerolog/log"
)

// Locker grants a short exclusive lease so only one watchdog instance runs a tick.
type Locker interface {
	TryLock(ctx context.Context, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

var releaseScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker takes the lease with SET NX PX and releases it only if it still
// holds the token it wrote.
type RedisLocker struct {
	client rueidis.Client
	key    string
}

func NewRedisLocker(client rueidis.Client, key string) *RedisLocker {
	return &RedisLocker{client: client, key: key}
}

func (l *RedisLocker) TryLock(ctx context.Context, ttl time.Duration) (func(context.Context), bool, error) {
	token := uuid.NewString()
	cmd := l.client.B().Set().Key(l.key).Value(token).Nx().PxMilliseconds(ttl.Milliseconds()).Build()
	err := l.client.Do(ctx, cmd).Error()
	if rueidis.IsRedisNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	release := func(ctx context.Context) {
		if err := l.release(ctx, token); err != nil {
			// The lease still expires after its TTL.
			log.Warn().Err(err).Str("key", l.key).Msg("failed to release watchdog lease")
		}
	}
	return release, true, nil
}

func (l *RedisLocker) release(ctx context.Context, token string) error {
	if err := releaseScript.Exec(ctx, l.client, []string{l.key}, []string{token}).Error(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
