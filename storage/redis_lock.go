package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScriptSource deletes the lock only when it still holds our token,
// so a pass that outlived its TTL cannot release a successor's lock.
const releaseScriptSource = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseScript = redis.NewScript(releaseScriptSource)

// RedisPassLock guards passes across processes sharing one Redis.
type RedisPassLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisPassLock parses a redis:// URL and verifies the connection.
func NewRedisPassLock(ctx context.Context, url, key string, ttl time.Duration) (*RedisPassLock, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisPassLock{client: client, key: key, ttl: ttl}, nil
}

// TryAcquire sets the lock key if absent. The returned release func is
// safe to call more than once.
func (l *RedisPassLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis: acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}, true, nil
}

func (l *RedisPassLock) Close() error {
	return l.client.Close()
}
