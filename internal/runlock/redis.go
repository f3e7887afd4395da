package runlock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "roomcast/pkg/logx"
)

const releaseTimeout = 5 * time.Second

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a locker shared by every process using the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL, prefix string, log logx.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client, prefix: prefix, log: log.With(logx.String("comp", "runlock"))}, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	k := r.prefix + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil {
				r.log.Warn("lock release failed; expires by ttl", logx.String("key", key), logx.Err(err))
			}
		})
	}, true, nil
}
