package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX and a compare-and-delete script.
// The client is owned by the caller.
type RedisLease struct {
	client redis.UniversalClient
}

// NewRedisLease wraps an existing client.
func NewRedisLease(client redis.UniversalClient) *RedisLease {
	return &RedisLease{client: client}
}

func (r *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", types.ErrLeaseBusy, key)
	}
	return token, nil
}

func (r *RedisLease) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
