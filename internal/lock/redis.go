package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis is a Locker over SET NX PX. Compare-and-act paths run as Lua so
// they cannot interleave with another owner's write.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) k(key string) string { return r.prefix + key }

func (r *Redis) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.k(key), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// already ours: refresh the ttl
	n, err := extendScript.Run(ctx, r.client, []string{r.k(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Owner(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *Redis) Extend(ctx context.Context, key, owner string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.client, []string{r.k(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotHeld
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, r.client, []string{r.k(key)}, owner).Err()
}
