package registry

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisBackend realizes the registry's key schema on Redis: the
// name-scoped record is a string value, <prefix>/list/<name> is a set of
// ids for O(1) discovery, and <prefix>/index/<id> is the reverse index.
// The record and the reverse index are written with the same TTL in one
// pipeline; the set's own expiry is pushed to twice that TTL on every
// registration, and members whose record has lapsed are pruned on discovery.
// Grounded on redis.go's NewRedisConnect/redis.Options connection style.
type redisBackend struct {
	client    *redis.Client
	keyPrefix string
}

// RedisOptions configures the Redis-flavored registry backend.
type RedisOptions struct {
	ConnectionString string // parsed with redis.ParseURL
	KeyPrefix        string
}

// NewRedis constructs a Facade backed by Redis.
func NewRedis(opts RedisOptions, facadeOpts ...Option) (*Facade, error) {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	redisOpts, err := redis.ParseURL(opts.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("registry: parse redis connection string: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry: connect redis: %w", err)
	}

	b := &redisBackend{client: client, keyPrefix: opts.KeyPrefix}
	return newFacade(b, facadeOpts...), nil
}

func (b *redisBackend) serviceKey(name, id string) string {
	return path.Join(b.keyPrefix, "service", name, id)
}

func (b *redisBackend) indexKey(id string) string {
	return path.Join(b.keyPrefix, "index", id)
}

func (b *redisBackend) listKey(name string) string {
	return path.Join(b.keyPrefix, "list", name)
}

func (b *redisBackend) putUnderTTL(ctx context.Context, name, id string, value []byte, ttl time.Duration) error {
	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.serviceKey(name, id), value, ttl)
		p.Set(ctx, b.indexKey(id), name, ttl)
		p.SAdd(ctx, b.listKey(name), id)
		// The set membership itself never expires per-id; instead we
		// refresh its own TTL on every registration so an abandoned name
		// bucket (no ids registered for a long stretch) eventually decays.
		p.Expire(ctx, b.listKey(name), ttl*2)
		return nil
	})
	if err != nil {
		return fmt.Errorf("pipelined put: %w", err)
	}
	return nil
}

func (b *redisBackend) delete(ctx context.Context, name, id string) error {
	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, b.serviceKey(name, id))
		p.Del(ctx, b.indexKey(id))
		p.SRem(ctx, b.listKey(name), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("pipelined delete: %w", err)
	}
	return nil
}

func (b *redisBackend) listByName(ctx context.Context, name string) ([][]byte, error) {
	ids, err := b.client.SMembers(ctx, b.listKey(name)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("smembers %s: %w", name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.serviceKey(name, id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget %s: %w", name, err)
	}

	out := make([][]byte, 0, len(values))
	var stale []string
	for i, v := range values {
		if v == nil {
			// Set members carry no per-id TTL, so one outlives its value
			// record whenever that lease lapses without an Unregister;
			// prune it opportunistically.
			stale = append(stale, ids[i])
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, []byte(s))
	}
	if len(stale) > 0 {
		b.client.SRem(ctx, b.listKey(name), toInterfaceSlice(stale)...)
	}
	return out, nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (b *redisBackend) getIndex(ctx context.Context, id string) (string, error) {
	name, err := b.client.Get(ctx, b.indexKey(id)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get index %s: %w", id, err)
	}
	return name, nil
}

func (b *redisBackend) get(ctx context.Context, name, id string) ([]byte, error) {
	v, err := b.client.Get(ctx, b.serviceKey(name, id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return []byte(v), nil
}

func (b *redisBackend) close() error {
	return b.client.Close()
}
