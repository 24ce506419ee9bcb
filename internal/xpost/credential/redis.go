package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "xpostd:credentials"

// RedisOptions configures the redis persister.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Key is the hash holding one field per destination.
	Key string
}

// Redis persists credentials as JSON values in a single hash, so replicas
// behind a load balancer share them.
type Redis struct {
	client *redis.Client
	key    string
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}
	if opts.Key == "" {
		opts.Key = defaultRedisKey
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, key: opts.Key}, nil
}

func (r *Redis) Load(ctx context.Context) (map[xpost.Destination]xpost.Credential, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", r.key, err)
	}
	out := make(map[xpost.Destination]xpost.Credential, len(fields))
	for dest, raw := range fields {
		var cred xpost.Credential
		if err := json.Unmarshal([]byte(raw), &cred); err != nil {
			return nil, fmt.Errorf("decode %s credential: %w", dest, err)
		}
		out[xpost.Destination(dest)] = cred
	}
	return out, nil
}

func (r *Redis) Save(ctx context.Context, dest xpost.Destination, cred xpost.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	return r.client.HSet(ctx, r.key, string(dest), raw).Err()
}

func (r *Redis) Delete(ctx context.Context, dest xpost.Destination) error {
	return r.client.HDel(ctx, r.key, string(dest)).Err()
}

func (r *Redis) Close() error { return r.client.Close() }
