package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tilecache/internal/cacheerr"
)

// RedisOptions configures the redis adapter.
type RedisOptions struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Redis stores tiles as plain string values under Prefix + key. Tiles never
// expire; clearing is explicit.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Provider = (*Redis)(nil)

// NewRedis connects and pings the server.
func NewRedis(opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "tile:"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) keyFor(key string) string {
	return r.prefix + key
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, r.keyFor(key)).Result()
	if err != nil {
		return false, cacheerr.IO("exists", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Write(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.keyFor(key), data, 0).Err(); err != nil {
		return cacheerr.IO("write", key, err)
	}
	return nil
}

func (r *Redis) Read(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, r.keyFor(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cacheerr.IO("read", key, ErrNotFound)
		}
		return nil, cacheerr.IO("read", key, err)
	}
	return data, nil
}

// List scans the namespace. SCAN may return a key more than once, so the
// result is deduplicated.
func (r *Redis) List(ctx context.Context, namespace string) ([]string, error) {
	if err := checkNamespace(namespace); err != nil {
		return nil, err
	}
	match := escapeGlob(r.keyFor(namespace+"/")) + "*"
	seen := make(map[string]struct{})
	iter := r.client.Scan(ctx, 0, match, 500).Iterator()
	for iter.Next(ctx) {
		seen[strings.TrimPrefix(iter.Val(), r.prefix)] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, cacheerr.IO("list", namespace, err)
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.keyFor(key)).Err(); err != nil {
		return cacheerr.IO("remove", key, err)
	}
	return nil
}

func (r *Redis) Size(ctx context.Context, key string) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}
	pipe := r.client.Pipeline()
	exists := pipe.Exists(ctx, r.keyFor(key))
	size := pipe.StrLen(ctx, r.keyFor(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, cacheerr.IO("size", key, err)
	}
	if exists.Val() == 0 {
		return 0, cacheerr.IO("size", key, ErrNotFound)
	}
	return size.Val(), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
