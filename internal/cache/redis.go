package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key written by this storage.
	Prefix string
}

// RedisStorage keeps generations in Redis: a set of generation names and one
// hash of entries per generation.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

type redisGeneration struct {
	storage *RedisStorage
	name    string
}

// NewRedis connects to Redis and pings it before returning.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "readwatch"
	}

	logrus.WithField("redis_address", cfg.Addr).Info("Connected to Redis cache storage")
	return &RedisStorage{client: rdb, prefix: prefix}, nil
}

func (r *RedisStorage) setKey() string {
	return r.prefix + ":generations"
}

func (r *RedisStorage) hashKey(name string) string {
	return r.prefix + ":generation:" + name
}

func (r *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisStorage) Open(ctx context.Context, name string) (GenericCache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := r.client.SAdd(ctx, r.setKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to register generation %s: %w", name, err)
	}
	return &redisGeneration{storage: r, name: name}, nil
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, r.setKey(), name)
		pipe.Del(ctx, r.hashKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete generation %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (r *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.setKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check generation %s: %w", name, err)
	}
	return ok, nil
}

// Close closes the Redis client connection.
func (r *RedisStorage) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (g *redisGeneration) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := g.storage.client.HGet(ctx, g.storage.hashKey(g.name), key).Bytes()
	if err != nil {
		// A redis.Nil error is a normal cache miss
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	return data, nil
}

func (g *redisGeneration) Set(ctx context.Context, key string, value []byte) error {
	s := g.storage
	// WATCH the generation set so a concurrent Delete aborts the write
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		ok, err := tx.SIsMember(ctx, s.setKey(), g.name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrGenerationDeleted
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.hashKey(g.name), key, value)
			return nil
		})
		return err
	}, s.setKey())
	if err != nil {
		if errors.Is(err, ErrGenerationDeleted) {
			return err
		}
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}
