package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "migration:"

// RedisStore uses SETNX for the registry, a sorted set per wait list (scored
// by insertion time) and expiring string keys for snapshots.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, now: time.Now}, nil
}

func (s *RedisStore) Backend() string { return "redis" }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) CreateIfAbsent(ctx context.Context, key string, d ConferenceDescriptor) (bool, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("marshal descriptor: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return false, fmt.Errorf("create conference: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Read(ctx context.Context, key string) (ConferenceDescriptor, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ConferenceDescriptor{}, ErrNotFound
		}
		return ConferenceDescriptor{}, fmt.Errorf("read conference: %w", err)
	}
	var d ConferenceDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return ConferenceDescriptor{}, fmt.Errorf("decode conference: %w", err)
	}
	return d, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("delete conference: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Add(ctx context.Context, key, member string) (int, error) {
	n, err := s.client.ZAddNX(ctx, key, redis.Z{
		Score:  float64(s.now().UnixMicro()),
		Member: member,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("add to wait list: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) List(ctx context.Context, key string) ([]string, error) {
	out, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list wait list: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Remove(ctx context.Context, key, member string) (int, error) {
	n, err := s.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return 0, fmt.Errorf("remove from wait list: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear wait list: %w", err)
	}
	return nil
}

func (s *RedisStore) Put(ctx context.Context, token string, payload []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, snapshotKeyPrefix+token, payload, ttl).Err(); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, token string) ([]byte, error) {
	payload, err := s.client.GetDel(ctx, snapshotKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("take snapshot: %w", err)
	}
	return payload, nil
}
