package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the store writes.
const DefaultRedisPrefix = "x402:discovery"

// RedisStore keeps the catalog in redis so it survives restarts and is
// shared between facilitator replicas. Each record is a JSON value keyed by
// resource URL; a sorted set indexes resources by LastUpdated for ordered
// listing.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing redis client. An empty prefix falls back
// to DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) recordKey(resource string) string {
	return s.prefix + ":resource:" + resource
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

func (s *RedisStore) Get(ctx context.Context, resource string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(resource)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("discovery: decode record %s: %w", resource, err)
	}
	return &rec, nil
}

func (s *RedisStore) Upsert(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("discovery: encode record %s: %w", rec.Resource, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.Resource), raw, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(rec.LastUpdated.UnixMilli()),
			Member: rec.Resource,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("discovery: redis upsert: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]Record, int, error) {
	records, err := s.loadAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	page, total := selectPage(records, opts)
	return page, total, nil
}

func (s *RedisStore) Purge(ctx context.Context, before time.Time) error {
	records, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.DeletedAt == nil || !rec.DeletedAt.Before(before) {
			continue
		}
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.recordKey(rec.Resource))
			pipe.ZRem(ctx, s.indexKey(), rec.Resource)
			return nil
		})
		if err != nil {
			return fmt.Errorf("discovery: redis purge %s: %w", rec.Resource, err)
		}
	}
	return nil
}

// loadAll fetches every record in index order. The catalog stays small
// enough that filtering in process beats pushing predicates into redis.
func (s *RedisStore) loadAll(ctx context.Context) ([]Record, error) {
	resources, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("discovery: redis index scan: %w", err)
	}
	if len(resources) == 0 {
		return nil, nil
	}

	keys := make([]string, len(resources))
	for i, resource := range resources {
		keys[i] = s.recordKey(resource)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("discovery: redis mget: %w", err)
	}

	records := make([]Record, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Index entry without a record: dropped mid-purge, skip it.
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("discovery: decode record %s: %w", resources[i], err)
		}
		records = append(records, rec)
	}
	return records, nil
}
