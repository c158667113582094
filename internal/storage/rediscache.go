package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/pkg/types"
)

// RedisCache implements CacheStore over go-redis. Entries are advisory:
// eviction or flush never loses authoritative data.
type RedisCache struct {
	client       *redis.Client
	eventChannel string
	defaultTTL   time.Duration
	logger       logging.Logger
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg *config.RedisConfig, defaultTTL time.Duration, logger logging.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(errors.KindUnavailable, err, "pinging redis").
			WithAdapter(string(KindCache))
	}
	return &RedisCache{
		client:       client,
		eventChannel: cfg.EventChannel,
		defaultTTL:   defaultTTL,
		logger:       logger.WithComponent("rediscache"),
	}, nil
}

func (r *RedisCache) Kind() Kind { return KindCache }

// IsAvailable pings with a short deadline.
func (r *RedisCache) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(probeCtx).Err() == nil
}

// Close releases the connection pool.
func (r *RedisCache) Close() error { return r.client.Close() }

// Store caches the serialised document under its cache key with the
// payload's TTL, falling back to the configured default.
func (r *RedisCache) Store(ctx context.Context, entityID string, p *types.DocumentPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Validation("document %s is not serialisable: %v", entityID, err).
			WithAdapter(string(KindCache))
	}
	ttl := p.CacheTTL
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	return r.Set(ctx, DocCacheKey(entityID), data, ttl)
}

// Retrieve loads and deserialises the cached document. A missing or
// expired entry is NotFound.
func (r *RedisCache) Retrieve(ctx context.Context, entityID string) (*types.DocumentPayload, error) {
	data, err := r.Get(ctx, DocCacheKey(entityID))
	if err != nil {
		return nil, err
	}
	var p types.DocumentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "decoding cached document %s", entityID).
			WithAdapter(string(KindCache))
	}
	return &p, nil
}

// Delete removes the cached document. Absence is not an error.
func (r *RedisCache) Delete(ctx context.Context, entityID string) error {
	return r.DeleteKey(ctx, DocCacheKey(entityID))
}

// Set writes a raw value with a TTL.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrap(errors.KindUnavailable, err, "setting key %s", key).
			WithAdapter(string(KindCache))
	}
	return nil
}

// Get reads a raw value; redis.Nil maps to NotFound.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFound("key %s not cached", key).WithAdapter(string(KindCache))
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindUnavailable, err, "getting key %s", key).
			WithAdapter(string(KindCache))
	}
	return data, nil
}

// DeleteKey removes one key.
func (r *RedisCache) DeleteKey(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(errors.KindUnavailable, err, "deleting key %s", key).
			WithAdapter(string(KindCache))
	}
	return nil
}

// DeletePrefix removes every key under the prefix using SCAN, never KEYS.
func (r *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Wrap(errors.KindUnavailable, err, "deleting prefix %s", prefix).
					WithAdapter(string(KindCache))
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(errors.KindUnavailable, err, "scanning prefix %s", prefix).
			WithAdapter(string(KindCache))
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return errors.Wrap(errors.KindUnavailable, err, "deleting prefix %s", prefix).
				WithAdapter(string(KindCache))
		}
	}
	return nil
}

// Publish emits an advisory event. Publish failures are reported but the
// caller treats them as non-fatal.
func (r *RedisCache) Publish(ctx context.Context, channel string, message []byte) error {
	if channel == "" {
		channel = r.eventChannel
	}
	if err := r.client.Publish(ctx, channel, message).Err(); err != nil {
		return errors.Wrap(errors.KindUnavailable, err, "publishing to %s", channel).
			WithAdapter(string(KindCache))
	}
	return nil
}
