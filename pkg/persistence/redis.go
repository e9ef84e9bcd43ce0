package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// GatewayKeyRecord is the serializable shape of a keystore.GatewayRecord,
// kept independent of that package's circl-backed key types so it can be
// marshaled with encoding/json and stored as an opaque blob in Redis/Postgres.
type GatewayKeyRecord struct {
	Address       string    `json:"address"`
	EncryptionKey []byte    `json:"encryptionKey"`
	MacKey        []byte    `json:"macKey"`
	EstablishedAt time.Time `json:"establishedAt"`
}

// RedisCache is a read-through cache in front of a durable store (typically
// PostgresStore). Entries expire after TTL even if never explicitly
// invalidated, so a cache outage never strands stale keys indefinitely.
type RedisCache struct {
	client *redis.Client
	ctx    context.Context
	ttl    time.Duration
}

// RedisCacheConfig holds Redis configuration
type RedisCacheConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration // Cache TTL (default: 10 minutes)
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(config RedisCacheConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	ctx := context.Background()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := config.TTL
	if ttl == 0 {
		ttl = 10 * time.Minute // Default TTL
	}

	log.Println("Redis connection established")
	return &RedisCache{
		client: client,
		ctx:    ctx,
		ttl:    ttl,
	}, nil
}

func gatewayKeyCacheKey(address string) string {
	return fmt.Sprintf("gatewaykeys:%s", address)
}

// CacheGatewayKeys caches a gateway's shared-key record in Redis.
func (rc *RedisCache) CacheGatewayKeys(rec GatewayKeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway key record: %w", err)
	}

	return rc.client.Set(rc.ctx, gatewayKeyCacheKey(rec.Address), data, rc.ttl).Err()
}

// GetCachedGatewayKeys retrieves a gateway's shared-key record from cache.
func (rc *RedisCache) GetCachedGatewayKeys(address string) (GatewayKeyRecord, bool, error) {
	data, err := rc.client.Get(rc.ctx, gatewayKeyCacheKey(address)).Result()
	if err == redis.Nil {
		return GatewayKeyRecord{}, false, nil
	}
	if err != nil {
		return GatewayKeyRecord{}, false, err
	}

	var rec GatewayKeyRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return GatewayKeyRecord{}, false, fmt.Errorf("failed to unmarshal gateway key record: %w", err)
	}

	return rec, true, nil
}

// InvalidateGatewayKeys removes a gateway's cached record.
func (rc *RedisCache) InvalidateGatewayKeys(address string) error {
	return rc.client.Del(rc.ctx, gatewayKeyCacheKey(address)).Err()
}

// FlushAll clears all cache (use with caution)
func (rc *RedisCache) FlushAll() error {
	return rc.client.FlushAll(rc.ctx).Err()
}

// GetStats returns Redis cache statistics
func (rc *RedisCache) GetStats() (map[string]interface{}, error) {
	info := rc.client.Info(rc.ctx, "stats")
	if info.Err() != nil {
		return nil, info.Err()
	}

	keyCount, _ := rc.client.Keys(rc.ctx, "gatewaykeys:*").Result()

	return map[string]interface{}{
		"cached_gateway_keys": len(keyCount),
		"info":                info.Val(),
	}, nil
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	log.Println("Closing Redis connection")
	return rc.client.Close()
}

// Health checks if Redis is healthy
func (rc *RedisCache) Health() error {
	return rc.client.Ping(rc.ctx).Err()
}
