package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/charging-platform/cp-simulator/internal/config"
	"github.com/charging-platform/cp-simulator/internal/domain/vehicle"
)

const (
	sessionKeyPrefix = "sim:session:"
	vehicleKeyPrefix = "sim:vehicle:"
)

// RedisStore persists session records as JSON values under sim:session:<id>.
type RedisStore struct {
	Client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{Client: client}, nil
}

// LoadAll implements SessionStore. It scans the session keyspace with cursor
// iteration so large populations do not block the server.
func (r *RedisStore) LoadAll(ctx context.Context) ([]SessionRecord, error) {
	var records []SessionRecord
	iter := r.Client.Scan(ctx, 0, sessionKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		data, err := r.Client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", iter.Val(), err)
		}
		var record SessionRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Val(), err)
		}
		records = append(records, record)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return records, nil
}

// Save implements SessionStore.
func (r *RedisStore) Save(ctx context.Context, record SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", record.SessionID, err)
	}
	return r.Client.Set(ctx, sessionKeyPrefix+record.SessionID, data, 0).Err()
}

// Delete implements SessionStore.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return r.Client.Del(ctx, sessionKeyPrefix+sessionID).Err()
}

// LoadVehicle implements SessionStore. Unknown ids fall back to the built-in
// catalogue before reporting ErrNotFound.
func (r *RedisStore) LoadVehicle(ctx context.Context, vehicleID string) (*vehicle.Profile, error) {
	data, err := r.Client.Get(ctx, vehicleKeyPrefix+vehicleID).Result()
	if err == redis.Nil {
		if p, ok := vehicle.DefaultCatalogue()[vehicleID]; ok {
			return p, nil
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load vehicle %s: %w", vehicleID, err)
	}
	var p vehicle.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode vehicle %s: %w", vehicleID, err)
	}
	return &p, nil
}

// Close implements SessionStore.
func (r *RedisStore) Close() error {
	return r.Client.Close()
}
