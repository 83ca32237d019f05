package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists device records as one Redis key per device.
// Suits deployments where the coordinator host has no writable disk.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: ping %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) SaveDevices(ctx context.Context, devices []DeviceRecord) error {
	// The snapshot replaces everything: write current keys, then delete
	// any leftovers from removed devices.
	want := make(map[string]bool, len(devices))
	pipe := s.client.Pipeline()
	for _, d := range devices {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("redis store: marshal %s: %w", d.DeviceID, err)
		}
		key := DeviceKey(d.DeviceID)
		want[key] = true
		pipe.Set(ctx, key, data, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: write snapshot: %w", err)
	}

	var stale []string
	iter := s.client.Scan(ctx, 0, DevicePrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		if !want[iter.Val()] {
			stale = append(stale, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis store: scan: %w", err)
	}
	if len(stale) > 0 {
		if err := s.client.Del(ctx, stale...).Err(); err != nil {
			return fmt.Errorf("redis store: prune: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) LoadDevices(ctx context.Context) ([]DeviceRecord, error) {
	var out []DeviceRecord
	iter := s.client.Scan(ctx, 0, DevicePrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis store: get %s: %w", iter.Val(), err)
		}
		var d DeviceRecord
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("redis store: parse %s: %w", iter.Val(), err)
		}
		out = append(out, d)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis store: scan: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
