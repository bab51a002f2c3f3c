package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tls-chameleon/internal/types"
)

const redisKeyPrefix = "chameleon:pool"

// RedisStorage keeps the health table in a hash keyed by proxy URL, so
// several instances sharing one pool see each other's marks
type RedisStorage struct {
	client     *redis.Client
	healthKey  string
	updatedKey string
}

func NewRedisStorage(addr string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStorage{
		client:     client,
		healthKey:  redisKeyPrefix + ":health",
		updatedKey: redisKeyPrefix + ":updated",
	}, nil
}

func (r *RedisStorage) Save(snapshot *types.PoolSnapshot) error {
	fields := make(map[string]interface{}, len(snapshot.Proxies))
	for _, p := range snapshot.Proxies {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", p.Proxy, err)
		}
		fields[p.Proxy] = data
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.healthKey)
		if len(fields) > 0 {
			pipe.HSet(ctx, r.healthKey, fields)
		}
		pipe.Set(ctx, r.updatedKey, snapshot.Updated.Format(time.RFC3339Nano), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save: %w", err)
	}

	return nil
}

func (r *RedisStorage) Load() (*types.PoolSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updated, err := r.client.Get(ctx, r.updatedKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	fields, err := r.client.HGetAll(ctx, r.healthKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	snap := &types.PoolSnapshot{}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		snap.Updated = t
	}
	for proxy, data := range fields {
		var p types.ProxyHealth
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", proxy, err)
		}
		snap.Proxies = append(snap.Proxies, p)
	}

	return snap, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
