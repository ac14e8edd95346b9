package seeker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"agentmesh/knowledgeservice/internal/domain"
)

const redisCachePrefix = "knowledge:cache:"

// RedisCacheBackend stores knowledge responses in Redis with JSON serialization.
type RedisCacheBackend struct {
	client *redis.Client
}

func NewRedisCacheBackend(client *redis.Client) *RedisCacheBackend {
	return &RedisCacheBackend{client: client}
}

func (r *RedisCacheBackend) Get(ctx context.Context, key string) (domain.KnowledgeResponse, bool, error) {
	data, err := r.client.Get(ctx, redisCachePrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.KnowledgeResponse{}, false, nil
		}
		return domain.KnowledgeResponse{}, false, err
	}
	var resp domain.KnowledgeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return domain.KnowledgeResponse{}, false, err
	}
	return resp, true, nil
}

func (r *RedisCacheBackend) Set(ctx context.Context, key string, response domain.KnowledgeResponse, ttl time.Duration) error {
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisCachePrefix+key, data, ttl).Err()
}

func (r *RedisCacheBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisCachePrefix+key).Err()
}

// Clear removes every cached response under the key prefix.
func (r *RedisCacheBackend) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, redisCachePrefix+"*", 0).Iterator()
	keys := make([]string, 0, 64)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisCacheBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
