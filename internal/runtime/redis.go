package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists checkpoints as JSON values under a key prefix. Suited
// to short-lived jobs; terminal checkpoints expire after the retention TTL.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

// NewRedisStore creates a store. A zero retention keeps checkpoints
// indefinitely.
func NewRedisStore(client *redis.Client, keyPrefix string, retention time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "checkpoint:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, retention: retention}
}

func (s *RedisStore) key(jobID string) string { return s.keyPrefix + jobID }

// Load returns the stored checkpoint, or nil when absent.
func (s *RedisStore) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	payload, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", jobID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", jobID, err)
	}
	return &cp, nil
}

// Save upserts the checkpoint. SET is atomic on the server side.
func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.JobID, err)
	}
	ttl := time.Duration(0)
	if s.retention > 0 && cp.State.Terminal() {
		ttl = s.retention
	}
	if err := s.client.Set(ctx, s.key(cp.JobID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.JobID, err)
	}
	return nil
}

// Delete removes a checkpoint, reporting whether a key existed.
func (s *RedisStore) Delete(ctx context.Context, jobID string) (bool, error) {
	removed, err := s.client.Del(ctx, s.key(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("delete checkpoint %s: %w", jobID, err)
	}
	return removed > 0, nil
}
