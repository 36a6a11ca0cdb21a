package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelpanel/api/internal/model"
)

const (
	jobKeyPrefix = "job:"
	jobRetention = 24 * time.Hour
)

// RedisStore persists jobs as JSON blobs under job:<id> with a retention
// TTL, plus an index set for ListJobs.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

func (s *RedisStore) SaveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	key := jobKeyPrefix + job.ID
	if err := s.redis.Set(ctx, key, data, jobRetention).Err(); err != nil {
		return err
	}
	return s.redis.SAdd(ctx, "jobs:index", job.ID).Err()
}

func (s *RedisStore) LoadJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKeyPrefix+jobID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) ListJobs(ctx context.Context) ([]*model.Job, error) {
	ids, err := s.redis.SMembers(ctx, "jobs:index").Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.LoadJob(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				// Expired job body; drop the stale index entry.
				s.redis.SRem(ctx, "jobs:index", id)
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
