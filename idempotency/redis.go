package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of Redis used by RedisTaskStore.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

type goRedisClient struct {
	client redis.UniversalClient
}

// NewGoRedisClient adapts a go-redis client, cluster client or ring.
func NewGoRedisClient(client redis.UniversalClient) RedisClient {
	return goRedisClient{client: client}
}

func (c goRedisClient) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c goRedisClient) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c goRedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// RedisTaskStore keeps tasks as JSON values. SETNX provides the atomic
// insert-if-absent.
type RedisTaskStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption customizes RedisTaskStore.
type RedisOption func(*RedisTaskStore)

// WithKeyPrefix namespaces task keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisTaskStore) {
		s.prefix = prefix
	}
}

// WithTTL expires task records. Zero keeps them forever, which also keeps
// deduplication effective forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisTaskStore) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

func NewRedisTaskStore(client RedisClient, opts ...RedisOption) *RedisTaskStore {
	s := &RedisTaskStore{
		client: client,
		prefix: "events:task:",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisTaskStore) Insert(ctx context.Context, task Task) error {
	if task.Status == "" {
		task.Status = TaskScheduled
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = s.now()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return taskStoreError("encode", task.Key, err)
	}
	created, err := s.client.SetNX(ctx, s.prefix+task.Key, payload, s.ttl)
	if err != nil {
		return taskStoreError("insert", task.Key, err)
	}
	if !created {
		return duplicateTask(task.Key)
	}
	return nil
}

func (s *RedisTaskStore) Complete(ctx context.Context, key string, attempts int) error {
	return s.finish(ctx, key, TaskCompleted, attempts, "")
}

func (s *RedisTaskStore) Fail(ctx context.Context, key string, attempts int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, key, TaskFailed, attempts, msg)
}

func (s *RedisTaskStore) finish(ctx context.Context, key string, status TaskStatus, attempts int, msg string) error {
	task, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return taskNotFound(key)
	}
	task.Status = status
	task.Attempts = attempts
	task.Error = msg
	task.FinishedAt = s.now()

	payload, err := json.Marshal(task)
	if err != nil {
		return taskStoreError("encode", key, err)
	}
	if err := s.client.Set(ctx, s.prefix+key, payload, s.ttl); err != nil {
		return taskStoreError("update", key, err)
	}
	return nil
}

func (s *RedisTaskStore) Get(ctx context.Context, key string) (Task, bool, error) {
	raw, ok, err := s.client.Get(ctx, s.prefix+key)
	if err != nil {
		return Task{}, false, taskStoreError("get", key, err)
	}
	if !ok {
		return Task{}, false, nil
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, false, taskStoreError("decode", key, err)
	}
	return task, true, nil
}
