package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/logger"
)

const queueWake = "outpost:queue:wake"

// redisQueue is a wake-up channel between the API and the workers. It
// carries job ids only; the database remains the source of truth for job
// state, so a lost or duplicated notification is harmless.
type redisQueue struct {
	client *redis.Client
	logger *logger.Logger
}

func NewRedisQueue(cfg config.RedisConfig, log *logger.Logger) (core.NotifyQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &redisQueue{
		client: client,
		logger: log.WithComponent("queue"),
	}, nil
}

func (q *redisQueue) Push(ctx context.Context, jobID uuid.UUID) error {
	if err := q.client.RPush(ctx, queueWake, jobID.String()).Err(); err != nil {
		return fmt.Errorf("failed to push job notification: %w", err)
	}
	return nil
}

// Pop blocks up to timeout waiting for a notification. The second return
// is false when the wait elapsed with nothing queued.
func (q *redisQueue) Pop(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error) {
	result, err := q.client.BLPop(ctx, timeout, queueWake).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to pop job notification: %w", err)
	}
	// BLPop returns [key, value].
	if len(result) < 2 {
		return uuid.Nil, false, nil
	}

	jobID, err := uuid.Parse(result[1])
	if err != nil {
		q.logger.Warnw("Discarding malformed job notification", "value", result[1])
		return uuid.Nil, false, nil
	}
	return jobID, true, nil
}

func (q *redisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, queueWake).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}

// noopQueue drops notifications. Used when Redis is not configured; the
// workers then rely entirely on store polling.
type noopQueue struct{}

func Noop() core.NotifyQueue { return noopQueue{} }

func (noopQueue) Push(ctx context.Context, jobID uuid.UUID) error { return nil }

func (noopQueue) Pop(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error) {
	select {
	case <-time.After(timeout):
		return uuid.Nil, false, nil
	case <-ctx.Done():
		return uuid.Nil, false, ctx.Err()
	}
}

func (noopQueue) Len(ctx context.Context) (int64, error) { return 0, nil }

func (noopQueue) Close() error { return nil }
