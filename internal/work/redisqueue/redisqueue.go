// Package redisqueue is a work.Queue kept in Redis lists, so queued and
// running units can be seen from any process.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bryan-buckman/feedsync/internal/work"
)

// Queue moves units from a pending list to a processing list with BLMOVE
// and removes them when done.
type Queue struct {
	*work.Dispatcher

	client     *redis.Client
	pending    string
	processing string
	workers    int
	block      time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

var _ work.Queue = (*Queue)(nil)

// New creates a queue using lists named <prefix>:pending and <prefix>:processing.
func New(client *redis.Client, prefix string, workers int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		Dispatcher: work.NewDispatcher(logger),
		client:     client,
		pending:    prefix + ":pending",
		processing: prefix + ":processing",
		workers:    workers,
		block:      time.Second,
		logger:     logger,
	}
}

// NewFromURL connects to the Redis server at url.
func NewFromURL(url, prefix string, workers int, logger *slog.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), prefix, workers, logger), nil
}

// Ping checks the connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue pushes a unit onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, u work.Unit) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode unit: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, raw).Err(); err != nil {
		return fmt.Errorf("enqueue unit %s: %w", u.ID, err)
	}
	return nil
}

// PeekPending returns the queued units carrying tag.
func (q *Queue) PeekPending(ctx context.Context, tag string) ([]work.Unit, error) {
	units, err := q.list(ctx, q.pending)
	if err != nil {
		return nil, err
	}
	var out []work.Unit
	for _, u := range units {
		if u.Tag == tag {
			out = append(out, u)
		}
	}
	return out, nil
}

// ListRunning returns the units being processed by any worker.
func (q *Queue) ListRunning(ctx context.Context) ([]work.Unit, error) {
	return q.list(ctx, q.processing)
}

func (q *Queue) list(ctx context.Context, key string) ([]work.Unit, error) {
	raws, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	units := make([]work.Unit, 0, len(raws))
	for _, raw := range raws {
		var u work.Unit
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			q.logger.Warn("skipping undecodable unit", "key", key, "error", err)
			continue
		}
		units = append(units, u)
	}
	return units, nil
}

// Start launches the workers.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.logger.Info("redis queue starting", "workers", q.workers, "pending", q.pending)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Stop stops the workers and waits for in-flight units.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for ctx.Err() == nil {
		raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("dequeue failed", "error", err)
			select {
			case <-time.After(q.block):
			case <-ctx.Done():
				return
			}
			continue
		}
		q.process(ctx, raw)
	}
}

func (q *Queue) process(ctx context.Context, raw string) {
	var u work.Unit
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		q.logger.Error("dropping undecodable unit", "error", err)
		q.remove(raw)
		return
	}

	err := q.Run(ctx, u)
	q.remove(raw)
	q.Finish(ctx, u, err)
}

// remove drops a unit from the processing list. It uses its own context so a
// shutdown does not leave finished units behind.
func (q *Queue) remove(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
		q.logger.Error("failed to remove finished unit", "error", err)
	}
}
