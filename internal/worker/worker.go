// Package worker provides the Redis-backed job queue between the
// poller and the parse workers. Jobs are independent; the only
// ordering guarantee is within a single file.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/skylightwx/skylight/internal/log"
	"github.com/skylightwx/skylight/internal/poller"
)

const (
	queueKey     = "skylight:jobs"
	maxQueueLen  = 10000
	popTimeout   = 5 * time.Second
	fullWaitTime = time.Second
)

// Queue is a bounded Redis list of JSON-encoded parse jobs.
type Queue struct {
	client *redis.Client
}

// NewQueue connects to the Redis instance at redisURL.
func NewQueue(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	return &Queue{client: redis.NewClient(opts)}, nil
}

// Enqueue pushes one job. When the queue is full it blocks until a
// worker has drained it below the cap, providing backpressure to the
// poller.
func (q *Queue) Enqueue(ctx context.Context, job poller.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	for {
		length, err := q.client.LLen(ctx, queueKey).Result()
		if err != nil {
			return fmt.Errorf("checking queue length: %w", err)
		}
		if length < maxQueueLen {
			break
		}
		select {
		case <-time.After(fullWaitTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := q.client.LPush(ctx, queueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// Flush drops all queued jobs. The worker flushes on startup so a
// restart begins from a fresh poll.
func (q *Queue) Flush(ctx context.Context) error {
	return q.client.Del(ctx, queueKey).Err()
}

// Run consumes jobs with the given number of workers until the context
// is cancelled. A failed job is logged and dropped; the next poll
// cycle re-emits it as long as the file's fingerprint is unparsed.
func (q *Queue) Run(ctx context.Context, workers int, handle func(context.Context, poller.Job) error) error {
	log.Infof("starting %d workers", workers)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				res, err := q.client.BRPop(ctx, popTimeout, queueKey).Result()
				switch {
				case errors.Is(err, redis.Nil):
					continue
				case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
					return ctx.Err()
				case err != nil:
					return fmt.Errorf("popping job: %w", err)
				}
				var job poller.Job
				if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
					log.Errorf("dropping undecodable job %q: %v", res[1], err)
					continue
				}
				log.Infof("processing %s with %s", job.URL, job.Parser)
				if err := handle(ctx, job); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					log.Errorf("job %s failed: %v", job.URL, err)
				}
			}
		})
	}
	return g.Wait()
}
