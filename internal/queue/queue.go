package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Queue is a reliable work queue over a Redis list. Jobs are pushed to the
// head of the ready list; the loop atomically moves the tail into the
// processing list, performs it and removes it from the processing list on
// success. A job whose handler fails stays in the processing list.
type Queue struct {
	client        redis.UniversalClient
	key           string
	processingKey string
	performer     Performer
	loop          *loop
}

// NewQueue creates a queue on the list named key. A nil performer gives a
// producer-only queue that can enqueue and dequeue but not be started.
func NewQueue(client redis.UniversalClient, key string, performer Performer, opts ...Option) (*Queue, error) {
	if client == nil {
		return nil, ErrClientNil
	}
	if key == "" {
		return nil, ErrKeyEmpty
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	q := &Queue{
		client:        client,
		key:           key,
		processingKey: ProcessingKey(key),
		performer:     performer,
	}
	q.loop = newLoop("queue", key, o, q.tick)
	return q, nil
}

// ProcessingKey returns the processing list paired with the ready list key.
func ProcessingKey(key string) string {
	return key + ":processing"
}

// Key returns the ready list key.
func (q *Queue) Key() string { return q.key }

// ProcessingKey returns the processing list key.
func (q *Queue) ProcessingKey() string { return q.processingKey }

// Enqueue pushes a job to the head of the ready list.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	value, err := EncodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, value).Err(); err != nil {
		return fmt.Errorf("enqueue to %s: %w", q.key, err)
	}
	return nil
}

// Dequeue removes every occurrence of job from the ready list and reports
// how many were removed. Identical jobs enqueued several times are all
// removed.
func (q *Queue) Dequeue(ctx context.Context, job Job) (int64, error) {
	value, err := EncodeJob(job)
	if err != nil {
		return 0, err
	}
	n, err := q.client.LRem(ctx, q.key, 0, value).Result()
	if err != nil {
		return 0, fmt.Errorf("dequeue from %s: %w", q.key, err)
	}
	return n, nil
}

// Perform executes a job directly without touching the lists.
func (q *Queue) Perform(ctx context.Context, job Job) error {
	if q.performer == nil {
		return ErrNoPerformer
	}
	return q.performer.Perform(ctx, job)
}

// Len returns the number of jobs waiting in the ready list.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("length of %s: %w", q.key, err)
	}
	return n, nil
}

// Processing returns the jobs currently claimed, newest first. Entries left
// here by a failed handler are only cleared by an operator.
func (q *Queue) Processing(ctx context.Context) ([]Job, error) {
	values, err := q.client.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.processingKey, err)
	}
	jobs := make([]Job, 0, len(values))
	for _, v := range values {
		job, err := DecodeJob(v)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Start begins the dispatch loop. It is a no-op when already running.
// Cancelling ctx stops the loop like Stop does. Ticks run with ctx's
// values but without its cancellation, so a tick in flight completes.
func (q *Queue) Start(ctx context.Context) error {
	if q.performer == nil {
		return ErrNoPerformer
	}
	q.loop.start(ctx)
	return nil
}

// Stop cancels a pending retry and prevents further ticks. A job being
// performed is not interrupted.
func (q *Queue) Stop() { q.loop.stop() }

// Running reports whether the loop is running.
func (q *Queue) Running() bool { return q.loop.isRunning() }

// Run starts the queue and returns a function suitable for errgroup. The
// function returns after ctx is done and the tick in flight has finished.
func (q *Queue) Run(ctx context.Context) func() error {
	return func() error {
		if err := q.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		q.Stop()
		q.loop.wait()
		return nil
	}
}

// tick claims one job and performs it. Handlers have no deadline: a hung
// handler holds this queue's loop.
func (q *Queue) tick(ctx context.Context) error {
	value, err := q.client.LMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return ErrQueueEmpty
	}
	if err != nil {
		return fmt.Errorf("claim from %s: %w", q.key, err)
	}

	job, err := DecodeJob(value)
	if err != nil {
		return fmt.Errorf("decode claimed job: %w", err)
	}
	if err := q.performer.Perform(ctx, job); err != nil {
		return fmt.Errorf("perform %s: %w", job.Path, err)
	}

	if err := q.client.LRem(ctx, q.processingKey, 0, value).Err(); err != nil {
		return fmt.Errorf("release from %s: %w", q.processingKey, err)
	}
	return nil
}
