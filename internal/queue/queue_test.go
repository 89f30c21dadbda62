package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redis-qos/internal/queue"
)

const fastBackoff = 10 * time.Millisecond

type recorder struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (r *recorder) Perform(ctx context.Context, job queue.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recorder) Jobs() []queue.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.Job(nil), r.jobs...)
}

func TestNewQueue(t *testing.T) {
	t.Parallel()

	_, client := newRedis(t)

	t.Run("nil client", func(t *testing.T) {
		t.Parallel()

		q, err := queue.NewQueue(nil, "q", &recorder{})
		assert.ErrorIs(t, err, queue.ErrClientNil)
		assert.Nil(t, q)
	})

	t.Run("empty key", func(t *testing.T) {
		t.Parallel()

		q, err := queue.NewQueue(client, "", &recorder{})
		assert.ErrorIs(t, err, queue.ErrKeyEmpty)
		assert.Nil(t, q)
	})

	t.Run("keys", func(t *testing.T) {
		t.Parallel()

		q, err := queue.NewQueue(client, "q", &recorder{})
		require.NoError(t, err)
		assert.Equal(t, "q", q.Key())
		assert.Equal(t, "q:processing", q.ProcessingKey())
		assert.Equal(t, "q:processing", queue.ProcessingKey("q"))
	})

	t.Run("producer only queue cannot start", func(t *testing.T) {
		t.Parallel()

		q, err := queue.NewQueue(client, "producer", nil)
		require.NoError(t, err)
		assert.ErrorIs(t, q.Start(context.Background()), queue.ErrNoPerformer)
		assert.ErrorIs(t, q.Perform(context.Background(), queue.Job{Path: "x"}), queue.ErrNoPerformer)
		assert.False(t, q.Running())
	})
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, client := newRedis(t)

	q, err := queue.NewQueue(client, "q", nil)
	require.NoError(t, err)

	a := queue.MustJob("jobs/A", 1)
	b := queue.MustJob("jobs/B", 2)

	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))
	require.NoError(t, q.Enqueue(ctx, a))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	head, err := client.LIndex(ctx, "q", 0).Result()
	require.NoError(t, err)
	encodedA, err := queue.EncodeJob(a)
	require.NoError(t, err)
	assert.Equal(t, encodedA, head, "enqueue pushes to the head")

	// Identical values are removed together.
	removed, err := q.Dequeue(ctx, a)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	removed, err = q.Dequeue(ctx, queue.MustJob("jobs/Missing"))
	require.NoError(t, err)
	assert.Zero(t, removed)

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestQueue_StoreErrorsPropagate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, client := newRedis(t)

	q, err := queue.NewQueue(client, "q", nil)
	require.NoError(t, err)

	mr.SetError("ERR store unavailable")

	assert.ErrorContains(t, q.Enqueue(ctx, queue.MustJob("jobs/A")), "store unavailable")
	_, err = q.Dequeue(ctx, queue.MustJob("jobs/A"))
	assert.ErrorContains(t, err, "store unavailable")
	_, err = q.Len(ctx)
	assert.Error(t, err)
}

func TestQueue_DispatchEcho(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, client := newRedis(t)

	var (
		mu   sync.Mutex
		seen [][]int
	)
	reg := queue.NewRegistry()
	reg.Register("jobs/Echo", func(ctx context.Context, job queue.Job) error {
		var n int
		if err := job.Bind(&n); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, []int{n})
		mu.Unlock()
		return nil
	})

	q, err := queue.NewQueue(client, "q", reg, queue.WithBackoff(fastBackoff), queue.WithLogger(discardLogger()))
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, queue.MustJob("jobs/Echo", 42)))
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := client.LLen(ctx, "q:processing").Result()
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)

	// Give the loop time to pick anything up again.
	time.Sleep(5 * fastBackoff)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]int{{42}}, seen, "handler runs exactly once")

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_DeliversInEnqueueOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, client := newRedis(t)

	rec := &recorder{}
	q, err := queue.NewQueue(client, "q", rec, queue.WithBackoff(fastBackoff), queue.WithLogger(discardLogger()))
	require.NoError(t, err)

	want := []queue.Job{
		queue.MustJob("jobs/A", 1),
		queue.MustJob("jobs/B", 2),
		queue.MustJob("jobs/C", 3),
	}
	for _, job := range want {
		require.NoError(t, q.Enqueue(ctx, job))
	}

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool { return len(rec.Jobs()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.Jobs())
}

func TestQueue_HandlerFailureKeepsEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, client := newRedis(t)

	var failures atomic.Int32
	rec := &recorder{}
	reg := queue.NewRegistry()
	reg.Register("jobs/Fail", func(ctx context.Context, job queue.Job) error {
		failures.Add(1)
		return errors.New("rejected")
	})
	reg.Register("jobs/Ok", rec.Perform)

	logger, logs := bufferLogger(0)
	q, err := queue.NewQueue(client, "q", reg, queue.WithBackoff(fastBackoff), queue.WithLogger(logger))
	require.NoError(t, err)

	failing := queue.MustJob("jobs/Fail", "x")
	require.NoError(t, q.Enqueue(ctx, failing))
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool { return failures.Load() == 1 }, time.Second, 5*time.Millisecond)

	// The loop keeps ticking after the failure and serves new work.
	ok := queue.MustJob("jobs/Ok", 1)
	require.NoError(t, q.Enqueue(ctx, ok))
	require.Eventually(t, func() bool { return len(rec.Jobs()) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, q.Running())
	assert.EqualValues(t, 1, failures.Load(), "failed entry is not retried")

	processing, err := q.Processing(ctx)
	require.NoError(t, err)
	assert.Equal(t, []queue.Job{failing}, processing)

	assert.Contains(t, logs.String(), "rejected")
}

func TestQueue_StopHaltsDispatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, client := newRedis(t)

	rec := &recorder{}
	q, err := queue.NewQueue(client, "q", rec, queue.WithBackoff(time.Hour), queue.WithLogger(discardLogger()))
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Start(ctx), "start is idempotent")
	assert.True(t, q.Running())

	// Let the first tick find the list empty and arm its retry.
	time.Sleep(50 * time.Millisecond)
	q.Stop()
	assert.False(t, q.Running())

	require.NoError(t, q.Enqueue(ctx, queue.MustJob("jobs/A")))
	time.Sleep(5 * fastBackoff)
	assert.Empty(t, rec.Jobs())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Restarting resumes draining.
	require.NoError(t, q.Start(ctx))
	defer q.Stop()
	require.Eventually(t, func() bool { return len(rec.Jobs()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestQueue_ContextCancelStops(t *testing.T) {
	t.Parallel()

	_, client := newRedis(t)

	q, err := queue.NewQueue(client, "q", &recorder{}, queue.WithBackoff(fastBackoff), queue.WithLogger(discardLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Start(ctx))
	assert.True(t, q.Running())

	cancel()
	require.Eventually(t, func() bool { return !q.Running() }, time.Second, 5*time.Millisecond)
}

func TestQueue_Run(t *testing.T) {
	t.Parallel()

	_, client := newRedis(t)

	rec := &recorder{}
	q, err := queue.NewQueue(client, "q", rec, queue.WithBackoff(fastBackoff), queue.WithLogger(discardLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx)() }()

	require.NoError(t, q.Enqueue(context.Background(), queue.MustJob("jobs/A")))
	require.Eventually(t, func() bool { return len(rec.Jobs()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.False(t, q.Running())
}

func TestQueue_StoreErrorDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, client := newRedis(t)

	rec := &recorder{}
	logger, logs := bufferLogger(0)
	q, err := queue.NewQueue(client, "q", rec, queue.WithBackoff(fastBackoff), queue.WithLogger(logger))
	require.NoError(t, err)

	mr.SetError("ERR store unavailable")
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		return len(logs.String()) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), "store unavailable")
	assert.True(t, q.Running())

	mr.SetError("")
	require.NoError(t, q.Enqueue(ctx, queue.MustJob("jobs/A")))
	require.Eventually(t, func() bool { return len(rec.Jobs()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestQueue_ShutdownFinishesInFlightJob(t *testing.T) {
	t.Parallel()

	_, client := newRedis(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var performed atomic.Int32
	performer := queue.PerformerFunc(func(ctx context.Context, job queue.Job) error {
		close(entered)
		<-release
		performed.Add(1)
		return nil
	})

	q, err := queue.NewQueue(client, "q", performer, queue.WithBackoff(fastBackoff), queue.WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), queue.MustJob("jobs/Slow")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx)() }()

	<-entered
	cancel()

	select {
	case <-done:
		t.Fatal("run returned while a job was being performed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after the job finished")
	}

	assert.EqualValues(t, 1, performed.Load())
	processing, err := client.LLen(context.Background(), q.ProcessingKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, processing, "finished job is released from the processing list")
	ready, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ready)
}
