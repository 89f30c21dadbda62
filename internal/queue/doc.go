// Package queue implements a minimal job-dispatch layer on Redis lists and
// sorted sets.
//
// Two components share one loop driver:
//
//   - Queue: drains a ready list into a processing list, performs each job
//     and removes it from the processing list on success (at-least-once)
//   - Schedule: holds jobs in a sorted set scored by due time and moves each
//     due job into its target queue under WATCH/MULTI/EXEC
//
// Both loops tick again immediately after useful work and wait a fixed
// backoff (one second by default) after finding nothing or failing. Tick
// failures are logged and never stop a loop; only Stop, or cancelling the
// context given to Start, does.
//
// # Usage
//
//	reg := queue.NewRegistry()
//	reg.Register("jobs/Echo", func(ctx context.Context, job queue.Job) error {
//	    var n int
//	    return job.Bind(&n)
//	})
//
//	q, _ := queue.NewQueue(rdb, "qos:queue", reg)
//	s, _ := queue.NewSchedule(rdb, "qos:schedule")
//	_ = q.Start(ctx)
//	_ = s.Start(ctx)
//
//	_ = q.Enqueue(ctx, queue.MustJob("jobs/Echo", 42))
//	_ = s.Enqueue(ctx, queue.Entry{
//	    Queue: q,
//	    Job:   queue.MustJob("jobs/Echo", 7),
//	    At:    time.Now().Add(10 * time.Second),
//	})
//
// # Failure handling
//
// A job whose handler fails stays in the processing list and is not retried.
// Identical jobs compare by encoded value, so Dequeue and the post-success
// removal take out every identical copy in the list.
package queue
