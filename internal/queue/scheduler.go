package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Schedule holds jobs in a sorted set scored by due time and promotes the
// earliest due one into its target queue's ready list. Promotion runs in a
// WATCH/MULTI/EXEC transaction on the set, so concurrent schedules over the
// same key never promote an entry twice.
type Schedule struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
	logger *slog.Logger
	loop   *loop
}

// ScheduledEntry is an entry as listed from the due set.
type ScheduledEntry struct {
	Queue string
	Job   Job
	At    time.Time
}

// NewSchedule returns a schedule over the sorted set at key.
func NewSchedule(client redis.UniversalClient, key string, opts ...Option) (*Schedule, error) {
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

	s := &Schedule{
		client: client,
		key:    key,
		now:    o.now,
	}
	s.loop = newLoop("schedule", key, o, s.tick)
	s.logger = s.loop.logger
	return s, nil
}

// Key returns the due set key.
func (s *Schedule) Key() string { return s.key }

// Enqueue adds e to the due set. An identical job for the same target at
// the same time is stored once; at a different time it is a separate entry.
// A zero At schedules for now.
func (s *Schedule) Enqueue(ctx context.Context, e Entry) error {
	member, err := encodeEntry(e)
	if err != nil {
		return err
	}
	at := e.At
	if at.IsZero() {
		at = s.now()
	}
	if err := s.client.ZAdd(ctx, s.key, redis.Z{Score: scoreOf(at), Member: member}).Err(); err != nil {
		return fmt.Errorf("schedule into %s: %w", s.key, err)
	}
	return nil
}

// Dequeue removes e and reports whether it was scheduled. e must match the
// scheduled entry exactly, including At.
func (s *Schedule) Dequeue(ctx context.Context, e Entry) (bool, error) {
	member, err := encodeEntry(e)
	if err != nil {
		return false, err
	}
	n, err := s.client.ZRem(ctx, s.key, member).Result()
	if err != nil {
		return false, fmt.Errorf("unschedule from %s: %w", s.key, err)
	}
	return n > 0, nil
}

// IsEnqueued reports whether e is in the due set, whatever its score.
func (s *Schedule) IsEnqueued(ctx context.Context, e Entry) (bool, error) {
	member, err := encodeEntry(e)
	if err != nil {
		return false, err
	}
	err = s.client.ZScore(ctx, s.key, member).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("score in %s: %w", s.key, err)
	}
	return true, nil
}

// Toggle dequeues e if it is scheduled and enqueues it otherwise, returning
// the resulting membership. The read and the write are separate commands:
// concurrent toggles of the same entry race.
func (s *Schedule) Toggle(ctx context.Context, e Entry) (bool, error) {
	enqueued, err := s.IsEnqueued(ctx, e)
	if err != nil {
		return false, err
	}
	return s.ToggleTo(ctx, e, !enqueued)
}

// ToggleTo enqueues or dequeues e as requested.
func (s *Schedule) ToggleTo(ctx context.Context, e Entry, enqueued bool) (bool, error) {
	if enqueued {
		return true, s.Enqueue(ctx, e)
	}
	_, err := s.Dequeue(ctx, e)
	return false, err
}

// Entries lists up to limit scheduled entries in due order. A limit of zero
// or less lists all of them.
func (s *Schedule) Entries(ctx context.Context, limit int64) ([]ScheduledEntry, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	zs, err := s.client.ZRangeWithScores(ctx, s.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", s.key, err)
	}

	entries := make([]ScheduledEntry, 0, len(zs))
	for _, z := range zs {
		e, err := scheduledEntry(z)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func scheduledEntry(z redis.Z) (ScheduledEntry, error) {
	member, ok := z.Member.(string)
	if !ok {
		return ScheduledEntry{}, fmt.Errorf("%w: member of type %T", ErrMalformedEntry, z.Member)
	}
	target, value, err := decodeEntry(member)
	if err != nil {
		return ScheduledEntry{}, err
	}
	job, err := DecodeJob(value)
	if err != nil {
		return ScheduledEntry{}, err
	}
	return ScheduledEntry{
		Queue: target,
		Job:   job,
		At:    time.UnixMilli(int64(z.Score)),
	}, nil
}

// Start begins the promotion loop. It is a no-op when already running.
// Cancelling ctx stops the loop like Stop does. Ticks run with ctx's
// values but without its cancellation, so a tick in flight completes.
func (s *Schedule) Start(ctx context.Context) error {
	s.loop.start(ctx)
	return nil
}

// Stop cancels a pending retry and prevents further ticks. A promotion in
// flight is not interrupted.
func (s *Schedule) Stop() { s.loop.stop() }

// Running reports whether the loop is running.
func (s *Schedule) Running() bool { return s.loop.isRunning() }

// Run starts the schedule and returns a function suitable for errgroup. The
// function returns after ctx is done and the tick in flight has finished.
func (s *Schedule) Run(ctx context.Context) func() error {
	return func() error {
		if err := s.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		s.Stop()
		s.loop.wait()
		return nil
	}
}

// tick promotes the earliest due entry. A transaction aborted because the
// set changed after WATCH promotes nothing and is not an error.
func (s *Schedule) tick(ctx context.Context) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		members, err := tx.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(s.now().UnixMilli(), 10),
			Count: 1,
		}).Result()
		if err != nil {
			return fmt.Errorf("due from %s: %w", s.key, err)
		}
		if len(members) == 0 {
			_ = tx.Unwatch(ctx).Err()
			return ErrQueueEmpty
		}

		member := members[0]
		target, value, err := decodeEntry(member)
		if err != nil {
			// A member that cannot be decoded would hold the head of the set.
			if rerr := tx.ZRem(ctx, s.key, member).Err(); rerr != nil {
				return errors.Join(err, rerr)
			}
			return fmt.Errorf("dropped due entry %q: %w", member, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, target, value)
			pipe.ZRem(ctx, s.key, member)
			return nil
		})
		return err
	}, s.key)

	if errors.Is(err, redis.TxFailedErr) {
		s.logger.Debug("promotion conflict, retrying")
		return nil
	}
	return err
}
