// Package store builds the Redis client that backs queues and schedules.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"redis-qos/internal/config"
)

var (
	ErrParseURL          = errors.New("failed to parse redis connection string")
	ErrNotReady          = errors.New("redis did not become ready within the given time period")
	ErrHealthcheckFailed = errors.New("redis healthcheck failed")
)

// Options holds the connection settings taken from config.
type Options struct {
	URL            string
	RetryAttempts  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

// FromConfig extracts connection options from the process configuration.
func FromConfig(cfg config.Config) Options {
	return Options{
		URL:            cfg.RedisURL,
		RetryAttempts:  cfg.RetryAttempts,
		RetryInterval:  cfg.RetryInterval,
		ConnectTimeout: cfg.ConnectTimeout,
	}
}

// Connect dials Redis and pings it, retrying up to RetryAttempts times
// with RetryInterval between attempts, all within ConnectTimeout.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, errors.Join(ErrParseURL, err)
	}

	attempts := max(opts.RetryAttempts, 1)
	var lastErr error
	for i := range attempts {
		client := redis.NewClient(redisOpts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(opts.RetryInterval):
		}
	}

	return nil, errors.Join(ErrNotReady, lastErr)
}

// Healthcheck returns a probe that pings the client.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
