package queue

import "errors"

var (
	// ErrQueueEmpty signals that a tick found nothing eligible. It drives the
	// backoff path and is never logged.
	ErrQueueEmpty = errors.New("no jobs found for processing")

	// ErrClientNil is returned when a nil Redis client is provided
	ErrClientNil = errors.New("redis client cannot be nil")

	// ErrKeyEmpty is returned when a queue or schedule has no key
	ErrKeyEmpty = errors.New("key cannot be empty")

	// ErrTargetEmpty is returned when a scheduled entry names no target queue
	ErrTargetEmpty = errors.New("target queue cannot be empty")

	// ErrNoPerformer is returned when starting a queue built without a performer
	ErrNoPerformer = errors.New("queue has no performer")

	// ErrHandlerNotFound is returned when no handler is registered for a job path
	ErrHandlerNotFound = errors.New("no handler registered for job path")

	// ErrHandlerPanic wraps a recovered handler panic
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrPayloadMarshal is returned when job args cannot be encoded
	ErrPayloadMarshal = errors.New("failed to marshal job")

	// ErrMalformedEntry is returned when a stored job or due entry cannot be decoded
	ErrMalformedEntry = errors.New("malformed entry")
)
