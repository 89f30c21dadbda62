package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is a unit of work as stored in a ready or processing list.
// Path names the handler, Args holds its JSON-encoded argument list.
type Job struct {
	Path string          `json:"path"`
	Args json.RawMessage `json:"args,omitempty"`
}

// NewJob builds a Job whose args are marshaled with encoding/json, so two
// calls with structurally identical arguments produce identical encodings.
func NewJob(path string, args ...any) (Job, error) {
	job := Job{Path: path}
	if len(args) == 0 {
		return job, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrPayloadMarshal, err)
	}
	job.Args = raw
	return job, nil
}

// MustJob is like NewJob but panics on marshal failure.
func MustJob(path string, args ...any) Job {
	job, err := NewJob(path, args...)
	if err != nil {
		panic(err)
	}
	return job
}

// Bind decodes the job arguments positionally into dst.
func (j Job) Bind(dst ...any) error {
	if len(j.Args) == 0 {
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(j.Args, &raw); err != nil {
		return fmt.Errorf("bind args of %s: %w", j.Path, err)
	}
	for i := range dst {
		if i >= len(raw) {
			break
		}
		if err := json.Unmarshal(raw[i], dst[i]); err != nil {
			return fmt.Errorf("bind arg %d of %s: %w", i, j.Path, err)
		}
	}
	return nil
}

// EncodeJob returns the stored form of a job.
func EncodeJob(j Job) (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayloadMarshal, err)
	}
	return string(b), nil
}

// DecodeJob parses the stored form of a job.
func DecodeJob(value string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(value), &j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	return j, nil
}

// Target identifies the ready list a scheduled job is promoted into.
// *Queue satisfies it, as does Name.
type Target interface {
	Key() string
}

// Name is a Target given by ready-list key alone.
type Name string

func (n Name) Key() string { return string(n) }

// Entry is a job scheduled for a target queue at a due time.
// A zero At means now.
type Entry struct {
	Queue Target
	Job   Job
	At    time.Time
}

type entryEnvelope struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	At    int64  `json:"at,omitempty"`
}

// encodeEntry returns the due-set member for e. An explicit due time is
// part of the member, so one job scheduled at two times is two entries.
// Entries without one collapse into a single member whose score is the
// time of the latest enqueue.
func encodeEntry(e Entry) (string, error) {
	if e.Queue == nil || e.Queue.Key() == "" {
		return "", ErrTargetEmpty
	}
	value, err := EncodeJob(e.Job)
	if err != nil {
		return "", err
	}
	env := entryEnvelope{Key: e.Queue.Key(), Value: value}
	if !e.At.IsZero() {
		env.At = e.At.UnixMilli()
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayloadMarshal, err)
	}
	return string(b), nil
}

// decodeEntry splits a due-set member into target key and encoded job.
func decodeEntry(member string) (string, string, error) {
	var env entryEnvelope
	if err := json.Unmarshal([]byte(member), &env); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if env.Key == "" {
		return "", "", fmt.Errorf("%w: missing target key", ErrMalformedEntry)
	}
	return env.Key, env.Value, nil
}

func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}
