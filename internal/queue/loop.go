package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBackoff is the delay before a loop re-ticks after an empty or failed tick.
const DefaultBackoff = time.Second

// Option configures a Queue or a Schedule.
type Option func(*options)

type options struct {
	backoff time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func defaultOptions() *options {
	return &options{
		backoff: DefaultBackoff,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithBackoff sets the fixed retry delay used after an empty or failed tick.
func WithBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithLogger sets the logger used for tick failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used for due-time decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func realAfter(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// loop drives a tick function: it re-ticks immediately after a successful
// tick and arms a single one-shot timer after an empty or failed one.
// Each Start begins a new generation; a chain from an older generation
// exits at its next step, so Stop followed by Start never leaves two
// chains running.
type loop struct {
	name   string
	key    string
	id     uuid.UUID
	tick   func(ctx context.Context) error
	delay  time.Duration
	after  afterFunc
	logger *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	running  bool
	gen      uint64
	timer    stopper
	unbind   func() bool
	inflight sync.WaitGroup
}

func newLoop(name, key string, o *options, tick func(ctx context.Context) error) *loop {
	id := uuid.New()
	return &loop{
		name:  name,
		key:   key,
		id:    id,
		tick:  tick,
		delay: o.backoff,
		after: realAfter,
		logger: o.logger.With(
			slog.String("loop", name),
			slog.String("key", key),
			slog.String("loop_id", id.String()),
		),
	}
}

func (l *loop) start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.gen++
	gen := l.gen
	l.ctx = ctx
	l.unbind = context.AfterFunc(ctx, l.stop)
	l.mu.Unlock()

	l.logger.Debug("loop started")
	go l.run(gen)
}

// stop cancels the pending retry and clears the running flag. A tick in
// flight is not interrupted; it notices the flag before its next step.
func (l *loop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.unbind != nil {
		l.unbind()
		l.unbind = nil
	}
	if l.running {
		l.running = false
		l.logger.Debug("loop stopped")
	}
}

func (l *loop) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// enter claims the next step of chain gen. The returned context carries
// the start context's values but not its cancellation: a tick that began
// before stop finishes its Store and handler calls.
func (l *loop) enter(gen uint64) (context.Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running || l.gen != gen {
		return nil, false
	}
	l.inflight.Add(1)
	return context.WithoutCancel(l.ctx), true
}

// wait blocks until the tick in flight, if any, has returned. Call it
// after stop.
func (l *loop) wait() { l.inflight.Wait() }

func (l *loop) run(gen uint64) {
	for {
		ctx, ok := l.enter(gen)
		if !ok {
			return
		}
		err := l.tick(ctx)
		l.inflight.Done()
		if err != nil {
			l.handleError(gen, err)
			return
		}
	}
}

func (l *loop) handleError(gen uint64, err error) {
	if !errors.Is(err, ErrQueueEmpty) {
		l.logger.Error("tick failed", slog.String("error", err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running || l.gen != gen {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = l.after(l.delay, func() { l.run(gen) })
}
