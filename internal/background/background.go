// Package background runs deferred post-response work: semantic indexing of
// persisted messages and anything else that must not delay the reply path.
//
// Work is handed off through a bounded queue consumed by a fixed worker
// pool. Enqueue never blocks: when the queue is full the task is rejected
// and the caller decides whether dropping it is acceptable. Failed tasks are
// retried a bounded number of times with a short backoff before being
// dropped with a log line.
package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/selenehq/selene/internal/observe"
)

// Defaults applied by [New] for zero Config fields.
const (
	defaultWorkers    = 2
	defaultQueueSize  = 256
	defaultMaxRetries = 3

	retryBackoff = 250 * time.Millisecond
)

// Config holds the queue tuning knobs.
type Config struct {
	// Workers is the number of queue consumers. Default 2.
	Workers int

	// QueueSize bounds the pending task buffer. Default 256.
	QueueSize int

	// MaxRetries is how many times a failed task is re-attempted before
	// being dropped. Default 3.
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Queue is the bounded deferred-work queue. Create with [New], start the
// workers with [Queue.Start], and stop with [Queue.Shutdown]. Safe for
// concurrent use.
type Queue struct {
	cfg     Config
	tasks   chan task
	metrics *observe.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a [Queue].
type Option func(*Queue)

// WithMetrics installs the metrics sink for queue-depth tracking. Defaults
// to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a [Queue]. Call [Queue.Start] before enqueuing.
func New(cfg Config, opts ...Option) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		cfg:   cfg,
		tasks: make(chan task, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	return q
}

// Start launches the worker pool. Tasks run under ctx: cancelling it aborts
// in-flight work and stops retries.
func (q *Queue) Start(ctx context.Context) {
	for range q.cfg.Workers {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue submits fn for deferred execution. It reports false without
// blocking when the queue is full or already shut down.
func (q *Queue) Enqueue(name string, fn func(ctx context.Context) error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	select {
	case q.tasks <- task{name: name, fn: fn}:
		q.metrics.BackgroundQueueDepth.Add(context.Background(), 1)
		return true
	default:
		return false
	}
}

// Shutdown stops accepting new tasks, drains the queue, and waits for the
// workers to finish or for ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for t := range q.tasks {
		q.execute(ctx, t)
		q.metrics.BackgroundQueueDepth.Add(ctx, -1)
	}
}

// execute runs one task with bounded retries. The backoff grows linearly;
// these tasks are cheap and eventual, not urgent.
func (q *Queue) execute(ctx context.Context, t task) {
	var err error
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * retryBackoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		if err = t.fn(ctx); err == nil {
			return
		}
		slog.Debug("background task failed", "task", t.name, "attempt", attempt+1, "error", err)
	}
	slog.Warn("background task dropped after retries",
		"task", t.name, "retries", q.cfg.MaxRetries, "error", err)
}
