package worker

import (
	"log/slog"
	"time"

	"github.com/ndrlab/ndr-orchestrator/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues        map[string]int // queue name -> concurrency, 0 means the queue's default
	PollInterval  time.Duration
	WorkerID      string
	LockMargin    time.Duration // added to the queue timeout when locking a job
	ProbeInterval time.Duration // minimum gap between probes of an unavailable broker
	Logger        *slog.Logger

	StorageRetry *RetryConfig
	DequeueRetry *RetryConfig
}

// WorkerQueue restricts the worker to name. Without any WorkerQueue option the
// worker serves every queue that has a registered handler.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		c.Queues[name] = 0
		sub := WorkerConfig{Queues: map[string]int{name: 0}}
		for _, opt := range opts {
			opt.ApplyWorker(&sub)
		}
		c.Queues[name] = sub.Queues[name]
	})
}

// Concurrency overrides the number of parallel jobs for the queues configured so far.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// PollInterval sets how often idle queues are polled. Defaults to 100ms.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WorkerID sets the id used to lock jobs. Defaults to a random UUID.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// ProbeInterval sets how often an unavailable broker is re-probed.
func ProbeInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ProbeInterval = d
	})
}

// WithLogger sets the worker logger. Defaults to the manager's logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithStorageRetry sets the retry policy for completing and failing jobs.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithDequeueRetry sets the retry policy for fetching jobs.
func WithDequeueRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = &cfg
	})
}

// WithRetryAttempts sets the storage retry attempt count, keeping default backoff.
func WithRetryAttempts(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = n
		c.StorageRetry = &cfg
	})
}

// DisableRetry turns off retries of broker calls. Job-level retries are unaffected.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		once := RetryConfig{MaxAttempts: 1}
		c.StorageRetry = &once
		dq := once
		c.DequeueRetry = &dq
	})
}
