package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	intctx "github.com/ndrlab/ndr-orchestrator/pkg/internal/context"
	"github.com/ndrlab/ndr-orchestrator/pkg/internal/handler"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
)

// Worker defaults.
const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultLockMargin    = time.Minute
	DefaultProbeInterval = 5 * time.Second
)

// Worker processes jobs from the queues of a Manager.
type Worker struct {
	manager *queue.Manager
	config  WorkerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup

	probeMu   sync.Mutex
	nextProbe time.Time
}

// NewWorker creates a new worker for the given manager.
func NewWorker(m *queue.Manager, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		PollInterval:  DefaultPollInterval,
		WorkerID:      uuid.New().String(),
		LockMargin:    DefaultLockMargin,
		ProbeInterval: DefaultProbeInterval,
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.DequeueRetry == nil {
		// Longer backoff for dequeue to avoid hammering the broker during outages
		dequeueCfg := RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.2,
		}
		config.DequeueRetry = &dequeueCfg
	}

	logger := config.Logger
	if logger == nil {
		logger = m.Logger()
	}

	return &Worker{
		manager: m,
		config:  config,
		logger:  logger,
	}
}

// ID returns the id the worker locks jobs with.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// pool is the resolved configuration of one served queue.
type pool struct {
	def     queue.Definition
	handler *handler.Handler
	size    int
}

func (w *Worker) pools() ([]pool, error) {
	names := make([]string, 0, len(w.config.Queues))
	if w.config.Queues == nil {
		for _, def := range w.manager.Definitions() {
			if _, ok := w.manager.Handler(def.Name); ok {
				names = append(names, def.Name)
			}
		}
	} else {
		for name := range w.config.Queues {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	pools := make([]pool, 0, len(names))
	for _, name := range names {
		def, ok := w.manager.Definition(name)
		if !ok {
			return nil, &core.UnknownQueueError{Queue: name}
		}
		h, ok := w.manager.Handler(name)
		if !ok {
			return nil, fmt.Errorf("%w for queue %q", core.ErrNoHandler, name)
		}
		size := def.Workers
		if n := w.config.Queues[name]; n > 0 {
			size = n
		}
		pools = append(pools, pool{def: def, handler: h, size: size})
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("%w: no queue to serve", core.ErrNoHandler)
	}
	return pools, nil
}

// Start begins processing jobs. Blocks until ctx is cancelled and every
// running job has returned.
func (w *Worker) Start(ctx context.Context) error {
	pools, err := w.pools()
	if err != nil {
		return err
	}

	for _, p := range pools {
		w.logger.Info("serving queue", "queue", p.def.Name, "workers", p.size, "worker_id", w.config.WorkerID)
		w.wg.Add(1)
		go func(p pool) {
			defer w.wg.Done()
			w.runPool(ctx, p)
		}(p)
	}

	<-ctx.Done()
	w.wg.Wait()
	return ctx.Err()
}

// runPool keeps up to p.size jobs of one queue running.
func (w *Worker) runPool(ctx context.Context, p pool) {
	slots := make(chan struct{}, p.size)
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		w.fill(ctx, p, slots)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fill dequeues jobs until the pool is full or the queue is empty.
func (w *Worker) fill(ctx context.Context, p pool, slots chan struct{}) {
	for ctx.Err() == nil {
		select {
		case slots <- struct{}{}:
		default:
			return
		}

		job := w.dequeue(ctx, p.def)
		if job == nil {
			<-slots
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-slots }()
			w.processJob(ctx, p, job)
		}()
	}
}

// brokerReady reports whether dequeuing is worth trying. An unavailable broker
// is re-probed at most once per ProbeInterval.
func (w *Worker) brokerReady(ctx context.Context) bool {
	if w.manager.IsBrokerAvailable() {
		return true
	}
	w.probeMu.Lock()
	defer w.probeMu.Unlock()
	now := time.Now()
	if now.Before(w.nextProbe) {
		return false
	}
	w.nextProbe = now.Add(w.config.ProbeInterval)
	return w.manager.Probe(ctx)
}

func (w *Worker) dequeue(ctx context.Context, def queue.Definition) *core.Job {
	if !w.brokerReady(ctx) {
		return nil
	}

	lockFor := def.Timeout + w.config.LockMargin
	var job *core.Job
	err := retryWithBackoff(ctx, *w.config.DequeueRetry, func() error {
		var dequeueErr error
		job, dequeueErr = w.manager.Broker().Dequeue(ctx, def.Name, w.config.WorkerID, lockFor)
		return dequeueErr
	})
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to dequeue after retries", "queue", def.Name, "error", err)
			w.manager.Probe(ctx)
		}
		return nil
	}
	return job
}

type outcome struct {
	result []byte
	err    error
}

func (w *Worker) processJob(ctx context.Context, p pool, job *core.Job) {
	startTime := time.Now()
	// Broker writes must land even while the worker is shutting down.
	finalCtx := context.WithoutCancel(ctx)

	w.manager.CallStartHooks(ctx, job)
	w.manager.Emit(&core.JobStarted{Job: job, Timestamp: startTime})
	w.logger.Debug("job started", "queue", job.Queue, "job_id", job.ID, "attempt", job.Attempt)

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = p.def.Timeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := w.execute(jobCtx, job, p.handler)
	var out outcome
	pending := true
	select {
	case out = <-done:
		pending = false
	case <-jobCtx.Done():
	}

	if pending || out.err != nil {
		switch {
		case ctx.Err() != nil:
			w.interrupt(finalCtx, job)
			if pending {
				<-done
			}
			return
		case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			out.err = fmt.Errorf("job timed out after %v", timeout)
		}
	}

	if out.err != nil {
		w.handleError(finalCtx, p.def, job, out.err)
		if pending {
			// The slot stays taken until the handler actually returns.
			w.logger.Warn("waiting for timed out handler to return", "queue", job.Queue, "job_id", job.ID, "timeout", timeout)
			<-done
		}
		return
	}

	if err := w.completeWithRetry(finalCtx, job, out.result); err != nil {
		w.logger.Error("failed to complete job after retries", "queue", job.Queue, "job_id", job.ID, "error", err)
		return
	}
	w.manager.CallCompleteHooks(finalCtx, job)
	w.manager.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
	w.logger.Info("job completed", "queue", job.Queue, "job_id", job.ID, "duration", time.Since(startTime))
	w.trim(finalCtx, job.Queue, core.StatusCompleted, p.def.KeepCompleted)
}

// execute runs the handler in its own goroutine so a timeout can be reported
// while the handler is still unwinding.
func (w *Worker) execute(ctx context.Context, job *core.Job, h *handler.Handler) <-chan outcome {
	done := make(chan outcome, 1)
	jc := &intctx.JobContext{
		Job:      job,
		Broker:   w.manager.Broker(),
		WorkerID: w.config.WorkerID,
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := h.Execute(intctx.WithJobContext(ctx, jc), job.Payload)
		done <- outcome{result: result, err: err}
	}()
	return done
}

// interrupt hands a job cut short by shutdown back to the queue.
func (w *Worker) interrupt(ctx context.Context, job *core.Job) {
	now := time.Now()
	w.failWithRetry(ctx, job, "interrupted by worker shutdown", &now)
	w.logger.Warn("job interrupted by shutdown", "queue", job.Queue, "job_id", job.ID)
}

func (w *Worker) handleError(ctx context.Context, def queue.Definition, job *core.Job, err error) {
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		w.failPermanently(ctx, def, job, err)
		return
	}

	if !job.AttemptsLeft() {
		w.failPermanently(ctx, def, job, err)
		return
	}

	backoff := job.BackoffFor(job.Attempt)
	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) {
		backoff = retryAfter.Delay
	}
	retryAt := time.Now().Add(backoff)
	if !w.failWithRetry(ctx, job, err.Error(), &retryAt) {
		return
	}
	w.manager.CallRetryHooks(ctx, job, job.Attempt, err)
	w.manager.Emit(&core.JobRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
	w.logger.Warn("job failed, retrying", "queue", job.Queue, "job_id", job.ID, "attempt", job.Attempt, "backoff", backoff, "error", err)
}

func (w *Worker) failPermanently(ctx context.Context, def queue.Definition, job *core.Job, err error) {
	if !w.failWithRetry(ctx, job, err.Error(), nil) {
		return
	}
	w.manager.CallFailHooks(ctx, job, err)
	w.manager.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
	w.logger.Error("job failed", "queue", job.Queue, "job_id", job.ID, "attempts", job.Attempt, "error", err)
	w.trim(ctx, job.Queue, core.StatusFailed, def.KeepFailed)
}

// completeWithRetry marks a job complete with retry on transient failures.
func (w *Worker) completeWithRetry(ctx context.Context, job *core.Job, result []byte) error {
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.manager.Broker().Complete(ctx, job, result)
	})
}

// failWithRetry records a failed attempt with retry on transient broker failures.
func (w *Worker) failWithRetry(ctx context.Context, job *core.Job, reason string, retryAt *time.Time) bool {
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.manager.Broker().Fail(ctx, job, reason, retryAt)
	})
	if err != nil {
		w.logger.Error("failed to mark job as failed after retries", "queue", job.Queue, "job_id", job.ID, "error", err)
		return false
	}
	return true
}

func (w *Worker) trim(ctx context.Context, queueName string, status core.JobStatus, keep int) {
	if keep <= 0 {
		return
	}
	n, err := w.manager.Broker().Trim(ctx, queueName, status, keep)
	if err != nil {
		w.logger.Warn("failed to trim finished jobs", "queue", queueName, "status", status, "error", err)
		return
	}
	if n > 0 {
		w.logger.Debug("trimmed finished jobs", "queue", queueName, "status", status, "removed", n)
	}
}

var _ core.Starter = (*Worker)(nil)
