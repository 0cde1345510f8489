package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/internal/handler"
	"github.com/ndrlab/ndr-orchestrator/pkg/security"
)

// Manager owns the broker connection and the static set of queues.
// It accepts submissions, answers status queries and tracks broker
// reachability.
type Manager struct {
	broker         core.Broker
	connectTimeout time.Duration
	logger         *slog.Logger

	defs  map[string]Definition
	order []string

	mu        sync.RWMutex
	handlers  map[string]*handler.Handler
	hooks     hooks
	eventSubs []chan core.Event

	available atomic.Bool
	probeMu   sync.Mutex
	lastErr   error
}

// New creates a Manager over broker with the default queue definitions.
// The broker is not contacted until Probe or the first submission.
func New(broker core.Broker, opts ...ManagerOption) *Manager {
	m := &Manager{
		broker:         broker,
		connectTimeout: DefaultConnectTimeout,
		logger:         slog.Default(),
		handlers:       make(map[string]*handler.Handler),
	}
	m.setDefinitions(DefaultDefinitions())
	for _, opt := range opts {
		opt.applyManager(m)
	}
	return m
}

func (m *Manager) setDefinitions(defs []Definition) {
	m.defs = make(map[string]Definition, len(defs))
	m.order = m.order[:0]
	for _, d := range defs {
		d.Workers = security.ClampConcurrency(d.Workers)
		d.Attempts = security.ClampAttempts(d.Attempts)
		if _, dup := m.defs[d.Name]; !dup {
			m.order = append(m.order, d.Name)
		}
		m.defs[d.Name] = d
	}
}

// Broker returns the underlying broker.
func (m *Manager) Broker() core.Broker {
	return m.broker
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// Definition returns the configuration of a queue.
func (m *Manager) Definition(name string) (Definition, bool) {
	d, ok := m.defs[name]
	return d, ok
}

// Definitions returns every queue in declaration order.
func (m *Manager) Definitions() []Definition {
	out := make([]Definition, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.defs[name])
	}
	return out
}

// Workers returns the configured concurrency of a queue, or 0 if unknown.
func (m *Manager) Workers(name string) int {
	return m.defs[name].Workers
}

// Register installs the handler that processes every job of a queue.
// See pkg/internal/handler for accepted signatures. It panics on an unknown
// queue or an invalid handler.
func (m *Manager) Register(queueName string, fn any) {
	if _, ok := m.defs[queueName]; !ok {
		panic(fmt.Sprintf("orchestrator: register handler: unknown queue %q", queueName))
	}
	h, err := handler.NewHandler(fn)
	if err != nil {
		panic(fmt.Sprintf("orchestrator: handler for %q: %v", queueName, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[queueName] = h
}

// Handler returns the handler registered for a queue.
func (m *Manager) Handler(queueName string) (*handler.Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[queueName]
	return h, ok
}

// Unhandled lists, in definition order, the queues without a handler in this
// process. Their jobs stay waiting until an external worker consumes them.
func (m *Manager) Unhandled() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, name := range m.order {
		if _, ok := m.handlers[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Probe pings the broker within the connect timeout and records the outcome.
func (m *Manager) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	err := m.broker.Ping(pctx)
	m.recordProbe(err)
	return err == nil
}

func (m *Manager) recordProbe(err error) {
	m.probeMu.Lock()
	m.lastErr = err
	m.probeMu.Unlock()

	ok := err == nil
	if m.available.Swap(ok) == ok {
		return
	}
	if ok {
		m.logger.Info("broker available")
	} else {
		m.logger.Warn("broker unavailable, queued execution disabled", "error", err)
	}
	m.Emit(&core.BrokerStateChanged{Available: ok, Error: err, Timestamp: time.Now()})
}

// IsBrokerAvailable reports the outcome of the most recent probe.
func (m *Manager) IsBrokerAvailable() bool {
	return m.available.Load()
}

func (m *Manager) unavailable() error {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	return &core.BrokerUnavailableError{Cause: m.lastErr}
}

// ensureBroker re-probes a broker previously seen as down.
func (m *Manager) ensureBroker(ctx context.Context) error {
	if m.available.Load() || m.Probe(ctx) {
		return nil
	}
	return m.unavailable()
}

// call bounds a single request-path broker operation by the connect timeout.
func (m *Manager) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.connectTimeout)
}

// classify turns a failed broker call into a BrokerUnavailableError. A call
// that ran out its own deadline marks the broker down directly; any other
// failure is confirmed with a ping first. Errors caused by the caller's
// context pass through unchanged.
func (m *Manager) classify(ctx, callCtx context.Context, err error) error {
	if err == nil || ctx.Err() != nil {
		return err
	}
	if callCtx.Err() != nil {
		m.recordProbe(err)
		return &core.BrokerUnavailableError{Cause: err}
	}
	if m.Probe(ctx) {
		return err
	}
	return &core.BrokerUnavailableError{Cause: err}
}

func (m *Manager) definition(name string) (Definition, error) {
	def, ok := m.defs[name]
	if !ok {
		return Definition{}, &core.UnknownQueueError{Queue: name}
	}
	return def, nil
}

// SubmitResult describes an accepted job.
type SubmitResult struct {
	JobID         string       `json:"jobId"`
	Queue         string       `json:"queueName"`
	Position      int          `json:"position"`
	EstimatedWait WaitEstimate `json:"estimatedWait"`
}

// Submit validates and enqueues a job. The payload is JSON-encoded.
// It fails with an UnknownQueueError for unconfigured queues and with a
// BrokerUnavailableError when the broker cannot be reached; in both cases
// no job is created.
func (m *Manager) Submit(ctx context.Context, queueName string, payload any, opts ...SubmitOption) (*SubmitResult, error) {
	def, err := m.definition(queueName)
	if err != nil {
		return nil, err
	}

	options := &SubmitOptions{
		Priority: core.DefaultPriority,
		Timeout:  def.Timeout,
		Name:     def.JobName,
		Attempts: def.Attempts,
	}
	for _, opt := range opts {
		opt.Apply(options)
	}
	if options.JobID != "" {
		if err := security.ValidateJobID(options.JobID); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to marshal payload: %w", err)
	}
	if len(data) > security.MaxPayloadSize {
		return nil, core.ErrPayloadTooLarge
	}

	if err := m.ensureBroker(ctx); err != nil {
		return nil, err
	}

	job := &core.Job{
		ID:           options.JobID,
		Queue:        def.Name,
		Name:         options.Name,
		Payload:      data,
		Priority:     options.Priority,
		MaxAttempts:  options.Attempts,
		BackoffDelay: def.Backoff,
		Timeout:      options.Timeout,
	}
	if options.Delay > 0 {
		runAt := time.Now().Add(options.Delay)
		job.RunAt = &runAt
	}

	callCtx, cancel := m.call(ctx)
	err = m.broker.Enqueue(callCtx, job)
	if err != nil {
		defer cancel()
		if errors.Is(err, core.ErrDuplicateJob) {
			return nil, err
		}
		if cerr := m.classify(ctx, callCtx, err); errors.Is(cerr, core.ErrBrokerUnavailable) {
			return nil, cerr
		}
		return nil, fmt.Errorf("orchestrator: failed to enqueue: %w", err)
	}
	cancel()

	callCtx, cancel = m.call(ctx)
	position, err := m.broker.Position(callCtx, job)
	cancel()
	if err != nil {
		m.logger.Warn("failed to read queue position", "queue", def.Name, "job_id", job.ID, "error", err)
		position = 0
	}

	m.logger.Debug("job submitted", "queue", def.Name, "job_id", job.ID, "name", job.Name, "priority", job.Priority)
	return &SubmitResult{
		JobID:         job.ID,
		Queue:         def.Name,
		Position:      position,
		EstimatedWait: EstimateWait(position, def.Workers, def.AvgDuration),
	}, nil
}

// JobStatusReport is the externally visible state of a job.
type JobStatusReport struct {
	JobID         string          `json:"jobId,omitempty"`
	Status        core.JobStatus  `json:"status"`
	Message       string          `json:"message,omitempty"`
	Name          string          `json:"name,omitempty"`
	Progress      int             `json:"progress"`
	Position      *int            `json:"position,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailedReason  string          `json:"failedReason,omitempty"`
	AttemptsMade  int             `json:"attemptsMade"`
	ProcessedOn   *time.Time      `json:"processedOn,omitempty"`
	FinishedOn    *time.Time      `json:"finishedOn,omitempty"`
	EstimatedWait *WaitEstimate   `json:"estimatedWait,omitempty"`
}

// Status reports a job's state. Unknown ids yield a not-found report, not an error.
// Position and EstimatedWait are set only while the job is waiting.
func (m *Manager) Status(ctx context.Context, jobID, queueName string) (*JobStatusReport, error) {
	def, err := m.definition(queueName)
	if err != nil {
		return nil, err
	}
	if err := m.ensureBroker(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := m.call(ctx)
	defer cancel()
	job, err := m.broker.GetJob(callCtx, def.Name, jobID)
	if err != nil {
		return nil, m.classify(ctx, callCtx, err)
	}
	if job == nil {
		return &JobStatusReport{Status: core.StatusNotFound, Message: "Job not found"}, nil
	}

	report := &JobStatusReport{
		JobID:        job.ID,
		Status:       job.Status,
		Name:         job.Name,
		Progress:     job.Progress,
		Data:         rawJSON(job.Payload),
		Result:       rawJSON(job.Result),
		FailedReason: job.FailedReason,
		AttemptsMade: job.Attempt,
		ProcessedOn:  job.ProcessedAt,
		FinishedOn:   job.FinishedAt,
	}
	if job.Status == core.StatusWaiting {
		posCtx, cancel := m.call(ctx)
		position, err := m.broker.Position(posCtx, job)
		cancel()
		if err != nil {
			m.logger.Warn("failed to read queue position", "queue", def.Name, "job_id", job.ID, "error", err)
		} else {
			estimate := EstimateWait(position, def.Workers, def.AvgDuration)
			report.Position = &position
			report.EstimatedWait = &estimate
		}
	}
	return report, nil
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}

// CancelResult reports the outcome of Cancel.
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Cancel removes a job that has not started. Running jobs are left alone.
func (m *Manager) Cancel(ctx context.Context, jobID, queueName string) (*CancelResult, error) {
	def, err := m.definition(queueName)
	if err != nil {
		return nil, err
	}
	if err := m.ensureBroker(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := m.call(ctx)
	defer cancel()
	removed, err := m.broker.Remove(callCtx, def.Name, jobID)
	switch {
	case errors.Is(err, core.ErrJobActive):
		return &CancelResult{Success: false, Message: "Job is running and cannot be cancelled"}, nil
	case err != nil:
		return nil, m.classify(ctx, callCtx, err)
	case !removed:
		return &CancelResult{Success: false, Message: "Job not found"}, nil
	}
	m.logger.Info("job cancelled", "queue", def.Name, "job_id", jobID)
	return &CancelResult{Success: true, Message: "Job cancelled"}, nil
}

// QueueStats holds the counts and concurrency of one queue. Handled is false
// for queues this process does not consume.
type QueueStats struct {
	core.JobCounts
	Workers int  `json:"workers"`
	Handled bool `json:"handled"`
}

// Stats aggregates counts across all queues.
type Stats struct {
	Queues map[string]QueueStats `json:"queues"`
	Total  core.JobCounts        `json:"total"`
}

// Stats returns per-queue counts with worker concurrency and totals.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	if err := m.ensureBroker(ctx); err != nil {
		return nil, err
	}
	stats := &Stats{Queues: make(map[string]QueueStats, len(m.order))}
	for _, name := range m.order {
		callCtx, cancel := m.call(ctx)
		counts, err := m.broker.Counts(callCtx, name)
		if err != nil {
			err = m.classify(ctx, callCtx, err)
			cancel()
			return nil, err
		}
		cancel()
		_, handled := m.Handler(name)
		stats.Queues[name] = QueueStats{JobCounts: counts, Workers: m.defs[name].Workers, Handled: handled}
		stats.Total = stats.Total.Add(counts)
	}
	return stats, nil
}

// Cleanup removes completed and failed jobs that finished more than
// olderThan ago from every queue.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := m.ensureBroker(ctx); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	var total int64
	for _, name := range m.order {
		n, err := m.broker.Clean(ctx, name, cutoff)
		total += n
		if err != nil {
			return total, m.classify(ctx, ctx, err)
		}
	}
	m.logger.Info("cleaned up old jobs", "removed", total, "older_than", olderThan)
	return total, nil
}

// ReleaseStaleLocks returns jobs whose worker stopped renewing its lock to
// the waiting state.
func (m *Manager) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	if err := m.ensureBroker(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, name := range m.order {
		n, err := m.broker.ReleaseStaleLocks(ctx, name)
		total += n
		if err != nil {
			return total, m.classify(ctx, ctx, err)
		}
	}
	if total > 0 {
		m.logger.Warn("released stale jobs", "count", total)
	}
	return total, nil
}

// EstimateWait returns the wait estimate for a job at position in queueName.
func (m *Manager) EstimateWait(queueName string, position int) (WaitEstimate, error) {
	def, err := m.definition(queueName)
	if err != nil {
		return WaitEstimate{}, err
	}
	return EstimateWait(position, def.Workers, def.AvgDuration), nil
}

// Close releases the broker connection.
func (m *Manager) Close() error {
	return m.broker.Close()
}
