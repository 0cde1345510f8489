// Package orchestrator queues and runs the long-running work of the network
// detection and response platform: feature extraction, training, prediction
// and the analyses built on trained models.
//
// It re-exports the public types of the pkg/ packages so an embedding program
// needs a single import.
//
// Basic usage:
//
//	broker, _ := orchestrator.OpenBroker("redis://localhost:6379")
//	m := orchestrator.NewManager(broker)
//
//	m.Register(orchestrator.FeatureExtraction, func(ctx context.Context, p Extract) (Features, error) {
//	    orchestrator.ReportProgress(ctx, 50)
//	    return extract(ctx, p)
//	})
//
//	res, err := m.Submit(ctx, orchestrator.FeatureExtraction, Extract{PCAP: "a.pcap"})
//	if errors.Is(err, orchestrator.ErrBrokerUnavailable) {
//	    // run synchronously instead
//	}
//
//	w := orchestrator.NewWorker(m)
//	w.Start(ctx)
package orchestrator

import (
	"context"
	"time"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/jobctx"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
	"github.com/ndrlab/ndr-orchestrator/pkg/security"
	"github.com/ndrlab/ndr-orchestrator/pkg/session"
	"github.com/ndrlab/ndr-orchestrator/pkg/storage"
	"github.com/ndrlab/ndr-orchestrator/pkg/worker"
)

type (
	// Job is a unit of queued work.
	Job = core.Job

	// JobStatus is the lifecycle state of a job.
	JobStatus = core.JobStatus

	// JobCounts holds per-status job counts of a queue.
	JobCounts = core.JobCounts

	// Broker persists jobs for a Manager.
	Broker = core.Broker

	// Event is the interface for all manager events.
	Event = core.Event

	JobStarted         = core.JobStarted
	JobCompleted       = core.JobCompleted
	JobFailed          = core.JobFailed
	JobRetrying        = core.JobRetrying
	BrokerStateChanged = core.BrokerStateChanged

	// BrokerUnavailableError reports that the broker could not be reached.
	BrokerUnavailableError = core.BrokerUnavailableError

	// UnknownQueueError reports a queue name with no definition.
	UnknownQueueError = core.UnknownQueueError

	// JobExecutionError reports a failed external process.
	JobExecutionError = core.JobExecutionError

	NoRetryError    = core.NoRetryError
	RetryAfterError = core.RetryAfterError

	// Manager owns the queue definitions, handlers and broker.
	Manager = queue.Manager

	// Definition is the static configuration of one queue.
	Definition = queue.Definition

	ManagerOption   = queue.ManagerOption
	SubmitOption    = queue.SubmitOption
	SubmitResult    = queue.SubmitResult
	JobStatusReport = queue.JobStatusReport
	CancelResult    = queue.CancelResult
	Stats           = queue.Stats
	WaitEstimate    = queue.WaitEstimate

	// Worker runs the handlers of a Manager's queues.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// SessionRegistry tracks running training and prediction sessions.
	SessionRegistry = session.Registry
)

// Status constants
const (
	StatusWaiting   = core.StatusWaiting
	StatusDelayed   = core.StatusDelayed
	StatusActive    = core.StatusActive
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
)

// Queue names
const (
	FeatureExtraction  = queue.FeatureExtraction
	ModelTraining      = queue.ModelTraining
	Prediction         = queue.Prediction
	RuleBasedDetection = queue.RuleBasedDetection
	XAIExplanations    = queue.XAIExplanations
	AdversarialAttacks = queue.AdversarialAttacks
	ModelRetraining    = queue.ModelRetraining
)

// Error variables
var (
	ErrUnknownQueue      = core.ErrUnknownQueue
	ErrBrokerUnavailable = core.ErrBrokerUnavailable
	ErrJobNotFound       = core.ErrJobNotFound
	ErrJobActive         = core.ErrJobActive
	ErrDuplicateJob      = core.ErrDuplicateJob
	ErrPayloadTooLarge   = core.ErrPayloadTooLarge
	ErrInvalidJobID      = core.ErrInvalidJobID
)

// OpenBroker builds a broker from a redis://, sqlite:// or postgres:// URL.
func OpenBroker(url string) (Broker, error) {
	return storage.Open(url)
}

// NewManager creates a Manager with the standard queue definitions.
func NewManager(b Broker, opts ...ManagerOption) *Manager {
	return queue.New(b, opts...)
}

// DefaultDefinitions returns the standard queue definitions.
func DefaultDefinitions() []Definition {
	return queue.DefaultDefinitions()
}

// NewWorker creates a worker for every queue of m that has a handler.
func NewWorker(m *Manager, opts ...WorkerOption) *Worker {
	return worker.NewWorker(m, opts...)
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return session.NewRegistry()
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// Submit options

// Priority orders waiting jobs; lower values run first.
func Priority(p int) SubmitOption { return queue.Priority(p) }

// Timeout overrides the queue's job timeout.
func Timeout(d time.Duration) SubmitOption { return queue.Timeout(d) }

// JobID sets a caller-chosen job id.
func JobID(id string) SubmitOption { return queue.JobID(id) }

// Name labels the job.
func Name(n string) SubmitOption { return queue.Name(n) }

// Attempts overrides the queue's attempt count.
func Attempts(n int) SubmitOption { return queue.Attempts(n) }

// Delay holds the job back for d.
func Delay(d time.Duration) SubmitOption { return queue.Delay(d) }

// Worker options

// WorkerQueue restricts the worker to a queue, optionally with its own options.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return worker.WorkerQueue(name, opts...)
}

// Concurrency sets the number of parallel jobs of a queue.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *Job {
	return jobctx.JobFromContext(ctx)
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	return jobctx.JobIDFromContext(ctx)
}

// ReportProgress records handler progress (0-100) on the current job.
func ReportProgress(ctx context.Context, percent int) error {
	return jobctx.ReportProgress(ctx, percent)
}
