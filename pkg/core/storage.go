package core

import (
	"context"
	"time"
)

// Starter is the interface for starting workers.
type Starter interface {
	Start(ctx context.Context) error
}

// Broker is the shared queue backend behind every job queue.
//
// Implementations order waiting jobs by priority ascending, then by Seq
// ascending. Delayed jobs become eligible once RunAt has passed.
type Broker interface {
	// Ping confirms the backend is reachable.
	Ping(ctx context.Context) error

	// Job lifecycle
	Enqueue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context, queue string, workerID string, lockFor time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job, result []byte) error
	Fail(ctx context.Context, job *Job, reason string, retryAt *time.Time) error
	UpdateProgress(ctx context.Context, queue, jobID string, progress int) error

	// Queries. GetJob returns (nil, nil) when the job is unknown to the queue.
	GetJob(ctx context.Context, queue, jobID string) (*Job, error)
	Position(ctx context.Context, job *Job) (int, error)
	Counts(ctx context.Context, queue string) (JobCounts, error)

	// Remove deletes a job that is not active. It reports false when the
	// job does not exist and ErrJobActive when it is running.
	Remove(ctx context.Context, queue, jobID string) (bool, error)

	// Retention
	Clean(ctx context.Context, queue string, finishedBefore time.Time) (int64, error)
	Trim(ctx context.Context, queue string, status JobStatus, keep int) (int64, error)
	ReleaseStaleLocks(ctx context.Context, queue string) (int64, error)

	Close() error
}
