// Package context provides context helpers for job execution.
package context

import (
	"context"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
)

// JobContextKey is the key for storing job context in context.Context.
type JobContextKey struct{}

// JobContext holds the running job and the broker that owns it.
type JobContext struct {
	Job      *core.Job
	Broker   core.Broker
	WorkerID string
}

// GetJobContext retrieves the job context from a context.Context.
func GetJobContext(ctx context.Context) *JobContext {
	if jc, ok := ctx.Value(JobContextKey{}).(*JobContext); ok {
		return jc
	}
	return nil
}

// WithJobContext adds job context to a context.Context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, JobContextKey{}, jc)
}
