// Package jobctx provides public access to job context for handlers.
package jobctx

import (
	"context"
	"fmt"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	intctx "github.com/ndrlab/ndr-orchestrator/pkg/internal/context"
)

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *core.Job {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return nil
	}
	return jc.Job
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}

// AttemptFromContext returns the 1-based attempt number of the running job, or 0.
func AttemptFromContext(ctx context.Context) int {
	job := JobFromContext(ctx)
	if job == nil {
		return 0
	}
	return job.Attempt
}

// ReportProgress records a completion percentage for the running job.
// Values are clamped to [0, 100]. Outside a job handler it does nothing.
func ReportProgress(ctx context.Context, percent int) error {
	jc := intctx.GetJobContext(ctx)
	if jc == nil || jc.Broker == nil {
		return nil
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := jc.Broker.UpdateProgress(ctx, jc.Job.Queue, jc.Job.ID, percent); err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	jc.Job.Progress = percent
	return nil
}
