package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/schedule"
)

// Cleanup defaults.
const (
	DefaultCleanupSchedule = "@every 6h"
	DefaultRetention       = 24 * time.Hour
)

// Janitor periodically removes old finished jobs and releases stale locks.
type Janitor struct {
	manager   *Manager
	schedule  schedule.Schedule
	retention time.Duration
	logger    *slog.Logger
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithSchedule sets when sweeps run.
func WithSchedule(s schedule.Schedule) JanitorOption {
	return func(j *Janitor) { j.schedule = s }
}

// WithRetention sets how long finished jobs are kept.
func WithRetention(d time.Duration) JanitorOption {
	return func(j *Janitor) { j.retention = d }
}

// NewJanitor creates a janitor running every 6h with 24h retention.
func NewJanitor(m *Manager, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		manager:   m,
		schedule:  schedule.Cron(DefaultCleanupSchedule),
		retention: DefaultRetention,
		logger:    m.Logger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Retention returns the configured retention window.
func (j *Janitor) Retention() time.Duration {
	return j.retention
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) (removed, released int64, err error) {
	released, relErr := j.manager.ReleaseStaleLocks(ctx)
	removed, err = j.manager.Cleanup(ctx, j.retention)
	return removed, released, errors.Join(relErr, err)
}

// Start sweeps on schedule until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) error {
	for {
		now := time.Now()
		timer := time.NewTimer(j.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		removed, released, err := j.Sweep(ctx)
		if err != nil {
			if errors.Is(err, core.ErrBrokerUnavailable) {
				j.logger.Warn("cleanup skipped, broker unavailable", "error", err)
			} else if ctx.Err() == nil {
				j.logger.Error("cleanup failed", "error", err)
			}
			continue
		}
		j.logger.Debug("cleanup sweep finished", "removed", removed, "released", released)
	}
}

var _ core.Starter = (*Janitor)(nil)
