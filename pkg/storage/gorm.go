package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/security"
)

// GormBroker implements core.Broker on top of a SQL database using GORM.
type GormBroker struct {
	db  *gorm.DB
	seq sequencer

	schemaMu sync.Mutex
	schemaOK bool
}

var _ core.Broker = (*GormBroker)(nil)

// NewGormBroker creates a new GORM-backed broker.
func NewGormBroker(db *gorm.DB) *GormBroker {
	return &GormBroker{db: db}
}

// Migrate creates the necessary tables.
func (s *GormBroker) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{})
}

// Ping checks the underlying database connection. The first successful
// ping also migrates the schema, so a database that was down at startup
// is usable once it comes back.
func (s *GormBroker) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err
	}

	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaOK {
		return nil
	}
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	s.schemaOK = true
	return nil
}

// Close closes the underlying database connection.
func (s *GormBroker) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enqueue adds a job to its queue. Jobs with a RunAt in the future start delayed.
func (s *GormBroker) Enqueue(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Seq == 0 {
		job.Seq = s.seq.next()
	}
	job.Status = core.StatusWaiting
	if job.RunAt != nil && job.RunAt.After(time.Now()) {
		job.Status = core.StatusDelayed
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&core.Job{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return core.ErrDuplicateJob
		}
		return tx.Create(job).Error
	})
}

// Dequeue fetches and locks the next waiting job of a queue.
// Delayed jobs whose backoff has elapsed are promoted first.
func (s *GormBroker) Dequeue(ctx context.Context, queue string, workerID string, lockFor time.Duration) (*core.Job, error) {
	var job core.Job
	now := time.Now()
	lockUntil := now.Add(lockFor)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&core.Job{}).
			Where("queue = ? AND status = ? AND run_at <= ?", queue, core.StatusDelayed, now).
			Update("status", core.StatusWaiting).Error
		if err != nil {
			return err
		}

		result := tx.
			Where("queue = ? AND status = ?", queue, core.StatusWaiting).
			Order("priority ASC, seq ASC").
			First(&job)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				job = core.Job{}
				return nil
			}
			return result.Error
		}

		job.Status = core.StatusActive
		job.LockedBy = workerID
		job.LockedUntil = &lockUntil
		job.ProcessedAt = &now
		job.Attempt++

		claim := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", job.ID, core.StatusWaiting).
			Updates(map[string]any{
				"status":       job.Status,
				"locked_by":    job.LockedBy,
				"locked_until": job.LockedUntil,
				"processed_at": job.ProcessedAt,
				"attempt":      job.Attempt,
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			job = core.Job{}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// Complete marks a job as successfully completed.
// Validates that the worker owns the job before completing.
func (s *GormBroker) Complete(ctx context.Context, job *core.Job, result []byte) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND queue = ? AND locked_by = ?", job.ID, job.Queue, job.LockedBy).
		Updates(map[string]any{
			"status":       core.StatusCompleted,
			"result":       result,
			"finished_at":  now,
			"locked_by":    "",
			"locked_until": nil,
		})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	job.Status = core.StatusCompleted
	job.Result = result
	job.FinishedAt = &now
	return nil
}

// Fail records a failed attempt. A non-nil retryAt delays the job for another
// attempt; otherwise the job becomes terminally failed.
func (s *GormBroker) Fail(ctx context.Context, job *core.Job, reason string, retryAt *time.Time) error {
	reason = security.SanitizeErrorMessage(reason)
	now := time.Now()

	updates := map[string]any{
		"failed_reason": reason,
		"locked_by":     "",
		"locked_until":  nil,
	}
	status := core.StatusFailed
	if retryAt != nil {
		status = core.StatusDelayed
		updates["run_at"] = retryAt
	} else {
		updates["finished_at"] = now
	}
	updates["status"] = status

	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND queue = ? AND locked_by = ?", job.ID, job.Queue, job.LockedBy).
		Updates(updates)

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	job.Status = status
	job.FailedReason = reason
	if retryAt != nil {
		job.RunAt = retryAt
	} else {
		job.FinishedAt = &now
	}
	return nil
}

// UpdateProgress stores the progress percentage reported by a handler.
func (s *GormBroker) UpdateProgress(ctx context.Context, queue, jobID string, progress int) error {
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND queue = ?", jobID, queue).
		Update("progress", progress)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// GetJob retrieves a job by queue and id.
func (s *GormBroker) GetJob(ctx context.Context, queue, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ? AND queue = ?", jobID, queue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Position returns the number of waiting jobs dequeued before job.
func (s *GormBroker) Position(ctx context.Context, job *core.Job) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("queue = ? AND status = ? AND id <> ?", job.Queue, core.StatusWaiting, job.ID).
		Where("(priority < ? OR (priority = ? AND seq < ?))", job.Priority, job.Priority, job.Seq).
		Count(&count).Error
	return int(count), err
}

// Counts returns the per-status job counts of a queue.
func (s *GormBroker) Counts(ctx context.Context, queue string) (core.JobCounts, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("status, count(*) as count").
		Where("queue = ?", queue).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return core.JobCounts{}, err
	}

	var counts core.JobCounts
	for _, r := range rows {
		switch core.JobStatus(r.Status) {
		case core.StatusWaiting:
			counts.Waiting += r.Count
		case core.StatusActive:
			counts.Active += r.Count
		case core.StatusCompleted:
			counts.Completed += r.Count
		case core.StatusFailed:
			counts.Failed += r.Count
		case core.StatusDelayed:
			counts.Delayed += r.Count
		}
	}
	return counts, nil
}

// Remove deletes a job that is not currently active.
func (s *GormBroker) Remove(ctx context.Context, queue, jobID string) (bool, error) {
	removed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job core.Job
		err := tx.First(&job, "id = ? AND queue = ?", jobID, queue).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status == core.StatusActive {
			return core.ErrJobActive
		}
		res := tx.Where("id = ? AND queue = ? AND status <> ?", jobID, queue, core.StatusActive).Delete(&core.Job{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected > 0
		return nil
	})
	return removed, err
}

// Clean deletes completed and failed jobs that finished before the cutoff.
func (s *GormBroker) Clean(ctx context.Context, queue string, finishedBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("queue = ?", queue).
		Where("status IN ?", []core.JobStatus{core.StatusCompleted, core.StatusFailed}).
		Where("finished_at < ?", finishedBefore).
		Delete(&core.Job{})
	return res.RowsAffected, res.Error
}

// Trim keeps only the newest keep jobs with the given terminal status.
func (s *GormBroker) Trim(ctx context.Context, queue string, status core.JobStatus, keep int) (int64, error) {
	if keep < 0 {
		return 0, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("queue = ? AND status = ?", queue, status).
		Order("finished_at DESC, seq DESC").
		Offset(keep).
		Limit(1<<20).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("queue = ? AND id IN ?", queue, ids).
		Delete(&core.Job{})
	return res.RowsAffected, res.Error
}

// ReleaseStaleLocks returns active jobs whose lock expired to the waiting
// state. Jobs that have used their last attempt fail with StalledReason.
func (s *GormBroker) ReleaseStaleLocks(ctx context.Context, queue string) (int64, error) {
	var released int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		stale := func() *gorm.DB {
			return tx.Model(&core.Job{}).
				Where("queue = ? AND status = ? AND locked_until < ?", queue, core.StatusActive, now)
		}

		res := stale().
			Where("attempt >= max_attempts").
			Updates(map[string]any{
				"status":        core.StatusFailed,
				"failed_reason": StalledReason,
				"finished_at":   now,
				"locked_by":     "",
				"locked_until":  nil,
			})
		if res.Error != nil {
			return res.Error
		}
		released = res.RowsAffected

		res = stale().
			Updates(map[string]any{
				"status":       core.StatusWaiting,
				"locked_by":    "",
				"locked_until": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		released += res.RowsAffected
		return nil
	})
	return released, err
}

// sequencer hands out strictly increasing submission sequence numbers.
type sequencer struct {
	mu   sync.Mutex
	last int64
}

func (s *sequencer) next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := time.Now().UnixNano() / int64(time.Microsecond)
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

// String identifies the backend in logs.
func (s *GormBroker) String() string {
	return fmt.Sprintf("gorm(%s)", s.db.Dialector.Name())
}
