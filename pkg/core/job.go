// Package core provides the domain models and interfaces for the orchestrator.
package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"
	StatusDelayed   JobStatus = "delayed" // Waiting out a retry backoff
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusNotFound  JobStatus = "not-found" // Reported by status queries only, never stored
)

// IsTerminal reports whether the status is final for a job.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultPriority is the priority assigned when a caller does not pick one.
// Lower values are dequeued first.
const DefaultPriority = 5

// Job represents a unit of work owned by exactly one queue.
type Job struct {
	ID           string        `gorm:"primaryKey;size:128" json:"id"`
	Queue        string        `gorm:"index;size:64;not null" json:"queue"`
	Name         string        `gorm:"size:255" json:"name"`
	Payload      []byte        `gorm:"type:bytes" json:"payload,omitempty"`
	Priority     int           `gorm:"index" json:"priority"`
	Seq          int64         `gorm:"index" json:"seq"` // Submission order, breaks priority ties
	Status       JobStatus     `gorm:"index;size:20;default:'waiting'" json:"status"`
	Attempt      int           `gorm:"default:0" json:"attempt"`
	MaxAttempts  int           `gorm:"default:1" json:"max_attempts"`
	BackoffDelay time.Duration `json:"backoff_delay"`
	Timeout      time.Duration `json:"timeout"`
	Progress     int           `gorm:"default:0" json:"progress"`
	Result       []byte        `gorm:"type:bytes" json:"result,omitempty"`
	FailedReason string        `gorm:"type:text" json:"failed_reason,omitempty"`
	RunAt        *time.Time    `gorm:"index" json:"run_at,omitempty"`
	ProcessedAt  *time.Time    `json:"processed_at,omitempty"`
	FinishedAt   *time.Time    `gorm:"index" json:"finished_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	LockedBy     string        `gorm:"size:255" json:"locked_by,omitempty"`
	LockedUntil  *time.Time    `gorm:"index" json:"locked_until,omitempty"`
}

// AttemptsLeft reports whether another attempt may be scheduled after the current one.
func (j *Job) AttemptsLeft() bool {
	return j.Attempt < j.MaxAttempts
}

// BackoffFor returns the exponential backoff before the retry that follows attempt.
// attempt is 1-based: the first failure waits BackoffDelay, the second twice that.
func (j *Job) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := j.BackoffDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}

// MaxBackoff caps exponential backoff growth.
const MaxBackoff = 5 * time.Minute

// JobCounts groups job counts of a queue by status.
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Add returns the field-wise sum of two counts.
func (c JobCounts) Add(o JobCounts) JobCounts {
	return JobCounts{
		Waiting:   c.Waiting + o.Waiting,
		Active:    c.Active + o.Active,
		Completed: c.Completed + o.Completed,
		Failed:    c.Failed + o.Failed,
		Delayed:   c.Delayed + o.Delayed,
	}
}
