package queue

import (
	"log/slog"
	"time"

	"github.com/ndrlab/ndr-orchestrator/pkg/security"
)

// DefaultConnectTimeout bounds how long a broker probe may take.
const DefaultConnectTimeout = 5 * time.Second

// ManagerOption configures a Manager.
type ManagerOption interface {
	applyManager(*Manager)
}

type managerOptionFunc func(*Manager)

func (f managerOptionFunc) applyManager(m *Manager) { f(m) }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return managerOptionFunc(func(m *Manager) {
		m.logger = l
	})
}

// WithConnectTimeout bounds broker probes.
func WithConnectTimeout(d time.Duration) ManagerOption {
	return managerOptionFunc(func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	})
}

// WithDefinitions replaces the queue set.
func WithDefinitions(defs ...Definition) ManagerOption {
	return managerOptionFunc(func(m *Manager) {
		m.setDefinitions(defs)
	})
}

// WithWorkers overrides per-queue worker counts. Unknown names are ignored.
// Counts are clamped to [1, MaxConcurrency].
func WithWorkers(workers map[string]int) ManagerOption {
	return managerOptionFunc(func(m *Manager) {
		for name, n := range workers {
			def, ok := m.defs[name]
			if !ok {
				continue
			}
			def.Workers = security.ClampConcurrency(n)
			m.defs[name] = def
		}
	})
}

// SubmitOptions holds per-job settings.
type SubmitOptions struct {
	Priority int
	Timeout  time.Duration
	JobID    string
	Name     string
	Attempts int
	Delay    time.Duration
}

// SubmitOption modifies SubmitOptions.
type SubmitOption interface {
	Apply(*SubmitOptions)
}

type submitOptionFunc func(*SubmitOptions)

func (f submitOptionFunc) Apply(o *SubmitOptions) { f(o) }

// Priority sets the job priority. Lower values run first; the default is 5.
// Values are clamped to [0, MaxPriority].
func Priority(p int) SubmitOption {
	return submitOptionFunc(func(o *SubmitOptions) {
		o.Priority = security.ClampPriority(p)
	})
}

// Timeout overrides the queue's per-job timeout.
func Timeout(d time.Duration) SubmitOption {
	return submitOptionFunc(func(o *SubmitOptions) {
		o.Timeout = d
	})
}

// JobID sets a caller-chosen job id. Submitting an id that already exists fails
// with ErrDuplicateJob.
func JobID(id string) SubmitOption {
	return submitOptionFunc(func(o *SubmitOptions) {
		o.JobID = id
	})
}

// Name labels the job. Defaults to the queue's JobName.
func Name(n string) SubmitOption {
	return submitOptionFunc(func(o *SubmitOptions) {
		o.Name = n
	})
}

// Attempts overrides the queue's attempt count.
func Attempts(n int) SubmitOption {
	return submitOptionFunc(func(o *SubmitOptions) {
		o.Attempts = security.ClampAttempts(n)
	})
}

// Delay holds the job back for d before it becomes eligible.
func Delay(d time.Duration) SubmitOption {
	return submitOptionFunc(func(o *SubmitOptions) {
		o.Delay = d
	})
}
