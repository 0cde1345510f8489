// Package session tracks in-flight training and prediction work per session.
package session

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Kind is the class of work a session performs.
type Kind string

const (
	KindPrediction Kind = "prediction"
	KindTraining   Kind = "training"
)

// Mode tells live sessions apart from one-shot runs.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Session is a snapshot of one unit of tracked work.
type Session struct {
	ID          string     `json:"sessionId"`
	Kind        Kind       `json:"kind"`
	Mode        Mode       `json:"mode"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	IsRunning   bool       `json:"isRunning"`
	Config      any        `json:"config"`
}

type key struct {
	kind Kind
	id   string
}

// Registry is an in-memory table of sessions, safe for concurrent use.
// Sessions are never evicted.
type Registry struct {
	mu       sync.RWMutex
	sessions map[key]*Session
	last     map[Kind]key
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[key]*Session),
		last:     make(map[Kind]key),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create starts a running session. Creating an existing id replaces it.
func (r *Registry) Create(kind Kind, id string, mode Mode, config any) Session {
	s := &Session{
		ID:        id,
		Kind:      kind,
		Mode:      mode,
		CreatedAt: r.now(),
		IsRunning: true,
		Config:    config,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{kind, id}
	r.sessions[k] = s
	r.last[kind] = k
	return *s
}

// Complete marks a session finished. It reports whether the session was
// running; completing a finished or unknown session is a no-op.
func (r *Registry) Complete(kind Kind, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{kind, id}
	s, ok := r.sessions[k]
	if !ok || !s.IsRunning {
		return false
	}
	now := r.now()
	s.IsRunning = false
	s.CompletedAt = &now
	r.last[kind] = k
	return true
}

// Get returns a copy of a session.
func (r *Registry) Get(kind Kind, id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key{kind, id}]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// IsRunning reports whether a session exists and is still running.
func (r *Registry) IsRunning(kind Kind, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key{kind, id}]
	return ok && s.IsRunning
}

// List returns the sessions of a kind, oldest first.
func (r *Registry) List(kind Kind) []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for k, s := range r.sessions {
		if k.kind == kind {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Running returns the running sessions of a kind, oldest first.
func (r *Registry) Running(kind Kind) []Session {
	all := r.List(kind)
	out := all[:0]
	for _, s := range all {
		if s.IsRunning {
			out = append(out, s)
		}
	}
	return out
}

// LegacyStatus is the single-slot view of a kind.
type LegacyStatus struct {
	Kind          Kind
	IsRunning     bool
	LastID        string
	LastStartedAt *time.Time
	Config        any
}

// MarshalJSON uses the field names older clients expect for each kind.
func (s LegacyStatus) MarshalJSON() ([]byte, error) {
	atKey, idKey := "lastPredictedAt", "lastPredictedId"
	if s.Kind == KindTraining {
		atKey, idKey = "lastBuildAt", "lastBuildId"
	}
	var at any
	if s.LastStartedAt != nil {
		at = s.LastStartedAt.UnixMilli()
	}
	var id any
	if s.LastID != "" {
		id = s.LastID
	}
	return json.Marshal(map[string]any{
		"isRunning": s.IsRunning,
		atKey:       at,
		idKey:       id,
		"config":    s.Config,
	})
}

// LegacyStatus reflects the session of kind most recently created or
// completed. With several sessions of a kind active at once it is only an
// approximation.
func (r *Registry) LegacyStatus(kind Kind) LegacyStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := LegacyStatus{Kind: kind}
	k, ok := r.last[kind]
	if !ok {
		return status
	}
	s := r.sessions[k]
	created := s.CreatedAt
	status.IsRunning = s.IsRunning
	status.LastID = s.ID
	status.LastStartedAt = &created
	status.Config = s.Config
	return status
}
