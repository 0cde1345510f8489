package queue

import (
	"context"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
)

type hooks struct {
	onStart    []func(context.Context, *core.Job)
	onComplete []func(context.Context, *core.Job)
	onFail     []func(context.Context, *core.Job, error)
	onRetry    []func(context.Context, *core.Job, int, error)
}

// OnJobStart registers a callback for when a job starts.
func (m *Manager) OnJobStart(fn func(context.Context, *core.Job)) {
	m.mu.Lock()
	m.hooks.onStart = append(m.hooks.onStart, fn)
	m.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes successfully.
func (m *Manager) OnJobComplete(fn func(context.Context, *core.Job)) {
	m.mu.Lock()
	m.hooks.onComplete = append(m.hooks.onComplete, fn)
	m.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails permanently.
func (m *Manager) OnJobFail(fn func(context.Context, *core.Job, error)) {
	m.mu.Lock()
	m.hooks.onFail = append(m.hooks.onFail, fn)
	m.mu.Unlock()
}

// OnRetry registers a callback for when a failed attempt is scheduled again.
func (m *Manager) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	m.mu.Lock()
	m.hooks.onRetry = append(m.hooks.onRetry, fn)
	m.mu.Unlock()
}

// CallStartHooks calls all registered start hooks.
func (m *Manager) CallStartHooks(ctx context.Context, job *core.Job) {
	m.mu.RLock()
	fns := make([]func(context.Context, *core.Job), len(m.hooks.onStart))
	copy(fns, m.hooks.onStart)
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (m *Manager) CallCompleteHooks(ctx context.Context, job *core.Job) {
	m.mu.RLock()
	fns := make([]func(context.Context, *core.Job), len(m.hooks.onComplete))
	copy(fns, m.hooks.onComplete)
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (m *Manager) CallFailHooks(ctx context.Context, job *core.Job, err error) {
	m.mu.RLock()
	fns := make([]func(context.Context, *core.Job, error), len(m.hooks.onFail))
	copy(fns, m.hooks.onFail)
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(ctx, job, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (m *Manager) CallRetryHooks(ctx context.Context, job *core.Job, attempt int, err error) {
	m.mu.RLock()
	fns := make([]func(context.Context, *core.Job, int, error), len(m.hooks.onRetry))
	copy(fns, m.hooks.onRetry)
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(ctx, job, attempt, err)
	}
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (m *Manager) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	m.mu.Lock()
	m.eventSubs = append(m.eventSubs, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed.
func (m *Manager) Unsubscribe(ch <-chan core.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.eventSubs {
		if sub == ch {
			m.eventSubs = append(m.eventSubs[:i], m.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit sends an event to all subscribers. Full subscribers miss the event.
func (m *Manager) Emit(e core.Event) {
	m.mu.RLock()
	subs := make([]chan core.Event, len(m.eventSubs))
	copy(subs, m.eventSubs)
	m.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}
