package core

import (
	"errors"
	"fmt"
	"time"
)

// Queue and broker errors
var (
	ErrUnknownQueue      = errors.New("orchestrator: unknown queue")
	ErrBrokerUnavailable = errors.New("orchestrator: broker unavailable")
	ErrJobNotFound       = errors.New("orchestrator: job not found")
	ErrJobNotOwned       = errors.New("orchestrator: job not owned by this worker")
	ErrJobActive         = errors.New("orchestrator: job is active")
	ErrDuplicateJob      = errors.New("orchestrator: duplicate job id")
	ErrPayloadTooLarge   = errors.New("orchestrator: payload exceeds size limit")
	ErrNoHandler         = errors.New("orchestrator: no handler registered")
	ErrInvalidJobID      = errors.New("orchestrator: invalid job id")
	ErrJobIDTooLong      = errors.New("orchestrator: job id too long")
)

// Pump and prediction errors
var (
	ErrMarkerTimeout    = errors.New("orchestrator: completion marker timeout")
	ErrDirectoryMissing = errors.New("orchestrator: report directory missing")
	ErrInvalidSessionID = errors.New("orchestrator: invalid session id")
)

// BrokerUnavailableError reports that the broker could not be reached.
// It matches ErrBrokerUnavailable with errors.Is so callers can fall back
// to synchronous execution.
type BrokerUnavailableError struct {
	Cause error
}

func (e *BrokerUnavailableError) Error() string {
	if e.Cause == nil {
		return ErrBrokerUnavailable.Error()
	}
	return fmt.Sprintf("%v: %v", ErrBrokerUnavailable, e.Cause)
}

func (e *BrokerUnavailableError) Unwrap() error {
	return e.Cause
}

func (e *BrokerUnavailableError) Is(target error) bool {
	return target == ErrBrokerUnavailable
}

// UnknownQueueError names the queue that was not configured.
type UnknownQueueError struct {
	Queue string
}

func (e *UnknownQueueError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnknownQueue, e.Queue)
}

func (e *UnknownQueueError) Is(target error) bool {
	return target == ErrUnknownQueue
}

// JobExecutionError reports a non-zero exit of an external process.
type JobExecutionError struct {
	ExitCode int
	LogPath  string
	Err      error
}

func (e *JobExecutionError) Error() string {
	msg := fmt.Sprintf("execution failed with exit code %d", e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.LogPath != "" {
		msg += " (log: " + e.LogPath + ")"
	}
	return msg
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
