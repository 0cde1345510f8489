// Package queue provides the job queue Manager.
//
// This package includes:
//   - Manager: submit, status, cancel, stats and cleanup across the static queues
//   - Definition: per-queue concurrency, retry, timeout and retention settings
//   - Wait-time estimation and human-readable duration formatting
//   - Broker probing with a degraded mode when the broker is unreachable
//   - Hook registration and event subscription for job lifecycle events
//   - Janitor: scheduled cleanup of finished jobs and stale locks
//
// Lower priority values are dequeued first; equal priorities run in
// submission order.
package queue
