// Package worker runs the jobs of a queue.Manager.
//
// Each served queue gets its own bounded pool sized by the queue's worker
// count. A job runs under its queue timeout; failures are retried with the
// job's exponential backoff until its attempts are exhausted, after which it is
// kept as failed. Broker calls made while finalizing a job are themselves
// retried with a short backoff (see RetryConfig).
package worker
