// Package security provides validation, sanitization, and limits for the orchestrator.
//
// This package includes:
//   - Validation of caller-chosen job ids and path-bound session ids
//   - Failure message sanitization before storage
//   - Clamping functions for attempts, concurrency and priority
//
// Most users should import the root package github.com/ndrlab/ndr-orchestrator
// which re-exports these functions.
package security
