// Package context provides internal context helpers for job execution.
//
// This package is internal and should not be imported directly.
// Workers attach the running job and its broker to the handler context;
// pkg/jobctx exposes read access to handlers.
package context
