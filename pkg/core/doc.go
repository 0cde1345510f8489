// Package core provides the fundamental types and interfaces for the orchestrator.
//
// This package contains:
//   - The Job data model with GORM and JSON annotations
//   - The Broker interface shared by every queue backend
//   - Event types for queue monitoring
//   - Error types for queue, pump and prediction failures
//
// Most users should import the root package github.com/ndrlab/ndr-orchestrator
// instead of this package directly.
package core
