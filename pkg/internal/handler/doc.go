// Package handler provides internal reflection-based handler execution.
//
// This package is internal and should not be imported directly.
// Workers use it to decode a job payload into the handler's typed argument
// and to encode the handler's return value as the job result.
package handler
