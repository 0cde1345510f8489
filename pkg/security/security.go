// Package security provides validation, sanitization, and limits for the orchestrator.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
)

// Security limits and configuration
const (
	// MaxJobIDLength is the maximum length for caller-chosen job ids
	MaxJobIDLength = 128

	// MaxPayloadSize is the maximum size in bytes for a job payload (1MB)
	MaxPayloadSize = 1 << 20

	// MaxAttempts is the hard limit for attempts per job
	MaxAttempts = 100

	// MaxConcurrency is the hard limit for workers on a single queue
	MaxConcurrency = 64

	// MaxPriority is the largest accepted priority value (lowest urgency)
	MaxPriority = 1000

	// MaxErrorMessageLength is the maximum length for stored failure reasons
	MaxErrorMessageLength = 4096

	// MaxSessionIDLength is the maximum length for session and report ids
	MaxSessionIDLength = 255
)

// validIdentifier matches alphanumeric, hyphens, underscores, and dots
var validIdentifier = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.]*$`)

// ValidateJobID validates a caller-chosen job id
func ValidateJobID(id string) error {
	if id == "" {
		return core.ErrInvalidJobID
	}
	if len(id) > MaxJobIDLength {
		return core.ErrJobIDTooLong
	}
	if !validIdentifier.MatchString(id) {
		return core.ErrInvalidJobID
	}
	return nil
}

// ValidateSessionID validates an id that ends up as a single path element,
// such as a prediction id, a capture session id or a report file name.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > MaxSessionIDLength {
		return core.ErrInvalidSessionID
	}
	if strings.Contains(id, "..") || !validIdentifier.MatchString(id) {
		return core.ErrInvalidSessionID
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes failure reasons for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampAttempts ensures the attempt count is within limits
func ClampAttempts(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// ClampConcurrency ensures worker concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampPriority ensures the priority is within [0, MaxPriority]
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
