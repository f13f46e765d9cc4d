// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package delivery

import (
	"errors"
	"strings"
)

// ErrorCategory classifies delivery failures for routing and metrics.
type ErrorCategory int

const (
	// ErrorCategoryUnknown is the fallback for uncategorized errors.
	ErrorCategoryUnknown ErrorCategory = iota
	// ErrorCategoryConnection indicates network-level failures.
	ErrorCategoryConnection
	// ErrorCategoryTimeout indicates operation timeout.
	ErrorCategoryTimeout
	// ErrorCategoryValidation indicates malformed or rejected data.
	ErrorCategoryValidation
	// ErrorCategorySMTP indicates SMTP protocol-level failures.
	ErrorCategorySMTP
	// ErrorCategoryRendering indicates PDF renderer failures.
	ErrorCategoryRendering
)

// String returns the string representation of the error category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryConnection:
		return "connection"
	case ErrorCategoryTimeout:
		return "timeout"
	case ErrorCategoryValidation:
		return "validation"
	case ErrorCategorySMTP:
		return "smtp"
	case ErrorCategoryRendering:
		return "rendering"
	default:
		return "unknown"
	}
}

// TransientError represents a failure worth retrying: the same attempt may
// succeed later (network issues, timeouts, greylisting, full mailboxes).
type TransientError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewTransientError creates a transient error, categorized from its message.
func NewTransientError(message string, cause error) *TransientError {
	return &TransientError{
		Message:  message,
		Cause:    cause,
		Category: categorizeErrorMessage(message),
	}
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// PermanentError represents a failure that retrying cannot fix: invalid
// recipients, rejected payloads, authentication misconfiguration. Jobs
// failing permanently go straight to the dead letter queue.
type PermanentError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewPermanentError creates a permanent error, categorized from its message.
func NewPermanentError(message string, cause error) *PermanentError {
	category := categorizeErrorMessage(message)
	if category == ErrorCategoryUnknown {
		category = ErrorCategoryValidation
	}
	return &PermanentError{
		Message:  message,
		Cause:    cause,
		Category: category,
	}
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// categorizeErrorMessage attempts to categorize an error based on its message.
func categorizeErrorMessage(message string) ErrorCategory {
	switch m := strings.ToLower(message); {
	case containsAny(m, "connection", "connect", "refused", "reset", "network"):
		return ErrorCategoryConnection
	case containsAny(m, "timeout", "deadline", "timed out"):
		return ErrorCategoryTimeout
	case containsAny(m, "invalid", "validation", "malformed", "parse", "rejected"):
		return ErrorCategoryValidation
	case containsAny(m, "smtp", "mailbox", "relay", "recipient"):
		return ErrorCategorySMTP
	case containsAny(m, "render", "pdf", "template"):
		return ErrorCategoryRendering
	default:
		return ErrorCategoryUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsTransientError checks if the error is transient (retryable).
func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanentError checks if the error is permanent (non-retryable).
func IsPermanentError(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
