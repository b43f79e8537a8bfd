package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for propagation and retry policy.
type ErrorKind string

// Error kinds. See the scheduler for the retry policy each kind maps to.
const (
	KindValidation          ErrorKind = "validation"
	KindNotFound            ErrorKind = "not_found"
	KindPermissionDenied    ErrorKind = "permission_denied"
	KindApprovalRejected    ErrorKind = "approval_rejected"
	KindBackpressured       ErrorKind = "backpressured"
	KindOverloaded          ErrorKind = "overloaded"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindTimedOut            ErrorKind = "timed_out"
	KindDeadlineExceeded    ErrorKind = "deadline_exceeded"
	KindCancelled           ErrorKind = "cancelled"
	KindInternal            ErrorKind = "internal"
)

// Retryable reports whether the scheduler may retry a task that failed with
// this kind, subject to the attempt budget. Cancelled is always terminal.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindBackpressured, KindOverloaded, KindProviderUnavailable, KindTimedOut, KindDeadlineExceeded:
		return true
	}
	return false
}

// Error is a classified error carried across subsystem boundaries.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error returns the formatted message.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError wraps err with a kind and message.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to internal for
// unclassified errors and empty for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}
