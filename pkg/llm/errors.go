package llm

import (
	"errors"
	"fmt"

	"github.com/mycosoft/mascore/pkg/models"
)

// ErrorCategory classifies a provider failure for routing decisions:
// rate_limit and server errors trigger fallback, auth and client errors
// do not.
type ErrorCategory string

const (
	CategoryAuth          ErrorCategory = "auth"
	CategoryRateLimit     ErrorCategory = "rate_limit"
	CategoryServer        ErrorCategory = "server"
	CategoryClient        ErrorCategory = "client"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryContentFilter ErrorCategory = "content_filter"
	CategoryUnknown       ErrorCategory = "unknown"
)

// ProviderError wraps a provider failure with enough context to route
// around it. Usage carries any tokens the provider consumed before failing
// so they still reach the counters.
type ProviderError struct {
	Provider string
	Model    string
	Category ErrorCategory
	Usage    models.Usage
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (model %s) %s: %v", e.Provider, e.Model, e.Category, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether another provider (or the same one later) may
// succeed where this attempt failed.
func (e *ProviderError) Retryable() bool {
	switch e.Category {
	case CategoryRateLimit, CategoryServer, CategoryTimeout, CategoryUnknown:
		return true
	default:
		return false
	}
}

// Kind maps the category onto the platform error taxonomy.
func (e *ProviderError) Kind() models.ErrorKind {
	switch e.Category {
	case CategoryRateLimit, CategoryServer, CategoryUnknown:
		return models.KindProviderUnavailable
	case CategoryTimeout:
		return models.KindTimedOut
	default:
		return models.KindPermissionDenied
	}
}

func newProviderError(provider, model string, category ErrorCategory, err error) *ProviderError {
	return &ProviderError{Provider: provider, Model: model, Category: category, Err: err}
}

// categoryFromStatus maps an HTTP status code to an error category.
func categoryFromStatus(status int) ErrorCategory {
	switch {
	case status == 401 || status == 403:
		return CategoryAuth
	case status == 429:
		return CategoryRateLimit
	case status >= 500:
		return CategoryServer
	case status >= 400:
		return CategoryClient
	default:
		return CategoryUnknown
	}
}

// asProviderError extracts a ProviderError from an error chain.
func asProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
