// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors
var (
	ErrSignalNotFound    = errors.New("signal not found")
	ErrProposalNotFound  = errors.New("proposal not found")
	ErrAccountNotFound   = errors.New("tracked account not found")
	ErrMissingUser       = errors.New("proposal has no user")
	ErrNoProposal        = errors.New("synthesis returned no proposal")
	ErrSessionExpired    = errors.New("session expired")
	ErrLoginFailed       = errors.New("login failed")
	ErrSelectorNotFound  = errors.New("selector not found")
	ErrTimeout           = errors.New("operation timed out")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDataNotFound      = errors.New("data not found")
	ErrDuplicate         = errors.New("duplicate key")
	ErrInvalidPayload    = errors.New("invalid event payload")
	ErrHandlerRegistered = errors.New("handler already registered")
)

// PermanentError marks an error that must not be retried by the event runtime.
// Upstream-data errors (a referenced record is absent) are permanent: retrying
// cannot make the record appear.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as non-retryable. Returns nil for a nil error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return err
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// PushError represents a non-2xx answer from a push service.
type PushError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *PushError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("push error [%d]: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("push error [%d]", e.StatusCode)
}

// IsGone reports whether the subscription behind this error is permanently invalid.
func (e *PushError) IsGone() bool {
	return e.StatusCode == http.StatusGone || e.StatusCode == http.StatusNotFound
}

// NewPushError creates a new PushError.
func NewPushError(endpoint string, statusCode int, body string) *PushError {
	return &PushError{
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Body:       body,
	}
}

// IsSubscriptionGone reports whether err carries a 404/410 push status.
func IsSubscriptionGone(err error) bool {
	var pe *PushError
	if errors.As(err, &pe) {
		return pe.IsGone()
	}
	return false
}

// ScrapeError represents a failure while driving the browser for one account.
type ScrapeError struct {
	Account string
	Step    string
	Err     error
}

func (e *ScrapeError) Error() string {
	if e.Account == "" {
		return fmt.Sprintf("scrape error [%s]: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("scrape error [%s] %s: %v", e.Account, e.Step, e.Err)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// NewScrapeError creates a new ScrapeError.
func NewScrapeError(account, step string, err error) *ScrapeError {
	return &ScrapeError{
		Account: account,
		Step:    step,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// AgentError represents an error from the synthesis agent.
type AgentError struct {
	AgentName string
	Operation string
	Err       error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error [%s] %s: %v", e.AgentName, e.Operation, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError creates a new AgentError.
func NewAgentError(agentName, operation string, err error) *AgentError {
	return &AgentError{
		AgentName: agentName,
		Operation: operation,
		Err:       err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
