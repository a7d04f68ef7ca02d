// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error kinds surfaced to callers alongside a message.
const (
	KindTransport         = "transport_error"
	KindHosting           = "hosting_error"
	KindCorrelation       = "correlation_warning"
	KindIntegrationBroken = "integration_broken"
	KindRunInProgress     = "run_in_progress"
	KindNotFound          = "not_found"
	KindInvalidInput      = "invalid_input"
	KindInternal          = "internal_error"
)

// Kinded is implemented by every error in this package.
type Kinded interface {
	error
	Kind() string
}

// TransportError is returned when a request to GitLab did not produce a response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Kind() string { return KindTransport }

// HostingError is returned for non-2xx responses from GitLab.
type HostingError struct {
	Path       string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HostingError) Error() string {
	return fmt.Sprintf("gitlab returned status %d for %s: %s", e.Status, e.Path, truncate(e.Body, 200))
}

func (e *HostingError) Kind() string { return KindHosting }

// RateLimited reports whether the response was a 429.
func (e *HostingError) RateLimited() bool { return e.Status == http.StatusTooManyRequests }

// Unauthorized reports whether the credential was rejected.
func (e *HostingError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Inaccessible reports whether the resource is forbidden to the credential
// or no longer exists. Retrying will not change the outcome.
func (e *HostingError) Inaccessible() bool {
	return e.Status == http.StatusForbidden || e.Status == http.StatusNotFound
}

// CorrelationWarning describes an activity record that references an unknown project or commit.
type CorrelationWarning struct {
	Entity    string
	EntityID  string
	Missing   string // "project" or "commit"
	ProjectID int64
}

func (e *CorrelationWarning) Error() string {
	return fmt.Sprintf("%s %s references unknown %s (project %d)", e.Entity, e.EntityID, e.Missing, e.ProjectID)
}

func (e *CorrelationWarning) Kind() string { return KindCorrelation }

// IntegrationBroken is returned when the identity's credential or group membership is no longer valid.
type IntegrationBroken struct {
	IdentityID int64
	Reason     string
}

func (e *IntegrationBroken) Error() string {
	return fmt.Sprintf("integration for identity %d is broken: %s", e.IdentityID, e.Reason)
}

func (e *IntegrationBroken) Kind() string { return KindIntegrationBroken }

// ErrRunInProgress is returned when an aggregation run for the same identity is already executing.
type ErrRunInProgress struct {
	IdentityID int64
}

func (e *ErrRunInProgress) Error() string {
	return fmt.Sprintf("aggregation for identity %d is already running", e.IdentityID)
}

func (e *ErrRunInProgress) Kind() string { return KindRunInProgress }

// ErrNotFound is returned when an identity or snapshot does not exist.
type ErrNotFound struct {
	Resource string
	ID       int64
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

func (e *ErrNotFound) Kind() string { return KindNotFound }

// ErrInvalidInput is returned for malformed caller input.
type ErrInvalidInput struct {
	Field  string
	Reason string
}

func (e *ErrInvalidInput) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ErrInvalidInput) Kind() string { return KindInvalidInput }

// KindOf returns the kind of the first Kinded error in err's chain.
func KindOf(err error) string {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// Retryable reports whether a fetch that failed with err may be attempted again.
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var he *HostingError
	if errors.As(err, &he) {
		return he.RateLimited()
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
