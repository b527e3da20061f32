// errors.go defines the error taxonomy shared by connectors and the sync
// services. Handlers map these to HTTP status codes; the orchestrator keys
// retry behaviour off them.
package scm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrUnsupportedProvider is returned when a provider kind has no
	// registered connector builder.
	ErrUnsupportedProvider = errors.New("unsupported SCM provider")

	// ErrInvalidSignature is returned when a webhook delivery fails
	// signature or shared-token verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrAlreadyLinked is returned when a module already has an SCM link.
	ErrAlreadyLinked = errors.New("module is already linked to a repository")

	// ErrNotLinked is returned when an operation requires a link the
	// module does not have.
	ErrNotLinked = errors.New("module is not linked to a repository")

	// ErrTokenNotFound is returned when no stored credential exists for
	// the user and provider.
	ErrTokenNotFound = errors.New("no SCM token stored")

	// ErrTokenExpired is returned when a stored token is expired and
	// could not be refreshed.
	ErrTokenExpired = errors.New("SCM token expired")

	// ErrUnauthorized is returned when the platform rejects the
	// credential (revoked token, insufficient scopes).
	ErrUnauthorized = errors.New("SCM request unauthorized")

	// ErrRateLimited is returned when the platform reports rate limiting.
	ErrRateLimited = errors.New("SCM provider rate limited")

	// ErrUpstreamTimeout is returned when a platform call exceeds its
	// deadline.
	ErrUpstreamTimeout = errors.New("SCM provider timed out")

	// ErrRepositoryNotFound is returned when the repository does not
	// exist or the credential cannot see it.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrTagNotFound is returned when tag resolution finds no such tag.
	ErrTagNotFound = errors.New("tag not found")

	// ErrWebhookNotFound is returned when removing a webhook that no
	// longer exists upstream.
	ErrWebhookNotFound = errors.New("webhook not found")

	// ErrResolutionFailed is returned when a tag cannot be resolved to a
	// commit for a reason other than absence.
	ErrResolutionFailed = errors.New("tag resolution failed")

	// ErrPublishFailed is returned when a publish attempt exhausts its
	// retries.
	ErrPublishFailed = errors.New("version publish failed")
)

// APIError wraps a platform API failure with the upstream status code so
// callers can distinguish auth, rate-limit, and not-found outcomes.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("scm api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("scm api error (status %d)", e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError classifies an upstream HTTP status into the error taxonomy
// and keeps the raw status for logging.
func NewAPIError(statusCode int, message string) *APIError {
	var sentinel error
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		sentinel = ErrUnauthorized
	case statusCode == http.StatusNotFound:
		sentinel = ErrRepositoryNotFound
	case statusCode == http.StatusTooManyRequests:
		sentinel = ErrRateLimited
	case statusCode >= 500:
		sentinel = ErrResolutionFailed
	}
	return &APIError{StatusCode: statusCode, Message: message, Err: sentinel}
}

// WrapTransport classifies a round-trip failure. Deadline and network
// timeouts become ErrUpstreamTimeout so the orchestrator can retry them.
func WrapTransport(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w", op, ErrUpstreamTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether the error is worth retrying with backoff.
// Rate limits and upstream timeouts are transient; auth and not-found
// failures are not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamTimeout)
}

// IsNotFoundStatus reports whether err carries an upstream 404.
func IsNotFoundStatus(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
