// Package fleet defines the error vocabulary shared by the session
// orchestration stack. Every operation failure maps to one Kind, and
// the HTTP layer derives status codes from Kinds alone.
package fleet

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an orchestration failure.
type Kind string

const (
	// KindBadRequest covers malformed input, including out-of-range
	// coordinates.
	KindBadRequest Kind = "bad_request"
	// KindUnknownPlatform means the requested platform has no profile.
	KindUnknownPlatform Kind = "unknown_platform"
	// KindNotFound means the session does not exist.
	KindNotFound Kind = "not_found"
	// KindGone means the session existed but its host is destroyed.
	KindGone Kind = "gone"
	// KindConflict means the operation is illegal in the current state.
	KindConflict Kind = "conflict"
	// KindNoCandidate means placement found no viable provider region.
	KindNoCandidate Kind = "no_candidate"
	// KindInsufficientProviders means every preferred provider refused
	// or failed the create walk.
	KindInsufficientProviders Kind = "insufficient_providers"
	// KindBusy means the provisioning pool is saturated.
	KindBusy Kind = "busy"
	// KindProviderError wraps an upstream provider failure.
	KindProviderError Kind = "provider_error"
	// KindTimeout means a wait exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindInternal is an unexpected failure inside warden itself.
	KindInternal Kind = "internal"
)

// Error is a classified orchestration failure.
type Error struct {
	Kind      Kind
	Detail    string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an Error with a formatted detail.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing it.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// ProviderFailure wraps an upstream provider error, carrying whether a
// retry might succeed.
func ProviderFailure(err error, retryable bool, detail string) *Error {
	return &Error{Kind: KindProviderError, Detail: detail, Retryable: retryable, Err: err}
}

// KindOf extracts the Kind from any error. Unclassified errors are
// internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Detail extracts the human-readable detail from any error.
func Detail(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Detail != "" {
		return fe.Detail
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// IsRetryable reports whether the failure is worth retrying against
// the same provider.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// HTTPStatus maps an error to the API status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnknownPlatform, KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindConflict:
		return http.StatusConflict
	case KindNoCandidate, KindInsufficientProviders, KindBusy:
		return http.StatusServiceUnavailable
	case KindProviderError:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
