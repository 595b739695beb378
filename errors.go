package switchboard

import (
	"errors"
	"fmt"
)

// Kind discriminates the category of a Error for retry/failover decisions.
// It replaces exception-type introspection with a single tagged field, so
// the failover loop never needs to know about concrete upstream error
// types — only whether a Kind is retryable.
type Kind string

const (
	// KindConfigError covers construction-time misconfiguration: an empty
	// or duplicate-named deployment set, or a model not configured on a
	// deployment. Never retried.
	KindConfigError Kind = "config_error"

	// KindNoEligibleDeployments means no deployment currently serves the
	// requested model in a healthy state. Never retried.
	KindNoEligibleDeployments Kind = "no_eligible_deployments"

	// KindRateLimited means the upstream signaled quota exhaustion. The
	// model is marked down and the request is retried on another
	// deployment.
	KindRateLimited Kind = "rate_limited"

	// KindTransientUpstreamError covers timeouts, connection errors, 5xx
	// responses, and any other unclassified upstream fault. The model is
	// marked down and the request is retried.
	KindTransientUpstreamError Kind = "transient_upstream_error"

	// KindClientFault covers 4xx upstream responses other than rate
	// limiting (malformed request, auth failure, and similar caller
	// errors). Surfaced as-is, never retried, and does not mark the
	// deployment down — a bad request from the caller says nothing about
	// the deployment's health.
	KindClientFault Kind = "client_fault"

	// KindCancelled means the request's context was cancelled. Propagated
	// unchanged: no mark-down, no retry.
	KindCancelled Kind = "cancelled"
)

// Retryable reports whether the Switchboard's failover loop should attempt
// another deployment after an error of this Kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransientUpstreamError:
		return true
	default:
		return false
	}
}

// Error is the single error type this module raises. Every error a caller
// receives from Deployment, Selector, SessionMap, or Switchboard can be
// unwrapped to one of these via errors.As.
type Error struct {
	Kind       Kind
	Deployment string
	Model      string
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Deployment != "" {
		base += fmt.Sprintf(" (deployment=%s)", e.Deployment)
	}
	if e.Model != "" {
		base += fmt.Sprintf(" (model=%s)", e.Model)
	}
	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}
	return base
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, deployment, model, message string, cause error) *Error {
	return &Error{Kind: kind, Deployment: deployment, Model: model, Message: message, Cause: cause}
}

// IsKind reports whether err (or anything it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var swErr *Error
	if errors.As(err, &swErr) {
		return swErr.Kind == k
	}
	return false
}
