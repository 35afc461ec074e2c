package dify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies an upstream exchange failure. Retry eligibility is a
// pure function of the kind, never of incidental error shapes.
type ErrorKind string

const (
	KindTimeout             ErrorKind = "timeout"
	KindNetworkUnavailable  ErrorKind = "network_unavailable"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindRateLimited         ErrorKind = "rate_limited"
	KindUpstreamServerError ErrorKind = "upstream_server_error"
	KindUpstreamRejected    ErrorKind = "upstream_rejected"
)

// Error is a classified upstream failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the failure is transient and worth retrying.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetworkUnavailable, KindRateLimited, KindUpstreamServerError:
		return true
	default:
		return false
	}
}

// UserMessage returns cause-specific wording suitable for the end user.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindTimeout:
		return "The assistant timed out while answering. Please try again."
	case KindNetworkUnavailable:
		return "The assistant service is unreachable. Please check the network and try again."
	case KindUnauthorized:
		return "The portal is not authorized to reach the assistant. Please contact an administrator."
	case KindRateLimited:
		return "Too many requests right now. Please wait a moment and try again."
	case KindUpstreamServerError:
		return "The assistant service reported an internal error. Please try again."
	default:
		return "The assistant rejected the request: " + e.Message
	}
}

// classifyStatus maps a non-2xx HTTP status to a classified error.
func classifyStatus(status int, body string) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindUnauthorized, Status: status, Message: body}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Message: body}
	case status >= 500:
		return &Error{Kind: KindUpstreamServerError, Status: status, Message: body}
	default:
		return &Error{Kind: KindUpstreamRejected, Status: status, Message: body}
	}
}

// classifyTransport maps a transport-level failure to a classified error.
func classifyTransport(err error) *Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: "request timed out", cause: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindTimeout, Message: "request timed out", cause: err}
	default:
		return &Error{Kind: KindNetworkUnavailable, Message: err.Error(), cause: err}
	}
}
