package providers

import (
	"errors"
	"fmt"
	"strings"
)

// FailoverReason buckets a provider failure by what the caller should do
// about it: retry the same provider, or give up.
type FailoverReason string

const (
	ReasonRateLimit   FailoverReason = "rate_limit"
	ReasonServerError FailoverReason = "server_error"
	ReasonTimeout     FailoverReason = "timeout"
	ReasonNetwork     FailoverReason = "network"
	ReasonAuth        FailoverReason = "auth"
	ReasonBadRequest  FailoverReason = "bad_request"
	ReasonUnknown     FailoverReason = "unknown"
)

// IsRetryable reports whether a repeat call to the same provider may
// succeed. Auth and request-shape failures never do.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonServerError, ReasonTimeout, ReasonNetwork:
		return true
	default:
		return false
	}
}

// ProviderError wraps a provider failure with the identity of the call
// that produced it and an HTTP status when one was observed.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Reason   FailoverReason
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s", e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, "/%s", e.Model)
	}
	b.WriteString("]")
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Reason != "" && e.Reason != ReasonUnknown {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps cause, classifying it in the process.
func NewProviderError(provider, model string, cause error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Reason:   ClassifyError(cause),
		Cause:    cause,
	}
}

// WithStatus records the observed HTTP status and re-buckets accordingly.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if r := classifyStatusCode(status); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// ClassifyError buckets an arbitrary provider error by its message.
// Provider SDKs expose failures inconsistently, so string matching is the
// lowest common denominator that works across all of them.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return ReasonUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Reason != "" {
		return pe.Reason
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(msg, "connection") ||
		strings.Contains(msg, "network") ||
		strings.Contains(msg, "refused") ||
		strings.Contains(msg, "eof"):
		return ReasonNetwork
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403"):
		return ReasonAuth
	case strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "bad request") ||
		strings.Contains(msg, "400"):
		return ReasonBadRequest
	case strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "internal server"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == 429:
		return ReasonRateLimit
	case status == 401 || status == 403:
		return ReasonAuth
	case status == 408:
		return ReasonTimeout
	case status >= 400 && status < 500:
		return ReasonBadRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// IsRetryable reports whether err is worth retrying against the same
// provider.
func IsRetryable(err error) bool {
	return ClassifyError(err).IsRetryable()
}
