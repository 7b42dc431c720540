package retry

import (
	"errors"
	"fmt"
)

// ProviderError describes a failure returned by a model provider. Adapters
// construct it from SDK errors so the classifier can read status, code,
// headers and body uniformly regardless of provider.
type ProviderError struct {
	provider  string
	operation string
	status    int
	code      string
	message   string
	headers   map[string]string
	body      string
	retryable bool
	cause     error
}

// NewProviderError constructs a ProviderError. provider is required; cause may
// be nil but is recommended to preserve the original error chain.
func NewProviderError(provider, operation string, status int, code, message string, cause error) *ProviderError {
	if provider == "" {
		panic("retry: provider is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		status:    status,
		code:      code,
		message:   message,
		cause:     cause,
	}
}

// WithResponse attaches the raw response headers and body captured from the
// provider. Header keys are matched case-insensitively by the classifier.
func (e *ProviderError) WithResponse(headers map[string]string, body string) *ProviderError {
	e.headers = headers
	e.body = body
	return e
}

// WithRetryable overrides the provider-reported retryable flag.
func (e *ProviderError) WithRetryable(retryable bool) *ProviderError {
	e.retryable = retryable
	return e
}

// Provider returns the provider identifier (for example, "anthropic").
func (e *ProviderError) Provider() string { return e.provider }

// HTTPStatus returns the provider HTTP status code when available, otherwise 0.
func (e *ProviderError) HTTPStatus() int { return e.status }

// Code returns the provider-specific error code when available.
func (e *ProviderError) Code() string { return e.code }

// Retryable reports the provider's own retryable hint.
func (e *ProviderError) Retryable() bool { return e.retryable }

// ResponseHeaders returns the captured response headers.
func (e *ProviderError) ResponseHeaders() map[string]string { return e.headers }

// ResponseBody returns the captured response body.
func (e *ProviderError) ResponseBody() string { return e.body }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.status > 0 {
		return fmt.Sprintf("%s %s: %d %s", e.provider, op, e.status, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.provider, op, msg)
}

// Unwrap returns the underlying provider error.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
