// Package retry implements the stream-scope error classifier and the backoff
// policies shared by the turn handler and the tool-call manager. Classification
// is a pure function over an error value: it walks the cause chain, extracts
// provider signals (status codes, error codes, response headers and body) and
// maps them to a small set of kinds with retry and handling flags.
package retry

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the coarse classification of a stream-level failure.
type Kind string

const (
	// KindNetwork covers connection resets, refusals, timeouts and 408/409.
	KindNetwork Kind = "network"
	// KindRateLimited covers 429 and provider throttling.
	KindRateLimited Kind = "rate_limited"
	// KindProvider5xx covers provider-side server errors.
	KindProvider5xx Kind = "provider_5xx"
	// KindContextWindowExceeded covers prompt-too-long failures.
	KindContextWindowExceeded Kind = "context_window_exceeded"
	// KindInsufficientCredits covers quota and billing failures.
	KindInsufficientCredits Kind = "insufficient_credits"
	// KindInvalidRequest covers 400/422 and malformed request failures.
	KindInvalidRequest Kind = "invalid_request"
	// KindAuth covers 401/403 and credential failures.
	KindAuth Kind = "auth"
	// KindUnknown is the fallback for unclassified failures.
	KindUnknown Kind = "unknown"
	// KindToolExecution tags errors that originated inside a tool handler.
	// It is assigned by the caller, never by Classify.
	KindToolExecution Kind = "tool_execution"
)

// Classification is the result of analyzing an error value.
type Classification struct {
	// Kind is the assigned failure category.
	Kind Kind
	// Retryable reports whether retrying the same request may succeed.
	Retryable bool
	// RequiresExplicitHandling reports whether the application must intervene
	// (trim the prompt, fix credentials, add credits) before retrying.
	RequiresExplicitHandling bool
	// RetryAfter carries the provider-requested delay when a Retry-After
	// header was present and within bounds. Nil otherwise.
	RetryAfter *time.Duration
}

// maxCauseDepth bounds the error chain walk.
const maxCauseDepth = 16

// maxRetryAfter clamps provider-requested delays.
const maxRetryAfter = 60 * time.Second

// signals aggregates everything the classifier could extract from an error
// chain. First-wins: once a field is set, deeper causes do not override it.
type signals struct {
	name         string
	code         string
	status       int
	hasStatus    bool
	isRetryable  *bool
	abortReason  string
	headers      map[string]string
	body         string
	providerCode string
	providerType string
	message      string
}

// Optional interfaces probed during signal extraction. Provider adapters
// satisfy these on their error types; the anthropic and openai SDK errors are
// adapted into ProviderError which implements all of them.
type (
	statusCoder     interface{ HTTPStatus() int }
	errorCoder      interface{ Code() string }
	errorNamer      interface{ Name() string }
	retryableFlager interface{ Retryable() bool }
	headerCarrier   interface{ ResponseHeaders() map[string]string }
	bodyCarrier     interface{ ResponseBody() string }
	abortReasoner   interface{ RetryErrorReason() string }
)

// Classify analyzes err and returns its classification. A nil error yields the
// unknown kind with no retry.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown}
	}
	sig := extract(err)
	out := assignKind(sig)
	if out.Retryable {
		if d, ok := retryAfter(sig.headers); ok {
			out.RetryAfter = &d
		}
	}
	return out
}

// Normalize returns the user-visible message for an error value, falling back
// to "Unknown error" for empty messages.
func Normalize(err error) string {
	if err == nil {
		return "Unknown error"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "Unknown error"
	}
	return msg
}

func extract(err error) signals {
	sig := signals{message: strings.ToLower(err.Error())}
	cur := err
	for depth := 0; cur != nil && depth < maxCauseDepth; depth++ {
		probe(&sig, cur)
		cur = errors.Unwrap(cur)
	}
	// Multi-error chains: inspect the first few joined errors.
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		errs := joined.Unwrap()
		for i := 0; i < len(errs) && i < 4; i++ {
			if errs[i] != nil {
				probe(&sig, errs[i])
			}
		}
	}
	if sig.providerCode == "" && sig.body != "" {
		sig.providerCode, sig.providerType = parseProviderError(sig.body)
	}
	return sig
}

func probe(sig *signals, err error) {
	if v, ok := err.(statusCoder); ok && !sig.hasStatus {
		if s := v.HTTPStatus(); s > 0 {
			sig.status = s
			sig.hasStatus = true
		}
	}
	if v, ok := err.(errorCoder); ok && sig.code == "" {
		sig.code = strings.ToUpper(v.Code())
	}
	if v, ok := err.(errorNamer); ok && sig.name == "" {
		sig.name = strings.ToLower(v.Name())
	}
	if v, ok := err.(retryableFlager); ok && sig.isRetryable == nil {
		b := v.Retryable()
		sig.isRetryable = &b
	}
	if v, ok := err.(abortReasoner); ok && sig.abortReason == "" {
		sig.abortReason = strings.ToLower(v.RetryErrorReason())
	}
	if v, ok := err.(headerCarrier); ok && sig.headers == nil {
		if h := v.ResponseHeaders(); len(h) > 0 {
			sig.headers = make(map[string]string, len(h))
			for k, val := range h {
				sig.headers[strings.ToLower(k)] = val
			}
		}
	}
	if v, ok := err.(bodyCarrier); ok && sig.body == "" {
		sig.body = v.ResponseBody()
	}
	var netErr net.Error
	if sig.code == "" && errors.As(err, &netErr) {
		if netErr.Timeout() {
			sig.code = "ETIMEDOUT"
		}
	}
	var opErr *net.OpError
	if sig.code == "" && errors.As(err, &opErr) {
		sig.code = "ECONNRESET"
	}
	var dnsErr *net.DNSError
	if sig.code == "" && errors.As(err, &dnsErr) {
		sig.code = "ENOTFOUND"
	}
}

var (
	overflowPatterns = []string{
		"prompt is too long",
		"exceeds the context window",
		"context length",
		"maximum context length",
		"input is too long",
		"too many tokens",
	}
	overflowStatusRe = regexp.MustCompile(`^4(00|13) status code \(no body\)`)

	overflowCodes = map[string]struct{}{
		"context_length_exceeded":    {},
		"prompt_too_long":            {},
		"max_tokens_exceeded":        {},
		"token_limit_exceeded":       {},
		"context_window_exceeded":    {},
		"request_too_large":          {},
		"message_length_exceeds":     {},
		"input_length_exceeded":      {},
		"validation_prompt_too_long": {},
	}

	creditPatterns = []string{
		"insufficient credits",
		"credit balance is too low",
		"insufficient_quota",
		"exceeded your current quota",
		"billing",
		"payment required",
	}

	authPatterns = []string{
		"invalid api key",
		"incorrect api key",
		"authentication",
		"unauthorized",
		"permission denied",
		"forbidden",
	}

	rateLimitPatterns = []string{
		"rate limit",
		"rate_limit",
		"too many requests",
		"overloaded",
	}

	networkCodes = map[string]struct{}{
		"ECONNRESET":         {},
		"ECONNREFUSED":       {},
		"ETIMEDOUT":          {},
		"EHOSTUNREACH":       {},
		"EPIPE":              {},
		"ENOTFOUND":          {},
		"CONNECTIONREFUSED":  {},
		"CONNECTIONCLOSED":   {},
		"FAILEDTOOPENSOCKET": {},
	}

	networkPatterns = []string{
		"connection reset",
		"connection refused",
		"connection closed",
		"socket hang up",
		"network error",
		"fetch failed",
		"econnreset",
		"etimedout",
	}

	abortNames = map[string]struct{}{
		"aborterror":      {},
		"responseaborted": {},
		"timeouterror":    {},
	}

	invalidRequestPatterns = []string{
		"invalid request",
		"invalid_request_error",
		"malformed",
		"unprocessable",
	}
)

// assignKind applies the classification rules in order; the first match wins.
func assignKind(sig signals) Classification {
	msg := sig.message

	// 1. Abort-like failures are never retried and never escalated.
	if sig.abortReason == "abort" {
		return Classification{Kind: KindUnknown}
	}
	if _, ok := abortNames[sig.name]; ok {
		return Classification{Kind: KindUnknown}
	}
	if strings.Contains(msg, "request was aborted") {
		return Classification{Kind: KindUnknown}
	}

	// 2. Context window overflow.
	if _, ok := overflowCodes[strings.ToLower(sig.providerCode)]; ok {
		return Classification{Kind: KindContextWindowExceeded, RequiresExplicitHandling: true}
	}
	if matchAny(msg, overflowPatterns) || overflowStatusRe.MatchString(msg) {
		return Classification{Kind: KindContextWindowExceeded, RequiresExplicitHandling: true}
	}

	// 3. Credits / quota.
	if matchAny(msg, creditPatterns) || strings.ToLower(sig.providerType) == "insufficient_quota" {
		return Classification{Kind: KindInsufficientCredits, RequiresExplicitHandling: true}
	}

	// 4. Authentication.
	if sig.status == 401 || sig.status == 403 || matchAny(msg, authPatterns) {
		return Classification{Kind: KindAuth, RequiresExplicitHandling: true}
	}

	// 5. Rate limiting.
	if sig.status == 429 || matchAny(msg, rateLimitPatterns) {
		return Classification{Kind: KindRateLimited, Retryable: true}
	}

	// 6. Provider server errors.
	if sig.status >= 500 && sig.status <= 599 {
		return Classification{Kind: KindProvider5xx, Retryable: true}
	}

	// 7. Request timeout / conflict.
	if sig.status == 408 || sig.status == 409 {
		return Classification{Kind: KindNetwork, Retryable: true}
	}

	// 8. Network failures.
	if _, ok := networkCodes[sig.code]; ok {
		return Classification{Kind: KindNetwork, Retryable: true}
	}
	if matchAny(msg, networkPatterns) {
		return Classification{Kind: KindNetwork, Retryable: true}
	}
	if sig.isRetryable != nil && *sig.isRetryable && !sig.hasStatus {
		return Classification{Kind: KindNetwork, Retryable: true}
	}

	// 9. Invalid request.
	if sig.status == 400 || sig.status == 422 || matchAny(msg, invalidRequestPatterns) {
		return Classification{Kind: KindInvalidRequest, RequiresExplicitHandling: true}
	}

	// 10. Fallback.
	return Classification{Kind: KindUnknown}
}

func matchAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// retryAfter extracts the provider-requested delay from lowercased response
// headers. retry-after-ms takes precedence over retry-after; values above 60s,
// negative values, and malformed values are ignored.
func retryAfter(headers map[string]string) (time.Duration, bool) {
	if len(headers) == 0 {
		return 0, false
	}
	if v, ok := headers["retry-after-ms"]; ok {
		if ms, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			d := time.Duration(ms) * time.Millisecond
			if d >= 0 && d <= maxRetryAfter {
				return d, true
			}
		}
	}
	v, ok := headers["retry-after"]
	if !ok {
		return 0, false
	}
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		d := time.Duration(secs * float64(time.Second))
		if d >= 0 && d <= maxRetryAfter {
			return d, true
		}
		return 0, false
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d, true
	}
	return 0, false
}

// parseProviderError extracts a provider error code and type out of a JSON
// response body of the common {"error": {"code": ..., "type": ...}} shape.
func parseProviderError(body string) (code, typ string) {
	var payload struct {
		Error struct {
			Code string `json:"code"`
			Type string `json:"type"`
		} `json:"error"`
		Code string `json:"code"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return "", ""
	}
	code = payload.Error.Code
	if code == "" {
		code = payload.Code
	}
	typ = payload.Error.Type
	if typ == "" {
		typ = payload.Type
	}
	return strings.ToLower(code), strings.ToLower(typ)
}
