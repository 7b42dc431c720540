package retry

import "strings"

// ToolRetryable is the default retry predicate for sync tool execution
// failures. It retries request timeouts, conflicts, throttling and server
// errors plus recognizable network failures, and refuses every other client
// error.
func ToolRetryable(err error) bool {
	if err == nil {
		return false
	}
	sig := extract(err)
	if sig.hasStatus {
		switch {
		case sig.status == 408, sig.status == 409, sig.status == 429:
			return true
		case sig.status >= 500 && sig.status <= 599:
			return true
		case sig.status >= 400 && sig.status <= 499:
			return false
		}
	}
	if _, ok := networkCodes[sig.code]; ok {
		return true
	}
	if matchAny(sig.message, networkPatterns) || matchAny(sig.message, rateLimitPatterns) {
		return true
	}
	if strings.Contains(sig.message, "internal server error") || strings.Contains(sig.message, "service unavailable") {
		return true
	}
	return false
}
