package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestClassifyNil(t *testing.T) {
	c := Classify(nil)
	require.Equal(t, KindUnknown, c.Kind)
	require.False(t, c.Retryable)
}

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		status    int
		kind      Kind
		retryable bool
		explicit  bool
	}{
		{401, KindAuth, false, true},
		{403, KindAuth, false, true},
		{429, KindRateLimited, true, false},
		{500, KindProvider5xx, true, false},
		{503, KindProvider5xx, true, false},
		{599, KindProvider5xx, true, false},
		{408, KindNetwork, true, false},
		{409, KindNetwork, true, false},
		{400, KindInvalidRequest, false, true},
		{422, KindInvalidRequest, false, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			err := NewProviderError("test", "stream", tc.status, "", "boom", nil)
			c := Classify(err)
			require.Equal(t, tc.kind, c.Kind)
			require.Equal(t, tc.retryable, c.Retryable)
			require.Equal(t, tc.explicit, c.RequiresExplicitHandling)
		})
	}
}

func TestClassifyContextWindow(t *testing.T) {
	err := NewProviderError("test", "stream", 400, "", "prompt is too long: 250000 tokens", nil)
	c := Classify(err)
	require.Equal(t, KindContextWindowExceeded, c.Kind)
	require.False(t, c.Retryable)
	require.True(t, c.RequiresExplicitHandling)
}

func TestClassifyContextWindowStatusPattern(t *testing.T) {
	c := Classify(errors.New("400 status code (no body)"))
	require.Equal(t, KindContextWindowExceeded, c.Kind)
	c = Classify(errors.New("413 status code (no body)"))
	require.Equal(t, KindContextWindowExceeded, c.Kind)
}

func TestClassifyProviderCodeFromBody(t *testing.T) {
	err := NewProviderError("openai", "stream", 400, "", "bad request", nil).
		WithResponse(nil, `{"error":{"code":"context_length_exceeded","type":"invalid_request_error"}}`)
	c := Classify(err)
	require.Equal(t, KindContextWindowExceeded, c.Kind)
}

func TestClassifyCredits(t *testing.T) {
	c := Classify(errors.New("your credit balance is too low to access the API"))
	require.Equal(t, KindInsufficientCredits, c.Kind)
	require.True(t, c.RequiresExplicitHandling)
}

func TestClassifyAbortWinsOverStatus(t *testing.T) {
	err := &namedError{name: "AbortError", msg: "request was aborted", status: 500}
	c := Classify(err)
	require.Equal(t, KindUnknown, c.Kind)
	require.False(t, c.Retryable)
	require.False(t, c.RequiresExplicitHandling)
}

func TestClassifyNetworkCode(t *testing.T) {
	c := Classify(&codedError{code: "ECONNRESET", msg: "socket closed"})
	require.Equal(t, KindNetwork, c.Kind)
	require.True(t, c.Retryable)
}

func TestClassifyRetryableHintWithoutStatus(t *testing.T) {
	err := NewProviderError("test", "stream", 0, "", "mysterious transient thing", nil).WithRetryable(true)
	c := Classify(err)
	require.Equal(t, KindNetwork, c.Kind)
	require.True(t, c.Retryable)
}

func TestClassifyUnknownFallback(t *testing.T) {
	c := Classify(errors.New("something odd happened"))
	require.Equal(t, KindUnknown, c.Kind)
	require.False(t, c.Retryable)
}

func TestRetryAfterMilliseconds(t *testing.T) {
	err := NewProviderError("test", "stream", 429, "", "rate limited", nil).
		WithResponse(map[string]string{"Retry-After-Ms": "1500"}, "")
	c := Classify(err)
	require.NotNil(t, c.RetryAfter)
	require.Equal(t, 1500*time.Millisecond, *c.RetryAfter)
}

func TestRetryAfterSeconds(t *testing.T) {
	err := NewProviderError("test", "stream", 429, "", "rate limited", nil).
		WithResponse(map[string]string{"retry-after": "2.5"}, "")
	c := Classify(err)
	require.NotNil(t, c.RetryAfter)
	require.Equal(t, 2500*time.Millisecond, *c.RetryAfter)
}

func TestRetryAfterBounds(t *testing.T) {
	for _, v := range []string{"60001", "-5", "banana"} {
		d, ok := retryAfter(map[string]string{"retry-after-ms": v})
		require.False(t, ok, "value %q should be ignored, got %v", v, d)
	}
	d, ok := retryAfter(map[string]string{"retry-after-ms": "60000"})
	require.True(t, ok)
	require.Equal(t, 60*time.Second, d)
	d, ok = retryAfter(map[string]string{"retry-after-ms": "0"})
	require.True(t, ok)
	require.Equal(t, time.Duration(0), d)
}

func TestRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(10 * time.Second).UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	d, ok := retryAfter(map[string]string{"retry-after": future})
	require.True(t, ok)
	require.Greater(t, d, 5*time.Second)
	require.LessOrEqual(t, d, maxRetryAfter)

	past := time.Now().Add(-10 * time.Second).UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	d, ok = retryAfter(map[string]string{"retry-after": past})
	require.True(t, ok)
	require.Equal(t, time.Duration(0), d)
}

func TestToolRetryablePredicate(t *testing.T) {
	require.True(t, ToolRetryable(NewProviderError("svc", "call", 503, "", "unavailable", nil)))
	require.True(t, ToolRetryable(NewProviderError("svc", "call", 429, "", "slow down", nil)))
	require.True(t, ToolRetryable(NewProviderError("svc", "call", 409, "", "conflict", nil)))
	require.False(t, ToolRetryable(NewProviderError("svc", "call", 404, "", "missing", nil)))
	require.False(t, ToolRetryable(NewProviderError("svc", "call", 400, "", "bad", nil)))
	require.True(t, ToolRetryable(&codedError{code: "ECONNREFUSED", msg: "nope"}))
	require.False(t, ToolRetryable(nil))
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "Unknown error", Normalize(nil))
	require.Equal(t, "Unknown error", Normalize(errors.New("  ")))
	require.Equal(t, "boom", Normalize(errors.New("boom")))
}

// TestClassifyTotalProperty checks that every error value maps to exactly one
// kind and that flags stay consistent: explicit-handling kinds are never
// retryable.
func TestClassifyTotalProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("classification is total and consistent", prop.ForAll(
		func(msg string, status int) bool {
			err := NewProviderError("p", "op", status%600, "", msg, nil)
			c := Classify(err)
			if c.Kind == "" {
				return false
			}
			if c.RequiresExplicitHandling && c.Retryable {
				return false
			}
			return true
		},
		gen.AnyString(),
		gen.IntRange(0, 10_000),
	))

	properties.Property("jitter delay stays within [0, computed]", prop.ForAll(
		func(attempt int) bool {
			b := DefaultStreamBackoff()
			d := b.Delay(attempt)
			return d >= 0 && d <= 4*time.Second
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestBackoffFormula(t *testing.T) {
	b := Exponential(250*time.Millisecond, 2, 4*time.Second)
	b.Jitter = false
	require.Equal(t, 250*time.Millisecond, b.Delay(1))
	require.Equal(t, 500*time.Millisecond, b.Delay(2))
	require.Equal(t, 1000*time.Millisecond, b.Delay(3))
	require.Equal(t, 4*time.Second, b.Delay(10))
}

func TestFixedBackoff(t *testing.T) {
	b := Fixed(300*time.Millisecond, false)
	require.Equal(t, 300*time.Millisecond, b.Delay(1))
	require.Equal(t, 300*time.Millisecond, b.Delay(5))
}

type namedError struct {
	name   string
	msg    string
	status int
}

func (e *namedError) Error() string   { return e.msg }
func (e *namedError) Name() string    { return e.name }
func (e *namedError) HTTPStatus() int { return e.status }

type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() string  { return e.code }
