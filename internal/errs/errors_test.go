package errs

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireDataCarriesKindAndSuggestion(t *testing.T) {
	e := FeatureUnavailable("threat_enrichment", "threat_intel_api")
	data := e.WireData()

	assert.Equal(t, "feature_unavailable", data["kind"])
	assert.Equal(t, "threat_intel_api", data["service"])
	assert.NotEmpty(t, data["suggestion"])
	assert.Equal(t, CodeFeatureUnavailable, e.Code)
}

func TestValidationCarriesFieldDetail(t *testing.T) {
	e := Validation("bad arguments", map[string]string{
		"source_ip": "unknown field, did you mean source_ip?",
	})
	data := e.WireData()

	fields, ok := data["fields"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, fields, "source_ip")
	assert.Equal(t, CodeValidation, e.Code)
}

func TestRateLimitedHasPositiveRetryAfter(t *testing.T) {
	e := RateLimited(200 * time.Millisecond)
	data := e.WireData()

	retry, ok := data["retry_after_seconds"].(float64)
	require.True(t, ok)
	assert.Greater(t, retry, 0.0)
}

func TestSentinelMatching(t *testing.T) {
	assert.ErrorIs(t, AuthExpired(), ErrAuthRequired)
	assert.ErrorIs(t, AuthRevoked(), ErrAuthRequired)
	assert.ErrorIs(t, ResourceNotFound("dshield://x"), ErrNotFound)
	assert.ErrorIs(t, CircuitOpen("elasticsearch"), ErrCircuitOpen)
	assert.ErrorIs(t, Timeout(time.Second), ErrTimeout)
	assert.NotErrorIs(t, Internal(nil), ErrTimeout)
}

func TestClassifyPassesTypedErrorsThrough(t *testing.T) {
	orig := CircuitOpen("elasticsearch")
	got := Classify("elasticsearch", fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, got)
}

func TestClassifyDeadline(t *testing.T) {
	got := Classify("elasticsearch", context.DeadlineExceeded)
	assert.Equal(t, CodeTimeout, got.Code)
	assert.Equal(t, KindTimeout, got.Kind)
}

func TestClassifyConnectionRefused(t *testing.T) {
	got := Classify("threat_intel_api", fmt.Errorf("dial: %w", syscall.ECONNREFUSED))
	assert.Equal(t, CodeExternalService, got.Code)
	assert.Equal(t, "threat_intel_api", got.Service)
	assert.True(t, got.Retryable)
}

func TestClassifyUnknownIsInternal(t *testing.T) {
	got := Classify("", errors.New("nil pointer somewhere"))
	assert.Equal(t, CodeInternal, got.Code)
	assert.Equal(t, "internal server error", got.Message)
}

func TestMatchedFailurePredicate(t *testing.T) {
	assert.True(t, IsMatchedFailure(External("es", errors.New("boom"))))
	assert.True(t, IsMatchedFailure(Timeout(time.Second)))
	assert.True(t, IsMatchedFailure(context.DeadlineExceeded))
	assert.True(t, IsMatchedFailure(syscall.ECONNRESET))

	assert.False(t, IsMatchedFailure(nil))
	assert.False(t, IsMatchedFailure(Validation("bad", nil)))
	assert.False(t, IsMatchedFailure(ResourceNotFound("x")))
	assert.False(t, IsMatchedFailure(AccessDenied("admin")))
	assert.False(t, IsMatchedFailure(RateLimited(time.Second)))
}

func TestIsCanceled(t *testing.T) {
	assert.True(t, IsCanceled(context.Canceled))
	assert.True(t, IsCanceled(Classify("", context.Canceled)))
	assert.False(t, IsCanceled(context.DeadlineExceeded))
}

func TestMessagesLeakNothing(t *testing.T) {
	cause := errors.New("password=hunter2 at /internal/secret.go:42")
	e := Internal(cause)

	assert.NotContains(t, e.Message, "hunter2")
	for _, v := range e.WireData() {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "hunter2")
		}
	}
}
