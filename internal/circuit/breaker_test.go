package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/driftsec/dshield-mcp/internal/errs"
)

func connErr() error {
	return errs.External("elasticsearch", errors.New("connection refused"))
}

// fixedClock lets tests drive the recovery window without sleeping.
type fixedClock struct {
	at time.Time
}

func (c *fixedClock) now() time.Time { return c.at }

func (c *fixedClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fixedClock) {
	b := NewBreaker("elasticsearch", cfg)
	clock := &fixedClock{at: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	b.now = clock.now
	return b, clock
}

func TestBreakerInitialState(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())

	if b.State() != StateClosed {
		t.Errorf("initial state = %s, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("Allow() = false in closed state")
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	b, _ := newTestBreaker(cfg)

	b.RecordFailure(connErr())
	b.RecordFailure(connErr())
	if b.State() != StateClosed {
		t.Fatalf("state after 2 failures = %s, want closed", b.State())
	}

	b.RecordFailure(connErr())
	if b.State() != StateOpen {
		t.Fatalf("state after 3 failures = %s, want open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() = true while open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	b, _ := newTestBreaker(cfg)

	b.RecordFailure(connErr())
	b.RecordFailure(connErr())
	b.RecordSuccess()
	b.RecordFailure(connErr())
	b.RecordFailure(connErr())

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after reset", b.State())
	}
}

func TestBreakerIgnoresUnmatchedErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	b, _ := newTestBreaker(cfg)

	for i := 0; i < 10; i++ {
		b.RecordFailure(errs.Validation("bad input", nil))
		b.RecordFailure(errs.ResourceNotFound("x"))
	}

	if b.State() != StateClosed {
		t.Errorf("state = %s, validation errors must not trip the breaker", b.State())
	}
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = time.Minute
	b, clock := newTestBreaker(cfg)

	b.RecordFailure(connErr())
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	clock.advance(59 * time.Second)
	if b.Allow() {
		t.Fatal("Allow() = true before recovery timeout")
	}

	clock.advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("Allow() = false after recovery timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	// First caller holds the probe slot; concurrent callers are rejected.
	if b.Allow() {
		t.Error("Allow() = true while probe in flight")
	}
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 2
	cfg.RecoveryTimeout = time.Minute
	b, clock := newTestBreaker(cfg)

	b.RecordFailure(connErr())
	clock.advance(61 * time.Second)

	if !b.Allow() {
		t.Fatal("probe not admitted")
	}
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s after 1 success, want half_open", b.State())
	}

	if !b.Allow() {
		t.Fatal("second probe not admitted")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s after 2 successes, want closed", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = time.Minute
	b, clock := newTestBreaker(cfg)

	b.RecordFailure(connErr())
	clock.advance(61 * time.Second)
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}

	b.RecordFailure(connErr())
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after half-open failure", b.State())
	}

	// openedAt was reset: a fresh full window must elapse.
	clock.advance(30 * time.Second)
	if b.Allow() {
		t.Error("Allow() = true before the new recovery window elapsed")
	}
	clock.advance(31 * time.Second)
	if !b.Allow() {
		t.Error("Allow() = false after the new recovery window")
	}
}

func TestBreakerUnmatchedErrorReleasesProbe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = time.Minute
	b, clock := newTestBreaker(cfg)

	b.RecordFailure(connErr())
	clock.advance(61 * time.Second)
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}

	// A validation failure during the probe releases the slot but keeps half-open.
	b.RecordFailure(errs.Validation("bad", nil))
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	if !b.Allow() {
		t.Error("probe slot not released after unmatched error")
	}
}

func TestBreakerExecuteFailsFastWhileOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	b, _ := newTestBreaker(cfg)
	b.RecordFailure(connErr())

	called := false
	start := time.Now()
	err := b.Execute(func() error {
		called = true
		return nil
	})
	elapsed := time.Since(start)

	if called {
		t.Error("operation invoked while breaker open")
	}
	if !errors.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("err = %v, want circuit-open", err)
	}
	var typed *errs.Error
	if !errors.As(err, &typed) || typed.Code != errs.CodeCircuitOpen {
		t.Fatalf("err code = %v, want %d", err, errs.CodeCircuitOpen)
	}
	if typed.Service != "elasticsearch" {
		t.Errorf("service = %q", typed.Service)
	}
	if elapsed > 50*time.Millisecond {
		t.Errorf("fast-fail took %s", elapsed)
	}
}

func TestBreakerExecuteRecordsOutcomes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	b, _ := newTestBreaker(cfg)

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute success: %v", err)
	}
	if err := b.Execute(func() error { return connErr() }); err == nil {
		t.Fatal("Execute swallowed the failure")
	}

	status := b.GetStatus()
	if status.TotalSuccesses != 1 || status.TotalFailures != 1 {
		t.Fatalf("totals = %d/%d, want 1/1", status.TotalSuccesses, status.TotalFailures)
	}
}

func TestBreakerStatusRetryAfter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = time.Minute
	b, clock := newTestBreaker(cfg)

	b.RecordFailure(connErr())
	clock.advance(20 * time.Second)

	status := b.GetStatus()
	if status.State != "open" {
		t.Fatalf("state = %s", status.State)
	}
	if status.RetryAfterSeconds < 39 || status.RetryAfterSeconds > 41 {
		t.Errorf("retry_after_seconds = %v, want ~40", status.RetryAfterSeconds)
	}
}

func TestBreakerReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	b, _ := newTestBreaker(cfg)

	b.RecordFailure(connErr())
	b.Reset()

	if b.State() != StateClosed {
		t.Fatalf("state = %s after reset", b.State())
	}
	if !b.Allow() {
		t.Error("Allow() = false after reset")
	}
}

func TestGroupStatusesSorted(t *testing.T) {
	g := NewGroup()
	g.Add(NewBreaker("threat_intel_api", DefaultConfig()))
	g.Add(NewBreaker("elasticsearch", DefaultConfig()))
	g.Add(NewBreaker("report_renderer", DefaultConfig()))

	statuses := g.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("len = %d", len(statuses))
	}
	want := []string{"elasticsearch", "report_renderer", "threat_intel_api"}
	for i, name := range want {
		if statuses[i].Name != name {
			t.Errorf("statuses[%d] = %s, want %s", i, statuses[i].Name, name)
		}
	}

	if g.Get("elasticsearch") == nil {
		t.Error("Get(elasticsearch) = nil")
	}
	if g.Get("missing") != nil {
		t.Error("Get(missing) != nil")
	}
}
