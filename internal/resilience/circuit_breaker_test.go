package resilience

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("tutor-api", maxFailures, reset)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected closed breaker to allow requests")
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Fatal("Expected breaker to stay closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected open after 3 failures, got %s", cb.GetState())
	}

	err := cb.Call(func() error {
		t.Error("fn must not run while the breaker is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)
	cb.RecordResult(false)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed since failures were not consecutive, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb, clock := newTestBreaker(2, 100*time.Millisecond)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Fatal("Expected breaker to be open")
	}

	clock.advance(150 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return nil }); err != nil {
			t.Fatalf("Probe %d failed: %v", i, err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed after successful probes, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(2, 100*time.Millisecond)

	cb.RecordResult(false)
	cb.RecordResult(false)
	clock.advance(150 * time.Millisecond)

	probeErr := errors.New("connection refused")
	if err := cb.Call(func() error { return probeErr }); !errors.Is(err, probeErr) {
		t.Fatalf("Expected probe error, got %v", err)
	}

	if cb.GetState() != StateOpen {
		t.Errorf("Expected open after failed probe, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)

	cb.RecordResult(false)
	clock.advance(150 * time.Millisecond)

	allowed := 0
	for i := 0; i < 5; i++ {
		if cb.allowRequest() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("Expected 3 probes in half-open, got %d", allowed)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(1, 50*time.Millisecond)

	var seen []CircuitState
	cb.OnStateChange(func(name string, state CircuitState) {
		if name != "tutor-api" {
			t.Errorf("Expected name tutor-api, got %s", name)
		}
		seen = append(seen, state)
	})

	cb.RecordResult(false)
	clock.advance(time.Second)
	cb.allowRequest()
	cb.RecordResult(false)

	want := []CircuitState{StateOpen, StateHalfOpen, StateOpen}
	if len(seen) != len(want) {
		t.Fatalf("Expected %d transitions, got %v", len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb, _ := newTestBreaker(10, time.Second)

	cb.RecordResult(true)
	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requests, failures, rate := cb.GetStats()
	if state != StateClosed {
		t.Errorf("Expected closed, got %s", state)
	}
	if requests != 4 {
		t.Errorf("Expected 4 requests, got %d", requests)
	}
	if failures != 2 {
		t.Errorf("Expected 2 failures, got %d", failures)
	}
	if rate != 50.0 {
		t.Errorf("Expected failure rate 50, got %f", rate)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Fatal("Expected breaker to be open")
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed after reset, got %s", cb.GetState())
	}
	if _, requests, _, _ := cb.GetStats(); requests != 0 {
		t.Errorf("Expected stats cleared, got %d requests", requests)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		StateClosed:     "closed",
		StateOpen:       "open",
		StateHalfOpen:   "half-open",
		CircuitState(9): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	}
}
