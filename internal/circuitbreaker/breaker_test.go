package circuitbreaker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream down")
var errClient = errors.New("bad request")

func newTestBreaker() *CircuitBreaker {
	return New(Config{
		MaxFailures: 3,
		Cooldown:    50 * time.Millisecond,
		IsFailure:   func(err error) bool { return errors.Is(err, errUpstream) },
	})
}

func TestOpensAfterMaxFailures(t *testing.T) {
	cb := newTestBreaker()

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return errUpstream }); !errors.Is(err, errUpstream) {
			t.Fatalf("Call returned %v, want the upstream error", err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open circuit returned %v, want ErrCircuitOpen", err)
	}
}

func TestClassifierIgnoresClientErrors(t *testing.T) {
	cb := newTestBreaker()

	// Client errors pass through without counting toward the threshold
	for i := 0; i < 10; i++ {
		if err := cb.Call(func() error { return errClient }); !errors.Is(err, errClient) {
			t.Fatalf("Call returned %v, want the client error", err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after non-failure errors", cb.State())
	}
}

func TestClientErrorResetsFailureCount(t *testing.T) {
	cb := newTestBreaker()

	cb.Call(func() error { return errUpstream })
	cb.Call(func() error { return errUpstream })

	// The upstream answered, so its failure streak is over
	cb.Call(func() error { return errClient })

	cb.Call(func() error { return errUpstream })
	cb.Call(func() error { return errUpstream })

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed (streak was broken)", cb.State())
	}
	if m := cb.Metrics(); m.FailureCount != 2 {
		t.Errorf("failure count = %d, want 2", m.FailureCount)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := newTestBreaker()

	for i := 0; i < 3; i++ {
		cb.Call(func() error { return errUpstream })
	}
	time.Sleep(60 * time.Millisecond)

	// A failed trial call reopens
	cb.Call(func() error { return errUpstream })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after failed trial call", cb.State())
	}

	time.Sleep(60 * time.Millisecond)

	// A successful trial call closes
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after successful trial call", cb.State())
	}
}

func TestReset(t *testing.T) {
	cb := newTestBreaker()

	for i := 0; i < 3; i++ {
		cb.Call(func() error { return errUpstream })
	}
	cb.Reset()

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after Reset", cb.State())
	}
	if m := cb.Metrics(); m.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0", m.FailureCount)
	}
}

func TestStateMarshalsAsName(t *testing.T) {
	out, err := json.Marshal(StateHalfOpen)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(out) != `"half-open"` {
		t.Errorf("marshaled as %s, want \"half-open\"", out)
	}
}
