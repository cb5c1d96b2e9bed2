package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_ClosedAllows(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("counter_store") {
		t.Fatal("expected closed circuit to allow")
	}
	if b.State("counter_store") != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State("counter_store"))
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("counter_store")
	b.RecordFailure("counter_store")
	if !b.Allow("counter_store") {
		t.Fatal("should still allow below threshold")
	}

	b.RecordFailure("counter_store")
	if b.Allow("counter_store") {
		t.Fatal("should reject after threshold failures")
	}
	if b.State("counter_store") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("counter_store"))
	}
}

func TestBreaker_ProbeAfterCoolOff(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("counter_store")
	b.RecordFailure("counter_store")
	if b.Allow("counter_store") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("counter_store") {
		t.Fatal("should admit one probe after cool-off")
	}
	if b.State("counter_store") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("counter_store"))
	}
	if b.Allow("counter_store") {
		t.Fatal("should reject while the probe is in flight")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("counter_store")
	b.RecordFailure("counter_store")
	time.Sleep(60 * time.Millisecond)
	b.Allow("counter_store") // half-open

	b.RecordSuccess("counter_store")
	if b.State("counter_store") != StateClosed {
		t.Fatalf("expected StateClosed after successful probe, got %v", b.State("counter_store"))
	}
	if !b.Allow("counter_store") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("counter_store")
	b.RecordFailure("counter_store")
	time.Sleep(60 * time.Millisecond)
	b.Allow("counter_store") // half-open

	b.RecordFailure("counter_store")
	if b.State("counter_store") != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State("counter_store"))
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("counter_store")
	b.RecordFailure("counter_store")
	b.RecordSuccess("counter_store")

	// Counter was reset, one more failure must not trip the circuit.
	b.RecordFailure("counter_store")
	if !b.Allow("counter_store") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("counter_store")
	b.RecordFailure("counter_store")

	if b.Allow("counter_store") {
		t.Fatal("counter_store should be open")
	}
	if !b.Allow("state_store") {
		t.Fatal("state_store should be unaffected")
	}
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("never_seen") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("never_seen"))
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
