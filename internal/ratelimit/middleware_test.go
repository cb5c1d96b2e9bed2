package ratelimit

import "testing"

func TestHTTPLimiterAllow(t *testing.T) {
	l := NewHTTPLimiter(60, 3)
	defer l.Stop()

	// Burst of 3, then empty.
	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d within burst denied", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("request past burst allowed")
	}

	// Buckets are per client.
	if !l.Allow("10.0.0.2") {
		t.Error("fresh client denied")
	}
}
