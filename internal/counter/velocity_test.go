package counter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/perimetra/riskgate/internal/identifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingStore errors on every call.
type failingStore struct{}

func (failingStore) Increment(ctx context.Context, key string, amount float64, w identifier.Window) (Usage, error) {
	return Usage{}, errors.New("store down")
}

func (failingStore) Read(ctx context.Context, key string) (Usage, error) {
	return Usage{}, errors.New("store down")
}

func TestVelocityRecordAndQuery(t *testing.T) {
	v := NewVelocity(NewMemoryStore(), testLogger())
	ctx := context.Background()
	id := identifier.MustNew(identifier.KindUser, "u1")
	now := time.Now()

	for i := 0; i < 3; i++ {
		if err := v.Record(ctx, id, "payment", 20.00, now); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	u, err := v.Query(ctx, id, "payment", identifier.WindowHour)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if u.Count != 3 || u.Sum != 60.00 {
		t.Errorf("hour usage = %+v, want count 3 sum 60", u)
	}

	// Other actions and identifiers stay isolated.
	other, _ := v.Query(ctx, id, "login", identifier.WindowHour)
	if other.Count != 0 {
		t.Errorf("login usage = %+v, want zero", other)
	}
	stranger, _ := v.Query(ctx, identifier.MustNew(identifier.KindUser, "u2"), "payment", identifier.WindowHour)
	if stranger.Count != 0 {
		t.Errorf("stranger usage = %+v, want zero", stranger)
	}
}

func TestVelocityQueryAll(t *testing.T) {
	v := NewVelocity(NewMemoryStore(), testLogger())
	ctx := context.Background()
	id := identifier.MustNew(identifier.KindIP, "203.0.113.7")

	if err := v.Record(ctx, id, "checkout", 99.99, time.Now()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	all, err := v.QueryAll(ctx, id, "checkout")
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	if len(all) != len(DefaultWindows) {
		t.Fatalf("QueryAll returned %d windows, want %d", len(all), len(DefaultWindows))
	}
	for _, w := range DefaultWindows {
		u, ok := all[w.Size]
		if !ok {
			t.Fatalf("missing window %s", w)
		}
		if u.Count != 1 || u.Sum != 99.99 {
			t.Errorf("window %s usage = %+v, want count 1 sum 99.99", w, u)
		}
	}
}

func TestVelocityWithWindows(t *testing.T) {
	v := NewVelocity(NewMemoryStore(), testLogger()).
		WithWindows(identifier.WindowMinute)

	if got := len(v.Windows()); got != 1 {
		t.Fatalf("Windows() len = %d, want 1", got)
	}

	all, err := v.QueryAll(context.Background(), identifier.MustNew(identifier.KindUser, "u1"), "payment")
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("QueryAll returned %d windows, want 1", len(all))
	}
}

func TestVelocityBreakerOpens(t *testing.T) {
	v := NewVelocity(failingStore{}, testLogger())
	ctx := context.Background()
	id := identifier.MustNew(identifier.KindUser, "u1")

	// Each failed Record trips one breaker failure; after the threshold the
	// breaker opens and calls short-circuit with ErrStoreUnavailable.
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = v.Record(ctx, id, "payment", 1, time.Now())
		if lastErr == nil {
			t.Fatal("Record against failing store succeeded")
		}
	}
	if !errors.Is(lastErr, ErrStoreUnavailable) {
		t.Errorf("after repeated failures err = %v, want ErrStoreUnavailable", lastErr)
	}

	if _, err := v.Query(ctx, id, "payment", identifier.WindowHour); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Query with open breaker err = %v, want ErrStoreUnavailable", err)
	}
}
