// Package counter tracks time-windowed counts and monetary sums per
// identifier+action. The Store is the durable collaborator; Velocity layers
// the window bookkeeping on top of it.
//
// Counts and sums are monotonically non-decreasing within a window and never
// negative. Increment is atomic increment-and-return: two concurrent callers
// can never both observe the same pre-increment count.
package counter

import (
	"context"
	"errors"

	"github.com/perimetra/riskgate/internal/identifier"
)

// Errors
var (
	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached. Callers treat this as a SystemError and fail closed unless
	// configured otherwise.
	ErrStoreUnavailable = errors.New("counter: store unavailable")
)

// Usage is the accumulated activity in one window bucket.
type Usage struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
}

// Store is a durable, TTL-capable increment/read store. Implementations must
// guarantee that Increment serialises per key: after N concurrent Increment
// calls the returned count of the last is N, with no lost updates.
type Store interface {
	// Increment atomically adds one count and amount to the bucket at key,
	// creating it (with the given window's TTL) if absent or expired, and
	// returns the post-increment usage.
	Increment(ctx context.Context, key string, amount float64, window identifier.Window) (Usage, error)

	// Read returns the current usage for key, or a zero Usage if the bucket
	// is absent or expired.
	Read(ctx context.Context, key string) (Usage, error)
}
