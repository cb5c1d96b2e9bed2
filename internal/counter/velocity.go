package counter

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/perimetra/riskgate/internal/circuitbreaker"
	"github.com/perimetra/riskgate/internal/identifier"
)

var (
	counterStoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskgate",
		Subsystem: "counter",
		Name:      "store_errors_total",
		Help:      "Total counter store failures by operation.",
	}, []string{"op"})

	counterStoreRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskgate",
		Subsystem: "counter",
		Name:      "store_rejected_total",
		Help:      "Total counter store calls rejected by the open circuit breaker.",
	})
)

func init() {
	prometheus.MustRegister(counterStoreErrors, counterStoreRejected)
}

// breakerKey is the circuit breaker key shared by all counter store calls.
const breakerKey = "counter_store"

// DefaultWindows are the bucket sizes maintained for every recorded action.
var DefaultWindows = []identifier.Window{
	identifier.WindowMinute,
	identifier.WindowHour,
	identifier.WindowDay,
	identifier.WindowWeek,
}

// TrackedWindow reports whether d is a window size the counter maintains
// buckets for. Rules naming any other window would read empty usage, so
// rule validation rejects them.
func TrackedWindow(d time.Duration) bool {
	for _, w := range DefaultWindows {
		if w.Size == d {
			return true
		}
	}
	return false
}

// TrackedWindowSeconds lists the maintained window sizes in seconds, for
// error messages.
func TrackedWindowSeconds() []int64 {
	out := make([]int64, len(DefaultWindows))
	for i, w := range DefaultWindows {
		out[i] = int64(w.Size / time.Second)
	}
	return out
}

// Velocity computes sliding time-window counts and sums per identifier+action
// on top of a Store. All store traffic goes through a circuit breaker so a
// dead store degrades to fast ErrStoreUnavailable errors instead of hanging
// every evaluation.
type Velocity struct {
	store   Store
	breaker *circuitbreaker.Breaker
	windows []identifier.Window
	logger  *slog.Logger
}

// NewVelocity creates a velocity counter over the given store.
func NewVelocity(store Store, logger *slog.Logger) *Velocity {
	return &Velocity{
		store:   store,
		breaker: circuitbreaker.New(5, 30*time.Second),
		windows: DefaultWindows,
		logger:  logger,
	}
}

// WithWindows overrides the tracked window sizes.
func (v *Velocity) WithWindows(windows ...identifier.Window) *Velocity {
	if len(windows) > 0 {
		v.windows = windows
	}
	return v
}

// Windows returns the tracked window sizes.
func (v *Velocity) Windows() []identifier.Window { return v.windows }

// Store returns the backing store, for sweeps and health checks.
func (v *Velocity) Store() Store { return v.store }

// Record commits one attempt with the given amount against every tracked
// window bucket for (id, action). Callers invoke this only once the attempt
// has been decided to count; requests aborted earlier leave no increments.
func (v *Velocity) Record(ctx context.Context, id identifier.Identifier, action string, amount float64, ts time.Time) error {
	if !v.breaker.Allow(breakerKey) {
		counterStoreRejected.Inc()
		return ErrStoreUnavailable
	}
	for _, w := range v.windows {
		key := identifier.CounterKey(id, action, w, ts)
		if _, err := v.store.Increment(ctx, key, amount, w); err != nil {
			counterStoreErrors.WithLabelValues("increment").Inc()
			v.breaker.RecordFailure(breakerKey)
			v.logger.Error("counter increment failed",
				"identifier", id.Key(), "action", action, "window", w.String(), "error", err)
			return err
		}
	}
	v.breaker.RecordSuccess(breakerKey)
	return nil
}

// Query returns the usage accumulated in the current bucket of the given
// window for (id, action).
func (v *Velocity) Query(ctx context.Context, id identifier.Identifier, action string, w identifier.Window) (Usage, error) {
	if !v.breaker.Allow(breakerKey) {
		counterStoreRejected.Inc()
		return Usage{}, ErrStoreUnavailable
	}
	key := identifier.CounterKey(id, action, w, time.Now())
	u, err := v.store.Read(ctx, key)
	if err != nil {
		counterStoreErrors.WithLabelValues("read").Inc()
		v.breaker.RecordFailure(breakerKey)
		return Usage{}, err
	}
	v.breaker.RecordSuccess(breakerKey)
	return u, nil
}

// QueryAll returns usage for every tracked window, keyed by window size.
// Used to populate rule evaluation contexts in one pass.
func (v *Velocity) QueryAll(ctx context.Context, id identifier.Identifier, action string) (map[time.Duration]Usage, error) {
	out := make(map[time.Duration]Usage, len(v.windows))
	for _, w := range v.windows {
		u, err := v.Query(ctx, id, action, w)
		if err != nil {
			return nil, err
		}
		out[w.Size] = u
	}
	return out, nil
}
