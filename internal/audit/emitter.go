package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/perimetra/riskgate/internal/idgen"
	"github.com/perimetra/riskgate/internal/retry"
)

var (
	auditEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskgate",
		Subsystem: "audit",
		Name:      "emit_total",
		Help:      "Total audit emit attempts by outcome.",
	}, []string{"outcome"})

	auditEmitErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskgate",
		Subsystem: "audit",
		Name:      "emit_errors_total",
		Help:      "Total audit emit failures after retries.",
	})
)

func init() {
	prometheus.MustRegister(auditEmitTotal, auditEmitErrors)
}

// Emitter delivers events to a sink asynchronously with retries. All methods
// are fire-and-forget: errors are logged and counted, never returned.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
}

// NewEmitter creates an audit emitter over the given sink.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	return &Emitter{sink: sink, logger: logger}
}

// Emit records an event asynchronously. Missing IDs and timestamps are
// filled in.
func (e *Emitter) Emit(event *Event) {
	if e == nil || e.sink == nil {
		return
	}
	if event.ID == "" {
		event.ID = idgen.WithPrefix("evt_")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	auditEmitTotal.WithLabelValues(event.Outcome).Inc()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
			return e.sink.Record(ctx, event)
		})
		if err != nil {
			auditEmitErrors.Inc()
			e.logger.Warn("audit emit failed",
				"event", event.ID, "identifier", event.Identifier, "error", err)
		}
	}()
}
