package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/perimetra/riskgate/internal/security"
)

var webhookForwardTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "riskgate",
	Subsystem: "audit",
	Name:      "webhook_forward_total",
	Help:      "Total audit webhook forwards by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(webhookForwardTotal)
}

// WebhookConfig configures an external audit receiver.
type WebhookConfig struct {
	URL string
	// AllowPrivate skips the SSRF check on the receiver address. Only for
	// development and tests.
	AllowPrivate bool
}

// WebhookSink records events in the wrapped sink and forwards each one to an
// external HTTP receiver. The local record is authoritative: a forward
// failure is counted and logged, never returned, so a dead receiver cannot
// make the emitter re-record events.
type WebhookSink struct {
	next   Sink
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSink wraps next with forwarding to url. The url is rejected if it
// points at a private, loopback, or link-local address unless AllowPrivate is
// set.
func NewWebhookSink(cfg WebhookConfig, next Sink, logger *slog.Logger) (*WebhookSink, error) {
	if !cfg.AllowPrivate {
		if err := security.ValidateEndpointURL(cfg.URL); err != nil {
			return nil, fmt.Errorf("audit webhook: %w", err)
		}
	}
	return &WebhookSink{
		next:   next,
		url:    cfg.URL,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}, nil
}

func (w *WebhookSink) Record(ctx context.Context, e *Event) error {
	if err := w.next.Record(ctx, e); err != nil {
		return err
	}
	w.forward(ctx, e)
	return nil
}

func (w *WebhookSink) List(ctx context.Context, identifierKey string, from, to time.Time, limit int) ([]*Event, error) {
	return w.next.List(ctx, identifierKey, from, to, limit)
}

func (w *WebhookSink) forward(ctx context.Context, e *Event) {
	body, err := json.Marshal(e)
	if err != nil {
		webhookForwardTotal.WithLabelValues("error").Inc()
		w.logger.Warn("audit webhook marshal failed", "event", e.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		webhookForwardTotal.WithLabelValues("error").Inc()
		w.logger.Warn("audit webhook request failed", "event", e.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Riskgate-Event", e.Outcome)

	resp, err := w.client.Do(req)
	if err != nil {
		webhookForwardTotal.WithLabelValues("error").Inc()
		w.logger.Warn("audit webhook delivery failed", "event", e.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		webhookForwardTotal.WithLabelValues("error").Inc()
		w.logger.Warn("audit webhook rejected", "event", e.ID, "status", resp.StatusCode)
		return
	}
	webhookForwardTotal.WithLabelValues("ok").Inc()
}
