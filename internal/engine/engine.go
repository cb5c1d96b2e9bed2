// Package engine orchestrates one evaluation: structural validation →
// business rules → velocity → weighted risk scoring → tiered rate limiting →
// a final decision with an explanation.
//
// Blocked and declined are first-class outcomes carried as data. The only
// hard failures out of Evaluate are malformed input (StructuralError) and an
// unreachable backing store (SystemError), which fails closed by default.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/perimetra/riskgate/internal/audit"
	"github.com/perimetra/riskgate/internal/bizrules"
	"github.com/perimetra/riskgate/internal/counter"
	"github.com/perimetra/riskgate/internal/identifier"
	"github.com/perimetra/riskgate/internal/idgen"
	"github.com/perimetra/riskgate/internal/metrics"
	"github.com/perimetra/riskgate/internal/ratelimit"
	"github.com/perimetra/riskgate/internal/risk"
	"github.com/perimetra/riskgate/internal/rules"
	"github.com/perimetra/riskgate/internal/traces"
)

// ErrSystem marks a backing store failure. The engine fails closed on it
// unless fail-open is configured.
var ErrSystem = errors.New("engine: system error")

// Outcome is the final verdict on an attempt.
type Outcome string

const (
	OutcomeAllow     Outcome = "allow"
	OutcomeReview    Outcome = "review"
	OutcomeChallenge Outcome = "challenge"
	OutcomeBlock     Outcome = "block"
)

// Request is one inbound attempt to evaluate.
type Request struct {
	Identifier identifier.Identifier
	Action     string
	Amount     float64
	Currency   string
	Tier       ratelimit.Tier
	Verified   bool

	// Transaction is the optional cross-field snapshot; nil skips business
	// validation (e.g. for pure authentication attempts).
	Transaction *bizrules.Transaction

	// Signals from the caller's context snapshot.
	Country       string
	IPCountry     string
	PaymentMethod string
	NewDevice     bool
	NewLocation   bool
	NewCustomer   bool
	Blacklisted   map[string]bool
	Attributes    map[string]string

	RequestID string
}

// Decision is the full evaluation result returned to the caller and emitted
// to the audit sink.
type Decision struct {
	ID          string               `json:"id"`
	Identifier  string               `json:"identifier"`
	Action      string               `json:"action"`
	Outcome     Outcome              `json:"outcome"`
	Reasons     []string             `json:"reasons,omitempty"`
	Violations  []bizrules.Violation `json:"violations,omitempty"`
	Assessment  *risk.Assessment     `json:"riskAssessment,omitempty"`
	RateLimit   *ratelimit.Status    `json:"rateLimit,omitempty"`
	EvaluatedAt time.Time            `json:"evaluatedAt"`
	RequestID   string               `json:"requestId,omitempty"`
}

// Broadcaster pushes decisions to live subscribers (the websocket hub).
type Broadcaster interface {
	BroadcastDecision(d *Decision)
}

// Engine wires the evaluation pipeline together.
type Engine struct {
	validator   *bizrules.Validator
	velocity    *counter.Velocity
	registry    *rules.Registry
	scorer      *risk.Scorer
	limiter     *ratelimit.Limiter
	emitter     *audit.Emitter
	broadcaster Broadcaster
	logger      *slog.Logger
	failOpen    bool
}

// New creates an engine. The emitter and broadcaster may be nil.
func New(validator *bizrules.Validator, velocity *counter.Velocity, registry *rules.Registry,
	scorer *risk.Scorer, limiter *ratelimit.Limiter, logger *slog.Logger) *Engine {
	return &Engine{
		validator: validator,
		velocity:  velocity,
		registry:  registry,
		scorer:    scorer,
		limiter:   limiter,
		logger:    logger,
	}
}

// WithEmitter attaches the audit emitter.
func (e *Engine) WithEmitter(em *audit.Emitter) *Engine {
	e.emitter = em
	return e
}

// WithBroadcaster attaches the live decision broadcaster.
func (e *Engine) WithBroadcaster(b Broadcaster) *Engine {
	e.broadcaster = b
	return e
}

// WithFailOpen makes store failures degrade to evaluation without velocity
// and rate limiting instead of failing closed. Off by default.
func (e *Engine) WithFailOpen(on bool) *Engine {
	e.failOpen = on
	return e
}

// Evaluate runs the full pipeline for one attempt. Counter increments are
// committed only after validation passes and the rate limiter allows the
// attempt, so cancelled or structurally rejected requests leave no trace in
// the windows.
func (e *Engine) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Evaluate",
		attribute.String("identifier", req.Identifier.Key()),
		attribute.String("action", req.Action),
	)
	defer span.End()

	start := time.Now()
	decision := &Decision{
		ID:          idgen.WithPrefix("dec_"),
		Identifier:  req.Identifier.Key(),
		Action:      req.Action,
		EvaluatedAt: start,
		RequestID:   req.RequestID,
	}

	// 1. Business validation. A structural error aborts; violations decide.
	if req.Transaction != nil {
		violations, err := e.validator.Validate(req.Transaction)
		if err != nil {
			return nil, err
		}
		if len(violations) > 0 {
			decision.Outcome = OutcomeBlock
			decision.Violations = violations
			for _, v := range violations {
				decision.Reasons = append(decision.Reasons, v.Code)
				metrics.ValidationViolationsTotal.WithLabelValues(v.Code).Inc()
			}
			e.finish(decision, req, start)
			return decision, nil
		}
	}

	// 2. Velocity usage for the rule context.
	usage, err := e.velocity.QueryAll(ctx, req.Identifier, req.Action)
	if err != nil {
		if !e.failOpen {
			return nil, fmt.Errorf("%w: velocity query: %v", ErrSystem, err)
		}
		e.logger.Warn("velocity unavailable, continuing open", "error", err)
		usage = nil
	}

	// 3. Rules and scoring.
	active, err := e.registry.Active(ctx)
	if err != nil {
		if !e.failOpen {
			return nil, fmt.Errorf("%w: rule registry: %v", ErrSystem, err)
		}
		e.logger.Warn("rule registry unavailable, continuing open", "error", err)
	}
	ec := e.ruleContext(req, usage)
	assessment := e.scorer.Score(ctx, ec, active)
	decision.Assessment = assessment

	// 4. Hard caps, independent of risk score.
	status, err := e.limiter.Check(ctx, ratelimit.CheckRequest{
		Identifier: req.Identifier,
		Action:     req.Action,
		Amount:     req.Amount,
		Tier:       req.Tier,
		Verified:   req.Verified,
	})
	if err != nil {
		if !e.failOpen {
			return nil, fmt.Errorf("%w: rate limit check: %v", ErrSystem, err)
		}
		e.logger.Warn("rate limiter unavailable, continuing open", "error", err)
		status = &ratelimit.Status{Allowed: true, State: ratelimit.StateClear}
	}
	decision.RateLimit = status

	if !status.Allowed {
		decision.Outcome = OutcomeBlock
		decision.Reasons = append(decision.Reasons, status.Code)
	} else {
		decision.Outcome = outcomeFor(assessment.Recommendation)
		for _, f := range assessment.RiskFactors {
			decision.Reasons = append(decision.Reasons, f.Name)
		}
		// The attempt counts: commit the increments now, not before.
		if err := e.velocity.Record(ctx, req.Identifier, req.Action, req.Amount, start); err != nil {
			e.logger.Error("failed to record attempt", "identifier", req.Identifier.Key(), "error", err)
		}
		if decision.Outcome == OutcomeAllow {
			if err := e.limiter.RecordSuccess(ctx, req.Identifier, req.Action); err != nil {
				e.logger.Warn("failed to record success", "error", err)
			}
		}
	}

	e.finish(decision, req, start)
	return decision, nil
}

// ruleContext assembles the immutable evaluation context for the rules.
func (e *Engine) ruleContext(req *Request, usage map[time.Duration]counter.Usage) *rules.Context {
	return &rules.Context{
		Identifier:    req.Identifier,
		Action:        req.Action,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Country:       req.Country,
		IPCountry:     req.IPCountry,
		PaymentMethod: req.PaymentMethod,
		NewDevice:     req.NewDevice,
		NewLocation:   req.NewLocation,
		NewCustomer:   req.NewCustomer,
		Velocity:      usage,
		Blacklisted:   req.Blacklisted,
		Attributes:    req.Attributes,
	}
}

// finish records metrics, audit, and the live feed for a completed decision.
func (e *Engine) finish(d *Decision, req *Request, start time.Time) {
	metrics.DecisionsTotal.WithLabelValues(string(d.Outcome)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	if e.emitter != nil {
		event := &audit.Event{
			Identifier: req.Identifier.Key(),
			Action:     req.Action,
			Outcome:    string(d.Outcome),
			Amount:     req.Amount,
			Currency:   req.Currency,
			Violations: d.Violations,
			Assessment: d.Assessment,
			RequestID:  req.RequestID,
			Timestamp:  d.EvaluatedAt,
		}
		if d.RateLimit != nil {
			event.RateLimit = d.RateLimit.Code
		}
		e.emitter.Emit(event)
	}
	if e.broadcaster != nil {
		e.broadcaster.BroadcastDecision(d)
	}
}

// outcomeFor maps a risk recommendation onto the decision outcome.
func outcomeFor(rec risk.Recommendation) Outcome {
	switch rec {
	case risk.RecommendReview:
		return OutcomeReview
	case risk.RecommendChallenge:
		return OutcomeChallenge
	case risk.RecommendDecline:
		return OutcomeBlock
	default:
		return OutcomeAllow
	}
}
