package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/perimetra/riskgate/internal/counter"
	"github.com/perimetra/riskgate/internal/identifier"
	"github.com/perimetra/riskgate/internal/syncutil"
)

var (
	checksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskgate",
		Subsystem: "ratelimit",
		Name:      "checks_total",
		Help:      "Total rate limit checks by tier and result.",
	}, []string{"tier", "result"})

	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskgate",
		Subsystem: "ratelimit",
		Name:      "state_transitions_total",
		Help:      "Penalty state machine transitions by from-state and to-state.",
	}, []string{"from", "to"})
)

func init() {
	prometheus.MustRegister(checksTotal, stateTransitions)
}

// CheckRequest is one rate limit question: may this identifier perform this
// action for this amount right now?
type CheckRequest struct {
	Identifier identifier.Identifier
	Action     string
	Amount     float64
	Tier       Tier
	Verified   bool
}

// Limiter enforces tiered caps with progressive penalties. It reads usage
// through the velocity counter and keeps penalty state in the state store;
// it never increments counters itself; recording an attempt is the decision
// engine's job, after the attempt is allowed to count.
type Limiter struct {
	tiers      map[Tier]TierLimits
	unverified UnverifiedLimits
	penalty    PenaltyConfig
	states     StateStore
	velocity   *counter.Velocity
	locks      *syncutil.ContextShardedMutex
	logger     *slog.Logger
	now        func() time.Time
}

// NewLimiter creates a limiter with the default tier catalogue and penalty
// tuning.
func NewLimiter(states StateStore, velocity *counter.Velocity, logger *slog.Logger) *Limiter {
	return &Limiter{
		tiers:      DefaultTiers(),
		unverified: DefaultUnverified(),
		penalty:    DefaultPenaltyConfig(),
		states:     states,
		velocity:   velocity,
		locks:      syncutil.NewContextShardedMutex(),
		logger:     logger,
		now:        time.Now,
	}
}

// WithTiers overrides the tier catalogue.
func (l *Limiter) WithTiers(tiers map[Tier]TierLimits) *Limiter {
	if len(tiers) > 0 {
		l.tiers = tiers
	}
	return l
}

// WithPenalty overrides the penalty tuning.
func (l *Limiter) WithPenalty(cfg PenaltyConfig) *Limiter {
	l.penalty = cfg
	return l
}

// WithUnverified overrides the unverified reductions.
func (l *Limiter) WithUnverified(u UnverifiedLimits) *Limiter {
	l.unverified = u
	return l
}

// WithClock overrides the time source. For tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check answers a rate limit question. A denied check mutates penalty state
// (it is itself a violation); an allowed check never does, except for the
// Clear → Warned transition. The returned error is non-nil only when a
// backing store is unreachable; callers fail closed on it.
func (l *Limiter) Check(ctx context.Context, req CheckRequest) (*Status, error) {
	now := l.now()
	limits, ok := l.tiers[req.Tier]
	if !ok {
		// Unknown tiers get the most restrictive catalogue entry.
		limits = l.tiers[TierBasic]
	}

	// Penalty state is read-modify-write; serialize per (identifier, action)
	// so concurrent checks cannot lose violations.
	idKey, action := stateKey(req.Identifier, req.Action)
	unlock, err := l.locks.Lock(ctx, memKey(idKey, action))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Bypass entries skip enforcement but the attempt is still recorded
	// upstream for audit.
	if ex, err := l.states.GetExemption(ctx, idKey); err == nil && ex != nil && ex.Covers(action, now) {
		checksTotal.WithLabelValues(string(limits.Tier), "exempt").Inc()
		return &Status{
			Allowed:   true,
			State:     StateClear,
			Exempt:    true,
			Reason:    ex.Reason,
			ResetTime: limits.Window.BucketEnd(now),
		}, nil
	}

	state, err := l.loadState(ctx, idKey, action)
	if err != nil {
		return nil, err
	}

	// Blocked until the cool-down elapses.
	if state.State == StateBlocked {
		if now.Before(state.BlockedUntil) {
			checksTotal.WithLabelValues(string(limits.Tier), "blocked").Inc()
			return &Status{
				Allowed:    false,
				State:      StateBlocked,
				Code:       CodeIdentifierBlocked,
				ResetTime:  state.BlockedUntil,
				RetryAfter: state.BlockedUntil.Sub(now),
				Reason:     fmt.Sprintf("blocked until %s (penalty level %d)", state.BlockedUntil.Format(time.RFC3339), state.PenaltyLevel),
			}, nil
		}
		// Cool-down elapsed: back to Clear. Penalty level is retained so a
		// repeat offender escalates rather than starting over.
		l.transition(state, StateClear)
		state.ViolationCount = 0
		state.BlockedUntil = time.Time{}
		if err := l.putState(ctx, state); err != nil {
			return nil, err
		}
	}

	usage, err := l.velocity.Query(ctx, req.Identifier, req.Action, limits.Window)
	if err != nil {
		return nil, err
	}

	var unverified *UnverifiedLimits
	if !req.Verified {
		unverified = &l.unverified
	}
	maxRequests, maxAmount := effective(limits, unverified)

	resetTime := limits.Window.BucketEnd(now)
	projectedCount := usage.Count + 1
	projectedAmount := usage.Sum + req.Amount

	if projectedCount > maxRequests {
		return l.deny(ctx, state, limits, CodeVelocityLimitExceeded,
			fmt.Sprintf("%d requests in %s exceeds tier %s cap of %d",
				projectedCount, limits.Window, limits.Tier, maxRequests),
			resetTime, now)
	}
	if maxAmount > 0 && projectedAmount > maxAmount {
		return l.deny(ctx, state, limits, CodeAmountLimitExceeded,
			fmt.Sprintf("%.2f in %s exceeds tier %s cap of %.2f",
				projectedAmount, limits.Window, limits.Tier, maxAmount),
			resetTime, now)
	}

	status := &Status{
		Allowed:   true,
		State:     state.State,
		Remaining: maxRequests - projectedCount,
		ResetTime: resetTime,
	}

	// Soft threshold: warn before the cap bites.
	if limits.SoftThreshold > 0 && float64(projectedCount) >= limits.SoftThreshold*float64(maxRequests) {
		status.Code = CodeApproachingLimit
		if state.State == StateClear {
			l.transition(state, StateWarned)
			if err := l.putState(ctx, state); err != nil {
				return nil, err
			}
		}
		status.State = state.State
	}

	checksTotal.WithLabelValues(string(limits.Tier), "allowed").Inc()
	return status, nil
}

// deny records a violation, escalating state as needed, and builds the
// denied status.
func (l *Limiter) deny(ctx context.Context, state *StateRecord, limits TierLimits, code, reason string, resetTime time.Time, now time.Time) (*Status, error) {
	if err := l.applyViolation(ctx, state, now); err != nil {
		return nil, err
	}

	status := &Status{
		Allowed:   false,
		State:     state.State,
		Code:      code,
		Remaining: 0,
		ResetTime: resetTime,
		Reason:    reason,
	}
	if state.State == StateBlocked {
		status.Code = CodeIdentifierBlocked
		status.ResetTime = state.BlockedUntil
		status.RetryAfter = state.BlockedUntil.Sub(now)
	} else {
		status.RetryAfter = resetTime.Sub(now)
	}

	checksTotal.WithLabelValues(string(limits.Tier), "denied").Inc()
	return status, nil
}

// RecordViolation applies one violation to (identifier, action) without a
// cap check. Exposed for callers whose violation signal comes from elsewhere
// (e.g. a declined risk assessment).
func (l *Limiter) RecordViolation(ctx context.Context, id identifier.Identifier, action string) (*StateRecord, error) {
	idKey, act := stateKey(id, action)
	unlock, err := l.locks.Lock(ctx, memKey(idKey, act))
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := l.loadState(ctx, idKey, act)
	if err != nil {
		return nil, err
	}
	if err := l.applyViolation(ctx, state, l.now()); err != nil {
		return nil, err
	}
	return state, nil
}

// applyViolation advances the state machine for one violation and persists.
func (l *Limiter) applyViolation(ctx context.Context, state *StateRecord, now time.Time) error {
	// Violations outside the rolling window don't compound.
	if !state.LastViolation.IsZero() && now.Sub(state.LastViolation) > l.penalty.ViolationWindow {
		state.ViolationCount = 0
	}
	state.ViolationCount++
	state.LastViolation = now

	if state.ViolationCount >= l.penalty.ViolationsToBlock {
		duration := l.penalty.BlockDuration(state.PenaltyLevel)
		state.BlockedUntil = now.Add(duration)
		state.PenaltyLevel++
		l.transition(state, StateBlocked)
		l.logger.Warn("identifier blocked",
			"identifier", state.Identifier, "action", state.Action,
			"penalty_level", state.PenaltyLevel, "blocked_until", state.BlockedUntil)
	} else {
		l.transition(state, StateThrottled)
	}

	return l.putState(ctx, state)
}

// RecordSuccess notes a qualifying success. With ResetOnSuccess configured it
// reduces the penalty level by the success weight; when the level reaches
// zero (and no block is active) the state clears entirely.
func (l *Limiter) RecordSuccess(ctx context.Context, id identifier.Identifier, action string) error {
	if !l.penalty.ResetOnSuccess {
		return nil
	}
	idKey, act := stateKey(id, action)
	unlock, err := l.locks.Lock(ctx, memKey(idKey, act))
	if err != nil {
		return err
	}
	defer unlock()

	state, err := l.states.GetState(ctx, idKey, act)
	if err == ErrStateNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	now := l.now()
	if state.State == StateBlocked && now.Before(state.BlockedUntil) {
		return nil // success while blocked doesn't lift the block
	}

	state.PenaltyLevel -= l.penalty.SuccessWeight
	if state.PenaltyLevel < 0 {
		state.PenaltyLevel = 0
	}
	state.ViolationCount = 0

	if state.PenaltyLevel == 0 {
		l.transition(state, StateClear)
		return l.states.DeleteState(ctx, idKey, act)
	}
	l.transition(state, StateClear)
	return l.putState(ctx, state)
}

// Exempt registers a bypass entry for an identifier.
func (l *Limiter) Exempt(ctx context.Context, e *Exemption) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	return l.states.PutExemption(ctx, e)
}

func (l *Limiter) loadState(ctx context.Context, idKey, action string) (*StateRecord, error) {
	state, err := l.states.GetState(ctx, idKey, action)
	if err == ErrStateNotFound {
		return &StateRecord{
			Identifier: idKey,
			Action:     action,
			State:      StateClear,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (l *Limiter) putState(ctx context.Context, state *StateRecord) error {
	state.UpdatedAt = l.now()
	return l.states.PutState(ctx, state)
}

// transition changes state and counts it. No-op when from == to.
func (l *Limiter) transition(state *StateRecord, to State) {
	if state.State == to {
		return
	}
	stateTransitions.WithLabelValues(string(state.State), string(to)).Inc()
	state.State = to
}
