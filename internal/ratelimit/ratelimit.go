// Package ratelimit enforces hard tiered caps per identifier+action,
// independent of risk score, with progressive penalties.
//
// Each identifier moves through an explicit state machine:
//
//	Clear → Warned     soft threshold (80% of cap) reached
//	Clear/Warned → Throttled   hard cap exceeded; denied with retryAfter
//	Throttled → Blocked        repeated violations inside the violation window
//	any → Clear        blockedUntil elapses, or qualifying successes
//
// Being throttled or blocked is a normal decision outcome, not an error:
// Check returns a Status either way. Errors are reserved for the counter or
// state store being unreachable.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/perimetra/riskgate/internal/identifier"
)

// Errors
var (
	ErrStateNotFound = errors.New("ratelimit: state not found")
)

// State names a position in the penalty state machine.
type State string

const (
	StateClear     State = "clear"
	StateWarned    State = "warned"
	StateThrottled State = "throttled"
	StateBlocked   State = "blocked"
)

// Status codes carried on denied (and warned) checks.
const (
	CodeVelocityLimitExceeded = "VELOCITY_LIMIT_EXCEEDED"
	CodeAmountLimitExceeded   = "AMOUNT_LIMIT_EXCEEDED"
	CodeIdentifierBlocked     = "IDENTIFIER_BLOCKED"
	CodeApproachingLimit      = "APPROACHING_LIMIT"
)

// Status is the outcome of a rate limit check. Allowed=false is an expected,
// first-class outcome carrying retry metadata.
type Status struct {
	Allowed    bool          `json:"allowed"`
	State      State         `json:"state"`
	Code       string        `json:"code,omitempty"`
	Remaining  int64         `json:"remaining"`       // requests left in the window
	ResetTime  time.Time     `json:"resetTime"`       // when the current window rolls over
	RetryAfter time.Duration `json:"retryAfter"`      // 0 when allowed
	Exempt     bool          `json:"exempt,omitempty"` // bypass entry matched; recorded but not enforced
	Reason     string        `json:"reason,omitempty"`
}

// StateRecord is the persisted penalty state for (identifier, action).
// Mutated only by the limiter on violation, success, or expiry.
type StateRecord struct {
	Identifier     string    `json:"identifier"` // canonical kind:value
	Action         string    `json:"action"`
	State          State     `json:"state"`
	ViolationCount int       `json:"violationCount"`
	PenaltyLevel   int       `json:"penaltyLevel"`
	BlockedUntil   time.Time `json:"blockedUntil,omitempty"`
	LastViolation  time.Time `json:"lastViolation,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Exemption is an active bypass entry. Exempt identifiers skip enforcement
// for the configured scope and duration but are still recorded for audit.
type Exemption struct {
	Identifier string    `json:"identifier"`
	Action     string    `json:"action,omitempty"` // empty = all actions
	Reason     string    `json:"reason"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Covers reports whether the exemption applies to the given action now.
func (e *Exemption) Covers(action string, now time.Time) bool {
	if now.After(e.ExpiresAt) {
		return false
	}
	return e.Action == "" || e.Action == action
}

// StateStore persists penalty state and exemptions.
type StateStore interface {
	GetState(ctx context.Context, identifierKey, action string) (*StateRecord, error)
	PutState(ctx context.Context, rec *StateRecord) error
	DeleteState(ctx context.Context, identifierKey, action string) error

	GetExemption(ctx context.Context, identifierKey string) (*Exemption, error)
	PutExemption(ctx context.Context, e *Exemption) error
	DeleteExemption(ctx context.Context, identifierKey string) error
}

// PenaltyConfig tunes the progressive penalty machine.
type PenaltyConfig struct {
	// BaseBlockDuration is the first block length; each further penalty
	// level multiplies it by PenaltyMultiplier, capped at MaxPenaltyDuration.
	BaseBlockDuration  time.Duration
	PenaltyMultiplier  float64
	MaxPenaltyDuration time.Duration

	// ViolationsToBlock is how many violations inside ViolationWindow
	// escalate Throttled to Blocked.
	ViolationsToBlock int
	ViolationWindow   time.Duration

	// ResetOnSuccess reduces the penalty level by SuccessWeight per
	// qualifying success instead of waiting for the cool-down.
	ResetOnSuccess bool
	SuccessWeight  int
}

// DefaultPenaltyConfig returns the stock penalty tuning.
func DefaultPenaltyConfig() PenaltyConfig {
	return PenaltyConfig{
		BaseBlockDuration:  5 * time.Minute,
		PenaltyMultiplier:  2.0,
		MaxPenaltyDuration: 24 * time.Hour,
		ViolationsToBlock:  3,
		ViolationWindow:    10 * time.Minute,
		ResetOnSuccess:     true,
		SuccessWeight:      1,
	}
}

// BlockDuration computes the block length for a penalty level.
// Non-decreasing in level, capped at MaxPenaltyDuration.
func (c PenaltyConfig) BlockDuration(penaltyLevel int) time.Duration {
	d := c.BaseBlockDuration
	for i := 0; i < penaltyLevel; i++ {
		d = time.Duration(float64(d) * c.PenaltyMultiplier)
		if d >= c.MaxPenaltyDuration {
			return c.MaxPenaltyDuration
		}
	}
	if d > c.MaxPenaltyDuration {
		return c.MaxPenaltyDuration
	}
	return d
}

// stateKey joins identifier and action for store lookups.
func stateKey(id identifier.Identifier, action string) (string, string) {
	return id.Key(), action
}
