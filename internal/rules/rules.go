// Package rules holds the configurable, weighted risk rules and the engine
// that evaluates them. Rules are data, not code: new rules are loaded through
// the store and picked up by the registry without redeploying the engine.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/perimetra/riskgate/internal/counter"
	"github.com/perimetra/riskgate/internal/identifier"
)

// Errors
var (
	ErrRuleNotFound = errors.New("rules: not found")
	ErrInvalidRule  = errors.New("rules: invalid rule")
)

// Type identifies the predicate a rule evaluates.
type Type string

const (
	TypeVelocity        Type = "velocity"
	TypeAmountThreshold Type = "amount_threshold"
	TypeGeoMismatch     Type = "geo_mismatch"
	TypeDeviceNovelty   Type = "device_novelty"
	TypeBlacklist       Type = "blacklist"
	TypePattern         Type = "pattern"
)

// Severity grades how strongly a triggered rule should count.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityFactors maps severity to its contribution multiplier.
var severityFactors = map[Severity]float64{
	SeverityLow:      0.25,
	SeverityMedium:   0.5,
	SeverityHigh:     0.75,
	SeverityCritical: 1.0,
}

// Factor returns the contribution multiplier for s (0 for unknown severities).
func (s Severity) Factor() float64 { return severityFactors[s] }

// Valid reports whether s is a recognised severity.
func (s Severity) Valid() bool {
	_, ok := severityFactors[s]
	return ok
}

// Rule is a single weighted, conditioned predicate. Params is type-specific
// JSON; Conditions scope when the rule applies at all.
type Rule struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       Type            `json:"type"`
	Weight     float64         `json:"weight"` // [0,1]
	Severity   Severity        `json:"severity"`
	Params     json.RawMessage `json:"params,omitempty"`
	Conditions Conditions      `json:"conditions,omitempty"`
	Action     string          `json:"action,omitempty"` // suggested action when triggered
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Conditions scope a rule to a subset of traffic. Empty fields match
// everything; a rule fires only when every non-empty condition matches.
type Conditions struct {
	Currencies     []string `json:"currencies,omitempty"`
	Countries      []string `json:"countries,omitempty"`
	PaymentMethods []string `json:"paymentMethods,omitempty"`
	MinAmount      *float64 `json:"minAmount,omitempty"`
	MaxAmount      *float64 `json:"maxAmount,omitempty"`
}

// VelocityParams configures a velocity rule: the rule triggers when the
// count or sum in the window exceeds its cap. Zero caps are ignored.
type VelocityParams struct {
	WindowSeconds int64   `json:"windowSeconds"`
	MaxCount      int64   `json:"maxCount,omitempty"`
	MaxSum        float64 `json:"maxSum,omitempty"`
}

// AmountThresholdParams configures an amount rule: triggers when the amount
// is above Threshold (or below Floor, when set).
type AmountThresholdParams struct {
	Threshold float64 `json:"threshold,omitempty"`
	Floor     float64 `json:"floor,omitempty"`
}

// GeoMismatchParams configures a geography rule: triggers on IP-vs-billing
// country mismatch, or when either country is on the high-risk list.
type GeoMismatchParams struct {
	HighRiskCountries []string `json:"highRiskCountries,omitempty"`
}

// DeviceNoveltyParams configures a device/location novelty rule.
type DeviceNoveltyParams struct {
	RequireBoth bool `json:"requireBoth,omitempty"` // trigger only when device AND location are new
}

// BlacklistParams configures a blacklist rule: triggers when any of the
// listed identifier kinds has a blacklist hit in the context.
type BlacklistParams struct {
	Kinds []string `json:"kinds,omitempty"` // empty = all kinds
}

// PatternParams configures a pattern rule: triggers when the named context
// attribute matches the regular expression.
type PatternParams struct {
	Field   string `json:"field"`
	Pattern string `json:"pattern"`
}

// Validate checks structural validity of a rule: known type and severity,
// weight in range, and params parseable for the declared type.
func Validate(r *Rule) error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if r.Weight < 0 || r.Weight > 1 {
		return fmt.Errorf("%w: weight must be in [0,1], got %v", ErrInvalidRule, r.Weight)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, r.Severity)
	}

	switch r.Type {
	case TypeVelocity:
		var p VelocityParams
		if err := unmarshalParams(r.Params, &p); err != nil {
			return fmt.Errorf("%w: velocity params: %v", ErrInvalidRule, err)
		}
		if p.WindowSeconds <= 0 {
			return fmt.Errorf("%w: velocity windowSeconds must be positive", ErrInvalidRule)
		}
		// The counter only maintains buckets for its tracked windows; a rule
		// naming any other window would read empty usage and never fire.
		if !counter.TrackedWindow(time.Duration(p.WindowSeconds) * time.Second) {
			return fmt.Errorf("%w: velocity windowSeconds %d is not tracked by the counter (use one of %v)",
				ErrInvalidRule, p.WindowSeconds, counter.TrackedWindowSeconds())
		}
		if p.MaxCount <= 0 && p.MaxSum <= 0 {
			return fmt.Errorf("%w: velocity rule needs maxCount or maxSum", ErrInvalidRule)
		}
	case TypeAmountThreshold:
		var p AmountThresholdParams
		if err := unmarshalParams(r.Params, &p); err != nil {
			return fmt.Errorf("%w: amount_threshold params: %v", ErrInvalidRule, err)
		}
		if p.Threshold <= 0 && p.Floor <= 0 {
			return fmt.Errorf("%w: amount_threshold rule needs threshold or floor", ErrInvalidRule)
		}
	case TypeGeoMismatch:
		var p GeoMismatchParams
		if err := unmarshalParams(r.Params, &p); err != nil {
			return fmt.Errorf("%w: geo_mismatch params: %v", ErrInvalidRule, err)
		}
	case TypeDeviceNovelty:
		var p DeviceNoveltyParams
		if err := unmarshalParams(r.Params, &p); err != nil {
			return fmt.Errorf("%w: device_novelty params: %v", ErrInvalidRule, err)
		}
	case TypeBlacklist:
		var p BlacklistParams
		if err := unmarshalParams(r.Params, &p); err != nil {
			return fmt.Errorf("%w: blacklist params: %v", ErrInvalidRule, err)
		}
	case TypePattern:
		var p PatternParams
		if err := unmarshalParams(r.Params, &p); err != nil {
			return fmt.Errorf("%w: pattern params: %v", ErrInvalidRule, err)
		}
		if p.Field == "" || p.Pattern == "" {
			return fmt.Errorf("%w: pattern rule needs field and pattern", ErrInvalidRule)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrInvalidRule, p.Pattern, err)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, r.Type)
	}
	return nil
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// Context is the immutable input to rule evaluation: the current attempt
// plus pre-fetched velocity usage and blacklist membership. Evaluation never
// mutates it, so a single Context can be shared across all rules.
type Context struct {
	Identifier    identifier.Identifier
	Action        string
	Amount        float64
	Currency      string
	Country       string // billing country (ISO 3166-1 alpha-2)
	IPCountry     string
	PaymentMethod string
	NewDevice     bool
	NewLocation   bool
	NewCustomer   bool

	// Velocity usage per window size for (Identifier, Action), pre-fetched
	// by the caller so evaluation stays pure.
	Velocity map[time.Duration]counter.Usage

	// Blacklisted holds identifier keys ("kind:value") with blacklist hits,
	// supplied by the caller's snapshot.
	Blacklisted map[string]bool

	// Attributes carries free-form transaction fields for pattern rules
	// (e.g. "email_domain", "discount_code").
	Attributes map[string]string
}

// Result is the outcome of evaluating one rule against one context.
type Result struct {
	RuleID       string   `json:"ruleId"`
	RuleName     string   `json:"ruleName"`
	Severity     Severity `json:"severity"`
	Triggered    bool     `json:"triggered"`
	Contribution float64  `json:"contribution"` // weight × severity factor when triggered
	Matched      []string `json:"matched,omitempty"`
	Action       string   `json:"action,omitempty"`
}
