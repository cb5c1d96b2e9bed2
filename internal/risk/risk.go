// Package risk aggregates rule evaluation results into a single risk
// assessment: a composite score in [0,100], a risk level band, and a
// recommendation. Assessments are immutable values created fresh per request.
package risk

import (
	"context"
	"time"

	"github.com/perimetra/riskgate/internal/rules"
)

// Level is the banded risk classification of a score.
type Level string

const (
	LevelVeryLow  Level = "very_low"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelVeryHigh Level = "very_high"
)

// LevelForScore maps a score in [0,100] onto its band.
func LevelForScore(score float64) Level {
	switch {
	case score < 20:
		return LevelVeryLow
	case score < 40:
		return LevelLow
	case score < 60:
		return LevelMedium
	case score < 80:
		return LevelHigh
	default:
		return LevelVeryHigh
	}
}

// Recommendation is what the caller should do with the attempt.
type Recommendation string

const (
	RecommendApprove   Recommendation = "approve"
	RecommendReview    Recommendation = "review"
	RecommendChallenge Recommendation = "challenge"
	RecommendDecline   Recommendation = "decline"
)

// rank orders recommendations by strictness, for the critical-severity floor.
var rank = map[Recommendation]int{
	RecommendApprove:   0,
	RecommendReview:    1,
	RecommendChallenge: 2,
	RecommendDecline:   3,
}

// RecommendationMap maps risk levels to recommendations. The zero map is
// replaced by DefaultRecommendations.
type RecommendationMap map[Level]Recommendation

// DefaultRecommendations is the stock level → recommendation mapping.
func DefaultRecommendations() RecommendationMap {
	return RecommendationMap{
		LevelVeryLow:  RecommendApprove,
		LevelLow:      RecommendApprove,
		LevelMedium:   RecommendReview,
		LevelHigh:     RecommendChallenge,
		LevelVeryHigh: RecommendDecline,
	}
}

// Factor is one triggered rule surfaced in the assessment explanation.
type Factor struct {
	RuleID       string  `json:"ruleId"`
	Name         string  `json:"name"`
	Severity     string  `json:"severity"`
	Contribution float64 `json:"contribution"`
	Description  string  `json:"description"`
}

// Assessment is the scored, leveled, recommended outcome of evaluating all
// active rules against one context. Never mutated after creation.
type Assessment struct {
	ID               string             `json:"id"`
	Identifier       string             `json:"identifier"`
	Action           string             `json:"action"`
	OverallScore     float64            `json:"overallScore"` // [0,100]
	Level            Level              `json:"riskLevel"`
	Recommendation   Recommendation     `json:"recommendation"`
	ComponentScores  map[string]float64 `json:"componentScores"` // by rule type
	TriggeredRules   []rules.Result     `json:"triggeredRules"`
	RiskFactors      []Factor           `json:"riskFactors"`
	SuggestedActions []string           `json:"suggestedActions,omitempty"`
	EvaluatedAt      time.Time          `json:"evaluatedAt"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByIdentifier(ctx context.Context, identifierKey string, limit int) ([]*Assessment, error)
}
