package risk

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/perimetra/riskgate/internal/idgen"
	"github.com/perimetra/riskgate/internal/metrics"
	"github.com/perimetra/riskgate/internal/rules"
)

// DefaultTopFactors is how many triggered rules are surfaced as risk factors.
const DefaultTopFactors = 5

// Scorer turns rule evaluation results into assessments.
type Scorer struct {
	recommendations RecommendationMap
	topFactors      int
	store           Store
}

// NewScorer creates a scorer with default recommendation mapping.
func NewScorer(store Store) *Scorer {
	return &Scorer{
		recommendations: DefaultRecommendations(),
		topFactors:      DefaultTopFactors,
		store:           store,
	}
}

// WithRecommendations overrides the level → recommendation mapping.
// Missing levels fall back to the defaults.
func (s *Scorer) WithRecommendations(m RecommendationMap) *Scorer {
	merged := DefaultRecommendations()
	for lvl, rec := range m {
		merged[lvl] = rec
	}
	s.recommendations = merged
	return s
}

// WithTopFactors overrides how many factors are surfaced.
func (s *Scorer) WithTopFactors(n int) *Scorer {
	if n > 0 {
		s.topFactors = n
	}
	return s
}

// Score evaluates all active rules against the context and aggregates them
// into one assessment.
//
//	overall = min(100, 100 × Σ(triggered contributions) / Σ(active weights))
//
// Any triggered rule of critical severity floors the recommendation at
// review, regardless of the aggregate score.
func (s *Scorer) Score(ctx context.Context, ec *rules.Context, active []*rules.Rule) *Assessment {
	results := rules.EvaluateAll(active, ec)

	var totalWeight, totalContribution float64
	components := make(map[string]float64)
	var triggered []rules.Result
	criticalHit := false

	for i, r := range active {
		totalWeight += r.Weight
		res := results[i]
		if !res.Triggered {
			continue
		}
		triggered = append(triggered, res)
		totalContribution += res.Contribution
		components[string(r.Type)] += res.Contribution
		metrics.RuleTriggersTotal.WithLabelValues(r.ID).Inc()
		if res.Severity == rules.SeverityCritical {
			criticalHit = true
		}
	}

	var score float64
	if totalWeight > 0 {
		score = math.Min(100, 100*totalContribution/totalWeight)
	}
	score = math.Round(score*100) / 100
	metrics.RiskScoreHistogram.Observe(score)

	level := LevelForScore(score)
	rec := s.recommendations[level]
	if rec == "" {
		rec = DefaultRecommendations()[level]
	}
	if criticalHit && rank[rec] < rank[RecommendReview] {
		rec = RecommendReview
	}

	// Descending by contribution; rule ID breaks ties deterministically.
	sort.Slice(triggered, func(i, j int) bool {
		if triggered[i].Contribution != triggered[j].Contribution {
			return triggered[i].Contribution > triggered[j].Contribution
		}
		return triggered[i].RuleID < triggered[j].RuleID
	})

	a := &Assessment{
		ID:               idgen.WithPrefix("asmt_"),
		Identifier:       ec.Identifier.Key(),
		Action:           ec.Action,
		OverallScore:     score,
		Level:            level,
		Recommendation:   rec,
		ComponentScores:  components,
		TriggeredRules:   triggered,
		RiskFactors:      topFactors(triggered, s.topFactors),
		SuggestedActions: suggestedActions(triggered),
		EvaluatedAt:      time.Now(),
	}

	// Best-effort audit trail; scoring never blocks on persistence.
	if s.store != nil {
		go func() {
			_ = s.store.Record(context.WithoutCancel(ctx), a)
		}()
	}

	return a
}

func topFactors(triggered []rules.Result, n int) []Factor {
	if len(triggered) < n {
		n = len(triggered)
	}
	factors := make([]Factor, 0, n)
	for _, res := range triggered[:n] {
		factors = append(factors, Factor{
			RuleID:       res.RuleID,
			Name:         res.RuleName,
			Severity:     string(res.Severity),
			Contribution: res.Contribution,
			Description:  strings.Join(res.Matched, "; "),
		})
	}
	return factors
}

func suggestedActions(triggered []rules.Result) []string {
	seen := make(map[string]bool)
	var actions []string
	for _, res := range triggered {
		if res.Action == "" || seen[res.Action] {
			continue
		}
		seen[res.Action] = true
		actions = append(actions, res.Action)
	}
	return actions
}
