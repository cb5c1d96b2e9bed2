package ratelimit

import "github.com/perimetra/riskgate/internal/identifier"

// Tier is the pricing/trust tier of the identity making the attempt.
type Tier string

const (
	TierBasic   Tier = "BASIC"
	TierPremium Tier = "PREMIUM"
	TierVIP     Tier = "VIP"
)

// TierLimits defines the hard caps for a tier: requests per window and
// monetary amount per window.
type TierLimits struct {
	Tier          Tier
	Window        identifier.Window
	MaxRequests   int64
	MaxAmount     float64 // 0 = no amount cap
	SoftThreshold float64 // fraction of MaxRequests that moves Clear → Warned
}

// DefaultTiers is the stock tier catalogue. Deployments override it from
// configuration at startup.
func DefaultTiers() map[Tier]TierLimits {
	return map[Tier]TierLimits{
		TierBasic: {
			Tier:          TierBasic,
			Window:        identifier.WindowHour,
			MaxRequests:   3,
			MaxAmount:     500,
			SoftThreshold: 0.8,
		},
		TierPremium: {
			Tier:          TierPremium,
			Window:        identifier.WindowHour,
			MaxRequests:   20,
			MaxAmount:     5000,
			SoftThreshold: 0.8,
		},
		TierVIP: {
			Tier:          TierVIP,
			Window:        identifier.WindowHour,
			MaxRequests:   100,
			MaxAmount:     50000,
			SoftThreshold: 0.8,
		},
	}
}

// UnverifiedLimits are the additional caps layered on top of the tier caps
// for identities that have not completed verification. The most restrictive
// cap wins.
type UnverifiedLimits struct {
	MaxRequests int64
	MaxAmount   float64
}

// DefaultUnverified returns the stock unverified reductions.
func DefaultUnverified() UnverifiedLimits {
	return UnverifiedLimits{
		MaxRequests: 2,
		MaxAmount:   100,
	}
}

// effective returns the caps after applying unverified reductions.
func effective(limits TierLimits, unverified *UnverifiedLimits) (maxRequests int64, maxAmount float64) {
	maxRequests, maxAmount = limits.MaxRequests, limits.MaxAmount
	if unverified == nil {
		return maxRequests, maxAmount
	}
	if unverified.MaxRequests > 0 && unverified.MaxRequests < maxRequests {
		maxRequests = unverified.MaxRequests
	}
	if unverified.MaxAmount > 0 && (maxAmount == 0 || unverified.MaxAmount < maxAmount) {
		maxAmount = unverified.MaxAmount
	}
	return maxRequests, maxAmount
}

// ValidTier reports whether the tier name is recognised.
func ValidTier(t Tier, tiers map[Tier]TierLimits) bool {
	_, ok := tiers[t]
	return ok
}
