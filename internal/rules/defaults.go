package rules

import "encoding/json"

// DefaultRules is the built-in rule catalogue used to seed the memory store
// in demo/development mode. Production deployments load rules from the
// database and manage them through the rules API.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:       "velocity_payment_hourly",
			Name:     "Hourly payment velocity",
			Type:     TypeVelocity,
			Weight:   0.9,
			Severity: SeverityHigh,
			Params:   mustJSON(VelocityParams{WindowSeconds: 3600, MaxCount: 10, MaxSum: 5000}),
			Action:   "review",
			Enabled:  true,
		},
		{
			ID:       "velocity_payment_daily",
			Name:     "Daily payment volume",
			Type:     TypeVelocity,
			Weight:   0.7,
			Severity: SeverityMedium,
			Params:   mustJSON(VelocityParams{WindowSeconds: 86400, MaxSum: 20000}),
			Enabled:  true,
		},
		{
			ID:       "large_amount",
			Name:     "Large transaction amount",
			Type:     TypeAmountThreshold,
			Weight:   0.8,
			Severity: SeverityMedium,
			Params:   mustJSON(AmountThresholdParams{Threshold: 1000}),
			Enabled:  true,
		},
		{
			ID:       "geo_mismatch",
			Name:     "IP and billing country mismatch",
			Type:     TypeGeoMismatch,
			Weight:   0.6,
			Severity: SeverityMedium,
			Enabled:  true,
		},
		{
			ID:       "new_device_location",
			Name:     "New device from new location",
			Type:     TypeDeviceNovelty,
			Weight:   0.5,
			Severity: SeverityLow,
			Enabled:  true,
		},
		{
			ID:       "blacklisted_identifier",
			Name:     "Blacklisted identifier",
			Type:     TypeBlacklist,
			Weight:   1.0,
			Severity: SeverityCritical,
			Action:   "decline",
			Enabled:  true,
		},
		{
			ID:       "disposable_email",
			Name:     "Disposable email domain",
			Type:     TypePattern,
			Weight:   0.4,
			Severity: SeverityLow,
			Params: mustJSON(PatternParams{
				Field:   "email_domain",
				Pattern: `(?i)^(mailinator|guerrillamail|10minutemail|tempmail)\.`,
			}),
			Enabled: true,
		},
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
