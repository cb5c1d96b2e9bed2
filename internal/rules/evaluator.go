package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Evaluate runs one rule against a context. It is a pure function: same rule
// and context always produce the same result, and nothing is mutated. Rules
// may therefore be evaluated in any order, including concurrently.
//
// A rule triggers only when its scoping conditions match AND its type-specific
// predicate matches. The contribution of a triggered rule is
// weight × severity factor.
func Evaluate(r *Rule, ctx *Context) Result {
	res := Result{
		RuleID:   r.ID,
		RuleName: r.Name,
		Severity: r.Severity,
		Action:   r.Action,
	}
	if !r.Enabled || !conditionsMatch(&r.Conditions, ctx) {
		return res
	}

	matched := predicate(r, ctx)
	if len(matched) == 0 {
		return res
	}

	res.Triggered = true
	res.Contribution = r.Weight * r.Severity.Factor()
	res.Matched = matched
	return res
}

// EvaluateAll evaluates every rule against the context.
func EvaluateAll(active []*Rule, ctx *Context) []Result {
	results := make([]Result, 0, len(active))
	for _, r := range active {
		results = append(results, Evaluate(r, ctx))
	}
	return results
}

// conditionsMatch reports whether the context falls inside the rule's scope.
// Empty condition fields match everything.
func conditionsMatch(c *Conditions, ctx *Context) bool {
	if len(c.Currencies) > 0 && !containsFold(c.Currencies, ctx.Currency) {
		return false
	}
	if len(c.Countries) > 0 && !containsFold(c.Countries, ctx.Country) {
		return false
	}
	if len(c.PaymentMethods) > 0 && !containsFold(c.PaymentMethods, ctx.PaymentMethod) {
		return false
	}
	if c.MinAmount != nil && ctx.Amount < *c.MinAmount {
		return false
	}
	if c.MaxAmount != nil && ctx.Amount > *c.MaxAmount {
		return false
	}
	return true
}

// predicate dispatches on rule type and returns human-readable descriptions
// of what matched. Empty slice = not triggered.
func predicate(r *Rule, ctx *Context) []string {
	switch r.Type {
	case TypeVelocity:
		return velocityPredicate(r, ctx)
	case TypeAmountThreshold:
		return amountPredicate(r, ctx)
	case TypeGeoMismatch:
		return geoPredicate(r, ctx)
	case TypeDeviceNovelty:
		return noveltyPredicate(r, ctx)
	case TypeBlacklist:
		return blacklistPredicate(r, ctx)
	case TypePattern:
		return patternPredicate(r, ctx)
	}
	return nil
}

func velocityPredicate(r *Rule, ctx *Context) []string {
	var p VelocityParams
	if unmarshalParams(r.Params, &p) != nil || p.WindowSeconds <= 0 {
		return nil
	}
	usage, ok := ctx.Velocity[time.Duration(p.WindowSeconds)*time.Second]
	if !ok {
		return nil
	}

	var matched []string
	if p.MaxCount > 0 && usage.Count > p.MaxCount {
		matched = append(matched, fmt.Sprintf("%d %s attempts in %ds exceeds %d",
			usage.Count, ctx.Action, p.WindowSeconds, p.MaxCount))
	}
	if p.MaxSum > 0 && usage.Sum > p.MaxSum {
		matched = append(matched, fmt.Sprintf("%.2f %s volume in %ds exceeds %.2f",
			usage.Sum, ctx.Action, p.WindowSeconds, p.MaxSum))
	}
	return matched
}

func amountPredicate(r *Rule, ctx *Context) []string {
	var p AmountThresholdParams
	if unmarshalParams(r.Params, &p) != nil {
		return nil
	}

	var matched []string
	if p.Threshold > 0 && ctx.Amount > p.Threshold {
		matched = append(matched, fmt.Sprintf("amount %.2f above threshold %.2f", ctx.Amount, p.Threshold))
	}
	if p.Floor > 0 && ctx.Amount < p.Floor {
		matched = append(matched, fmt.Sprintf("amount %.2f below floor %.2f", ctx.Amount, p.Floor))
	}
	return matched
}

func geoPredicate(r *Rule, ctx *Context) []string {
	var p GeoMismatchParams
	if unmarshalParams(r.Params, &p) != nil {
		return nil
	}

	var matched []string
	if ctx.IPCountry != "" && ctx.Country != "" && !strings.EqualFold(ctx.IPCountry, ctx.Country) {
		matched = append(matched, fmt.Sprintf("IP country %s does not match billing country %s",
			ctx.IPCountry, ctx.Country))
	}
	for _, hr := range p.HighRiskCountries {
		if strings.EqualFold(hr, ctx.Country) || strings.EqualFold(hr, ctx.IPCountry) {
			matched = append(matched, fmt.Sprintf("country %s is on the high-risk list", strings.ToUpper(hr)))
			break
		}
	}
	return matched
}

func noveltyPredicate(r *Rule, ctx *Context) []string {
	var p DeviceNoveltyParams
	if unmarshalParams(r.Params, &p) != nil {
		return nil
	}

	if p.RequireBoth {
		if ctx.NewDevice && ctx.NewLocation {
			return []string{"first use of this device from a new location"}
		}
		return nil
	}

	var matched []string
	if ctx.NewDevice {
		matched = append(matched, "device not seen before for this user")
	}
	if ctx.NewLocation {
		matched = append(matched, "location not seen before for this user")
	}
	return matched
}

func blacklistPredicate(r *Rule, ctx *Context) []string {
	var p BlacklistParams
	if unmarshalParams(r.Params, &p) != nil {
		return nil
	}

	// Map order is random; sort so identical contexts yield identical results.
	keys := make([]string, 0, len(ctx.Blacklisted))
	for key := range ctx.Blacklisted {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var matched []string
	for _, key := range keys {
		if !ctx.Blacklisted[key] {
			continue
		}
		if len(p.Kinds) > 0 {
			kind, _, _ := strings.Cut(key, ":")
			if !containsFold(p.Kinds, kind) {
				continue
			}
		}
		matched = append(matched, fmt.Sprintf("%s is blacklisted", key))
	}
	return matched
}

func patternPredicate(r *Rule, ctx *Context) []string {
	var p PatternParams
	if unmarshalParams(r.Params, &p) != nil || p.Field == "" {
		return nil
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return nil // invalid patterns are rejected at load time; never trigger here
	}
	value, ok := ctx.Attributes[p.Field]
	if !ok || value == "" {
		return nil
	}
	if re.MatchString(value) {
		return []string{fmt.Sprintf("field %s matches pattern %s", p.Field, p.Pattern)}
	}
	return nil
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
