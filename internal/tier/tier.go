// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

// Package tier maps measured power statistics to a discrete pricing tier via
// ordered threshold rules.
package tier

import (
	"fmt"
)

// Tier is a pricing tier derived from measured power stability. String values
// match the wire wording of the original grid-qualification system.
type Tier string

const (
	Tier1Efficient    Tier = "tier_1_efficient"     // 20% discount
	Tier2Standard     Tier = "tier_2_standard"      // 10% discount
	Tier3HighVariance Tier = "tier_3_high_variance" // standard pricing
)

// Rule is one threshold row. A run matches when both its CV and average power
// are strictly below the rule's bounds.
type Rule struct {
	Tier            Tier
	MaxCV           float64
	MaxAvgWatts     float64
	DiscountPercent float64
}

// DefaultRules returns the stock tier ladder. Deployments override these via
// configuration.
func DefaultRules() []Rule {
	return []Rule{
		{Tier: Tier1Efficient, MaxCV: 0.10, MaxAvgWatts: 150, DiscountPercent: 20},
		{Tier: Tier2Standard, MaxCV: 0.15, MaxAvgWatts: 200, DiscountPercent: 10},
	}
}

// Decision is the outcome of classifying one run. Classification is a pure
// function of its inputs: identical metrics always yield an identical
// decision.
type Decision struct {
	Tier            Tier    `json:"tier"`
	DiscountPercent float64 `json:"discount_percentage"`
	Qualified       bool    `json:"qualified"`
	PowerCV         float64 `json:"power_cv"`
	AvgPowerWatts   float64 `json:"avg_power_watts"`
	PeakPowerWatts  float64 `json:"peak_power_watts"`
	Reasoning       string  `json:"reasoning"`
}

// Classifier evaluates rules in order; the first match wins and the fallback
// is tier 3 at standard pricing.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier over the given ordered rules. No rules
// means the defaults.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify maps measured run statistics to a tier decision. Bounds are
// strict: an average of exactly 150W does not meet a MaxAvgWatts of 150.
func (c *Classifier) Classify(avgWatts, cv, peakWatts float64) Decision {
	for _, r := range c.rules {
		if cv < r.MaxCV && avgWatts < r.MaxAvgWatts {
			return Decision{
				Tier:            r.Tier,
				DiscountPercent: r.DiscountPercent,
				Qualified:       true,
				PowerCV:         cv,
				AvgPowerWatts:   avgWatts,
				PeakPowerWatts:  peakWatts,
				Reasoning:       reasoning(r.Tier, cv, avgWatts),
			}
		}
	}

	return Decision{
		Tier:           Tier3HighVariance,
		PowerCV:        cv,
		AvgPowerWatts:  avgWatts,
		PeakPowerWatts: peakWatts,
		Reasoning:      reasoning(Tier3HighVariance, cv, avgWatts),
	}
}

func reasoning(t Tier, cv, avgWatts float64) string {
	switch t {
	case Tier1Efficient:
		return fmt.Sprintf("Excellent power stability (CV=%.3f) and low average power (%.1fW). Qualifies for Tier 1.", cv, avgWatts)
	case Tier2Standard:
		return fmt.Sprintf("Good power stability (CV=%.3f) and moderate power (%.1fW). Qualifies for Tier 2.", cv, avgWatts)
	default:
		return fmt.Sprintf("High power variance (CV=%.3f) or high average power (%.1fW). Standard pricing applies.", cv, avgWatts)
	}
}
