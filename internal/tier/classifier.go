// Package tier maps a percentile position to a tier and division.
package tier

import (
	"math"

	"github.com/hypertrophy-rankings/internal/config"
)

// Divisions is the number of divisions inside each tier.
const Divisions = 5

// Classifier holds a tier table ordered from most to least exclusive.
type Classifier struct {
	tiers []config.TierThreshold
}

// NewClassifier creates a classifier. An empty table falls back to the
// default one; a table whose last threshold is below 1 gets its last tier
// stretched to 1 so Classify stays total.
func NewClassifier(tiers []config.TierThreshold) *Classifier {
	if len(tiers) == 0 {
		tiers = config.DefaultTiers()
	}
	table := make([]config.TierThreshold, len(tiers))
	copy(table, tiers)
	if table[len(table)-1].MaxPercentile < 1 {
		table[len(table)-1].MaxPercentile = 1
	}
	return &Classifier{tiers: table}
}

// Classify returns the tier and division for percentile p, clamped to (0,1].
// Division 1 is the top fifth of the tier's span.
func (c *Classifier) Classify(p float64) (string, int) {
	p = clamp(p)

	lower := 0.0
	for _, t := range c.tiers {
		if p <= t.MaxPercentile {
			return t.Name, division(p, lower, t.MaxPercentile)
		}
		lower = t.MaxPercentile
	}
	last := c.tiers[len(c.tiers)-1]
	return last.Name, Divisions
}

// Tiers returns a copy of the table.
func (c *Classifier) Tiers() []config.TierThreshold {
	out := make([]config.TierThreshold, len(c.tiers))
	copy(out, c.tiers)
	return out
}

func division(p, lower, upper float64) int {
	span := upper - lower
	if span <= 0 {
		return 1
	}
	d := int(math.Ceil((p - lower) / span * Divisions))
	if d < 1 {
		return 1
	}
	if d > Divisions {
		return Divisions
	}
	return d
}

func clamp(p float64) float64 {
	if math.IsNaN(p) || p <= 0 {
		return math.SmallestNonzeroFloat64
	}
	if p > 1 {
		return 1
	}
	return p
}
