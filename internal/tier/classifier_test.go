package tier

import (
	"math"
	"testing"

	"github.com/hypertrophy-rankings/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestClassifyBoundaries(t *testing.T) {
	c := NewClassifier(nil)
	tests := []struct {
		p        float64
		tier     string
		division int
	}{
		{p: 0.0001, tier: "Challenger", division: 1},
		{p: 0.002, tier: "Challenger", division: 5},
		{p: 0.0021, tier: "Grandmaster", division: 1},
		{p: 0.005, tier: "Grandmaster", division: 5},
		{p: 0.01, tier: "Master", division: 5},
		{p: 0.02, tier: "Diamond", division: 3},
		{p: 0.30, tier: "Gold", division: 5},
		{p: 0.31, tier: "Silver", division: 1},
		{p: 0.5, tier: "Silver", division: 5},
		{p: 0.76, tier: "Iron", division: 1},
		{p: 1.0, tier: "Iron", division: 5},
	}

	for _, tt := range tests {
		tier, div := c.Classify(tt.p)
		assert.Equal(t, tt.tier, tier, "p=%v", tt.p)
		assert.Equal(t, tt.division, div, "p=%v", tt.p)
	}
}

func TestClassifyClampsOutOfRange(t *testing.T) {
	c := NewClassifier(nil)

	tier, div := c.Classify(0)
	assert.Equal(t, "Challenger", tier)
	assert.Equal(t, 1, div)

	tier, div = c.Classify(-3)
	assert.Equal(t, "Challenger", tier)
	assert.Equal(t, 1, div)

	tier, div = c.Classify(math.NaN())
	assert.Equal(t, "Challenger", tier)
	assert.Equal(t, 1, div)

	tier, div = c.Classify(7)
	assert.Equal(t, "Iron", tier)
	assert.Equal(t, 5, div)
}

// The returned tier's threshold covers p and no stricter threshold does.
func TestClassifyPicksLeastThresholdCoveringPercentile(t *testing.T) {
	c := NewClassifier(nil)
	table := config.DefaultTiers()
	index := make(map[string]int, len(table))
	for i, tt := range table {
		index[tt.Name] = i
	}

	for i := 1; i <= 10000; i++ {
		p := float64(i) / 10000
		name, div := c.Classify(p)
		idx := index[name]

		assert.GreaterOrEqual(t, table[idx].MaxPercentile, p)
		if idx > 0 {
			assert.Less(t, table[idx-1].MaxPercentile, p)
		}
		assert.True(t, div >= 1 && div <= Divisions)

		again, againDiv := c.Classify(p)
		assert.Equal(t, name, again)
		assert.Equal(t, div, againDiv)
	}
}

func TestNewClassifierStretchesLastTier(t *testing.T) {
	c := NewClassifier([]config.TierThreshold{{Name: "A", MaxPercentile: 0.5}, {Name: "B", MaxPercentile: 0.9}})
	tier, div := c.Classify(0.95)
	assert.Equal(t, "B", tier)
	assert.Equal(t, 5, div)
}
