package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTiersContiguous(t *testing.T) {
	assert.Equal(t, 0, Tiers[0].Min)
	for i := 1; i < len(Tiers); i++ {
		assert.Equal(t, Tiers[i-1].Max+1, Tiers[i].Min, "gap before %s", Tiers[i].Name)
	}
	assert.Negative(t, Tiers[len(Tiers)-1].Max, "final tier must be unbounded")
}

func TestEveryPointValueHasExactlyOneTier(t *testing.T) {
	for p := 0; p <= 120000; p++ {
		n := 0
		for _, tier := range Tiers {
			if tier.Contains(p) {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("points %d matched %d tiers", p, n)
		}
	}
}

func TestTierForPoints(t *testing.T) {
	tests := []struct {
		points int
		want   string
	}{
		{0, "Tourist"},
		{999, "Tourist"},
		{1000, "Apprentice"},
		{14999, "Local"},
		{15000, "Craftsman"},
		{49999, "Master"},
		{50000, "Legend"},
		{1 << 40, "Legend"},
		{-5, "Tourist"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierForPoints(tt.points).Name, "points %d", tt.points)
	}
}

func TestProgressToNextTier(t *testing.T) {
	tests := []struct {
		points int
		want   Progress
	}{
		{0, Progress{0, 1000, 0}},
		{500, Progress{500, 1000, 50}},
		{999, Progress{999, 1000, 100}},
		{1000, Progress{0, 4000, 0}},
		{49999, Progress{19999, 20000, 100}},
		{50000, Progress{50000, 50000, 100}},
		{73000, Progress{73000, 73000, 100}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ProgressToNextTier(tt.points), "points %d", tt.points)
	}
}
