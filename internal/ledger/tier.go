package ledger

import "math"

// Tier is a rank band over cumulative points. Max is inclusive; a negative
// Max means the band has no upper bound.
type Tier struct {
	Name    string `json:"name"`
	Min     int    `json:"min"`
	Max     int    `json:"max"`
	Color   string `json:"color"`
	Icon    string `json:"icon"`
	Tagline string `json:"tagline"`
}

func (t Tier) Contains(points int) bool {
	return points >= t.Min && (t.Max < 0 || points <= t.Max)
}

// Tiers are ordered, contiguous and cover [0, ∞).
var Tiers = []Tier{
	{Name: "Tourist", Min: 0, Max: 999, Color: "#FFF8E7", Icon: "📸", Tagline: "Still learning where the G is"},
	{Name: "Apprentice", Min: 1000, Max: 4999, Color: "#FFF8E7", Icon: "🪄", Tagline: "The line's starting to make sense"},
	{Name: "Local", Min: 5000, Max: 14999, Color: "#FFF8E7", Icon: "🪑", Tagline: "You drink with intent"},
	{Name: "Craftsman", Min: 15000, Max: 29999, Color: "#FFF8E7", Icon: "⚒️", Tagline: "The foam fears you"},
	{Name: "Master", Min: 30000, Max: 49999, Color: "#FFF8E7", Icon: "🎯", Tagline: "Precision is routine"},
	{Name: "Legend", Min: 50000, Max: -1, Color: "#FFF8E7", Icon: "🐐", Tagline: "The G splits itself for you"},
}

// TierForPoints returns the first tier containing points, or the lowest tier.
func TierForPoints(points int) Tier {
	return Tiers[tierIndex(points)]
}

func tierIndex(points int) int {
	for i, t := range Tiers {
		if t.Contains(points) {
			return i
		}
	}
	return 0
}

type Progress struct {
	PointsIntoTier int `json:"points_into_tier"`
	PointsForTier  int `json:"points_for_tier"`
	Percent        int `json:"percent"`
}

// ProgressToNextTier reports linear progress from the current tier's floor to
// the next tier's floor. In the final tier it reports 100%.
func ProgressToNextTier(points int) Progress {
	i := tierIndex(points)
	if i == len(Tiers)-1 {
		return Progress{PointsIntoTier: points, PointsForTier: points, Percent: 100}
	}

	floor := Tiers[i].Min
	span := Tiers[i+1].Min - floor
	into := points - floor
	pct := int(math.Round(float64(into) / float64(span) * 100))
	pct = max(0, min(100, pct))
	return Progress{PointsIntoTier: into, PointsForTier: span, Percent: pct}
}
