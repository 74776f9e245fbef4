package model

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type TopSplit struct {
	Score    float64 `json:"score"`
	Username string  `json:"username"`
}

type LeaderboardEntry struct {
	Rank     int     `json:"rank"`
	Username string  `json:"username"`
	Score    float64 `json:"score"`
}

type CategoryStat struct {
	Average     float64 `json:"average"`
	PercentGood float64 `json:"percentGood"`
}

type PubStats struct {
	Taste       CategoryStat `json:"taste"`
	Temperature CategoryStat `json:"temperature"`
	Head        CategoryStat `json:"head"`
}

// Pub is a directory entry. Entries that only came from a live place search
// carry no rating, no pints and an empty leaderboard.
type Pub struct {
	PlaceID       string             `json:"place_id"`
	Name          string             `json:"name"`
	Address       string             `json:"address"`
	Lat           float64            `json:"lat"`
	Lng           float64            `json:"lng"`
	TopSplit      *TopSplit          `json:"topSplit"`
	QualityRating *float64           `json:"qualityRating"`
	PintsLogged   int                `json:"pintsLogged"`
	AvgPrice      *float64           `json:"avgPrice"`
	Leaderboard   []LeaderboardEntry `json:"leaderboard"`
	Stats         *PubStats          `json:"stats,omitempty"`

	// Distance is in miles from the caller, nil when no coordinates were given.
	Distance *float64 `json:"distance"`
	// Source is "backend" or "places".
	Source string `json:"source,omitempty"`
}

const (
	PubSourceBackend = "backend"
	PubSourcePlaces  = "places"
)

// Place is a live place-search suggestion.
type Place struct {
	PlaceID     string `json:"place_id"`
	Description string `json:"description"`
	MainText    string `json:"main_text"`
}
