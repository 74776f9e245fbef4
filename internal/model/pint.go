package model

import "time"

// Pint is one logged attempt at splitting the G. Survey fields stay nil until
// the rating survey is completed.
type Pint struct {
	ID            int64     `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Score         float64   `json:"score"`
	Image         string    `json:"image"`
	SplitDetected bool      `json:"split_detected"`
	Feedback      string    `json:"feedback"`
	DistanceMM    *float64  `json:"distance_mm,omitempty"`

	Location   *string  `json:"location,omitempty"`
	PlaceID    *string  `json:"place_id,omitempty"`
	PubName    *string  `json:"pub_name,omitempty"`
	PubAddress *string  `json:"pub_address,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lng        *float64 `json:"lng,omitempty"`
	Ranking    *string  `json:"ranking,omitempty"`

	OverallRating *float64 `json:"overall_rating"`
	Price         *float64 `json:"price"`
	Taste         *float64 `json:"taste"`
	Temperature   *float64 `json:"temperature"`
	Creaminess    *float64 `json:"creaminess"`
	PourTechnique []string `json:"pour_technique"`
	Roast         *string  `json:"roast"`
}

// Surveyed reports whether the rating survey has been completed.
func (p *Pint) Surveyed() bool {
	return p.OverallRating != nil
}

// Survey is the set of fields written when a pint is rated.
type Survey struct {
	OverallRating float64  `json:"overall_rating"`
	Price         *float64 `json:"price,omitempty"`
	Taste         *float64 `json:"taste,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	Creaminess    *float64 `json:"creaminess,omitempty"`
	PourTechnique []string `json:"pour_technique,omitempty"`
	Roast         *string  `json:"roast,omitempty"`
	Location      *string  `json:"location,omitempty"`
}

type PintStats struct {
	Average float64 `json:"average"`
	Best    float64 `json:"best"`
	Count   int     `json:"count"`
}
