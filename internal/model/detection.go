package model

// Detection is one classifier output. BBox is [x, y, width, height] with x, y
// at the top-left corner, in source image pixels.
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

// SplitResult is the scoring service's verdict on a still image.
type SplitResult struct {
	Score         float64  `json:"score"`
	SplitDetected bool     `json:"split_detected"`
	Feedback      string   `json:"feedback"`
	DistanceMM    *float64 `json:"distance_mm,omitempty"`
}
