package model

// Selection is the pub and username chosen for the current session. It is
// attached to pints captured while the session lasts.
type Selection struct {
	PlaceID    string   `json:"place_id,omitempty"`
	PubName    string   `json:"pub_name,omitempty"`
	PubAddress string   `json:"pub_address,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lng        *float64 `json:"lng,omitempty"`
	Username   string   `json:"username,omitempty"`
}

// HasPub reports whether a pub has been chosen.
func (s Selection) HasPub() bool {
	return s.PubName != "" || s.PlaceID != ""
}
