// Package directory merges the pub backend's charted pubs with live place
// search results and applies distance and name filters.
package directory

import (
	"math"
	"sort"
	"strings"

	"github.com/dukerupert/gsplit/internal/model"
)

const (
	earthRadiusMiles = 3958.8

	// NearRadiusMiles bounds the "near a selected place" filter.
	NearRadiusMiles = 5.0
)

// Merge combines backend and live entries keyed by place id. Backend entries
// win on collision; order is backend first, then unseen live entries.
func Merge(backend, live []model.Pub) []model.Pub {
	seen := make(map[string]bool, len(backend))
	merged := make([]model.Pub, 0, len(backend)+len(live))
	for _, p := range backend {
		if seen[p.PlaceID] {
			continue
		}
		seen[p.PlaceID] = true
		merged = append(merged, p)
	}
	for _, p := range live {
		if seen[p.PlaceID] {
			continue
		}
		seen[p.PlaceID] = true
		merged = append(merged, p)
	}
	return merged
}

// Distance returns the great-circle distance between two points in miles.
func Distance(a, b model.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Located reports whether p carries coordinates. The pub backend stores
// missing coordinates as 0,0.
func Located(p model.Pub) bool {
	return p.Lat != 0 || p.Lng != 0
}

// Annotate sets each entry's distance from at. A nil at clears distances, and
// entries without coordinates get none.
func Annotate(pubs []model.Pub, at *model.Coordinates) []model.Pub {
	out := make([]model.Pub, len(pubs))
	for i, p := range pubs {
		p.Distance = nil
		if at != nil && Located(p) {
			d := Distance(*at, model.Coordinates{Lat: p.Lat, Lng: p.Lng})
			p.Distance = &d
		}
		out[i] = p
	}
	return out
}

// SortByDistance orders entries nearest first. Entries without a distance
// keep their relative order after all measured ones.
func SortByDistance(pubs []model.Pub) {
	sort.SliceStable(pubs, func(i, j int) bool {
		a, b := pubs[i].Distance, pubs[j].Distance
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
}

// FilterName keeps entries whose name or address contains q, ignoring case.
func FilterName(pubs []model.Pub, q string) []model.Pub {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return pubs
	}
	out := make([]model.Pub, 0, len(pubs))
	for _, p := range pubs {
		if strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.Address), q) {
			out = append(out, p)
		}
	}
	return out
}

// FilterNear keeps entries within radius miles of the entry with placeID.
// An unknown or unlocated placeID leaves the list as is.
func FilterNear(pubs []model.Pub, placeID string, radius float64) []model.Pub {
	if placeID == "" {
		return pubs
	}
	var anchor *model.Pub
	for i := range pubs {
		if pubs[i].PlaceID == placeID {
			anchor = &pubs[i]
			break
		}
	}
	if anchor == nil || !Located(*anchor) {
		return pubs
	}

	center := model.Coordinates{Lat: anchor.Lat, Lng: anchor.Lng}
	out := make([]model.Pub, 0, len(pubs))
	for _, p := range pubs {
		if Located(p) && Distance(center, model.Coordinates{Lat: p.Lat, Lng: p.Lng}) <= radius {
			out = append(out, p)
		}
	}
	return out
}
