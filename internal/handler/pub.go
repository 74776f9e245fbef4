package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/gsplit/internal/directory"
	"github.com/dukerupert/gsplit/internal/model"
)

type PubDetail interface {
	GetPub(ctx context.Context, placeID string) (*model.Pub, error)
}

type Autocompleter interface {
	Autocomplete(ctx context.Context, input string, near *model.Coordinates) ([]model.Place, error)
}

type PubHandler struct {
	directory *directory.Service
	detail    PubDetail
	places    Autocompleter
	logger    *slog.Logger
}

// NewPubHandler accepts nil detail or places when those sources are not configured.
func NewPubHandler(dir *directory.Service, detail PubDetail, places Autocompleter, logger *slog.Logger) *PubHandler {
	return &PubHandler{directory: dir, detail: detail, places: places, logger: logger}
}

// parseCoordinates reads lat and lng query parameters. Both must be present
// and valid, otherwise there is no position.
func parseCoordinates(r *http.Request) *model.Coordinates {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil || lng < -180 || lng > 180 {
		return nil
	}
	return &model.Coordinates{Lat: lat, Lng: lng}
}

// Search handles GET /api/pubs?lat=&lng=&q=&near=
func (h *PubHandler) Search(w http.ResponseWriter, r *http.Request) {
	pubs, err := h.directory.Search(r.Context(), directory.Query{
		At:   parseCoordinates(r),
		Name: r.URL.Query().Get("q"),
		Near: r.URL.Query().Get("near"),
	})
	if err != nil {
		h.logger.Error("pub directory", "error", err)
		writeError(w, http.StatusBadGateway, "Couldn't load pubs")
		return
	}
	if pubs == nil {
		pubs = []model.Pub{}
	}
	writeJSON(w, http.StatusOK, pubs)
}

// Get handles GET /api/pubs/{id}
func (h *PubHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.detail == nil {
		writeError(w, http.StatusNotFound, "pub not found")
		return
	}

	pub, err := h.detail.GetPub(r.Context(), r.PathValue("id"))
	if err != nil {
		h.logger.Error("get pub", "place_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusBadGateway, "Couldn't load pub")
		return
	}
	if pub == nil {
		writeError(w, http.StatusNotFound, "pub not found")
		return
	}
	if at := parseCoordinates(r); at != nil && directory.Located(*pub) {
		d := directory.Distance(*at, model.Coordinates{Lat: pub.Lat, Lng: pub.Lng})
		pub.Distance = &d
	}
	writeJSON(w, http.StatusOK, pub)
}

// Autocomplete handles GET /api/places/autocomplete?input=
func (h *PubHandler) Autocomplete(w http.ResponseWriter, r *http.Request) {
	if h.places == nil {
		writeJSON(w, http.StatusOK, []model.Place{})
		return
	}

	places, err := h.places.Autocomplete(r.Context(), r.URL.Query().Get("input"), parseCoordinates(r))
	if err != nil {
		h.logger.Warn("autocomplete", "error", err)
		writeError(w, http.StatusBadGateway, "Couldn't search places")
		return
	}
	writeJSON(w, http.StatusOK, places)
}
