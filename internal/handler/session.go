package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/gsplit/internal/model"
	"github.com/dukerupert/gsplit/internal/session"
)

type SessionHandler struct {
	sessions *session.Manager
}

func NewSessionHandler(sessions *session.Manager) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Get handles GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Get(h.sessions.ID(w, r)))
}

// Update handles PUT /api/session. An empty body clears the selection.
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var sel model.Selection
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sel.PubName = strings.TrimSpace(sel.PubName)
	sel.Username = strings.TrimSpace(sel.Username)
	if (sel.Lat == nil) != (sel.Lng == nil) {
		writeError(w, http.StatusBadRequest, "lat and lng must be given together")
		return
	}
	if sel.Lat != nil && (*sel.Lat < -90 || *sel.Lat > 90 || *sel.Lng < -180 || *sel.Lng > 180) {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}

	id := h.sessions.ID(w, r)
	if sel == (model.Selection{}) {
		h.sessions.Clear(id)
	} else {
		h.sessions.Set(id, sel)
	}
	writeJSON(w, http.StatusOK, sel)
}
