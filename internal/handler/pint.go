package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/gsplit/internal/capture"
	"github.com/dukerupert/gsplit/internal/ledger"
	"github.com/dukerupert/gsplit/internal/pintlog"
	"github.com/dukerupert/gsplit/internal/scoring"
	"github.com/dukerupert/gsplit/internal/session"
	"github.com/dukerupert/gsplit/internal/store"
)

const maxUploadBytes = 10 << 20

type PintHandler struct {
	pints    *pintlog.Service
	scorer   capture.Scorer
	sessions *session.Manager
	logger   *slog.Logger
}

func NewPintHandler(pints *pintlog.Service, scorer capture.Scorer, sessions *session.Manager, logger *slog.Logger) *PintHandler {
	return &PintHandler{pints: pints, scorer: scorer, sessions: sessions, logger: logger}
}

// Analyze handles POST /api/analyze: score an uploaded photo and log it.
func (h *PintHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image provided")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image")
		return
	}

	res, err := h.scorer.Score(r.Context(), image)
	if err != nil {
		var ae *scoring.AnalysisError
		switch {
		case errors.Is(err, scoring.ErrNoImage):
			writeError(w, http.StatusBadRequest, "No image provided")
		case errors.As(err, &ae):
			writeError(w, http.StatusBadGateway, ae.Message)
		default:
			h.logger.Error("score upload", "error", err)
			writeError(w, http.StatusBadGateway, "analysis failed")
		}
		return
	}

	sid := h.sessions.ID(w, r)
	rec, err := h.pints.Record(r.Context(), pintlog.Capture{
		Result:    *res,
		Image:     image,
		Selection: h.sessions.Get(sid),
	})
	if err != nil {
		h.logger.Error("record pint", "error", err)
		writeStoreError(w, err, "failed to save pint")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *PintHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pints.List())
}

func (h *PintHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pints.Stats())
}

// Chart handles GET /api/pints/chart.png
func (h *PintHandler) Chart(w http.ResponseWriter, r *http.Request) {
	png, err := h.pints.Chart()
	if err != nil {
		h.logger.Error("render chart", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to render chart")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (h *PintHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	p, err := h.pints.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get pint")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "pint not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PintHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	ok, err := h.pints.Delete(id)
	if err != nil {
		h.logger.Error("delete pint", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete pint")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "pint not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Survey handles POST /api/pints/{id}/survey
func (h *PintHandler) Survey(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var in pintlog.SurveyInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if in.Username == "" {
		in.Username = h.sessions.Get(h.sessions.ID(w, r)).Username
	}

	res, err := h.pints.CompleteSurvey(r.Context(), id, in)
	switch {
	case errors.Is(err, pintlog.ErrInvalidSurvey):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrSurveyCompleted):
		writeError(w, http.StatusConflict, "survey already completed")
		return
	case err != nil:
		h.logger.Error("complete survey", "id", id, "error", err)
		writeStoreError(w, err, "failed to save survey")
		return
	case res == nil:
		writeError(w, http.StatusNotFound, "pint not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Ledger handles GET /api/ledger
func (h *PintHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	sum, err := h.pints.Summary()
	if err != nil {
		h.logger.Error("ledger summary", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load points")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Visit handles POST /api/ledger/visit
func (h *PintHandler) Visit(w http.ResponseWriter, r *http.Request) {
	streak, err := h.pints.Visit()
	if err != nil {
		h.logger.Error("update streak", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update streak")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"streak": streak})
}

// Tiers handles GET /api/tiers
func (h *PintHandler) Tiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ledger.Tiers)
}
