package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dukerupert/gsplit/internal/store"
	"github.com/dukerupert/gsplit/internal/websocket"
)

// editableSettings are the keys the settings API may change. Ledger keys are
// owned by the ledger and never written here.
var editableSettings = map[string]func(string) error{
	store.KeyStreakReminder: func(v string) error {
		if v != "true" && v != "false" {
			return fmt.Errorf("%s must be true or false", store.KeyStreakReminder)
		}
		return nil
	},
	store.KeyBackupRetentionDays: func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			return fmt.Errorf("%s must be between 1 and 365", store.KeyBackupRetentionDays)
		}
		return nil
	},
}

type SettingsHandler struct {
	settingsStore *store.SettingsStore
	hub           *websocket.Hub
}

func NewSettingsHandler(ss *store.SettingsStore, hub *websocket.Hub) *SettingsHandler {
	return &SettingsHandler{settingsStore: ss, hub: hub}
}

func (h *SettingsHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

func (h *SettingsHandler) current() (map[string]string, error) {
	all, err := h.settingsStore.GetAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(editableSettings))
	for key := range editableSettings {
		out[key] = all[key]
	}
	return out, nil
}

// Get handles GET /api/settings
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	settings, err := h.current()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// Update handles PUT /api/settings
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := validateSettings(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for key, value := range req {
		if err := h.settingsStore.Set(key, value); err != nil {
			writeStoreError(w, err, "failed to save settings")
			return
		}
	}

	h.broadcast(websocket.NewMessage("settings", "updated", 0, nil))

	settings, err := h.current()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func validateSettings(settings map[string]string) error {
	for key, value := range settings {
		check, ok := editableSettings[key]
		if !ok {
			return fmt.Errorf("unknown setting: %s", key)
		}
		if err := check(value); err != nil {
			return err
		}
	}
	return nil
}
