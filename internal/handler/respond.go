package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dukerupert/gsplit/internal/store"
)

const quotaMessage = "Storage quota exceeded. Please delete old pints."

func parseIDParam(r *http.Request) (int64, error) {
	idStr := r.PathValue("id")
	return strconv.ParseInt(idStr, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps a failed write; the quota gets its own status and
// remediation message.
func writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrQuotaExceeded) {
		writeError(w, http.StatusInsufficientStorage, quotaMessage)
		return
	}
	writeError(w, http.StatusInternalServerError, msg)
}
