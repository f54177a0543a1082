package handlers

import (
	"encoding/json"
	"net/http"

	"emergencyd/internal/coordinator"
)

// respondJSON sends a JSON response with the given status code and payload.
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondError sends the {"success":false,"error":...} failure shape.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// respondCoordError maps a coordination error onto its HTTP status.
func respondCoordError(w http.ResponseWriter, err error) {
	respondError(w, statusForKind(coordinator.KindOf(err)), err.Error())
}

// statusForKind is the single place the error taxonomy meets HTTP.
func statusForKind(kind coordinator.ErrorKind) int {
	switch kind {
	case coordinator.KindNotFound:
		return http.StatusNotFound
	case coordinator.KindResourceBusy, coordinator.KindLockDenied:
		return http.StatusConflict
	case coordinator.KindValidation:
		return http.StatusBadRequest
	case coordinator.KindNotAssigned:
		return http.StatusForbidden
	case coordinator.KindAlreadyClosed:
		return http.StatusGone
	case coordinator.KindNoLeader, coordinator.KindConsensusFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// boolParam parses an optional "true"/"false" query parameter.
func boolParam(r *http.Request, name string) *bool {
	switch r.URL.Query().Get(name) {
	case "true":
		v := true
		return &v
	case "false":
		v := false
		return &v
	}
	return nil
}
