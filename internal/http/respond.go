package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/eyes-pick/kapsules/internal/domain"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps err onto the shared taxonomy. Internal errors are
// not echoed to the caller.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && domain.ErrorKind(err) == domain.KindInternal {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func statusForError(err error) int {
	switch domain.ErrorKind(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindCollaborator:
		return http.StatusBadGateway
	case domain.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
