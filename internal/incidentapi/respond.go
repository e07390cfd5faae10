package incidentapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the incident error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, incident.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, incident.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, incident.ErrCollaboratorUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg, "path", r.URL.Path)
	}
	text := err.Error()
	if status == http.StatusInternalServerError {
		text = "internal error"
	}
	writeJSON(w, status, errorBody{Error: text})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
