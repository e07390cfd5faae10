package incidentapi

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// inflight admits at most one mutating pipeline per incident ID.
type inflight struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{busy: make(map[string]struct{})}
}

func (f *inflight) acquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.busy[id]; ok {
		return false
	}
	f.busy[id] = struct{}{}
	return true
}

func (f *inflight) release(id string) {
	f.mu.Lock()
	delete(f.busy, id)
	f.mu.Unlock()
}

// guarded rejects a request with 409 while another mutating request for the
// same incident ID is running.
func (a *API) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !a.inflight.acquire(id) {
			a.logger.Warn(r.Context(), "rejected overlapping incident operation", "incident_id", id, "path", r.URL.Path)
			writeJSON(w, http.StatusConflict, errorBody{Error: "operation already in progress for incident " + id})
			return
		}
		defer a.inflight.release(id)
		next(w, r)
	}
}
