package incidentapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

type trackRequest struct {
	ActionItems []incident.ActionItem `json:"action_items"`
}

func (a *API) handleIncidentActions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.svc.GetIncident(r.Context(), id); err != nil {
		a.writeError(w, r, err, "get incident failed")
		return
	}
	items := a.svc.ActionItems(id)
	if items == nil {
		items = []incident.ActionItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident_id": id, "action_items": items, "count": len(items)})
}

func (a *API) handleTrackActions(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return
	}
	res, err := a.svc.TrackActionItems(r.Context(), chi.URLParam(r, "id"), req.ActionItems)
	if err != nil {
		a.writeError(w, r, err, "track action items failed")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleAllActions(w http.ResponseWriter, _ *http.Request) {
	items := a.svc.AllActionItems()
	if items == nil {
		items = []incident.ActionItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"action_items": items, "count": len(items)})
}

func (a *API) handleOverdue(w http.ResponseWriter, r *http.Request) {
	now := a.now()
	if v := r.URL.Query().Get("now"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("now must be RFC 3339: %v", err)})
			return
		}
		now = t
	}
	writeJSON(w, http.StatusOK, a.svc.CheckOverdueItems(r.Context(), now.UTC()))
}

func (a *API) handleCompleteAction(w http.ResponseWriter, r *http.Request) {
	item, err := a.svc.CompleteActionItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err, "complete action item failed")
		return
	}
	writeJSON(w, http.StatusOK, item)
}
