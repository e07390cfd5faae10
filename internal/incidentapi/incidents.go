package incidentapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

func (a *API) handleSubmitAlert(w http.ResponseWriter, r *http.Request) {
	var al incident.Alert
	if err := decodeBody(w, r, &al); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return
	}

	res, err := a.svc.SubmitIncident(r.Context(), &al)
	if res == nil {
		a.writeError(w, r, err, "submit incident failed")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("aftermath.incident.id", res.IncidentID),
		attribute.String("aftermath.incident.result", string(res.Status)),
	)

	if res.Status != incident.ResultActive {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	w.Header().Set("Location", "/api/v1/incidents/"+res.IncidentID)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incs, err := a.svc.ListIncidents(r.Context())
	if err != nil {
		a.writeError(w, r, err, "list incidents failed")
		return
	}
	if incs == nil {
		incs = []*incident.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incs, "count": len(incs)})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("aftermath.incident.id", id))

	inc, err := a.svc.GetIncident(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "get incident failed")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, err := a.svc.ResolveIncident(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "resolve incident failed")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handlePostmortem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("aftermath.incident.id", id))

	res, err := a.svc.GeneratePostmortem(r.Context(), id)
	if err != nil {
		if res == nil {
			a.writeError(w, r, err, "postmortem failed")
			return
		}
		writeJSON(w, postmortemStatus(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// postmortemStatus keeps the structured result for pipeline failures but
// still distinguishes caller errors from collaborator outages.
func postmortemStatus(err error) int {
	switch s := statusFor(err); s {
	case http.StatusNotFound, http.StatusConflict, http.StatusBadRequest:
		return s
	default:
		return http.StatusUnprocessableEntity
	}
}

func (a *API) handleSuggestSolutions(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.SuggestSolutions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err, "suggest solutions failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
