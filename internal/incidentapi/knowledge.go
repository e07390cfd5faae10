package incidentapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

func (a *API) handleQueryKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := strings.TrimSpace(q.Get("q"))
	if text == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "q is required"})
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	sev := incident.Severity(strings.ToUpper(q.Get("severity")))
	if sev != "" && !sev.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "severity must be one of SEV1, SEV2, SEV3, SEV4"})
		return
	}

	writeJSON(w, http.StatusOK, a.svc.QueryKnowledge(r.Context(), text, limit, sev))
}
