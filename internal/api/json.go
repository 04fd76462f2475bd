package api

import (
	"encoding/json"
	"net/http"

	"rescueroute/internal/dispatch"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeDispatchError maps the dispatch error taxonomy onto HTTP statuses.
func writeDispatchError(w http.ResponseWriter, err error, instance string) {
	kind, ok := dispatch.KindOf(err)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error(), instance)
		return
	}
	status := http.StatusInternalServerError
	title := "Internal error"
	switch kind {
	case dispatch.KindValidation:
		status, title = http.StatusBadRequest, "Invalid request"
	case dispatch.KindNotFound:
		status, title = http.StatusNotFound, "Not found"
	case dispatch.KindAuthorization:
		status, title = http.StatusForbidden, "Forbidden"
	case dispatch.KindConflict:
		status, title = http.StatusConflict, "Conflict"
	case dispatch.KindDependency:
		status, title = http.StatusBadGateway, "Upstream dependency failed"
	case dispatch.KindConcurrencyTimeout:
		status, title = http.StatusServiceUnavailable, "Busy, try again"
	}
	writeProblem(w, status, title, err.Error(), instance)
}
