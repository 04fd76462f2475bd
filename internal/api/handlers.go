package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rescueroute/internal/integrations"
	"rescueroute/internal/metrics"
	"rescueroute/internal/model"
	"rescueroute/internal/store"
	"rescueroute/internal/webhooks"
)

// EmergenciesHandler handles POST /v1/emergencies and GET /v1/emergencies.
func (s *Server) EmergenciesHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if p.UserID == "" {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid token", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		if !p.IsCitizen() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "citizen role required", r.URL.Path)
			return
		}
		req, err := decodeCreateRequest(r)
		if err != nil {
			writeDispatchError(w, err, r.URL.Path)
			return
		}
		em, err := s.Engine.Create(r.Context(), p.Caller(), req)
		if err != nil {
			metrics.Assignments.WithLabelValues(string(req.Capability), "aborted").Inc()
			writeDispatchError(w, err, r.URL.Path)
			return
		}
		outcome := "pending"
		if em.Status == model.StatusAssigned {
			outcome = "assigned"
		}
		metrics.Assignments.WithLabelValues(string(em.Capability), outcome).Inc()
		s.Pub.Emit(r.Context(), webhooks.EventCreated, em)
		if em.Status == model.StatusAssigned {
			s.Pub.Emit(r.Context(), webhooks.EventAssigned, em)
		}
		s.Broker.Publish(em.ID, SSEEvent{Type: webhooks.EventCreated, Data: map[string]any{
			"emergencyId": em.ID, "status": string(em.Status), "stationId": em.AssignedStationID,
		}})
		writeJSON(w, http.StatusCreated, em)
	case http.MethodGet:
		// dispatcher listing of active emergencies
		if !(p.IsDispatcher() || p.IsResponder()) {
			writeProblem(w, http.StatusForbidden, "Forbidden", "responder or dispatcher role required", r.URL.Path)
			return
		}
		items, err := s.Store.ActiveEmergencies(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List emergencies failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"emergencies": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// EmergencyByIDHandler handles /v1/emergencies/{id} and its subpaths:
// GET {id}, POST {id}/cancel, POST {id}/status, GET {id}/events/stream,
// GET {id}/locations, plus the fixed listings "mine" and "assigned".
func (s *Server) EmergencyByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/emergencies/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if p.UserID == "" {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid token", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]

	if len(parts) == 1 {
		switch id {
		case "mine":
			s.listMine(w, r, p)
			return
		case "assigned":
			s.listAssigned(w, r, p)
			return
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		em, err := s.Store.GetEmergency(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Emergency not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Get emergency failed", err.Error(), r.URL.Path)
			return
		}
		if !s.mayView(p, em) {
			writeProblem(w, http.StatusForbidden, "Forbidden", "not authorized for this emergency", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, em)
		return
	}

	switch parts[1] {
	case "cancel":
		s.cancelEmergency(w, r, p, id)
	case "status":
		s.advanceEmergency(w, r, p, id)
	case "events":
		if len(parts) > 2 && parts[2] == "stream" {
			s.streamEvents(w, r, p, id)
			return
		}
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	case "locations":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"locations": s.Locations.ListByEmergency(id)})
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// mayView: the owner, the assigned station's operator, and dispatchers
// can read an emergency.
func (s *Server) mayView(p Principal, em model.Emergency) bool {
	if p.IsDispatcher() {
		return true
	}
	if em.CreatedBy == p.UserID {
		return true
	}
	return p.IsResponder() && p.StationID != "" && em.AssignedStationID == p.StationID
}

func (s *Server) listMine(w http.ResponseWriter, r *http.Request, p Principal) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !p.IsCitizen() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "citizen role required", r.URL.Path)
		return
	}
	items, err := s.Store.ListEmergenciesByRequester(r.Context(), p.UserID)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List emergencies failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emergencies": items})
}

func (s *Server) listAssigned(w http.ResponseWriter, r *http.Request, p Principal) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !p.IsResponder() || p.StationID == "" {
		writeProblem(w, http.StatusForbidden, "Forbidden", "responder role required", r.URL.Path)
		return
	}
	items, err := s.Store.ListEmergenciesByStation(r.Context(), p.StationID)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List emergencies failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emergencies": items})
}

func (s *Server) cancelEmergency(w http.ResponseWriter, r *http.Request, p Principal, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.CancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // body optional
	}
	em, err := s.Engine.Cancel(r.Context(), p.Caller(), id)
	if err != nil {
		writeDispatchError(w, err, r.URL.Path)
		return
	}
	metrics.Transitions.WithLabelValues(string(model.StatusCancelled)).Inc()
	s.Pub.Emit(r.Context(), webhooks.EventCancelled, em)
	s.Broker.Publish(em.ID, SSEEvent{Type: webhooks.EventCancelled, Data: map[string]any{
		"emergencyId": em.ID, "status": string(em.Status), "reason": req.Reason,
	}})
	writeJSON(w, http.StatusOK, map[string]any{"emergency": em})
}

func (s *Server) advanceEmergency(w http.ResponseWriter, r *http.Request, p Principal, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeAdvanceRequest(r)
	if err != nil {
		writeDispatchError(w, err, r.URL.Path)
		return
	}
	em, err := s.Engine.Advance(r.Context(), p.Caller(), id, req)
	if err != nil {
		writeDispatchError(w, err, r.URL.Path)
		return
	}
	metrics.Transitions.WithLabelValues(string(em.Status)).Inc()
	s.Pub.Emit(r.Context(), webhooks.EventStatusChanged, em)
	s.Broker.Publish(em.ID, SSEEvent{Type: webhooks.EventStatusChanged, Data: map[string]any{
		"emergencyId": em.ID, "status": string(em.Status),
	}})
	writeJSON(w, http.StatusOK, map[string]any{"emergency": em})
}

// streamEvents serves per-emergency server-sent events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, p Principal, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	em, err := s.Store.GetEmergency(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Emergency not found", "", r.URL.Path)
		return
	}
	if !s.mayView(p, em) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not authorized for this emergency", r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"emergencyId\":%q,\"ts\":%q}\n\n", id, time.Now().Format(time.RFC3339))
	flusher.Flush()
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"emergencyId\":%q,\"ts\":%q}\n\n", id, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// StationsHandler handles GET/POST /v1/stations.
func (s *Server) StationsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if p.UserID == "" {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid token", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.Store.ListStations(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List stations failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stations": items})
	case http.MethodPost:
		if !p.IsDispatcher() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher role required", r.URL.Path)
			return
		}
		in, err := decodeStationInput(r)
		if err != nil {
			writeDispatchError(w, err, r.URL.Path)
			return
		}
		st, err := s.Store.CreateStation(r.Context(), in)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create station failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, st)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// StationImportHandler handles POST /v1/admin/stations/import with a CSV
// roster body (name,capability,lat,lng).
func (s *Server) StationImportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsDispatcher() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher role required", r.URL.Path)
		return
	}
	inputs, err := integrations.ParseCSVRoster(r.Body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid roster", err.Error(), r.URL.Path)
		return
	}
	created := 0
	for _, in := range inputs {
		if _, err := s.Store.CreateStation(r.Context(), in); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Import failed", err.Error(), r.URL.Path)
			return
		}
		created++
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"created": created})
}

// DispatchOverviewHandler handles GET /v1/dispatch/overview: every
// station plus all active emergencies.
func (s *Server) DispatchOverviewHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !(p.IsResponder() || p.IsDispatcher()) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "responder or dispatcher role required", r.URL.Path)
		return
	}
	stations, err := s.Store.ListStations(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Overview failed", err.Error(), r.URL.Path)
		return
	}
	active, err := s.Store.ActiveEmergencies(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Overview failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, model.Overview{Stations: stations, Emergencies: active})
}

// LocationsHandler handles POST /v1/locations: responder position pings
// while en route or on scene.
func (s *Server) LocationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsResponder() || p.StationID == "" {
		writeProblem(w, http.StatusForbidden, "Forbidden", "responder role required", r.URL.Path)
		return
	}
	var req struct {
		EmergencyID string  `json:"emergencyId"`
		Lat         float64 `json:"lat"`
		Lng         float64 `json:"lng"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	s.Locations.Upsert(req.EmergencyID, p.StationID, req.Lat, req.Lng, ts)
	s.Broker.Publish(req.EmergencyID, SSEEvent{Type: "responder.location", Data: map[string]any{
		"emergencyId": req.EmergencyID, "stationId": p.StationID, "lat": req.Lat, "lng": req.Lng, "ts": ts,
	}})
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions and
// DELETE /v1/subscriptions/{id}.
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsDispatcher() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher role required", r.URL.Path)
		return
	}
	if rest := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/"); rest != r.URL.Path && rest != "" {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.Store.DeleteSubscription(r.Context(), rest); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Subscription not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Delete failed", err.Error(), r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.URL == "" || len(req.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url and events required", r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		subs, err := s.Store.ListSubscriptions(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": subs})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler reports readiness (store reachable).
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Store.ListStations(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
