package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rescueroute/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("OSRM_URL", "static")
	s, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func TestBadRedisURLFallsBackToInProcessBroker(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "not-a-redis-url")
	t.Setenv("OSRM_URL", "static")
	s, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if _, ok := s.Broker.(*Broker); !ok {
		t.Fatalf("want in-process broker on bad REDIS_URL, got %T", s.Broker)
	}
}

func asCitizen(r *http.Request, userID string) *http.Request {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-User-Id", userID)
	r.Header.Set("X-User-Type", "CITIZEN")
	return r
}

func asResponder(r *http.Request, stationID string) *http.Request {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-User-Id", "resp1")
	r.Header.Set("X-User-Type", "RESPONDER")
	r.Header.Set("X-Station-Id", stationID)
	return r
}

func asDispatcher(r *http.Request) *http.Request {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-User-Id", "disp1")
	r.Header.Set("X-User-Type", "DISPATCHER")
	return r
}

func createStation(t *testing.T, s *Server, capability string, lat, lng float64) model.Station {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"capability": capability,
		"location":   map[string]float64{"lat": lat, "lng": lng},
	})
	rr := httptest.NewRecorder()
	s.StationsHandler(rr, asDispatcher(httptest.NewRequest(http.MethodPost, "/v1/stations", bytes.NewReader(body))))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create station: %d %s", rr.Code, rr.Body.String())
	}
	var st model.Station
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode station: %v", err)
	}
	return st
}

func createEmergency(t *testing.T, s *Server, userID string) model.Emergency {
	t.Helper()
	body := []byte(`{"type":"AMBULANCE","location":{"lat":0,"lng":0.001},"description":"help"}`)
	rr := httptest.NewRecorder()
	s.EmergenciesHandler(rr, asCitizen(httptest.NewRequest(http.MethodPost, "/v1/emergencies", bytes.NewReader(body)), userID))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create emergency: %d %s", rr.Code, rr.Body.String())
	}
	var em model.Emergency
	if err := json.Unmarshal(rr.Body.Bytes(), &em); err != nil {
		t.Fatalf("decode emergency: %v", err)
	}
	return em
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestEmergencyRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/emergencies", bytes.NewReader([]byte(`{}`)))
	s.EmergenciesHandler(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no identity: got %d", rr.Code)
	}
}

func TestEmergencyCreateValidation(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []string{
		`{`,
		`{"type":"SUBMARINE","location":{"lat":0,"lng":0}}`,
		`{"type":"AMBULANCE"}`,
		`{"type":"AMBULANCE","location":{"lat":0}}`,
	} {
		rr := httptest.NewRecorder()
		s.EmergenciesHandler(rr, asCitizen(httptest.NewRequest(http.MethodPost, "/v1/emergencies", bytes.NewReader([]byte(body))), "u1"))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %s: got %d, want 400", body, rr.Code)
		}
		var p Problem
		if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil || p.Status != http.StatusBadRequest {
			t.Fatalf("body %s: problem payload %s", body, rr.Body.String())
		}
	}
}

func TestEmergencyLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	st := createStation(t, s, "AMBULANCE", 0, 0)
	em := createEmergency(t, s, "u1")
	if em.Status != model.StatusAssigned || em.AssignedStationID != st.ID {
		t.Fatalf("assignment: %+v", em)
	}
	if em.Route == nil {
		t.Fatal("assigned emergency should carry a route")
	}

	// owner reads it back
	rr := httptest.NewRecorder()
	s.EmergencyByIDHandler(rr, asCitizen(httptest.NewRequest(http.MethodGet, "/v1/emergencies/"+em.ID, nil), "u1"))
	if rr.Code != 200 {
		t.Fatalf("get: %d", rr.Code)
	}
	// a different citizen does not
	rr = httptest.NewRecorder()
	s.EmergencyByIDHandler(rr, asCitizen(httptest.NewRequest(http.MethodGet, "/v1/emergencies/"+em.ID, nil), "u2"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign get: got %d, want 403", rr.Code)
	}
	// the assigned responder does
	rr = httptest.NewRecorder()
	s.EmergencyByIDHandler(rr, asResponder(httptest.NewRequest(http.MethodGet, "/v1/emergencies/"+em.ID, nil), st.ID))
	if rr.Code != 200 {
		t.Fatalf("responder get: %d", rr.Code)
	}

	// responder advances through to completion
	for _, target := range []string{"EN_ROUTE", "ON_SCENE", "COMPLETED"} {
		rr = httptest.NewRecorder()
		req := asResponder(httptest.NewRequest(http.MethodPost, "/v1/emergencies/"+em.ID+"/status", bytes.NewReader([]byte(`{"status":"`+target+`"}`))), st.ID)
		s.EmergencyByIDHandler(rr, req)
		if rr.Code != 200 {
			t.Fatalf("advance %s: %d %s", target, rr.Code, rr.Body.String())
		}
	}

	// completion releases the station
	rr = httptest.NewRecorder()
	s.StationsHandler(rr, asDispatcher(httptest.NewRequest(http.MethodGet, "/v1/stations", nil)))
	var list struct {
		Stations []model.Station `json:"stations"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || len(list.Stations) != 1 {
		t.Fatalf("stations: %s", rr.Body.String())
	}
	if list.Stations[0].Status != model.StationAvailable {
		t.Fatalf("station after completion: %s", list.Stations[0].Status)
	}

	// another advance conflicts
	rr = httptest.NewRecorder()
	req := asResponder(httptest.NewRequest(http.MethodPost, "/v1/emergencies/"+em.ID+"/status", bytes.NewReader([]byte(`{"status":"EN_ROUTE"}`))), st.ID)
	s.EmergencyByIDHandler(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("advance terminal: got %d, want 409", rr.Code)
	}
}

func TestAdvanceByWrongStationForbidden(t *testing.T) {
	s := newTestServer(t)
	createStation(t, s, "AMBULANCE", 0, 0)
	em := createEmergency(t, s, "u1")

	rr := httptest.NewRecorder()
	req := asResponder(httptest.NewRequest(http.MethodPost, "/v1/emergencies/"+em.ID+"/status", bytes.NewReader([]byte(`{"status":"EN_ROUTE"}`))), "other-station")
	s.EmergencyByIDHandler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("wrong station: got %d, want 403", rr.Code)
	}
}

func TestCancelFlow(t *testing.T) {
	s := newTestServer(t)
	createStation(t, s, "AMBULANCE", 0, 0)
	em := createEmergency(t, s, "u1")

	// someone else cannot cancel
	rr := httptest.NewRecorder()
	s.EmergencyByIDHandler(rr, asCitizen(httptest.NewRequest(http.MethodPost, "/v1/emergencies/"+em.ID+"/cancel", bytes.NewReader([]byte(`{}`))), "u2"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign cancel: got %d, want 403", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.EmergencyByIDHandler(rr, asCitizen(httptest.NewRequest(http.MethodPost, "/v1/emergencies/"+em.ID+"/cancel", bytes.NewReader([]byte(`{"reason":"resolved"}`))), "u1"))
	if rr.Code != 200 {
		t.Fatalf("cancel: %d %s", rr.Code, rr.Body.String())
	}

	// cancelling twice conflicts
	rr = httptest.NewRecorder()
	s.EmergencyByIDHandler(rr, asCitizen(httptest.NewRequest(http.MethodPost, "/v1/emergencies/"+em.ID+"/cancel", bytes.NewReader([]byte(`{}`))), "u1"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("double cancel: got %d, want 409", rr.Code)
	}
}

func TestMineAndAssignedListings(t *testing.T) {
	s := newTestServer(t)
	st := createStation(t, s, "AMBULANCE", 0, 0)
	em := createEmergency(t, s, "u1")

	rr := httptest.NewRecorder()
	s.EmergencyByIDHandler(rr, asCitizen(httptest.NewRequest(http.MethodGet, "/v1/emergencies/mine", nil), "u1"))
	if rr.Code != 200 {
		t.Fatalf("mine: %d", rr.Code)
	}
	var mine struct {
		Emergencies []model.Emergency `json:"emergencies"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &mine); err != nil || len(mine.Emergencies) != 1 || mine.Emergencies[0].ID != em.ID {
		t.Fatalf("mine payload: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.EmergencyByIDHandler(rr, asResponder(httptest.NewRequest(http.MethodGet, "/v1/emergencies/assigned", nil), st.ID))
	if rr.Code != 200 {
		t.Fatalf("assigned: %d", rr.Code)
	}
	var assigned struct {
		Emergencies []model.Emergency `json:"emergencies"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &assigned); err != nil || len(assigned.Emergencies) != 1 {
		t.Fatalf("assigned payload: %s", rr.Body.String())
	}
}

func TestDispatchOverview(t *testing.T) {
	s := newTestServer(t)
	createStation(t, s, "FIRE", 1, 1)
	createEmergency(t, s, "u1") // pending, no ambulance stations

	rr := httptest.NewRecorder()
	s.DispatchOverviewHandler(rr, asDispatcher(httptest.NewRequest(http.MethodGet, "/v1/dispatch/overview", nil)))
	if rr.Code != 200 {
		t.Fatalf("overview: %d", rr.Code)
	}
	var ov model.Overview
	if err := json.Unmarshal(rr.Body.Bytes(), &ov); err != nil {
		t.Fatalf("decode overview: %v", err)
	}
	if len(ov.Stations) != 1 || len(ov.Emergencies) != 1 {
		t.Fatalf("overview: %d stations, %d emergencies", len(ov.Stations), len(ov.Emergencies))
	}

	// citizens have no overview
	rr = httptest.NewRecorder()
	s.DispatchOverviewHandler(rr, asCitizen(httptest.NewRequest(http.MethodGet, "/v1/dispatch/overview", nil), "u1"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("citizen overview: got %d, want 403", rr.Code)
	}
}

func TestStationImportCSV(t *testing.T) {
	s := newTestServer(t)
	csv := "name,capability,lat,lng\nCentral,AMBULANCE,0,0\nNorth,POLICE,1,1\n"
	rr := httptest.NewRecorder()
	s.StationImportHandler(rr, asDispatcher(httptest.NewRequest(http.MethodPost, "/v1/admin/stations/import", bytes.NewReader([]byte(csv)))))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("import: %d %s", rr.Code, rr.Body.String())
	}
	var res map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil || res["created"] != 2 {
		t.Fatalf("import result: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.StationImportHandler(rr, asDispatcher(httptest.NewRequest(http.MethodPost, "/v1/admin/stations/import", bytes.NewReader([]byte("name,capability,lat,lng\nX,SUBMARINE,0,0\n")))))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad roster: got %d, want 400", rr.Code)
	}
}

func TestLocationsPingAndList(t *testing.T) {
	s := newTestServer(t)
	st := createStation(t, s, "AMBULANCE", 0, 0)
	em := createEmergency(t, s, "u1")

	body := []byte(`{"emergencyId":"` + em.ID + `","lat":0.0005,"lng":0.0005}`)
	rr := httptest.NewRecorder()
	s.LocationsHandler(rr, asResponder(httptest.NewRequest(http.MethodPost, "/v1/locations", bytes.NewReader(body)), st.ID))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("ping: %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.EmergencyByIDHandler(rr, asCitizen(httptest.NewRequest(http.MethodGet, "/v1/emergencies/"+em.ID+"/locations", nil), "u1"))
	if rr.Code != 200 {
		t.Fatalf("list: %d", rr.Code)
	}
	var res struct {
		Locations []ResponderLocation `json:"locations"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil || len(res.Locations) != 1 {
		t.Fatalf("locations payload: %s", rr.Body.String())
	}
	if res.Locations[0].StationID != st.ID {
		t.Fatalf("station id: %s", res.Locations[0].StationID)
	}
}

func TestSubscriptionsCRUD(t *testing.T) {
	s := newTestServer(t)

	// dispatcher only
	rr := httptest.NewRecorder()
	s.SubscriptionsHandler(rr, asCitizen(httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil), "u1"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("citizen subscriptions: got %d, want 403", rr.Code)
	}

	body := []byte(`{"url":"https://example.invalid/hook","events":["emergency.created"],"secret":"shh"}`)
	rr = httptest.NewRecorder()
	s.SubscriptionsHandler(rr, asDispatcher(httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(body))))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create sub: %d %s", rr.Code, rr.Body.String())
	}
	var sub model.Subscription
	if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil || sub.ID == "" {
		t.Fatalf("sub payload: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.SubscriptionsHandler(rr, asDispatcher(httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil)))
	if rr.Code != 200 {
		t.Fatalf("list subs: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.SubscriptionsHandler(rr, asDispatcher(httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete sub: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.SubscriptionsHandler(rr, asDispatcher(httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("delete missing sub: got %d, want 404", rr.Code)
	}
}

func TestCreateEnqueuesWebhook(t *testing.T) {
	s := newTestServer(t)
	createStation(t, s, "AMBULANCE", 0, 0)

	body := []byte(`{"url":"https://example.invalid/hook","events":["emergency.created"],"secret":"shh"}`)
	rr := httptest.NewRecorder()
	s.SubscriptionsHandler(rr, asDispatcher(httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(body))))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create sub: %d", rr.Code)
	}

	createEmergency(t, s, "u1")

	due, err := s.Store.FetchDueWebhookDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetch deliveries: %v", err)
	}
	if len(due) == 0 {
		t.Fatal("expected a queued webhook delivery")
	}
	if due[0].EventType != "emergency.created" {
		t.Fatalf("event type: %s", due[0].EventType)
	}
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
	hdr  http.Header
	buf  bytes.Buffer
	code int
}

func (r *sseRecorder) Header() http.Header {
	if r.hdr == nil {
		r.hdr = http.Header{}
	}
	return r.hdr
}
func (r *sseRecorder) WriteHeader(c int)           { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r *sseRecorder) Flush()                      {}

func TestEmergencyEventsSSE(t *testing.T) {
	s := newTestServer(t)
	createStation(t, s, "AMBULANCE", 0, 0)
	em := createEmergency(t, s, "u1")

	sseReq := asCitizen(httptest.NewRequest(http.MethodGet, "/v1/emergencies/"+em.ID+"/events/stream", nil), "u1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sseReq = sseReq.WithContext(ctx)

	rec := &sseRecorder{}
	done := make(chan struct{})
	go func() {
		s.EmergencyByIDHandler(rec, sseReq)
		close(done)
	}()

	// give the handler time to subscribe and send the first heartbeat
	time.Sleep(50 * time.Millisecond)
	s.Broker.Publish(em.ID, SSEEvent{Type: "emergency.status.changed", Data: map[string]any{"emergencyId": em.ID}})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if bytes.Contains(rec.buf.Bytes(), []byte("event: emergency.status.changed")) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !bytes.Contains(rec.buf.Bytes(), []byte("event: emergency.status.changed")) {
		t.Fatalf("SSE did not contain expected event. Body: %s", rec.buf.String())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("handler did not exit after cancel")
	}
}

func TestMetricPath(t *testing.T) {
	in := "/v1/emergencies/2f9f2f6a-1f3b-4c8e-9a58-0f6f55a1c001/status"
	if got := metricPath(in); got != "/v1/emergencies/:id/status" {
		t.Fatalf("metricPath: %s", got)
	}
	if got := metricPath("/v1/stations"); got != "/v1/stations" {
		t.Fatalf("metricPath short: %s", got)
	}
}
