package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"rescueroute/internal/dispatch"
	"rescueroute/internal/model"
)

// decodeCreateRequest parses and validates a creation payload. Invalid
// shapes never reach the engine.
func decodeCreateRequest(r *http.Request) (model.CreateRequest, error) {
	var body struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Location    *struct {
			Lat     *float64 `json:"lat"`
			Lng     *float64 `json:"lng"`
			Address string   `json:"address"`
		} `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return model.CreateRequest{}, dispatch.Errf(dispatch.KindValidation, "invalid JSON: %v", err)
	}
	capability := model.Capability(strings.ToUpper(strings.TrimSpace(body.Type)))
	if !capability.Valid() {
		return model.CreateRequest{}, dispatch.Errf(dispatch.KindValidation, "type must be one of AMBULANCE, POLICE, FIRE")
	}
	if body.Location == nil || body.Location.Lat == nil || body.Location.Lng == nil {
		return model.CreateRequest{}, dispatch.Errf(dispatch.KindValidation, "location object required {lat,lng,address}")
	}
	return model.CreateRequest{
		Capability:  capability,
		Description: body.Description,
		Location:    model.GeoPoint{Lat: *body.Location.Lat, Lng: *body.Location.Lng},
		Address:     body.Location.Address,
	}, nil
}

// decodeAdvanceRequest parses and validates a status-change payload.
func decodeAdvanceRequest(r *http.Request) (model.AdvanceRequest, error) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return model.AdvanceRequest{}, dispatch.Errf(dispatch.KindValidation, "invalid JSON: %v", err)
	}
	target := model.Status(strings.ToUpper(strings.TrimSpace(body.Status)))
	if !target.Valid() {
		return model.AdvanceRequest{}, dispatch.Errf(dispatch.KindValidation, "status must be EN_ROUTE, ON_SCENE or COMPLETED")
	}
	return model.AdvanceRequest{Target: target}, nil
}

// decodeStationInput parses and validates a station registration.
func decodeStationInput(r *http.Request) (model.StationInput, error) {
	var body struct {
		Name       string `json:"name"`
		Capability string `json:"capability"`
		Location   *struct {
			Lat *float64 `json:"lat"`
			Lng *float64 `json:"lng"`
		} `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return model.StationInput{}, dispatch.Errf(dispatch.KindValidation, "invalid JSON: %v", err)
	}
	capability := model.Capability(strings.ToUpper(strings.TrimSpace(body.Capability)))
	if !capability.Valid() {
		return model.StationInput{}, dispatch.Errf(dispatch.KindValidation, "capability must be one of AMBULANCE, POLICE, FIRE")
	}
	if body.Location == nil || body.Location.Lat == nil || body.Location.Lng == nil {
		return model.StationInput{}, dispatch.Errf(dispatch.KindValidation, "location {lat,lng} required")
	}
	return model.StationInput{
		Name:       body.Name,
		Capability: capability,
		Location:   model.GeoPoint{Lat: *body.Location.Lat, Lng: *body.Location.Lng},
	}, nil
}
