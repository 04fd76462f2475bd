// Package model holds the core domain types for the rescueroute service.
package model

import (
	"encoding/json"
	"time"
)

// Capability is the responder category a station provides and an
// emergency requires. The set is closed.
type Capability string

const (
	CapAmbulance Capability = "AMBULANCE"
	CapPolice    Capability = "POLICE"
	CapFire      Capability = "FIRE"
)

// Capabilities lists every valid capability in declaration order.
func Capabilities() []Capability {
	return []Capability{CapAmbulance, CapPolice, CapFire}
}

// Valid reports whether c is one of the closed capability set.
func (c Capability) Valid() bool {
	switch c {
	case CapAmbulance, CapPolice, CapFire:
		return true
	}
	return false
}

// Status is the lifecycle state of an emergency.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAssigned  Status = "ASSIGNED"
	StatusEnRoute   Status = "EN_ROUTE"
	StatusOnScene   Status = "ON_SCENE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusEnRoute, StatusOnScene, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// AdvanceTarget reports whether s is a status a responder may request.
// Responders may move between EN_ROUTE and ON_SCENE freely and close
// out with COMPLETED; strict ordering among them is not enforced.
func (s Status) AdvanceTarget() bool {
	return s == StatusEnRoute || s == StatusOnScene || s == StatusCompleted
}

// StationStatus is the availability flag of a station.
type StationStatus string

const (
	StationAvailable StationStatus = "AVAILABLE"
	StationBusy      StationStatus = "BUSY"
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Route is the travel plan from a booked station to an emergency site.
// Geometry is GeoJSON as returned by the routing collaborator.
type Route struct {
	Geometry    json.RawMessage `json:"geometry"`
	DurationSec int             `json:"durationSec"`
	DistanceM   int             `json:"distanceM"`
}

// Station is a fixed-location responder resource. A station is BUSY
// exactly while one non-terminal emergency is bound to it.
type Station struct {
	ID         string        `json:"id"`
	Name       string        `json:"name,omitempty"`
	Capability Capability    `json:"capability"`
	Location   GeoPoint      `json:"location"`
	Status     StationStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Emergency is an incident tracked through the lifecycle. The station
// binding and route are retained after terminal transitions for audit;
// only the station's availability flips back.
type Emergency struct {
	ID                string     `json:"id"`
	CreatedBy         string     `json:"createdBy"`
	Capability        Capability `json:"capability"`
	Description       string     `json:"description,omitempty"`
	Location          GeoPoint   `json:"location"`
	Address           string     `json:"address,omitempty"`
	Status            Status     `json:"status"`
	AssignedStationID string     `json:"assignedStationId,omitempty"`
	Route             *Route     `json:"route,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// CreateRequest is the validated shape of an emergency creation. It is
// produced by the API layer; invalid payloads never reach the engine.
type CreateRequest struct {
	Capability  Capability `json:"type"`
	Description string     `json:"description,omitempty"`
	Location    GeoPoint   `json:"location"`
	Address     string     `json:"address,omitempty"`
}

// AdvanceRequest is a responder-driven status change.
type AdvanceRequest struct {
	Target Status `json:"status"`
}

// CancelRequest is a requester-driven cancellation. Reason is free text
// kept for the audit trail only.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// StationInput is the payload for registering a station.
type StationInput struct {
	Name       string     `json:"name,omitempty"`
	Capability Capability `json:"capability"`
	Location   GeoPoint   `json:"location"`
}

// Overview is the dispatcher view: every station plus all active
// emergencies, as served by /v1/dispatch/overview.
type Overview struct {
	Stations    []Station   `json:"stations"`
	Emergencies []Emergency `json:"emergencies"`
}

// SubscriptionRequest registers a webhook endpoint for event types.
type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

// Subscription is a stored webhook subscription.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
