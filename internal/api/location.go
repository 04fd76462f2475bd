package api

import (
	"sync"
)

// ResponderLocation holds the latest known position of a responder
// working an emergency.
type ResponderLocation struct {
	EmergencyID string  `json:"emergencyId"`
	StationID   string  `json:"stationId"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	TS          string  `json:"ts"`
}

// LocationCache stores latest responder positions per emergency/station.
type LocationCache struct {
	mu sync.Mutex
	// key: emergencyId|stationId
	m map[string]ResponderLocation
}

// NewLocationCache constructs a LocationCache.
func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]ResponderLocation{}} }

func (c *LocationCache) key(emergencyID, stationID string) string {
	return emergencyID + "|" + stationID
}

// Upsert stores or updates the latest position of a responder.
func (c *LocationCache) Upsert(emergencyID, stationID string, lat, lng float64, ts string) {
	if emergencyID == "" || stationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[c.key(emergencyID, stationID)] = ResponderLocation{
		EmergencyID: emergencyID, StationID: stationID, Lat: lat, Lng: lng, TS: ts,
	}
}

// ListByEmergency returns the latest positions for an emergency.
func (c *LocationCache) ListByEmergency(emergencyID string) []ResponderLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []ResponderLocation{}
	prefix := emergencyID + "|"
	for k, v := range c.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, v)
		}
	}
	return out
}
