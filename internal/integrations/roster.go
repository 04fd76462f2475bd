// Package integrations imports station rosters from external sources.
package integrations

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"rescueroute/internal/model"
)

// RosterSource yields station records from an external feed.
type RosterSource interface {
	Name() string
	Stations() ([]model.StationInput, error)
}

// ParseCSVRoster reads a station roster with header
// name,capability,lat,lng. Rows with unknown capabilities or bad
// coordinates are rejected with row-numbered errors.
func ParseCSVRoster(r io.Reader) ([]model.StationInput, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty roster")
	}
	cols := map[string]int{}
	for i, h := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"capability", "lat", "lng"} {
		if _, ok := cols[req]; !ok {
			return nil, fmt.Errorf("missing column %q", req)
		}
	}
	out := []model.StationInput{}
	for n, rec := range records[1:] {
		row := n + 2 // 1-based, after header
		capability := model.Capability(strings.ToUpper(strings.TrimSpace(rec[cols["capability"]])))
		if !capability.Valid() {
			return nil, fmt.Errorf("row %d: unknown capability %q", row, rec[cols["capability"]])
		}
		lat, err := strconv.ParseFloat(rec[cols["lat"]], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad lat: %v", row, err)
		}
		lng, err := strconv.ParseFloat(rec[cols["lng"]], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad lng: %v", row, err)
		}
		in := model.StationInput{Capability: capability, Location: model.GeoPoint{Lat: lat, Lng: lng}}
		if i, ok := cols["name"]; ok {
			in.Name = strings.TrimSpace(rec[i])
		}
		out = append(out, in)
	}
	return out, nil
}
