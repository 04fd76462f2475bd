package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"rescueroute/internal/model"
)

// DefaultOSRMBaseURL is the public demo endpoint; override via OSRM_URL.
const DefaultOSRMBaseURL = "https://router.project-osrm.org"

// OSRM resolves driving routes against an OSRM HTTP server.
type OSRM struct {
	BaseURL string
	http    *http.Client
}

// NewOSRM builds a resolver with a bounded request timeout. The timeout
// matters: the resolver runs while a station booking is provisionally
// held open in the assignment transaction.
func NewOSRM(baseURL string, timeout time.Duration) *OSRM {
	if baseURL == "" {
		baseURL = DefaultOSRMBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OSRM{BaseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

type osrmResponse struct {
	Routes []struct {
		Geometry json.RawMessage `json:"geometry"`
		Duration float64         `json:"duration"`
		Distance float64         `json:"distance"`
	} `json:"routes"`
}

func (o *OSRM) Route(ctx context.Context, from, to model.GeoPoint) (model.Route, error) {
	// OSRM takes lng,lat pairs
	url := fmt.Sprintf("%s/route/v1/driving/%f,%f;%f,%f?overview=full&geometries=geojson",
		o.BaseURL, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.Route{}, fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return model.Route{}, fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.Route{}, fmt.Errorf("%w: osrm status %d", ErrRouteUnavailable, resp.StatusCode)
	}
	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.Route{}, fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
	}
	if len(body.Routes) == 0 {
		return model.Route{}, fmt.Errorf("%w: empty route set", ErrRouteUnavailable)
	}
	r := body.Routes[0]
	return model.Route{
		Geometry:    r.Geometry,
		DurationSec: int(math.Round(r.Duration)),
		DistanceM:   int(math.Round(r.Distance)),
	}, nil
}
