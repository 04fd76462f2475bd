package routing

import (
	"context"
	"fmt"
	"math"

	"rescueroute/internal/geo"
	"rescueroute/internal/model"
)

// Static estimates routes as straight lines at a fixed speed. Used for
// dev and tests where no OSRM server is reachable.
type Static struct {
	// SpeedMPS defaults to 11 m/s (~40 km/h) when zero.
	SpeedMPS float64
}

func (s Static) Route(ctx context.Context, from, to model.GeoPoint) (model.Route, error) {
	if err := ctx.Err(); err != nil {
		return model.Route{}, fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
	}
	speed := s.SpeedMPS
	if speed <= 0 {
		speed = 11
	}
	dist := geo.HaversineMeters(from, to)
	geom := fmt.Sprintf(`{"type":"LineString","coordinates":[[%f,%f],[%f,%f]]}`, from.Lng, from.Lat, to.Lng, to.Lat)
	return model.Route{
		Geometry:    []byte(geom),
		DurationSec: int(math.Round(dist / speed)),
		DistanceM:   int(math.Round(dist)),
	}, nil
}
