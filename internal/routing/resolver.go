// Package routing talks to the external route-computation collaborator.
package routing

import (
	"context"
	"errors"

	"rescueroute/internal/model"
)

// ErrRouteUnavailable is the single failure every resolver problem
// (timeout, bad status, empty route set, malformed body) collapses to.
var ErrRouteUnavailable = errors.New("route unavailable")

// Resolver computes a travel route between two points. Implementations
// must honor ctx cancellation and bound their own I/O.
type Resolver interface {
	Route(ctx context.Context, from, to model.GeoPoint) (model.Route, error)
}
