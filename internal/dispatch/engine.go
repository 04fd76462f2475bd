// Package dispatch implements the assignment engine and the emergency
// lifecycle state machine over a transactional store.
package dispatch

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"rescueroute/internal/geo"
	"rescueroute/internal/metrics"
	"rescueroute/internal/model"
	"rescueroute/internal/routing"
	"rescueroute/internal/store"
)

// Engine coordinates emergencies with stations. All mutations run inside
// one store transaction so station availability and emergency status
// stay mutually consistent under concurrent requests.
type Engine struct {
	store        store.Store
	routes       routing.Resolver
	routeTimeout time.Duration
}

// New builds an Engine. routeTimeout bounds the resolver call, which
// executes while a station booking is provisionally held.
func New(st store.Store, r routing.Resolver, routeTimeout time.Duration) *Engine {
	if routeTimeout <= 0 {
		routeTimeout = 5 * time.Second
	}
	return &Engine{store: st, routes: r, routeTimeout: routeTimeout}
}

// Create validates the request, books the nearest available station of
// the matching capability, computes a route, and persists the emergency.
// With no available station the emergency is persisted PENDING with no
// station and no route; there is no automatic retry later. A resolver
// failure aborts the whole creation: the booking is rolled back and no
// emergency row is written.
func (e *Engine) Create(ctx context.Context, caller Caller, req model.CreateRequest) (model.Emergency, error) {
	if caller.Role != RoleCitizen {
		return model.Emergency{}, Errf(KindAuthorization, "only citizens may create emergencies")
	}
	if err := validateCreate(req); err != nil {
		return model.Emergency{}, err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return model.Emergency{}, err
	}
	defer func() { _ = tx.Rollback() }()

	candidates, err := tx.ListCandidates(ctx, req.Capability)
	if err != nil {
		return model.Emergency{}, mapStoreErr(err, "station pool")
	}

	em := model.Emergency{
		ID:          uuid.New().String(),
		CreatedBy:   caller.ID,
		Capability:  req.Capability,
		Description: req.Description,
		Location:    req.Location,
		Address:     req.Address,
		Status:      model.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	// Selection and booking happen inside the same exclusive scope: a
	// candidate that turns BUSY under us is dropped and selection re-runs
	// over the remainder.
	for len(candidates) > 0 {
		i := nearest(candidates, req.Location)
		booked, err := tx.TryBook(ctx, candidates[i].ID)
		if err != nil {
			return model.Emergency{}, mapStoreErr(err, "station")
		}
		if !booked {
			candidates = append(candidates[:i], candidates[i+1:]...)
			continue
		}
		route, err := e.resolveRoute(ctx, candidates[i].Location, req.Location)
		if err != nil {
			// rollback via defer: booking and emergency are all-or-nothing
			return model.Emergency{}, Wrap(KindDependency, err, "route computation failed")
		}
		em.Status = model.StatusAssigned
		em.AssignedStationID = candidates[i].ID
		em.Route = &route
		break
	}

	if err := tx.InsertEmergency(ctx, em); err != nil {
		return model.Emergency{}, mapStoreErr(err, "emergency")
	}
	if err := tx.Commit(); err != nil {
		return model.Emergency{}, mapStoreErr(err, "emergency")
	}
	return em, nil
}

func (e *Engine) resolveRoute(ctx context.Context, from, to model.GeoPoint) (model.Route, error) {
	rctx, cancel := context.WithTimeout(ctx, e.routeTimeout)
	defer cancel()
	start := time.Now()
	route, err := e.routes.Route(rctx, from, to)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RouteResolver.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return route, err
}

// nearest returns the index of the candidate closest to loc by haversine
// distance; ties keep the first seen.
func nearest(candidates []store.Candidate, loc model.GeoPoint) int {
	best := 0
	bestD := math.Inf(1)
	for i, c := range candidates {
		if d := geo.HaversineMeters(c.Location, loc); d < bestD {
			best = i
			bestD = d
		}
	}
	return best
}

// Advance applies a responder-driven status change. The caller must
// operate the bound station; the current status must not be terminal.
// COMPLETED releases the station inside the same transaction.
func (e *Engine) Advance(ctx context.Context, caller Caller, id string, req model.AdvanceRequest) (model.Emergency, error) {
	if caller.Role != RoleResponder {
		return model.Emergency{}, Errf(KindAuthorization, "only responders may update status")
	}
	if !req.Target.Valid() {
		return model.Emergency{}, Errf(KindValidation, "unknown status %q", req.Target)
	}
	if !req.Target.AdvanceTarget() {
		return model.Emergency{}, Errf(KindConflict, "status must be EN_ROUTE, ON_SCENE or COMPLETED")
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return model.Emergency{}, err
	}
	defer func() { _ = tx.Rollback() }()

	em, err := tx.GetEmergencyForUpdate(ctx, id)
	if err != nil {
		return model.Emergency{}, mapStoreErr(err, "emergency")
	}
	if em.AssignedStationID == "" || em.AssignedStationID != caller.StationID {
		return model.Emergency{}, Errf(KindAuthorization, "emergency is not assigned to this station")
	}
	if em.Status.IsTerminal() {
		return model.Emergency{}, Errf(KindConflict, "emergency already %s", em.Status)
	}

	if err := tx.UpdateEmergencyStatus(ctx, id, req.Target); err != nil {
		return model.Emergency{}, mapStoreErr(err, "emergency")
	}
	if req.Target == model.StatusCompleted {
		if err := tx.Release(ctx, em.AssignedStationID); err != nil {
			return model.Emergency{}, mapStoreErr(err, "station")
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Emergency{}, mapStoreErr(err, "emergency")
	}
	em.Status = req.Target
	return em, nil
}

// Cancel moves a non-terminal emergency to CANCELLED. Only the original
// requester may cancel; a bound station is released in the same
// transaction. The station binding stays on the record for audit.
func (e *Engine) Cancel(ctx context.Context, caller Caller, id string) (model.Emergency, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return model.Emergency{}, err
	}
	defer func() { _ = tx.Rollback() }()

	em, err := tx.GetEmergencyForUpdate(ctx, id)
	if err != nil {
		return model.Emergency{}, mapStoreErr(err, "emergency")
	}
	if em.CreatedBy != caller.ID {
		return model.Emergency{}, Errf(KindAuthorization, "not your emergency")
	}
	if em.Status.IsTerminal() {
		return model.Emergency{}, Errf(KindConflict, "emergency already %s", em.Status)
	}

	if err := tx.UpdateEmergencyStatus(ctx, id, model.StatusCancelled); err != nil {
		return model.Emergency{}, mapStoreErr(err, "emergency")
	}
	if em.AssignedStationID != "" {
		if err := tx.Release(ctx, em.AssignedStationID); err != nil {
			return model.Emergency{}, mapStoreErr(err, "station")
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Emergency{}, mapStoreErr(err, "emergency")
	}
	em.Status = model.StatusCancelled
	return em, nil
}

func validateCreate(req model.CreateRequest) error {
	if !req.Capability.Valid() {
		return Errf(KindValidation, "type must be one of AMBULANCE, POLICE, FIRE")
	}
	if err := validatePoint(req.Location); err != nil {
		return err
	}
	return nil
}

func validatePoint(p model.GeoPoint) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return Errf(KindValidation, "location.lat and location.lng must be finite numbers")
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return Errf(KindValidation, "location out of range")
	}
	return nil
}

func mapStoreErr(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Wrap(KindNotFound, err, what+" not found")
	case errors.Is(err, store.ErrLockTimeout):
		return Wrap(KindConcurrencyTimeout, err, "could not lock "+what)
	}
	return err
}
