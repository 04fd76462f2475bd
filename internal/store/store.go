package store

import (
	"context"
	"errors"
	"time"

	"rescueroute/internal/model"
)

// Store is the persistence interface used by the dispatch engine and the
// API server. Every mutating operation on emergencies or stations goes
// through a Tx; plain reads never lock.
type Store interface {
	// Begin opens a transaction scope. All row locks taken inside it are
	// held until Commit or Rollback.
	Begin(ctx context.Context) (Tx, error)

	// Emergencies
	GetEmergency(ctx context.Context, id string) (model.Emergency, error)
	ListEmergenciesByRequester(ctx context.Context, userID string) ([]model.Emergency, error)
	ListEmergenciesByStation(ctx context.Context, stationID string) ([]model.Emergency, error)
	ActiveEmergencies(ctx context.Context) ([]model.Emergency, error)

	// Stations
	CreateStation(ctx context.Context, in model.StationInput) (model.Station, error)
	GetStation(ctx context.Context, id string) (model.Station, error)
	ListStations(ctx context.Context) ([]model.Station, error)

	// Webhook subscriptions and delivery queue
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode, latencyMs int) error
}

// Tx is one transaction scope. Lock acquisition is bounded: a lock that
// cannot be obtained in time surfaces ErrLockTimeout and the transaction
// must be rolled back.
type Tx interface {
	// ListCandidates returns AVAILABLE stations of the capability, in
	// stable creation order, locked for the remainder of the transaction
	// so selection and booking happen against the same snapshot.
	ListCandidates(ctx context.Context, capability model.Capability) ([]Candidate, error)

	// TryBook flips a station AVAILABLE -> BUSY. It returns false, not an
	// error, when the station is no longer AVAILABLE.
	TryBook(ctx context.Context, stationID string) (bool, error)

	// Release flips a station back to AVAILABLE.
	Release(ctx context.Context, stationID string) error

	InsertEmergency(ctx context.Context, em model.Emergency) error

	// GetEmergencyForUpdate reads an emergency under an exclusive row
	// lock held until the transaction ends.
	GetEmergencyForUpdate(ctx context.Context, id string) (model.Emergency, error)

	UpdateEmergencyStatus(ctx context.Context, id string, status model.Status) error

	Commit() error
	Rollback() error
}

// Candidate is a bookable station as seen during selection.
type Candidate struct {
	ID       string
	Location model.GeoPoint
}

var (
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout means a row lock could not be acquired within the
	// transaction's bound.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)
