package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"rescueroute/internal/model"
)

// Postgres is the durable store. Row locking relies on SELECT ... FOR
// UPDATE; lock waits are bounded per transaction with lock_timeout so a
// stuck holder surfaces ErrLockTimeout instead of blocking forever.
type Postgres struct {
	db       *sql.DB
	lockWait time.Duration
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db, lockWait: DefaultLockWait}, nil
}

// Migrate creates the schema. Dev helper, invoked at startup unless
// DB_MIGRATE=false.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stations (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			capability TEXT NOT NULL,
			lat DOUBLE PRECISION NOT NULL,
			lng DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL DEFAULT 'AVAILABLE',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS emergencies (
			id UUID PRIMARY KEY,
			created_by TEXT NOT NULL,
			capability TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			lat DOUBLE PRECISION NOT NULL,
			lng DOUBLE PRECISION NOT NULL,
			address TEXT,
			status TEXT NOT NULL,
			assigned_station_id UUID,
			route_geometry JSONB,
			eta_seconds INT,
			distance_meters INT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_emergencies_created_by ON emergencies (created_by, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_emergencies_station ON emergencies (assigned_station_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_stations_pool ON stations (capability, status)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id UUID PRIMARY KEY,
			url TEXT NOT NULL,
			events JSONB NOT NULL,
			secret TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id UUID PRIMARY KEY,
			subscription_id UUID,
			event_type TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_error TEXT,
			response_code INT,
			latency_ms INT,
			delivered_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// classify maps Postgres lock-wait failures onto ErrLockTimeout.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" { // lock_not_available
		return ErrLockTimeout
	}
	return err
}

type pgTx struct {
	tx *sql.Tx
}

func (p *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	// Bound every row-lock wait in this transaction.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockWait.Milliseconds())); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (t *pgTx) ListCandidates(ctx context.Context, capability model.Capability) ([]Candidate, error) {
	// FOR UPDATE locks the candidate rows: under READ COMMITTED a row
	// booked by a concurrent transaction is re-checked after the lock
	// wait and drops out of the result when no longer AVAILABLE.
	rows, err := t.tx.QueryContext(ctx, `SELECT id::text, lat, lng FROM stations
		WHERE capability=$1 AND status='AVAILABLE'
		ORDER BY created_at, id
		FOR UPDATE`, string(capability))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := []Candidate{}
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Location.Lat, &c.Location.Lng); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) TryBook(ctx context.Context, stationID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE stations SET status='BUSY' WHERE id=$1 AND status='AVAILABLE'`, stationID)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) Release(ctx context.Context, stationID string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE stations SET status='AVAILABLE' WHERE id=$1`, stationID)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertEmergency(ctx context.Context, em model.Emergency) error {
	var geom, eta, dist any
	if em.Route != nil {
		geom = []byte(em.Route.Geometry)
		eta = em.Route.DurationSec
		dist = em.Route.DistanceM
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO emergencies
		(id, created_by, capability, description, lat, lng, address, status, assigned_station_id, route_geometry, eta_seconds, distance_meters, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		em.ID, em.CreatedBy, string(em.Capability), em.Description, em.Location.Lat, em.Location.Lng,
		nullIfEmpty(em.Address), string(em.Status), nullIfEmpty(em.AssignedStationID), geom, eta, dist, em.CreatedAt)
	return classify(err)
}

const emergencyCols = `id::text, created_by, capability, description, lat, lng, COALESCE(address,''), status, COALESCE(assigned_station_id::text,''), route_geometry, eta_seconds, distance_meters, created_at`

func scanEmergency(row interface{ Scan(...any) error }) (model.Emergency, error) {
	var em model.Emergency
	var geom []byte
	var eta, dist sql.NullInt64
	err := row.Scan(&em.ID, &em.CreatedBy, &em.Capability, &em.Description,
		&em.Location.Lat, &em.Location.Lng, &em.Address, &em.Status,
		&em.AssignedStationID, &geom, &eta, &dist, &em.CreatedAt)
	if err != nil {
		return em, err
	}
	if len(geom) > 0 {
		em.Route = &model.Route{Geometry: json.RawMessage(geom), DurationSec: int(eta.Int64), DistanceM: int(dist.Int64)}
	}
	return em, nil
}

func (t *pgTx) GetEmergencyForUpdate(ctx context.Context, id string) (model.Emergency, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+emergencyCols+` FROM emergencies WHERE id=$1 FOR UPDATE`, id)
	em, err := scanEmergency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return em, ErrNotFound
	}
	return em, classify(err)
}

func (t *pgTx) UpdateEmergencyStatus(ctx context.Context, id string, status model.Status) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE emergencies SET status=$1 WHERE id=$2`, string(status), id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }

// ----- plain reads and writes -----

func (p *Postgres) GetEmergency(ctx context.Context, id string) (model.Emergency, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+emergencyCols+` FROM emergencies WHERE id=$1`, id)
	em, err := scanEmergency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return em, ErrNotFound
	}
	return em, err
}

func (p *Postgres) queryEmergencies(ctx context.Context, where string, args ...any) ([]model.Emergency, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+emergencyCols+` FROM emergencies `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Emergency{}
	for rows.Next() {
		em, err := scanEmergency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, em)
	}
	return out, rows.Err()
}

func (p *Postgres) ListEmergenciesByRequester(ctx context.Context, userID string) ([]model.Emergency, error) {
	return p.queryEmergencies(ctx, `WHERE created_by=$1`, userID)
}

func (p *Postgres) ListEmergenciesByStation(ctx context.Context, stationID string) ([]model.Emergency, error) {
	return p.queryEmergencies(ctx, `WHERE assigned_station_id=$1`, stationID)
}

func (p *Postgres) ActiveEmergencies(ctx context.Context) ([]model.Emergency, error) {
	return p.queryEmergencies(ctx, `WHERE status IN ('PENDING','ASSIGNED','EN_ROUTE','ON_SCENE')`)
}

func (p *Postgres) CreateStation(ctx context.Context, in model.StationInput) (model.Station, error) {
	s := model.Station{
		ID:         uuid.New().String(),
		Name:       in.Name,
		Capability: in.Capability,
		Location:   in.Location,
		Status:     model.StationAvailable,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO stations (id, name, capability, lat, lng, status, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.Name, string(s.Capability), s.Location.Lat, s.Location.Lng, string(s.Status), s.CreatedAt)
	if err != nil {
		return model.Station{}, err
	}
	return s, nil
}

func (p *Postgres) GetStation(ctx context.Context, id string) (model.Station, error) {
	var s model.Station
	row := p.db.QueryRowContext(ctx, `SELECT id::text, name, capability, lat, lng, status, created_at FROM stations WHERE id=$1`, id)
	err := row.Scan(&s.ID, &s.Name, &s.Capability, &s.Location.Lat, &s.Location.Lng, &s.Status, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

func (p *Postgres) ListStations(ctx context.Context) ([]model.Station, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, name, capability, lat, lng, status, created_at FROM stations ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Station{}
	for rows.Next() {
		var s model.Station
		if err := rows.Scan(&s.ID, &s.Name, &s.Capability, &s.Location.Lat, &s.Location.Lng, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----- subscriptions and webhook queue -----

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`, id, req.URL, ev, nullIfEmpty(req.Secret))
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE events @> $1::jsonb`, fmt.Sprintf("[%q]", eventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload) VALUES ($1,$2,$3,$4,$5,$6)`,
		id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
		return err
	}
	if nextAttemptAt == nil {
		t := time.Now().Add(time.Minute)
		nextAttemptAt = &t
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
		id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
