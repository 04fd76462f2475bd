package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"rescueroute/internal/model"
)

// DefaultLockWait bounds row-lock acquisition in the Memory store.
const DefaultLockWait = 3 * time.Second

// Memory is the in-memory store used when no DATABASE_URL is set and in
// tests. Row locking uses keyedLock sections per entity id; a capability
// pool key serializes candidate selection against concurrent bookings of
// the same pool.
type Memory struct {
	mu       sync.Mutex
	locks    *keyedLock
	lockWait time.Duration

	stations     map[string]model.Station
	stationOrder []string
	emergencies  map[string]model.Emergency
	emOrder      []string
	subs         map[string]model.Subscription
	subOrder     []string
	deliveries   map[string]*memDelivery
	delivOrder   []string
}

// memDelivery augments WebhookDelivery with scheduling state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		locks:       newKeyedLock(),
		lockWait:    DefaultLockWait,
		stations:    map[string]model.Station{},
		emergencies: map[string]model.Emergency{},
		subs:        map[string]model.Subscription{},
		deliveries:  map[string]*memDelivery{},
	}
}

// SetLockWait overrides the lock acquisition bound; tests use a short one
// to exercise timeout behavior.
func (m *Memory) SetLockWait(d time.Duration) { m.lockWait = d }

func poolKey(c model.Capability) string { return "pool:" + string(c) }
func stationKey(id string) string       { return "station:" + id }
func emergencyKey(id string) string     { return "emergency:" + id }

// memTx implements Tx with staged writes: mutations collect in
// tx-private maps and reach the shared maps only on Commit, so plain
// readers never observe uncommitted state. Reads inside the tx see the
// staged values.
type memTx struct {
	m        *Memory
	keys     []string
	stations map[string]model.Station
	ems      map[string]model.Emergency
	inserted []string
	done     bool
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	return &memTx{
		m:        m,
		stations: map[string]model.Station{},
		ems:      map[string]model.Emergency{},
	}, nil
}

// acquire takes the keyed lock unless this tx already holds it.
func (t *memTx) acquire(ctx context.Context, key string) error {
	for _, k := range t.keys {
		if k == key {
			return nil
		}
	}
	lctx, cancel := context.WithTimeout(ctx, t.m.lockWait)
	defer cancel()
	if err := t.m.locks.Acquire(lctx, key); err != nil {
		return err
	}
	t.keys = append(t.keys, key)
	return nil
}

// station reads the tx's staged copy, falling back to the shared map.
func (t *memTx) station(id string) (model.Station, bool) {
	if s, ok := t.stations[id]; ok {
		return s, true
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	s, ok := t.m.stations[id]
	return s, ok
}

func (t *memTx) emergency(id string) (model.Emergency, bool) {
	if em, ok := t.ems[id]; ok {
		return em, true
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	em, ok := t.m.emergencies[id]
	return em, ok
}

func (t *memTx) ListCandidates(ctx context.Context, capability model.Capability) ([]Candidate, error) {
	if err := t.acquire(ctx, poolKey(capability)); err != nil {
		return nil, err
	}
	t.m.mu.Lock()
	order := append([]string(nil), t.m.stationOrder...)
	t.m.mu.Unlock()
	out := []Candidate{}
	for _, id := range order {
		s, ok := t.station(id)
		if ok && s.Capability == capability && s.Status == model.StationAvailable {
			out = append(out, Candidate{ID: s.ID, Location: s.Location})
		}
	}
	return out, nil
}

func (t *memTx) TryBook(ctx context.Context, stationID string) (bool, error) {
	if err := t.acquire(ctx, stationKey(stationID)); err != nil {
		return false, err
	}
	s, ok := t.station(stationID)
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != model.StationAvailable {
		return false, nil
	}
	s.Status = model.StationBusy
	t.stations[stationID] = s
	return true, nil
}

func (t *memTx) Release(ctx context.Context, stationID string) error {
	if err := t.acquire(ctx, stationKey(stationID)); err != nil {
		return err
	}
	s, ok := t.station(stationID)
	if !ok {
		return ErrNotFound
	}
	s.Status = model.StationAvailable
	t.stations[stationID] = s
	return nil
}

func (t *memTx) InsertEmergency(ctx context.Context, em model.Emergency) error {
	if err := t.acquire(ctx, emergencyKey(em.ID)); err != nil {
		return err
	}
	t.ems[em.ID] = em
	t.inserted = append(t.inserted, em.ID)
	return nil
}

func (t *memTx) GetEmergencyForUpdate(ctx context.Context, id string) (model.Emergency, error) {
	if err := t.acquire(ctx, emergencyKey(id)); err != nil {
		return model.Emergency{}, err
	}
	em, ok := t.emergency(id)
	if !ok {
		return model.Emergency{}, ErrNotFound
	}
	return em, nil
}

func (t *memTx) UpdateEmergencyStatus(ctx context.Context, id string, status model.Status) error {
	if err := t.acquire(ctx, emergencyKey(id)); err != nil {
		return err
	}
	em, ok := t.emergency(id)
	if !ok {
		return ErrNotFound
	}
	em.Status = status
	t.ems[id] = em
	return nil
}

func (t *memTx) finish() {
	for _, k := range t.keys {
		t.m.locks.Release(k)
	}
	t.keys = nil
	t.stations = nil
	t.ems = nil
	t.inserted = nil
	t.done = true
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.m.mu.Lock()
	for id, s := range t.stations {
		t.m.stations[id] = s
	}
	for id, em := range t.ems {
		t.m.emergencies[id] = em
	}
	t.m.emOrder = append(t.m.emOrder, t.inserted...)
	t.m.mu.Unlock()
	t.finish()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

// ----- plain reads and writes -----

func (m *Memory) GetEmergency(ctx context.Context, id string) (model.Emergency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	em, ok := m.emergencies[id]
	if !ok {
		return model.Emergency{}, ErrNotFound
	}
	return em, nil
}

func (m *Memory) listEmergencies(match func(model.Emergency) bool) []model.Emergency {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Emergency{}
	for _, id := range m.emOrder {
		if em := m.emergencies[id]; match(em) {
			out = append(out, em)
		}
	}
	// newest first, as the original listing endpoints order
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *Memory) ListEmergenciesByRequester(ctx context.Context, userID string) ([]model.Emergency, error) {
	return m.listEmergencies(func(e model.Emergency) bool { return e.CreatedBy == userID }), nil
}

func (m *Memory) ListEmergenciesByStation(ctx context.Context, stationID string) ([]model.Emergency, error) {
	return m.listEmergencies(func(e model.Emergency) bool { return e.AssignedStationID == stationID }), nil
}

func (m *Memory) ActiveEmergencies(ctx context.Context) ([]model.Emergency, error) {
	return m.listEmergencies(func(e model.Emergency) bool { return !e.Status.IsTerminal() }), nil
}

func (m *Memory) CreateStation(ctx context.Context, in model.StationInput) (model.Station, error) {
	s := model.Station{
		ID:         uuid.New().String(),
		Name:       in.Name,
		Capability: in.Capability,
		Location:   in.Location,
		Status:     model.StationAvailable,
		CreatedAt:  time.Now().UTC(),
	}
	m.mu.Lock()
	m.stations[s.ID] = s
	m.stationOrder = append(m.stationOrder, s.ID)
	m.mu.Unlock()
	return s, nil
}

func (m *Memory) GetStation(ctx context.Context, id string) (model.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[id]
	if !ok {
		return model.Station{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListStations(ctx context.Context) ([]model.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Station, 0, len(m.stationOrder))
	for _, id := range m.stationOrder {
		out = append(out, m.stations[id])
	}
	return out, nil
}

// ----- subscriptions and webhook queue -----

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.mu.Lock()
	m.subs[s.ID] = s
	m.subOrder = append(m.subOrder, s.ID)
	m.mu.Unlock()
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscription{}
	for _, id := range m.subOrder {
		s := m.subs[id]
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscription{}
	for _, id := range m.subOrder {
		out = append(out, m.subs[id])
	}
	return out, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	for i, sid := range m.subOrder {
		if sid == id {
			m.subOrder = append(m.subOrder[:i], m.subOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	d := &memDelivery{
		WebhookDelivery: WebhookDelivery{
			ID: id, SubscriptionID: subscriptionID, EventType: eventType,
			URL: url, Secret: secret, Payload: payload, Status: "pending",
		},
		NextAttemptAt: time.Now(),
	}
	m.mu.Lock()
	m.deliveries[id] = d
	m.delivOrder = append(m.delivOrder, id)
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []WebhookDelivery{}
	for _, id := range m.delivOrder {
		d := m.deliveries[id]
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Attempts++
	d.Status = "retry"
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}
