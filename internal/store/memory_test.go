package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"rescueroute/internal/model"
)

func seedStation(t *testing.T, m *Memory, capability model.Capability) model.Station {
	t.Helper()
	s, err := m.CreateStation(context.Background(), model.StationInput{
		Capability: capability,
		Location:   model.GeoPoint{Lat: 1, Lng: 2},
	})
	if err != nil {
		t.Fatalf("seed station: %v", err)
	}
	return s
}

func TestListCandidatesFilters(t *testing.T) {
	m := NewMemory()
	a := seedStation(t, m, model.CapAmbulance)
	seedStation(t, m, model.CapFire)
	busy := seedStation(t, m, model.CapAmbulance)

	tx0, _ := m.Begin(context.Background())
	if ok, err := tx0.TryBook(context.Background(), busy.ID); err != nil || !ok {
		t.Fatalf("book: %v %v", ok, err)
	}
	if err := tx0.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ := m.Begin(context.Background())
	defer func() { _ = tx.Rollback() }()
	got, err := tx.ListCandidates(context.Background(), model.CapAmbulance)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("want only the available ambulance station, got %+v", got)
	}
}

func TestTryBookAlreadyBusy(t *testing.T) {
	m := NewMemory()
	st := seedStation(t, m, model.CapAmbulance)

	tx1, _ := m.Begin(context.Background())
	if ok, _ := tx1.TryBook(context.Background(), st.ID); !ok {
		t.Fatal("first booking should succeed")
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := m.Begin(context.Background())
	defer func() { _ = tx2.Rollback() }()
	ok, err := tx2.TryBook(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("second booking errored: %v", err)
	}
	if ok {
		t.Fatal("second booking must report false, not succeed")
	}
}

func TestTryBookMissingStation(t *testing.T) {
	m := NewMemory()
	tx, _ := m.Begin(context.Background())
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.TryBook(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestLockContentionTimesOut(t *testing.T) {
	m := NewMemory()
	m.SetLockWait(50 * time.Millisecond)
	st := seedStation(t, m, model.CapAmbulance)

	tx1, _ := m.Begin(context.Background())
	if ok, err := tx1.TryBook(context.Background(), st.ID); err != nil || !ok {
		t.Fatalf("book: %v %v", ok, err)
	}

	// tx1 still holds the station row; a second tx cannot get in
	tx2, _ := m.Begin(context.Background())
	if _, err := tx2.TryBook(context.Background(), st.ID); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("want ErrLockTimeout, got %v", err)
	}
	_ = tx2.Rollback()

	// releasing tx1 unblocks the row
	if err := tx1.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	tx3, _ := m.Begin(context.Background())
	defer func() { _ = tx3.Rollback() }()
	if ok, err := tx3.TryBook(context.Background(), st.ID); err != nil || !ok {
		t.Fatalf("booking after release: %v %v", ok, err)
	}
}

func TestRollbackRestoresState(t *testing.T) {
	m := NewMemory()
	st := seedStation(t, m, model.CapAmbulance)

	tx, _ := m.Begin(context.Background())
	if ok, _ := tx.TryBook(context.Background(), st.ID); !ok {
		t.Fatal("book failed")
	}
	em := model.Emergency{ID: "e1", CreatedBy: "u1", Capability: model.CapAmbulance,
		Status: model.StatusAssigned, AssignedStationID: st.ID, CreatedAt: time.Now()}
	if err := tx.InsertEmergency(context.Background(), em); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got, _ := m.GetStation(context.Background(), st.ID)
	if got.Status != model.StationAvailable {
		t.Fatalf("station should revert to AVAILABLE, got %s", got.Status)
	}
	if _, err := m.GetEmergency(context.Background(), "e1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("inserted emergency should be gone, got %v", err)
	}
}

func TestUncommittedWritesInvisible(t *testing.T) {
	m := NewMemory()
	st := seedStation(t, m, model.CapAmbulance)

	tx, _ := m.Begin(context.Background())
	if ok, _ := tx.TryBook(context.Background(), st.ID); !ok {
		t.Fatal("book failed")
	}
	em := model.Emergency{ID: "e1", CreatedBy: "u1", Capability: model.CapAmbulance,
		Status: model.StatusAssigned, AssignedStationID: st.ID, CreatedAt: time.Now()}
	if err := tx.InsertEmergency(context.Background(), em); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// plain readers must not see the open transaction's writes
	got, _ := m.GetStation(context.Background(), st.ID)
	if got.Status != model.StationAvailable {
		t.Fatalf("open tx leaked: station reads %s before commit", got.Status)
	}
	if _, err := m.GetEmergency(context.Background(), "e1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("open tx leaked: emergency visible before commit (%v)", err)
	}

	// the tx itself reads its own writes
	own, err := tx.GetEmergencyForUpdate(context.Background(), "e1")
	if err != nil || own.Status != model.StatusAssigned {
		t.Fatalf("tx cannot see its own insert: %+v (%v)", own, err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, _ = m.GetStation(context.Background(), st.ID)
	if got.Status != model.StationBusy {
		t.Fatalf("station after commit: %s", got.Status)
	}
	if _, err := m.GetEmergency(context.Background(), "e1"); err != nil {
		t.Fatalf("emergency missing after commit: %v", err)
	}
}

func TestCommitKeepsState(t *testing.T) {
	m := NewMemory()
	st := seedStation(t, m, model.CapAmbulance)

	tx, _ := m.Begin(context.Background())
	if ok, _ := tx.TryBook(context.Background(), st.ID); !ok {
		t.Fatal("book failed")
	}
	em := model.Emergency{ID: "e1", CreatedBy: "u1", Capability: model.CapAmbulance,
		Status: model.StatusAssigned, AssignedStationID: st.ID, CreatedAt: time.Now()}
	if err := tx.InsertEmergency(context.Background(), em); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// rollback after commit is a no-op
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}

	got, _ := m.GetStation(context.Background(), st.ID)
	if got.Status != model.StationBusy {
		t.Fatalf("station should stay BUSY, got %s", got.Status)
	}
	if _, err := m.GetEmergency(context.Background(), "e1"); err != nil {
		t.Fatalf("committed emergency missing: %v", err)
	}
}

func TestTxReentrantKeys(t *testing.T) {
	m := NewMemory()
	st := seedStation(t, m, model.CapAmbulance)
	m.SetLockWait(50 * time.Millisecond)

	// the same tx may touch the same row repeatedly without deadlocking
	tx, _ := m.Begin(context.Background())
	defer func() { _ = tx.Rollback() }()
	if ok, err := tx.TryBook(context.Background(), st.ID); err != nil || !ok {
		t.Fatalf("book: %v %v", ok, err)
	}
	if err := tx.Release(context.Background(), st.ID); err != nil {
		t.Fatalf("release in same tx: %v", err)
	}
}
