package devicestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"classbeacon/pkg/interfaces"
	"classbeacon/pkg/types"
)

var (
	_ interfaces.CheckInStore = (*SQLiteStore)(nil)
	_ interfaces.CheckInStore = (*MemoryStore)(nil)
)

func sampleStatus() *types.CheckInStatus {
	return &types.CheckInStatus{
		ClassID:     "math-101",
		StudentID:   "student-7",
		CombinedID:  "AB12CD07",
		CheckedInAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestSQLiteStore_RoundTripAndClear(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if got, err := store.Load(ctx); err != nil || got != nil {
		t.Fatalf("expected empty store, got %+v err=%v", got, err)
	}

	if err := store.Save(ctx, sampleStatus()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	_ = store.Close()

	// Survives a reopen, as after a process restart.
	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got == nil || got.CombinedID != "AB12CD07" || got.StudentID != "student-7" {
		t.Fatalf("unexpected status %+v", got)
	}
	if !got.CheckedInAt.Equal(sampleStatus().CheckedInAt) {
		t.Errorf("checked-in time changed: %v", got.CheckedInAt)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if got, _ := store.Load(ctx); got != nil {
		t.Errorf("expected nil after Clear, got %+v", got)
	}
}

func TestSQLiteStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "device.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	first := sampleStatus()
	second := sampleStatus()
	second.CombinedID = "ZZ99XX01"

	if err := store.Save(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, second); err != nil {
		t.Fatal(err)
	}

	var rows int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM checkin_status`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("expected a single row, got %d", rows)
	}
	got, _ := store.Load(ctx)
	if got.CombinedID != "ZZ99XX01" {
		t.Errorf("expected latest status, got %s", got.CombinedID)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	status := sampleStatus()
	if err := store.Save(ctx, status); err != nil {
		t.Fatal(err)
	}
	status.CombinedID = "mutated"

	got, _ := store.Load(ctx)
	if got.CombinedID != "AB12CD07" {
		t.Errorf("store aliased caller memory: %s", got.CombinedID)
	}
}
