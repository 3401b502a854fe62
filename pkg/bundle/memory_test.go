package bundle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridianos/chartmerge/pkg/common/models"
)

func TestMemoryStoreLoadUnknownPatient(t *testing.T) {
	store := NewMemoryStore()

	loaded, err := store.Load(context.Background(), "patient-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.VersionID != 0 || len(loaded.Entries) != 0 {
		t.Fatalf("expected empty bundle at version 0, got %+v", loaded)
	}
}

func TestMemoryStoreOptimisticVersioning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	b := EmptyBundle("patient-1")
	b.VersionID = 1
	b.Entries = []models.ResourceEntry{{
		ID:           "r-1",
		ResourceType: models.ResourceCondition,
		Fields:       map[string]interface{}{"description": "Hypertension"},
		Meta:         models.Meta{Source: "doc-1", VersionID: 1, Status: models.StatusActive},
	}}

	if err := store.Persist(ctx, b, 0, nil); err != nil {
		t.Fatalf("first persist: %v", err)
	}

	// Stale writer loses.
	stale := EmptyBundle("patient-1")
	stale.VersionID = 1
	if err := store.Persist(ctx, stale, 0, nil); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	b.VersionID = 2
	if err := store.Persist(ctx, b, 1, nil); err != nil {
		t.Fatalf("second persist: %v", err)
	}

	loaded, err := store.Load(ctx, "patient-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.VersionID != 2 {
		t.Fatalf("VersionID = %d", loaded.VersionID)
	}
}

func TestMemoryStoreHistoryAppendOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	b := EmptyBundle("patient-1")
	b.VersionID = 1
	record := models.HistoryRecord{
		ID:            "h-1",
		PatientID:     "patient-1",
		ResourceID:    "r-1",
		ResourceType:  models.ResourceCondition,
		Action:        models.HistoryUpdated,
		BundleVersion: 1,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.Persist(ctx, b, 0, []models.HistoryRecord{record}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	b.VersionID = 2
	record.ID = "h-2"
	record.BundleVersion = 2
	if err := store.Persist(ctx, b, 1, []models.HistoryRecord{record}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	history, err := store.History(ctx, "patient-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d", len(history))
	}
}

func TestMemoryStoreClonesOnLoad(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	b := EmptyBundle("patient-1")
	b.VersionID = 1
	b.Entries = []models.ResourceEntry{{
		ID:           "r-1",
		ResourceType: models.ResourceCondition,
		Fields:       map[string]interface{}{"description": "Hypertension"},
	}}
	if err := store.Persist(ctx, b, 0, nil); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	loaded, _ := store.Load(ctx, "patient-1")
	loaded.Entries[0].Fields["description"] = "mutated"

	again, _ := store.Load(ctx, "patient-1")
	if again.Entries[0].Fields["description"] != "Hypertension" {
		t.Fatal("stored bundle aliased a loaded copy")
	}
}
