package store

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"purchasekit/internal/models"
)

func setupStore(t *testing.T) (*Store, func()) {
	t.Helper()

	dbPath := "./test_store_" + uuid.New().String() + ".db"
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	cleanup := func() {
		st.Close()
		os.Remove(dbPath)
	}
	return st, cleanup
}

func TestIdentityRoundTrip(t *testing.T) {
	st, cleanup := setupStore(t)
	defer cleanup()

	_, ok, err := st.LoadIdentity()
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if ok {
		t.Fatal("Expected no identity in a fresh store")
	}

	id := models.Identity{
		UserID:    uuid.New().String(),
		DeviceID:  uuid.New().String(),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := st.SaveIdentity(id); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}

	got, ok, err := st.LoadIdentity()
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected persisted identity")
	}
	if got.UserID != id.UserID || got.DeviceID != id.DeviceID {
		t.Errorf("Identity mismatch: got %+v, want %+v", got, id)
	}
}

func TestSaveIdentity_ReplacesPrevious(t *testing.T) {
	st, cleanup := setupStore(t)
	defer cleanup()

	first := models.Identity{UserID: "user-a", DeviceID: "device-1", CreatedAt: time.Now().UTC()}
	if err := st.SaveIdentity(first); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}

	second := models.Identity{UserID: "user-b", DeviceID: "device-1", CreatedAt: time.Now().UTC()}
	if err := st.SaveIdentity(second); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}

	got, ok, err := st.LoadIdentity()
	if err != nil || !ok {
		t.Fatalf("LoadIdentity failed: ok=%v err=%v", ok, err)
	}
	if got.UserID != "user-b" {
		t.Errorf("Expected replaced user id, got %s", got.UserID)
	}
	if got.DeviceID != "device-1" {
		t.Errorf("Device id must be preserved across replacement, got %s", got.DeviceID)
	}
}

func TestJournal_PrunesToLimit(t *testing.T) {
	st, cleanup := setupStore(t)
	defer cleanup()

	const limit = 5
	var ids []string
	for i := 0; i < limit+3; i++ {
		id := fmt.Sprintf("txn-%02d", i)
		ids = append(ids, id)
		if err := st.MarkReconciled(id, "premium.weekly", limit); err != nil {
			t.Fatalf("MarkReconciled failed: %v", err)
		}
	}

	got, err := st.RecentlyReconciled(limit * 2)
	if err != nil {
		t.Fatalf("RecentlyReconciled failed: %v", err)
	}
	if len(got) != limit {
		t.Fatalf("Expected journal pruned to %d entries, got %d", limit, len(got))
	}
	// Most recent first; the oldest entries were evicted.
	if got[0] != ids[len(ids)-1] {
		t.Errorf("Expected newest entry first, got %s", got[0])
	}
	for _, id := range got {
		if id == ids[0] || id == ids[1] || id == ids[2] {
			t.Errorf("Expected oldest entries evicted, found %s", id)
		}
	}
}

func TestJournal_DuplicateMarkIsIdempotent(t *testing.T) {
	st, cleanup := setupStore(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		if err := st.MarkReconciled("txn-dup", "premium.weekly", 10); err != nil {
			t.Fatalf("MarkReconciled failed: %v", err)
		}
	}

	ids, err := st.RecentlyReconciled(10)
	if err != nil {
		t.Fatalf("RecentlyReconciled failed: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("Expected a single journal entry, got %d", len(ids))
	}
}

func TestReplaceEntitlements_RoundTrip(t *testing.T) {
	st, cleanup := setupStore(t)
	defer cleanup()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	records := []models.EntitlementRecord{
		{ProductID: "premium.weekly", GroupID: "premium", Status: models.StatusTrial, ExpiresAt: expires, AutoRenew: true},
		{ProductID: "coins.100", GroupID: "", Status: models.StatusRegular},
	}
	if err := st.ReplaceEntitlements(records); err != nil {
		t.Fatalf("ReplaceEntitlements failed: %v", err)
	}

	got, err := st.LoadEntitlements()
	if err != nil {
		t.Fatalf("LoadEntitlements failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}

	byProduct := make(map[string]models.EntitlementRecord)
	for _, rec := range got {
		byProduct[rec.ProductID] = rec
	}
	weekly := byProduct["premium.weekly"]
	if weekly.Status != models.StatusTrial || !weekly.AutoRenew {
		t.Errorf("Unexpected weekly record: %+v", weekly)
	}
	if !weekly.ExpiresAt.Equal(expires) {
		t.Errorf("Expected expiry %v, got %v", expires, weekly.ExpiresAt)
	}
	// A zero expiry survives the round trip as a non-expiring grant.
	if !byProduct["coins.100"].ExpiresAt.IsZero() {
		t.Errorf("Expected zero expiry, got %v", byProduct["coins.100"].ExpiresAt)
	}

	// Replacement drops everything not in the new set.
	if err := st.ReplaceEntitlements(nil); err != nil {
		t.Fatalf("ReplaceEntitlements failed: %v", err)
	}
	got, err = st.LoadEntitlements()
	if err != nil {
		t.Fatalf("LoadEntitlements failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty snapshot, got %d records", len(got))
	}
}
