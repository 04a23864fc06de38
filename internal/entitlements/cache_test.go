package entitlements

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"purchasekit/internal/models"
	"purchasekit/internal/store"
)

func setupCache(t *testing.T) (*Cache, string, func()) {
	t.Helper()

	dbPath := "./test_cache_" + uuid.New().String() + ".db"
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	c := NewCache(st, zerolog.Nop())
	if err := c.Load(); err != nil {
		t.Fatalf("Failed to load cache: %v", err)
	}

	cleanup := func() {
		st.Close()
		os.Remove(dbPath)
	}
	return c, dbPath, cleanup
}

func record(productID, groupID string, status models.EntitlementStatus, expiresIn time.Duration) models.EntitlementRecord {
	return models.EntitlementRecord{
		ProductID: productID,
		GroupID:   groupID,
		Status:    status,
		ExpiresAt: time.Now().Add(expiresIn),
		AutoRenew: true,
	}
}

func TestReplaceAll_ReplacesWholesale(t *testing.T) {
	c, _, cleanup := setupCache(t)
	defer cleanup()

	first := []models.EntitlementRecord{record("premium.weekly", "premium", models.StatusTrial, time.Hour)}
	if err := c.ReplaceAll(first); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	second := []models.EntitlementRecord{record("premium.monthly", "premium", models.StatusRegular, time.Hour)}
	if err := c.ReplaceAll(second); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	if _, ok := c.Get("premium.weekly"); ok {
		t.Error("Old record must be gone after replacement")
	}
	rec, ok := c.Get("premium.monthly")
	if !ok {
		t.Fatal("Expected new record after replacement")
	}
	if rec.Status != models.StatusRegular {
		t.Errorf("Expected regular status, got %s", rec.Status)
	}
}

func TestGet_GroupFallbackPicksLatestExpiry(t *testing.T) {
	c, _, cleanup := setupCache(t)
	defer cleanup()

	records := []models.EntitlementRecord{
		record("premium.weekly", "premium", models.StatusRegular, time.Hour),
		record("premium.yearly", "premium", models.StatusRegular, 365*24*time.Hour),
	}
	if err := c.ReplaceAll(records); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	rec, ok := c.Get("premium")
	if !ok {
		t.Fatal("Expected group lookup to resolve")
	}
	if rec.ProductID != "premium.yearly" {
		t.Errorf("Expected latest-expiry record to hold the group slot, got %s", rec.ProductID)
	}
}

func TestGet_ExpiredRecordDoesNotHoldGroupSlot(t *testing.T) {
	c, _, cleanup := setupCache(t)
	defer cleanup()

	records := []models.EntitlementRecord{
		record("premium.weekly", "premium", models.StatusExpired, -time.Hour),
	}
	if err := c.ReplaceAll(records); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	// The record is still retrievable by product id.
	if _, ok := c.Get("premium.weekly"); !ok {
		t.Error("Expected expired record to remain queryable by product id")
	}
	// But it has no claim on the group, and grants no access.
	if _, ok := c.Get("premium"); ok {
		t.Error("Expired record must not hold the group slot")
	}
	if c.HasActiveEntitlement("premium.weekly") {
		t.Error("Expired record must not grant access")
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	dbPath := "./test_cache_" + uuid.New().String() + ".db"
	defer os.Remove(dbPath)

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	c := NewCache(st, zerolog.Nop())
	if err := c.Load(); err != nil {
		t.Fatalf("Failed to load cache: %v", err)
	}
	records := []models.EntitlementRecord{record("premium.weekly", "premium", models.StatusTrial, time.Hour)}
	if err := c.ReplaceAll(records); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}
	st.Close()

	// New process: a fresh store and cache over the same file, no network.
	st2, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer st2.Close()

	c2 := NewCache(st2, zerolog.Nop())
	if err := c2.Load(); err != nil {
		t.Fatalf("Failed to reload cache: %v", err)
	}

	if !c2.HasActiveEntitlement("premium") {
		t.Error("Entitlement must survive restart without a network call")
	}
	rec, ok := c2.Get("premium.weekly")
	if !ok {
		t.Fatal("Expected persisted record after restart")
	}
	if rec.Status != models.StatusTrial {
		t.Errorf("Expected trial status after restart, got %s", rec.Status)
	}
}

func TestInvalidate_ClearsCacheAndSnapshot(t *testing.T) {
	c, dbPath, cleanup := setupCache(t)
	defer cleanup()

	records := []models.EntitlementRecord{record("premium.weekly", "premium", models.StatusRegular, time.Hour)}
	if err := c.ReplaceAll(records); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}
	if err := c.Invalidate(); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	if c.HasActiveEntitlement("premium") {
		t.Error("Expected no entitlements after invalidation")
	}
	if len(c.All()) != 0 {
		t.Errorf("Expected empty set, got %d records", len(c.All()))
	}

	// The persisted snapshot is cleared too.
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer st.Close()
	persisted, err := st.LoadEntitlements()
	if err != nil {
		t.Fatalf("Failed to load snapshot: %v", err)
	}
	if len(persisted) != 0 {
		t.Errorf("Expected empty persisted snapshot, got %d records", len(persisted))
	}
}
