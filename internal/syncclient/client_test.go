package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"purchasekit/internal/identity"
	"purchasekit/internal/models"
	"purchasekit/internal/store"
)

func setupIdentity(t *testing.T) (*identity.Manager, func()) {
	t.Helper()

	dbPath := "./test_syncclient_" + uuid.New().String() + ".db"
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	ids := identity.NewManager(st, zerolog.Nop())
	if _, err := ids.Load("test-user", "test-device"); err != nil {
		t.Fatalf("Failed to load identity: %v", err)
	}

	cleanup := func() {
		st.Close()
		os.Remove(dbPath)
	}
	return ids, cleanup
}

func newTestClient(t *testing.T, serverURL string, ids *identity.Manager) *Client {
	t.Helper()

	cfg := DefaultConfig(serverURL, "test-api-key")
	cfg.SetBackoff(time.Millisecond, 5*time.Millisecond)
	return New(cfg, ids, zerolog.Nop())
}

func confirmReq() models.ConfirmPurchaseRequest {
	return models.ConfirmPurchaseRequest{
		TransactionID: uuid.New().String(),
		ProductID:     "premium.weekly",
		PurchasedAt:   time.Now().UTC(),
	}
}

func respondEntitlements(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(models.EntitlementResponse{
		Entitlements: []models.EntitlementRecord{{
			ProductID: "premium.weekly",
			GroupID:   "premium",
			Status:    models.StatusTrial,
			ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
		}},
		Receipt: "test-receipt",
	})
}

func TestConfirmPurchase_SendsScopedHeaders(t *testing.T) {
	ids, cleanup := setupIdentity(t)
	defer cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(HeaderAPIKey); got != "test-api-key" {
			t.Errorf("Expected api key header, got %q", got)
		}
		if got := r.Header.Get(HeaderUserID); got != "test-user" {
			t.Errorf("Expected user header, got %q", got)
		}
		if got := r.Header.Get(HeaderDeviceID); got != "test-device" {
			t.Errorf("Expected device header, got %q", got)
		}
		if r.URL.Path != "/purchase" {
			t.Errorf("Expected /purchase, got %s", r.URL.Path)
		}

		var req models.ConfirmPurchaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.ProductID != "premium.weekly" {
			t.Errorf("Expected product id in payload, got %q", req.ProductID)
		}
		respondEntitlements(w)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, ids)
	records, err := client.ConfirmPurchase(context.Background(), confirmReq())
	if err != nil {
		t.Fatalf("ConfirmPurchase failed: %v", err)
	}
	if len(records) != 1 || records[0].Status != models.StatusTrial {
		t.Errorf("Unexpected entitlements: %+v", records)
	}
}

func TestConfirmPurchase_RetriesTransientFailures(t *testing.T) {
	ids, cleanup := setupIdentity(t)
	defer cleanup()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(models.ErrorResponse{Error: "maintenance"})
			return
		}
		respondEntitlements(w)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, ids)
	records, err := client.ConfirmPurchase(context.Background(), confirmReq())
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected 1 entitlement, got %d", len(records))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestConfirmPurchase_ExhaustsRetryBudget(t *testing.T) {
	ids, cleanup := setupIdentity(t)
	defer cleanup()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, ids)
	_, err := client.ConfirmPurchase(context.Background(), confirmReq())
	if !models.IsNetworkFailure(err) {
		t.Fatalf("Expected network failure, got %v", err)
	}
	// Initial attempt plus MaxRetries.
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("Expected 4 attempts, got %d", got)
	}
}

func TestConfirmPurchase_ValidationRejectionNotRetried(t *testing.T) {
	ids, cleanup := setupIdentity(t)
	defer cleanup()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(models.ErrorResponse{Error: "unknown product"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, ids)
	_, err := client.ConfirmPurchase(context.Background(), confirmReq())
	if !models.IsValidationRejection(err) {
		t.Fatalf("Expected validation rejection, got %v", err)
	}
	var syncErr *models.SyncError
	if !errors.As(err, &syncErr) || syncErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422 on the error, got %+v", syncErr)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected a single attempt, got %d", got)
	}
}

func TestConfirmPurchase_StaleIdentityDiscardsResponse(t *testing.T) {
	ids, cleanup := setupIdentity(t)
	defer cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Logout lands while the response is in flight.
		if _, err := ids.Reset(""); err != nil {
			t.Errorf("Reset failed: %v", err)
		}
		respondEntitlements(w)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, ids)
	_, err := client.ConfirmPurchase(context.Background(), confirmReq())
	if !errors.Is(err, models.ErrIdentityStale) {
		t.Fatalf("Expected ErrIdentityStale, got %v", err)
	}
}

func TestRestore_SubmitsBatch(t *testing.T) {
	ids, cleanup := setupIdentity(t)
	defer cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscriptions/restore" {
			t.Errorf("Expected /subscriptions/restore, got %s", r.URL.Path)
		}
		var req models.RestoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode batch: %v", err)
		}
		if len(req.Transactions) != 2 {
			t.Errorf("Expected 2 transactions in batch, got %d", len(req.Transactions))
		}
		respondEntitlements(w)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, ids)
	records, err := client.Restore(context.Background(), []models.ConfirmPurchaseRequest{confirmReq(), confirmReq()})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected 1 entitlement, got %d", len(records))
	}
}

func TestBackoff_DelaysGrowAndCap(t *testing.T) {
	cfg := backoffConfig{
		Initial:    100 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0,
		Max:        350 * time.Millisecond,
	}

	if got := cfg.nextDelay(0, 0.5); got != 100*time.Millisecond {
		t.Errorf("Expected 100ms for attempt 0, got %v", got)
	}
	if got := cfg.nextDelay(1, 0.5); got != 200*time.Millisecond {
		t.Errorf("Expected 200ms for attempt 1, got %v", got)
	}
	if got := cfg.nextDelay(2, 0.5); got != 350*time.Millisecond {
		t.Errorf("Expected cap at 350ms, got %v", got)
	}
	if got := cfg.nextDelay(10, 0.5); got != 350*time.Millisecond {
		t.Errorf("Expected cap at 350ms for large attempts, got %v", got)
	}
}

func TestBackoff_JitterStaysInBand(t *testing.T) {
	cfg := backoffConfig{
		Initial:    100 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0.3,
		Max:        time.Second,
	}

	low := cfg.nextDelay(0, 0)
	high := cfg.nextDelay(0, 1)
	if low >= high {
		t.Fatalf("Expected jitter to spread delays, got low=%v high=%v", low, high)
	}
	if low < 69*time.Millisecond || high > 131*time.Millisecond {
		t.Errorf("Jitter band out of range: low=%v high=%v", low, high)
	}
}
