// Package backendstub is a stand-in for the production entitlement
// backend: it confirms purchase transactions, records grants, and answers
// restores. The demo app and end-to-end tests run the SDK against it.
package backendstub

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"purchasekit/internal/cache"
	"purchasekit/internal/models"
	"purchasekit/internal/syncclient"
	"purchasekit/internal/validation"
)

// Handler provides the HTTP handlers of the stub backend.
type Handler struct {
	storage     cache.Cache
	rules       map[string]GrantRule
	maxBodySize int64
	log         zerolog.Logger
}

// NewHandler creates a handler storing grants in storage and applying the
// given per-product rules.
func NewHandler(storage cache.Cache, rules map[string]GrantRule, logger zerolog.Logger) *Handler {
	return &Handler{
		storage:     storage,
		rules:       rules,
		maxBodySize: 1 << 20, // requests are tiny; 1MB is generous
		log:         logger.With().Str("component", "backendstub").Logger(),
	}
}

// Routes mounts the backend endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/purchase", h.ConfirmPurchase)
	r.Post("/subscriptions/restore", h.Restore)
}

// ConfirmPurchase handles POST /purchase.
func (h *Handler) ConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	userID := r.Header.Get(syncclient.HeaderUserID)
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "user identity header is required")
		return
	}

	var req models.ConfirmPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	req.TransactionID = validation.SanitizeString(req.TransactionID)
	req.ProductID = validation.SanitizeString(req.ProductID)

	if err := validation.ValidateConfirmRequest(req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, status, msg := h.apply(r, userID, req)
	if status != http.StatusOK {
		h.respondError(w, status, msg)
		return
	}

	h.respondJSON(w, http.StatusOK, models.EntitlementResponse{
		Entitlements: records,
		Receipt:      "stub-receipt-" + req.TransactionID,
	})
}

// Restore handles POST /subscriptions/restore. The batch is applied
// all-or-nothing: one invalid transaction rejects the whole request with
// no grants recorded.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	userID := r.Header.Get(syncclient.HeaderUserID)
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "user identity header is required")
		return
	}

	var req models.RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	for i := range req.Transactions {
		txn := &req.Transactions[i]
		txn.TransactionID = validation.SanitizeString(txn.TransactionID)
		txn.ProductID = validation.SanitizeString(txn.ProductID)

		if err := validation.ValidateConfirmRequest(*txn); err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		rule, ok := h.rules[txn.ProductID]
		if !ok {
			h.respondError(w, http.StatusUnprocessableEntity, "unknown product: "+txn.ProductID)
			return
		}
		if rule.Reject {
			h.respondError(w, http.StatusUnprocessableEntity, "transaction flagged: "+txn.TransactionID)
			return
		}
	}

	records, err := cache.GetEntitlements(r.Context(), h.storage, userID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	now := time.Now().UTC()
	for _, txn := range req.Transactions {
		seen, err := cache.SeenReceipt(r.Context(), h.storage, txn.TransactionID)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, "storage failure")
			return
		}
		if seen {
			continue
		}
		records = grant(records, txn, h.rules[txn.ProductID], now)
	}

	if err := cache.SetEntitlements(r.Context(), h.storage, userID, records); err != nil {
		h.respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	for _, txn := range req.Transactions {
		if err := cache.MarkReceipt(r.Context(), h.storage, txn.TransactionID); err != nil {
			h.respondError(w, http.StatusInternalServerError, "storage failure")
			return
		}
	}

	h.log.Info().Str("user_id", userID).Int("transactions", len(req.Transactions)).
		Msg("restore processed")
	h.respondJSON(w, http.StatusOK, models.EntitlementResponse{Entitlements: records})
}

// apply validates a single confirmation against the grant rules and
// records it. Confirmations are idempotent by transaction id.
func (h *Handler) apply(r *http.Request, userID string, req models.ConfirmPurchaseRequest) ([]models.EntitlementRecord, int, string) {
	rule, ok := h.rules[req.ProductID]
	if !ok {
		return nil, http.StatusUnprocessableEntity, "unknown product: " + req.ProductID
	}
	if rule.Reject {
		return nil, http.StatusUnprocessableEntity, "transaction flagged: " + req.TransactionID
	}

	records, err := cache.GetEntitlements(r.Context(), h.storage, userID)
	if err != nil {
		return nil, http.StatusInternalServerError, "storage failure"
	}

	seen, err := cache.SeenReceipt(r.Context(), h.storage, req.TransactionID)
	if err != nil {
		return nil, http.StatusInternalServerError, "storage failure"
	}
	if seen {
		// Redelivered receipt: answer with the current set, grant nothing.
		return records, http.StatusOK, ""
	}

	records = grant(records, req, rule, time.Now().UTC())

	if err := cache.SetEntitlements(r.Context(), h.storage, userID, records); err != nil {
		return nil, http.StatusInternalServerError, "storage failure"
	}
	if err := cache.MarkReceipt(r.Context(), h.storage, req.TransactionID); err != nil {
		return nil, http.StatusInternalServerError, "storage failure"
	}

	h.log.Info().Str("user_id", userID).Str("product_id", req.ProductID).
		Str("transaction_id", req.TransactionID).Msg("purchase confirmed")
	return records, http.StatusOK, ""
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
