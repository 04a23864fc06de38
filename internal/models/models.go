package models

import "time"

// TransactionState is the lifecycle state of a native purchase transaction
// as delivered by the platform purchase queue.
type TransactionState string

const (
	TransactionPurchasing TransactionState = "purchasing"
	TransactionPurchased  TransactionState = "purchased"
	TransactionFailed     TransactionState = "failed"
	TransactionRestored   TransactionState = "restored"
	TransactionDeferred   TransactionState = "deferred"
)

// Transaction is an opaque native purchase event. It is created by the
// platform purchase queue and consumed exactly once by the reconciliation
// engine, which finishes it only after backend confirmation or a terminal
// local decision.
type Transaction struct {
	ID          string            `json:"id"`
	OriginalID  string            `json:"original_id"` // ties renewals to the first purchase
	ProductID   string            `json:"product_id"`
	OfferID     string            `json:"offer_id,omitempty"`
	State       TransactionState  `json:"state"`
	PurchasedAt time.Time         `json:"purchased_at"`
	Error       *TransactionError `json:"error,omitempty"`
}

// EntitlementStatus describes how a grant was obtained and whether it is
// still in force.
type EntitlementStatus string

const (
	StatusTrial    EntitlementStatus = "trial"
	StatusIntro    EntitlementStatus = "intro"
	StatusPromo    EntitlementStatus = "promo"
	StatusGrace    EntitlementStatus = "grace_period"
	StatusRegular  EntitlementStatus = "regular"
	StatusRefunded EntitlementStatus = "refunded"
	StatusExpired  EntitlementStatus = "expired"
)

// EntitlementRecord is one product's (or subscription group's) confirmed
// grant. Records are produced by the backend and replace any local guess;
// only the reconciliation engine writes them into the cache.
type EntitlementRecord struct {
	ProductID      string            `json:"product_id"`
	GroupID        string            `json:"group_id"`
	Status         EntitlementStatus `json:"status"`
	ExpiresAt      time.Time         `json:"expires_at"`
	IntroOfferUsed bool              `json:"intro_offer_used"`
	AutoRenew      bool              `json:"auto_renew"`
}

// ActiveAt reports whether the record grants access at the given instant.
// A zero ExpiresAt means a non-expiring grant.
func (r EntitlementRecord) ActiveAt(t time.Time) bool {
	if r.Status == StatusRefunded || r.Status == StatusExpired {
		return false
	}
	return r.ExpiresAt.IsZero() || r.ExpiresAt.After(t)
}

// Identity is the stable user/device pairing that scopes every backend
// call. It is created at SDK start, persisted locally, and replaced
// wholesale on logout.
type Identity struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ConfirmPurchaseRequest is the transaction metadata submitted to
// POST /purchase for backend confirmation.
type ConfirmPurchaseRequest struct {
	TransactionID string    `json:"transaction_id"`
	OriginalID    string    `json:"original_transaction_id,omitempty"`
	ProductID     string    `json:"product_id"`
	OfferID       string    `json:"offer_id,omitempty"`
	PurchasedAt   time.Time `json:"purchased_at"`
}

// RestoreRequest carries the batch of currently-held native transactions
// submitted to POST /subscriptions/restore in a single round-trip.
type RestoreRequest struct {
	Transactions []ConfirmPurchaseRequest `json:"transactions"`
}

// EntitlementResponse is the backend's authoritative answer to a purchase
// confirmation or restore: the caller's full entitlement set plus a raw
// receipt echo.
type EntitlementResponse struct {
	Entitlements []EntitlementRecord `json:"entitlements"`
	Receipt      string              `json:"receipt,omitempty"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}
