// Package platform defines the contracts of the native store collaborators
// (purchase queue, product catalog) and ships an in-process simulation of
// them for the demo app and the test suites.
package platform

import (
	"context"

	"purchasekit/internal/models"
)

// Product is read-only catalog metadata for one purchasable product.
type Product struct {
	ID         string   `json:"id"`
	GroupID    string   `json:"group_id"` // subscription group sharing one entitlement slot
	Title      string   `json:"title"`
	PriceCents int64    `json:"price_cents"`
	Currency   string   `json:"currency"`
	Period     string   `json:"period"` // e.g. "P1W", "P1M"
	OfferIDs   []string `json:"offer_ids,omitempty"`
}

// QueueObserver receives asynchronous transaction-state callbacks from the
// purchase queue. Callbacks may arrive on any goroutine.
type QueueObserver interface {
	TransactionUpdated(txn models.Transaction)
}

// PurchaseQueue is the native purchase queue. The SDK registers exactly
// one observer at start and acknowledges consumed transactions with
// Finish; unfinished transactions are redelivered on the next observer
// attach, modeling app relaunch.
type PurchaseQueue interface {
	// AddObserver registers the exclusive observer. A second registration
	// is an error.
	AddObserver(obs QueueObserver) error

	// Purchase starts a native purchase flow for the product. The result
	// arrives through the observer, not the return value.
	Purchase(productID, offerID string) error

	// Finish acknowledges a transaction, removing it from the queue.
	Finish(transactionID string) error

	// Transactions returns the currently-held (unfinished) transactions.
	Transactions() []models.Transaction
}

// Catalog is the platform product catalog, read-only external data keyed
// by product id.
type Catalog interface {
	Products(ctx context.Context, ids []string) ([]Product, error)
}
