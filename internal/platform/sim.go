package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"purchasekit/internal/models"
)

// Outcome scripts what the simulated queue does with the next purchase of
// a product.
type Outcome int

const (
	// OutcomePurchased delivers purchasing then purchased.
	OutcomePurchased Outcome = iota
	// OutcomeFailed delivers purchasing then failed with a cancellation
	// error, the native "user dismissed the payment sheet" case.
	OutcomeFailed
	// OutcomeDeferred delivers purchasing then deferred (ask-to-buy).
	OutcomeDeferred
)

// SimulatedQueue is an in-process PurchaseQueue. Purchases resolve
// asynchronously according to scripted outcomes; unfinished transactions
// are redelivered when an observer attaches, the same launch race the real
// queue produces after a crash mid-purchase.
type SimulatedQueue struct {
	mu         sync.Mutex
	observer   QueueObserver
	outcomes   map[string]Outcome
	unfinished map[string]models.Transaction
	originals  map[string]string // product id -> original transaction id
	// Synchronous delivery keeps tests deterministic; the demo wraps
	// purchases in goroutines of its own.
	deliverAsync bool
}

// NewSimulatedQueue returns an empty queue delivering callbacks
// synchronously from Purchase.
func NewSimulatedQueue() *SimulatedQueue {
	return &SimulatedQueue{
		outcomes:   make(map[string]Outcome),
		unfinished: make(map[string]models.Transaction),
		originals:  make(map[string]string),
	}
}

// SetAsync makes deliveries happen on their own goroutine, as the native
// queue does.
func (q *SimulatedQueue) SetAsync(async bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliverAsync = async
}

// SetOutcome scripts the next purchases of productID.
func (q *SimulatedQueue) SetOutcome(productID string, outcome Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outcomes[productID] = outcome
}

// AddObserver registers the exclusive observer and redelivers any
// unfinished transactions from a previous session, in purchase order.
func (q *SimulatedQueue) AddObserver(obs QueueObserver) error {
	q.mu.Lock()
	if q.observer != nil {
		q.mu.Unlock()
		return fmt.Errorf("purchase queue already has an observer")
	}
	q.observer = obs
	pending := make([]models.Transaction, 0, len(q.unfinished))
	for _, txn := range q.unfinished {
		pending = append(pending, txn)
	}
	q.mu.Unlock()

	for _, txn := range sortByPurchaseTime(pending) {
		q.deliver(obs, txn)
	}
	return nil
}

// Purchase runs the scripted flow for productID.
func (q *SimulatedQueue) Purchase(productID, offerID string) error {
	q.mu.Lock()
	obs := q.observer
	outcome := q.outcomes[productID]
	original, renewing := q.originals[productID]
	q.mu.Unlock()

	if obs == nil {
		return fmt.Errorf("purchase queue has no observer")
	}

	txnID := uuid.New().String()
	if !renewing {
		original = txnID
		q.mu.Lock()
		q.originals[productID] = original
		q.mu.Unlock()
	}

	base := models.Transaction{
		ID:          txnID,
		OriginalID:  original,
		ProductID:   productID,
		OfferID:     offerID,
		PurchasedAt: time.Now().UTC(),
	}

	run := func() {
		opening := base
		opening.State = models.TransactionPurchasing
		q.deliver(obs, opening)

		final := base
		switch outcome {
		case OutcomeFailed:
			final.State = models.TransactionFailed
			final.Error = &models.TransactionError{Code: "payment_cancelled", Message: "user cancelled the payment sheet"}
			q.hold(final) // failed transactions stay queued until finished
		case OutcomeDeferred:
			final.State = models.TransactionDeferred
			q.hold(final)
		default:
			final.State = models.TransactionPurchased
			q.hold(final)
		}
		q.deliver(obs, final)
	}

	if q.isAsync() {
		go run()
	} else {
		run()
	}
	return nil
}

// Deliver injects an arbitrary transaction, holding it as unfinished when
// it is in a holdable state. Used to simulate renewals, restores and
// deferred purchases approved later.
func (q *SimulatedQueue) Deliver(txn models.Transaction) {
	q.mu.Lock()
	obs := q.observer
	q.mu.Unlock()

	if txn.State != models.TransactionPurchasing {
		q.hold(txn)
	}
	if obs != nil {
		q.deliver(obs, txn)
	}
}

// Redeliver pushes every unfinished transaction to the observer again,
// modeling the duplicate delivery the native queue is allowed to do.
func (q *SimulatedQueue) Redeliver() {
	q.mu.Lock()
	obs := q.observer
	pending := make([]models.Transaction, 0, len(q.unfinished))
	for _, txn := range q.unfinished {
		pending = append(pending, txn)
	}
	q.mu.Unlock()

	if obs == nil {
		return
	}
	for _, txn := range sortByPurchaseTime(pending) {
		q.deliver(obs, txn)
	}
}

// Finish acknowledges and drops a held transaction.
func (q *SimulatedQueue) Finish(transactionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.unfinished[transactionID]; !ok {
		return fmt.Errorf("transaction %s not held by queue", transactionID)
	}
	delete(q.unfinished, transactionID)
	return nil
}

// Transactions returns the currently-held transactions.
func (q *SimulatedQueue) Transactions() []models.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.Transaction, 0, len(q.unfinished))
	for _, txn := range q.unfinished {
		out = append(out, txn)
	}
	return sortByPurchaseTime(out)
}

// Finished reports whether a transaction has been acknowledged.
func (q *SimulatedQueue) Finished(transactionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, held := q.unfinished[transactionID]
	return !held
}

func (q *SimulatedQueue) hold(txn models.Transaction) {
	q.mu.Lock()
	q.unfinished[txn.ID] = txn
	q.mu.Unlock()
}

func (q *SimulatedQueue) isAsync() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deliverAsync
}

func (q *SimulatedQueue) deliver(obs QueueObserver, txn models.Transaction) {
	obs.TransactionUpdated(txn)
}

func sortByPurchaseTime(txns []models.Transaction) []models.Transaction {
	out := append([]models.Transaction(nil), txns...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].PurchasedAt.Before(out[j-1].PurchasedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// SimulatedCatalog is a static product catalog.
type SimulatedCatalog struct {
	products map[string]Product
}

// NewSimulatedCatalog indexes the given products by id.
func NewSimulatedCatalog(products ...Product) *SimulatedCatalog {
	m := make(map[string]Product, len(products))
	for _, p := range products {
		m[p.ID] = p
	}
	return &SimulatedCatalog{products: m}
}

// Products returns metadata for the requested ids; unknown ids are
// skipped, matching native catalog behavior.
func (c *SimulatedCatalog) Products(ctx context.Context, ids []string) ([]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
