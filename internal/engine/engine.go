// Package engine is the reconciliation core: it ties observed native
// transactions to backend confirmation, resolves races between concurrent
// purchase flows, and updates the entitlement cache exactly once per
// confirmed transaction.
//
// All state lives behind a single serialized execution context (the run
// loop). Observer callbacks and backend completions are marshaled onto it;
// the two suspension points, awaiting the native result and awaiting
// backend confirmation, never block the loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"purchasekit/internal/entitlements"
	"purchasekit/internal/events"
	"purchasekit/internal/models"
	"purchasekit/internal/platform"
	"purchasekit/internal/store"
)

// Backend confirms transactions against the entitlement service.
// Implemented by syncclient.Client.
type Backend interface {
	ConfirmPurchase(ctx context.Context, req models.ConfirmPurchaseRequest) ([]models.EntitlementRecord, error)
	Restore(ctx context.Context, txns []models.ConfirmPurchaseRequest) ([]models.EntitlementRecord, error)
}

// Finisher acknowledges consumed transactions on the platform queue.
// Implemented by observer.Adapter.
type Finisher interface {
	Finish(transactionID string) error
}

// ResultStatus is the terminal disposition of a purchase attempt.
type ResultStatus string

const (
	// ResultSuccess: backend confirmed, cache updated, transaction finished.
	ResultSuccess ResultStatus = "success"
	// ResultPending: the platform deferred the purchase (ask-to-buy). No
	// cache mutation; the grant arrives later through observer replay.
	ResultPending ResultStatus = "pending"
)

// PurchaseResult is what a resolved purchase attempt hands its caller.
type PurchaseResult struct {
	Status      ResultStatus
	Entitlement *models.EntitlementRecord
}

// Config tunes the engine.
type Config struct {
	// ConfirmTimeout bounds one backend confirmation including its
	// internal retries.
	ConfirmTimeout time.Duration
	// JournalLimit bounds the recently-seen set and its persisted journal.
	JournalLimit int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout: 60 * time.Second,
		JournalLimit:   256,
	}
}

// attempt is the ephemeral record of an in-flight purchase. At most one
// exists per product id; it is destroyed when the attempt resolves.
type attempt struct {
	productID string
	offerID   string
	startedAt time.Time
	result    chan outcome // buffered; resolution never blocks the loop
}

type outcome struct {
	res PurchaseResult
	err error
}

func (a *attempt) resolve(res PurchaseResult, err error) {
	select {
	case a.result <- outcome{res: res, err: err}:
	default:
	}
}

type restoreOutcome struct {
	records []models.EntitlementRecord
	err     error
}

// Engine drives the purchase-attempt state machine.
type Engine struct {
	backend  Backend
	cache    *entitlements.Cache
	finisher Finisher
	queue    platform.PurchaseQueue
	events   *events.Manager
	store    *store.Store
	cfg      Config
	log      zerolog.Logger

	ops  chan func()
	done chan struct{}

	// Everything below is owned by the run loop.
	seen           *seenSet
	attempts       map[string]*attempt
	confirming     map[string]bool
	pendingTxns    map[string][]models.Transaction
	restoring      bool
	waitingRestore []chan restoreOutcome
}

// New assembles an engine. Start must be called before use.
func New(backend Backend, cache *entitlements.Cache, finisher Finisher,
	queue platform.PurchaseQueue, ev *events.Manager, st *store.Store,
	cfg Config, logger zerolog.Logger) *Engine {

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfig().ConfirmTimeout
	}
	if cfg.JournalLimit <= 0 {
		cfg.JournalLimit = DefaultConfig().JournalLimit
	}

	return &Engine{
		backend:     backend,
		cache:       cache,
		finisher:    finisher,
		queue:       queue,
		events:      ev,
		store:       st,
		cfg:         cfg,
		log:         logger.With().Str("component", "engine").Logger(),
		ops:         make(chan func(), 128),
		done:        make(chan struct{}),
		seen:        newSeenSet(cfg.JournalLimit),
		attempts:    make(map[string]*attempt),
		confirming:  make(map[string]bool),
		pendingTxns: make(map[string][]models.Transaction),
	}
}

// Start seeds the dedup set from the persisted journal and launches the
// serialized run loop.
func (e *Engine) Start() error {
	ids, err := e.store.RecentlyReconciled(e.cfg.JournalLimit)
	if err != nil {
		return fmt.Errorf("failed to load reconciliation journal: %w", err)
	}
	// Oldest first so eviction order matches reconciliation order.
	for i := len(ids) - 1; i >= 0; i-- {
		e.seen.Add(ids[i])
	}

	go e.run()
	return nil
}

// Stop shuts the run loop down. In-flight backend calls finish on their
// own goroutines but their completions are dropped.
func (e *Engine) Stop() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

func (e *Engine) run() {
	for {
		select {
		case op := <-e.ops:
			op()
		case <-e.done:
			return
		}
	}
}

// do marshals op onto the serialized context. Posts after Stop are
// dropped.
func (e *Engine) do(op func()) {
	select {
	case e.ops <- op:
	case <-e.done:
	}
}

// HandleTransaction implements observer.Sink: every transaction-state
// transition from the platform lands here, on any goroutine.
func (e *Engine) HandleTransaction(txn models.Transaction) {
	e.do(func() { e.reconcile(txn) })
}

// Purchase runs one purchase attempt to a terminal state. A second call
// for the same product while the first is non-terminal fails immediately
// with ErrAttemptInFlight and never reaches the native purchase API.
//
// The native payment sheet can wait on the user indefinitely, so the only
// bound on the attempt is ctx: when it expires the caller gets the context
// error while reconciliation continues in the background.
func (e *Engine) Purchase(ctx context.Context, productID, offerID string) (PurchaseResult, error) {
	out := make(chan outcome, 1)

	e.do(func() {
		if _, busy := e.attempts[productID]; busy {
			out <- outcome{err: models.ErrAttemptInFlight}
			return
		}

		a := &attempt{
			productID: productID,
			offerID:   offerID,
			startedAt: time.Now(),
			result:    out,
		}
		e.attempts[productID] = a

		if err := e.queue.Purchase(productID, offerID); err != nil {
			delete(e.attempts, productID)
			out <- outcome{err: fmt.Errorf("native purchase call failed: %w", err)}
			return
		}
		e.log.Debug().Str("product_id", productID).Msg("purchase attempt started")
	})

	select {
	case o := <-out:
		return o.res, o.err
	case <-ctx.Done():
		// The attempt keeps reconciling; only the caller stops waiting.
		return PurchaseResult{}, fmt.Errorf("purchase still reconciling in background: %w", ctx.Err())
	case <-e.done:
		return PurchaseResult{}, models.ErrNotStarted
	}
}

// Restore enumerates all currently-held native transactions, submits the
// batch in one round-trip, and applies the result atomically: either the
// cache reflects all restored products or it is left unchanged.
func (e *Engine) Restore(ctx context.Context) ([]models.EntitlementRecord, error) {
	out := make(chan restoreOutcome, 1)

	e.do(func() { e.startRestore(out) })

	select {
	case o := <-out:
		return o.records, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("restore still reconciling in background: %w", ctx.Err())
	case <-e.done:
		return nil, models.ErrNotStarted
	}
}

// reconcile applies one observed transaction. Runs on the loop.
func (e *Engine) reconcile(txn models.Transaction) {
	productID := txn.ProductID

	switch txn.State {
	case models.TransactionPurchasing:
		// The attempt is suspended on the native result; nothing to do.

	case models.TransactionDeferred:
		// Ask-to-buy: resolve the attempt as pending and free the slot.
		// The transaction stays unfinished; if approval comes, the queue
		// delivers a purchase and replay reconciles it with no attempt
		// attached.
		if a, ok := e.attempts[productID]; ok {
			delete(e.attempts, productID)
			a.resolve(PurchaseResult{Status: ResultPending}, nil)
		}
		e.log.Info().Str("product_id", productID).Str("transaction_id", txn.ID).
			Msg("purchase deferred by platform")

	case models.TransactionFailed:
		// Terminal local decision: finish immediately, no network call.
		e.finish(txn.ID)
		var cause error
		if txn.Error != nil {
			cause = txn.Error
		} else {
			cause = &models.TransactionError{Code: "unknown", Message: "purchase failed"}
		}
		if a, ok := e.attempts[productID]; ok {
			delete(e.attempts, productID)
			a.resolve(PurchaseResult{}, cause)
		}
		e.events.PublishPurchaseFailed(productID, cause)

	case models.TransactionPurchased, models.TransactionRestored:
		if e.seen.Contains(txn.ID) {
			// Duplicate delivery of an already reconciled transaction.
			e.finish(txn.ID)
			return
		}
		if e.confirming[productID] || e.restoring {
			// A confirmation for this product (or a restore batch) is in
			// flight. Platform-initiated deliveries are serialized by
			// queuing, never rejected.
			e.pendingTxns[productID] = append(e.pendingTxns[productID], txn)
			return
		}
		e.startConfirm(txn)

	default:
		e.log.Warn().Str("state", string(txn.State)).Str("transaction_id", txn.ID).
			Msg("ignoring transaction in unknown state")
	}
}

// startConfirm suspends the transaction on a backend round-trip. Runs on
// the loop; the round-trip itself runs on its own goroutine.
func (e *Engine) startConfirm(txn models.Transaction) {
	e.confirming[txn.ProductID] = true

	req := models.ConfirmPurchaseRequest{
		TransactionID: txn.ID,
		OriginalID:    txn.OriginalID,
		ProductID:     txn.ProductID,
		OfferID:       txn.OfferID,
		PurchasedAt:   txn.PurchasedAt,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConfirmTimeout)
		defer cancel()

		records, err := e.backend.ConfirmPurchase(ctx, req)
		e.do(func() { e.finishConfirm(txn, records, err) })
	}()
}

// finishConfirm applies one backend confirmation outcome. Runs on the loop.
func (e *Engine) finishConfirm(txn models.Transaction, records []models.EntitlementRecord, err error) {
	productID := txn.ProductID
	delete(e.confirming, productID)
	a := e.attempts[productID]

	switch {
	case err == nil:
		if cerr := e.cache.ReplaceAll(records); cerr != nil {
			// Local persistence failed; leave the transaction unfinished
			// so the queue redelivers it.
			e.log.Error().Err(cerr).Str("transaction_id", txn.ID).
				Msg("failed to apply confirmed entitlements")
			e.resolveAttempt(productID, a, PurchaseResult{}, cerr)
			break
		}
		e.markSeen(txn)
		e.finish(txn.ID)
		res := PurchaseResult{Status: ResultSuccess}
		rec, ok := e.cache.Get(productID)
		if ok {
			res.Entitlement = &rec
		}
		e.resolveAttempt(productID, a, res, nil)
		e.events.PublishEntitlementsChanged(records)
		evt := e.log.Info().Str("product_id", productID).Str("transaction_id", txn.ID)
		if ok {
			e.events.PublishPurchaseSucceeded(productID, rec)
			evt = evt.Str("status", string(rec.Status))
		}
		evt.Msg("purchase confirmed")

	case errors.Is(err, models.ErrIdentityStale):
		// Logout raced the confirmation. Drop silently: no cache change,
		// transaction left for the next identity's replay.
		e.resolveAttempt(productID, a, PurchaseResult{}, models.ErrIdentityStale)
		e.log.Info().Str("transaction_id", txn.ID).Msg("confirmation dropped, identity stale")

	case models.IsValidationRejection(err):
		// The backend authoritatively rejected the transaction. Finish it
		// so the platform stops redelivering, never touch the cache.
		e.markSeen(txn)
		e.finish(txn.ID)
		e.resolveAttempt(productID, a, PurchaseResult{}, err)
		e.events.PublishPurchaseFailed(productID, err)
		e.log.Warn().Err(err).Str("transaction_id", txn.ID).Msg("backend rejected transaction")

	default:
		// Transient failure past the retry budget. The transaction stays
		// unfinished; the platform will redeliver it on the next launch
		// and reconciliation resumes without caller involvement.
		e.resolveAttempt(productID, a, PurchaseResult{}, err)
		e.events.PublishPurchaseFailed(productID, err)
		e.log.Warn().Err(err).Str("transaction_id", txn.ID).
			Msg("confirmation failed, transaction left unfinished")
	}

	e.drainPending(productID)
	e.maybeStartRestore()
}

// startRestore begins a restore, or queues it behind in-flight
// confirmations. Runs on the loop.
func (e *Engine) startRestore(out chan restoreOutcome) {
	if e.restoring {
		out <- restoreOutcome{err: models.ErrAttemptInFlight}
		return
	}

	held := e.heldForRestore()
	if len(held) == 0 {
		// Deterministic local no-op: no backend call, cache unchanged.
		out <- restoreOutcome{records: []models.EntitlementRecord{}}
		return
	}

	if len(e.confirming) > 0 {
		// Serialize behind the running confirmations by queuing.
		e.waitingRestore = append(e.waitingRestore, out)
		return
	}

	e.runRestore(held, out)
}

func (e *Engine) heldForRestore() []models.Transaction {
	var held []models.Transaction
	for _, txn := range e.queue.Transactions() {
		if txn.State != models.TransactionPurchased && txn.State != models.TransactionRestored {
			continue
		}
		if e.seen.Contains(txn.ID) {
			continue
		}
		held = append(held, txn)
	}
	return held
}

func (e *Engine) runRestore(held []models.Transaction, out chan restoreOutcome) {
	e.restoring = true

	reqs := make([]models.ConfirmPurchaseRequest, 0, len(held))
	for _, txn := range held {
		reqs = append(reqs, models.ConfirmPurchaseRequest{
			TransactionID: txn.ID,
			OriginalID:    txn.OriginalID,
			ProductID:     txn.ProductID,
			OfferID:       txn.OfferID,
			PurchasedAt:   txn.PurchasedAt,
		})
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConfirmTimeout)
		defer cancel()

		records, err := e.backend.Restore(ctx, reqs)
		e.do(func() { e.finishRestore(held, out, records, err) })
	}()
}

// finishRestore applies a restore outcome atomically. Runs on the loop.
func (e *Engine) finishRestore(held []models.Transaction, out chan restoreOutcome,
	records []models.EntitlementRecord, err error) {

	e.restoring = false

	switch {
	case err == nil:
		if cerr := e.cache.ReplaceAll(records); cerr != nil {
			out <- restoreOutcome{err: cerr}
			break
		}
		for _, txn := range held {
			e.markSeen(txn)
			e.finish(txn.ID)
			e.resolveRestored(txn.ProductID, nil)
		}
		e.events.PublishEntitlementsChanged(records)
		out <- restoreOutcome{records: records}
		e.log.Info().Int("transactions", len(held)).Int("entitlements", len(records)).
			Msg("restore applied")

	case errors.Is(err, models.ErrIdentityStale):
		out <- restoreOutcome{err: models.ErrIdentityStale}

	case models.IsValidationRejection(err):
		// Whole batch rejected: stop redelivery, leave the cache as is.
		for _, txn := range held {
			e.markSeen(txn)
			e.finish(txn.ID)
			e.resolveRestored(txn.ProductID, err)
		}
		out <- restoreOutcome{err: err}
		e.log.Warn().Err(err).Msg("backend rejected restore batch")

	default:
		// Transient failure: nothing finished, cache unchanged, the held
		// transactions remain for a later restore or replay.
		out <- restoreOutcome{err: err}
		e.log.Warn().Err(err).Msg("restore failed, transactions left unfinished")
	}

	for product := range e.pendingTxns {
		e.drainPending(product)
	}
	e.maybeStartRestore()
}

// drainPending starts the next queued confirmation for a product, if the
// product is idle. Runs on the loop.
func (e *Engine) drainPending(productID string) {
	for !e.restoring && !e.confirming[productID] {
		queue := e.pendingTxns[productID]
		if len(queue) == 0 {
			delete(e.pendingTxns, productID)
			return
		}
		next := queue[0]
		if len(queue) == 1 {
			delete(e.pendingTxns, productID)
		} else {
			e.pendingTxns[productID] = queue[1:]
		}

		if e.seen.Contains(next.ID) {
			e.finish(next.ID)
			continue
		}
		e.startConfirm(next)
		return
	}
}

// maybeStartRestore launches a queued restore once no confirmation is in
// flight. Runs on the loop.
func (e *Engine) maybeStartRestore() {
	if e.restoring || len(e.confirming) > 0 || len(e.waitingRestore) == 0 {
		return
	}

	out := e.waitingRestore[0]
	e.waitingRestore = e.waitingRestore[1:]

	held := e.heldForRestore()
	if len(held) == 0 {
		out <- restoreOutcome{records: []models.EntitlementRecord{}}
		e.maybeStartRestore()
		return
	}
	e.runRestore(held, out)
}

// resolveRestored releases the attempt slot of a product whose transaction
// was reconciled by a restore batch instead of its own confirmation. The
// transaction is already terminally decided, so leaving the attempt open
// would hang the caller and reject every later purchase of the product as
// busy; the queued duplicate delivery is swallowed by the seen set and
// never reaches finishConfirm. Runs on the loop.
func (e *Engine) resolveRestored(productID string, err error) {
	a, ok := e.attempts[productID]
	if !ok {
		return
	}
	if err != nil {
		e.resolveAttempt(productID, a, PurchaseResult{}, err)
		return
	}
	res := PurchaseResult{Status: ResultSuccess}
	if rec, found := e.cache.Get(productID); found {
		res.Entitlement = &rec
	}
	e.resolveAttempt(productID, a, res, nil)
}

func (e *Engine) resolveAttempt(productID string, a *attempt, res PurchaseResult, err error) {
	if a == nil {
		return
	}
	delete(e.attempts, productID)
	a.resolve(res, err)
}

// markSeen records a terminally decided transaction in the dedup set and
// the persisted journal.
func (e *Engine) markSeen(txn models.Transaction) {
	e.seen.Add(txn.ID)
	if err := e.store.MarkReconciled(txn.ID, txn.ProductID, e.cfg.JournalLimit); err != nil {
		e.log.Error().Err(err).Str("transaction_id", txn.ID).Msg("failed to journal transaction")
	}
}

func (e *Engine) finish(transactionID string) {
	if err := e.finisher.Finish(transactionID); err != nil {
		e.log.Error().Err(err).Str("transaction_id", transactionID).
			Msg("failed to finish transaction")
	}
}
