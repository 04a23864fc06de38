// Package observer adapts the platform purchase queue to the
// reconciliation engine. It performs no business logic: every
// transaction-state transition is forwarded as-is, and transactions
// delivered before the engine is ready are buffered and replayed in
// arrival order once it is.
package observer

import (
	"sync"

	"github.com/rs/zerolog"

	"purchasekit/internal/models"
	"purchasekit/internal/platform"
)

// Sink consumes forwarded transactions. Implemented by the engine.
type Sink interface {
	HandleTransaction(txn models.Transaction)
}

// Adapter is the exclusive observer of the purchase queue.
type Adapter struct {
	queue platform.PurchaseQueue
	log   zerolog.Logger

	mu      sync.Mutex
	sink    Sink
	started bool
	buffer  []models.Transaction
}

// New creates an adapter for queue. Attach must be called before the
// queue delivers anything.
func New(queue platform.PurchaseQueue, logger zerolog.Logger) *Adapter {
	return &Adapter{
		queue: queue,
		log:   logger.With().Str("component", "observer").Logger(),
	}
}

// Attach registers the adapter as the queue's observer. The queue may
// immediately redeliver unfinished transactions from a previous session;
// they are buffered until Start.
func (a *Adapter) Attach() error {
	return a.queue.AddObserver(a)
}

// TransactionUpdated implements platform.QueueObserver.
func (a *Adapter) TransactionUpdated(txn models.Transaction) {
	a.mu.Lock()
	if !a.started {
		a.buffer = append(a.buffer, txn)
		a.mu.Unlock()
		a.log.Debug().Str("transaction_id", txn.ID).Str("state", string(txn.State)).
			Msg("buffered transaction before engine start")
		return
	}
	sink := a.sink
	a.mu.Unlock()

	sink.HandleTransaction(txn)
}

// Start wires the sink and flushes the buffer in arrival order. No
// transaction is dropped across the launch race.
func (a *Adapter) Start(sink Sink) {
	a.mu.Lock()
	a.sink = sink
	a.started = true
	pending := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	if len(pending) > 0 {
		a.log.Info().Int("count", len(pending)).Msg("replaying buffered transactions")
	}
	for _, txn := range pending {
		sink.HandleTransaction(txn)
	}
}

// Finish acknowledges a transaction on engine instruction. The adapter
// never finishes a transaction on its own.
func (a *Adapter) Finish(transactionID string) error {
	return a.queue.Finish(transactionID)
}
