package observer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"purchasekit/internal/models"
	"purchasekit/internal/platform"
)

type recordingSink struct {
	txns []models.Transaction
}

func (s *recordingSink) HandleTransaction(txn models.Transaction) {
	s.txns = append(s.txns, txn)
}

func purchasedTxn(productID string, at time.Time) models.Transaction {
	return models.Transaction{
		ID:          uuid.New().String(),
		ProductID:   productID,
		State:       models.TransactionPurchased,
		PurchasedAt: at,
	}
}

func TestBuffersUntilStart(t *testing.T) {
	queue := platform.NewSimulatedQueue()
	a := New(queue, zerolog.Nop())
	if err := a.Attach(); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	now := time.Now().UTC()
	first := purchasedTxn("premium.weekly", now)
	second := purchasedTxn("premium.monthly", now.Add(time.Second))
	queue.Deliver(first)
	queue.Deliver(second)

	sink := &recordingSink{}
	a.Start(sink)

	if len(sink.txns) != 2 {
		t.Fatalf("Expected 2 replayed transactions, got %d", len(sink.txns))
	}
	// Arrival order is preserved.
	if sink.txns[0].ID != first.ID || sink.txns[1].ID != second.ID {
		t.Errorf("Replay out of order: got %s then %s", sink.txns[0].ID, sink.txns[1].ID)
	}
}

func TestForwardsDirectlyAfterStart(t *testing.T) {
	queue := platform.NewSimulatedQueue()
	a := New(queue, zerolog.Nop())
	if err := a.Attach(); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	sink := &recordingSink{}
	a.Start(sink)

	txn := purchasedTxn("premium.weekly", time.Now().UTC())
	queue.Deliver(txn)

	if len(sink.txns) != 1 || sink.txns[0].ID != txn.ID {
		t.Fatalf("Expected direct forward, got %+v", sink.txns)
	}
}

func TestAttachReplaysUnfinishedFromPreviousSession(t *testing.T) {
	queue := platform.NewSimulatedQueue()

	// Transactions held before any observer exists, the state after a
	// crash mid-purchase.
	now := time.Now().UTC()
	older := purchasedTxn("premium.weekly", now.Add(-time.Minute))
	newer := purchasedTxn("premium.monthly", now)
	queue.Deliver(newer)
	queue.Deliver(older)

	a := New(queue, zerolog.Nop())
	if err := a.Attach(); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	sink := &recordingSink{}
	a.Start(sink)

	if len(sink.txns) != 2 {
		t.Fatalf("Expected 2 redelivered transactions, got %d", len(sink.txns))
	}
	// Redelivery is in purchase order regardless of delivery order.
	if sink.txns[0].ID != older.ID {
		t.Errorf("Expected oldest purchase first, got %s", sink.txns[0].ProductID)
	}
}

func TestSecondObserverRejected(t *testing.T) {
	queue := platform.NewSimulatedQueue()

	a := New(queue, zerolog.Nop())
	if err := a.Attach(); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	b := New(queue, zerolog.Nop())
	if err := b.Attach(); err == nil {
		t.Fatal("Expected second attach to be rejected")
	}
}

func TestFinishDelegatesToQueue(t *testing.T) {
	queue := platform.NewSimulatedQueue()
	a := New(queue, zerolog.Nop())
	if err := a.Attach(); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	a.Start(&recordingSink{})

	txn := purchasedTxn("premium.weekly", time.Now().UTC())
	queue.Deliver(txn)

	if len(queue.Transactions()) != 1 {
		t.Fatalf("Expected 1 held transaction, got %d", len(queue.Transactions()))
	}
	if err := a.Finish(txn.ID); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if len(queue.Transactions()) != 0 {
		t.Errorf("Expected no held transactions after finish")
	}
	if err := a.Finish(txn.ID); err == nil {
		t.Error("Expected error finishing an unknown transaction")
	}
}
