package events

import (
	"errors"
	"testing"

	"purchasekit/internal/models"
)

type countingObserver struct {
	NoopObserver
	changed   int
	succeeded int
	failed    int
	lastErr   error
}

func (o *countingObserver) EntitlementsChanged([]models.EntitlementRecord) { o.changed++ }

func (o *countingObserver) PurchaseSucceeded(string, models.EntitlementRecord) { o.succeeded++ }

func (o *countingObserver) PurchaseFailed(productID string, err error) {
	o.failed++
	o.lastErr = err
}

func TestPublishReachesSubscribers(t *testing.T) {
	m := NewManager(true)
	obs := &countingObserver{}
	m.Subscribe(obs)

	m.PublishEntitlementsChanged(nil)
	m.PublishPurchaseSucceeded("premium.weekly", models.EntitlementRecord{})

	cause := errors.New("cancelled")
	m.PublishPurchaseFailed("premium.weekly", cause)

	if obs.changed != 1 || obs.succeeded != 1 || obs.failed != 1 {
		t.Errorf("Unexpected dispatch counts: %+v", obs)
	}
	if !errors.Is(obs.lastErr, cause) {
		t.Errorf("Expected original error, got %v", obs.lastErr)
	}
}

func TestUnsubscribeStopsDispatch(t *testing.T) {
	m := NewManager(true)
	a := &countingObserver{}
	b := &countingObserver{}
	m.Subscribe(a)
	m.Subscribe(b)

	m.Unsubscribe(a)
	m.PublishEntitlementsChanged(nil)

	if a.changed != 0 {
		t.Errorf("Unsubscribed observer must not be notified, got %d", a.changed)
	}
	if b.changed != 1 {
		t.Errorf("Remaining observer must be notified, got %d", b.changed)
	}
}

func TestDisabledManagerDropsEverything(t *testing.T) {
	m := NewManager(false)
	obs := &countingObserver{}
	m.Subscribe(obs)

	m.PublishEntitlementsChanged(nil)
	if obs.changed != 0 {
		t.Errorf("Disabled manager must not dispatch, got %d", obs.changed)
	}
}

func TestShutdownDropsObservers(t *testing.T) {
	m := NewManager(true)
	obs := &countingObserver{}
	m.Subscribe(obs)

	m.Shutdown()
	m.PublishPurchaseSucceeded("premium.weekly", models.EntitlementRecord{})

	if obs.succeeded != 0 {
		t.Errorf("Expected no dispatch after shutdown, got %d", obs.succeeded)
	}
}
