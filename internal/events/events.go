package events

import (
	"sync"

	"purchasekit/internal/models"
	"purchasekit/internal/platform"
)

// Observer is the delegate surface of the SDK. Implementations embed
// NoopObserver and override what they care about; every method is invoked
// from the serialized reconciliation context, so implementations must not
// call back into the engine synchronously.
type Observer interface {
	EntitlementsChanged(records []models.EntitlementRecord)
	PurchaseSucceeded(productID string, record models.EntitlementRecord)
	PurchaseFailed(productID string, err error)
	ProductsLoaded(products []platform.Product)
}

// NoopObserver is the defaulted no-op implementation to embed.
type NoopObserver struct{}

func (NoopObserver) EntitlementsChanged([]models.EntitlementRecord)     {}
func (NoopObserver) PurchaseSucceeded(string, models.EntitlementRecord) {}
func (NoopObserver) PurchaseFailed(string, error)                       {}
func (NoopObserver) ProductsLoaded([]platform.Product)                  {}

// Manager holds the registered observers and fans events out to them.
type Manager struct {
	mu        sync.RWMutex
	observers []Observer
	enabled   bool
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{enabled: enabled}
}

// Subscribe registers an observer.
func (m *Manager) Subscribe(obs Observer) {
	if !m.enabled || obs == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.observers = append(m.observers, obs)
}

// Unsubscribe removes a previously registered observer.
func (m *Manager) Unsubscribe(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, o := range m.observers {
		if o == obs {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

func (m *Manager) snapshot() []Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.enabled || len(m.observers) == 0 {
		return nil
	}
	return append([]Observer(nil), m.observers...)
}

// PublishEntitlementsChanged notifies observers of a cache replacement.
func (m *Manager) PublishEntitlementsChanged(records []models.EntitlementRecord) {
	for _, obs := range m.snapshot() {
		obs.EntitlementsChanged(records)
	}
}

// PublishPurchaseSucceeded notifies observers of a confirmed purchase.
func (m *Manager) PublishPurchaseSucceeded(productID string, record models.EntitlementRecord) {
	for _, obs := range m.snapshot() {
		obs.PurchaseSucceeded(productID, record)
	}
}

// PublishPurchaseFailed notifies observers of a terminally failed purchase.
func (m *Manager) PublishPurchaseFailed(productID string, err error) {
	for _, obs := range m.snapshot() {
		obs.PurchaseFailed(productID, err)
	}
}

// PublishProductsLoaded notifies observers that catalog metadata arrived.
func (m *Manager) PublishProductsLoaded(products []platform.Product) {
	for _, obs := range m.snapshot() {
		obs.ProductsLoaded(products)
	}
}

// Shutdown drops all observers and disables further dispatch.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.observers = nil
}
