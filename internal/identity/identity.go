// Package identity owns the user/device pairing that scopes every backend
// call, and the staleness epoch that lets in-flight responses from a
// previous identity be discarded.
package identity

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"purchasekit/internal/models"
	"purchasekit/internal/store"
)

// Manager loads, generates and replaces the identity. Every replacement
// bumps the epoch; a response carrying an older epoch is stale.
type Manager struct {
	mu      sync.RWMutex
	current models.Identity
	epoch   uint64
	store   *store.Store
	log     zerolog.Logger
}

// NewManager creates a manager backed by st.
func NewManager(st *store.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store: st,
		log:   logger.With().Str("component", "identity").Logger(),
	}
}

// Load establishes the identity at SDK start. Supplied ids win over
// persisted ones; missing pieces are generated. The result is persisted.
func (m *Manager) Load(userID, deviceID string) (models.Identity, error) {
	persisted, ok, err := m.store.LoadIdentity()
	if err != nil {
		return models.Identity{}, err
	}

	id := models.Identity{UserID: userID, DeviceID: deviceID, CreatedAt: time.Now().UTC()}
	if ok {
		if id.UserID == "" {
			id.UserID = persisted.UserID
		}
		if id.DeviceID == "" {
			id.DeviceID = persisted.DeviceID
		}
		id.CreatedAt = persisted.CreatedAt
	}
	if id.UserID == "" {
		id.UserID = uuid.New().String()
	}
	if id.DeviceID == "" {
		id.DeviceID = uuid.New().String()
	}

	if err := m.store.SaveIdentity(id); err != nil {
		return models.Identity{}, fmt.Errorf("failed to persist identity: %w", err)
	}

	m.mu.Lock()
	m.current = id
	m.mu.Unlock()

	m.log.Info().Str("user_id", id.UserID).Str("device_id", id.DeviceID).Msg("identity established")
	return id, nil
}

// Current returns the identity together with the epoch it belongs to.
func (m *Manager) Current() (models.Identity, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.epoch
}

// Stale reports whether a request submitted under epoch would now apply
// state from a replaced identity.
func (m *Manager) Stale(epoch uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return epoch != m.epoch
}

// Reset replaces the identity wholesale on logout. The device id is kept
// (it names the hardware, not the account), the user id is replaced with
// the supplied one or a fresh uuid, and the epoch is bumped so in-flight
// responses are dropped.
func (m *Manager) Reset(userID string) (models.Identity, error) {
	m.mu.Lock()
	deviceID := m.current.DeviceID
	m.mu.Unlock()

	if userID == "" {
		userID = uuid.New().String()
	}
	id := models.Identity{UserID: userID, DeviceID: deviceID, CreatedAt: time.Now().UTC()}

	if err := m.store.SaveIdentity(id); err != nil {
		return models.Identity{}, fmt.Errorf("failed to persist identity: %w", err)
	}

	m.mu.Lock()
	m.current = id
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	m.log.Info().Str("user_id", id.UserID).Uint64("epoch", epoch).Msg("identity replaced")
	return id, nil
}
