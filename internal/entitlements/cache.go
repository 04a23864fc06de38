// Package entitlements holds the locally-cached, eventually-consistent
// view of what the user is entitled to. The cache is the single source of
// truth queried by the rest of the app; only the reconciliation engine
// mutates it, and only through ReplaceAll.
package entitlements

import (
	"time"

	"github.com/rs/zerolog"

	"purchasekit/internal/models"
	"purchasekit/internal/store"
)

// Cache maps product and subscription-group identifiers to entitlement
// records. Reads take a snapshot and never observe a partially-updated
// set. Every ReplaceAll is persisted so entitlement state survives process
// restart without a network call.
type Cache struct {
	store *store.Store
	log   zerolog.Logger

	// records is replaced wholesale, never mutated in place, so readers
	// holding a snapshot stay consistent.
	records map[string]models.EntitlementRecord // keyed by product id
	byGroup map[string]string                   // group id -> product id of the active record
	mu      chan struct{}
}

// NewCache creates an empty cache backed by st.
func NewCache(st *store.Store, logger zerolog.Logger) *Cache {
	return &Cache{
		store:   st,
		log:     logger.With().Str("component", "entitlements").Logger(),
		records: make(map[string]models.EntitlementRecord),
		byGroup: make(map[string]string),
		mu:      make(chan struct{}, 1),
	}
}

func (c *Cache) lock()   { c.mu <- struct{}{} }
func (c *Cache) unlock() { <-c.mu }

// Load populates the cache from the persisted snapshot. Called once at
// SDK start, before any backend round-trip, so premium checks work
// offline.
func (c *Cache) Load() error {
	records, err := c.store.LoadEntitlements()
	if err != nil {
		return err
	}

	recs, groups := index(records, time.Now())

	c.lock()
	c.records = recs
	c.byGroup = groups
	c.unlock()

	c.log.Debug().Int("records", len(records)).Msg("entitlement snapshot loaded")
	return nil
}

// ReplaceAll atomically replaces the full entitlement set and persists
// the new snapshot. It is the cache's only mutator.
func (c *Cache) ReplaceAll(records []models.EntitlementRecord) error {
	if err := c.store.ReplaceEntitlements(records); err != nil {
		return err
	}

	recs, groups := index(records, time.Now())

	c.lock()
	c.records = recs
	c.byGroup = groups
	c.unlock()

	c.log.Debug().Int("records", len(records)).Msg("entitlement set replaced")
	return nil
}

// Invalidate clears the cache and the persisted snapshot. Used on logout.
func (c *Cache) Invalidate() error {
	return c.ReplaceAll(nil)
}

// Get returns the record for a product id, falling back to the active
// record of a subscription group when id names a group.
func (c *Cache) Get(id string) (models.EntitlementRecord, bool) {
	c.lock()
	records, byGroup := c.records, c.byGroup
	c.unlock()

	if rec, ok := records[id]; ok {
		return rec, true
	}
	if productID, ok := byGroup[id]; ok {
		rec, ok := records[productID]
		return rec, ok
	}
	return models.EntitlementRecord{}, false
}

// All returns a copy of the current entitlement set.
func (c *Cache) All() []models.EntitlementRecord {
	c.lock()
	records := c.records
	c.unlock()

	out := make([]models.EntitlementRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	return out
}

// HasActiveEntitlement reports whether the subscription group (or single
// product) identified by id has an unexpired grant right now. Synchronous
// and cache-backed: safe for launch-time premium checks.
func (c *Cache) HasActiveEntitlement(id string) bool {
	rec, ok := c.Get(id)
	return ok && rec.ActiveAt(time.Now())
}

// index builds the lookup maps, enforcing at most one active record per
// subscription group: when the backend hands back several records of one
// group, the one with the latest expiry wins the group slot.
func index(records []models.EntitlementRecord, now time.Time) (map[string]models.EntitlementRecord, map[string]string) {
	recs := make(map[string]models.EntitlementRecord, len(records))
	groups := make(map[string]string)

	for _, rec := range records {
		recs[rec.ProductID] = rec

		if rec.GroupID == "" || !rec.ActiveAt(now) {
			continue
		}
		current, taken := groups[rec.GroupID]
		if !taken || rec.ExpiresAt.After(recs[current].ExpiresAt) {
			groups[rec.GroupID] = rec.ProductID
		}
	}

	return recs, groups
}
