// Package cache is the storage layer of the stub entitlement backend:
// granted entitlement sets and confirmed receipts live behind the Cache
// interface, backed by Redis in shared deployments or by the in-memory
// implementation in tests and single-process runs.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"purchasekit/internal/models"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

var ErrNotFound = fmt.Errorf("cache: key not found")

// Key layout. Entitlement sets are keyed by user id, receipts by
// transaction id so confirmations are idempotent under redelivery.
func EntitlementsKey(userID string) string { return "entitlements:" + userID }
func ReceiptKey(transactionID string) string {
	return "receipt:" + transactionID
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisCache) Clear(ctx context.Context) error {
	return r.client.FlushDB(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

type InMemoryCache struct {
	data map[string]memoryEntry
	mu   chan struct{}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]memoryEntry),
		mu:   make(chan struct{}, 1),
	}
}

func (m *InMemoryCache) lock()   { m.mu <- struct{}{} }
func (m *InMemoryCache) unlock() { <-m.mu }

func (m *InMemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.lock()
	defer m.unlock()

	entry, exists := m.data[key]
	if !exists {
		return nil, ErrNotFound
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(m.data, key)
		return nil, ErrNotFound
	}

	return entry.value, nil
}

func (m *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.lock()
	defer m.unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = entry

	return nil
}

func (m *InMemoryCache) Delete(ctx context.Context, key string) error {
	m.lock()
	defer m.unlock()

	delete(m.data, key)
	return nil
}

func (m *InMemoryCache) Clear(ctx context.Context) error {
	m.lock()
	defer m.unlock()

	m.data = make(map[string]memoryEntry)
	return nil
}

// GetEntitlements loads a user's granted entitlement set. A missing key is
// an empty set, not an error.
func GetEntitlements(ctx context.Context, c Cache, userID string) ([]models.EntitlementRecord, error) {
	data, err := c.Get(ctx, EntitlementsKey(userID))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var records []models.EntitlementRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("corrupt entitlement set for %s: %w", userID, err)
	}
	return records, nil
}

// SetEntitlements stores a user's granted entitlement set.
func SetEntitlements(ctx context.Context, c Cache, userID string, records []models.EntitlementRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return c.Set(ctx, EntitlementsKey(userID), data, 0)
}

// MarkReceipt records that a transaction id has been confirmed, making
// repeated confirmations of the same receipt idempotent.
func MarkReceipt(ctx context.Context, c Cache, transactionID string) error {
	return c.Set(ctx, ReceiptKey(transactionID), []byte("1"), 0)
}

// SeenReceipt reports whether a transaction id was already confirmed.
func SeenReceipt(ctx context.Context, c Cache, transactionID string) (bool, error) {
	_, err := c.Get(ctx, ReceiptKey(transactionID))
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
