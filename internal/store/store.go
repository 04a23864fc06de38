package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"purchasekit/internal/models"
)

// journalTimeFormat keeps a fixed-width fraction so lexical order in
// sqlite matches chronological order. RFC3339Nano trims trailing zeros
// and breaks that property.
const journalTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the local persistent store: the entitlement snapshot, the
// user/device identity and the reconciliation journal all survive process
// restart through it. It is opaque to the core beyond the load/save
// contract below.
type Store struct {
	conn *sql.DB
}

// Open opens the sqlite file at path and initializes the schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &Store{conn: conn}

	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS entitlements (
			product_id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			status TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			intro_offer_used INTEGER NOT NULL,
			auto_renew INTEGER NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entitlements_group ON entitlements(group_id)`,
		`CREATE TABLE IF NOT EXISTS identity (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reconciled_transactions (
			transaction_id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			reconciled_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciled_at ON reconciled_transactions(reconciled_at)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// ReplaceEntitlements atomically replaces the persisted entitlement
// snapshot. Readers of the sqlite file never observe a partial set.
func (s *Store) ReplaceEntitlements(records []models.EntitlementRecord) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM entitlements`); err != nil {
		return fmt.Errorf("failed to clear entitlements: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO entitlements (
		product_id, group_id, status, expires_at, intro_offer_used, auto_renew, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, rec := range records {
		expires := ""
		if !rec.ExpiresAt.IsZero() {
			expires = rec.ExpiresAt.UTC().Format(time.RFC3339)
		}
		_, err := stmt.Exec(
			rec.ProductID,
			rec.GroupID,
			string(rec.Status),
			expires,
			rec.IntroOfferUsed,
			rec.AutoRenew,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert entitlement %s: %w", rec.ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entitlements: %w", err)
	}

	return nil
}

// LoadEntitlements returns the persisted entitlement snapshot.
func (s *Store) LoadEntitlements() ([]models.EntitlementRecord, error) {
	rows, err := s.conn.Query(`SELECT product_id, group_id, status, expires_at,
		intro_offer_used, auto_renew FROM entitlements`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entitlements: %w", err)
	}
	defer rows.Close()

	var records []models.EntitlementRecord
	for rows.Next() {
		var rec models.EntitlementRecord
		var status, expiresStr string

		err := rows.Scan(
			&rec.ProductID,
			&rec.GroupID,
			&status,
			&expiresStr,
			&rec.IntroOfferUsed,
			&rec.AutoRenew,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}

		rec.Status = models.EntitlementStatus(status)
		if expiresStr != "" {
			rec.ExpiresAt, err = time.Parse(time.RFC3339, expiresStr)
			if err != nil {
				return nil, fmt.Errorf("failed to parse expires_at: %w", err)
			}
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entitlements: %w", err)
	}

	return records, nil
}

// SaveIdentity persists the current user/device identity, replacing any
// previous one.
func (s *Store) SaveIdentity(id models.Identity) error {
	query := `INSERT INTO identity (id, user_id, device_id, created_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			device_id = excluded.device_id,
			created_at = excluded.created_at`

	_, err := s.conn.Exec(query, id.UserID, id.DeviceID, id.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}

	return nil
}

// LoadIdentity returns the persisted identity, or ok=false if none exists.
func (s *Store) LoadIdentity() (models.Identity, bool, error) {
	var id models.Identity
	var createdStr string

	err := s.conn.QueryRow(`SELECT user_id, device_id, created_at FROM identity WHERE id = 1`).
		Scan(&id.UserID, &id.DeviceID, &createdStr)
	if err == sql.ErrNoRows {
		return models.Identity{}, false, nil
	}
	if err != nil {
		return models.Identity{}, false, fmt.Errorf("failed to load identity: %w", err)
	}

	id.CreatedAt, err = time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return models.Identity{}, false, fmt.Errorf("failed to parse identity created_at: %w", err)
	}

	return id, true, nil
}

// MarkReconciled records a finished transaction id in the journal and
// prunes the journal down to limit entries, oldest first.
func (s *Store) MarkReconciled(transactionID, productID string, limit int) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO reconciled_transactions (transaction_id, product_id, reconciled_at)
		VALUES (?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET reconciled_at = excluded.reconciled_at`,
		transactionID, productID, time.Now().UTC().Format(journalTimeFormat))
	if err != nil {
		return fmt.Errorf("failed to journal transaction %s: %w", transactionID, err)
	}

	_, err = tx.Exec(`DELETE FROM reconciled_transactions WHERE transaction_id NOT IN (
		SELECT transaction_id FROM reconciled_transactions
		ORDER BY reconciled_at DESC LIMIT ?)`, limit)
	if err != nil {
		return fmt.Errorf("failed to prune journal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit journal: %w", err)
	}

	return nil
}

// RecentlyReconciled returns up to limit journaled transaction ids,
// most recent first.
func (s *Store) RecentlyReconciled(limit int) ([]string, error) {
	rows, err := s.conn.Query(`SELECT transaction_id FROM reconciled_transactions
		ORDER BY reconciled_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal: %w", err)
	}

	return ids, nil
}
