// Package store persists StoredMessage rows for the relay: ciphertext
// bytes queued for a recipient that is currently offline, bounded per
// recipient and pruned by the relay's cleanup task.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS stored_message (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recipient_id TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	sequence INTEGER NOT NULL,
	stored_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stored_message_recipient ON stored_message (recipient_id, id);
`

// StoredMessage is one queued ciphertext awaiting delivery.
type StoredMessage struct {
	ID          int64
	RecipientID string
	Ciphertext  []byte
	Sequence    uint32
	StoredAtMs  int64
	ExpiresAtMs int64
}

// Store wraps a SQLite database holding queued StoredMessage rows.
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite store at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue stores a ciphertext for recipientID. expiresAtMs is the
// absolute expiry timestamp (stored-at + message_expiry).
func (s *Store) Enqueue(recipientID string, ciphertext []byte, sequence uint32, storedAtMs, expiresAtMs int64) error {
	_, err := s.db.Exec(
		`INSERT INTO stored_message (recipient_id, ciphertext, sequence, stored_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		recipientID, ciphertext, sequence, storedAtMs, expiresAtMs,
	)
	if err != nil {
		return fmt.Errorf("store: enqueue: %w", err)
	}
	return nil
}

// Drain returns every unexpired message queued for recipientID in
// stored order and deletes them.
func (s *Store) Drain(recipientID string, nowMs int64) ([]StoredMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, ciphertext, sequence, stored_at, expires_at FROM stored_message
		 WHERE recipient_id = ? AND expires_at > ? ORDER BY id ASC`,
		recipientID, nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: drain query: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.Ciphertext, &m.Sequence, &m.StoredAtMs, &m.ExpiresAtMs); err != nil {
			return nil, fmt.Errorf("store: drain scan: %w", err)
		}
		m.RecipientID = recipientID
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: drain rows: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM stored_message WHERE recipient_id = ? AND expires_at > ?`, recipientID, nowMs); err != nil {
		return nil, fmt.Errorf("store: drain delete: %w", err)
	}
	return out, nil
}

// RecipientCount reports the number of distinct recipients with at
// least one queued message, for the cleanup task's 10x-cap check.
func (s *Store) RecipientCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT recipient_id) FROM stored_message`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: recipient count: %w", err)
	}
	return n, nil
}

// CountForRecipient reports how many messages are currently queued
// for recipientID, for the per-recipient capacity check on Enqueue.
func (s *Store) CountForRecipient(recipientID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM stored_message WHERE recipient_id = ?`, recipientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count for recipient: %w", err)
	}
	return n, nil
}

// DropOldestForRecipient deletes the oldest n queued rows for
// recipientID, used when an Enqueue would exceed the per-recipient
// cap.
func (s *Store) DropOldestForRecipient(recipientID string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.Exec(
		`DELETE FROM stored_message WHERE id IN (
			SELECT id FROM stored_message WHERE recipient_id = ? ORDER BY id ASC LIMIT ?
		)`, recipientID, n,
	)
	if err != nil {
		return fmt.Errorf("store: drop oldest: %w", err)
	}
	return nil
}

// PruneExpired deletes every row whose expiry has passed, per the
// relay's 60s cleanup task.
func (s *Store) PruneExpired(nowMs int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM stored_message WHERE expires_at <= ?`, nowMs)
	if err != nil {
		return 0, fmt.Errorf("store: prune expired: %w", err)
	}
	return res.RowsAffected()
}

// DropOldestRecipientBuckets deletes every queued row for the oldest
// recipients (by earliest stored_at) beyond keepNewest.
func (s *Store) DropOldestRecipientBuckets(keepNewest int) error {
	rows, err := s.db.Query(
		`SELECT recipient_id FROM stored_message GROUP BY recipient_id ORDER BY MIN(stored_at) ASC`,
	)
	if err != nil {
		return fmt.Errorf("store: list recipients: %w", err)
	}
	var recipients []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan recipient: %w", err)
		}
		recipients = append(recipients, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: list recipients rows: %w", err)
	}

	toDrop := len(recipients) - keepNewest
	if toDrop <= 0 {
		return nil
	}
	for _, r := range recipients[:toDrop] {
		if _, err := s.db.Exec(`DELETE FROM stored_message WHERE recipient_id = ?`, r); err != nil {
			return fmt.Errorf("store: drop recipient bucket: %w", err)
		}
	}
	return nil
}
