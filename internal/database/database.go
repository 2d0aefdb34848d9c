package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"deaddrop/internal/migrations"
	"deaddrop/internal/models"
	"deaddrop/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the relay's durable mailbox store. All writes are idempotent
// by message id, which is what lets enqueue retries, acks and the TTL sweep
// race without external locking.
type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(migrations.InitialSchema()); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// EnqueueEntry stores a mailbox entry. The id is the primary key and the
// statement is an upsert, so enqueuing the same message twice leaves exactly
// one retrievable entry carrying the latest payload.
func (d *Database) EnqueueEntry(ctx context.Context, entry *models.QueueEntry) error {
	query := `
		INSERT OR REPLACE INTO queue (id, to_user, payload, enqueued_at)
		VALUES (?, ?, ?, ?)
	`

	err := retryableDBOperation(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, query,
			entry.ID, entry.ToUser, entry.Payload, entry.EnqueuedAt.UnixMilli())
		return execErr
	}, "enqueue")
	if err != nil {
		return fmt.Errorf("failed to enqueue entry: %w", err)
	}

	return nil
}

// ListEntriesSince returns every entry addressed to userID with enqueued_at
// strictly greater than since (Unix milliseconds; 0 means everything),
// ascending by timestamp. Reads are non-destructive; entries stay until
// acked or swept.
func (d *Database) ListEntriesSince(ctx context.Context, userID string, since int64, limit int) ([]models.QueueEntry, error) {
	query := `
		SELECT id, to_user, payload, enqueued_at
		FROM queue
		WHERE to_user = ? AND enqueued_at > ?
		ORDER BY enqueued_at ASC
		LIMIT ?
	`

	rows, err := d.db.QueryContext(ctx, query, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var entry models.QueueEntry
		var enqueuedMs int64
		if err := rows.Scan(&entry.ID, &entry.ToUser, &entry.Payload, &enqueuedMs); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entry.EnqueuedAt = time.UnixMilli(enqueuedMs)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}

	return entries, nil
}

// AckEntries deletes the named entries for userID. Ids that are already
// gone (prior ack, TTL sweep) are silently skipped.
func (d *Database) AckEntries(ctx context.Context, userID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ack transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM queue WHERE id = ? AND to_user = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare ack statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range messageIDs {
		if _, err := stmt.ExecContext(ctx, id, userID); err != nil {
			return fmt.Errorf("failed to ack entry %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ack: %w", err)
	}

	return nil
}

// CleanupExpiredEntries deletes every entry enqueued before cutoff,
// acknowledged or not, and reports how many were removed.
func (d *Database) CleanupExpiredEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM queue WHERE enqueued_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired entries: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return removed, nil
}

// QueueDepth returns the number of entries currently held for userID, or
// across all users when userID is empty.
func (d *Database) QueueDepth(ctx context.Context, userID string) (int, error) {
	var count int
	var err error
	if userID == "" {
		err = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&count)
	} else {
		err = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE to_user = ?`, userID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return count, nil
}

// SavePresence upserts the optional identity record for the register
// endpoint.
func (d *Database) SavePresence(ctx context.Context, p *models.Presence) error {
	query := `
		INSERT OR REPLACE INTO presence (id, public_key, avatar, registered_at)
		VALUES (?, ?, ?, ?)
	`

	if _, err := d.db.ExecContext(ctx, query, p.ID, p.PublicKey, p.Avatar, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save presence: %w", err)
	}

	return nil
}

// GetPresence retrieves a presence record, or nil when unknown.
func (d *Database) GetPresence(ctx context.Context, id string) (*models.Presence, error) {
	var p models.Presence
	err := d.db.QueryRowContext(ctx,
		`SELECT id, public_key, avatar FROM presence WHERE id = ?`, id).
		Scan(&p.ID, &p.PublicKey, &p.Avatar)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	return &p, nil
}
