package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mailpull/internal/storage"
)

const (
	statusFree = "free"
	statusUsed = "used"
)

// SeedIDPool inserts every adjective-noun pair as a free id, skipping pairs
// whose two words are equal. Existing rows are left untouched. It returns the
// number of pairs considered, not the number newly inserted.
func (db *DB) SeedIDPool(ctx context.Context, adjectives, nouns []string) (int, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, "INSERT OR IGNORE INTO id_pool (short_id, status) VALUES (?, 'free')")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare seed statement: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, adj := range adjectives {
		for _, noun := range nouns {
			if adj == noun {
				continue
			}
			if _, err := stmt.ExecContext(ctx, adj+"-"+noun); err != nil {
				return 0, fmt.Errorf("failed to seed %s-%s: %w", adj, noun, err)
			}
			count++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit seed: %w", err)
	}
	return count, nil
}

// AllocateID picks a uniformly random free id and binds it to remoteID.
// It returns storage.ErrIDPoolExhausted when no free id remains.
func (db *DB) AllocateID(ctx context.Context, remoteID string) (string, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var shortID string
	err = tx.GetContext(ctx, &shortID,
		"SELECT short_id FROM id_pool WHERE status = 'free' ORDER BY RANDOM() LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrIDPoolExhausted
	}
	if err != nil {
		return "", fmt.Errorf("failed to select free id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE id_pool SET status = 'used', assigned_at = ?, message_remote_id = ? WHERE short_id = ?",
		storage.Timestamp(time.Now()), remoteID, shortID,
	); err != nil {
		return "", fmt.Errorf("failed to mark %s used: %w", shortID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit allocation: %w", err)
	}
	return shortID, nil
}

// FreeID returns an id to the pool. It reports whether the id exists.
func (db *DB) FreeID(ctx context.Context, shortID string) (bool, error) {
	result, err := db.ExecContext(ctx,
		"UPDATE id_pool SET status = 'free', assigned_at = NULL, message_remote_id = NULL WHERE short_id = ?",
		shortID)
	if err != nil {
		return false, fmt.Errorf("failed to free %s: %w", shortID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRemoteByID returns the remote id bound to a used short id
func (db *DB) GetRemoteByID(ctx context.Context, shortID string) (string, bool, error) {
	var remoteID sql.NullString
	err := db.GetContext(ctx, &remoteID,
		"SELECT message_remote_id FROM id_pool WHERE short_id = ? AND status = 'used'", shortID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve %s: %w", shortID, err)
	}
	return remoteID.String, remoteID.Valid, nil
}

// GetIDByRemote returns the short id bound to a remote id
func (db *DB) GetIDByRemote(ctx context.Context, remoteID string) (string, bool, error) {
	var shortID string
	err := db.GetContext(ctx, &shortID,
		"SELECT short_id FROM id_pool WHERE message_remote_id = ? AND status = 'used' LIMIT 1", remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up remote id: %w", err)
	}
	return shortID, true, nil
}

// CountFreeIDs returns the number of free ids
func (db *DB) CountFreeIDs(ctx context.Context) (int, error) {
	return db.countIDs(ctx, statusFree)
}

// CountUsedIDs returns the number of used ids
func (db *DB) CountUsedIDs(ctx context.Context) (int, error) {
	return db.countIDs(ctx, statusUsed)
}

func (db *DB) countIDs(ctx context.Context, status string) (int, error) {
	var count int
	if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM id_pool WHERE status = ?", status); err != nil {
		return 0, fmt.Errorf("failed to count %s ids: %w", status, err)
	}
	return count, nil
}

// ListUsedIDs returns every bound id
func (db *DB) ListUsedIDs(ctx context.Context) ([]storage.PoolEntry, error) {
	var entries []storage.PoolEntry
	err := db.SelectContext(ctx, &entries, `
		SELECT short_id, status,
			COALESCE(assigned_at, '') AS assigned_at,
			COALESCE(message_remote_id, '') AS message_remote_id
		FROM id_pool WHERE status = 'used' ORDER BY short_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list used ids: %w", err)
	}
	return entries, nil
}

// ReapStuckIDs frees used ids assigned before the cutoff that no sync record
// refers to. These are left behind when a message fetch fails and the remote
// message never shows up again. It returns the freed ids.
func (db *DB) ReapStuckIDs(ctx context.Context, before time.Time) ([]string, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stuck []string
	err = tx.SelectContext(ctx, &stuck, `
		SELECT short_id FROM id_pool
		WHERE status = 'used'
			AND assigned_at < ?
			AND short_id NOT IN (SELECT local_id FROM messages)
		ORDER BY short_id`,
		storage.Timestamp(before))
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck ids: %w", err)
	}

	for _, id := range stuck {
		if _, err := tx.ExecContext(ctx,
			"UPDATE id_pool SET status = 'free', assigned_at = NULL, message_remote_id = NULL WHERE short_id = ?",
			id); err != nil {
			return nil, fmt.Errorf("failed to free %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reap: %w", err)
	}
	return stuck, nil
}
