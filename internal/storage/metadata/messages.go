package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fenilsonani/mailpull/internal/storage"
)

const messageColumns = `local_id, remote_id,
	COALESCE(change_key, '') AS change_key,
	folder,
	COALESCE(subject, '') AS subject,
	COALESCE(from_addr, '') AS from_addr,
	COALESCE(received_at, '') AS received_at,
	COALESCE(is_read, 0) AS is_read,
	COALESCE(is_draft, 0) AS is_draft,
	COALESCE(has_attachments, 0) AS has_attachments,
	COALESCE(synced_at, '') AS synced_at,
	COALESCE(local_hash, '') AS local_hash`

// UpsertMessage inserts a sync record or replaces every field of the one with the same local id
func (db *DB) UpsertMessage(ctx context.Context, rec *storage.SyncRecord) error {
	_, err := db.NamedExecContext(ctx, `
		INSERT INTO messages (
			local_id, remote_id, change_key, folder, subject, from_addr,
			received_at, is_read, is_draft, has_attachments, synced_at, local_hash
		) VALUES (
			:local_id, :remote_id, :change_key, :folder, :subject, :from_addr,
			:received_at, :is_read, :is_draft, :has_attachments, :synced_at, :local_hash
		)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			change_key = excluded.change_key,
			folder = excluded.folder,
			subject = excluded.subject,
			from_addr = excluded.from_addr,
			received_at = excluded.received_at,
			is_read = excluded.is_read,
			is_draft = excluded.is_draft,
			has_attachments = excluded.has_attachments,
			synced_at = excluded.synced_at,
			local_hash = excluded.local_hash`, rec)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", rec.LocalID, err)
	}
	return nil
}

// GetMessage returns the record for a local id, or nil
func (db *DB) GetMessage(ctx context.Context, localID string) (*storage.SyncRecord, error) {
	return db.getMessage(ctx, "local_id", localID)
}

// GetMessageByRemoteID returns the record for a remote id, or nil
func (db *DB) GetMessageByRemoteID(ctx context.Context, remoteID string) (*storage.SyncRecord, error) {
	return db.getMessage(ctx, "remote_id", remoteID)
}

func (db *DB) getMessage(ctx context.Context, column, value string) (*storage.SyncRecord, error) {
	var rec storage.SyncRecord
	err := db.GetContext(ctx, &rec,
		"SELECT "+messageColumns+" FROM messages WHERE "+column+" = ?", value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by %s: %w", column, err)
	}
	return &rec, nil
}

// ListMessages returns a folder's records, newest received first.
// A limit of zero or less returns every record.
func (db *DB) ListMessages(ctx context.Context, folder string, limit int) ([]*storage.SyncRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	var records []*storage.SyncRecord
	err := db.SelectContext(ctx, &records,
		"SELECT "+messageColumns+" FROM messages WHERE folder = ? ORDER BY received_at DESC LIMIT ?",
		folder, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages in %s: %w", folder, err)
	}
	return records, nil
}

// ListAllMessages returns every record ordered by folder and local id
func (db *DB) ListAllMessages(ctx context.Context) ([]*storage.SyncRecord, error) {
	var records []*storage.SyncRecord
	err := db.SelectContext(ctx, &records,
		"SELECT "+messageColumns+" FROM messages ORDER BY folder, local_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return records, nil
}

// CountMessages returns the number of records in a folder, or in all folders when folder is empty
func (db *DB) CountMessages(ctx context.Context, folder string) (int, error) {
	var count int
	var err error
	if folder == "" {
		err = db.GetContext(ctx, &count, "SELECT COUNT(*) FROM messages")
	} else {
		err = db.GetContext(ctx, &count, "SELECT COUNT(*) FROM messages WHERE folder = ?", folder)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// DeleteMessage removes a record. It reports whether a row was removed.
func (db *DB) DeleteMessage(ctx context.Context, localID string) (bool, error) {
	result, err := db.ExecContext(ctx, "DELETE FROM messages WHERE local_id = ?", localID)
	if err != nil {
		return false, fmt.Errorf("failed to delete message %s: %w", localID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertFolderState records the outcome of a folder sync
func (db *DB) UpsertFolderState(ctx context.Context, state *storage.FolderState) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (folder, last_sync, sync_token)
		VALUES (?, ?, NULLIF(?, ''))
		ON CONFLICT(folder) DO UPDATE SET
			last_sync = excluded.last_sync,
			sync_token = excluded.sync_token`,
		state.Folder, state.LastSync, state.SyncToken)
	if err != nil {
		return fmt.Errorf("failed to upsert sync state for %s: %w", state.Folder, err)
	}
	return nil
}

// GetFolderState returns a folder's sync state, or nil if it was never synced
func (db *DB) GetFolderState(ctx context.Context, folder string) (*storage.FolderState, error) {
	var state storage.FolderState
	err := db.GetContext(ctx, &state, `
		SELECT folder, COALESCE(last_sync, '') AS last_sync, COALESCE(sync_token, '') AS sync_token
		FROM sync_state WHERE folder = ?`, folder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state for %s: %w", folder, err)
	}
	return &state, nil
}

var _ storage.SyncIndex = (*DB)(nil)
