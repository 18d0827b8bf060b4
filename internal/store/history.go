package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backlog/api/internal/history"
)

var ErrNotFound = errors.New("not found")

// LockEntity serializes concurrent mutations of one entity. The advisory
// lock is transaction-scoped and released on commit or rollback.
func (s *PostgresStore) LockEntity(ctx context.Context, tx *sql.Tx, entityKey string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entityKey); err != nil {
		return fmt.Errorf("lock entity %s: %w", entityKey, err)
	}
	return nil
}

const entryColumns = `
	id, entity_key, project_id, history_type, actor_id, actor_name,
	created_at, edited_at, diff, snapshot, is_anchor,
	comment, comment_html, comment_versions, is_hidden,
	deleted_at, deleted_by
`

func scanEntry(row interface{ Scan(...any) error }) (HistoryEntry, error) {
	var e HistoryEntry
	var diffRaw, snapRaw, versionsRaw []byte
	err := row.Scan(
		&e.ID, &e.EntityKey, &e.ProjectID, &e.Type, &e.ActorID, &e.ActorName,
		&e.CreatedAt, &e.EditedAt, &diffRaw, &snapRaw, &e.IsAnchor,
		&e.Comment, &e.CommentHTML, &versionsRaw, &e.IsHidden,
		&e.DeletedAt, &e.DeletedByID,
	)
	if err != nil {
		return HistoryEntry{}, err
	}
	if len(diffRaw) > 0 {
		if err := json.Unmarshal(diffRaw, &e.Diff); err != nil {
			return HistoryEntry{}, fmt.Errorf("decode diff for entry %d: %w", e.ID, err)
		}
	}
	if len(snapRaw) > 0 {
		if err := json.Unmarshal(snapRaw, &e.Snapshot); err != nil {
			return HistoryEntry{}, fmt.Errorf("decode snapshot for entry %d: %w", e.ID, err)
		}
	}
	if len(versionsRaw) > 0 {
		if err := json.Unmarshal(versionsRaw, &e.CommentVersions); err != nil {
			return HistoryEntry{}, fmt.Errorf("decode comment versions for entry %d: %w", e.ID, err)
		}
	}
	return e, nil
}

// InsertEntry writes a new history entry inside the mutation transaction and
// fills in the generated id and timestamp.
func (s *PostgresStore) InsertEntry(ctx context.Context, tx *sql.Tx, e *HistoryEntry) error {
	diffRaw, err := json.Marshal(e.Diff)
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	var snapRaw []byte
	if e.Snapshot != nil {
		if snapRaw, err = json.Marshal(e.Snapshot); err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO history_entry (
			entity_key, project_id, history_type, actor_id, actor_name,
			diff, snapshot, is_anchor, comment, comment_html, is_hidden
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`, e.EntityKey, e.ProjectID, e.Type, e.ActorID, e.ActorName,
		diffRaw, snapRaw, e.IsAnchor, e.Comment, e.CommentHTML, e.IsHidden,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// LastAnchorBefore returns the newest anchor entry for the key at or before
// the given time, or ErrNotFound.
func (s *PostgresStore) LastAnchorBefore(ctx context.Context, q Querier, entityKey string, at time.Time) (HistoryEntry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM history_entry
		WHERE entity_key = $1 AND is_anchor AND created_at <= $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, entityKey, at)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return HistoryEntry{}, ErrNotFound
	}
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("last anchor for %s: %w", entityKey, err)
	}
	return e, nil
}

// EntriesBetween returns every entry after the given id and at or before
// the given time, in append order. Callers replaying from an anchor pass
// the anchor's id, so no other anchor appears in the range.
func (s *PostgresStore) EntriesBetween(ctx context.Context, q Querier, entityKey string, afterID int64, until time.Time) ([]HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM history_entry
		WHERE entity_key = $1 AND id > $2 AND created_at <= $3
		ORDER BY created_at ASC, id ASC
	`, entityKey, afterID, until)
	if err != nil {
		return nil, fmt.Errorf("entries for %s: %w", entityKey, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListEntries returns the history of an entity in ascending (created_at, id)
// order. Hidden entries are skipped unless requested.
func (s *PostgresStore) ListEntries(ctx context.Context, entityKey string, includeHidden bool) ([]HistoryEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM history_entry
		WHERE entity_key = $1
	`
	if !includeHidden {
		query += ` AND NOT is_hidden`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, entityKey)
	if err != nil {
		return nil, fmt.Errorf("list entries for %s: %w", entityKey, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *PostgresStore) GetEntry(ctx context.Context, id int64) (HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM history_entry
		WHERE id = $1
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return HistoryEntry{}, ErrNotFound
	}
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("get entry %d: %w", id, err)
	}
	return e, nil
}

// EntriesByIDs loads the given entries preserving ascending id order.
func (s *PostgresStore) EntriesByIDs(ctx context.Context, ids []int64) ([]HistoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idsRaw, _ := json.Marshal(ids)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM history_entry
		WHERE id IN (SELECT value::bigint FROM jsonb_array_elements_text($1::jsonb))
		ORDER BY id ASC
	`, idsRaw)
	if err != nil {
		return nil, fmt.Errorf("entries by ids: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]HistoryEntry, error) {
	var out []HistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEntryComment replaces the comment body after recording the previous
// one in comment_versions.
func (s *PostgresStore) UpdateEntryComment(ctx context.Context, id int64, comment, commentHTML string, versions []CommentVersion, editedAt time.Time) error {
	versionsRaw, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("encode comment versions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE history_entry
		SET comment = $2, comment_html = $3, comment_versions = $4, edited_at = $5
		WHERE id = $1
	`, id, comment, commentHTML, versionsRaw, editedAt)
	if err != nil {
		return fmt.Errorf("update comment for entry %d: %w", id, err)
	}
	return requireRow(res, id)
}

// SetCommentDeleted soft-deletes an entry's comment. Idempotent: an already
// deleted comment keeps its original deletion record.
func (s *PostgresStore) SetCommentDeleted(ctx context.Context, id, deletedBy int64, deletedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE history_entry
		SET deleted_at = COALESCE(deleted_at, $3), deleted_by = COALESCE(deleted_by, $2)
		WHERE id = $1
	`, id, deletedBy, deletedAt)
	if err != nil {
		return fmt.Errorf("delete comment for entry %d: %w", id, err)
	}
	return requireRow(res, id)
}

// RestoreComment reverses a soft deletion. Idempotent.
func (s *PostgresStore) RestoreComment(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE history_entry
		SET deleted_at = NULL, deleted_by = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("restore comment for entry %d: %w", id, err)
	}
	return requireRow(res, id)
}

// ParticipantIDs returns the distinct actors who commented on an entity,
// excluding soft-deleted comments.
func (s *PostgresStore) ParticipantIDs(ctx context.Context, entityKey string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT actor_id
		FROM history_entry
		WHERE entity_key = $1 AND comment <> '' AND deleted_at IS NULL
	`, entityKey)
	if err != nil {
		return nil, fmt.Errorf("participants for %s: %w", entityKey, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CurrentSnapshot rebuilds the latest tracked state of an entity from its
// newest anchor plus trailing diffs.
func (s *PostgresStore) CurrentSnapshot(ctx context.Context, entityKey string) (history.Snapshot, error) {
	return s.SnapshotAt(ctx, entityKey, time.Now().Add(time.Hour))
}

// SnapshotAt reconstructs the tracked state of an entity as of the given
// time: nearest earlier anchor, then diffs replayed forward.
func (s *PostgresStore) SnapshotAt(ctx context.Context, entityKey string, at time.Time) (history.Snapshot, error) {
	anchor, err := s.LastAnchorBefore(ctx, s.db, entityKey, at)
	if err != nil {
		return nil, err
	}
	entries, err := s.EntriesBetween(ctx, s.db, entityKey, anchor.ID, at)
	if err != nil {
		return nil, err
	}
	diffs := make([]history.Diff, 0, len(entries))
	for _, e := range entries {
		diffs = append(diffs, e.Diff)
	}
	return history.Rebuild(anchor.Snapshot, diffs), nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	return nil
}
