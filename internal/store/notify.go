package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"backlog/api/internal/history"
)

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, full_name, email, is_active, is_system, notify_own_changes
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.IsActive, &u.IsSystem, &u.NotifyOwnChanges)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// UsersByUsernames resolves usernames case-insensitively, returning the
// canonical directory entries. Unknown names are silently absent from the
// result.
func (s *PostgresStore) UsersByUsernames(ctx context.Context, usernames []string) ([]User, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(usernames))
	for i, name := range usernames {
		lowered[i] = strings.ToLower(name)
	}
	raw, _ := json.Marshal(lowered)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, full_name, email, is_active, is_system, notify_own_changes
		FROM users
		WHERE LOWER(username) IN (SELECT value FROM jsonb_array_elements_text($1::jsonb))
	`, raw)
	if err != nil {
		return nil, fmt.Errorf("users by usernames: %w", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.IsActive, &u.IsSystem, &u.NotifyOwnChanges); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UsersByIDs(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, _ := json.Marshal(ids)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, full_name, email, is_active, is_system, notify_own_changes
		FROM users
		WHERE id IN (SELECT value::bigint FROM jsonb_array_elements_text($1::jsonb))
	`, raw)
	if err != nil {
		return nil, fmt.Errorf("users by ids: %w", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.IsActive, &u.IsSystem, &u.NotifyOwnChanges); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, id int64) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `SELECT id, name, slug FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Slug)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project %d: %w", id, err)
	}
	return p, nil
}

// MemberIDs returns the ids of the project's members; membership carries
// view permission on the project's entities.
func (s *PostgresStore) MemberIDs(ctx context.Context, projectID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM memberships WHERE project_id = $1 ORDER BY user_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("members of project %d: %w", projectID, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IsProjectAdmin(ctx context.Context, projectID, userID int64) (bool, error) {
	var isAdmin bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM memberships WHERE project_id = $1 AND user_id = $2 AND is_admin)
	`, projectID, userID).Scan(&isAdmin)
	if err != nil {
		return false, fmt.Errorf("admin check: %w", err)
	}
	return isAdmin, nil
}

// NotifyPolicies returns the explicit watch policies for a project keyed by
// user id. Users with no row default to NotifyInvolved.
func (s *PostgresStore) NotifyPolicies(ctx context.Context, projectID int64) (map[int64]NotifyLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, notify_level FROM notify_policies WHERE project_id = $1
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("notify policies for project %d: %w", projectID, err)
	}
	defer rows.Close()
	out := map[int64]NotifyLevel{}
	for rows.Next() {
		var userID int64
		var level NotifyLevel
		if err := rows.Scan(&userID, &level); err != nil {
			return nil, fmt.Errorf("scan notify policy: %w", err)
		}
		out[userID] = level
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetNotifyPolicy(ctx context.Context, projectID, userID int64, level NotifyLevel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notify_policies (project_id, user_id, notify_level)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET notify_level = EXCLUDED.notify_level
	`, projectID, userID, level)
	if err != nil {
		return fmt.Errorf("set notify policy: %w", err)
	}
	return nil
}

// WatcherIDs returns the explicit watchers of an entity ordered by user id.
func (s *PostgresStore) WatcherIDs(ctx context.Context, entityKey string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM watchers WHERE entity_key = $1 ORDER BY user_id
	`, entityKey)
	if err != nil {
		return nil, fmt.Errorf("watchers of %s: %w", entityKey, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan watcher: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AddWatcher attaches a user to an entity. Idempotent.
func (s *PostgresStore) AddWatcher(ctx context.Context, entityKey string, projectID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchers (entity_key, project_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_key, user_id) DO NOTHING
	`, entityKey, projectID, userID)
	if err != nil {
		return fmt.Errorf("add watcher: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveWatcher(ctx context.Context, entityKey string, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM watchers WHERE entity_key = $1 AND user_id = $2
	`, entityKey, userID)
	if err != nil {
		return fmt.Errorf("remove watcher: %w", err)
	}
	return nil
}

// PendingUpdate folds one history entry into a coalescing key.
type PendingUpdate struct {
	EntityKey   string
	ProjectID   int64
	RecipientID int64
	Type        history.EntryType
	EntryID     int64
	ActorID     int64
	SessionID   string
	DueAt       time.Time
}

// UpsertPending folds a history entry into the pending coalescing record for
// (entity, recipient, type), creating it with the given due time when it is
// the first entry. The due time of an existing record is never extended.
func (s *PostgresStore) UpsertPending(ctx context.Context, u PendingUpdate) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var id int64
		var entryIDsRaw []byte
		err := tx.QueryRowContext(ctx, `
			SELECT id, entry_ids FROM coalesce_pending
			WHERE entity_key = $1 AND recipient_id = $2 AND history_type = $3
			FOR UPDATE
		`, u.EntityKey, u.RecipientID, u.Type).Scan(&id, &entryIDsRaw)

		if errors.Is(err, sql.ErrNoRows) {
			firstIDs, _ := json.Marshal([]int64{u.EntryID})
			_, err := tx.ExecContext(ctx, `
				INSERT INTO coalesce_pending (
					entity_key, project_id, recipient_id, history_type,
					first_entry_id, last_entry_id, entry_ids,
					actor_id, session_id, due_at
				)
				VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8, $9)
			`, u.EntityKey, u.ProjectID, u.RecipientID, u.Type,
				u.EntryID, firstIDs, u.ActorID, u.SessionID, u.DueAt)
			if err != nil {
				return fmt.Errorf("insert pending: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock pending: %w", err)
		}

		var entryIDs []int64
		if err := json.Unmarshal(entryIDsRaw, &entryIDs); err != nil {
			return fmt.Errorf("decode pending entry ids: %w", err)
		}
		entryIDs = append(entryIDs, u.EntryID)
		merged, _ := json.Marshal(entryIDs)
		if _, err := tx.ExecContext(ctx, `
			UPDATE coalesce_pending
			SET entry_ids = $2, last_entry_id = $3
			WHERE id = $1
		`, id, merged, u.EntryID); err != nil {
			return fmt.Errorf("update pending: %w", err)
		}
		return nil
	})
}

// FlushPendingForEntity makes every open coalescing record of an entity due
// immediately. Used when the entity is deleted, so buffered bursts go out
// before the deletion notice.
func (s *PostgresStore) FlushPendingForEntity(ctx context.Context, entityKey string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE coalesce_pending
		SET due_at = $2
		WHERE entity_key = $1 AND due_at > $2
	`, entityKey, now)
	if err != nil {
		return fmt.Errorf("flush pending for %s: %w", entityKey, err)
	}
	return nil
}

// DuePending returns records whose window elapsed, oldest deadline first.
func (s *PostgresStore) DuePending(ctx context.Context, now time.Time, limit int) ([]PendingNotification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_key, project_id, recipient_id, history_type,
		       first_entry_id, last_entry_id, entry_ids, actor_id, session_id,
		       created_at, due_at
		FROM coalesce_pending
		WHERE due_at <= $1
		ORDER BY due_at ASC, id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due pending: %w", err)
	}
	defer rows.Close()

	var out []PendingNotification
	for rows.Next() {
		var p PendingNotification
		var entryIDsRaw []byte
		if err := rows.Scan(&p.ID, &p.EntityKey, &p.ProjectID, &p.RecipientID, &p.Type,
			&p.FirstEntryID, &p.LastEntryID, &entryIDsRaw, &p.ActorID, &p.SessionID,
			&p.CreatedAt, &p.DueAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if err := json.Unmarshal(entryIDsRaw, &p.EntryIDs); err != nil {
			return nil, fmt.Errorf("decode pending entry ids: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePending retires a fired record up to throughEntryID, the last entry
// the firing snapshot saw. Entries appended to the row between the scan and
// this call survive: the record is trimmed to the unfired residue under the
// row lock and re-fires on the next poll with a fresh first_entry_id.
func (s *PostgresStore) DeletePending(ctx context.Context, id, throughEntryID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx, `
			SELECT entry_ids FROM coalesce_pending WHERE id = $1 FOR UPDATE
		`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock pending %d: %w", id, err)
		}

		var entryIDs []int64
		if err := json.Unmarshal(raw, &entryIDs); err != nil {
			return fmt.Errorf("decode pending entry ids: %w", err)
		}
		var rest []int64
		for _, entryID := range entryIDs {
			if entryID > throughEntryID {
				rest = append(rest, entryID)
			}
		}

		if len(rest) == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM coalesce_pending WHERE id = $1`, id); err != nil {
				return fmt.Errorf("delete pending %d: %w", id, err)
			}
			return nil
		}
		merged, _ := json.Marshal(rest)
		if _, err := tx.ExecContext(ctx, `
			UPDATE coalesce_pending
			SET entry_ids = $2, first_entry_id = $3
			WHERE id = $1
		`, id, merged, rest[0]); err != nil {
			return fmt.Errorf("trim pending %d: %w", id, err)
		}
		return nil
	})
}
