package store

import (
	"context"
	"fmt"
)

// InsertTimelineEntries appends activity records. The timeline is append
// only; rows are never updated.
func (s *PostgresStore) InsertTimelineEntries(ctx context.Context, entries []TimelineEntry) error {
	for i := range entries {
		e := &entries[i]
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO timeline (namespace, event_type, project_id, data)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at
		`, e.Namespace, e.EventType, e.ProjectID, []byte(e.Data)).Scan(&e.ID, &e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert timeline entry: %w", err)
		}
	}
	return nil
}

// ListTimeline pages through a namespace newest-first. Pass beforeID 0 for
// the first page; subsequent pages pass the id of the last row seen.
func (s *PostgresStore) ListTimeline(ctx context.Context, namespace string, beforeID int64, limit int) ([]TimelineEntry, error) {
	query := `
		SELECT id, namespace, event_type, project_id, data, created_at
		FROM timeline
		WHERE namespace = $1
	`
	args := []any{namespace}
	if beforeID > 0 {
		query += ` AND id < $2`
		args = append(args, beforeID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list timeline %s: %w", namespace, err)
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		var data []byte
		if err := rows.Scan(&e.ID, &e.Namespace, &e.EventType, &e.ProjectID, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		e.Data = data
		out = append(out, e)
	}
	return out, rows.Err()
}
