package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"backlog/api/internal/util"
)

func (s *PostgresStore) ListWebhookTargets(ctx context.Context, projectID int64) ([]WebhookTarget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, url, secret_key, name, created_at
		FROM webhook_targets
		WHERE project_id = $1
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("webhook targets for project %d: %w", projectID, err)
	}
	defer rows.Close()
	var out []WebhookTarget
	for rows.Next() {
		var t WebhookTarget
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.URL, &t.SecretKey, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetWebhookTarget(ctx context.Context, id string) (WebhookTarget, error) {
	var t WebhookTarget
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, url, secret_key, name, created_at
		FROM webhook_targets
		WHERE id = $1
	`, id).Scan(&t.ID, &t.ProjectID, &t.URL, &t.SecretKey, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookTarget{}, ErrNotFound
	}
	if err != nil {
		return WebhookTarget{}, fmt.Errorf("get webhook target %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) CreateWebhookTarget(ctx context.Context, t WebhookTarget) (WebhookTarget, error) {
	if t.ID == "" {
		t.ID = util.NewID("hook")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_targets (id, project_id, url, secret_key, name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, t.ID, t.ProjectID, t.URL, t.SecretKey, t.Name).Scan(&t.CreatedAt)
	if err != nil {
		return WebhookTarget{}, fmt.Errorf("create webhook target: %w", err)
	}
	return t, nil
}

// InsertWebhookLog records one delivery attempt and evicts entries beyond
// the per-target retention cap, oldest first.
func (s *PostgresStore) InsertWebhookLog(ctx context.Context, l *WebhookLog, retention int) error {
	reqHeaders, _ := json.Marshal(l.RequestHeaders)
	respHeaders, _ := json.Marshal(l.ResponseHeaders)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_logs (
			target_id, url, status_code,
			request_headers, request_body, response_headers, response_body,
			duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, l.TargetID, l.URL, l.StatusCode,
		reqHeaders, l.RequestBody, respHeaders, l.ResponseBody,
		l.DurationMS,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}

	if retention > 0 {
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM webhook_logs
			WHERE id IN (
				SELECT id FROM webhook_logs
				WHERE target_id = $1
				ORDER BY id DESC
				OFFSET $2
			)
		`, l.TargetID, retention)
		if err != nil {
			return fmt.Errorf("trim webhook logs: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetWebhookLog(ctx context.Context, id int64) (WebhookLog, error) {
	var l WebhookLog
	var reqHeaders, respHeaders []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, target_id, created_at, url, status_code,
		       request_headers, request_body, response_headers, response_body,
		       duration_ms
		FROM webhook_logs
		WHERE id = $1
	`, id).Scan(&l.ID, &l.TargetID, &l.CreatedAt, &l.URL, &l.StatusCode,
		&reqHeaders, &l.RequestBody, &respHeaders, &l.ResponseBody,
		&l.DurationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookLog{}, ErrNotFound
	}
	if err != nil {
		return WebhookLog{}, fmt.Errorf("get webhook log %d: %w", id, err)
	}
	if len(reqHeaders) > 0 {
		if err := json.Unmarshal(reqHeaders, &l.RequestHeaders); err != nil {
			return WebhookLog{}, fmt.Errorf("decode request headers: %w", err)
		}
	}
	if len(respHeaders) > 0 {
		if err := json.Unmarshal(respHeaders, &l.ResponseHeaders); err != nil {
			return WebhookLog{}, fmt.Errorf("decode response headers: %w", err)
		}
	}
	return l, nil
}

// ListWebhookLogs returns the retained attempts for a target, newest first.
func (s *PostgresStore) ListWebhookLogs(ctx context.Context, targetID string, limit int) ([]WebhookLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_id, created_at, url, status_code,
		       request_headers, request_body, response_headers, response_body,
		       duration_ms
		FROM webhook_logs
		WHERE target_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("webhook logs for %s: %w", targetID, err)
	}
	defer rows.Close()

	var out []WebhookLog
	for rows.Next() {
		var l WebhookLog
		var reqHeaders, respHeaders []byte
		if err := rows.Scan(&l.ID, &l.TargetID, &l.CreatedAt, &l.URL, &l.StatusCode,
			&reqHeaders, &l.RequestBody, &respHeaders, &l.ResponseBody,
			&l.DurationMS); err != nil {
			return nil, fmt.Errorf("scan webhook log: %w", err)
		}
		if len(reqHeaders) > 0 {
			if err := json.Unmarshal(reqHeaders, &l.RequestHeaders); err != nil {
				return nil, fmt.Errorf("decode request headers: %w", err)
			}
		}
		if len(respHeaders) > 0 {
			if err := json.Unmarshal(respHeaders, &l.ResponseHeaders); err != nil {
				return nil, fmt.Errorf("decode response headers: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
