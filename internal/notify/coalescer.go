package notify

import (
	"context"
	"time"

	"backlog/api/internal/history"
	"backlog/api/internal/store"
)

// CoalesceStore is the slice of the persistence layer the coalescer writes.
type CoalesceStore interface {
	UpsertPending(ctx context.Context, u store.PendingUpdate) error
	FlushPendingForEntity(ctx context.Context, entityKey string, now time.Time) error
	DuePending(ctx context.Context, now time.Time, limit int) ([]store.PendingNotification, error)
}

// Coalescer buffers history entries per (entity, recipient, change kind) so a
// burst of edits produces one notification. The window is fixed from the
// first entry of a burst; later entries join it without extending it.
type Coalescer struct {
	store  CoalesceStore
	window time.Duration
	now    func() time.Time
}

func NewCoalescer(st CoalesceStore, window time.Duration) *Coalescer {
	return &Coalescer{store: st, window: window, now: time.Now}
}

// Add folds one entry into the pending records: an event record (recipient 0)
// driving the broker and webhook fanout, plus one record per email recipient.
// Delete entries skip the window entirely: open records for the entity flush
// first, then the deletion notice goes out immediately.
func (c *Coalescer) Add(ctx context.Context, entry store.HistoryEntry, recipients []store.User, sessionID string) error {
	now := c.now()
	due := now.Add(c.window)
	if entry.Type == history.TypeDelete {
		if err := c.store.FlushPendingForEntity(ctx, entry.EntityKey, now); err != nil {
			return err
		}
		due = now
	}

	update := store.PendingUpdate{
		EntityKey: entry.EntityKey,
		ProjectID: entry.ProjectID,
		Type:      entry.Type,
		EntryID:   entry.ID,
		ActorID:   entry.ActorID,
		SessionID: sessionID,
		DueAt:     due,
	}

	if err := c.store.UpsertPending(ctx, update); err != nil {
		return err
	}
	for _, r := range recipients {
		update.RecipientID = r.ID
		if err := c.store.UpsertPending(ctx, update); err != nil {
			return err
		}
	}
	return nil
}

// Due returns the records whose window elapsed.
func (c *Coalescer) Due(ctx context.Context, limit int) ([]store.PendingNotification, error) {
	return c.store.DuePending(ctx, c.now(), limit)
}
