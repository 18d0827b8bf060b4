// Package tracker is the change pipeline: it records history entries
// atomically with their diffs, resolves recipients, buffers notification
// bursts and drains them into the email, broker and webhook sinks.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html"
	"log"
	"time"

	"backlog/api/internal/config"
	"backlog/api/internal/history"
	"backlog/api/internal/mentions"
	"backlog/api/internal/notify"
	"backlog/api/internal/queue"
	"backlog/api/internal/store"
	"backlog/api/internal/timeline"
)

// Store is the persistence surface of the pipeline service.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	LockEntity(ctx context.Context, tx *sql.Tx, entityKey string) error
	LastAnchorBefore(ctx context.Context, q store.Querier, entityKey string, at time.Time) (store.HistoryEntry, error)
	EntriesBetween(ctx context.Context, q store.Querier, entityKey string, afterID int64, until time.Time) ([]store.HistoryEntry, error)
	InsertEntry(ctx context.Context, tx *sql.Tx, e *store.HistoryEntry) error
	GetEntry(ctx context.Context, id int64) (store.HistoryEntry, error)
	ListEntries(ctx context.Context, entityKey string, includeHidden bool) ([]store.HistoryEntry, error)
	SnapshotAt(ctx context.Context, entityKey string, at time.Time) (history.Snapshot, error)
	UpdateEntryComment(ctx context.Context, id int64, comment, commentHTML string, versions []store.CommentVersion, editedAt time.Time) error
	SetCommentDeleted(ctx context.Context, id, deletedBy int64, deletedAt time.Time) error
	RestoreComment(ctx context.Context, id int64) error
	GetUser(ctx context.Context, id int64) (store.User, error)
	IsProjectAdmin(ctx context.Context, projectID, userID int64) (bool, error)
	AddWatcher(ctx context.Context, entityKey string, projectID, userID int64) error
}

type Service struct {
	store     Store
	resolver  *notify.Resolver
	coalescer *notify.Coalescer
	mentions  *mentions.Extractor
	queue     *queue.Queue

	anchorEvery  int
	anchorMaxAge time.Duration
	now          func() time.Time
}

func NewService(st Store, resolver *notify.Resolver, coalescer *notify.Coalescer, ext *mentions.Extractor, q *queue.Queue, cfg config.Config) *Service {
	return &Service{
		store:        st,
		resolver:     resolver,
		coalescer:    coalescer,
		mentions:     ext,
		queue:        q,
		anchorEvery:  cfg.AnchorEvery,
		anchorMaxAge: cfg.AnchorMaxAge,
		now:          time.Now,
	}
}

// ChangeInput describes one domain mutation to record.
type ChangeInput struct {
	Entity    history.Entity
	Type      history.EntryType
	ActorID   int64
	Comment   string
	SessionID string
}

// RecordChange freezes the entity, diffs it against its true predecessor and
// appends the history entry, all under the entity's advisory lock. The write
// is retried once on serialization or deadlock failures. Recipient
// resolution, coalescing and the timeline push happen after commit and never
// fail the mutation.
func (s *Service) RecordChange(ctx context.Context, in ChangeInput) (store.HistoryEntry, error) {
	if in.Entity.Kind == "" || in.Entity.ID == 0 {
		return store.HistoryEntry{}, fmt.Errorf("record change: entity key incomplete")
	}
	actor, err := s.store.GetUser(ctx, in.ActorID)
	if err != nil {
		return store.HistoryEntry{}, fmt.Errorf("record change: %w", err)
	}

	entry, prev, err := s.append(ctx, in, actor)
	if isTransient(err) {
		entry, prev, err = s.append(ctx, in, actor)
	}
	if err != nil {
		return store.HistoryEntry{}, err
	}

	s.notifyAfterCommit(ctx, entry, prev, in.SessionID)
	return entry, nil
}

func (s *Service) append(ctx context.Context, in ChangeInput, actor store.User) (entry store.HistoryEntry, prev history.Snapshot, err error) {
	key := in.Entity.Key()
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.LockEntity(ctx, tx, key); err != nil {
			return err
		}

		// Reconstruct the predecessor under the lock so the diff is
		// computed against the true previous state.
		horizon := s.now().Add(time.Hour)
		anchor, err := s.store.LastAnchorBefore(ctx, tx, key, horizon)
		hasAnchor := true
		if errors.Is(err, store.ErrNotFound) {
			hasAnchor = false
		} else if err != nil {
			return err
		}

		var since []store.HistoryEntry
		prev = nil
		if hasAnchor {
			since, err = s.store.EntriesBetween(ctx, tx, key, anchor.ID, horizon)
			if err != nil {
				return err
			}
			diffs := make([]history.Diff, 0, len(since))
			for _, e := range since {
				diffs = append(diffs, e.Diff)
			}
			prev = history.Rebuild(anchor.Snapshot, diffs)
		}

		var snap history.Snapshot
		var diff history.Diff
		switch in.Type {
		case history.TypeDelete:
			// The entity is gone; its last tracked state is the snapshot.
			snap = prev
			if snap == nil {
				if snap, err = history.Freeze(in.Entity); err != nil {
					return err
				}
			}
			diff = history.Diff{}
		default:
			if snap, err = history.Freeze(in.Entity); err != nil {
				return err
			}
			diff = history.MakeDiff(prev, snap)
		}

		isAnchor := history.NeedsAnchor(in.Type, hasAnchor, len(since), anchor.CreatedAt, s.now(), s.anchorEvery, s.anchorMaxAge)

		entry = store.HistoryEntry{
			EntityKey: key,
			ProjectID: in.Entity.ProjectID,
			Type:      in.Type,
			ActorID:   actor.ID,
			ActorName: actor.FullName,
			Diff:      diff,
			IsHidden:  in.Type == history.TypeChange && history.IsHidden(in.Entity.Kind, diff, in.Comment),
			Comment:   in.Comment,
		}
		if in.Comment != "" {
			entry.CommentHTML = renderCommentHTML(in.Comment)
		}
		if isAnchor {
			entry.IsAnchor = true
			entry.Snapshot = snap
		}
		return s.store.InsertEntry(ctx, tx, &entry)
	})
	if err != nil {
		return store.HistoryEntry{}, nil, err
	}
	return entry, prev, nil
}

// notifyAfterCommit runs the downstream half of the pipeline. Failures here
// are logged; the recorded entry is already durable and the dispatcher's
// startup scan plus queue dedupe make redelivery safe.
func (s *Service) notifyAfterCommit(ctx context.Context, entry store.HistoryEntry, prev history.Snapshot, sessionID string) {
	var mentionedIDs []int64
	if entry.Comment != "" {
		mentioned, err := s.mentions.Mentions(ctx, entry.Comment)
		if err != nil {
			log.Printf("tracker: resolve mentions for entry %d: %v", entry.ID, err)
		}
		// Commenting makes you a watcher, and so does being mentioned.
		watcherIDs := append([]int64{entry.ActorID}, idsOf(mentioned)...)
		for _, id := range watcherIDs {
			if err := s.store.AddWatcher(ctx, entry.EntityKey, entry.ProjectID, id); err != nil {
				log.Printf("tracker: add watcher %d on %s: %v", id, entry.EntityKey, err)
			}
		}
		mentionedIDs = idsOf(mentioned)
	}

	current := prev.Apply(entry.Diff)
	if entry.Snapshot != nil {
		current = entry.Snapshot
	}
	involvement := notify.Involvement{
		ProjectID:    entry.ProjectID,
		EntityKey:    entry.EntityKey,
		ActorID:      entry.ActorID,
		OwnerID:      refID(current["owner"]),
		MentionedIDs: mentionedIDs,
	}
	// Both old and new assignees are involved, so an unassigned user still
	// hears about their unassignment.
	involvement.AssignedIDs = appendNonZero(involvement.AssignedIDs, refID(current["assigned_to"]))
	involvement.AssignedIDs = append(involvement.AssignedIDs, refIDs(current["assigned_users"])...)
	involvement.AssignedIDs = appendNonZero(involvement.AssignedIDs, refID(prev["assigned_to"]))
	involvement.AssignedIDs = append(involvement.AssignedIDs, refIDs(prev["assigned_users"])...)

	recipients, err := s.resolver.Recipients(ctx, involvement)
	if err != nil {
		log.Printf("tracker: resolve recipients for entry %d: %v", entry.ID, err)
		return
	}
	if err := s.coalescer.Add(ctx, entry, recipients, sessionID); err != nil {
		log.Printf("tracker: coalesce entry %d: %v", entry.ID, err)
		return
	}

	if !entry.IsHidden {
		task := timeline.PushTask{EntryID: entry.ID}
		dedupe := fmt.Sprintf("timeline:%d", entry.ID)
		if err := s.queue.Enqueue(ctx, timeline.TaskPush, task, s.now(), dedupe); err != nil {
			log.Printf("tracker: schedule timeline push for entry %d: %v", entry.ID, err)
		}
	}
}

// EditComment replaces an entry's comment, keeping the prior body in the
// version history. Only the comment's author or a project admin may edit.
func (s *Service) EditComment(ctx context.Context, entryID, actorID int64, text string) (store.HistoryEntry, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return store.HistoryEntry{}, err
	}
	if entry.Comment == "" {
		return store.HistoryEntry{}, fmt.Errorf("entry %d has no comment", entryID)
	}
	if err := s.authorizeComment(ctx, entry, actorID); err != nil {
		return store.HistoryEntry{}, err
	}

	now := s.now()
	versions := append(entry.CommentVersions, store.CommentVersion{
		Text:     entry.Comment,
		EditedBy: actorID,
		EditedAt: now,
	})
	if err := s.store.UpdateEntryComment(ctx, entryID, text, renderCommentHTML(text), versions, now); err != nil {
		return store.HistoryEntry{}, err
	}
	return s.store.GetEntry(ctx, entryID)
}

// DeleteComment soft-deletes an entry's comment. Idempotent.
func (s *Service) DeleteComment(ctx context.Context, entryID, actorID int64) error {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if err := s.authorizeComment(ctx, entry, actorID); err != nil {
		return err
	}
	return s.store.SetCommentDeleted(ctx, entryID, actorID, s.now())
}

// RestoreComment reverses a soft deletion. Idempotent.
func (s *Service) RestoreComment(ctx context.Context, entryID, actorID int64) error {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if err := s.authorizeComment(ctx, entry, actorID); err != nil {
		return err
	}
	return s.store.RestoreComment(ctx, entryID)
}

// History lists an entity's entries in (created_at, id) order.
func (s *Service) History(ctx context.Context, entityKey string, includeHidden bool) ([]store.HistoryEntry, error) {
	return s.store.ListEntries(ctx, entityKey, includeHidden)
}

// ReconstructState rebuilds an entity's tracked state as of the given time.
func (s *Service) ReconstructState(ctx context.Context, entityKey string, at time.Time) (history.Snapshot, error) {
	return s.store.SnapshotAt(ctx, entityKey, at)
}

func (s *Service) authorizeComment(ctx context.Context, entry store.HistoryEntry, actorID int64) error {
	if entry.ActorID == actorID {
		return nil
	}
	isAdmin, err := s.store.IsProjectAdmin(ctx, entry.ProjectID, actorID)
	if err != nil {
		return err
	}
	if !isAdmin {
		return fmt.Errorf("comment on entry %d: %w", entry.ID, ErrForbidden)
	}
	return nil
}

// Markdown rendering is out of scope; comment HTML is the escaped text.
func renderCommentHTML(text string) string {
	return html.EscapeString(text)
}

func idsOf(users []store.User) []int64 {
	out := make([]int64, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func appendNonZero(ids []int64, id int64) []int64 {
	if id == 0 {
		return ids
	}
	return append(ids, id)
}

// refID reads a reference value's id whether it is still the typed form from
// freeze time or the JSON-generic form loaded from storage.
func refID(v any) int64 {
	switch t := v.(type) {
	case history.Ref:
		return t.ID
	case map[string]any:
		if id, ok := t["id"].(float64); ok {
			return int64(id)
		}
	}
	return 0
}

func refIDs(v any) []int64 {
	switch t := v.(type) {
	case []history.Ref:
		out := make([]int64, 0, len(t))
		for _, r := range t {
			out = append(out, r.ID)
		}
		return out
	case []any:
		var out []int64
		for _, item := range t {
			out = appendNonZero(out, refID(item))
		}
		return out
	}
	return nil
}
