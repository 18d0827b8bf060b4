// Package timeline fans recorded changes out into per-project and per-user
// activity feeds.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"backlog/api/internal/history"
	"backlog/api/internal/store"
)

// TaskPush is the queue task name for writing one entry's timeline events.
const TaskPush = "timeline.push"

// PushTask is the queue payload for TaskPush.
type PushTask struct {
	EntryID int64 `json:"entry_id"`
}

type Store interface {
	GetEntry(ctx context.Context, id int64) (store.HistoryEntry, error)
	GetProject(ctx context.Context, id int64) (store.Project, error)
	GetUser(ctx context.Context, id int64) (store.User, error)
	MemberIDs(ctx context.Context, projectID int64) ([]int64, error)
	InsertTimelineEntries(ctx context.Context, entries []store.TimelineEntry) error
	ListTimeline(ctx context.Context, namespace string, beforeID int64, limit int) ([]store.TimelineEntry, error)
}

type Writer struct {
	store Store
}

func NewWriter(st Store) *Writer {
	return &Writer{store: st}
}

// ProjectNamespace and UserNamespace name the two feed kinds.
func ProjectNamespace(projectID int64) string { return fmt.Sprintf("project:%d", projectID) }
func UserNamespace(userID int64) string       { return fmt.Sprintf("user:%d", userID) }

// eventData is the denormalized payload stored with every feed entry.
type eventData struct {
	Entity  string   `json:"entity"`
	Project ref      `json:"project"`
	User    ref      `json:"user"`
	Fields  []string `json:"fields,omitempty"`
	Comment bool     `json:"comment,omitempty"`
}

type ref struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Handle is the queue handler for TaskPush.
func (w *Writer) Handle(ctx context.Context, raw json.RawMessage) error {
	var task PushTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return fmt.Errorf("decode timeline task: %w", err)
	}
	return w.Push(ctx, task.EntryID)
}

// Push writes one history entry into the project feed, the actor's feed and
// the feed of every project member. Pushing the same entry twice writes
// duplicate events, so callers dedupe at the queue.
func (w *Writer) Push(ctx context.Context, entryID int64) error {
	entry, err := w.store.GetEntry(ctx, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.IsHidden {
		return nil
	}

	kind, _, err := history.SplitKey(entry.EntityKey)
	if err != nil {
		return err
	}
	project, err := w.store.GetProject(ctx, entry.ProjectID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(eventData{
		Entity:  entry.EntityKey,
		Project: ref{ID: project.ID, Name: project.Name},
		User:    ref{ID: entry.ActorID, Name: entry.ActorName},
		Fields:  entry.Diff.Fields(),
		Comment: entry.Comment != "",
	})
	if err != nil {
		return fmt.Errorf("encode timeline event: %w", err)
	}

	eventType := fmt.Sprintf("%s.%s", kind, entry.Type)
	namespaces := []string{ProjectNamespace(project.ID), UserNamespace(entry.ActorID)}
	members, err := w.store.MemberIDs(ctx, project.ID)
	if err != nil {
		return err
	}
	for _, id := range members {
		if id == entry.ActorID {
			continue
		}
		namespaces = append(namespaces, UserNamespace(id))
	}

	entries := make([]store.TimelineEntry, 0, len(namespaces))
	for _, ns := range namespaces {
		entries = append(entries, store.TimelineEntry{
			Namespace: ns,
			EventType: eventType,
			ProjectID: project.ID,
			Data:      data,
		})
	}
	return w.store.InsertTimelineEntries(ctx, entries)
}

// List pages a feed backwards from beforeID (0 means newest).
func (w *Writer) List(ctx context.Context, namespace string, beforeID int64, limit int) ([]store.TimelineEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return w.store.ListTimeline(ctx, namespace, beforeID, limit)
}
