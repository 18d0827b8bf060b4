package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"backlog/api/internal/email"
	"backlog/api/internal/events"
	"backlog/api/internal/history"
	"backlog/api/internal/notify"
	"backlog/api/internal/queue"
	"backlog/api/internal/store"
	"backlog/api/internal/webhooks"
)

// TaskEmail is the queue task name for sending one coalesced notification.
const TaskEmail = "email.send"

// dispatchBatch bounds how many fired records one poll processes.
const dispatchBatch = 100

// DispatchStore is the read surface the dispatcher and mailer share.
type DispatchStore interface {
	EntriesByIDs(ctx context.Context, ids []int64) ([]store.HistoryEntry, error)
	GetUser(ctx context.Context, id int64) (store.User, error)
	GetProject(ctx context.Context, id int64) (store.Project, error)
	ListWebhookTargets(ctx context.Context, projectID int64) ([]store.WebhookTarget, error)
	CurrentSnapshot(ctx context.Context, entityKey string) (history.Snapshot, error)
	DeletePending(ctx context.Context, id, throughEntryID int64) error
}

// Dispatcher drains fired coalescing records into the three sinks: the
// broker publish and webhook fanout from the event record, and the email
// task from each recipient record. Sinks are enqueued before the record is
// deleted; a crash in between redelivers, and the queue's dedupe keys absorb
// the duplicates.
type Dispatcher struct {
	store     DispatchStore
	coalescer *notify.Coalescer
	publisher *events.Publisher
	deliverer *webhooks.Deliverer
	queue     *queue.Queue
	interval  time.Duration
	now       func() time.Time
}

func NewDispatcher(st DispatchStore, c *notify.Coalescer, p *events.Publisher, d *webhooks.Deliverer, q *queue.Queue, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		store:     st,
		coalescer: c,
		publisher: p,
		deliverer: d,
		queue:     q,
		interval:  interval,
		now:       time.Now,
	}
}

// Run polls for due records until the context is cancelled. The first pass
// runs immediately, which doubles as the startup scan for records that came
// due while no worker was alive.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) dispatchDue(ctx context.Context) {
	due, err := d.coalescer.Due(ctx, dispatchBatch)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("dispatch: scan due records: %v", err)
		}
		return
	}
	for _, p := range due {
		if ctx.Err() != nil {
			return
		}
		if err := d.fire(ctx, p); err != nil {
			// The record stays pending and is retried next poll.
			log.Printf("dispatch: fire record %d (%s): %v", p.ID, p.EntityKey, err)
		}
	}
}

func (d *Dispatcher) fire(ctx context.Context, p store.PendingNotification) error {
	entries, err := d.store.EntriesByIDs(ctx, p.EntryIDs)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return d.store.DeletePending(ctx, p.ID, p.LastEntryID)
	}

	if p.RecipientID == 0 {
		err = d.fireEvent(ctx, p, entries)
	} else {
		err = d.fireRecipient(ctx, p, entries)
	}
	if err != nil {
		return err
	}
	// Retire only what this firing saw; entries appended to the record in
	// the meantime stay pending and fire on the next poll.
	return d.store.DeletePending(ctx, p.ID, p.LastEntryID)
}

// fireEvent publishes the burst to the broker and fans it out to the
// project's webhook targets, once per burst regardless of recipient count.
func (d *Dispatcher) fireEvent(ctx context.Context, p store.PendingNotification, entries []store.HistoryEntry) error {
	kind, _, err := history.SplitKey(p.EntityKey)
	if err != nil {
		return err
	}
	diff, comments := history.Union(kind, squashEntries(entries))
	snapshot, err := d.store.CurrentSnapshot(ctx, p.EntityKey)
	if err != nil {
		return err
	}

	// Broker push is best-effort; a dead broker must not stall webhooks.
	if err := d.publisher.PublishChange(ctx, p.ProjectID, kind, p.Type, snapshot, diff, p.SessionID); err != nil {
		log.Printf("dispatch: broker publish for %s: %v", p.EntityKey, err)
	}

	targets, err := d.store.ListWebhookTargets(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	actor, err := d.store.GetUser(ctx, p.ActorID)
	if err != nil {
		return err
	}
	payload := webhooks.Payload{
		Action: p.Type.String(),
		Type:   string(kind),
		By:     webhooks.Actor{ID: actor.ID, FullName: actor.FullName},
		Date:   d.now().UTC(),
		Data:   snapshot,
	}
	if p.Type == history.TypeChange {
		payload.Change = &webhooks.Change{Diff: diff, Comments: comments}
	}
	for _, target := range targets {
		dedupe := fmt.Sprintf("webhook:%d:%s", p.FirstEntryID, target.ID)
		if err := d.deliverer.Enqueue(ctx, target.ID, payload, dedupe); err != nil {
			return err
		}
	}
	return nil
}

// EmailTask is the queue payload for TaskEmail.
type EmailTask struct {
	RecipientID  int64             `json:"recipient_id"`
	EntityKey    string            `json:"entity_key"`
	ProjectID    int64             `json:"project_id"`
	Type         history.EntryType `json:"history_type"`
	ActorID      int64             `json:"actor_id"`
	FirstEntryID int64             `json:"first_entry_id"`
	EntryIDs     []int64           `json:"entry_ids"`
}

func (d *Dispatcher) fireRecipient(ctx context.Context, p store.PendingNotification, entries []store.HistoryEntry) error {
	if p.RecipientID == p.ActorID && allHidden(entries) {
		return nil
	}
	task := EmailTask{
		RecipientID:  p.RecipientID,
		EntityKey:    p.EntityKey,
		ProjectID:    p.ProjectID,
		Type:         p.Type,
		ActorID:      p.ActorID,
		FirstEntryID: p.FirstEntryID,
		EntryIDs:     p.EntryIDs,
	}
	dedupe := fmt.Sprintf("email:%d:%d", p.FirstEntryID, p.RecipientID)
	return d.queue.Enqueue(ctx, TaskEmail, task, d.now(), dedupe)
}

func allHidden(entries []store.HistoryEntry) bool {
	for _, e := range entries {
		if !e.IsHidden {
			return false
		}
	}
	return true
}

func squashEntries(entries []store.HistoryEntry) []history.SquashEntry {
	out := make([]history.SquashEntry, 0, len(entries))
	for _, e := range entries {
		comment := e.Comment
		if e.DeletedAt != nil {
			comment = ""
		}
		out = append(out, history.SquashEntry{Comment: comment, Diff: e.Diff})
	}
	return out
}

// Mailer renders and sends one coalesced notification per queue task.
type Mailer struct {
	store DispatchStore
	svc   *email.Service
}

func NewMailer(st DispatchStore, svc *email.Service) *Mailer {
	return &Mailer{store: st, svc: svc}
}

// Handle is the queue handler for TaskEmail.
func (m *Mailer) Handle(ctx context.Context, raw json.RawMessage) error {
	var task EmailTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return fmt.Errorf("decode email task: %w", err)
	}
	if !m.svc.IsConfigured() {
		return nil
	}

	user, err := m.store.GetUser(ctx, task.RecipientID)
	if err != nil {
		return err
	}
	if !user.IsActive || user.Email == "" {
		return nil
	}

	data, err := m.buildChangeData(ctx, task)
	if err != nil {
		return err
	}
	return m.svc.SendChangeNotification(user.Email, data)
}

func (m *Mailer) buildChangeData(ctx context.Context, task EmailTask) (email.ChangeData, error) {
	kind, _, err := history.SplitKey(task.EntityKey)
	if err != nil {
		return email.ChangeData{}, err
	}
	entries, err := m.store.EntriesByIDs(ctx, task.EntryIDs)
	if err != nil {
		return email.ChangeData{}, err
	}
	diff, comments := history.Union(kind, squashEntries(entries))

	project, err := m.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return email.ChangeData{}, err
	}
	actor, err := m.store.GetUser(ctx, task.ActorID)
	if err != nil {
		return email.ChangeData{}, err
	}
	snapshot, err := m.store.CurrentSnapshot(ctx, task.EntityKey)
	if err != nil {
		return email.ChangeData{}, err
	}

	fields := make([]email.FieldChange, 0, len(diff))
	for _, name := range diff.Fields() {
		ch := diff[name]
		fields = append(fields, email.FieldChange{
			Name: name,
			From: email.FormatValue(ch.Old()),
			To:   email.FormatValue(ch.New()),
		})
	}
	return email.ChangeData{
		ProjectName: project.Name,
		ProjectSlug: project.Slug,
		EntityKey:   task.EntityKey,
		EntityRef:   snapshotRef(snapshot),
		EntryID:     task.FirstEntryID,
		Subject:     snapshotTitle(snapshot),
		Action:      actionWord(task.Type),
		ActorName:   actor.FullName,
		Fields:      fields,
		Comments:    comments,
	}, nil
}

func actionWord(t history.EntryType) string {
	switch t {
	case history.TypeCreate:
		return "created"
	case history.TypeDelete:
		return "deleted"
	default:
		return "changed"
	}
}

func snapshotRef(s history.Snapshot) int {
	switch ref := s["ref"].(type) {
	case float64:
		return int(ref)
	case int:
		return ref
	case int64:
		return int(ref)
	}
	return 0
}

// snapshotTitle picks the human name of an entity: stories, tasks and issues
// have a subject, milestones a name, wiki pages a slug.
func snapshotTitle(s history.Snapshot) string {
	for _, field := range []string{"subject", "name", "slug"} {
		if title, ok := s[field].(string); ok && title != "" {
			return title
		}
	}
	return ""
}
