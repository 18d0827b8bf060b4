package tracker

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"backlog/api/internal/config"
	"backlog/api/internal/email"
	"backlog/api/internal/events"
	"backlog/api/internal/history"
	"backlog/api/internal/notify"
	"backlog/api/internal/queue"
	"backlog/api/internal/store"
	"backlog/api/internal/webhooks"
)

func newTestDispatcher(t *testing.T, st *fakeStore) (*Dispatcher, *queue.Queue, *redis.Client) {
	t.Helper()
	q, client := newTestQueue(t)
	cfg := config.Config{
		WebhookTimeout:             2 * time.Second,
		WebhookRetrySchedule:       []time.Duration{time.Minute},
		WebhookAllowPrivateAddress: true,
		WebhookLogRetention:        100,
	}
	d := NewDispatcher(
		st,
		notify.NewCoalescer(st, 0),
		events.NewPublisher(client),
		webhooks.NewDeliverer(st, q, cfg),
		q,
		time.Second,
	)
	return d, q, client
}

// seedEntry appends a pre-built history entry directly, bypassing the service.
func seedEntry(st *fakeStore, e store.HistoryEntry) store.HistoryEntry {
	st.nextID++
	e.ID = st.nextID
	e.CreatedAt = st.base.Add(time.Duration(st.nextID) * time.Second)
	st.entries = append(st.entries, e)
	return e
}

func seedStoryBurst(st *fakeStore) (create, change store.HistoryEntry) {
	snap := history.Snapshot{"ref": 42, "subject": "A"}
	create = seedEntry(st, store.HistoryEntry{
		EntityKey: "userstory:5", ProjectID: 10, Type: history.TypeCreate,
		ActorID: 1, IsAnchor: true, Snapshot: snap,
	})
	change = seedEntry(st, store.HistoryEntry{
		EntityKey: "userstory:5", ProjectID: 10, Type: history.TypeChange,
		ActorID: 1, Diff: history.Diff{"subject": history.Change{"A", "B"}},
		Comment: "looks better", CommentHTML: "looks better",
	})
	return create, change
}

func seedPending(st *fakeStore, recipientID int64, typ history.EntryType, entryIDs []int64, dueAt time.Time) store.PendingNotification {
	st.nextPendingID++
	p := store.PendingNotification{
		ID:          st.nextPendingID,
		EntityKey:   "userstory:5",
		ProjectID:   10,
		RecipientID: recipientID,
		Type:        typ,
		ActorID:     1,
		SessionID:   "sess-9",
		DueAt:       dueAt,
	}
	if len(entryIDs) > 0 {
		p.FirstEntryID = entryIDs[0]
		p.LastEntryID = entryIDs[len(entryIDs)-1]
		p.EntryIDs = entryIDs
	}
	st.pending = append(st.pending, p)
	return p
}

func claimNamed(t *testing.T, q *queue.Queue, name string) *queue.Task {
	t.Helper()
	for {
		task, err := q.Claim(context.Background(), time.Now().Add(time.Second))
		if err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if task == nil {
			return nil
		}
		if task.Name == name {
			return task
		}
	}
}

func TestFireEventPublishesAndFansOut(t *testing.T) {
	st := newFakeStore()
	st.targets["t1"] = store.WebhookTarget{ID: "t1", ProjectID: 10, URL: "http://hooks.example.com/x", SecretKey: "s3cret"}
	d, q, client := newTestDispatcher(t, st)

	_, change := seedStoryBurst(st)
	seedPending(st, 0, history.TypeChange, []int64{change.ID}, time.Now().Add(-time.Second))

	ctx := context.Background()
	pubsub := client.Subscribe(ctx, events.Channel(10))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	d.dispatchDue(ctx)

	select {
	case raw := <-pubsub.Channel():
		var msg events.Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			t.Fatalf("decode broker message: %v", err)
		}
		if msg.Matches != "change.userstory.change" {
			t.Errorf("routing key %q", msg.Matches)
		}
		if msg.SessionID == nil || *msg.SessionID != "sess-9" {
			t.Errorf("session id not forwarded: %v", msg.SessionID)
		}
		if _, ok := msg.Event.Change["subject"]; !ok {
			t.Errorf("broker change missing subject: %v", msg.Event.Change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broker message received")
	}

	task := claimNamed(t, q, webhooks.TaskDeliver)
	if task == nil {
		t.Fatal("no webhook delivery scheduled")
	}
	var dt webhooks.DeliveryTask
	if err := json.Unmarshal(task.Payload, &dt); err != nil {
		t.Fatalf("decode delivery task: %v", err)
	}
	if dt.TargetID != "t1" {
		t.Errorf("target %q", dt.TargetID)
	}
	wantDedupe := "webhook:" + strconv.FormatInt(change.ID, 10) + ":t1"
	if dt.DedupeKey != wantDedupe {
		t.Errorf("dedupe key %q, want %q", dt.DedupeKey, wantDedupe)
	}
	var payload webhooks.Payload
	if err := json.Unmarshal(dt.Body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Action != "change" || payload.Type != "userstory" {
		t.Errorf("payload action/type %s/%s", payload.Action, payload.Type)
	}
	if payload.Data["subject"] != "B" {
		t.Errorf("payload data not the current snapshot: %v", payload.Data)
	}
	if payload.Change == nil || len(payload.Change.Comments) != 1 {
		t.Errorf("payload change incomplete: %+v", payload.Change)
	}

	if len(st.pending) != 0 {
		t.Errorf("record not deleted after firing: %+v", st.pending)
	}
}

func TestFireRecipientEnqueuesEmailTask(t *testing.T) {
	st := newFakeStore()
	d, q, _ := newTestDispatcher(t, st)

	_, change := seedStoryBurst(st)
	seedPending(st, 2, history.TypeChange, []int64{change.ID}, time.Now().Add(-time.Second))

	d.dispatchDue(context.Background())

	task := claimNamed(t, q, TaskEmail)
	if task == nil {
		t.Fatal("no email task scheduled")
	}
	var et EmailTask
	if err := json.Unmarshal(task.Payload, &et); err != nil {
		t.Fatalf("decode email task: %v", err)
	}
	if et.RecipientID != 2 || et.EntityKey != "userstory:5" || et.FirstEntryID != change.ID {
		t.Errorf("unexpected task %+v", et)
	}
	if len(st.pending) != 0 {
		t.Error("record not deleted after firing")
	}
}

func TestActorOnlyHiddenBurstIsDropped(t *testing.T) {
	st := newFakeStore()
	d, q, _ := newTestDispatcher(t, st)

	seedEntry(st, store.HistoryEntry{
		EntityKey: "userstory:5", ProjectID: 10, Type: history.TypeCreate,
		ActorID: 1, IsAnchor: true, Snapshot: history.Snapshot{"ref": 42, "subject": "A"},
	})
	hidden := seedEntry(st, store.HistoryEntry{
		EntityKey: "userstory:5", ProjectID: 10, Type: history.TypeChange,
		ActorID: 1, Diff: history.Diff{"backlog_order": history.Change{1, 2}}, IsHidden: true,
	})
	seedPending(st, 1, history.TypeChange, []int64{hidden.ID}, time.Now().Add(-time.Second))

	d.dispatchDue(context.Background())

	if task := claimNamed(t, q, TaskEmail); task != nil {
		t.Error("actor should not be emailed about an all-hidden burst of their own")
	}
	if len(st.pending) != 0 {
		t.Error("dropped record must still be deleted")
	}
}

func TestStaleRecordDeletedWithoutFiring(t *testing.T) {
	st := newFakeStore()
	d, q, _ := newTestDispatcher(t, st)

	seedPending(st, 2, history.TypeChange, []int64{999}, time.Now().Add(-time.Second))
	d.dispatchDue(context.Background())

	if task := claimNamed(t, q, TaskEmail); task != nil {
		t.Error("record with no surviving entries produced a task")
	}
	if len(st.pending) != 0 {
		t.Error("stale record not cleaned up")
	}
}

func TestOverdueRecordsFireInDueOrder(t *testing.T) {
	st := newFakeStore()
	d, _, _ := newTestDispatcher(t, st)

	_, change := seedStoryBurst(st)
	later := seedPending(st, 2, history.TypeChange, []int64{change.ID}, time.Now().Add(-5*time.Minute))
	earlier := seedPending(st, 3, history.TypeChange, []int64{change.ID}, time.Now().Add(-10*time.Minute))

	d.dispatchDue(context.Background())

	if len(st.firedOrder) != 2 {
		t.Fatalf("expected both records fired, got %v", st.firedOrder)
	}
	if st.firedOrder[0] != earlier.ID || st.firedOrder[1] != later.ID {
		t.Errorf("fired %v, want oldest due first [%d %d]", st.firedOrder, earlier.ID, later.ID)
	}
}

func TestEntryAppendedDuringFireIsNotLost(t *testing.T) {
	st := newFakeStore()
	d, q, _ := newTestDispatcher(t, st)

	_, change := seedStoryBurst(st)
	seedPending(st, 2, history.TypeChange, []int64{change.ID}, time.Now().Add(-time.Second))

	// A new entry joins the overdue record after the scan snapshot but
	// before the record is retired.
	var late store.HistoryEntry
	st.afterDue = func() {
		st.afterDue = nil
		late = seedEntry(st, store.HistoryEntry{
			EntityKey: "userstory:5", ProjectID: 10, Type: history.TypeChange,
			ActorID: 1, Diff: history.Diff{"subject": history.Change{"B", "C"}},
		})
		_ = st.UpsertPending(context.Background(), store.PendingUpdate{
			EntityKey: "userstory:5", ProjectID: 10, RecipientID: 2,
			Type: history.TypeChange, EntryID: late.ID, ActorID: 1,
			DueAt: time.Now().Add(-time.Second),
		})
	}

	d.dispatchDue(context.Background())

	task := claimNamed(t, q, TaskEmail)
	if task == nil {
		t.Fatal("no email task for the scanned burst")
	}
	var first EmailTask
	if err := json.Unmarshal(task.Payload, &first); err != nil {
		t.Fatalf("decode email task: %v", err)
	}
	if len(first.EntryIDs) != 1 || first.EntryIDs[0] != change.ID {
		t.Errorf("first firing should cover only the scanned entries, got %v", first.EntryIDs)
	}

	// The record survives, trimmed to the unfired entry.
	if len(st.pending) != 1 {
		t.Fatalf("record with an unfired entry must not be deleted, pending = %+v", st.pending)
	}
	p := st.pending[0]
	if len(p.EntryIDs) != 1 || p.EntryIDs[0] != late.ID || p.FirstEntryID != late.ID {
		t.Fatalf("record should hold only the late entry, got %+v", p)
	}

	// Next poll delivers the residue under a fresh dedupe key.
	d.dispatchDue(context.Background())
	task = claimNamed(t, q, TaskEmail)
	if task == nil {
		t.Fatal("late entry never fired")
	}
	var second EmailTask
	if err := json.Unmarshal(task.Payload, &second); err != nil {
		t.Fatalf("decode email task: %v", err)
	}
	if len(second.EntryIDs) != 1 || second.EntryIDs[0] != late.ID || second.FirstEntryID != late.ID {
		t.Errorf("second firing should cover the late entry, got %+v", second)
	}
	if len(st.pending) != 0 {
		t.Errorf("fully fired record should be gone, pending = %+v", st.pending)
	}
}

func TestMailerBuildsChangeData(t *testing.T) {
	st := newFakeStore()
	svc := email.NewService(email.Config{
		Host: "smtp.example.com", Port: "25",
		From: "no-reply@example.com", FromName: "Backlog",
		SiteDomain: "backlog.example.com",
	})
	m := NewMailer(st, svc)

	_, change := seedStoryBurst(st)
	data, err := m.buildChangeData(context.Background(), EmailTask{
		RecipientID:  2,
		EntityKey:    "userstory:5",
		ProjectID:    10,
		Type:         history.TypeChange,
		ActorID:      1,
		FirstEntryID: change.ID,
		EntryIDs:     []int64{change.ID},
	})
	if err != nil {
		t.Fatalf("buildChangeData failed: %v", err)
	}

	if data.ProjectName != "Backlog" || data.ProjectSlug != "backlog" {
		t.Errorf("project %s/%s", data.ProjectName, data.ProjectSlug)
	}
	if data.ActorName != "Ana" || data.Action != "changed" {
		t.Errorf("actor/action %s/%s", data.ActorName, data.Action)
	}
	if data.EntityRef != 42 || data.Subject != "B" {
		t.Errorf("ref/subject %d/%s", data.EntityRef, data.Subject)
	}
	if data.EntryID != change.ID {
		t.Errorf("thread anchor entry %d, want %d", data.EntryID, change.ID)
	}
	if len(data.Fields) != 1 || data.Fields[0].Name != "subject" || data.Fields[0].From != "A" || data.Fields[0].To != "B" {
		t.Errorf("fields %+v", data.Fields)
	}
	if len(data.Comments) != 1 || data.Comments[0] != "looks better" {
		t.Errorf("comments %v", data.Comments)
	}
}

func TestMailerSkipsWhenUnconfigured(t *testing.T) {
	st := newFakeStore()
	m := NewMailer(st, email.NewService(email.Config{}))

	raw, _ := json.Marshal(EmailTask{RecipientID: 2, EntityKey: "userstory:5"})
	if err := m.Handle(context.Background(), raw); err != nil {
		t.Fatalf("unconfigured mailer should no-op, got %v", err)
	}
}
