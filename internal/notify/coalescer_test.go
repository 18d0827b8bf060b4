package notify

import (
	"context"
	"testing"
	"time"

	"backlog/api/internal/history"
	"backlog/api/internal/store"
)

type fakeCoalesceStore struct {
	upserts []store.PendingUpdate
	flushed []string
	due     []store.PendingNotification
}

func (s *fakeCoalesceStore) UpsertPending(_ context.Context, u store.PendingUpdate) error {
	s.upserts = append(s.upserts, u)
	return nil
}

func (s *fakeCoalesceStore) FlushPendingForEntity(_ context.Context, entityKey string, _ time.Time) error {
	s.flushed = append(s.flushed, entityKey)
	return nil
}

func (s *fakeCoalesceStore) DuePending(_ context.Context, _ time.Time, _ int) ([]store.PendingNotification, error) {
	return s.due, nil
}

func TestAddWritesEventRecordAndRecipients(t *testing.T) {
	st := &fakeCoalesceStore{}
	c := NewCoalescer(st, 2*time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	entry := store.HistoryEntry{
		ID: 7, EntityKey: "userstory:5", ProjectID: 10,
		Type: history.TypeChange, ActorID: 1,
	}
	recipients := []store.User{{ID: 2}, {ID: 3}}
	if err := c.Add(context.Background(), entry, recipients, "sess-1"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if len(st.upserts) != 3 {
		t.Fatalf("expected 3 pending upserts, got %d", len(st.upserts))
	}
	if st.upserts[0].RecipientID != 0 {
		t.Errorf("first upsert should be the event record, got recipient %d", st.upserts[0].RecipientID)
	}
	if st.upserts[1].RecipientID != 2 || st.upserts[2].RecipientID != 3 {
		t.Errorf("recipient upserts %d, %d", st.upserts[1].RecipientID, st.upserts[2].RecipientID)
	}
	for _, u := range st.upserts {
		if !u.DueAt.Equal(now.Add(2 * time.Minute)) {
			t.Errorf("due at %v, expected window end", u.DueAt)
		}
		if u.EntryID != 7 || u.SessionID != "sess-1" || u.ActorID != 1 {
			t.Errorf("unexpected upsert %+v", u)
		}
	}
	if len(st.flushed) != 0 {
		t.Errorf("change entry should not flush pending records")
	}
}

func TestAddDeleteFlushesAndFiresImmediately(t *testing.T) {
	st := &fakeCoalesceStore{}
	c := NewCoalescer(st, 2*time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	entry := store.HistoryEntry{
		ID: 9, EntityKey: "userstory:5", ProjectID: 10,
		Type: history.TypeDelete, ActorID: 1,
	}
	if err := c.Add(context.Background(), entry, []store.User{{ID: 2}}, ""); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if len(st.flushed) != 1 || st.flushed[0] != "userstory:5" {
		t.Fatalf("expected a flush for the entity, got %v", st.flushed)
	}
	for _, u := range st.upserts {
		if !u.DueAt.Equal(now) {
			t.Errorf("delete pending due at %v, expected immediately", u.DueAt)
		}
	}
}

func TestDuePassesThrough(t *testing.T) {
	st := &fakeCoalesceStore{due: []store.PendingNotification{{ID: 1}, {ID: 2}}}
	c := NewCoalescer(st, time.Minute)

	got, err := c.Due(context.Background(), 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 due records, got %d", len(got))
	}
}
