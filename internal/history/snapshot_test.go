package history

import (
	"testing"
	"time"
)

func taskEntity(id int64, fields map[string]any) Entity {
	return Entity{Kind: KindTask, ID: id, ProjectID: 1, Ref: 42, Fields: fields}
}

func TestFreezeUnknownKind(t *testing.T) {
	_, err := Freeze(Entity{Kind: "sprintcar", ID: 1})
	if err == nil {
		t.Fatal("expected error for unknown kind, got nil")
	}
}

func TestFreezeNormalizesMissingFields(t *testing.T) {
	snap, err := Freeze(taskEntity(1, map[string]any{
		"subject": "A",
	}))
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	if snap["subject"] != "A" {
		t.Errorf("expected subject A, got %v", snap["subject"])
	}
	if snap["description"] != "" {
		t.Errorf("expected empty description, got %v", snap["description"])
	}
	if tags, ok := snap["tags"].([]string); !ok || len(tags) != 0 {
		t.Errorf("expected empty tag list, got %v", snap["tags"])
	}
	if snap["assigned_to"] != nil {
		t.Errorf("expected nil assigned_to, got %v", snap["assigned_to"])
	}
}

func TestFreezeSortsTags(t *testing.T) {
	snap, err := Freeze(taskEntity(1, map[string]any{
		"tags": []string{"web", "api", "bug"},
	}))
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	tags := snap["tags"].([]string)
	want := []string{"api", "bug", "web"}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("expected tags %v, got %v", want, tags)
		}
	}
}

func TestFreezeClearsBlockedNoteOnUnblock(t *testing.T) {
	snap, err := Freeze(taskEntity(1, map[string]any{
		"is_blocked":   false,
		"blocked_note": "waiting on design",
	}))
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	if snap["blocked_note"] != "" {
		t.Errorf("expected blocked_note cleared on unblock, got %q", snap["blocked_note"])
	}

	snap, err = Freeze(taskEntity(1, map[string]any{
		"is_blocked":   true,
		"blocked_note": "waiting on design",
	}))
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	if snap["blocked_note"] != "waiting on design" {
		t.Errorf("expected blocked_note kept while blocked, got %q", snap["blocked_note"])
	}
}

func TestFreezeRejectsWrongShape(t *testing.T) {
	_, err := Freeze(taskEntity(1, map[string]any{
		"status": "open", // refs must be Ref values
	}))
	if err == nil {
		t.Fatal("expected invariant error for scalar in ref field, got nil")
	}
}

func TestMakeDiffScalarChange(t *testing.T) {
	old, _ := Freeze(taskEntity(1, map[string]any{"subject": "A"}))
	new, _ := Freeze(taskEntity(1, map[string]any{"subject": "B"}))
	diff := MakeDiff(old, new)
	if len(diff) != 1 {
		t.Fatalf("expected 1 changed field, got %d: %v", len(diff), diff)
	}
	ch, ok := diff["subject"]
	if !ok {
		t.Fatal("expected subject in diff")
	}
	if ch.Old() != "A" || ch.New() != "B" {
		t.Errorf("expected [A B], got [%v %v]", ch.Old(), ch.New())
	}
}

func TestMakeDiffRefChange(t *testing.T) {
	old, _ := Freeze(taskEntity(1, map[string]any{"assigned_to": Ref{ID: 7, Display: "ana"}}))
	new, _ := Freeze(taskEntity(1, map[string]any{"assigned_to": Ref{ID: 9, Display: "bob"}}))
	diff := MakeDiff(old, new)
	if _, ok := diff["assigned_to"]; !ok {
		t.Fatalf("expected assigned_to in diff, got %v", diff)
	}
}

func TestMakeDiffEmptyOnNoChange(t *testing.T) {
	s1, _ := Freeze(taskEntity(1, map[string]any{"subject": "A", "tags": []string{"x", "y"}}))
	s2, _ := Freeze(taskEntity(1, map[string]any{"subject": "A", "tags": []string{"y", "x"}}))
	diff := MakeDiff(s1, s2)
	if len(diff) != 0 {
		t.Errorf("expected empty diff, got %v", diff)
	}
}

func TestMakeDiffOnCreate(t *testing.T) {
	snap, _ := Freeze(taskEntity(1, map[string]any{"subject": "A"}))
	diff := MakeDiff(nil, snap)
	if len(diff) != 0 {
		t.Errorf("create should produce an empty diff, got %v", diff)
	}
}

func TestIsHidden(t *testing.T) {
	cases := []struct {
		name    string
		diff    Diff
		comment string
		want    bool
	}{
		{"empty diff no comment", Diff{}, "", true},
		{"empty diff with comment", Diff{}, "hi", false},
		{"real change", Diff{"subject": Change{"A", "B"}}, "", false},
		{"only ordering change", Diff{"us_order": Change{1, 2}}, "", true},
		{"ordering plus real change", Diff{"us_order": Change{1, 2}, "subject": Change{"A", "B"}}, "", false},
	}
	for _, tc := range cases {
		if got := IsHidden(KindTask, tc.diff, tc.comment); got != tc.want {
			t.Errorf("%s: expected hidden=%v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestSnapshotEqualAfterJSONRoundTrip(t *testing.T) {
	snap, _ := Freeze(taskEntity(1, map[string]any{
		"subject":     "A",
		"status":      Ref{ID: 1, Display: "New"},
		"tags":        []string{"bug"},
		"us_order":    3,
		"is_blocked":  true,
		"description": "text",
	}))
	clone := snap.Clone()
	if !snap.Equal(clone) {
		t.Error("snapshot should equal its JSON round-trip clone")
	}
	diff := MakeDiff(clone, snap)
	if len(diff) != 0 {
		t.Errorf("round-trip clone should diff empty, got %v", diff)
	}
}

func TestRebuildReplaysDiffsForward(t *testing.T) {
	states := []map[string]any{
		{"subject": "A"},
		{"subject": "B"},
		{"subject": "B", "is_blocked": true, "blocked_note": "stuck"},
		{"subject": "C", "is_blocked": false, "blocked_note": "stuck"},
	}

	var anchor Snapshot
	var prev Snapshot
	var diffs []Diff
	var last Snapshot
	for i, fields := range states {
		snap, err := Freeze(taskEntity(1, fields))
		if err != nil {
			t.Fatalf("Freeze %d failed: %v", i, err)
		}
		if i == 0 {
			anchor = snap
		} else {
			diffs = append(diffs, MakeDiff(prev, snap))
		}
		prev = snap
		last = snap
	}

	rebuilt := Rebuild(anchor, diffs)
	if !rebuilt.Equal(last) {
		t.Errorf("rebuilt state differs from final snapshot:\n got %v\nwant %v", rebuilt, last)
	}
}

func TestNeedsAnchor(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Hour)
	old := now.Add(-31 * 24 * time.Hour)

	if !NeedsAnchor(TypeCreate, false, 0, time.Time{}, now, 20, 30*24*time.Hour) {
		t.Error("first entry must be an anchor")
	}
	if !NeedsAnchor(TypeDelete, true, 1, recent, now, 20, 30*24*time.Hour) {
		t.Error("delete entries always carry a snapshot")
	}
	if NeedsAnchor(TypeChange, true, 5, recent, now, 20, 30*24*time.Hour) {
		t.Error("recent anchor with few entries should not re-anchor")
	}
	if !NeedsAnchor(TypeChange, true, 20, recent, now, 20, 30*24*time.Hour) {
		t.Error("entry count threshold should force an anchor")
	}
	if !NeedsAnchor(TypeChange, true, 2, old, now, 20, 30*24*time.Hour) {
		t.Error("age threshold should force an anchor")
	}
}
