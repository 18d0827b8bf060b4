package history

import "testing"

func TestSquashRapidEdits(t *testing.T) {
	// subject A→B, then B→C, then a comment.
	entries := []SquashEntry{
		{Diff: Diff{"subject": Change{"A", "B"}}},
		{Diff: Diff{"subject": Change{"B", "C"}}},
		{Comment: "hi"},
	}

	diff, comments := Union(KindTask, entries)
	ch, ok := diff["subject"]
	if !ok {
		t.Fatalf("expected subject in coalesced diff, got %v", diff)
	}
	if ch.Old() != "A" || ch.New() != "C" {
		t.Errorf("expected subject [A C], got [%v %v]", ch.Old(), ch.New())
	}
	if len(comments) != 1 || comments[0] != "hi" {
		t.Errorf("expected comments [hi], got %v", comments)
	}
}

func TestSquashDropsRoundTrippedField(t *testing.T) {
	entries := []SquashEntry{
		{Diff: Diff{"subject": Change{"A", "B"}}},
		{Diff: Diff{"subject": Change{"B", "A"}}},
	}
	out := Squash(KindTask, entries)
	if len(out) != 0 {
		t.Errorf("A→B→A should squash to nothing, got %v", out)
	}
}

func TestSquashKeepsCommentEntriesInPlace(t *testing.T) {
	entries := []SquashEntry{
		{Comment: "first", Diff: Diff{"subject": Change{"A", "B"}}},
		{Diff: Diff{"subject": Change{"B", "C"}}},
		{Comment: "second"},
	}
	out := Squash(KindTask, entries)
	if len(out) != 3 {
		t.Fatalf("expected 3 entries, got %d: %v", len(out), out)
	}
	if out[0].Comment != "first" || out[1].Comment != "second" {
		t.Errorf("comment entries should pass through in order, got %v", out)
	}
}

func TestSquashNonSquashableFieldsPassThrough(t *testing.T) {
	entries := []SquashEntry{
		{Diff: Diff{"description": Change{"one", "two"}}},
		{Diff: Diff{"description": Change{"two", "three"}}},
	}
	out := Squash(KindTask, entries)
	if len(out) != 2 {
		t.Fatalf("text-block diffs must not merge, got %v", out)
	}
}

func TestSquashDropsUnimportantFields(t *testing.T) {
	entries := []SquashEntry{
		{Diff: Diff{"us_order": Change{1, 2}, "subject": Change{"A", "B"}}},
		{Diff: Diff{"taskboard_order": Change{5, 6}}},
	}
	out := Squash(KindTask, entries)
	if len(out) != 1 {
		t.Fatalf("expected only the subject change to survive, got %v", out)
	}
	if _, ok := out[0].Diff["subject"]; !ok {
		t.Errorf("expected subject change, got %v", out[0].Diff)
	}
}

func TestUnionMergesFieldsInsideCommentEntries(t *testing.T) {
	// The second edit lands together with a comment; its field change must
	// still merge in burst order.
	entries := []SquashEntry{
		{Diff: Diff{"subject": Change{"A", "B"}}},
		{Comment: "hi", Diff: Diff{"subject": Change{"B", "C"}}},
	}
	diff, comments := Union(KindUserStory, entries)
	if ch := diff["subject"]; ch.Old() != "A" || ch.New() != "C" {
		t.Errorf("expected subject [A C], got [%v %v]", ch.Old(), ch.New())
	}
	if len(comments) != 1 || comments[0] != "hi" {
		t.Errorf("expected comments [hi], got %v", comments)
	}
}

func TestUnionDropsFieldRoundTrippedAcrossCommentEntry(t *testing.T) {
	entries := []SquashEntry{
		{Diff: Diff{"subject": Change{"A", "B"}}},
		{Comment: "reverting", Diff: Diff{"subject": Change{"B", "A"}}},
	}
	diff, comments := Union(KindTask, entries)
	if _, ok := diff["subject"]; ok {
		t.Errorf("A→B→A should vanish from the union diff, got %v", diff)
	}
	if len(comments) != 1 {
		t.Errorf("comment must survive even when the diff cancels out, got %v", comments)
	}
}

func TestUnionMergesMixedFields(t *testing.T) {
	entries := []SquashEntry{
		{Diff: Diff{"subject": Change{"A", "B"}, "is_blocked": Change{false, true}}},
		{Diff: Diff{"subject": Change{"B", "C"}}},
	}
	diff, comments := Union(KindTask, entries)
	if len(comments) != 0 {
		t.Errorf("expected no comments, got %v", comments)
	}
	if ch := diff["subject"]; ch.Old() != "A" || ch.New() != "C" {
		t.Errorf("expected subject [A C], got %v", ch)
	}
	if ch := diff["is_blocked"]; ch.Old() != false || ch.New() != true {
		t.Errorf("expected is_blocked [false true], got %v", ch)
	}
}
