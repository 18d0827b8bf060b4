package history

// Coalesced notifications merge a burst of entries into one payload. Fields
// with a squashing algorithm collapse to first-old/last-new; fields below
// pass through unmerged because intermediate values matter for rendering.
var nonSquashableFields = map[string]bool{
	"description":  true,
	"content":      true,
	"blocked_note": true,
	"watchers":     true,
	"attachments":  true,
}

// SquashEntry is the slice of a history entry that survives coalescing.
type SquashEntry struct {
	Comment string
	Diff    Diff
}

func isSquashable(kind Kind, field string) bool {
	return !nonSquashableFields[field] && !isUnimportant(kind, field)
}

// Squash summarizes an ordered burst of entries. Entries carrying a comment
// are kept whole and in place. Comment-less diffs are split per field:
// unimportant fields are dropped, non-squashable fields pass through in
// order, and squashable fields collapse to a single [first old, last new]
// change, omitted entirely when the values come back around to equal.
func Squash(kind Kind, entries []SquashEntry) []SquashEntry {
	var out []SquashEntry
	type span struct {
		first Change
		last  Change
	}
	grouped := map[string]*span{}
	var groupedOrder []string

	for _, entry := range entries {
		if entry.Comment != "" {
			out = append(out, entry)
			continue
		}
		for _, field := range entry.Diff.Fields() {
			ch := entry.Diff[field]
			if isUnimportant(kind, field) {
				continue
			}
			if !isSquashable(kind, field) {
				out = append(out, SquashEntry{Diff: Diff{field: ch}})
				continue
			}
			g, ok := grouped[field]
			if !ok {
				grouped[field] = &span{first: ch, last: ch}
				groupedOrder = append(groupedOrder, field)
				continue
			}
			g.last = ch
		}
	}

	for _, field := range groupedOrder {
		g := grouped[field]
		from, to := g.first.Old(), g.last.New()
		if canonical(from) == canonical(to) {
			continue
		}
		out = append(out, SquashEntry{Diff: Diff{field: Change{from, to}}})
	}

	return out
}

// Union flattens a burst into a single payload diff plus the comments in
// their original order. A field appearing more than once keeps its earliest
// old and latest new value. The merge walks the raw entries, not the
// squashed form: Squash regroups entries, and merging regrouped spans into
// comment-entry diffs would pair the wrong endpoints.
func Union(kind Kind, entries []SquashEntry) (Diff, []string) {
	diff := Diff{}
	var comments []string
	for _, entry := range entries {
		if entry.Comment != "" {
			comments = append(comments, entry.Comment)
		}
		for _, field := range entry.Diff.Fields() {
			ch := entry.Diff[field]
			if isUnimportant(kind, field) {
				continue
			}
			if prev, ok := diff[field]; ok {
				diff[field] = Change{prev.Old(), ch.New()}
				continue
			}
			diff[field] = ch
		}
	}
	for field, ch := range diff {
		if isSquashable(kind, field) && canonical(ch.Old()) == canonical(ch.New()) {
			delete(diff, field)
		}
	}
	return diff, comments
}
