package history

import (
	"sort"
	"time"
)

// Change is a [old, new] pair for one field.
type Change [2]any

func (c Change) Old() any { return c[0] }
func (c Change) New() any { return c[1] }

// Diff maps field names to their [old, new] values. List-valued fields carry
// the full old and new lists; consumers compute added/removed membership.
type Diff map[string]Change

// Fields returns the changed field names in sorted order.
func (d Diff) Fields() []string {
	fields := make([]string, 0, len(d))
	for f := range d {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// MakeDiff computes the structural diff between two snapshots. A nil old
// snapshot (entity creation) yields an empty diff: the create entry carries
// the full snapshot instead.
func MakeDiff(old, new Snapshot) Diff {
	diff := Diff{}
	if old == nil {
		return diff
	}
	fields := make([]string, 0, len(new))
	for f := range new {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		oldV, newV := old[f], new[f]
		if canonical(oldV) != canonical(newV) {
			diff[f] = Change{oldV, newV}
		}
	}
	return diff
}

// IsHidden decides whether an entry produced no user-visible change. Hidden
// entries are still stored to keep the causal record, but feed queries skip
// them.
func IsHidden(kind Kind, diff Diff, comment string) bool {
	if comment != "" {
		return false
	}
	if len(diff) == 0 {
		return true
	}
	for f := range diff {
		if !isUnimportant(kind, f) {
			return false
		}
	}
	return true
}

// Apply folds a diff into a snapshot, returning the updated snapshot. The
// receiver is not modified.
func (s Snapshot) Apply(diff Diff) Snapshot {
	out := s.Clone()
	if out == nil {
		out = Snapshot{}
	}
	for f, ch := range diff {
		out[f] = ch.New()
	}
	return out
}

// Rebuild replays diffs forward over an anchor snapshot.
func Rebuild(anchor Snapshot, diffs []Diff) Snapshot {
	out := anchor.Clone()
	for _, d := range diffs {
		out = out.Apply(d)
	}
	return out
}

// NeedsAnchor implements the anchor rule: the first entry of an entity, any
// delete entry, and entries whose last anchor is more than `every` entries
// or `maxAge` old all carry a full snapshot.
func NeedsAnchor(entryType EntryType, hasAnchor bool, entriesSinceAnchor int, lastAnchorAt time.Time, now time.Time, every int, maxAge time.Duration) bool {
	if !hasAnchor || entryType == TypeDelete {
		return true
	}
	if every > 0 && entriesSinceAnchor >= every {
		return true
	}
	if maxAge > 0 && now.Sub(lastAnchorAt) >= maxAge {
		return true
	}
	return false
}
