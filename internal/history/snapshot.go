package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvariant marks failures that can only come from a programming error
// (unknown kind, value of the wrong shape for its descriptor). Callers must
// abort the mutation when they see it.
var ErrInvariant = errors.New("history invariant violation")

// Snapshot is the full tracked state of an entity at a point in time.
// Values are JSON-generic so snapshots read back from storage compare equal
// to freshly frozen ones.
type Snapshot map[string]any

// Freeze captures the tracked fields of an entity into a normalized
// snapshot. Missing fields freeze to their zero value; fields not declared
// in the descriptor table are ignored.
func Freeze(e Entity) (Snapshot, error) {
	descs := trackedFields[e.Kind]
	if descs == nil {
		return nil, fmt.Errorf("%w: no tracked fields for kind %q", ErrInvariant, e.Kind)
	}

	snap := make(Snapshot, len(descs))
	for _, d := range descs {
		v, err := normalizeField(d, e.Fields[d.Name])
		if err != nil {
			return nil, err
		}
		snap[d.Name] = v
	}

	// Unblocking an entity clears its blocked note.
	if blocked, ok := snap["is_blocked"].(bool); ok && !blocked {
		if _, tracked := snap["blocked_note"]; tracked {
			snap["blocked_note"] = ""
		}
	}

	return snap, nil
}

func normalizeField(d FieldDescriptor, v any) (any, error) {
	switch d.Type {
	case FieldText:
		if v == nil {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: field %q expects text, got %T", ErrInvariant, d.Name, v)
		}
		return s, nil

	case FieldRef:
		if v == nil {
			return nil, nil
		}
		switch ref := v.(type) {
		case Ref:
			return ref, nil
		case *Ref:
			if ref == nil {
				return nil, nil
			}
			return *ref, nil
		default:
			return nil, fmt.Errorf("%w: field %q expects a reference, got %T", ErrInvariant, d.Name, v)
		}

	case FieldRefList:
		if v == nil {
			return []Ref{}, nil
		}
		refs, ok := v.([]Ref)
		if !ok {
			return nil, fmt.Errorf("%w: field %q expects a reference list, got %T", ErrInvariant, d.Name, v)
		}
		out := make([]Ref, 0, len(refs))
		out = append(out, refs...)
		return out, nil

	case FieldTags:
		if v == nil {
			return []string{}, nil
		}
		tags, ok := v.([]string)
		if !ok {
			return nil, fmt.Errorf("%w: field %q expects tags, got %T", ErrInvariant, d.Name, v)
		}
		out := make([]string, len(tags))
		copy(out, tags)
		sort.Strings(out)
		return out, nil

	default: // FieldScalar
		return v, nil
	}
}

// canonical renders a value as deterministic JSON for comparison. Map keys
// are sorted by encoding/json, so any two values with the same JSON shape
// compare equal regardless of their Go types.
func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Snapshots only hold JSON-encodable values; anything else is a bug
		// in normalizeField.
		panic(fmt.Sprintf("history: unencodable snapshot value: %v", err))
	}
	return string(b)
}

// Equal reports whether two snapshots carry the same tracked state.
func (s Snapshot) Equal(other Snapshot) bool {
	return canonical(s) == canonical(other)
}

// Clone deep-copies a snapshot through its JSON form.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	var out Snapshot
	if err := json.Unmarshal([]byte(canonical(s)), &out); err != nil {
		panic(fmt.Sprintf("history: clone: %v", err))
	}
	return out
}
