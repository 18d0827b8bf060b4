// Package history implements snapshotting, diffing and replay for tracked
// domain entities. Snapshots and diffs are pure values; persistence lives in
// the store package.
package history

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindUserStory Kind = "userstory"
	KindTask      Kind = "task"
	KindIssue     Kind = "issue"
	KindWikiPage  Kind = "wikipage"
	KindMilestone Kind = "milestone"
)

// EntryType classifies a history entry.
type EntryType int

const (
	TypeChange EntryType = 1
	TypeCreate EntryType = 2
	TypeDelete EntryType = 3
)

func (t EntryType) String() string {
	switch t {
	case TypeCreate:
		return "create"
	case TypeDelete:
		return "delete"
	default:
		return "change"
	}
}

// Ref is a foreign identity rendered into a snapshot.
type Ref struct {
	ID      int64  `json:"id"`
	Display string `json:"name"`
}

// Entity is the tracked view of a domain object handed to the pipeline by
// the mutating caller. Fields holds the raw values for the tracked fields of
// the entity's kind; anything not declared in the descriptor table is
// ignored.
type Entity struct {
	Kind      Kind
	ID        int64
	ProjectID int64
	Ref       int
	Fields    map[string]any
}

func (e Entity) Key() string {
	return EntityKey(e.Kind, e.ID)
}

// EntityKey builds the stable "kind:id" identity used across history,
// watchers and coalescing tables.
func EntityKey(kind Kind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// SplitKey is the inverse of EntityKey.
func SplitKey(key string) (Kind, int64, error) {
	kind, rawID, ok := strings.Cut(key, ":")
	if !ok {
		return "", 0, fmt.Errorf("malformed entity key %q", key)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed entity key %q: %w", key, err)
	}
	return Kind(kind), id, nil
}
