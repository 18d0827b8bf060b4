package store

import (
	"encoding/json"
	"time"

	"backlog/api/internal/history"
)

type User struct {
	ID               int64
	Username         string
	FullName         string
	Email            string
	IsActive         bool
	IsSystem         bool
	NotifyOwnChanges bool
}

type Project struct {
	ID   int64
	Name string
	Slug string
}

type Membership struct {
	ProjectID int64
	UserID    int64
	IsAdmin   bool
}

// NotifyLevel is the per (user, project) watch policy.
type NotifyLevel string

const (
	NotifyAll      NotifyLevel = "all"
	NotifyInvolved NotifyLevel = "involved"
	NotifyNone     NotifyLevel = "none"
)

// CommentVersion is one prior comment body, kept after every edit.
type CommentVersion struct {
	Text     string    `json:"text"`
	EditedBy int64     `json:"edited_by"`
	EditedAt time.Time `json:"edited_at"`
}

type HistoryEntry struct {
	ID        int64
	EntityKey string
	ProjectID int64
	Type      history.EntryType
	ActorID   int64
	ActorName string
	CreatedAt time.Time
	EditedAt  *time.Time

	Diff     history.Diff
	Snapshot history.Snapshot // present iff IsAnchor
	IsAnchor bool

	Comment         string
	CommentHTML     string
	CommentVersions []CommentVersion

	IsHidden    bool
	DeletedAt   *time.Time
	DeletedByID *int64
}

// PendingNotification is a durable coalescing record. RecipientID 0 marks
// the per-entity event record that drives the broker/webhook fanout; every
// other row is one recipient's pending email.
type PendingNotification struct {
	ID           int64
	EntityKey    string
	ProjectID    int64
	RecipientID  int64
	Type         history.EntryType
	FirstEntryID int64
	LastEntryID  int64
	EntryIDs     []int64
	ActorID      int64
	SessionID    string
	CreatedAt    time.Time
	DueAt        time.Time
}

type WebhookTarget struct {
	ID        string
	ProjectID int64
	URL       string
	SecretKey string
	Name      string
	CreatedAt time.Time
}

type WebhookLog struct {
	ID              int64
	TargetID        string
	CreatedAt       time.Time
	URL             string
	StatusCode      int
	RequestHeaders  map[string]string
	RequestBody     string
	ResponseHeaders map[string]string
	ResponseBody    string
	DurationMS      int64
}

type TimelineEntry struct {
	ID        int64
	Namespace string
	EventType string
	ProjectID int64
	Data      json.RawMessage
	CreatedAt time.Time
}
