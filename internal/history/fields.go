package history

type FieldType int

const (
	FieldScalar FieldType = iota
	FieldText
	FieldRef
	FieldRefList
	FieldTags
)

// FieldDescriptor declares one tracked field of an entity kind. Unimportant
// fields (board ordering columns) do not make an entry user-visible on their
// own: a diff touching only unimportant fields is stored hidden.
type FieldDescriptor struct {
	Name        string
	Type        FieldType
	Unimportant bool
}

var trackedFields = map[Kind][]FieldDescriptor{
	KindUserStory: {
		{Name: "ref", Type: FieldScalar},
		{Name: "subject", Type: FieldScalar},
		{Name: "description", Type: FieldText},
		{Name: "status", Type: FieldRef},
		{Name: "owner", Type: FieldRef},
		{Name: "assigned_users", Type: FieldRefList},
		{Name: "milestone", Type: FieldRef},
		{Name: "is_closed", Type: FieldScalar},
		{Name: "client_requirement", Type: FieldScalar},
		{Name: "team_requirement", Type: FieldScalar},
		{Name: "is_blocked", Type: FieldScalar},
		{Name: "blocked_note", Type: FieldText},
		{Name: "tags", Type: FieldTags},
		{Name: "watchers", Type: FieldRefList},
		{Name: "backlog_order", Type: FieldScalar, Unimportant: true},
		{Name: "sprint_order", Type: FieldScalar, Unimportant: true},
		{Name: "kanban_order", Type: FieldScalar, Unimportant: true},
	},
	KindTask: {
		{Name: "ref", Type: FieldScalar},
		{Name: "subject", Type: FieldScalar},
		{Name: "description", Type: FieldText},
		{Name: "status", Type: FieldRef},
		{Name: "owner", Type: FieldRef},
		{Name: "assigned_to", Type: FieldRef},
		{Name: "milestone", Type: FieldRef},
		{Name: "user_story", Type: FieldRef},
		{Name: "is_iocaine", Type: FieldScalar},
		{Name: "is_blocked", Type: FieldScalar},
		{Name: "blocked_note", Type: FieldText},
		{Name: "tags", Type: FieldTags},
		{Name: "watchers", Type: FieldRefList},
		{Name: "taskboard_order", Type: FieldScalar, Unimportant: true},
		{Name: "us_order", Type: FieldScalar, Unimportant: true},
	},
	KindIssue: {
		{Name: "ref", Type: FieldScalar},
		{Name: "subject", Type: FieldScalar},
		{Name: "description", Type: FieldText},
		{Name: "status", Type: FieldRef},
		{Name: "priority", Type: FieldRef},
		{Name: "severity", Type: FieldRef},
		{Name: "type", Type: FieldRef},
		{Name: "owner", Type: FieldRef},
		{Name: "assigned_to", Type: FieldRef},
		{Name: "milestone", Type: FieldRef},
		{Name: "is_blocked", Type: FieldScalar},
		{Name: "blocked_note", Type: FieldText},
		{Name: "tags", Type: FieldTags},
		{Name: "watchers", Type: FieldRefList},
	},
	KindWikiPage: {
		{Name: "slug", Type: FieldScalar},
		{Name: "owner", Type: FieldRef},
		{Name: "content", Type: FieldText},
		{Name: "watchers", Type: FieldRefList},
	},
	KindMilestone: {
		{Name: "name", Type: FieldScalar},
		{Name: "slug", Type: FieldScalar},
		{Name: "owner", Type: FieldRef},
		{Name: "estimated_start", Type: FieldScalar},
		{Name: "estimated_finish", Type: FieldScalar},
		{Name: "closed", Type: FieldScalar},
	},
}

// TrackedFields returns the descriptor table for a kind, or nil for an
// unknown kind.
func TrackedFields(kind Kind) []FieldDescriptor {
	return trackedFields[kind]
}

func isUnimportant(kind Kind, field string) bool {
	for _, d := range trackedFields[kind] {
		if d.Name == field {
			return d.Unimportant
		}
	}
	return false
}
