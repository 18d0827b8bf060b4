// Package mentions extracts @username references from comment text and
// resolves them against the user directory.
package mentions

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"backlog/api/internal/store"
)

// A mention is an @ followed by a username, not glued to a preceding word
// character, dot, underscore or hyphen (so email addresses don't match).
var mentionRe = regexp.MustCompile(`(?:^|[^\w.\-])@([A-Za-z][A-Za-z0-9]+)`)

// Directory resolves usernames case-insensitively to canonical users.
type Directory interface {
	UsersByUsernames(ctx context.Context, usernames []string) ([]store.User, error)
}

// Extract returns the candidate usernames referenced in text, deduplicated
// case-insensitively in order of first appearance.
func Extract(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, match := range mentionRe.FindAllStringSubmatch(text, -1) {
		name := match[1]
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	return out
}

type Extractor struct {
	dir Directory
}

func NewExtractor(dir Directory) *Extractor {
	return &Extractor{dir: dir}
}

// Mentions resolves the users mentioned in a comment. Unknown usernames are
// dropped without error; known ones come back in their canonical form.
func (e *Extractor) Mentions(ctx context.Context, text string) ([]store.User, error) {
	names := Extract(text)
	if len(names) == 0 {
		return nil, nil
	}
	users, err := e.dir.UsersByUsernames(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("resolve mentions: %w", err)
	}
	return users, nil
}
