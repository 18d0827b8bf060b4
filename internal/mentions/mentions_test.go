package mentions

import (
	"context"
	"strings"
	"testing"

	"backlog/api/internal/store"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []string
	}{
		{"simple", "@u2 please look", []string{"u2"}},
		{"mid sentence", "ping @ana about this", []string{"ana"}},
		{"several", "@ana @bob and @ana again", []string{"ana", "bob"}},
		{"case dedupe", "@Ana and @ana", []string{"Ana"}},
		{"email not a mention", "mail me at joe@example.com", nil},
		{"glued to word", "foo@bar", nil},
		{"after dot", "file.@name", nil},
		{"after hyphen", "x-@name", nil},
		{"single letter too short", "@x won't match", nil},
		{"leading digit invalid", "@1abc", nil},
		{"punctuation boundary", "(@bob)", []string{"bob"}},
		{"start of line", "@bob: see above", []string{"bob"}},
	}
	for _, tc := range cases {
		got := Extract(tc.text)
		if len(got) != len(tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
			continue
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
				break
			}
		}
	}
}

type fakeDirectory struct {
	users map[string]store.User
}

func (d *fakeDirectory) UsersByUsernames(_ context.Context, usernames []string) ([]store.User, error) {
	var out []store.User
	for _, name := range usernames {
		if u, ok := d.users[strings.ToLower(name)]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func TestMentionsResolvesCanonicalForm(t *testing.T) {
	dir := &fakeDirectory{users: map[string]store.User{
		"u2": {ID: 2, Username: "U2"},
	}}
	e := NewExtractor(dir)

	users, err := e.Mentions(context.Background(), "@u2 please look, also @ghost")
	if err != nil {
		t.Fatalf("Mentions failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 resolved user, got %d", len(users))
	}
	if users[0].Username != "U2" {
		t.Errorf("expected canonical username U2, got %s", users[0].Username)
	}
}

func TestMentionsEmptyComment(t *testing.T) {
	e := NewExtractor(&fakeDirectory{})
	users, err := e.Mentions(context.Background(), "no references here")
	if err != nil {
		t.Fatalf("Mentions failed: %v", err)
	}
	if users != nil {
		t.Errorf("expected nil, got %v", users)
	}
}
