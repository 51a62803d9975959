package scheduler

import (
	"strings"
	"testing"

	"github.com/clawdis/clawdis/pkg/models"
)

func groupEnv(sender, body string) *models.Envelope {
	return &models.Envelope{
		Body:       body,
		Surface:    models.ChannelTelegram,
		From:       "group-42",
		ChatType:   models.ChatGroup,
		SenderName: sender,
	}
}

func TestCompositeWithoutBacklogReturnsCurrent(t *testing.T) {
	current := telegramEnv("just me")
	if got := composite(nil, current); got != current {
		t.Errorf("composite(nil, env) = %+v, want the envelope unchanged", got)
	}
}

func TestCompositeSections(t *testing.T) {
	older := []*models.Envelope{
		groupEnv("alice", "deploy went out"),
		groupEnv("bob", "  looks stable  "),
	}
	got := composite(older, groupEnv("carol", "what changed?"))

	want := strings.Join([]string{
		contextHeader,
		"alice: deploy went out",
		"bob: looks stable",
		currentHeader,
		"what changed?",
	}, "\n")
	if got.Body != want {
		t.Errorf("composite body = %q, want %q", got.Body, want)
	}
	if got.SenderName != "carol" || got.From != "group-42" {
		t.Errorf("routing metadata = %+v", got)
	}
}

func TestCompositeHoistsDirectives(t *testing.T) {
	older := []*models.Envelope{groupEnv("alice", "/new")}
	got := composite(older, telegramEnv("/thinking high\nsummarize the thread"))

	lines := strings.Split(got.Body, "\n")
	if lines[0] != "/thinking high" {
		t.Fatalf("directive not hoisted, body = %q", got.Body)
	}
	if lines[1] != contextHeader {
		t.Errorf("line after directive = %q, want context header", lines[1])
	}
	// A /command inside the context section stays verbatim text.
	if lines[2] != "alice: /new" {
		t.Errorf("context line = %q", lines[2])
	}
	if lines[len(lines)-1] != "summarize the thread" {
		t.Errorf("current body = %q", lines[len(lines)-1])
	}
}

func TestContextLine(t *testing.T) {
	cases := []struct {
		name string
		env  *models.Envelope
		want string
	}{
		{
			name: "direct message without sender",
			env:  telegramEnv("  hello  "),
			want: "hello",
		},
		{
			name: "group message keeps attribution",
			env:  groupEnv("alice", "hi"),
			want: "alice: hi",
		},
		{
			name: "media only becomes placeholder",
			env: &models.Envelope{
				Surface:    models.ChannelTelegram,
				From:       "group-42",
				ChatType:   models.ChatGroup,
				SenderName: "bob",
				Media:      &models.Media{Path: "/tmp/photo.jpg", MimeType: "image/jpeg"},
			},
			want: "bob: [attachment]",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := contextLine(tc.env); got != tc.want {
				t.Errorf("contextLine = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestConcatenate(t *testing.T) {
	single := telegramEnv("only one")
	if got := concatenate([]*models.Envelope{single}); got != single {
		t.Errorf("single-item concatenate should return the envelope as-is")
	}

	a := telegramEnv("first thought")
	b := telegramEnv("   ")
	c := groupEnv("alice", "second thought")
	got := concatenate([]*models.Envelope{a, b, c})
	if got.Body != "first thought\n\nsecond thought" {
		t.Errorf("joined body = %q", got.Body)
	}
	if got.SenderName != "alice" || got.ChatType != models.ChatGroup {
		t.Errorf("metadata should come from the newest envelope, got %+v", got)
	}
	if c.Body != "second thought" {
		t.Errorf("input envelope mutated: %q", c.Body)
	}
}
