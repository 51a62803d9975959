package scheduler

import (
	"strings"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/pkg/models"
)

const (
	contextHeader = "[Chat messages since your last reply — for context]"
	currentHeader = "[Current message — respond to this]"
)

// composite folds queued messages into one envelope: earlier messages
// become a context section, the newest message is the one to answer.
// Directives are honored only for the current message; they are hoisted
// above the section headers so the runner still sees them as leading
// lines. Context messages keep their text verbatim, which leaves any
// /commands in them inert.
func composite(older []*models.Envelope, current *models.Envelope) *models.Envelope {
	if len(older) == 0 {
		return current
	}

	directives, rest := agent.ParseDirectives(current.Body)

	var b strings.Builder
	for _, d := range directives {
		b.WriteString(d.Line)
		b.WriteString("\n")
	}
	b.WriteString(contextHeader)
	for _, env := range older {
		b.WriteString("\n")
		b.WriteString(contextLine(env))
	}
	b.WriteString("\n")
	b.WriteString(currentHeader)
	b.WriteString("\n")
	b.WriteString(rest)

	out := *current
	out.Body = b.String()
	return &out
}

// contextLine renders one queued message for the context section.
func contextLine(env *models.Envelope) string {
	body := strings.TrimSpace(env.Body)
	if env.Media != nil && body == "" {
		body = "[attachment]"
	}
	if env.SenderName != "" {
		return env.SenderName + ": " + body
	}
	return body
}

// concatenate joins queued messages into one follow-up envelope. The
// newest envelope supplies the routing metadata; bodies are joined in
// arrival order.
func concatenate(items []*models.Envelope) *models.Envelope {
	if len(items) == 1 {
		return items[0]
	}
	var bodies []string
	for _, env := range items {
		if body := strings.TrimSpace(env.Body); body != "" {
			bodies = append(bodies, body)
		}
	}
	out := *items[len(items)-1]
	out.Body = strings.Join(bodies, "\n\n")
	return &out
}
