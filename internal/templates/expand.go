// Package templates expands {{Placeholder}} tokens in configured message
// text (cron payloads, heartbeat prompts, announce templates).
//
// The placeholder set is a closed enumeration over envelope fields;
// unknown names expand to the empty string. Expansion is a single pass:
// values are never re-scanned for placeholders.
package templates

import (
	"regexp"
	"strings"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

// Vars carries the values placeholders resolve to.
type Vars struct {
	Body         string
	CommandBody  string
	From         string
	To           string
	Channel      string
	ChatType     string
	SenderName   string
	GroupSubject string
	Room         string
	Space        string
	MessageID    string
	SessionKey   string
	Timestamp    time.Time
}

// FromEnvelope fills Vars from an inbound envelope.
func FromEnvelope(env *models.Envelope) Vars {
	if env == nil {
		return Vars{}
	}
	return Vars{
		Body:         env.Body,
		CommandBody:  env.CommandBody,
		From:         env.From,
		To:           env.To,
		Channel:      string(env.Surface),
		ChatType:     string(env.ChatType),
		SenderName:   env.SenderName,
		GroupSubject: env.GroupSubject,
		Room:         env.Room,
		Space:        env.Space,
		MessageID:    env.MessageID,
		Timestamp:    env.Timestamp,
	}
}

var placeholderRegex = regexp.MustCompile(`\{\{\s*([A-Za-z]+)\s*\}\}`)

// Expand replaces every {{Name}} token with its Vars value. Names are
// case-insensitive; anything outside the enumeration becomes "".
func Expand(text string, vars Vars) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholderRegex.ReplaceAllStringFunc(text, func(token string) string {
		name := placeholderRegex.FindStringSubmatch(token)[1]
		return vars.lookup(name)
	})
}

func (v Vars) lookup(name string) string {
	switch strings.ToLower(name) {
	case "body":
		return v.Body
	case "commandbody":
		return v.CommandBody
	case "from":
		return v.From
	case "to":
		return v.To
	case "channel", "surface":
		return v.Channel
	case "chattype":
		return v.ChatType
	case "sendername", "sender":
		return v.SenderName
	case "groupsubject", "group":
		return v.GroupSubject
	case "room":
		return v.Room
	case "space":
		return v.Space
	case "messageid":
		return v.MessageID
	case "sessionkey":
		return v.SessionKey
	case "timestamp":
		if v.Timestamp.IsZero() {
			return ""
		}
		return v.Timestamp.Format(time.RFC3339)
	case "date":
		if v.Timestamp.IsZero() {
			return ""
		}
		return v.Timestamp.Format("2006-01-02")
	case "time":
		if v.Timestamp.IsZero() {
			return ""
		}
		return v.Timestamp.Format("15:04")
	default:
		return ""
	}
}
