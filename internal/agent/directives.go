package agent

import (
	"regexp"
	"slices"
	"strings"
)

// Directive is one parsed leading /command.
type Directive struct {
	// Name is the canonical directive name: new, reset, thinking,
	// verbose, activation, send, queue, help.
	Name string
	// Arg is the single-token argument, lowercased; empty when none was
	// given.
	Arg string
	// Line is the normalized original line, for the policy parsers that
	// re-read the full directive.
	Line string
}

// ThinkingLevels are the accepted /thinking arguments besides inherit.
var ThinkingLevels = []string{"off", "low", "medium", "high"}

// VerboseLevels are the accepted /verbose arguments besides inherit.
var VerboseLevels = []string{"off", "on", "full"}

// A directive occupies a whole line: the name plus at most one token.
// Anything longer is a message for the agent, not a command.
var directiveLineRegex = regexp.MustCompile(`(?i)^/(new|reset|thinking|think|verbose|activation|send|queue|help)(?:\s+([^\s]+))?\s*$`)

var directiveColonRegex = regexp.MustCompile(`^/([^\s:]+)\s*:\s*(.*)$`)

// bareDirectives accept no argument.
var bareDirectives = map[string]bool{"new": true, "reset": true, "help": true}

// ParseDirectives splits leading directive lines off body. Parsing
// stops at the first line that is not a recognized directive; that line
// and everything after it become the command body. A body that is all
// directives yields an empty command body.
func ParseDirectives(body string) ([]Directive, string) {
	lines := strings.Split(body, "\n")
	var directives []Directive

	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			if len(directives) == 0 {
				break
			}
			i++
			continue
		}
		d, ok := parseDirectiveLine(line)
		if !ok {
			break
		}
		directives = append(directives, d)
		i++
	}

	return directives, strings.TrimSpace(strings.Join(lines[i:], "\n"))
}

// StripDirectives returns body with leading directives removed.
func StripDirectives(body string) string {
	_, rest := ParseDirectives(body)
	return rest
}

func parseDirectiveLine(line string) (Directive, bool) {
	normalized := normalizeDirectiveLine(line)
	match := directiveLineRegex.FindStringSubmatch(normalized)
	if match == nil {
		return Directive{}, false
	}
	name := strings.ToLower(match[1])
	if name == "think" {
		name = "thinking"
	}
	arg := strings.ToLower(strings.TrimSpace(match[2]))
	if arg != "" && bareDirectives[name] {
		return Directive{}, false
	}
	return Directive{Name: name, Arg: arg, Line: normalized}, true
}

// normalizeDirectiveLine rewrites "/cmd: arg" to "/cmd arg".
func normalizeDirectiveLine(line string) string {
	if m := directiveColonRegex.FindStringSubmatch(line); m != nil {
		if rest := strings.TrimSpace(m[2]); rest != "" {
			return "/" + m[1] + " " + rest
		}
		return "/" + m[1]
	}
	return line
}

// ValidThinkingLevel reports whether arg names a thinking level.
func ValidThinkingLevel(arg string) bool {
	return slices.Contains(ThinkingLevels, arg)
}

// ValidVerboseLevel reports whether arg names a verbose level.
func ValidVerboseLevel(arg string) bool {
	return slices.Contains(VerboseLevels, arg)
}

const helpText = `Commands:
/new, /reset — start a fresh session
/thinking off|low|medium|high|inherit — set reasoning effort
/verbose off|on|full|inherit — set reply verbosity
/activation mention|always|inherit — group reply activation
/send allow|deny|inherit — unprompted sends to this chat
/queue <mode>|inherit — queueing for messages that arrive mid-reply
/help — this text`
