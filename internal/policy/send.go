// Package policy gates inbound envelopes: DM allowlists, group policy,
// mention requirements, and the /activation and /send overrides.
package policy

import "strings"

// SendPolicyOverride is an explicit per-session send override.
type SendPolicyOverride string

const (
	// SendPolicyAllow lets unprompted sends through.
	SendPolicyAllow SendPolicyOverride = "allow"
	// SendPolicyDeny blocks unprompted sends.
	SendPolicyDeny SendPolicyOverride = "deny"
	// SendPolicyInherit clears the override.
	SendPolicyInherit = "inherit"
)

// NormalizeSendPolicyOverride maps a raw token ("allow"/"on",
// "deny"/"off") to an override. Returns nil for anything unrecognized.
func NormalizeSendPolicyOverride(raw string) *SendPolicyOverride {
	var out SendPolicyOverride
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "allow", "on":
		out = SendPolicyAllow
	case "deny", "off":
		out = SendPolicyDeny
	default:
		return nil
	}
	return &out
}

// SendPolicyCommandResult is the parse of a /send directive.
type SendPolicyCommandResult struct {
	// HasCommand reports whether the text was a /send directive.
	HasCommand bool
	// Mode is "allow", "deny", or "inherit"; empty when the directive
	// carried no (or an unrecognized) argument.
	Mode string
}

// ParseSendPolicyCommand detects a /send directive and its argument.
func ParseSendPolicyCommand(raw string) SendPolicyCommandResult {
	name, arg, ok := splitDirective(raw)
	if !ok || !strings.EqualFold(name, "send") {
		return SendPolicyCommandResult{}
	}
	if arg == "" {
		return SendPolicyCommandResult{HasCommand: true}
	}
	switch strings.ToLower(arg) {
	case "inherit", "default", "reset":
		return SendPolicyCommandResult{HasCommand: true, Mode: SendPolicyInherit}
	}
	if override := NormalizeSendPolicyOverride(arg); override != nil {
		return SendPolicyCommandResult{HasCommand: true, Mode: string(*override)}
	}
	return SendPolicyCommandResult{HasCommand: true}
}

// splitDirective breaks "/name arg" (or "/name: arg") into its parts.
// Only the first line counts; ok is false when raw is not a directive
// or the argument contains spaces.
func splitDirective(raw string) (name, arg string, ok bool) {
	line := strings.TrimSpace(raw)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if !strings.HasPrefix(line, "/") || len(line) == 1 {
		return "", "", false
	}
	rest := line[1:]
	if i := strings.IndexAny(rest, " \t:"); i < 0 {
		name = rest
	} else {
		name, arg = rest[:i], strings.TrimSpace(rest[i:])
		arg = strings.TrimSpace(strings.TrimPrefix(arg, ":"))
	}
	if name == "" || strings.ContainsAny(arg, " \t") {
		return "", "", false
	}
	return name, arg, true
}
