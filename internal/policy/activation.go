package policy

import "strings"

// GroupActivationMode says when the agent answers in a group chat.
type GroupActivationMode string

const (
	// ActivationMention answers only when mentioned.
	ActivationMention GroupActivationMode = "mention"
	// ActivationAlways answers every message.
	ActivationAlways GroupActivationMode = "always"
)

// NormalizeGroupActivation maps a raw token to a GroupActivationMode.
// "on" is an alias for always, "off" for mention. Returns nil for
// anything unrecognized.
func NormalizeGroupActivation(raw string) *GroupActivationMode {
	var out GroupActivationMode
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "always", "on":
		out = ActivationAlways
	case "mention", "off":
		out = ActivationMention
	default:
		return nil
	}
	return &out
}

// ActivationCommandResult is the parse of an /activation directive.
type ActivationCommandResult struct {
	// HasCommand reports whether the text was an /activation directive.
	HasCommand bool
	// Mode is set when a recognized mode argument was given.
	Mode *GroupActivationMode
	// Inherit is set for "/activation inherit": the session override is
	// cleared and the config default applies again.
	Inherit bool
}

// ParseActivationCommand detects an /activation directive and its
// argument (on|off|inherit, with always|mention accepted as the mode
// names themselves).
func ParseActivationCommand(raw string) ActivationCommandResult {
	name, arg, ok := splitDirective(raw)
	if !ok || !strings.EqualFold(name, "activation") {
		return ActivationCommandResult{}
	}
	switch strings.ToLower(arg) {
	case "inherit", "default", "reset":
		return ActivationCommandResult{HasCommand: true, Inherit: true}
	}
	return ActivationCommandResult{HasCommand: true, Mode: NormalizeGroupActivation(arg)}
}
