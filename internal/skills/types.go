// Package skills discovers workspace skill manifests. A skill is a
// directory containing SKILL.md: YAML frontmatter (name, description,
// optional commands) over a markdown body the agent can read on demand.
package skills

// Skill is one discovered manifest.
type Skill struct {
	// Name is the unique skill identifier (lowercase, hyphens allowed).
	Name string `json:"name" yaml:"name"`

	// Description explains what the skill does and when to use it.
	Description string `json:"description" yaml:"description"`

	// Homepage is an optional URL to skill documentation.
	Homepage string `json:"homepage,omitempty" yaml:"homepage"`

	// Commands are the invocations the skill advertises.
	Commands []Command `json:"commands,omitempty" yaml:"commands"`

	// Content is the markdown body below the frontmatter.
	Content string `json:"-" yaml:"-"`

	// Dir is the directory the manifest was found in.
	Dir string `json:"dir" yaml:"-"`

	// Source says which root contributed the skill.
	Source SourceType `json:"source" yaml:"-"`
}

// Command is one invocation a skill advertises.
type Command struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// SourceType identifies the root a skill came from.
type SourceType string

const (
	// SourceState is the default <stateDir>/skills root.
	SourceState SourceType = "state"
	// SourceConfig is a root listed in skills.dirs.
	SourceConfig SourceType = "config"
)
