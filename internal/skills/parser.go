package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the manifest name expected in each skill dir.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// ParseSkillFile reads and parses one SKILL.md manifest.
func ParseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseSkill(data, filepath.Dir(path))
}

// ParseSkill parses manifest content. dir becomes the skill's Dir.
func ParseSkill(data []byte, dir string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if err := validate(&skill); err != nil {
		return nil, err
	}

	skill.Content = strings.TrimSpace(string(body))
	skill.Dir = dir
	return &skill, nil
}

// splitFrontmatter separates the YAML frontmatter block from the
// markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty manifest")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var front []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan manifest: %w", err)
	}

	return []byte(strings.Join(front, "\n")), []byte(strings.Join(body, "\n")), nil
}

func validate(skill *Skill) error {
	if skill.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range skill.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: got %q", skill.Name)
		}
	}
	if skill.Description == "" {
		return fmt.Errorf("skill description is required")
	}
	for i, cmd := range skill.Commands {
		if strings.TrimSpace(cmd.Name) == "" {
			return fmt.Errorf("command %d of skill %q has no name", i, skill.Name)
		}
	}
	return nil
}
