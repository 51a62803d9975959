package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSkillFile(t *testing.T) {
	t.Run("valid manifest", func(t *testing.T) {
		dir := t.TempDir()
		manifest := filepath.Join(dir, SkillFilename)
		content := `---
name: github
description: Work with GitHub issues and pull requests.
homepage: https://example.com/skills/github
commands:
  - name: gh-issues
    description: Summarize open issues
  - name: gh-review
---

# GitHub

Use the gh CLI for everything.
`
		if err := os.WriteFile(manifest, []byte(content), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}

		skill, err := ParseSkillFile(manifest)
		if err != nil {
			t.Fatalf("ParseSkillFile: %v", err)
		}
		if skill.Name != "github" {
			t.Errorf("Name = %q", skill.Name)
		}
		if skill.Description != "Work with GitHub issues and pull requests." {
			t.Errorf("Description = %q", skill.Description)
		}
		if skill.Homepage != "https://example.com/skills/github" {
			t.Errorf("Homepage = %q", skill.Homepage)
		}
		if skill.Dir != dir {
			t.Errorf("Dir = %q, want %q", skill.Dir, dir)
		}
		if len(skill.Commands) != 2 {
			t.Fatalf("Commands = %+v, want 2", skill.Commands)
		}
		if skill.Commands[0].Name != "gh-issues" || skill.Commands[0].Description != "Summarize open issues" {
			t.Errorf("Commands[0] = %+v", skill.Commands[0])
		}
		if skill.Commands[1].Name != "gh-review" {
			t.Errorf("Commands[1] = %+v", skill.Commands[1])
		}
		if !strings.Contains(skill.Content, "gh CLI") {
			t.Errorf("Content = %q, want body kept", skill.Content)
		}
		if strings.Contains(skill.Content, "---") {
			t.Errorf("Content %q still contains delimiter", skill.Content)
		}
	})

	t.Run("file not found", func(t *testing.T) {
		if _, err := ParseSkillFile(filepath.Join(t.TempDir(), "missing", SkillFilename)); err == nil {
			t.Fatal("expected error for missing manifest")
		}
	})
}

func TestParseSkillValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "---\ndescription: something\n---\nbody",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "---\nname: valid-name\n---\nbody",
			wantErr: "description is required",
		},
		{
			name:    "uppercase name",
			content: "---\nname: MySkill\ndescription: x\n---\n",
			wantErr: "lowercase",
		},
		{
			name:    "name with spaces",
			content: "---\nname: my skill\ndescription: x\n---\n",
			wantErr: "lowercase",
		},
		{
			name:    "command without name",
			content: "---\nname: ok\ndescription: x\ncommands:\n  - description: orphan\n---\n",
			wantErr: "has no name",
		},
		{
			name:    "no opening delimiter",
			content: "name: ok\ndescription: x\n",
			wantErr: "opening frontmatter",
		},
		{
			name:    "no closing delimiter",
			content: "---\nname: ok\ndescription: x\n",
			wantErr: "closing frontmatter",
		},
		{
			name:    "empty file",
			content: "",
			wantErr: "empty manifest",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSkill([]byte(tc.content), "/tmp/skill")
			if err == nil {
				t.Fatalf("ParseSkill succeeded, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseSkillNoBody(t *testing.T) {
	skill, err := ParseSkill([]byte("---\nname: minimal\ndescription: has no body\n---"), "/tmp/skill")
	if err != nil {
		t.Fatalf("ParseSkill: %v", err)
	}
	if skill.Content != "" {
		t.Fatalf("Content = %q, want empty", skill.Content)
	}
}
