package config

import (
	"reflect"
	"testing"
)

func TestDiffPrefixes(t *testing.T) {
	tests := []struct {
		name string
		old  map[string]any
		new  map[string]any
		want []string
	}{
		{
			name: "no change",
			old:  map[string]any{"agent": map[string]any{"provider": "anthropic"}},
			new:  map[string]any{"agent": map[string]any{"provider": "anthropic"}},
			want: []string{},
		},
		{
			name: "leaf change",
			old:  map[string]any{"agent": map[string]any{"provider": "anthropic"}},
			new:  map[string]any{"agent": map[string]any{"provider": "openai"}},
			want: []string{"agent.provider"},
		},
		{
			name: "nested channel change",
			old: map[string]any{"channels": map[string]any{
				"telegram": map[string]any{"enabled": true},
				"discord":  map[string]any{"enabled": true},
			}},
			new: map[string]any{"channels": map[string]any{
				"telegram": map[string]any{"enabled": false},
				"discord":  map[string]any{"enabled": true},
			}},
			want: []string{"channels.telegram.enabled"},
		},
		{
			name: "added subtree",
			old:  map[string]any{},
			new:  map[string]any{"web": map[string]any{"enabled": true}},
			want: []string{"web"},
		},
		{
			name: "removed subtree",
			old:  map[string]any{"cron": map[string]any{"jobs": []any{}}},
			new:  map[string]any{},
			want: []string{"cron"},
		},
		{
			name: "list change",
			old:  map[string]any{"routing": map[string]any{"mentionPatterns": []any{"@clawd"}}},
			new:  map[string]any{"routing": map[string]any{"mentionPatterns": []any{"@clawd", "@bot"}}},
			want: []string{"routing.mentionPatterns"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DiffPrefixes(tt.old, tt.new)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("DiffPrefixes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		name     string
		changed  []string
		prefixes []string
		want     bool
	}{
		{"exact", []string{"channels.telegram.botToken"}, []string{"channels.telegram.botToken"}, true},
		{"changed under prefix", []string{"channels.telegram.botToken"}, []string{"channels.telegram"}, true},
		{"prefix under changed", []string{"channels"}, []string{"channels.telegram"}, true},
		{"disjoint", []string{"gateway.port"}, []string{"channels.telegram"}, false},
		{"sibling name overlap", []string{"channels.telegrams"}, []string{"channels.telegram"}, false},
		{"empty", nil, []string{"channels.telegram"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesPrefix(tt.changed, tt.prefixes); got != tt.want {
				t.Fatalf("MatchesPrefix(%v, %v) = %v, want %v", tt.changed, tt.prefixes, got, tt.want)
			}
		})
	}
}
