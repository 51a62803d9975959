package heartbeat

import (
	"regexp"
	"strings"
)

// Token is the sentinel an agent replies with when a heartbeat pass
// found nothing worth saying.
const Token = "HEARTBEAT_OK"

var (
	htmlTagRe = regexp.MustCompile(`<[^>]*>`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

// StripResult is the outcome of removing the sentinel from a reply.
type StripResult struct {
	// Suppress means nothing but the token (or nothing at all) remains.
	Suppress bool
	// Text is the reply with edge tokens removed.
	Text string
	// DidStrip reports whether any token was removed.
	DidStrip bool
}

// StripToken removes HEARTBEAT_OK from the edges of a reply. A reply
// that is only the token, with or without markup wrappers, suppresses
// delivery; a reply that carries more keeps the remainder.
func StripToken(raw string) StripResult {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StripResult{Suppress: true}
	}

	normalized := stripMarkup(trimmed)
	if !strings.Contains(trimmed, Token) && !strings.Contains(normalized, Token) {
		return StripResult{Text: trimmed}
	}

	text, didStrip := stripTokenAtEdges(trimmed)
	if !didStrip {
		text, didStrip = stripTokenAtEdges(normalized)
	}
	if !didStrip {
		// Token only appears mid-sentence; leave the reply alone.
		return StripResult{Text: trimmed}
	}
	if text == "" {
		return StripResult{Suppress: true, DidStrip: true}
	}
	return StripResult{Text: text, DidStrip: true}
}

// stripMarkup drops HTML tags and markdown wrappers so a bolded or
// fenced token still counts as the token.
func stripMarkup(text string) string {
	text = htmlTagRe.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.TrimLeft(text, "*`~_")
	text = strings.TrimRight(text, "*`~_")
	return strings.TrimSpace(text)
}

func stripTokenAtEdges(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if text == "" || !strings.Contains(text, Token) {
		return text, false
	}

	didStrip := false
	for changed := true; changed; {
		changed = false
		text = strings.TrimSpace(text)
		if strings.HasPrefix(text, Token) {
			text = strings.TrimSpace(text[len(Token):])
			didStrip = true
			changed = true
			continue
		}
		if strings.HasSuffix(text, Token) {
			text = strings.TrimSpace(text[:len(text)-len(Token)])
			didStrip = true
			changed = true
		}
	}

	text = strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
	return text, didStrip
}
