package telegram

import "strings"

// mdv2Reserved are the characters MarkdownV2 requires escaped outside
// entities.
const mdv2Reserved = "_*[]()~`>#+-=|{}.!\\"

// telegramify renders common agent markdown as MarkdownV2: **bold**
// becomes *bold*, inline code, fences, and links keep their shape with
// entity-local escaping, and every other reserved character is
// backslash-escaped so the result always parses.
func telegramify(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)

	rest := text
	for {
		open := strings.Index(rest, "```")
		if open < 0 {
			writeInline(&b, rest)
			return b.String()
		}
		end := strings.Index(rest[open+3:], "```")
		if end < 0 {
			writeInline(&b, rest)
			return b.String()
		}
		writeInline(&b, rest[:open])
		block := rest[open+3 : open+3+end]
		b.WriteString("```")
		b.WriteString(escapeCode(block))
		b.WriteString("```")
		rest = rest[open+3+end+3:]
	}
}

// writeInline renders one fence-free stretch.
func writeInline(b *strings.Builder, text string) {
	for i := 0; i < len(text); {
		switch {
		case text[i] == '`':
			// An empty pair would make an empty code entity, which
			// Telegram rejects, so require at least one character.
			end := strings.IndexByte(text[i+1:], '`')
			if end <= 0 {
				b.WriteString("\\`")
				i++
				continue
			}
			b.WriteByte('`')
			b.WriteString(escapeCode(text[i+1 : i+1+end]))
			b.WriteByte('`')
			i += end + 2

		case strings.HasPrefix(text[i:], "**"):
			end := strings.Index(text[i+2:], "**")
			if end < 0 {
				b.WriteString("\\*\\*")
				i += 2
				continue
			}
			b.WriteByte('*')
			b.WriteString(escapePlain(text[i+2 : i+2+end]))
			b.WriteByte('*')
			i += end + 4

		case text[i] == '[':
			if label, url, consumed := parseLink(text[i:]); consumed > 0 {
				b.WriteByte('[')
				b.WriteString(escapePlain(label))
				b.WriteString("](")
				b.WriteString(escapeURL(url))
				b.WriteByte(')')
				i += consumed
				continue
			}
			b.WriteString("\\[")
			i++

		case strings.IndexByte(mdv2Reserved, text[i]) >= 0:
			b.WriteByte('\\')
			b.WriteByte(text[i])
			i++

		default:
			b.WriteByte(text[i])
			i++
		}
	}
}

// parseLink recognizes [label](url) at the start of text and returns
// the pieces plus the bytes consumed, or 0 when it is not a link.
func parseLink(text string) (label, url string, consumed int) {
	closeBracket := strings.IndexByte(text, ']')
	if closeBracket < 0 || closeBracket+1 >= len(text) || text[closeBracket+1] != '(' {
		return "", "", 0
	}
	closeParen := strings.IndexByte(text[closeBracket+2:], ')')
	if closeParen < 0 {
		return "", "", 0
	}
	label = text[1:closeBracket]
	url = text[closeBracket+2 : closeBracket+2+closeParen]
	return label, url, closeBracket + closeParen + 3
}

// escapePlain escapes every reserved character.
func escapePlain(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(mdv2Reserved, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// escapeCode escapes the two characters reserved inside code entities.
func escapeCode(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}

// escapeURL escapes the characters reserved inside link targets.
func escapeURL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ")", "\\)")
}
