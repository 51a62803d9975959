package channels

import (
	"strings"
	"unicode"

	"github.com/clawdis/clawdis/pkg/models"
)

// DefaultChunkLimit is used for surfaces that do not advertise a hard cap.
const DefaultChunkLimit = 4000

// Chunker splits outbound text into fragments that fit a surface's message
// cap. Splitting is fence-aware: a chunk never ends inside an open code
// block. When a block must span chunks, the fence is closed at the cut and
// reopened (with its info string) at the start of the next fragment.
type Chunker struct {
	Limit int
}

// NewChunker returns a chunker with the given byte limit. Non-positive
// limits fall back to DefaultChunkLimit.
func NewChunker(limit int) *Chunker {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	return &Chunker{Limit: limit}
}

// ChunkerFor returns a chunker sized for the given surface.
func ChunkerFor(id models.ChannelType) *Chunker {
	return NewChunker(MaxMessageLength(id))
}

// Split breaks text into fragments of at most Limit bytes each. Break
// points prefer, in order: paragraph boundaries, line boundaries, sentence
// endings, word boundaries. Inside a fenced code block only line boundaries
// are used, and the fence is closed and reopened across the cut.
func (c *Chunker) Split(text string) []string {
	limit := c.Limit
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		spans := fenceSpans(remaining)
		cut := cutPoint(remaining, limit, spans)
		if cut <= 0 || cut > limit {
			cut = limit
		}

		chunk := remaining[:cut]
		rest := remaining[cut:]
		if span := spanAt(spans, cut); span != nil && len(span.openLine)+len(span.fence)+2 < limit {
			// The cut landed inside a code block: close the fence here
			// and reopen it at the head of the next fragment.
			chunk = strings.TrimRightFunc(chunk, unicode.IsSpace)
			chunk += "\n" + span.fence
			rest = span.openLine + "\n" + strings.TrimLeftFunc(rest, unicode.IsSpace)
		}

		chunk = strings.TrimSpace(chunk)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeftFunc(rest, unicode.IsSpace)
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// fenceSpan covers one fenced code block as byte offsets into the text.
// openLine is the opening fence line including any info string, so a split
// block can be reopened with the same language tag.
type fenceSpan struct {
	start    int
	end      int
	fence    string
	openLine string
}

func fenceSpans(text string) []fenceSpan {
	var spans []fenceSpan
	var open *fenceSpan

	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		var fence string
		switch {
		case strings.HasPrefix(trimmed, "```"):
			fence = "```"
		case strings.HasPrefix(trimmed, "~~~"):
			fence = "~~~"
		}
		if fence != "" {
			if open == nil {
				open = &fenceSpan{
					start:    offset,
					end:      -1,
					fence:    fence,
					openLine: strings.TrimRight(line, "\n"),
				}
			} else if open.fence == fence {
				open.end = offset + len(line)
				spans = append(spans, *open)
				open = nil
			}
		}
		offset += len(line)
	}
	if open != nil {
		open.end = len(text)
		spans = append(spans, *open)
	}
	return spans
}

// spanAt returns the span containing pos, if any.
func spanAt(spans []fenceSpan, pos int) *fenceSpan {
	for i := range spans {
		if pos > spans[i].start && pos < spans[i].end {
			return &spans[i]
		}
	}
	return nil
}

func cutPoint(text string, limit int, spans []fenceSpan) int {
	window := text[:limit]

	if span := spanAt(spans, limit); span != nil {
		// Inside a code block: cut at the last complete body line.
		bodyStart := span.start + len(span.openLine) + 1
		if bodyStart < limit {
			if idx := strings.LastIndex(window[bodyStart:], "\n"); idx > 0 {
				return bodyStart + idx + 1
			}
		}
		return limit
	}

	if idx := lastIndexOutsideFence(window, "\n\n", spans); idx > 0 {
		return idx + 1
	}
	if idx := lastIndexOutsideFence(window, "\n", spans); idx > 0 {
		return idx + 1
	}
	for _, ending := range []string{". ", "! ", "? "} {
		if idx := lastIndexOutsideFence(window, ending, spans); idx > 0 {
			return idx + 1
		}
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return limit
}

func lastIndexOutsideFence(window, sep string, spans []fenceSpan) int {
	idx := strings.LastIndex(window, sep)
	for idx > 0 {
		if spanAt(spans, idx) == nil {
			return idx
		}
		idx = strings.LastIndex(window[:idx], sep)
	}
	return -1
}
