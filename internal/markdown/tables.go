// Package markdown adjusts agent output for chat surfaces. The only
// transform is table handling: pipe tables render as noise outside a
// monospace context, so outbound delivery rewrites them per surface.
package markdown

import "strings"

// TableMode says what happens to a pipe table on the way out.
type TableMode string

const (
	// TableModeOff passes tables through untouched.
	TableModeOff TableMode = "off"
	// TableModeBullets flattens each data row into a bullet line.
	TableModeBullets TableMode = "bullets"
	// TableModeCode keeps the table shape inside a code fence.
	TableModeCode TableMode = "code"
)

// TableModeFor returns the table mode for a surface id. Surfaces that
// render fences monospaced keep the table; plain-text surfaces get
// bullets; webchat renders markdown natively and needs neither.
func TableModeFor(surface string) TableMode {
	switch strings.ToLower(surface) {
	case "signal", "whatsapp", "imessage":
		return TableModeBullets
	case "slack", "discord", "telegram":
		return TableModeCode
	default:
		return TableModeOff
	}
}

// ConvertTables rewrites every pipe table in text according to mode.
// Tables inside code fences are left alone. A candidate only counts as
// a table with a header row, a separator row, and at least one data
// row; anything less passes through unchanged.
func ConvertTables(text string, mode TableMode) string {
	if mode == TableModeOff || mode == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	fenced := false
	for i := 0; i < len(lines); {
		line := lines[i]
		if isFence(line) {
			fenced = !fenced
		}
		if fenced || !isPipeRow(line) {
			out = append(out, line)
			i++
			continue
		}
		tbl, next := scanTable(lines, i)
		if tbl == nil {
			out = append(out, line)
			i++
			continue
		}
		out = append(out, tbl.render(mode)...)
		i = next
	}
	return strings.Join(out, "\n")
}

// pipeTable is one parsed table; lines keeps the original text for
// code mode so alignment survives the round trip.
type pipeTable struct {
	header []string
	rows   [][]string
	lines  []string
}

// scanTable parses a table starting at start. It returns the table and
// the index of the first line past it, or nil when the candidate lacks
// a separator or data rows.
func scanTable(lines []string, start int) (*pipeTable, int) {
	header := splitCells(lines[start])
	if len(header) == 0 {
		return nil, start
	}
	if start+1 >= len(lines) || !isSeparatorRow(lines[start+1]) {
		return nil, start
	}
	tbl := &pipeTable{header: header}
	end := start + 2
	for end < len(lines) && isPipeRow(lines[end]) {
		cells := splitCells(lines[end])
		for len(cells) < len(header) {
			cells = append(cells, "")
		}
		tbl.rows = append(tbl.rows, cells)
		end++
	}
	if len(tbl.rows) == 0 {
		return nil, start
	}
	tbl.lines = lines[start:end]
	return tbl, end
}

func (t *pipeTable) render(mode TableMode) []string {
	if mode == TableModeCode {
		out := make([]string, 0, len(t.lines)+2)
		out = append(out, "```")
		out = append(out, t.lines...)
		out = append(out, "```")
		return out
	}
	out := make([]string, 0, len(t.rows))
	for _, row := range t.rows {
		var parts []string
		for i, cell := range row {
			if cell == "" {
				continue
			}
			if i < len(t.header) && t.header[i] != "" {
				cell = t.header[i] + ": " + cell
			}
			parts = append(parts, cell)
		}
		if len(parts) > 0 {
			out = append(out, "• "+strings.Join(parts, " | "))
		}
	}
	return out
}

func isFence(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "```")
}

func isPipeRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return len(trimmed) > 1 && strings.HasPrefix(trimmed, "|") && strings.HasSuffix(trimmed, "|")
}

// isSeparatorRow matches the |---|:--:| divider between header and
// data. Every cell must be dashes with optional alignment colons.
func isSeparatorRow(line string) bool {
	if !isPipeRow(line) {
		return false
	}
	cells := splitCells(line)
	if len(cells) == 0 {
		return false
	}
	for _, cell := range cells {
		if cell == "" {
			return false
		}
		dashes := 0
		for i, r := range cell {
			switch r {
			case '-':
				dashes++
			case ':':
				if i != 0 && i != len(cell)-1 {
					return false
				}
			default:
				return false
			}
		}
		if dashes == 0 {
			return false
		}
	}
	return true
}

func splitCells(line string) []string {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "|")
	trimmed = strings.TrimSuffix(trimmed, "|")
	parts := strings.Split(trimmed, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}
