package markdown

import (
	"strings"
	"testing"
)

const sampleTable = `| Name | Role |
|------|------|
| Ada | Engineer |
| Grace | Admiral |`

func TestConvertTablesCode(t *testing.T) {
	got := ConvertTables(sampleTable, TableModeCode)
	want := "```\n" + sampleTable + "\n```"
	if got != want {
		t.Fatalf("code mode:\n%s", got)
	}
}

func TestConvertTablesBullets(t *testing.T) {
	got := ConvertTables(sampleTable, TableModeBullets)
	want := "• Name: Ada | Role: Engineer\n• Name: Grace | Role: Admiral"
	if got != want {
		t.Fatalf("bullets mode:\n%s", got)
	}
}

func TestConvertTablesOff(t *testing.T) {
	for _, mode := range []TableMode{TableModeOff, ""} {
		if got := ConvertTables(sampleTable, mode); got != sampleTable {
			t.Fatalf("mode %q rewrote the table:\n%s", mode, got)
		}
	}
}

func TestConvertTablesPreservesSurroundingText(t *testing.T) {
	text := "Here are the results:\n\n" + sampleTable + "\n\nLet me know."
	got := ConvertTables(text, TableModeBullets)
	if !strings.HasPrefix(got, "Here are the results:\n\n• ") {
		t.Fatalf("prose before table lost:\n%s", got)
	}
	if !strings.HasSuffix(got, "\n\nLet me know.") {
		t.Fatalf("prose after table lost:\n%s", got)
	}
	if strings.Contains(got, "|---") || strings.Contains(got, "|----") {
		t.Fatalf("separator survived:\n%s", got)
	}
}

func TestConvertTablesIgnoresNonTables(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"plain text", "no tables here\njust lines"},
		{"pipes without separator", "| a | b |\n| c | d |"},
		{"header and separator only", "| a | b |\n|---|---|"},
		{"separator cell not dashes", "| a | b |\n|---|x--|\n| 1 | 2 |"},
		{"empty string", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ConvertTables(tc.text, TableModeBullets); got != tc.text {
				t.Fatalf("rewrote non-table:\n%s", got)
			}
		})
	}
}

func TestConvertTablesSkipsFencedBlocks(t *testing.T) {
	text := "```\n" + sampleTable + "\n```"
	if got := ConvertTables(text, TableModeBullets); got != text {
		t.Fatalf("table inside fence rewritten:\n%s", got)
	}
}

func TestConvertTablesMultiple(t *testing.T) {
	text := sampleTable + "\n\nand also\n\n| X |\n|---|\n| 1 |"
	got := ConvertTables(text, TableModeBullets)
	if strings.Count(got, "• ") != 3 {
		t.Fatalf("expected three bullet rows:\n%s", got)
	}
	if !strings.Contains(got, "• X: 1") {
		t.Fatalf("second table missing:\n%s", got)
	}
	if !strings.Contains(got, "\n\nand also\n\n") {
		t.Fatalf("text between tables lost:\n%s", got)
	}
}

func TestConvertTablesPadsShortRows(t *testing.T) {
	text := "| A | B |\n|---|---|\n| only |"
	got := ConvertTables(text, TableModeBullets)
	if got != "• A: only" {
		t.Fatalf("short row:\n%s", got)
	}
}

func TestConvertTablesAlignmentSeparators(t *testing.T) {
	text := "| L | C | R |\n|:--|:-:|--:|\n| 1 | 2 | 3 |"
	got := ConvertTables(text, TableModeBullets)
	if got != "• L: 1 | C: 2 | R: 3" {
		t.Fatalf("aligned separator:\n%s", got)
	}
}

func TestTableModeFor(t *testing.T) {
	cases := []struct {
		surface string
		want    TableMode
	}{
		{"whatsapp", TableModeBullets},
		{"signal", TableModeBullets},
		{"imessage", TableModeBullets},
		{"telegram", TableModeCode},
		{"discord", TableModeCode},
		{"slack", TableModeCode},
		{"Slack", TableModeCode},
		{"webchat", TableModeOff},
		{"", TableModeOff},
	}
	for _, tc := range cases {
		if got := TableModeFor(tc.surface); got != tc.want {
			t.Errorf("TableModeFor(%q) = %q, want %q", tc.surface, got, tc.want)
		}
	}
}
