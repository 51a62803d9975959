package heartbeat

import "testing"

func TestStripTokenOnlyToken(t *testing.T) {
	cases := []string{
		"HEARTBEAT_OK",
		"  HEARTBEAT_OK  ",
		"**HEARTBEAT_OK**",
		"`HEARTBEAT_OK`",
		"<b>HEARTBEAT_OK</b>",
		"HEARTBEAT_OK HEARTBEAT_OK",
		"",
		"   ",
	}
	for _, raw := range cases {
		got := StripToken(raw)
		if !got.Suppress {
			t.Errorf("StripToken(%q).Suppress = false, want true", raw)
		}
		if got.Text != "" {
			t.Errorf("StripToken(%q).Text = %q, want empty", raw, got.Text)
		}
	}
}

func TestStripTokenLeadingAndTrailing(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"HEARTBEAT_OK disk usage at 92%", "disk usage at 92%"},
		{"disk usage at 92% HEARTBEAT_OK", "disk usage at 92%"},
		{"HEARTBEAT_OK\n\nthree PRs need review", "three PRs need review"},
		{"HEARTBEAT_OK HEARTBEAT_OK still here", "still here"},
	}
	for _, tc := range cases {
		got := StripToken(tc.raw)
		if got.Suppress {
			t.Errorf("StripToken(%q).Suppress = true, want false", tc.raw)
			continue
		}
		if !got.DidStrip {
			t.Errorf("StripToken(%q).DidStrip = false, want true", tc.raw)
		}
		if got.Text != tc.want {
			t.Errorf("StripToken(%q).Text = %q, want %q", tc.raw, got.Text, tc.want)
		}
	}
}

func TestStripTokenMidSentenceLeftAlone(t *testing.T) {
	raw := "the HEARTBEAT_OK token is what I reply with"
	got := StripToken(raw)
	if got.Suppress || got.DidStrip {
		t.Fatalf("StripToken(%q) = %+v, want untouched", raw, got)
	}
	if got.Text != raw {
		t.Fatalf("StripToken(%q).Text = %q, want original", raw, got.Text)
	}
}

func TestStripTokenNoToken(t *testing.T) {
	got := StripToken("  backup finished overnight  ")
	if got.Suppress || got.DidStrip {
		t.Fatalf("unexpected strip: %+v", got)
	}
	if got.Text != "backup finished overnight" {
		t.Fatalf("Text = %q, want trimmed original", got.Text)
	}
}

func TestStripTokenMarkupWrappedWithRemainder(t *testing.T) {
	got := StripToken("<p>HEARTBEAT_OK</p> server rebooted")
	if got.Suppress {
		t.Fatalf("Suppress = true, want false")
	}
	if !got.DidStrip {
		t.Fatalf("DidStrip = false, want true")
	}
	if got.Text != "server rebooted" {
		t.Fatalf("Text = %q, want %q", got.Text, "server rebooted")
	}
}
