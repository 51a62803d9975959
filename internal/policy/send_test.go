package policy

import "testing"

func TestNormalizeSendPolicyOverride(t *testing.T) {
	recognized := map[string]SendPolicyOverride{
		"allow":   SendPolicyAllow,
		"on":      SendPolicyAllow,
		"deny":    SendPolicyDeny,
		"off":     SendPolicyDeny,
		" ALLOW ": SendPolicyAllow,
		"Off":     SendPolicyDeny,
	}
	for in, want := range recognized {
		if got := NormalizeSendPolicyOverride(in); got == nil || *got != want {
			t.Errorf("NormalizeSendPolicyOverride(%q) = %v, want %q", in, got, want)
		}
	}
	for _, in := range []string{"", "   ", "yes", "true", "inherit"} {
		if got := NormalizeSendPolicyOverride(in); got != nil {
			t.Errorf("NormalizeSendPolicyOverride(%q) = %q, want nil", in, *got)
		}
	}
}

func TestParseSendPolicyCommand(t *testing.T) {
	for _, tt := range []struct {
		in   string
		has  bool
		mode string
	}{
		{"/send allow", true, "allow"},
		{"/send on", true, "allow"},
		{"/send: deny", true, "deny"},
		{"/send:off", true, "deny"},
		{"/SEND ALLOW", true, "allow"},
		{"/send   allow", true, "allow"},
		{"  /send allow", true, "allow"},
		{"/send inherit", true, "inherit"},
		{"/send default", true, "inherit"},
		{"/send reset", true, "inherit"},
		{"/send", true, ""},
		{"/send maybe", true, ""},
		{"/send allow\nsecond line ignored", true, "allow"},
		{"", false, ""},
		{"send allow", false, ""},
		{"/help", false, ""},
		{"/send allow extra", false, ""},
		{"hey /send allow", false, ""},
	} {
		got := ParseSendPolicyCommand(tt.in)
		if got.HasCommand != tt.has || got.Mode != tt.mode {
			t.Errorf("ParseSendPolicyCommand(%q) = %+v, want has=%v mode=%q",
				tt.in, got, tt.has, tt.mode)
		}
	}
}

func TestSplitDirective(t *testing.T) {
	for _, tt := range []struct {
		in        string
		name, arg string
		ok        bool
	}{
		{"/thinking high", "thinking", "high", true},
		{"/thinking: high", "thinking", "high", true},
		{"/thinking:high", "thinking", "high", true},
		{"/new", "new", "", true},
		{"  /new  ", "new", "", true},
		{"/send:", "send", "", true},
		{"/verbose low\ntrailing text ignored", "verbose", "low", true},
		{"/send two words", "", "", false},
		{"plain text", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	} {
		name, arg, ok := splitDirective(tt.in)
		if name != tt.name || arg != tt.arg || ok != tt.ok {
			t.Errorf("splitDirective(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, name, arg, ok, tt.name, tt.arg, tt.ok)
		}
	}
}
