// Package observability carries the cross-cutting telemetry pieces:
// the redacting logger every component writes through, the prometheus
// metric set served at /metrics, and OTLP trace setup.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// redactPatterns match secrets that must never reach a log line, even
// inside an error string: provider API keys, JWTs, and the generic
// key=value assignment forms.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-ant-[a-zA-Z0-9_-]{24,}`),
	regexp.MustCompile(`\bsk-[a-zA-Z0-9]{32,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)(bearer|token)[\s:=]+["']?([a-zA-Z0-9_.\-]{16,})["']?`),
	regexp.MustCompile(`(?i)(secret|password|passwd|api[_-]?key)[\s:=]+["']?([^\s"']{8,})["']?`),
}

// sensitiveKeys are attribute names whose values are dropped outright.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"apikey":        true,
	"api_key":       true,
	"authorization": true,
}

// NewLogger builds the process logger: text output at the configured
// level, with secret redaction applied to messages and attribute
// values. A nil writer means stderr.
func NewLogger(level string, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	inner := slog.NewTextHandler(out, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewRedactingHandler(inner))
}

// ParseLevel maps a config string onto a slog level, defaulting to
// info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactingHandler rewrites records before the inner handler formats
// them. Group structure and non-string values pass through untouched.
type redactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps any slog handler with secret redaction.
func NewRedactingHandler(inner slog.Handler) slog.Handler {
	return &redactingHandler{inner: inner}
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(clean)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(strings.ReplaceAll(a.Key, "-", "_"))] {
		return slog.String(a.Key, "[REDACTED]")
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, Redact(a.Value.String()))
	case slog.KindGroup:
		members := a.Value.Group()
		clean := make([]any, 0, len(members))
		for _, m := range members {
			clean = append(clean, redactAttr(m))
		}
		return slog.Group(a.Key, clean...)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			return slog.String(a.Key, Redact(err.Error()))
		}
		return a
	default:
		return a
	}
}

// Redact applies every secret pattern to s.
func Redact(s string) string {
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
