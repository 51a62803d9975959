package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "", "dev")
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if shutdown == nil {
		t.Fatal("nil shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "unit-test",
		"channel", "telegram",
		"attempt", 2,
		42, "skipped, key is not a string",
	)
	if span == nil {
		t.Fatal("nil span")
	}
	EndSpan(span, errors.New("recorded"))

	// No provider installed, so the span context never becomes valid.
	if id := TraceID(ctx); id != "" {
		t.Errorf("TraceID = %q, want empty", id)
	}
}

func TestTraceIDWithoutSpan(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Errorf("TraceID = %q, want empty", id)
	}
}

func TestAttributeValue(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want attribute.Value
	}{
		{"string", "telegram", attribute.StringValue("telegram")},
		{"int", 7, attribute.IntValue(7)},
		{"int64", int64(9), attribute.Int64Value(9)},
		{"float64", 1.5, attribute.Float64Value(1.5)},
		{"bool", true, attribute.BoolValue(true)},
		{"fallback", struct{ N int }{3}, attribute.StringValue("{3}")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := attributeValue("k", tt.val)
			if string(got.Key) != "k" {
				t.Errorf("key = %q, want k", got.Key)
			}
			if got.Value != tt.want {
				t.Errorf("value = %s, want %s", got.Value.Emit(), tt.want.Emit())
			}
		})
	}
}
