package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/clawdis/clawdis/internal/agent/providers"
)

type scriptedCall struct {
	chunks []providers.Chunk
	err    error
	// gate, when set, blocks delivery of the final chunk until closed.
	gate chan struct{}
}

type scriptedProvider struct {
	name         string
	defaultModel string
	calls        []scriptedCall

	mu   sync.Mutex
	reqs []providers.Request
	n    int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) DefaultModel() string { return p.defaultModel }

func (p *scriptedProvider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.Chunk, error) {
	p.mu.Lock()
	snapshot := *req
	snapshot.Messages = append([]providers.Message(nil), req.Messages...)
	p.reqs = append(p.reqs, snapshot)
	call := p.calls[p.n]
	p.n++
	p.mu.Unlock()

	if call.err != nil {
		return nil, call.err
	}
	ch := make(chan providers.Chunk)
	go func() {
		defer close(ch)
		for i, c := range call.chunks {
			if call.gate != nil && i == len(call.chunks)-1 {
				<-call.gate
			}
			ch <- c
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) requests() []providers.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providers.Request(nil), p.reqs...)
}

type fakeSource struct {
	provider providers.Provider
	getErr   error

	mu        sync.Mutex
	errs      []error
	successes int
}

func (s *fakeSource) Get(name string) (providers.Provider, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.provider, nil
}

func (s *fakeSource) RecordError(name string, err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *fakeSource) RecordSuccess(name string) {
	s.mu.Lock()
	s.successes++
	s.mu.Unlock()
}

func (s *fakeSource) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs), s.successes
}

// collect drains the stream to its terminal event.
func collect(t *testing.T, s Stream) (string, *Meta, error) {
	t.Helper()
	var text strings.Builder
	for ev := range s.Events() {
		if ev.Err != nil {
			return text.String(), nil, ev.Err
		}
		text.WriteString(ev.Text)
		if ev.Done {
			return text.String(), ev.Meta, nil
		}
	}
	t.Fatal("stream closed without terminal event")
	return "", nil, nil
}

func TestLLMStreamAccumulates(t *testing.T) {
	provider := &scriptedProvider{name: "anthropic", calls: []scriptedCall{{
		chunks: []providers.Chunk{
			{Text: "Hel"},
			{Text: "lo"},
			{Done: true, InputTokens: 10, OutputTokens: 5, StopReason: "end_turn"},
		},
	}}}
	source := &fakeSource{provider: provider}
	engine := NewLLMEngine(source, testLogger())

	stream, err := engine.Stream(context.Background(), &Request{Provider: "anthropic", Model: "m1"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	text, meta, err := collect(t, stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "Hello" {
		t.Errorf("text = %q", text)
	}
	if meta.Model != "m1" || meta.InputTokens != 10 || meta.OutputTokens != 5 || meta.StopReason != "end_turn" {
		t.Errorf("meta = %+v", meta)
	}
	if errs, ok := source.counts(); errs != 0 || ok != 1 {
		t.Errorf("recorded errs=%d successes=%d", errs, ok)
	}
}

func TestLLMStreamSteerContinues(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{name: "anthropic", calls: []scriptedCall{
		{
			chunks: []providers.Chunk{
				{Text: "first"},
				{Done: true, InputTokens: 10, OutputTokens: 5},
			},
			gate: gate,
		},
		{
			chunks: []providers.Chunk{
				{Text: " second"},
				{Done: true, InputTokens: 20, OutputTokens: 7, StopReason: "end_turn"},
			},
		},
	}}
	source := &fakeSource{provider: provider}
	engine := NewLLMEngine(source, testLogger())

	stream, err := engine.Stream(context.Background(), &Request{
		Provider: "anthropic",
		Model:    "m1",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "plan my day"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// Wait for the first text so the completion is in flight, steer,
	// then release the terminal chunk.
	ev := <-stream.Events()
	if ev.Text != "first" {
		t.Fatalf("first event = %+v", ev)
	}
	if !stream.Steer("include the weather") {
		t.Fatal("steer rejected while streaming")
	}
	close(gate)

	var rest strings.Builder
	var meta *Meta
	for ev := range stream.Events() {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		rest.WriteString(ev.Text)
		if ev.Done {
			meta = ev.Meta
			break
		}
	}
	if got := "first" + rest.String(); got != "first second" {
		t.Errorf("text = %q", got)
	}
	if meta == nil || meta.InputTokens != 30 || meta.OutputTokens != 12 {
		t.Errorf("meta should accumulate across passes: %+v", meta)
	}

	reqs := provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider called %d times, want 2", len(reqs))
	}
	msgs := reqs[1].Messages
	if len(msgs) != 3 {
		t.Fatalf("second pass has %d messages, want 3", len(msgs))
	}
	if msgs[1].Role != providers.RoleAssistant || msgs[1].Content != "first" {
		t.Errorf("assistant turn = %+v", msgs[1])
	}
	if msgs[2].Role != providers.RoleUser || msgs[2].Content != "include the weather" {
		t.Errorf("steered turn = %+v", msgs[2])
	}
}

func TestLLMStreamDispatchErrorRecorded(t *testing.T) {
	dispatchErr := &providers.Error{Reason: providers.ReasonAuth, Provider: "openai"}
	provider := &scriptedProvider{name: "openai", calls: []scriptedCall{{err: dispatchErr}}}
	source := &fakeSource{provider: provider}
	engine := NewLLMEngine(source, testLogger())

	stream, err := engine.Stream(context.Background(), &Request{Provider: "openai"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	_, _, err = collect(t, stream)
	if !errors.Is(err, dispatchErr) {
		t.Fatalf("err = %v", err)
	}
	if errs, _ := source.counts(); errs != 1 {
		t.Errorf("recorded %d errors, want 1", errs)
	}
}

func TestLLMStreamChunkErrorRecorded(t *testing.T) {
	chunkErr := errors.New("connection reset")
	provider := &scriptedProvider{name: "openai", calls: []scriptedCall{{
		chunks: []providers.Chunk{{Text: "partial"}, {Err: chunkErr}},
	}}}
	source := &fakeSource{provider: provider}
	engine := NewLLMEngine(source, testLogger())

	stream, err := engine.Stream(context.Background(), &Request{Provider: "openai"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	text, _, err := collect(t, stream)
	if !errors.Is(err, chunkErr) {
		t.Fatalf("err = %v", err)
	}
	if text != "partial" {
		t.Errorf("text before error = %q", text)
	}
	if errs, _ := source.counts(); errs != 1 {
		t.Errorf("recorded %d errors, want 1", errs)
	}
}

func TestLLMStreamGetError(t *testing.T) {
	source := &fakeSource{getErr: errors.New("provider nope not configured")}
	engine := NewLLMEngine(source, testLogger())

	if _, err := engine.Stream(context.Background(), &Request{Provider: "nope"}); err == nil {
		t.Fatal("expected dispatch error")
	}
}

func TestLLMStreamThinkingBudget(t *testing.T) {
	tests := []struct {
		level      string
		wantOn     bool
		wantBudget int
	}{
		{"", false, 0},
		{"off", false, 0},
		{"low", true, 2048},
		{"medium", true, 8192},
		{"high", true, 16384},
		{"HIGH", true, 16384},
	}

	for _, tt := range tests {
		t.Run("level_"+tt.level, func(t *testing.T) {
			provider := &scriptedProvider{name: "anthropic", calls: []scriptedCall{{
				chunks: []providers.Chunk{{Done: true}},
			}}}
			source := &fakeSource{provider: provider}
			engine := NewLLMEngine(source, testLogger())

			stream, err := engine.Stream(context.Background(), &Request{Provider: "anthropic", Thinking: tt.level})
			if err != nil {
				t.Fatalf("Stream: %v", err)
			}
			if _, _, err := collect(t, stream); err != nil {
				t.Fatalf("collect: %v", err)
			}

			req := provider.requests()[0]
			if req.Thinking != tt.wantOn || req.ThinkingBudget != tt.wantBudget {
				t.Errorf("thinking = %v budget = %d, want %v/%d", req.Thinking, req.ThinkingBudget, tt.wantOn, tt.wantBudget)
			}
		})
	}
}

func TestLLMStreamModelFallsBackToProviderDefault(t *testing.T) {
	provider := &scriptedProvider{name: "anthropic", defaultModel: "claude-sonnet-4-20250514", calls: []scriptedCall{{
		chunks: []providers.Chunk{{Done: true}},
	}}}
	source := &fakeSource{provider: provider}
	engine := NewLLMEngine(source, testLogger())

	stream, err := engine.Stream(context.Background(), &Request{Provider: "anthropic"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	_, meta, err := collect(t, stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if meta.Model != "claude-sonnet-4-20250514" {
		t.Errorf("meta model = %q", meta.Model)
	}
}

func TestLLMSteerRejections(t *testing.T) {
	provider := &scriptedProvider{name: "anthropic", calls: []scriptedCall{{
		chunks: []providers.Chunk{{Text: "done"}, {Done: true}},
	}}}
	source := &fakeSource{provider: provider}
	engine := NewLLMEngine(source, testLogger())

	stream, err := engine.Stream(context.Background(), &Request{Provider: "anthropic"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if stream.Steer("   ") {
		t.Error("blank steer accepted")
	}
	if _, _, err := collect(t, stream); err != nil {
		t.Fatalf("collect: %v", err)
	}
	// The events channel closes only after the run marked itself done.
	for range stream.Events() {
	}
	if stream.Steer("too late") {
		t.Error("steer accepted after stream finished")
	}
}

func TestLLMStreamCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The provider closes its channel without a terminal chunk; a
	// canceled context turns that into an error event.
	provider := &scriptedProvider{name: "anthropic", calls: []scriptedCall{{
		chunks: []providers.Chunk{{Text: "cut off"}},
	}}}
	source := &fakeSource{provider: provider}
	engine := NewLLMEngine(source, testLogger())

	stream, err := engine.Stream(ctx, &Request{Provider: "anthropic"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	_, _, err = collect(t, stream)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
