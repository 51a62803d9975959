package models

import (
	"errors"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	base := func() Envelope {
		return Envelope{
			Body:      "hi",
			Surface:   ChannelWhatsApp,
			From:      "+15555550123",
			ChatType:  ChatDirect,
			Timestamp: time.Now(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr bool
	}{
		{"valid direct", func(e *Envelope) {}, false},
		{"missing surface", func(e *Envelope) { e.Surface = "" }, true},
		{"unknown surface", func(e *Envelope) { e.Surface = "pager" }, true},
		{"missing from", func(e *Envelope) { e.From = "" }, true},
		{"missing chat type", func(e *Envelope) { e.ChatType = "" }, true},
		{"unknown chat type", func(e *Envelope) { e.ChatType = "broadcast" }, true},
		{"empty body no media", func(e *Envelope) { e.Body = "" }, true},
		{"empty body with media", func(e *Envelope) {
			e.Body = ""
			e.Media = &Media{Path: "/tmp/pic.jpg", MimeType: "image/jpeg"}
		}, false},
		{"group", func(e *Envelope) {
			e.ChatType = ChatGroup
			e.From = "123@g.us"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestEnvelopeValidateEmptyError(t *testing.T) {
	e := Envelope{Surface: ChannelSlack, From: "U123", ChatType: ChatDirect}
	if err := e.Validate(); !errors.Is(err, ErrEmptyEnvelope) {
		t.Fatalf("Validate() = %v, want ErrEmptyEnvelope", err)
	}
}

func TestEnvelopeText(t *testing.T) {
	e := Envelope{Body: "/thinking high hello", CommandBody: "hello"}
	if got := e.Text(); got != "hello" {
		t.Fatalf("Text() = %q, want %q", got, "hello")
	}
	e.CommandBody = ""
	if got := e.Text(); got != "/thinking high hello" {
		t.Fatalf("Text() = %q, want raw body", got)
	}
}

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr error
	}{
		{"text only", Payload{Text: "hi"}, nil},
		{"media only", Payload{MediaURL: "https://example.com/a.png"}, nil},
		{"batch media", Payload{MediaURLs: []string{"/tmp/a.png", "/tmp/b.png"}}, nil},
		{"both media fields", Payload{Text: "x", MediaURL: "a", MediaURLs: []string{"b"}}, ErrPayloadMediaConflict},
		{"empty", Payload{}, ErrPayloadEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPayloadAllMedia(t *testing.T) {
	p := Payload{MediaURL: "one"}
	if got := p.AllMedia(); len(got) != 1 || got[0] != "one" {
		t.Fatalf("AllMedia() = %v, want [one]", got)
	}
	p = Payload{MediaURLs: []string{"a", "b"}}
	if got := p.AllMedia(); len(got) != 2 {
		t.Fatalf("AllMedia() = %v, want two entries", got)
	}
}

func TestChannelTypeValid(t *testing.T) {
	for _, c := range AllChannels {
		if !c.Valid() {
			t.Errorf("channel %q should be valid", c)
		}
	}
	if ChannelType("fax").Valid() {
		t.Error("unknown channel should not be valid")
	}
}
