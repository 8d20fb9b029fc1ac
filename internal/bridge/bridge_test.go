package bridge

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/solano/gestor-agent/internal/config"
)

func TestConversationFromTopic(t *testing.T) {
	tests := []struct {
		name   string
		topic  string
		want   string
		wantOK bool
	}{
		{"valid", "gestor/chat/conv-42/in", "conv-42", true},
		{"wrong prefix", "otro/chat/conv-42/in", "", false},
		{"out topic", "gestor/chat/conv-42/out", "", false},
		{"empty conversation", "gestor/chat//in", "", false},
		{"nested segment", "gestor/chat/a/b/in", "", false},
		{"bare prefix", "gestor/chat", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ConversationFromTopic("gestor", tt.topic)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ConversationFromTopic(%q) = %q, %v; want %q, %v",
					tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    InboundMessage
		wantErr bool
	}{
		{"full", `{"sender":"ana","text":"hola"}`, InboundMessage{Sender: "ana", Text: "hola"}, false},
		{"no sender", `{"text":"hola"}`, InboundMessage{Text: "hola"}, false},
		{"blank text", `{"text":"   "}`, InboundMessage{}, true},
		{"missing text", `{"sender":"ana"}`, InboundMessage{}, true},
		{"not json", `hola`, InboundMessage{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInbound(%q) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseInbound(%q) = %+v, want %+v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestRateLimiting(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(config.MQTTConfig{RateLimit: 60}, nil, nil, "Gestor", nil, logger)

	if !b.allow("conv-1/ana") {
		t.Fatal("first message not allowed")
	}
	if b.allow("conv-1/ana") {
		t.Error("immediate second message allowed, want limited")
	}
	// Different sender in the same conversation has its own budget.
	if !b.allow("conv-1/bruno") {
		t.Error("other sender limited by first sender's traffic")
	}

	b.lastSeen["conv-1/ana"] = time.Now().Add(-2 * time.Second)
	if !b.allow("conv-1/ana") {
		t.Error("message after the interval not allowed")
	}
}

func TestRateLimitDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(config.MQTTConfig{}, nil, nil, "Gestor", nil, logger)
	for range 10 {
		if !b.allow("conv-1") {
			t.Fatal("unlimited bridge throttled a message")
		}
	}
}

func TestPostMessageRequiresConversationChannel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(config.MQTTConfig{}, nil, nil, "Gestor", nil, logger)
	if err := b.PostMessage(t.Context(), 42, "Gestor", "hola"); err == nil {
		t.Error("PostMessage(non-string channel) error = nil, want error")
	}
}
