package conversation

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/solano/gestor-agent/internal/llm"
)

const testPrompt = "Eres un asistente de prueba."

func newTestStore() *Store {
	return NewStore(testPrompt, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInitResetsToSystemPrompt(t *testing.T) {
	s := newTestStore()
	s.Init("c1")

	msgs := s.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != testPrompt {
		t.Errorf("message 0 = %+v, want system prompt", msgs[0])
	}
}

func TestAddMessageInvalidRole(t *testing.T) {
	s := newTestStore()
	s.Init("c1")

	err := s.AddMessage("c1", "bogus", "hola")
	if err == nil {
		t.Fatal("expected error for invalid role")
	}
	var roleErr *InvalidRoleError
	if !errors.As(err, &roleErr) {
		t.Fatalf("error type = %T, want *InvalidRoleError", err)
	}
	if got := s.MessageCount("c1"); got != 1 {
		t.Errorf("log mutated on invalid role: count = %d, want 1", got)
	}
}

func TestAddMessageLazyInit(t *testing.T) {
	s := newTestStore()

	if err := s.AddMessage("fresh", llm.RoleUser, "hola"); err != nil {
		t.Fatal(err)
	}
	msgs := s.Messages("fresh")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (system + user)", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem {
		t.Errorf("message 0 role = %q, want system", msgs[0].Role)
	}
}

func TestSetMessagesNamesOffendingPosition(t *testing.T) {
	s := newTestStore()

	err := s.SetMessages("c1", []llm.Message{
		{Role: llm.RoleSystem, Content: "p"},
		{Role: "robot", Content: "??"},
		{Role: llm.RoleUser, Content: "hola"},
	})
	if err == nil {
		t.Fatal("expected error for invalid role in batch")
	}
	var roleErr *InvalidRoleError
	if !errors.As(err, &roleErr) {
		t.Fatalf("error type = %T, want *InvalidRoleError", err)
	}
	if roleErr.Position != 2 {
		t.Errorf("position = %d, want 2", roleErr.Position)
	}
	if !strings.Contains(err.Error(), "message 2") {
		t.Errorf("error does not name position: %v", err)
	}
}

func TestSetMessagesForgetsTransientPositions(t *testing.T) {
	s := newTestStore()
	s.Init("c1")
	s.RecordToolResult("c1", "call_1", "resultado", "product_stock")

	fresh := []llm.Message{
		{Role: llm.RoleSystem, Content: "p"},
		{Role: llm.RoleUser, Content: "hola"},
		{Role: llm.RoleAssistant, Content: "buenas"},
	}
	if err := s.SetMessages("c1", fresh); err != nil {
		t.Fatal(err)
	}

	// Positions marked against the old log must not purge anything
	// from the replacement.
	s.PurgeTransient("c1")
	msgs := s.Messages("c1")
	if len(msgs) != len(fresh) {
		t.Fatalf("after purge count = %d, want %d: %+v", len(msgs), len(fresh), msgs)
	}
	for i := range fresh {
		if msgs[i].Content != fresh[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, msgs[i], fresh[i])
		}
	}
}

func TestRecordToolCallTurnMarksTransient(t *testing.T) {
	s := newTestStore()
	s.Init("c1")
	if err := s.AddMessage("c1", llm.RoleUser, "stock?"); err != nil {
		t.Fatal(err)
	}

	s.RecordResponse("c1", &llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: "Consultando...",
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "products_low_stock", Arguments: ""},
			},
		},
	})
	if err := s.RecordToolCallTurn("c1"); err != nil {
		t.Fatal(err)
	}
	s.RecordToolResult("c1", "call_1", "Todo el stock está OK", "products_low_stock")

	if got := s.MessageCount("c1"); got != 4 {
		t.Fatalf("count = %d, want 4", got)
	}

	s.PurgeTransient("c1")
	msgs := s.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("after purge count = %d, want 2", len(msgs))
	}
	for i, m := range msgs {
		if m.Role == llm.RoleTool || len(m.ToolCalls) > 0 {
			t.Errorf("message %d still carries tool exchange: %+v", i, m)
		}
	}
}

func TestRecordToolCallTurnWithoutResponse(t *testing.T) {
	s := newTestStore()
	s.Init("c1")

	err := s.RecordToolCallTurn("c1")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want *NotFoundError", err)
	}
}

func TestPurgeTransientIdempotent(t *testing.T) {
	s := newTestStore()
	s.Init("c1")
	s.RecordToolResult("c1", "call_1", "r", "fn")

	s.PurgeTransient("c1")
	before := s.Messages("c1")
	s.PurgeTransient("c1")
	after := s.Messages("c1")

	if len(before) != len(after) {
		t.Errorf("second purge changed the log: %d -> %d", len(before), len(after))
	}
}

func TestRecordToolResultSerialization(t *testing.T) {
	tests := []struct {
		name   string
		output any
		want   string
	}{
		{"string passthrough", "Todo el stock está OK", "Todo el stock está OK"},
		{"map to json", map[string]any{"qty": float64(3)}, `{"qty":3}`},
		{"slice to json", []any{"a", "b"}, `["a","b"]`},
		{"int to text", 42, "42"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore()
			s.Init("c1")
			s.RecordToolResult("c1", "call_1", tc.output, "fn")

			msgs := s.Messages("c1")
			last := msgs[len(msgs)-1]
			if last.Content != tc.want {
				t.Errorf("content = %q, want %q", last.Content, tc.want)
			}
			if last.ToolCallID != "call_1" || last.Name != "fn" {
				t.Errorf("tool tags = (%q, %q)", last.ToolCallID, last.Name)
			}
		})
	}
}

func TestRecordToolResultUnknownConversation(t *testing.T) {
	s := newTestStore()
	// Must not create the conversation.
	s.RecordToolResult("ghost", "call_1", "r", "fn")
	if s.Has("ghost") {
		t.Error("tool result created a conversation")
	}
}

func TestFinalTextNotFound(t *testing.T) {
	s := newTestStore()
	s.Init("c1")

	if _, err := s.FinalText("c1"); err == nil {
		t.Error("expected not-found error before any response")
	}

	s.RecordResponse("c1", &llm.ChatResponse{
		Message: llm.Message{Role: llm.RoleAssistant, Content: "  hola  "},
	})
	text, err := s.FinalText("c1")
	if err != nil {
		t.Fatal(err)
	}
	if text != "hola" {
		t.Errorf("text = %q, want trimmed %q", text, "hola")
	}
}

// fillConversation appends alternating user/assistant pairs until the
// log holds total messages (including the system prompt).
func fillConversation(t *testing.T, s *Store, id string, total int) {
	t.Helper()
	s.Init(id)
	for i := 1; s.MessageCount(id) < total; i++ {
		role := llm.RoleUser
		if i%2 == 0 {
			role = llm.RoleAssistant
		}
		if err := s.AddMessage(id, role, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCompactBelowThresholdUntouched(t *testing.T) {
	s := newTestStore()
	fillConversation(t, s, "c1", 19)

	s.Compact("c1")
	if got := s.MessageCount("c1"); got != 19 {
		t.Errorf("count = %d, want 19 (untouched)", got)
	}
}

func TestCompactKeepsPromptAndRecentSpan(t *testing.T) {
	s := newTestStore()
	fillConversation(t, s, "c1", 24)
	before := s.Messages("c1")

	s.Compact("c1")
	after := s.Messages("c1")

	if len(after) >= len(before) {
		t.Fatalf("compaction dropped nothing: %d -> %d", len(before), len(after))
	}
	if after[0].Role != llm.RoleSystem || after[0].Content != testPrompt {
		t.Errorf("message 0 = %+v, want system prompt", after[0])
	}
	if after[1].Role != llm.RoleUser {
		t.Errorf("kept span starts with %q, want user", after[1].Role)
	}
	// The tail is preserved verbatim.
	if after[len(after)-1].Content != before[len(before)-1].Content {
		t.Error("newest message lost in compaction")
	}
}

func TestDeleteThenAccessReinitializes(t *testing.T) {
	s := newTestStore()
	fillConversation(t, s, "c1", 10)

	s.Delete("c1")
	if s.Has("c1") {
		t.Fatal("conversation still present after delete")
	}

	msgs := s.Messages("c1")
	if len(msgs) != 1 || msgs[0].Role != llm.RoleSystem {
		t.Errorf("reaccess log = %+v, want [systemPrompt]", msgs)
	}
}
