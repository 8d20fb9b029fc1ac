package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQueryTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, reply := range []string{"primera", "segunda", "tercera"} {
		rec := TurnRecord{
			RequestID:      "req-" + reply,
			ConversationID: "conv-1",
			UserText:       "hola",
			ReplyText:      reply,
			Model:          "gpt-4.1-mini",
			Iterations:     i + 1,
			Elapsed:        150 * time.Millisecond,
		}
		if err := s.RecordTurn(ctx, rec); err != nil {
			t.Fatalf("RecordTurn() error = %v", err)
		}
		// created_at has millisecond-ish resolution; keep inserts apart
		time.Sleep(5 * time.Millisecond)
	}

	turns, err := s.RecentTurns(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("RecentTurns() returned %d turns, want 2", len(turns))
	}
	if turns[0].ReplyText != "tercera" {
		t.Errorf("newest turn reply = %q, want %q", turns[0].ReplyText, "tercera")
	}
	if turns[0].Elapsed != 150*time.Millisecond {
		t.Errorf("elapsed = %v, want 150ms", turns[0].Elapsed)
	}

	n, err := s.TurnCount(ctx)
	if err != nil {
		t.Fatalf("TurnCount() error = %v", err)
	}
	if n != 3 {
		t.Errorf("TurnCount() = %d, want 3", n)
	}
}

func TestRecentTurnsOtherConversationEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.RecordTurn(ctx, TurnRecord{
		RequestID: "req-1", ConversationID: "conv-a",
		UserText: "hola", ReplyText: "buenas", Model: "m",
	})
	if err != nil {
		t.Fatalf("RecordTurn() error = %v", err)
	}

	turns, err := s.RecentTurns(ctx, "conv-b", 10)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("RecentTurns(conv-b) returned %d turns, want 0", len(turns))
	}
}

func TestRecordToolExecution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.RecordTool(ctx, ToolRecord{
		RequestID:      "req-1",
		ConversationID: "conv-1",
		CallID:         "call_1",
		ToolName:       "product_stock",
		Arguments:      `{"name":"tornillo"}`,
		Output:         "12",
		Elapsed:        30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RecordTool() error = %v", err)
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if err := s.RecordTurn(ctx, TurnRecord{}); err != nil {
		t.Errorf("nil RecordTurn() error = %v", err)
	}
	if err := s.RecordTool(ctx, ToolRecord{}); err != nil {
		t.Errorf("nil RecordTool() error = %v", err)
	}
	if turns, err := s.RecentTurns(ctx, "x", 1); err != nil || turns != nil {
		t.Errorf("nil RecentTurns() = %v, %v", turns, err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}
