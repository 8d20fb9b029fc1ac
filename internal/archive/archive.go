// Package archive persists completed agent turns to SQLite for
// later inspection. The archive is write-mostly and advisory: a
// failed insert never fails the turn that produced it.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TurnRecord describes one completed request/response exchange.
type TurnRecord struct {
	RequestID      string
	ConversationID string
	UserText       string
	ReplyText      string
	Model          string
	Iterations     int
	InputTokens    int
	OutputTokens   int
	Elapsed        time.Duration
}

// ToolRecord describes one tool execution inside a turn.
type ToolRecord struct {
	RequestID      string
	ConversationID string
	CallID         string
	ToolName       string
	Arguments      string
	Output         string
	Failed         bool
	Elapsed        time.Duration
}

// Store is a SQLite-backed turn archive.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the archive database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		request_id      TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		user_text       TEXT NOT NULL,
		reply_text      TEXT NOT NULL,
		model           TEXT NOT NULL,
		iterations      INTEGER NOT NULL,
		input_tokens    INTEGER NOT NULL DEFAULT 0,
		output_tokens   INTEGER NOT NULL DEFAULT 0,
		elapsed_ms      INTEGER NOT NULL,
		created_at      TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS tool_executions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id      TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		call_id         TEXT NOT NULL,
		tool_name       TEXT NOT NULL,
		arguments       TEXT NOT NULL,
		output          TEXT NOT NULL,
		failed          BOOLEAN NOT NULL DEFAULT FALSE,
		elapsed_ms      INTEGER NOT NULL,
		created_at      TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_executions_request ON tool_executions(request_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordTurn inserts a completed turn. Nil-safe.
func (s *Store) RecordTurn(ctx context.Context, rec TurnRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (request_id, conversation_id, user_text, reply_text,
			model, iterations, input_tokens, output_tokens, elapsed_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.ConversationID, rec.UserText, rec.ReplyText,
		rec.Model, rec.Iterations, rec.InputTokens, rec.OutputTokens,
		rec.Elapsed.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

// RecordTool inserts one tool execution. Nil-safe.
func (s *Store) RecordTool(ctx context.Context, rec ToolRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (request_id, conversation_id, call_id,
			tool_name, arguments, output, failed, elapsed_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.ConversationID, rec.CallID,
		rec.ToolName, rec.Arguments, rec.Output, rec.Failed,
		rec.Elapsed.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record tool execution: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit most recent turns for a conversation,
// newest first.
func (s *Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, conversation_id, user_text, reply_text,
			model, iterations, input_tokens, output_tokens, elapsed_ms
		FROM turns
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		var elapsedMS int64
		if err := rows.Scan(&rec.RequestID, &rec.ConversationID, &rec.UserText,
			&rec.ReplyText, &rec.Model, &rec.Iterations,
			&rec.InputTokens, &rec.OutputTokens, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ToolExecutions returns the tool executions recorded for one
// request, in insertion order.
func (s *Store) ToolExecutions(ctx context.Context, requestID string) ([]ToolRecord, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, conversation_id, call_id, tool_name,
			arguments, output, failed, elapsed_ms
		FROM tool_executions
		WHERE request_id = ?
		ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query tool executions: %w", err)
	}
	defer rows.Close()

	var out []ToolRecord
	for rows.Next() {
		var rec ToolRecord
		var elapsedMS int64
		if err := rows.Scan(&rec.RequestID, &rec.ConversationID, &rec.CallID,
			&rec.ToolName, &rec.Arguments, &rec.Output, &rec.Failed, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scan tool execution: %w", err)
		}
		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TurnCount returns the total number of archived turns.
func (s *Store) TurnCount(ctx context.Context) (int, error) {
	if s == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&n)
	return n, err
}

// Close closes the underlying database. Nil-safe.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
