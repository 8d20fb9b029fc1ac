package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/solano/gestor-agent/internal/llm"
)

// compactThreshold is the permanent-log length at which Compact starts
// trimming, and compactScanFrom is the index where it begins looking
// for the newest complete exchange to keep.
const (
	compactThreshold = 20
	compactScanFrom  = 10
)

// Store holds every live conversation: the ordered message log, the
// latest raw model response, and the set of positions occupied by
// transient tool-exchange messages. It is the only shared mutable
// state in the core, so all access goes through one mutex.
type Store struct {
	mu           sync.RWMutex
	convs        map[string]*record
	systemPrompt string
	logger       *slog.Logger
}

type record struct {
	messages     []llm.Message
	transient    map[int]struct{}
	lastResponse *llm.ChatResponse
}

// NewStore creates a store whose conversations all start from the
// given behavioral prompt as message 0.
func NewStore(systemPrompt string, logger *slog.Logger) *Store {
	return &Store{
		convs:        make(map[string]*record),
		systemPrompt: systemPrompt,
		logger:       logger,
	}
}

// get returns the record for id, lazily initializing it (with a
// warning) when the id is unknown. Callers must hold s.mu.
func (s *Store) get(id string) *record {
	rec, ok := s.convs[id]
	if !ok {
		s.logger.Warn("conversation not found, initializing", "conversation", id)
		rec = s.newRecord(id)
	}
	return rec
}

func (s *Store) newRecord(id string) *record {
	rec := &record{
		messages:  []llm.Message{{Role: llm.RoleSystem, Content: s.systemPrompt}},
		transient: make(map[int]struct{}),
	}
	s.convs[id] = rec
	s.logger.Info("new conversation", "conversation", id)
	return rec
}

// Init resets the conversation to just the system prompt.
func (s *Store) Init(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newRecord(id)
}

// Has reports whether the conversation exists with at least one message.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.convs[id]
	return ok && len(rec.messages) > 0
}

// Delete removes the conversation entirely. The next access
// reinitializes it to [systemPrompt].
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
}

// Messages returns a copy of the conversation's message log,
// initializing the conversation if absent.
func (s *Store) Messages(id string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.get(id)
	out := make([]llm.Message, len(rec.messages))
	copy(out, rec.messages)
	return out
}

// MessageCount returns the current log length, zero for unknown ids.
func (s *Store) MessageCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.convs[id]
	if !ok {
		return 0
	}
	return len(rec.messages)
}

// AddMessage validates the role and appends a plain message,
// initializing the conversation if absent. An unrecognized role
// returns *InvalidRoleError and leaves the log untouched.
func (s *Store) AddMessage(id, role, content string) error {
	if !llm.ValidRole(role) {
		s.logger.Error("rejected message with invalid role", "conversation", id, "role", role)
		return &InvalidRoleError{Role: role}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.get(id)
	rec.messages = append(rec.messages, llm.Message{Role: role, Content: content})
	s.logger.Debug("message appended", "conversation", id, "role", role)
	return nil
}

// SetMessages bulk-replaces the conversation's log. Every element's
// role must be recognized; the error names the 1-based position of the
// first offender and nothing is replaced.
func (s *Store) SetMessages(id string, messages []llm.Message) error {
	for i, m := range messages {
		if !llm.ValidRole(m.Role) {
			return &InvalidRoleError{Role: m.Role, Position: i + 1}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.convs[id]
	if !ok {
		rec = s.newRecord(id)
	}
	rec.messages = messages
	// Transient positions indexed the old log; a later purge must not
	// take them out of the new one.
	rec.transient = make(map[int]struct{})
	return nil
}

// RecordResponse stores the raw model response for later extraction.
// Independent from the message log.
func (s *Store) RecordResponse(id string, resp *llm.ChatResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).lastResponse = resp
}

// RecordToolCallTurn reads the just-stored model response, serializes
// its requested calls into one assistant message (any accompanying
// free text included), appends it, and marks the position transient.
func (s *Store) RecordToolCallTurn(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		s.logger.Warn("tool call turn for unknown conversation", "conversation", id)
		return &NotFoundError{ConversationID: id}
	}
	if rec.lastResponse == nil {
		return &NotFoundError{ConversationID: id}
	}

	msg := rec.lastResponse.Message
	rec.messages = append(rec.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
	})
	rec.transient[len(rec.messages)-1] = struct{}{}
	return nil
}

// RecordToolResult appends a tool message carrying the call id and the
// producing function's name, marking the position transient. Non-text
// output is serialized: structured values become compact JSON,
// everything else its default text form. No-ops with a warning when
// the conversation is unknown.
func (s *Store) RecordToolResult(id, callID string, output any, functionName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		s.logger.Warn("tool result for unknown conversation",
			"conversation", id, "call_id", callID, "function", functionName)
		return
	}

	rec.messages = append(rec.messages, llm.Message{
		Role:       llm.RoleTool,
		Content:    serializeOutput(output),
		ToolCallID: callID,
		Name:       functionName,
	})
	rec.transient[len(rec.messages)-1] = struct{}{}
}

// PurgeTransient removes every message at a transient position from
// the log in one atomic replace and clears the transient set. Calling
// it with an empty set is a no-op.
func (s *Store) PurgeTransient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok || len(rec.transient) == 0 {
		return
	}

	clean := make([]llm.Message, 0, len(rec.messages)-len(rec.transient))
	for i, m := range rec.messages {
		if _, transient := rec.transient[i]; !transient {
			clean = append(clean, m)
		}
	}

	s.logger.Info("transient messages purged",
		"conversation", id, "purged", len(rec.messages)-len(clean))
	rec.messages = clean
	rec.transient = make(map[int]struct{})
}

// FinalText returns the trimmed text content of the last recorded
// model response. Returns *NotFoundError when no response was ever
// recorded for this id.
func (s *Store) FinalText(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.convs[id]
	if !ok || rec.lastResponse == nil {
		return "", &NotFoundError{ConversationID: id}
	}
	return strings.TrimSpace(rec.lastResponse.Message.Content), nil
}

// Compact bounds log growth by trimming older turns. Logs shorter
// than 20 messages are untouched. Otherwise the system prompt is kept
// and, scanning from index 10, the log restarts at the first user
// message found, preserving the most recent complete exchange
// verbatim. This is a sliding-window trim, not a summarization.
func (s *Store) Compact(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok || len(rec.messages) < compactThreshold {
		return
	}

	for idx := compactScanFrom; idx < len(rec.messages); idx++ {
		if rec.messages[idx].Role != llm.RoleUser {
			continue
		}
		compacted := make([]llm.Message, 0, 1+len(rec.messages)-idx)
		compacted = append(compacted, rec.messages[0])
		compacted = append(compacted, rec.messages[idx:]...)

		s.logger.Info("conversation compacted",
			"conversation", id,
			"before", len(rec.messages),
			"after", len(compacted))
		rec.messages = compacted
		rec.transient = make(map[int]struct{})
		return
	}

	// No user message past the scan point: nothing safe to anchor a
	// trim on, leave the log alone.
	s.logger.Debug("compaction found no anchor", "conversation", id, "len", len(rec.messages))
}

// serializeOutput converts a tool's output to message text. Maps and
// slices get a deterministic compact JSON encoding; anything else its
// default text form.
func serializeOutput(output any) string {
	switch v := output.(type) {
	case string:
		return v
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}
