// Package conversation provides per-conversation message logs with
// transient tool-exchange bookkeeping.
//
// This file defines the typed errors of the store contract.
package conversation

import (
	"fmt"
	"strings"

	"github.com/solano/gestor-agent/internal/llm"
)

// InvalidRoleError reports a message with an unrecognized role. When
// the message came from a batch, Position is its 1-based index.
type InvalidRoleError struct {
	Role     string
	Position int
}

func (e *InvalidRoleError) Error() string {
	valid := strings.Join(llm.Roles(), ", ")
	if e.Position > 0 {
		return fmt.Sprintf("invalid role %q in message %d, must be one of: %s", e.Role, e.Position, valid)
	}
	return fmt.Sprintf("invalid role %q, must be one of: %s", e.Role, valid)
}

// NotFoundError reports a read against a conversation that has no
// recorded state to read. Mutations never return it; they lazily
// initialize instead.
type NotFoundError struct {
	ConversationID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("conversation %q not found", e.ConversationID)
}
