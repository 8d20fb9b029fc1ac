// Package tools provides the registry of business functions callable
// by the model.
//
// This file defines sentinel error types for tool resolution.
package tools

import "fmt"

// UnknownToolError is returned when a call targets a function absent
// from the registry. This indicates a catalogue/registry mismatch, not
// a transient execution failure: the dispatcher substitutes the error
// text for this one call and lets siblings proceed.
type UnknownToolError struct {
	ToolName string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("function %q is not registered", e.ToolName)
}
