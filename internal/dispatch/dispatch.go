// Package dispatch executes the tool-call batches requested by one
// model response. All calls in a batch run concurrently across a
// bounded worker pool; a failing call is substituted with a fixed
// error text and never cancels its siblings.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/solano/gestor-agent/internal/archive"
	"github.com/solano/gestor-agent/internal/events"
	"github.com/solano/gestor-agent/internal/llm"
	"github.com/solano/gestor-agent/internal/tools"
)

// ErrorText is the user-facing result substituted for any failed tool
// call. The model, not the host, decides how to phrase the consequence.
const ErrorText = "Ha ocurrido un error inesperado"

// defaultMaxWorkers bounds concurrent tool executions within a batch.
const defaultMaxWorkers = 8

// Error kinds, surfaced through logs and events while the text fed
// back to the model stays ErrorText.
const (
	kindUnknownFunction = "unknown_function"
	kindBadArguments    = "bad_arguments"
	kindExecutionError  = "execution_error"
	kindPanic           = "panic"
)

// ResultSink receives tool results keyed by call identifier. The
// conversation store satisfies it.
type ResultSink interface {
	RecordToolResult(conversationID, callID string, output any, functionName string)
	Messages(conversationID string) []llm.Message
}

// Batch carries the per-turn context injected into every call.
type Batch struct {
	RequestID      string
	ConversationID string
	Channel        tools.Channel
	Manager        tools.BusinessManager
	Agent          string
}

// Dispatcher resolves and executes tool-call batches.
type Dispatcher struct {
	logger     *slog.Logger
	registry   *tools.Registry
	bus        *events.Bus
	archive    *archive.Store
	maxWorkers int
}

// New creates a dispatcher over the given registry. The bus may be nil.
func New(logger *slog.Logger, registry *tools.Registry, bus *events.Bus) *Dispatcher {
	return &Dispatcher{
		logger:     logger,
		registry:   registry,
		bus:        bus,
		maxWorkers: defaultMaxWorkers,
	}
}

// SetArchive attaches a turn archive; every executed call is then
// recorded to it. Optional.
func (d *Dispatcher) SetArchive(a *archive.Store) { d.archive = a }

type callOutcome struct {
	output    string
	errorKind string
}

// RunBatch executes every call of one model response concurrently and
// waits for all of them. Each result, success or substituted error, is
// written to the sink keyed by the call's identifier; completion order
// never affects the pairing. Unknown functions and argument decode
// failures fail only their own call.
func (d *Dispatcher) RunBatch(ctx context.Context, calls []llm.ToolCall, batch Batch, sink ResultSink) {
	if len(calls) == 0 {
		return
	}

	d.logger.Info("dispatching tool batch",
		"request_id", batch.RequestID,
		"conversation", batch.ConversationID,
		"calls", len(calls),
	)

	outcomes := make([]callOutcome, len(calls))
	sem := make(chan struct{}, d.maxWorkers)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = d.runCall(ctx, call, batch, sink)
		}(i, call)
	}
	wg.Wait()

	// Write results in request order so the replayed log is stable;
	// pairing is by call id regardless.
	for i, call := range calls {
		out := outcomes[i]
		result := out.output
		if out.errorKind != "" {
			result = ErrorText
		}
		sink.RecordToolResult(batch.ConversationID, call.ID, result, call.Name)
	}
}

// runCall executes one call and never lets a failure escape: any
// error or panic becomes a non-empty errorKind in the outcome.
func (d *Dispatcher) runCall(ctx context.Context, call llm.ToolCall, batch Batch, sink ResultSink) (outcome callOutcome) {
	start := time.Now()

	d.bus.Publish(events.Event{
		Source: events.SourceDispatch,
		Kind:   events.KindToolCall,
		Data: map[string]any{
			"request_id": batch.RequestID,
			"call_id":    call.ID,
			"function":   call.Name,
		},
	})

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool call panicked",
				"function", call.Name, "call_id", call.ID, "panic", r)
			outcome = callOutcome{errorKind: kindPanic}
		}

		d.bus.Publish(events.Event{
			Source: events.SourceDispatch,
			Kind:   events.KindToolDone,
			Data: map[string]any{
				"request_id":  batch.RequestID,
				"call_id":     call.ID,
				"function":    call.Name,
				"ok":          outcome.errorKind == "",
				"error_kind":  outcome.errorKind,
				"duration_ms": time.Since(start).Milliseconds(),
			},
		})

		if err := d.archive.RecordTool(ctx, archive.ToolRecord{
			RequestID:      batch.RequestID,
			ConversationID: batch.ConversationID,
			CallID:         call.ID,
			ToolName:       call.Name,
			Arguments:      call.Arguments,
			Output:         outcome.output,
			Failed:         outcome.errorKind != "",
			Elapsed:        time.Since(start),
		}); err != nil {
			d.logger.Warn("tool execution not archived",
				"call_id", call.ID, "function", call.Name, "error", err)
		}
	}()

	d.logger.Debug("tool call",
		"function", call.Name,
		"call_id", call.ID,
		"args", truncate(call.Arguments, 100),
	)

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		d.logger.Error("tool arguments do not decode",
			"function", call.Name, "call_id", call.ID, "error", err)
		return callOutcome{errorKind: kindBadArguments}
	}

	tool := d.registry.Get(call.Name)
	if tool == nil {
		d.logger.Error("tool not registered", "function", call.Name, "call_id", call.ID)
		return callOutcome{errorKind: kindUnknownFunction}
	}

	inv := tools.Invocation{
		Args:    args,
		Agent:   batch.Agent,
		Channel: batch.Channel,
		Manager: batch.Manager,
	}
	if tool.WantTranscript {
		inv.Transcript = sink.Messages(batch.ConversationID)
	}

	output, err := d.registry.Execute(ctx, call.Name, inv)
	if err != nil {
		d.logger.Error("tool call failed",
			"function", call.Name, "call_id", call.ID, "error", err)
		return callOutcome{errorKind: kindExecutionError}
	}

	d.logger.Info("tool call completed",
		"function", call.Name,
		"call_id", call.ID,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return callOutcome{output: output}
}

// decodeArgs parses a call's raw argument payload. An empty or blank
// payload yields an empty map, not an error.
func decodeArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
