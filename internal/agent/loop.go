// Package agent implements the turn orchestration loop: one user
// message in, iterate model calls and tool batches until the model
// answers with plain text, one reply out.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solano/gestor-agent/internal/archive"
	"github.com/solano/gestor-agent/internal/conversation"
	"github.com/solano/gestor-agent/internal/dispatch"
	"github.com/solano/gestor-agent/internal/events"
	"github.com/solano/gestor-agent/internal/llm"
	"github.com/solano/gestor-agent/internal/tools"
)

// FallbackReply is returned when the model keeps requesting tools past
// the iteration cap and never produces a final text.
const FallbackReply = "No he podido completar la consulta. Por favor, inténtalo de nuevo."

// contextResetThreshold is the message count past which an explicit
// context check wipes the conversation.
const contextResetThreshold = 20

// Surface posts interim assistant text to the chat channel while the
// turn is still running. Implementations must not block on delivery.
type Surface interface {
	PostMessage(ctx context.Context, channel tools.Channel, author, text string) error
}

// Request is one inbound user message.
type Request struct {
	ConversationID string
	Text           string

	// Channel and Manager are opaque host handles threaded through to
	// tool handlers.
	Channel tools.Channel
	Manager tools.BusinessManager
}

// Response is the completed turn.
type Response struct {
	RequestID  string
	Text       string
	Model      string
	Iterations int
	Elapsed    time.Duration
}

// Loop drives turns for any number of conversations. One turn per
// conversation runs at a time; different conversations proceed
// concurrently.
type Loop struct {
	logger     *slog.Logger
	store      *conversation.Store
	client     llm.Client
	dispatcher *dispatch.Dispatcher
	registry   *tools.Registry
	bus        *events.Bus

	model         string
	agentName     string
	maxIterations int
	turnTimeout   time.Duration

	surface Surface
	archive *archive.Store

	mu    sync.Mutex
	turns map[string]*sync.Mutex
}

// Options configures a Loop.
type Options struct {
	Model         string
	AgentName     string
	MaxIterations int
	// TurnTimeout bounds one whole turn, model calls and tool batches
	// included. Zero disables the bound.
	TurnTimeout time.Duration
}

// New creates a turn loop over the given collaborators.
func New(logger *slog.Logger, store *conversation.Store, client llm.Client,
	dispatcher *dispatch.Dispatcher, registry *tools.Registry,
	bus *events.Bus, opts Options) *Loop {

	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 8
	}
	if opts.AgentName == "" {
		opts.AgentName = "Gestor"
	}
	return &Loop{
		logger:        logger,
		store:         store,
		client:        client,
		dispatcher:    dispatcher,
		registry:      registry,
		bus:           bus,
		model:         opts.Model,
		agentName:     opts.AgentName,
		maxIterations: opts.MaxIterations,
		turnTimeout:   opts.TurnTimeout,
		turns:         make(map[string]*sync.Mutex),
	}
}

// SetSurface attaches a chat surface for interim narration. Optional.
func (l *Loop) SetSurface(s Surface) { l.surface = s }

// SetArchive attaches a turn archive. Optional.
func (l *Loop) SetArchive(a *archive.Store) { l.archive = a }

// turnLock returns the serialization mutex for one conversation.
func (l *Loop) turnLock(conversationID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.turns[conversationID]
	if !ok {
		m = &sync.Mutex{}
		l.turns[conversationID] = m
	}
	return m
}

// Run processes one user message to completion and returns the final
// reply. Concurrent calls for the same conversation queue behind each
// other; the message log only ever sees whole turns.
func (l *Loop) Run(ctx context.Context, req Request) (*Response, error) {
	lock := l.turnLock(req.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	if l.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.turnTimeout)
		defer cancel()
	}

	start := time.Now()
	requestID := newRequestID()
	log := l.logger.With("request_id", requestID, "conversation", req.ConversationID)

	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnStart,
		Data: map[string]any{
			"request_id":      requestID,
			"conversation_id": req.ConversationID,
		},
	})

	if err := l.store.AddMessage(req.ConversationID, llm.RoleUser, req.Text); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	// Whatever way the turn ends, no tool exchange survives in the log.
	defer l.store.PurgeTransient(req.ConversationID)

	catalog := l.registry.Catalog()
	iterations := 0
	var usage tokenUsage
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("turn aborted after %d iterations: %w", iterations, err)
		}
		if iterations >= l.maxIterations {
			log.Warn("iteration cap reached, answering with fallback", "iterations", iterations)
			return l.finish(ctx, req, requestID, FallbackReply, iterations, usage, start)
		}
		iterations++

		l.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindModelCall,
			Data:   map[string]any{"request_id": requestID, "iter": iterations, "model": l.model},
		})
		log.Debug("calling model", "iter", iterations, "messages", l.store.MessageCount(req.ConversationID))

		resp, err := l.client.Chat(ctx, l.model, l.store.Messages(req.ConversationID), catalog)
		if err != nil {
			return nil, fmt.Errorf("model call (iteration %d): %w", iterations, err)
		}
		l.store.RecordResponse(req.ConversationID, resp)
		usage.in += resp.InputTokens
		usage.out += resp.OutputTokens

		l.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindModelResponse,
			Data: map[string]any{
				"request_id": requestID,
				"iter":       iterations,
				"model":      resp.Model,
				"tokens_in":  resp.InputTokens,
				"tokens_out": resp.OutputTokens,
				"tool_calls": len(resp.Message.ToolCalls),
			},
		})

		if !resp.HasToolCalls() {
			text, err := l.store.FinalText(req.ConversationID)
			if err != nil {
				return nil, fmt.Errorf("extract final text: %w", err)
			}
			return l.finish(ctx, req, requestID, text, iterations, usage, start)
		}

		// Free text accompanying a tool request is narration for the
		// user, not part of the final answer. Forward it and move on.
		if text := resp.Message.Content; text != "" && l.surface != nil {
			if err := l.surface.PostMessage(ctx, req.Channel, l.agentName, text); err != nil {
				log.Warn("interim narration not delivered", "error", err)
			}
		}

		if err := l.store.RecordToolCallTurn(req.ConversationID); err != nil {
			return nil, fmt.Errorf("record tool call turn: %w", err)
		}
		log.Info("executing tool batch", "iter", iterations, "calls", len(resp.Message.ToolCalls))
		l.dispatcher.RunBatch(ctx, resp.Message.ToolCalls, dispatch.Batch{
			RequestID:      requestID,
			ConversationID: req.ConversationID,
			Channel:        req.Channel,
			Manager:        req.Manager,
			Agent:          l.agentName,
		}, l.store)
	}
}

// tokenUsage sums model-call token counts across the iterations of
// one turn.
type tokenUsage struct {
	in  int
	out int
}

// finish closes out a turn: drop the tool exchange, append the reply,
// compact, archive, and publish completion.
func (l *Loop) finish(ctx context.Context, req Request, requestID, text string,
	iterations int, usage tokenUsage, start time.Time) (*Response, error) {

	l.store.PurgeTransient(req.ConversationID)
	if err := l.store.AddMessage(req.ConversationID, llm.RoleAssistant, text); err != nil {
		return nil, fmt.Errorf("append assistant reply: %w", err)
	}
	l.store.Compact(req.ConversationID)

	elapsed := time.Since(start)
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnComplete,
		Data: map[string]any{
			"request_id":      requestID,
			"conversation_id": req.ConversationID,
			"iterations":      iterations,
			"elapsed_ms":      elapsed.Milliseconds(),
		},
	})
	if err := l.archive.RecordTurn(ctx, archive.TurnRecord{
		RequestID:      requestID,
		ConversationID: req.ConversationID,
		UserText:       req.Text,
		ReplyText:      text,
		Model:          l.model,
		Iterations:     iterations,
		InputTokens:    usage.in,
		OutputTokens:   usage.out,
		Elapsed:        elapsed,
	}); err != nil {
		l.logger.Warn("turn not archived", "request_id", requestID, "error", err)
	}

	l.logger.Info("turn complete",
		"request_id", requestID,
		"conversation", req.ConversationID,
		"iterations", iterations,
		"elapsed_ms", elapsed.Milliseconds())

	return &Response{
		RequestID:  requestID,
		Text:       text,
		Model:      l.model,
		Iterations: iterations,
		Elapsed:    elapsed,
	}, nil
}

// Reset discards a conversation's log. The next message starts fresh.
func (l *Loop) Reset(conversationID string) {
	lock := l.turnLock(conversationID)
	lock.Lock()
	defer lock.Unlock()
	l.store.Delete(conversationID)
	l.logger.Info("conversation reset", "conversation", conversationID)
}

// CheckContextSize wipes the conversation when its log has grown past
// the reset threshold, reporting whether a wipe happened. Hosts call
// this between turns; the loop itself relies on compaction instead.
func (l *Loop) CheckContextSize(conversationID string) bool {
	lock := l.turnLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	n := l.store.MessageCount(conversationID)
	if n <= contextResetThreshold {
		return false
	}
	l.store.Delete(conversationID)
	l.logger.Info("conversation wiped by context check",
		"conversation", conversationID, "messages", n)
	return true
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
