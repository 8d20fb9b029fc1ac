// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from components (agent loop,
// dispatcher, chat bridge) to in-process subscribers. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceDispatch identifies events from the tool dispatcher.
	SourceDispatch = "dispatch"
	// SourceBridge identifies events from the chat bridge.
	SourceBridge = "bridge"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a user turn.
	// Data: request_id, conversation_id.
	KindTurnStart = "turn_start"
	// KindModelCall signals the start of a model gateway call.
	// Data: request_id, iter, model.
	KindModelCall = "model_call"
	// KindModelResponse signals completion of a model gateway call.
	// Data: request_id, iter, model, tokens_in, tokens_out, tool_calls.
	KindModelResponse = "model_response"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, call_id, function.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, call_id, function, ok, error_kind, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete signals the end of a user turn.
	// Data: request_id, conversation_id, iterations, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindMessageReceived signals an inbound chat message.
	// Data: sender, conversation_id, message_len.
	KindMessageReceived = "message_received"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to a subscriber
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: a full
// subscriber channel drops the event for that subscriber. Safe to call
// on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
