// Package bridge connects the agent loop to an MQTT chat surface.
// Inbound user messages arrive on <prefix>/chat/<conversation>/in and
// replies go out on <prefix>/chat/<conversation>/out, so any broker
// client works as a chat front end.
package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/solano/gestor-agent/internal/agent"
	"github.com/solano/gestor-agent/internal/config"
	"github.com/solano/gestor-agent/internal/events"
	"github.com/solano/gestor-agent/internal/tools"
)

// resetCommand wipes the conversation when received as the whole
// message text.
const resetCommand = "/reset"

// resetReply confirms a wipe to the user.
const resetReply = "Conversación reiniciada."

// rateLimitReply is sent when a sender exceeds the per-sender message
// rate.
const rateLimitReply = "Demasiados mensajes seguidos. Espera un momento, por favor."

// Runner is what the bridge needs from the agent loop.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Response, error)
	Reset(conversationID string)
}

// InboundMessage is the JSON payload expected on the in topic.
type InboundMessage struct {
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text"`
}

// OutboundMessage is the JSON payload published on the out topic.
type OutboundMessage struct {
	Author    string `json:"author"`
	Text      string `json:"text"`
	RequestID string `json:"request_id,omitempty"`
}

// Bridge subscribes to the chat topics and drives one agent turn per
// inbound message.
type Bridge struct {
	cfg       config.MQTTConfig
	runner    Runner
	manager   tools.BusinessManager
	agentName string
	logger    *slog.Logger
	bus       *events.Bus

	cm *autopaho.ConnectionManager

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin the connection and message loop.
func New(cfg config.MQTTConfig, runner Runner, manager tools.BusinessManager,
	agentName string, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:       cfg,
		runner:    runner,
		manager:   manager,
		agentName: agentName,
		logger:    logger,
		bus:       bus,
		lastSeen:  make(map[string]time.Time),
	}
}

// Start connects to the broker and serves messages until ctx is
// cancelled. On every (re-)connect it re-subscribes to the in topics.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	inFilter := b.cfg.TopicPrefix + "/chat/+/in"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: inFilter, QoS: 1}},
			}); err != nil {
				b.logger.Error("mqtt subscribe failed", "topic", inFilter, "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "gestor-bridge",
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handlePublish(ctx, pr.Packet)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Stop disconnects from the broker.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}

// handlePublish parses one inbound packet and runs the turn. Each
// message gets its own goroutine so a long turn on one conversation
// never stalls the receive path.
func (b *Bridge) handlePublish(ctx context.Context, pkt *paho.Publish) {
	conv, ok := ConversationFromTopic(b.cfg.TopicPrefix, pkt.Topic)
	if !ok {
		b.logger.Debug("ignoring packet on unexpected topic", "topic", pkt.Topic)
		return
	}

	msg, err := ParseInbound(pkt.Payload)
	if err != nil {
		b.logger.Warn("discarding malformed chat payload", "conversation", conv, "error", err)
		return
	}

	b.bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindMessageReceived,
		Data: map[string]any{
			"sender":          msg.Sender,
			"conversation_id": conv,
			"message_len":     len(msg.Text),
		},
	})

	if !b.allow(senderKey(conv, msg.Sender)) {
		b.publishReply(ctx, conv, OutboundMessage{Author: b.agentName, Text: rateLimitReply})
		return
	}

	go b.serve(ctx, conv, msg)
}

func (b *Bridge) serve(ctx context.Context, conv string, msg InboundMessage) {
	if strings.TrimSpace(msg.Text) == resetCommand {
		b.runner.Reset(conv)
		b.publishReply(ctx, conv, OutboundMessage{Author: b.agentName, Text: resetReply})
		return
	}

	resp, err := b.runner.Run(ctx, agent.Request{
		ConversationID: conv,
		Text:           msg.Text,
		Channel:        conv,
		Manager:        b.manager,
	})
	if err != nil {
		b.logger.Error("turn failed", "conversation", conv, "error", err)
		b.publishReply(ctx, conv, OutboundMessage{
			Author: b.agentName,
			Text:   "Ha ocurrido un error inesperado. Inténtalo de nuevo.",
		})
		return
	}
	b.publishReply(ctx, conv, OutboundMessage{
		Author:    b.agentName,
		Text:      resp.Text,
		RequestID: resp.RequestID,
	})
}

// PostMessage publishes interim assistant text to the conversation's
// out topic. Satisfies the agent loop's surface interface; the channel
// handle is the conversation id.
func (b *Bridge) PostMessage(ctx context.Context, channel tools.Channel, author, text string) error {
	conv, ok := channel.(string)
	if !ok || conv == "" {
		return fmt.Errorf("channel handle is not a conversation id")
	}
	return b.publishReply(ctx, conv, OutboundMessage{Author: author, Text: text})
}

func (b *Bridge) publishReply(ctx context.Context, conv string, msg OutboundMessage) error {
	if b.cm == nil {
		return fmt.Errorf("bridge not started")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	topic := fmt.Sprintf("%s/chat/%s/out", b.cfg.TopicPrefix, conv)
	if _, err := b.cm.Publish(ctx, &paho.Publish{Topic: topic, QoS: 1, Payload: payload}); err != nil {
		b.logger.Error("mqtt publish failed", "topic", topic, "error", err)
		return err
	}
	return nil
}

// allow enforces the per-sender minimum interval between messages.
// Zero interval disables limiting.
func (b *Bridge) allow(key string) bool {
	interval := b.cfg.RateInterval()
	if interval <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if last, ok := b.lastSeen[key]; ok && now.Sub(last) < interval {
		return false
	}
	b.lastSeen[key] = now
	return true
}

func senderKey(conv, sender string) string {
	if sender == "" {
		return conv
	}
	return conv + "/" + sender
}

// ConversationFromTopic extracts the conversation id from an in topic.
// The topic must be exactly <prefix>/chat/<conversation>/in with a
// non-empty conversation segment.
func ConversationFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/chat/")
	if !ok {
		return "", false
	}
	conv, ok := strings.CutSuffix(rest, "/in")
	if !ok || conv == "" || strings.Contains(conv, "/") {
		return "", false
	}
	return conv, true
}

// ParseInbound decodes an inbound chat payload. Empty text is
// rejected.
func ParseInbound(payload []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return InboundMessage{}, fmt.Errorf("decode chat payload: %w", err)
	}
	if strings.TrimSpace(msg.Text) == "" {
		return InboundMessage{}, fmt.Errorf("chat payload has no text")
	}
	return msg, nil
}
