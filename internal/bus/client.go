// Package bus publishes conversation events to NATS so other local tools can
// follow extraction without polling the web app.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/platform"
)

// SubjectPrefix is followed by the event name: detected or updated.
const SubjectPrefix = "chatmerge.conversation."

// SubjectAll matches every conversation event.
const SubjectAll = SubjectPrefix + "*"

// ConversationEvent is the payload published for each accepted snapshot.
type ConversationEvent struct {
	Event        string                    `json:"event"`
	Platform     platform.Platform         `json:"platform"`
	StableKey    string                    `json:"stable_key,omitempty"`
	PublishedAt  time.Time                 `json:"published_at"`
	Conversation conversation.Conversation `json:"conversation"`
}

// Subject returns the subject for an event name.
func Subject(event string) string {
	return SubjectPrefix + event
}

// EventFromSubject returns the event name a subject carries.
func EventFromSubject(subject string) string {
	return strings.TrimPrefix(subject, SubjectPrefix)
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

// NewClient connects to url, retrying in the background when the server is
// not up yet.
func NewClient(url, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("chatmerge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// PublishConversation publishes c on the subject for event.
func (c *Client) PublishConversation(event string, conv *conversation.Conversation) error {
	return c.Publish(Subject(event), NewEvent(event, conv, time.Now()))
}

// NewEvent wraps a conversation for publishing.
func NewEvent(event string, conv *conversation.Conversation, at time.Time) ConversationEvent {
	return ConversationEvent{
		Event:        event,
		Platform:     conv.Platform,
		StableKey:    conv.StableKey(),
		PublishedAt:  at.UTC(),
		Conversation: *conv,
	}
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// SubscribeConversations delivers every decoded conversation event to fn.
// Undecodable messages are logged and dropped.
func (c *Client) SubscribeConversations(fn func(ev ConversationEvent)) error {
	return c.Subscribe(SubjectAll, func(subject string, data []byte) {
		ev, err := DecodeEvent(subject, data)
		if err != nil {
			c.logger.Warn("dropping conversation event", "subject", subject, "error", err)
			return
		}
		fn(ev)
	})
}

// DecodeEvent parses a published event. The event name falls back to the
// subject when the payload omits it.
func DecodeEvent(subject string, data []byte) (ConversationEvent, error) {
	var ev ConversationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decoding conversation event: %w", err)
	}
	if ev.Event == "" {
		ev.Event = EventFromSubject(subject)
	}
	if !ev.Conversation.Platform.Valid() {
		return ev, fmt.Errorf("event has invalid platform %q", ev.Conversation.Platform)
	}
	return ev, nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
