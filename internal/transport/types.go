package transport

import (
	"context"
	"time"
)

type EventKind string

const (
	EventMessage        EventKind = "message"
	EventMessageDeleted EventKind = "message_deleted"
)

// Event is a normalized inbound provider event.
//
// Adapters translate raw SDK payloads into this shape at the boundary; the
// gateway core never sees provider-specific types.
type Event struct {
	Kind    EventKind
	Message *Message
	Deleted *MessageRef
}

// Message is a normalized inbound chat message.
//
// ID is the provider-native idempotency token (Slack event_ts, Discord
// snowflake, Telegram update id) used for deduplication.
type Message struct {
	ID           string
	ChannelID    string
	ThreadID     string
	FromID       string
	FromUsername string
	Text         string
	At           time.Time
	FromSelf     bool
}

type MessageRef struct {
	ID        string
	ChannelID string
}

type SendOptions struct {
	ThreadID       string
	DisablePreview bool
	Silent         bool
}

// MessageRecord is a single entry of recent channel history.
type MessageRecord struct {
	ID        string
	ChannelID string
	FromID    string
	Text      string
	At        time.Time
}

// Transport is the wire-level collaborator the gateway delegates to.
//
// Send must classify provider failures into the typed errors in this package
// (RateLimitedError, ServerError, NetworkError, ValidationError,
// PermissionError) so the retry policy can act on them.
type Transport interface {
	Name() string

	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	Send(ctx context.Context, channelID, text string, opt *SendOptions) (MessageRef, error)
	FetchRecent(ctx context.Context, channelID string, limit int) ([]MessageRecord, error)
}
