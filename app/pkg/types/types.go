package types

import "context"

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"

	MessageKindText = "text"
)

// Message represents one inbound event or one outbound reply.
type Message struct {
	ID        string
	Content   string
	Role      string // "user" or "assistant"
	Kind      string // provider message kind; only "text" is processed
	ChannelID string // source channel identifier (e.g., "whatsapp", "cli")
	Owner     string // external user identifier (phone-number-like)
	Meta      map[string]interface{}
}

// Agent routes one inbound message to a reply.
type Agent interface {
	Process(ctx context.Context, msg Message) (Message, error)
	Name() string
}

// Channel is an input/output transport (WhatsApp, CLI).
type Channel interface {
	Start(ctx context.Context, handler func(Message)) error
	Send(ctx context.Context, msg Message) error
	ID() string
}

// Gateway orchestrates channels and the agent.
type Gateway interface {
	RegisterChannel(c Channel)
	Start(ctx context.Context) error
}
