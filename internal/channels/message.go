// ABOUTME: Message and Channel records owned by the channel store
// ABOUTME: Messages are immutable after append; snapshots are copies

package channels

import (
	"time"

	"github.com/2389/hitl-coord/internal/schema"
)

// Message is one entry in a channel log. Never mutated after append.
type Message struct {
	ID        string             `json:"id"`
	Channel   string             `json:"channel"`
	FromAgent string             `json:"from_agent"`
	Timestamp time.Time          `json:"timestamp"`
	Type      schema.MessageType `json:"type"`
	Content   schema.Content     `json:"content"`
	Sequence  int64              `json:"sequence"`
	Metadata  map[string]any     `json:"metadata"`
	ReplyTo   string             `json:"reply_to,omitempty"`
}

// Channel is a snapshot of channel metadata.
type Channel struct {
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	Members      []string  `json:"members"`
	MessageCount int       `json:"message_count"`
	MaxMessages  int       `json:"max_messages"`
}

// JoinResult is returned by JoinChannel.
type JoinResult struct {
	ChannelName  string    `json:"channel_name"`
	AgentID      string    `json:"agent_id"`
	JoinedAt     time.Time `json:"joined_at"`
	OtherAgents  []string  `json:"other_agents"`
	MessageCount int       `json:"message_count"`
}

// AppendParams describes a message to append.
type AppendParams struct {
	Channel   string
	FromAgent string
	Type      schema.MessageType
	Content   schema.Content
	Metadata  map[string]any
	ReplyTo   string
}

// ReadParams selects messages from a channel log.
type ReadParams struct {
	Channel string
	// SinceID starts the read strictly after this message. Empty or unknown
	// ids read from the beginning.
	SinceID string
	// FilterType keeps only messages of this type. Unknown type names are
	// ignored so old polling clients keep working.
	FilterType string
	// MaxMessages caps the result; zero or negative means DefaultReadLimit.
	MaxMessages int
}

// Stats summarizes the store.
type Stats struct {
	Channels            int `json:"channels"`
	TotalMessages       int `json:"total_messages"`
	ActiveSubscriptions int `json:"active_subscriptions"`
}
