// ABOUTME: Channel tools: join, leave, send, poll, fetch and signature verification
// ABOUTME: Sends are optionally signed and deduplicated by idempotency key

package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2389/hitl-coord/internal/auth"
	"github.com/2389/hitl-coord/internal/channels"
	"github.com/2389/hitl-coord/internal/schema"
)

// Roles accepted by join_coordination_channel.
const (
	RolePrimary     = "primary"
	RoleSubordinate = "subordinate"
)

// SendResult is returned by send_coordination_message.
type SendResult struct {
	MessageID  string    `json:"message_id"`
	Timestamp  time.Time `json:"timestamp"`
	Sequence   int64     `json:"sequence"`
	ChannelURI string    `json:"channel_uri"`
	Replayed   bool      `json:"replayed,omitempty"`
}

// PollResult is returned by poll_coordination_channel.
type PollResult struct {
	Messages []*channels.Message `json:"messages"`
	HasMore  bool                `json:"has_more"`
	LatestID *string             `json:"latest_id"`
}

// MessageURI returns the resource URI of a message.
func MessageURI(channel, messageID string) string {
	return fmt.Sprintf("%s%s/%s", ResourceScheme, channel, messageID)
}

func (c *Coordinator) channelTools() []*Tool {
	return []*Tool{
		{
			Name:        "join_coordination_channel",
			Description: "Join a coordination channel, creating it if needed. With a role, announces the agent with an init message.",
			InputSchema: agentSchema(props{
				"channel_name": str("Channel to join"),
				"role":         enum("Optional role to announce", []string{RolePrimary, RoleSubordinate}),
				"metadata":     object("Metadata included in the announcement"),
			}, "channel_name", "agent_id"),
			ChannelScoped: true,
			handler:       c.joinChannel,
		},
		{
			Name:          "leave_coordination_channel",
			Description:   "Leave a coordination channel",
			InputSchema:   agentSchema(props{"channel_name": str("Channel to leave")}, "channel_name", "agent_id"),
			ChannelScoped: true,
			handler:       c.leaveChannel,
		},
		{
			Name:        "send_coordination_message",
			Description: "Append a typed message to a channel. JSON object content is structured; anything else is text.",
			InputSchema: agentSchema(props{
				"channel_name":    str("Target channel"),
				"from_agent":      str("Sending agent id (alias of agent_id)"),
				"message_type":    enum("Message type", schema.TypeNames()),
				"content":         str("Message body; a JSON object is validated against the type's required fields"),
				"metadata":        object("Free-form metadata"),
				"reply_to":        str("Id of the message this replies to"),
				"idempotency_key": str("Repeat sends with the same key return the first message"),
			}, "channel_name", "message_type", "content"),
			Permission:    auth.PermWrite,
			ChannelScoped: true,
			handler:       c.sendMessage,
		},
		{
			Name:        "poll_coordination_channel",
			Description: "Read messages from a channel in append order",
			InputSchema: agentSchema(props{
				"channel_name":     str("Channel to read"),
				"since_message_id": str("Only return messages after this id"),
				"filter_type":      str("Only return messages of this type; unknown types are ignored"),
				"max_messages":     integer("Maximum messages to return (default 100)"),
			}, "channel_name", "agent_id"),
			Permission:    auth.PermRead,
			ChannelScoped: true,
			handler:       c.pollChannel,
		},
		{
			Name:        "get_coordination_message",
			Description: "Fetch one message by id",
			InputSchema: agentSchema(props{
				"channel_name": str("Channel holding the message"),
				"message_id":   str("Message id"),
			}, "channel_name", "message_id"),
			Permission:    auth.PermRead,
			ChannelScoped: true,
			identity:      identityOptional,
			handler:       c.getMessage,
		},
		{
			Name:        "verify_message_signature",
			Description: "Recompute a message's signature and report whether it matches",
			InputSchema: agentSchema(props{
				"channel_name": str("Channel holding the message"),
				"message_id":   str("Message id"),
			}, "channel_name", "message_id"),
			Permission:    auth.PermRead,
			ChannelScoped: true,
			identity:      identityOptional,
			handler:       c.verifySignature,
		},
	}
}

type channelArgs struct {
	ChannelName string `json:"channel_name"`
}

func (a channelArgs) validate() error {
	return validateChannelName("channel_name", a.ChannelName)
}

// validateChannelName rejects names that cannot be addressed as a single
// coordination:// resource path segment.
func validateChannelName(field, name string) error {
	if name == "" {
		return invalidArgs("%s is required", field)
	}
	if strings.Contains(name, "/") {
		return invalidArgs("%s must not contain '/'", field)
	}
	return nil
}

func (c *Coordinator) joinChannel(_ context.Context, call *Call) (any, error) {
	var in struct {
		channelArgs
		Role     string         `json:"role"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	switch in.Role {
	case "", RolePrimary, RoleSubordinate:
	default:
		return nil, invalidArgs("role must be %q or %q", RolePrimary, RoleSubordinate)
	}

	result := c.channels.JoinChannel(in.ChannelName, call.AgentID)
	if in.Role == "" {
		return result, nil
	}

	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	content, err := schema.FromFields(map[string]any{"role": in.Role, "metadata": metadata})
	if err != nil {
		return nil, invalidArgs("metadata: %v", err)
	}
	if _, err := c.appendMessage(channels.AppendParams{
		Channel:   in.ChannelName,
		FromAgent: call.AgentID,
		Type:      schema.TypeInit,
		Content:   content,
	}); err != nil {
		return nil, err
	}
	result.MessageCount++
	return result, nil
}

func (c *Coordinator) leaveChannel(_ context.Context, call *Call) (any, error) {
	var in channelArgs
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	c.channels.LeaveChannel(in.ChannelName, call.AgentID)
	return map[string]any{"left": true, "channel_name": in.ChannelName}, nil
}

type sendArgs struct {
	channelArgs
	MessageType    string         `json:"message_type"`
	Content        *string        `json:"content"`
	Metadata       map[string]any `json:"metadata"`
	ReplyTo        string         `json:"reply_to"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (c *Coordinator) sendMessage(_ context.Context, call *Call) (any, error) {
	var in sendArgs
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.MessageType == "" {
		return nil, invalidArgs("message_type is required")
	}
	if in.Content == nil {
		return nil, invalidArgs("content is required")
	}

	params := channels.AppendParams{
		Channel:   in.ChannelName,
		FromAgent: call.AgentID,
		Type:      schema.MessageType(in.MessageType),
		Content:   schema.Parse(*in.Content),
		Metadata:  in.Metadata,
		ReplyTo:   in.ReplyTo,
	}

	if in.IdempotencyKey == "" || c.idempotency == nil {
		msg, err := c.appendMessage(params)
		if err != nil {
			return nil, err
		}
		return sendResultOf(msg, false), nil
	}

	key := call.AgentID + "\x00" + in.ChannelName + "\x00" + in.IdempotencyKey
	id, replayed, err := c.idempotency.Do(key, func() (string, error) {
		msg, err := c.appendMessage(params)
		if err != nil {
			return "", err
		}
		return msg.ID, nil
	})
	if err != nil {
		return nil, err
	}
	msg, err := c.channels.GetMessage(in.ChannelName, id)
	if err != nil {
		return nil, err
	}
	if replayed {
		c.logger.Debug("replayed idempotent send", "agent_id", call.AgentID, "channel", in.ChannelName, "message_id", id)
	}
	return sendResultOf(msg, replayed), nil
}

func sendResultOf(msg *channels.Message, replayed bool) SendResult {
	return SendResult{
		MessageID:  msg.ID,
		Timestamp:  msg.Timestamp,
		Sequence:   msg.Sequence,
		ChannelURI: MessageURI(msg.Channel, msg.ID),
		Replayed:   replayed,
	}
}

func (c *Coordinator) pollChannel(_ context.Context, call *Call) (any, error) {
	var in struct {
		channelArgs
		SinceMessageID string `json:"since_message_id"`
		FilterType     string `json:"filter_type"`
		MaxMessages    int    `json:"max_messages"`
	}
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	limit := in.MaxMessages
	if limit <= 0 {
		limit = channels.DefaultReadLimit
	}

	msgs := c.channels.Read(channels.ReadParams{
		Channel:     in.ChannelName,
		SinceID:     in.SinceMessageID,
		FilterType:  in.FilterType,
		MaxMessages: limit,
	})
	result := PollResult{Messages: msgs, HasMore: len(msgs) == limit}
	if len(msgs) > 0 {
		latest := msgs[len(msgs)-1].ID
		result.LatestID = &latest
	}
	return result, nil
}

type messageArgs struct {
	channelArgs
	MessageID string `json:"message_id"`
}

func (c *Coordinator) lookupMessage(call *Call) (*channels.Message, error) {
	var in messageArgs
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.MessageID == "" {
		return nil, invalidArgs("message_id is required")
	}
	return c.channels.GetMessage(in.ChannelName, in.MessageID)
}

func (c *Coordinator) getMessage(_ context.Context, call *Call) (any, error) {
	return c.lookupMessage(call)
}

// SignatureResult is returned by verify_message_signature.
type SignatureResult struct {
	MessageID string `json:"message_id"`
	FromAgent string `json:"from_agent"`
	Signed    bool   `json:"signed"`
	Valid     bool   `json:"valid"`
}

func (c *Coordinator) verifySignature(_ context.Context, call *Call) (any, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("%w: message signing is disabled", ErrUnavailable)
	}
	msg, err := c.lookupMessage(call)
	if err != nil {
		return nil, err
	}
	signed, valid, err := c.verifyMessage(msg)
	if err != nil {
		return nil, err
	}
	return SignatureResult{MessageID: msg.ID, FromAgent: msg.FromAgent, Signed: signed, Valid: valid}, nil
}
