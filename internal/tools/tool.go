// ABOUTME: Tool definitions and argument decoding for the coordination facade
// ABOUTME: Each tool declares its input schema and the checks run before its handler

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/hitl-coord/internal/auth"
)

// ErrUnknownTool indicates no tool is registered under the requested name.
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidArguments indicates tool arguments could not be decoded or are
// missing a required field.
var ErrInvalidArguments = errors.New("invalid arguments")

// ErrUnavailable indicates the tool depends on a feature that is disabled.
var ErrUnavailable = errors.New("feature unavailable")

func invalidArgs(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArguments, fmt.Sprintf(format, args...))
}

// identity says whether a tool needs to know who is calling.
type identity int

const (
	// identityRequired tools act on behalf of an agent.
	identityRequired identity = iota
	// identityOptional tools are read-only views; with auth disabled they run anonymously.
	identityOptional
	// identityNone tools authenticate themselves (authenticate) or need the admin key.
	identityNone
)

// Call is one tool invocation after the pipeline has run.
type Call struct {
	// AgentID is the authenticated (or, with auth disabled, claimed) caller.
	// Empty for anonymous and admin calls.
	AgentID string
	Args    json.RawMessage
}

// Decode unmarshals the call arguments into v.
func (c *Call) Decode(v any) error {
	return decodeArgs(c.Args, v)
}

type handlerFunc func(ctx context.Context, call *Call) (any, error)

// Tool is a facade operation callable over MCP.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	// Permission is checked when auth is enabled. Empty skips the check.
	Permission auth.Permission
	// ChannelScoped tools check channel access for the channel_name argument.
	ChannelScoped bool
	// Admin tools require the admin_key argument and skip agent checks.
	Admin bool

	identity identity
	handler  handlerFunc
}

// Info is the listing form of a tool.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// callerArgs are the fields every tool may carry alongside its own.
type callerArgs struct {
	AgentID     string `json:"agent_id"`
	FromAgent   string `json:"from_agent"`
	APIKey      string `json:"api_key"`
	AdminKey    string `json:"admin_key"`
	ChannelName string `json:"channel_name"`
}

func (a callerArgs) agent() string {
	if a.AgentID != "" {
		return a.AgentID
	}
	return a.FromAgent
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
