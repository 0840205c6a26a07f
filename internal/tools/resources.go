// ABOUTME: Read-only coordination resources addressed by coordination:// URIs
// ABOUTME: Channel-scoped reads honor channel access when authentication is enabled

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/hitl-coord/internal/auth"
	"github.com/2389/hitl-coord/internal/channels"
	"github.com/2389/hitl-coord/internal/coord"
)

// ResourceScheme prefixes every resource URI.
const ResourceScheme = "coordination://"

// Resource describes a fixed resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType"`
}

// ResourceTemplate describes a parameterized resource.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType"`
}

// ResourceContents is the body of a read resource.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

const jsonMime = "application/json"

// reserved names cannot be read as channels through a single-segment URI.
var reserved = map[string]bool{"channels": true, "stats": true, "locks": true, "agents": true}

// Resources lists the fixed resources.
func (c *Coordinator) Resources() []Resource {
	return []Resource{
		{URI: ResourceScheme + "channels", Name: "channels", Description: "All coordination channels", MimeType: jsonMime},
		{URI: ResourceScheme + "stats", Name: "stats", Description: "Coordination statistics", MimeType: jsonMime},
		{URI: ResourceScheme + "locks", Name: "locks", Description: "Live locks", MimeType: jsonMime},
		{URI: ResourceScheme + "agents", Name: "agents", Description: "Agent liveness", MimeType: jsonMime},
	}
}

// ResourceTemplates lists the parameterized resources.
func (c *Coordinator) ResourceTemplates() []ResourceTemplate {
	return []ResourceTemplate{
		{URITemplate: ResourceScheme + "{channel}", Name: "channel-messages", Description: "Every message in a channel", MimeType: jsonMime},
		{URITemplate: ResourceScheme + "{channel}/{message_id}", Name: "channel-message", Description: "One message", MimeType: jsonMime},
		{URITemplate: ResourceScheme + "{channel}/type/{type}", Name: "channel-messages-by-type", Description: "Messages of one type", MimeType: jsonMime},
		{URITemplate: ResourceScheme + "{channel}/since/{message_id}", Name: "channel-messages-since", Description: "Messages after an id", MimeType: jsonMime},
	}
}

// ReadResource resolves uri and returns its JSON body. With authentication
// enabled the request context must carry a session.
func (c *Coordinator) ReadResource(ctx context.Context, uri string) (ResourceContents, error) {
	path, ok := strings.CutPrefix(uri, ResourceScheme)
	if !ok || path == "" {
		return ResourceContents{}, coord.NotFound("resource", uri)
	}

	var session *auth.AuthContext
	if c.authEnabled {
		if session = auth.FromContext(ctx); session == nil {
			return ResourceContents{}, coord.Authentication("resources require a session token")
		}
	}

	body, err := c.resolve(path, session)
	if err != nil {
		return ResourceContents{}, err
	}
	text, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return ResourceContents{}, fmt.Errorf("encoding resource: %w", err)
	}
	return ResourceContents{URI: uri, MimeType: jsonMime, Text: string(text)}, nil
}

func (c *Coordinator) resolve(path string, session *auth.AuthContext) (any, error) {
	parts := strings.Split(path, "/")
	if len(parts) == 1 && reserved[parts[0]] {
		switch parts[0] {
		case "channels":
			return c.channels.ListChannels(), nil
		case "stats":
			return c.Stats(), nil
		case "locks":
			return c.locks.List(), nil
		case "agents":
			return c.heartbeat.List(""), nil
		}
	}

	channel := parts[0]
	if channel == "" {
		return nil, coord.NotFound("resource", ResourceScheme+path)
	}
	if session != nil {
		if err := c.auth.VerifyChannelAccess(session.AgentID, channel); err != nil {
			return nil, err
		}
		if err := c.auth.VerifyPermission(session.AgentID, auth.PermRead); err != nil {
			return nil, err
		}
	}
	info, err := c.channels.GetChannel(channel)
	if err != nil {
		return nil, err
	}

	all := channels.ReadParams{Channel: channel, MaxMessages: max(info.MessageCount, 1)}
	switch {
	case len(parts) == 1:
		return c.channels.Read(all), nil
	case len(parts) == 2:
		return c.channels.GetMessage(channel, parts[1])
	case len(parts) == 3 && parts[1] == "type":
		all.FilterType = parts[2]
		return c.channels.Read(all), nil
	case len(parts) == 3 && parts[1] == "since":
		all.SinceID = parts[2]
		return c.channels.Read(all), nil
	}
	return nil, coord.NotFound("resource", ResourceScheme+path)
}
