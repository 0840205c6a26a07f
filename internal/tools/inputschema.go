// ABOUTME: JSON Schema builders for tool input definitions
// ABOUTME: Adds the credential properties every agent or admin tool accepts

package tools

import (
	"encoding/json"
	"maps"
)

type props map[string]any

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func enum(desc string, values []string) map[string]any {
	return map[string]any{"type": "string", "description": desc, "enum": values}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func number(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

func object(desc string) map[string]any {
	return map[string]any{"type": "object", "description": desc}
}

func stringList(desc string) map[string]any {
	return map[string]any{"type": "array", "description": desc, "items": map[string]any{"type": "string"}}
}

// agentCredentials are accepted by every agent tool. api_key is ignored when
// the caller presents a bearer session.
var agentCredentials = props{
	"agent_id": str("Calling agent id"),
	"api_key":  str("Agent API key (required when authentication is enabled and no session token is sent)"),
}

var adminCredentials = props{
	"admin_key": str("Administrator key"),
}

func inputSchema(p props, required ...string) json.RawMessage {
	if required == nil {
		required = []string{}
	}
	raw, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": p,
		"required":   required,
	})
	if err != nil {
		panic(err)
	}
	return raw
}

// agentSchema merges the agent credentials into p.
func agentSchema(p props, required ...string) json.RawMessage {
	merged := maps.Clone(agentCredentials)
	maps.Copy(merged, p)
	return inputSchema(merged, required...)
}

// adminSchema merges the admin credentials into p and requires admin_key.
func adminSchema(p props, required ...string) json.RawMessage {
	merged := maps.Clone(adminCredentials)
	maps.Copy(merged, p)
	return inputSchema(merged, append([]string{"admin_key"}, required...)...)
}
