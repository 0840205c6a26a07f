// Package tools exposes the coordination managers as callable tools and
// read-only resources.
//
// A Coordinator owns no state of its own. Each tool call runs a fixed
// pipeline before its handler:
//
//  1. admin tools: the admin_key argument must match the configured key
//  2. agent tools: the caller is identified by a bearer session from the
//     request context, or by agent_id and api_key when authentication is
//     enabled; with it disabled agent_id is taken at face value
//  3. channel access for the channel_name argument
//  4. the tool's permission (read, write or lock)
//  5. the rate limiter, when enabled
//
// The first failing step returns its *coord.Error. Argument problems wrap
// ErrInvalidArguments so transports can report them separately.
//
// Resources are addressed as coordination://channels, coordination://stats,
// coordination://locks, coordination://agents and the channel templates
// coordination://{channel}[/{message_id}|/type/{type}|/since/{message_id}].
package tools
