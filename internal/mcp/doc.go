// Package mcp implements the Model Context Protocol transport for the
// coordination tools.
//
// # Protocol
//
// JSON-RPC 2.0 over the Streamable HTTP transport. A single endpoint serves
// every method:
//
//   - POST /mcp: initialize, ping, tools/list, tools/call, resources/list,
//     resources/templates/list, resources/read and notifications
//   - DELETE /mcp: ends the session named by Mcp-Session-Id
//
// initialize returns an Mcp-Session-Id header that every later request must
// carry. Unknown sessions get 404 and must re-initialize.
//
// # Errors
//
// Coordination failures (quota, ownership, rate limits, authentication and
// so on) are returned as tool results with isError set and the structured
// error under structuredContent.error. Unknown tools and malformed arguments
// are JSON-RPC -32602 errors. Unknown resources are -32002.
//
// # Authentication
//
// Agents either pass agent_id and api_key as tool arguments or send a
// session token from the authenticate tool:
//
//	Authorization: Bearer <token>
//
// The bearer token is verified by middleware in front of this handler; a
// session created with a token can only be deleted with the same token.
package mcp
