// ABOUTME: Server-Sent Events stream of new messages on one coordination channel
// ABOUTME: Backed by a channel store subscription; history is not replayed

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/hitl-coord/internal/auth"
	"github.com/2389/hitl-coord/internal/coord"
)

// keepaliveInterval is how often an idle stream receives an SSE comment.
const keepaliveInterval = 15 * time.Second

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// handleChannelEvents handles GET /channels/{name}/events. Each appended
// message is written as a "message" event whose data is the message JSON.
func (s *Server) handleChannelEvents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.authorizeStream(r, name); err != nil {
		status := http.StatusForbidden
		if coord.KindOf(err) == coord.KindAuthentication {
			status = http.StatusUnauthorized
		}
		s.sendJSONError(w, status, err.Error())
		return
	}

	if _, err := s.managers.channels.GetChannel(name); err != nil {
		s.sendJSONError(w, http.StatusNotFound, "channel not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.managers.channels.Subscribe(name)
	defer s.managers.channels.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.writeSSEEvent(w, "subscribed", map[string]string{
		"channel":         name,
		"subscription_id": sub.ID(),
	})
	flusher.Flush()

	ctx := r.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, keepaliveInterval)
		msg, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			s.writeSSEEvent(w, "message", msg)
			flusher.Flush()
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		default:
			s.writeSSEEvent(w, "closed", map[string]string{"channel": name})
			flusher.Flush()
			return
		}
	}
}

// authorizeStream applies channel access and read permission for the
// bearer session when authentication is enabled.
func (s *Server) authorizeStream(r *http.Request, channel string) error {
	if !s.config.Auth.Enabled {
		return nil
	}
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		return coord.Authentication("a bearer session is required to stream channel events")
	}
	if err := s.managers.auth.VerifyChannelAccess(authCtx.AgentID, channel); err != nil {
		return err
	}
	return s.managers.auth.VerifyPermission(authCtx.AgentID, auth.PermRead)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
