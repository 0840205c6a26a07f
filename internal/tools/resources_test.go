// ABOUTME: Tests for coordination:// resource listing and resolution
// ABOUTME: Covers fixed views, channel templates and session checks

package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hitl-coord/internal/auth"
	"github.com/2389/hitl-coord/internal/channels"
	"github.com/2389/hitl-coord/internal/coord"
)

func seedChannel(t *testing.T, f *fixture) []SendResult {
	t.Helper()
	var out []SendResult
	for _, m := range []struct{ typ, content string }{
		{"init", "hello"},
		{"progress", "working"},
		{"progress", "almost"},
	} {
		out = append(out, f.mustCall(t, "send_coordination_message", map[string]any{
			"channel_name": "alpha", "agent_id": "A", "message_type": m.typ, "content": m.content,
		}).(SendResult))
	}
	return out
}

func readMessages(t *testing.T, f *fixture, ctx context.Context, uri string) []channels.Message {
	t.Helper()
	res, err := f.coord.ReadResource(ctx, uri)
	require.NoError(t, err, uri)
	assert.Equal(t, uri, res.URI)
	assert.Equal(t, "application/json", res.MimeType)

	var msgs []channels.Message
	require.NoError(t, json.Unmarshal([]byte(res.Text), &msgs))
	return msgs
}

func TestResources_Listing(t *testing.T) {
	f := newFixture(t)
	assert.Len(t, f.coord.Resources(), 4)
	assert.Len(t, f.coord.ResourceTemplates(), 4)
}

func TestReadResource_ChannelViews(t *testing.T) {
	f := newFixture(t)
	sent := seedChannel(t, f)
	ctx := context.Background()

	assert.Len(t, readMessages(t, f, ctx, "coordination://alpha"), 3)

	byType := readMessages(t, f, ctx, "coordination://alpha/type/progress")
	require.Len(t, byType, 2)
	assert.Equal(t, sent[1].MessageID, byType[0].ID)

	since := readMessages(t, f, ctx, "coordination://alpha/since/"+sent[0].MessageID)
	assert.Len(t, since, 2)

	res, err := f.coord.ReadResource(ctx, sent[2].ChannelURI)
	require.NoError(t, err)
	var msg channels.Message
	require.NoError(t, json.Unmarshal([]byte(res.Text), &msg))
	assert.Equal(t, sent[2].MessageID, msg.ID)
	assert.Equal(t, "almost", msg.Content.Text())
}

func TestReadResource_FixedViews(t *testing.T) {
	f := newFixture(t)
	seedChannel(t, f)
	ctx := context.Background()

	res, err := f.coord.ReadResource(ctx, "coordination://channels")
	require.NoError(t, err)
	var list []channels.Channel
	require.NoError(t, json.Unmarshal([]byte(res.Text), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "alpha", list[0].Name)

	res, err = f.coord.ReadResource(ctx, "coordination://stats")
	require.NoError(t, err)
	var stats Stats
	require.NoError(t, json.Unmarshal([]byte(res.Text), &stats))
	assert.Equal(t, 3, stats.Channels.TotalMessages)

	for _, uri := range []string{"coordination://locks", "coordination://agents"} {
		_, err := f.coord.ReadResource(ctx, uri)
		assert.NoError(t, err, uri)
	}
}

func TestReadResource_NotFound(t *testing.T) {
	f := newFixture(t)
	seedChannel(t, f)
	ctx := context.Background()

	for _, uri := range []string{
		"http://alpha",
		"coordination://",
		"coordination://missing",
		"coordination://alpha/no-such-id",
		"coordination://alpha/a/b/c",
	} {
		_, err := f.coord.ReadResource(ctx, uri)
		assert.Equal(t, coord.KindNotFound, coord.KindOf(err), uri)
	}
}

func TestReadResource_RequiresSessionWithAuth(t *testing.T) {
	f := newFixture(t, withAuth())
	_, err := f.auth.Register(auth.RegisterParams{AgentID: "A", AllowedChannels: []string{"alpha"}})
	require.NoError(t, err)
	f.channels.CreateChannel("alpha")
	f.channels.CreateChannel("beta")

	_, err = f.coord.ReadResource(context.Background(), "coordination://alpha")
	assert.Equal(t, coord.KindAuthentication, coord.KindOf(err))

	ctx := auth.WithAuth(context.Background(), &auth.AuthContext{AgentID: "A", Method: auth.MethodSession})
	_, err = f.coord.ReadResource(ctx, "coordination://alpha")
	assert.NoError(t, err)

	_, err = f.coord.ReadResource(ctx, "coordination://beta")
	assert.Equal(t, coord.KindAuthorization, coord.KindOf(err))
}
