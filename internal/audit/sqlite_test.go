// ABOUTME: Tests for the SQLite audit recorder
// ABOUTME: Covers append, filtering, ordering, limits and persistence across reopen

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecord_GeneratesIDAndTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := &Entry{Actor: ActorAdmin, Action: ActionRegisterAgent, TargetType: "agent", TargetID: "A"}
	require.NoError(t, s.Record(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e.ID, entries[0].ID)
	assert.Equal(t, ActionRegisterAgent, entries[0].Action)
	assert.Nil(t, entries[0].Detail)
}

func TestRecord_Detail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, &Entry{
		Actor:      ActorSystem,
		Action:     ActionReleaseLocksOnDeath,
		TargetType: "agent",
		TargetID:   "dead-agent",
		Detail:     map[string]any{"released": 3, "reason": "dead"},
	}))

	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]any{"released": float64(3), "reason": "dead"}, entries[0].Detail)
}

func TestList_FiltersAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, spec := range []struct {
		actor  string
		action Action
		target string
	}{
		{ActorAdmin, ActionRegisterAgent, "A"},
		{ActorAdmin, ActionRegisterAgent, "B"},
		{ActorSystem, ActionAgentStatusChanged, "A"},
		{ActorAdmin, ActionRevokeAgent, "B"},
	} {
		require.NoError(t, s.Record(ctx, &Entry{
			Actor:      spec.actor,
			Action:     spec.action,
			TargetType: "agent",
			TargetID:   spec.target,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ActionRevokeAgent, all[0].Action, "newest first")

	action := ActionRegisterAgent
	got, err := s.List(ctx, Filter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	target := "A"
	got, err = s.List(ctx, Filter{TargetID: &target})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	actor := ActorSystem
	got, err = s.List(ctx, Filter{Actor: &actor})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ActionAgentStatusChanged, got[0].Action)

	since := base.Add(90 * time.Second)
	got, err = s.List(ctx, Filter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestList_Empty(t *testing.T) {
	s := openTestStore(t)
	entries, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	s, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, &Entry{Actor: ActorAdmin, Action: ActionSetRateLimit, TargetType: "agent", TargetID: "A"}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, nil)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemoryDatabase(t *testing.T) {
	s, err := OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record(context.Background(), &Entry{Actor: ActorAdmin, Action: ActionIssueSession, TargetType: "agent", TargetID: "A"}))
	entries, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0))
	assert.Equal(t, 100, normalizeLimit(-5))
	assert.Equal(t, 50, normalizeLimit(50))
	assert.Equal(t, 1000, normalizeLimit(5000))
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	require.NoError(t, r.Record(context.Background(), &Entry{}))
	entries, err := r.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, r.Close())
}
