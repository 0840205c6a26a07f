// ABOUTME: Tests for heartbeat liveness classification and listener dispatch
// ABOUTME: A fake clock drives missed-beat counts deterministically

package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	m, err := NewManager(Config{Interval: 10 * time.Second, Now: clock.Now})
	require.NoError(t, err)
	return m, clock
}

func TestNewManager_Thresholds(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "custom", cfg: Config{MissingThreshold: 1, DeadThreshold: 5}},
		{name: "dead equals missing", cfg: Config{MissingThreshold: 3, DeadThreshold: 3}, wantErr: true},
		{name: "dead below missing", cfg: Config{MissingThreshold: 4, DeadThreshold: 2}, wantErr: true},
		{name: "negative missing", cfg: Config{MissingThreshold: -1, DeadThreshold: 2}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHeartbeat_Ack(t *testing.T) {
	m, clock := newTestManager(t)

	ack := m.Heartbeat("A", map[string]any{"load": 0.5})
	assert.True(t, ack.Acknowledged)
	assert.Equal(t, StatusAlive, ack.Status)
	assert.Equal(t, clock.Now().Add(10*time.Second), ack.NextHeartbeatBy)

	m.Heartbeat("A", map[string]any{"task": "build"})
	st, ok := m.AgentStatus("A")
	require.True(t, ok)
	assert.Equal(t, 2, st.TotalHeartbeats)
	assert.Equal(t, map[string]any{"load": 0.5, "task": "build"}, st.Metadata)
}

func TestAgentStatus_Unknown(t *testing.T) {
	m, _ := newTestManager(t)
	_, ok := m.AgentStatus("ghost")
	assert.False(t, ok)
}

func TestAgentStatus_FreshMissedBeatsStaleStatus(t *testing.T) {
	m, clock := newTestManager(t)
	m.Heartbeat("A", nil)

	clock.Advance(25 * time.Second)
	st, _ := m.AgentStatus("A")
	assert.Equal(t, 2, st.MissedBeats)
	assert.InDelta(t, 25.0, st.SecondsSinceHeartbeat, 0.001)
	assert.Equal(t, StatusAlive, st.Status, "status only changes on sweep")

	m.Sweep()
	st, _ = m.AgentStatus("A")
	assert.Equal(t, StatusMissing, st.Status)
}

func TestSweep_Classification(t *testing.T) {
	m, clock := newTestManager(t)
	m.Heartbeat("A", nil)

	clock.Advance(19 * time.Second)
	assert.Empty(t, m.Sweep())

	clock.Advance(time.Second)
	events := m.Sweep()
	require.Len(t, events, 1)
	assert.Equal(t, Event{AgentID: "A", From: StatusAlive, To: StatusMissing, MissedBeats: 2, At: clock.Now()}, events[0])

	clock.Advance(10 * time.Second)
	events = m.Sweep()
	require.Len(t, events, 1)
	assert.Equal(t, StatusDead, events[0].To)
	assert.Equal(t, StatusMissing, events[0].From)

	assert.Empty(t, m.Sweep(), "no repeated events without a change")
}

func TestHeartbeat_RecoversFromDead(t *testing.T) {
	m, clock := newTestManager(t)
	m.Heartbeat("A", nil)
	clock.Advance(time.Minute)
	m.Sweep()

	var changes []Event
	m.OnChange(func(ev Event) error {
		changes = append(changes, ev)
		return nil
	})

	ack := m.Heartbeat("A", nil)
	assert.Equal(t, StatusAlive, ack.Status)

	st, _ := m.AgentStatus("A")
	assert.Equal(t, StatusAlive, st.Status)
	assert.Equal(t, 0, st.MissedBeats)
	require.Len(t, changes, 1)
	assert.Equal(t, StatusDead, changes[0].From)
	assert.Equal(t, StatusAlive, changes[0].To)
}

func TestListeners_EdgeTriggered(t *testing.T) {
	m, clock := newTestManager(t)

	var missing, dead []string
	m.OnMissing(func(ev Event) error {
		missing = append(missing, ev.AgentID)
		return nil
	})
	m.OnDead(func(ev Event) error {
		dead = append(dead, ev.AgentID)
		return nil
	})

	m.Heartbeat("slow", nil)
	m.Heartbeat("gone", nil)

	clock.Advance(20 * time.Second)
	m.Sweep()
	assert.Equal(t, []string{"gone", "slow"}, missing)
	assert.Empty(t, dead)

	// Jumping straight to dead skips the missing listeners
	m.Heartbeat("jump", nil)
	clock.Advance(30 * time.Second)
	m.Sweep()
	assert.Equal(t, []string{"gone", "slow"}, missing)
	assert.Equal(t, []string{"gone", "jump", "slow"}, dead)
}

func TestListeners_RegistrationOrderAndFailures(t *testing.T) {
	m, clock := newTestManager(t)

	var calls []string
	m.OnDead(func(Event) error {
		calls = append(calls, "first")
		return errors.New("boom")
	})
	m.OnDead(func(Event) error {
		calls = append(calls, "second")
		panic("listener bug")
	})
	m.OnDead(func(ev Event) error {
		calls = append(calls, "third:"+ev.AgentID)
		return nil
	})

	m.Heartbeat("A", nil)
	m.Heartbeat("B", nil)
	clock.Advance(time.Minute)

	require.NotPanics(t, func() { m.Sweep() })
	assert.Equal(t, []string{"first", "second", "third:A", "first", "second", "third:B"}, calls)
}

func TestSweep_SkipsAgentRecoveredBeforeDispatch(t *testing.T) {
	m, clock := newTestManager(t)

	var dead []string
	m.OnDead(func(ev Event) error {
		dead = append(dead, ev.AgentID)
		if ev.AgentID == "a" {
			m.Heartbeat("b", nil)
		}
		return nil
	})

	m.Heartbeat("a", nil)
	m.Heartbeat("b", nil)
	clock.Advance(time.Minute)

	events := m.Sweep()
	assert.Equal(t, []string{"a"}, dead)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].AgentID)

	st, ok := m.AgentStatus("b")
	require.True(t, ok)
	assert.Equal(t, StatusAlive, st.Status)
}

func TestListAndStats(t *testing.T) {
	m, clock := newTestManager(t)
	m.Heartbeat("old", nil)
	clock.Advance(25 * time.Second)
	m.Heartbeat("new", nil)
	m.Sweep()

	all := m.List("")
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].AgentID)

	missing := m.List(StatusMissing)
	require.Len(t, missing, 1)
	assert.Equal(t, "old", missing[0].AgentID)
	assert.Empty(t, m.List(StatusDead))

	assert.Equal(t, Stats{TotalAgents: 2, Alive: 1, Missing: 1, HeartbeatInterval: 10}, m.Stats())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("dead")
	require.NoError(t, err)
	assert.Equal(t, StatusDead, st)

	_, err = ParseStatus("zombie")
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	m, err := NewManager(Config{Interval: 20 * time.Millisecond})
	require.NoError(t, err)

	died := make(chan string, 1)
	m.OnDead(func(ev Event) error {
		died <- ev.AgentID
		return nil
	})
	m.Heartbeat("A", nil)

	m.Start(context.Background())
	m.Start(context.Background())
	defer m.Stop()

	select {
	case id := <-died:
		assert.Equal(t, "A", id)
	case <-time.After(2 * time.Second):
		t.Fatal("dead listener never fired")
	}
	m.Stop()
	m.Stop()
}
