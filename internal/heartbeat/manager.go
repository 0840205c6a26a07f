// ABOUTME: Heartbeat manager tracking agent liveness with a periodic sweep
// ABOUTME: Listeners run outside the manager lock; their errors and panics are logged

package heartbeat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Defaults used when Config fields are zero.
const (
	DefaultInterval         = 30 * time.Second
	DefaultMissingThreshold = 2
	DefaultDeadThreshold    = 3
)

// Config configures a Manager.
type Config struct {
	Interval         time.Duration
	MissingThreshold int
	DeadThreshold    int
	Logger           *slog.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Manager records heartbeats and classifies agents.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*agentHealth

	listenersMu sync.RWMutex
	onMissing   []Listener
	onDead      []Listener
	onChange    []Listener

	interval         time.Duration
	missingThreshold int
	deadThreshold    int
	logger           *slog.Logger
	now              func() time.Time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewManager creates a Manager. It fails when the thresholds are not
// 0 < missing < dead.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MissingThreshold == 0 {
		cfg.MissingThreshold = DefaultMissingThreshold
	}
	if cfg.DeadThreshold == 0 {
		cfg.DeadThreshold = DefaultDeadThreshold
	}
	if cfg.MissingThreshold < 0 || cfg.DeadThreshold <= cfg.MissingThreshold {
		return nil, fmt.Errorf("invalid thresholds: missing=%d dead=%d (need 0 < missing < dead)",
			cfg.MissingThreshold, cfg.DeadThreshold)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		agents:           make(map[string]*agentHealth),
		interval:         cfg.Interval,
		missingThreshold: cfg.MissingThreshold,
		deadThreshold:    cfg.DeadThreshold,
		logger:           logger.With("component", "heartbeat"),
		now:              now,
	}, nil
}

// Interval returns the expected heartbeat interval.
func (m *Manager) Interval() time.Duration { return m.interval }

// OnMissing registers l for alive to missing transitions.
func (m *Manager) OnMissing(l Listener) {
	m.listenersMu.Lock()
	m.onMissing = append(m.onMissing, l)
	m.listenersMu.Unlock()
}

// OnDead registers l for every transition into dead.
func (m *Manager) OnDead(l Listener) {
	m.listenersMu.Lock()
	m.onDead = append(m.onDead, l)
	m.listenersMu.Unlock()
}

// OnChange registers l for every status change, including recovery by heartbeat.
func (m *Manager) OnChange(l Listener) {
	m.listenersMu.Lock()
	m.onChange = append(m.onChange, l)
	m.listenersMu.Unlock()
}

// Heartbeat records a heartbeat from agentID, merging metadata into the
// agent's record and forcing its status to alive.
func (m *Manager) Heartbeat(agentID string, metadata map[string]any) Ack {
	now := m.now()

	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		a = &agentHealth{id: agentID, status: StatusAlive, metadata: make(map[string]any)}
		m.agents[agentID] = a
		m.logger.Info("agent registered heartbeat", "agent_id", agentID)
	}
	prev := a.status
	a.lastHeartbeat = now
	a.count++
	a.status = StatusAlive
	maps.Copy(a.metadata, metadata)
	m.mu.Unlock()

	if prev != StatusAlive {
		m.logger.Info("agent recovered", "agent_id", agentID, "from", prev)
		m.dispatch(Event{AgentID: agentID, From: prev, To: StatusAlive, At: now})
	}

	return Ack{
		Acknowledged:    true,
		NextHeartbeatBy: now.Add(m.interval),
		Status:          StatusAlive,
	}
}

func (m *Manager) missedBeats(a *agentHealth, now time.Time) int {
	return int(now.Sub(a.lastHeartbeat) / m.interval)
}

// snapshotLocked must be called with m.mu held.
func (m *Manager) snapshotLocked(a *agentHealth, now time.Time) AgentStatus {
	return AgentStatus{
		AgentID:               a.id,
		Status:                a.status,
		LastHeartbeat:         a.lastHeartbeat,
		SecondsSinceHeartbeat: now.Sub(a.lastHeartbeat).Seconds(),
		MissedBeats:           m.missedBeats(a, now),
		TotalHeartbeats:       a.count,
		Metadata:              maps.Clone(a.metadata),
	}
}

// AgentStatus returns a snapshot for agentID. Status is the value computed by
// the last sweep; MissedBeats and SecondsSinceHeartbeat are computed now.
func (m *Manager) AgentStatus(agentID string) (AgentStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return AgentStatus{}, false
	}
	return m.snapshotLocked(a, m.now()), true
}

// List returns snapshots sorted by agent id. An empty filter returns all agents.
func (m *Manager) List(filter Status) []AgentStatus {
	now := m.now()
	m.mu.RLock()
	out := make([]AgentStatus, 0, len(m.agents))
	for _, a := range m.agents {
		if filter == "" || a.status == filter {
			out = append(out, m.snapshotLocked(a, now))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b AgentStatus) int {
		return cmp.Compare(a.AgentID, b.AgentID)
	})
	return out
}

// Stats counts agents by status.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{TotalAgents: len(m.agents), HeartbeatInterval: m.interval.Seconds()}
	for _, a := range m.agents {
		switch a.status {
		case StatusAlive:
			st.Alive++
		case StatusMissing:
			st.Missing++
		case StatusDead:
			st.Dead++
		}
	}
	return st
}

func (m *Manager) classify(missed int) Status {
	switch {
	case missed >= m.deadThreshold:
		return StatusDead
	case missed >= m.missingThreshold:
		return StatusMissing
	default:
		return StatusAlive
	}
}

// Sweep recomputes every agent's status, notifies listeners of each change
// and returns the changes in agent id order. A change is skipped when the
// agent no longer has the new status by the time its listeners would run.
func (m *Manager) Sweep() []Event {
	now := m.now()

	var events []Event
	m.mu.Lock()
	for _, a := range m.agents {
		missed := m.missedBeats(a, now)
		next := m.classify(missed)
		if next == a.status {
			continue
		}
		events = append(events, Event{
			AgentID:     a.id,
			From:        a.status,
			To:          next,
			MissedBeats: missed,
			At:          now,
		})
		a.status = next
	}
	m.mu.Unlock()

	slices.SortFunc(events, func(a, b Event) int {
		return cmp.Compare(a.AgentID, b.AgentID)
	})
	dispatched := events[:0]
	for _, ev := range events {
		// An earlier listener or a concurrent heartbeat may have moved
		// the agent on since the classification above.
		if !m.statusIs(ev.AgentID, ev.To) {
			m.logger.Debug("skipping stale status change", "agent_id", ev.AgentID, "to", ev.To)
			continue
		}
		dispatched = append(dispatched, ev)
		m.logger.Warn("agent status changed",
			"agent_id", ev.AgentID,
			"from", ev.From,
			"to", ev.To,
			"missed_beats", ev.MissedBeats)
		m.dispatch(ev)
	}
	return dispatched
}

// statusIs reports whether agentID is tracked with status st.
func (m *Manager) statusIs(agentID string, st Status) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	return ok && a.status == st
}

func (m *Manager) dispatch(ev Event) {
	m.listenersMu.RLock()
	change := slices.Clone(m.onChange)
	var specific []Listener
	switch {
	case ev.To == StatusMissing && ev.From == StatusAlive:
		specific = slices.Clone(m.onMissing)
	case ev.To == StatusDead:
		specific = slices.Clone(m.onDead)
	}
	m.listenersMu.RUnlock()

	for _, l := range change {
		m.call(l, ev)
	}
	for _, l := range specific {
		m.call(l, ev)
	}
}

var errListenerPanic = errors.New("listener panicked")

func (m *Manager) call(l Listener, ev Event) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", errListenerPanic, r)
			}
		}()
		return l(ev)
	}()
	if err != nil {
		m.logger.Error("heartbeat listener failed",
			"agent_id", ev.AgentID,
			"to", ev.To,
			"error", err)
	}
}

// Run sweeps every Interval/2 until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval / 2)
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Start runs the sweep loop in the background. Calling Start on a running
// manager does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.stopped = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = m.Run(ctx)
	}(m.stopped)
}

// Stop ends the sweep loop and waits for it. Safe to call multiple times.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}
