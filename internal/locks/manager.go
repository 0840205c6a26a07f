// ABOUTME: Lock manager with a per-name slot registry, quotas and polling acquisition
// ABOUTME: Runs a background sweep that drops expired leases and idle slots

package locks

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hitl-coord/internal/coord"
)

// Defaults used when Config fields are zero.
const (
	DefaultMaxPerAgent   = 10
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultSweepInterval = 10 * time.Second
	DefaultAutoRelease   = 300 * time.Second
)

// Config configures a Manager.
type Config struct {
	MaxPerAgent        int
	PollInterval       time.Duration
	SweepInterval      time.Duration
	DefaultAutoRelease time.Duration
	Logger             *slog.Logger
	// Now overrides the clock used for lease times (tests).
	Now func() time.Time
}

// Manager grants named leases to agents.
//
// Lock ordering: slot.mu before Manager.mu.
type Manager struct {
	mu      sync.Mutex
	slots   map[string]*slot
	byID    map[string]*Lock
	byAgent map[string]map[string]struct{} // agent id -> lock ids

	maxPerAgent   int
	pollInterval  time.Duration
	sweepInterval time.Duration
	autoRelease   time.Duration
	logger        *slog.Logger
	now           func() time.Time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// slot guards the lease for one name. A retired slot has been removed from
// the registry and must not be used; callers look the name up again.
type slot struct {
	mu      sync.Mutex
	lock    *Lock
	retired bool
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		slots:         make(map[string]*slot),
		byID:          make(map[string]*Lock),
		byAgent:       make(map[string]map[string]struct{}),
		maxPerAgent:   orDefault(cfg.MaxPerAgent, DefaultMaxPerAgent),
		pollInterval:  orDefault(cfg.PollInterval, DefaultPollInterval),
		sweepInterval: orDefault(cfg.SweepInterval, DefaultSweepInterval),
		autoRelease:   orDefault(cfg.DefaultAutoRelease, DefaultAutoRelease),
		logger:        logger.With("component", "locks"),
		now:           now,
	}
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// MaxPerAgent returns the configured lock quota.
func (m *Manager) MaxPerAgent() int { return m.maxPerAgent }

// lockedSlot returns the live slot for name with its mutex held, creating
// it when create is set. Returns nil if absent and create is false.
func (m *Manager) lockedSlot(name string, create bool) *slot {
	for {
		m.mu.Lock()
		s, ok := m.slots[name]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil
			}
			s = &slot{}
			m.slots[name] = s
		}
		m.mu.Unlock()

		s.mu.Lock()
		if !s.retired {
			return s
		}
		s.mu.Unlock()
	}
}

// heldCountLocked counts the agent's unexpired leases. Must be called with m.mu held.
func (m *Manager) heldCountLocked(agentID string, now time.Time) int {
	n := 0
	for id := range m.byAgent[agentID] {
		if l := m.byID[id]; l != nil && !l.expired(now) {
			n++
		}
	}
	return n
}

// HeldCount returns how many unexpired leases agentID holds.
func (m *Manager) HeldCount(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heldCountLocked(agentID, m.now())
}

// forgetLocked drops l from the indexes. Must be called with m.mu held.
func (m *Manager) forgetLocked(l *Lock) {
	delete(m.byID, l.ID)
	if ids, ok := m.byAgent[l.HeldBy]; ok {
		delete(ids, l.ID)
		if len(ids) == 0 {
			delete(m.byAgent, l.HeldBy)
		}
	}
}

// Acquire tries to take the named lock for p.AgentID, polling until
// p.Timeout elapses. A quota-exhausted agent fails immediately with
// quota_exceeded. Losing the race is reported with Acquired false and no
// error. A cancelled ctx ends the wait early with ctx.Err().
func (m *Manager) Acquire(ctx context.Context, p AcquireParams) (AcquireResult, error) {
	if held := m.HeldCount(p.AgentID); held >= m.maxPerAgent {
		return AcquireResult{}, coord.QuotaExceeded(p.AgentID, held, m.maxPerAgent)
	}

	autoRelease := p.AutoRelease
	if autoRelease <= 0 {
		autoRelease = m.autoRelease
	}
	deadline := m.now().Add(p.Timeout)

	for {
		res, err := m.tryAcquire(p.Name, p.AgentID, autoRelease)
		if err != nil || res.Acquired {
			return res, err
		}
		if !m.now().Before(deadline) {
			m.logger.Debug("lock acquire timed out",
				"lock_name", p.Name,
				"agent_id", p.AgentID,
				"held_by", res.HeldBy)
			return res, nil
		}

		timer := time.NewTimer(m.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) tryAcquire(name, agentID string, autoRelease time.Duration) (AcquireResult, error) {
	s := m.lockedSlot(name, true)
	defer s.mu.Unlock()

	now := m.now()
	if s.lock != nil && !s.lock.expired(now) {
		expiresAt := s.lock.ExpiresAt
		return AcquireResult{Name: name, HeldBy: s.lock.HeldBy, ExpiresAt: &expiresAt}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.lock != nil {
		m.forgetLocked(s.lock)
		s.lock = nil
	}
	// Concurrent acquires by the same agent on different names each passed
	// the early quota check.
	if held := m.heldCountLocked(agentID, now); held >= m.maxPerAgent {
		return AcquireResult{}, coord.QuotaExceeded(agentID, held, m.maxPerAgent)
	}

	l := &Lock{
		ID:                 uuid.New().String(),
		Name:               name,
		HeldBy:             agentID,
		AcquiredAt:         now,
		ExpiresAt:          now.Add(autoRelease),
		AutoReleaseSeconds: int(autoRelease / time.Second),
	}
	s.lock = l
	m.byID[l.ID] = l
	if m.byAgent[agentID] == nil {
		m.byAgent[agentID] = make(map[string]struct{})
	}
	m.byAgent[agentID][l.ID] = struct{}{}

	m.logger.Info("lock acquired",
		"lock_name", name,
		"lock_id", l.ID,
		"agent_id", agentID,
		"expires_at", l.ExpiresAt)

	expiresAt := l.ExpiresAt
	return AcquireResult{
		Acquired:  true,
		LockID:    l.ID,
		Name:      name,
		HeldBy:    agentID,
		ExpiresAt: &expiresAt,
	}, nil
}

// Release frees lockID. It fails with not_found for unknown or expired
// leases and ownership_violation when agentID is not the holder.
func (m *Manager) Release(lockID, agentID string) (ReleaseResult, error) {
	m.mu.Lock()
	l := m.byID[lockID]
	m.mu.Unlock()

	if l == nil || l.expired(m.now()) {
		return ReleaseResult{}, coord.NotFound("lock", lockID)
	}
	if l.HeldBy != agentID {
		return ReleaseResult{}, coord.OwnershipViolation(lockID, l.HeldBy, agentID)
	}
	if !m.drop(l) {
		return ReleaseResult{}, coord.NotFound("lock", lockID)
	}

	m.logger.Info("lock released", "lock_name", l.Name, "lock_id", l.ID, "agent_id", agentID)
	return ReleaseResult{Released: true, LockID: l.ID, Name: l.Name}, nil
}

// drop removes l if it is still the current lease for its name.
func (m *Manager) drop(l *Lock) bool {
	s := m.lockedSlot(l.Name, false)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()
	if s.lock != l {
		return false
	}
	s.lock = nil

	m.mu.Lock()
	m.forgetLocked(l)
	m.mu.Unlock()
	return true
}

// ReleaseAll frees every lease agentID holds and returns how many live
// leases were released. It never fails.
func (m *Manager) ReleaseAll(agentID string) int {
	m.mu.Lock()
	held := make([]*Lock, 0, len(m.byAgent[agentID]))
	for id := range m.byAgent[agentID] {
		if l := m.byID[id]; l != nil {
			held = append(held, l)
		}
	}
	m.mu.Unlock()

	now := m.now()
	count := 0
	for _, l := range held {
		if m.drop(l) && !l.expired(now) {
			count++
		}
	}
	if count > 0 {
		m.logger.Info("released all locks", "agent_id", agentID, "count", count)
	}
	return count
}

// Status returns the live lease for name, or false if it is free.
func (m *Manager) Status(name string) (Status, bool) {
	s := m.lockedSlot(name, false)
	if s == nil {
		return Status{}, false
	}
	defer s.mu.Unlock()

	now := m.now()
	if s.lock == nil || s.lock.expired(now) {
		return Status{}, false
	}
	return statusOf(s.lock, now), true
}

// List returns every live lease sorted by name.
func (m *Manager) List() []Status {
	now := m.now()
	m.mu.Lock()
	out := make([]Status, 0, len(m.byID))
	for _, l := range m.byID {
		if !l.expired(now) {
			out = append(out, statusOf(l, now))
		}
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Status) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// Stats returns live lease counts.
func (m *Manager) Stats() Stats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	agents := make(map[string]struct{})
	for _, l := range m.byID {
		if l.expired(now) {
			continue
		}
		st.ActiveLocks++
		agents[l.HeldBy] = struct{}{}
	}
	st.AgentsWithLocks = len(agents)
	return st
}

// Sweep removes expired leases and retires empty slots. It returns the
// number of leases removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	names := make([]string, 0, len(m.slots))
	for name := range m.slots {
		names = append(names, name)
	}
	m.mu.Unlock()

	removed := 0
	for _, name := range names {
		s := m.lockedSlot(name, false)
		if s == nil {
			continue
		}
		now := m.now()
		m.mu.Lock()
		if s.lock != nil && s.lock.expired(now) {
			m.logger.Debug("lock expired", "lock_name", name, "held_by", s.lock.HeldBy)
			m.forgetLocked(s.lock)
			s.lock = nil
			removed++
		}
		if s.lock == nil {
			s.retired = true
			delete(m.slots, name)
		}
		m.mu.Unlock()
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps expired leases until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Info("swept expired locks", "count", n)
			}
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
