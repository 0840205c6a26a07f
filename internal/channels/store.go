// ABOUTME: In-memory channel store with per-channel locking and per-agent sequencing
// ABOUTME: Enforces capacity limits and fans appended messages out to subscribers

package channels

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hitl-coord/internal/coord"
	"github.com/2389/hitl-coord/internal/schema"
)

const (
	// DefaultMaxMessages is the per-channel capacity when none is configured.
	DefaultMaxMessages = 10_000
	// DefaultReadLimit caps reads that do not specify MaxMessages.
	DefaultReadLimit = 100
)

// Config configures a Store.
type Config struct {
	MaxMessages int
	Logger      *slog.Logger
	// Now overrides the clock used for timestamps (tests).
	Now func() time.Time
}

// Store holds every channel's log, membership and subscriptions.
type Store struct {
	mu          sync.Mutex // guards channels map only
	channels    map[string]*channelState
	maxMessages int
	logger      *slog.Logger
	now         func() time.Time
}

// channelState is guarded by its own mu.
type channelState struct {
	mu          sync.Mutex
	name        string
	createdAt   time.Time
	maxMessages int
	members     map[string]struct{}
	log         []*Message
	positions   map[string]int   // message id -> index in log
	sequences   map[string]int64 // agent id -> next sequence
	subs        map[string]*Subscription
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		channels:    make(map[string]*channelState),
		maxMessages: maxMessages,
		logger:      logger.With("component", "channels"),
		now:         now,
	}
}

// lookup returns the channel state, creating it when create is set.
// Returns nil if the channel does not exist and create is false.
func (s *Store) lookup(name string, create bool) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[name]
	if ok || !create {
		return ch
	}
	ch = &channelState{
		name:        name,
		createdAt:   s.now(),
		maxMessages: s.maxMessages,
		members:     make(map[string]struct{}),
		positions:   make(map[string]int),
		sequences:   make(map[string]int64),
		subs:        make(map[string]*Subscription),
	}
	s.channels[name] = ch
	s.logger.Debug("channel created", "channel", name)
	return ch
}

func (s *Store) snapshot() []*channelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*channelState, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b *channelState) int {
		return cmp.Compare(a.name, b.name)
	})
	return out
}

// CreateChannel returns the named channel, creating it if needed.
func (s *Store) CreateChannel(name string) Channel {
	ch := s.lookup(name, true)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.info()
}

// GetChannel returns channel metadata or a not_found error.
func (s *Store) GetChannel(name string) (Channel, error) {
	ch := s.lookup(name, false)
	if ch == nil {
		return Channel{}, coord.NotFound("channel", name)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.info(), nil
}

// JoinChannel adds agentID to the channel's members, creating the channel if
// needed, and reports who else is there.
func (s *Store) JoinChannel(name, agentID string) JoinResult {
	ch := s.lookup(name, true)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.members[agentID] = struct{}{}

	others := make([]string, 0, len(ch.members)-1)
	for m := range ch.members {
		if m != agentID {
			others = append(others, m)
		}
	}
	slices.Sort(others)

	s.logger.Debug("agent joined channel", "channel", name, "agent_id", agentID, "members", len(ch.members))

	return JoinResult{
		ChannelName:  name,
		AgentID:      agentID,
		JoinedAt:     s.now(),
		OtherAgents:  others,
		MessageCount: len(ch.log),
	}
}

// LeaveChannel removes agentID from the channel. Missing channels or members
// are ignored. Messages are never removed.
func (s *Store) LeaveChannel(name, agentID string) {
	ch := s.lookup(name, false)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.members, agentID)
}

// LeaveAll removes agentID from every channel and returns the names it left.
func (s *Store) LeaveAll(agentID string) []string {
	var left []string
	for _, ch := range s.snapshot() {
		ch.mu.Lock()
		if _, ok := ch.members[agentID]; ok {
			delete(ch.members, agentID)
			left = append(left, ch.name)
		}
		ch.mu.Unlock()
	}
	return left
}

// Append validates and appends a message, assigns its per-agent sequence
// number and notifies subscribers. It fails with schema_violation for bad
// structured content and capacity_exceeded when the channel is full.
func (s *Store) Append(p AppendParams) (*Message, error) {
	if !p.Type.Valid() {
		return nil, coord.SchemaViolation(string(p.Type), "", "invalid message type: "+string(p.Type))
	}
	if err := schema.Validate(p.Type, p.Content); err != nil {
		return nil, err
	}

	ch := s.lookup(p.Channel, true)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if len(ch.log) >= ch.maxMessages {
		return nil, coord.CapacityExceeded(p.Channel, ch.maxMessages)
	}

	seq := ch.sequences[p.FromAgent]
	ch.sequences[p.FromAgent] = seq + 1

	metadata := make(map[string]any, len(p.Metadata))
	maps.Copy(metadata, p.Metadata)

	msg := &Message{
		ID:        uuid.New().String(),
		Channel:   p.Channel,
		FromAgent: p.FromAgent,
		Timestamp: s.now(),
		Type:      p.Type,
		Content:   p.Content,
		Sequence:  seq,
		Metadata:  metadata,
		ReplyTo:   p.ReplyTo,
	}
	ch.log = append(ch.log, msg)
	ch.positions[msg.ID] = len(ch.log) - 1

	s.notifyLocked(ch, msg)
	return msg, nil
}

// notifyLocked delivers msg to every subscriber. Must be called with ch.mu held.
func (s *Store) notifyLocked(ch *channelState, msg *Message) {
	for id, sub := range ch.subs {
		if err := sub.deliver(msg); err != nil {
			delete(ch.subs, id)
			s.logger.Debug("dropped subscription",
				"channel", ch.name,
				"sub_id", id,
				"error", err)
		}
	}
}

// Read returns messages in append order according to p.
func (s *Store) Read(p ReadParams) []*Message {
	ch := s.lookup(p.Channel, false)
	if ch == nil {
		return []*Message{}
	}
	limit := p.MaxMessages
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	var filter schema.MessageType
	if t, err := schema.ParseType(p.FilterType); err == nil {
		filter = t
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	start := 0
	if p.SinceID != "" {
		if pos, ok := ch.positions[p.SinceID]; ok {
			start = pos + 1
		}
	}

	out := make([]*Message, 0, min(limit, len(ch.log)-start))
	for _, msg := range ch.log[start:] {
		if len(out) >= limit {
			break
		}
		if filter != "" && msg.Type != filter {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// GetMessage returns one message by id or a not_found error.
func (s *Store) GetMessage(channel, id string) (*Message, error) {
	ch := s.lookup(channel, false)
	if ch == nil {
		return nil, coord.NotFound("message", id)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	pos, ok := ch.positions[id]
	if !ok {
		return nil, coord.NotFound("message", id)
	}
	return ch.log[pos], nil
}

// Subscribe returns a queue receiving every message appended to the channel
// from now on. History is not replayed.
func (s *Store) Subscribe(channel string) *Subscription {
	ch := s.lookup(channel, true)
	sub := newSubscription(channel)

	ch.mu.Lock()
	ch.subs[sub.id] = sub
	ch.mu.Unlock()

	s.logger.Debug("subscriber added", "channel", channel, "sub_id", sub.id)
	return sub
}

// Unsubscribe removes and closes sub.
func (s *Store) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if ch := s.lookup(sub.channel, false); ch != nil {
		ch.mu.Lock()
		delete(ch.subs, sub.id)
		ch.mu.Unlock()
	}
	sub.Close()
	s.logger.Debug("subscriber removed", "channel", sub.channel, "sub_id", sub.id)
}

// ListChannels returns metadata for every channel, sorted by name.
func (s *Store) ListChannels() []Channel {
	states := s.snapshot()
	out := make([]Channel, 0, len(states))
	for _, ch := range states {
		ch.mu.Lock()
		out = append(out, ch.info())
		ch.mu.Unlock()
	}
	return out
}

// Stats returns aggregate counts.
func (s *Store) Stats() Stats {
	var st Stats
	for _, ch := range s.snapshot() {
		ch.mu.Lock()
		st.Channels++
		st.TotalMessages += len(ch.log)
		st.ActiveSubscriptions += len(ch.subs)
		ch.mu.Unlock()
	}
	return st
}

// Close closes every subscription. The store remains usable.
func (s *Store) Close() {
	for _, ch := range s.snapshot() {
		ch.mu.Lock()
		for id, sub := range ch.subs {
			sub.Close()
			delete(ch.subs, id)
		}
		ch.mu.Unlock()
	}
}

// info builds a snapshot. Must be called with ch.mu held.
func (ch *channelState) info() Channel {
	members := make([]string, 0, len(ch.members))
	for m := range ch.members {
		members = append(members, m)
	}
	slices.Sort(members)
	return Channel{
		Name:         ch.name,
		CreatedAt:    ch.createdAt,
		Members:      members,
		MessageCount: len(ch.log),
		MaxMessages:  ch.maxMessages,
	}
}
