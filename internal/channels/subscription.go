// ABOUTME: Unbounded per-subscriber delivery queue for channel fan-out
// ABOUTME: Appenders never block; closed subscriptions are dropped on next delivery

package channels

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrSubscriptionClosed is returned by Next after Close and by delivery to a closed queue.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription receives every message appended to one channel after it was created.
type Subscription struct {
	id      string
	channel string

	mu     sync.Mutex
	queue  []*Message
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newSubscription(channel string) *Subscription {
	return &Subscription{
		id:      uuid.New().String(),
		channel: channel,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string { return s.channel }

// deliver enqueues msg. It never blocks.
func (s *Subscription) deliver(msg *Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubscriptionClosed
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a message is available, the subscription is closed, or
// ctx is done. Messages queued before Close are still returned.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSubscriptionClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryNext returns the next queued message without waiting.
func (s *Subscription) TryNext() (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return msg, true
}

// Len returns the number of undelivered messages.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops further deliveries and wakes any waiting reader. Safe to call
// multiple times.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
}
