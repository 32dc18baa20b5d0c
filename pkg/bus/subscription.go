package bus

import (
	"context"
	"sync"

	"github.com/remdis-go/remdis/pkg/iu"
)

// Subscription is a lazily-consumed, cancellable stream of IUs for one or
// more topics. The zero value is not usable; obtain one via Bus.Subscribe.
type Subscription struct {
	bus      *Bus
	topics   []string
	capacity int

	mu         sync.Mutex
	queue      []iu.IU
	disrupted  bool
	notify     chan struct{}
	spaceFreed chan struct{}
	closedCh   chan struct{}
	closeOnce  sync.Once
}

func newSubscription(b *Bus, topics []string, capacity int) *Subscription {
	return &Subscription{
		bus:        b,
		topics:     topics,
		capacity:   capacity,
		notify:     make(chan struct{}, 1),
		spaceFreed: make(chan struct{}, 1),
		closedCh:   make(chan struct{}),
	}
}

// push applies the backpressure policy: drop the oldest uncommitted IU if
// the queue is full, or block until space is available if the oldest
// queued IU is a COMMIT.
func (s *Subscription) push(u iu.IU) {
	for {
		s.mu.Lock()
		if len(s.queue) < s.capacity {
			s.queue = append(s.queue, u.Clone())
			s.mu.Unlock()
			s.wake()
			return
		}
		if s.queue[0].UpdateType != iu.Commit {
			s.queue = append(s.queue[1:], u.Clone())
			s.mu.Unlock()
			s.wake()
			return
		}
		// Oldest queued IU is a COMMIT: block the publisher rather than
		// drop it.
		s.mu.Unlock()
		select {
		case <-s.spaceFreed:
		case <-s.closedCh:
			return
		}
	}
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) freeSpace() {
	select {
	case s.spaceFreed <- struct{}{}:
	default:
	}
}

// Next blocks until an IU is available, ctx is cancelled, or the
// subscription is closed. ok is false in the latter two cases.
func (s *Subscription) Next(ctx context.Context) (u iu.IU, ok bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			u = s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.freeSpace()
			return u, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
			continue
		case <-ctx.Done():
			return iu.IU{}, false
		case <-s.closedCh:
			return iu.IU{}, false
		}
	}
}

// Disrupted reports whether Bus.Disrupt has fired since the last call to
// ClearDisrupted, signalling the owning Client should reconnect.
func (s *Subscription) Disrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disrupted
}

func (s *Subscription) ClearDisrupted() {
	s.mu.Lock()
	s.disrupted = false
	s.mu.Unlock()
}

func (s *Subscription) markDisrupted() {
	s.mu.Lock()
	s.disrupted = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.closedCh) })
}

// Close unsubscribes and releases the subscription's queue.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s)
}
