// Package bus implements the topic-addressed publish/subscribe transport
// every Remdis module is wired to. Producers publish to a named topic;
// subscribers declare interest in one or more topics and receive every IU
// published after they subscribe.
package bus

import (
	"errors"
	"strings"
	"sync"

	"github.com/remdis-go/remdis/pkg/iu"
)

// DefaultCapacity is the per-subscriber queue depth before backpressure
// kicks in.
const DefaultCapacity = 10

// Sentinel errors logged when Publish drops an IU before it reaches any
// subscriber. ErrCausalityViolation covers an update whose previous_id
// was never observed on any topic; ErrProtocolViolation covers any
// update arriving after its chain was already closed by a COMMIT or
// REVOKE.
var (
	ErrCausalityViolation = errors.New("iu referenced an unknown ancestor")
	ErrProtocolViolation  = errors.New("update_type violated the chain protocol")
)

// Logger is the structured logging contract the bus is handed at
// construction. A *slog.Logger satisfies it directly.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoOpLogger discards everything; the default until SetLogger is called.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}

// Bus is safe for concurrent publishers and subscribers. Every IU passes
// through a single shared CausalityIndex in Publish before fanout, since
// a chain's ADD and its later REV/COMMIT/REVOKE may legitimately cross
// topics (e.g. a tts.audio frame's previous_id naming a dialogue.text
// IU) and per-subscriber bookkeeping would reject them spuriously.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription // topic -> subscriptions interested in it
	logger Logger

	causality *iu.CausalityIndex
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs:      make(map[string][]*Subscription),
		logger:    NoOpLogger{},
		causality: iu.NewCausalityIndex(),
	}
}

// SetLogger replaces the bus's logger, used to report IUs Publish drops
// for violating the causality/protocol invariants.
func (b *Bus) SetLogger(logger Logger) {
	if logger == nil {
		logger = NoOpLogger{}
	}
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// Subscribe returns a Subscription that will receive every IU published to
// any of topics from this point on. Past IUs are not replayed.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	return b.subscribeWithCapacity(DefaultCapacity, topics...)
}

func (b *Bus) subscribeWithCapacity(capacity int, topics ...string) *Subscription {
	s := newSubscription(b, topics, capacity)
	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], s)
	}
	b.mu.Unlock()
	return s
}

// Unsubscribe stops delivery to s and releases its queue.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	for _, t := range s.topics {
		list := b.subs[t]
		for i, cand := range list {
			if cand == s {
				b.subs[t] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()
	s.close()
}

// Publish delivers u to every subscriber of topic. It is non-blocking from
// the caller's perspective unless some subscriber's queue is full AND its
// oldest queued IU is a COMMIT, in which case Publish blocks on that
// subscriber until space frees up (COMMITs must never be dropped).
//
// u is first checked against the bus's CausalityIndex; an IU with an
// unknown previous_id, or one arriving after its chain was already
// closed by a COMMIT or REVOKE, is logged and dropped before any
// subscriber ever sees it (spec section 7/8, invariant 1).
func (b *Bus) Publish(topic string, u iu.IU) {
	if !b.admit(topic, u) {
		return
	}

	b.mu.RLock()
	targets := make([]*Subscription, len(b.subs[topic]))
	copy(targets, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range targets {
		s.push(u)
	}
}

func (b *Bus) admit(topic string, u iu.IU) bool {
	ok, reason := b.causality.Admit(u)
	if ok {
		return true
	}
	err := ErrCausalityViolation
	if strings.HasPrefix(reason, "protocol violation") {
		err = ErrProtocolViolation
	}
	b.mu.RLock()
	logger := b.logger
	b.mu.RUnlock()
	logger.Warn("bus dropped iu", "topic", topic, "iu", u.ID, "previous_id", u.PreviousID, "error", err, "reason", reason)
	return false
}

// Disrupt simulates a transport disconnect: every current subscription is
// marked disrupted so a wrapping Client knows to reconnect with backoff.
// It is a test/ops hook; the in-process Bus itself never actually loses
// messages.
func (b *Bus) Disrupt() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[*Subscription]bool)
	for _, list := range b.subs {
		for _, s := range list {
			if !seen[s] {
				s.markDisrupted()
				seen[s] = true
			}
		}
	}
}
