package bus

import (
	"context"
	"time"

	"github.com/remdis-go/remdis/pkg/iu"
)

// Client wraps a raw Subscription with the bus contract's reconnect
// behaviour: on transport disconnect, reconnect with exponential backoff
// and re-establish the subscription. In-flight unacked IUs may be
// redelivered; consumers must be idempotent on ID, which iu.IU supports
// since its ID is stable across redelivery.
type Client struct {
	bus            *Bus
	topics         []string
	capacity       int
	sub            *Subscription
	backoffMin     time.Duration
	backoffMax     time.Duration
	currentBackoff time.Duration
}

// NewClient subscribes to topics through a reconnect-aware wrapper.
func NewClient(b *Bus, topics ...string) *Client {
	c := &Client{
		bus:        b,
		topics:     topics,
		capacity:   DefaultCapacity,
		backoffMin: 50 * time.Millisecond,
		backoffMax: 5 * time.Second,
	}
	c.sub = b.subscribeWithCapacity(c.capacity, topics...)
	return c
}

// Next returns the next IU, transparently reconnecting across Disrupt()
// calls with exponential backoff between attempts.
func (c *Client) Next(ctx context.Context) (iu.IU, bool) {
	for {
		if c.sub.Disrupted() {
			if !c.reconnect(ctx) {
				return iu.IU{}, false
			}
			continue
		}
		u, ok := c.sub.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return iu.IU{}, false
			}
			// Subscription was closed out from under us; if it was also
			// marked disrupted, treat it as a disconnect and retry.
			if c.sub.Disrupted() {
				continue
			}
			return iu.IU{}, false
		}
		c.currentBackoff = 0
		return u, true
	}
}

func (c *Client) reconnect(ctx context.Context) bool {
	wait := c.currentBackoff
	if wait == 0 {
		wait = c.backoffMin
	} else {
		wait *= 2
		if wait > c.backoffMax {
			wait = c.backoffMax
		}
	}
	c.currentBackoff = wait

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return false
	}

	c.sub.Close()
	c.sub = c.bus.subscribeWithCapacity(c.capacity, c.topics...)
	return true
}

// Close tears down the underlying subscription.
func (c *Client) Close() {
	c.sub.Close()
}
