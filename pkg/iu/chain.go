package iu

import "sync"

// CausalityIndex tracks, per chain root, which IDs have been observed and
// whether the chain has already been closed by a COMMIT or REVOKE. It backs
// the causality and protocol checks every consumer is expected to perform
// before acting on a REV/COMMIT/REVOKE.
type CausalityIndex struct {
	mu     sync.Mutex
	seen   map[string]bool // every ID ever accepted, any update type
	closed map[string]bool // chain root -> true once COMMIT or REVOKE seen
	root   map[string]string
}

func NewCausalityIndex() *CausalityIndex {
	return &CausalityIndex{
		seen:   make(map[string]bool),
		closed: make(map[string]bool),
		root:   make(map[string]string),
	}
}

// Admit decides whether u may be accepted given everything observed so
// far. It returns false (and a reason) when the IU must be dropped:
// unknown previous_id on a REV/COMMIT/REVOKE, or any update on an already
// closed chain.
func (c *CausalityIndex) Admit(u IU) (ok bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if u.PreviousID == "" {
		if u.UpdateType != Add {
			return false, "causality violation: no previous_id on non-ADD"
		}
		c.seen[u.ID] = true
		c.root[u.ID] = u.ID
		return true, ""
	}

	if !c.seen[u.PreviousID] {
		return false, "causality violation: unknown previous_id"
	}
	chainRoot := c.root[u.PreviousID]
	if c.closed[chainRoot] {
		return false, "protocol violation: update on committed/revoked chain"
	}

	c.seen[u.ID] = true
	c.root[u.ID] = chainRoot
	if u.UpdateType == Commit || u.UpdateType == Revoke {
		c.closed[chainRoot] = true
	}
	return true, ""
}

// Closed reports whether the chain rooted at id has already received a
// COMMIT or REVOKE.
func (c *CausalityIndex) Closed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	root, ok := c.root[id]
	if !ok {
		return false
	}
	return c.closed[root]
}
