package threatguard

import (
	"sort"
	"sync"
	"time"
)

// BlockEntry records one actively blocked client. At most one entry exists
// per client at any time.
type BlockEntry struct {
	ClientID  string    `json:"clientId"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BlockRegistry tracks currently blocked clients with expiry. Expiry is
// enforced both by a cancellable scheduled timer and by a lazy
// check-on-read, so an expired entry is never reported as blocked even if
// the timer has not fired yet.
type BlockRegistry struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]*BlockEntry
	timers  map[string]*time.Timer
}

// NewBlockRegistry creates an empty registry.
func NewBlockRegistry(clock Clock) *BlockRegistry {
	return &BlockRegistry{
		clock:   clock,
		entries: make(map[string]*BlockEntry),
		timers:  make(map[string]*time.Timer),
	}
}

// Block inserts or refreshes the entry for clientID. The insert is
// idempotent: re-blocking an already blocked client keeps a single entry
// and refreshes its reason and expiry, resetting the scheduled timer.
func (r *BlockRegistry) Block(clientID, reason string, ttl time.Duration) BlockEntry {
	now := r.clock.Now()
	entry := &BlockEntry{
		ClientID:  clientID,
		Reason:    reason,
		BlockedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[clientID]; ok {
		// Keep the original block time on refresh.
		entry.BlockedAt = existing.BlockedAt
	}
	if timer, ok := r.timers[clientID]; ok {
		timer.Stop()
	}
	r.entries[clientID] = entry
	expiresAt := entry.ExpiresAt
	r.timers[clientID] = time.AfterFunc(ttl, func() {
		r.expire(clientID, expiresAt)
	})
	return *entry
}

// expire removes the entry only if it still carries the expiry the timer
// was armed for; a refreshed block survives stale timers.
func (r *BlockRegistry) expire(clientID string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[clientID]
	if !ok || !entry.ExpiresAt.Equal(expiresAt) {
		return
	}
	delete(r.entries, clientID)
	delete(r.timers, clientID)
}

// IsBlocked reports whether clientID currently has an unexpired entry.
func (r *BlockRegistry) IsBlocked(clientID string) bool {
	_, ok := r.Get(clientID)
	return ok
}

// Get returns the active entry for clientID, lazily removing it when
// expired.
func (r *BlockRegistry) Get(clientID string) (BlockEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[clientID]
	if !ok {
		return BlockEntry{}, false
	}
	if !r.clock.Now().Before(entry.ExpiresAt) {
		r.removeLocked(clientID)
		return BlockEntry{}, false
	}
	return *entry, true
}

// Unblock removes the entry and cancels its pending expiry timer. It is
// idempotent and reports whether an entry was removed.
func (r *BlockRegistry) Unblock(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[clientID]; !ok {
		return false
	}
	r.removeLocked(clientID)
	return true
}

// List returns the active entries, most recently blocked first. Expired
// entries are purged on the way.
func (r *BlockRegistry) List() []BlockEntry {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BlockEntry, 0, len(r.entries))
	for id, entry := range r.entries {
		if !now.Before(entry.ExpiresAt) {
			r.removeLocked(id)
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].BlockedAt.After(out[j].BlockedAt)
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// Clear removes every entry, cancelling all timers, and returns the count
// removed.
func (r *BlockRegistry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	for id := range r.entries {
		r.removeLocked(id)
	}
	return n
}

// Close cancels all pending timers without clearing entries. Used on
// engine shutdown.
func (r *BlockRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}

func (r *BlockRegistry) removeLocked(clientID string) {
	if timer, ok := r.timers[clientID]; ok {
		timer.Stop()
		delete(r.timers, clientID)
	}
	delete(r.entries, clientID)
}
