package threatguard

import (
	"sync"
	"time"
)

// HistoryTracker keeps a bounded, time-windowed log of classified requests
// per client. It is the exclusive owner of ClassifiedRequest records after
// Record. Both a count cap and an age cap apply, so memory is bounded per
// client and in aggregate; trimming happens lazily on every access.
type HistoryTracker struct {
	mu         sync.Mutex
	maxEntries int
	maxAge     time.Duration
	clock      Clock
	clients    map[string][]ClassifiedRequest
}

// NewHistoryTracker creates a tracker with the given bounds.
func NewHistoryTracker(cfg HistoryConfig, clock Clock) *HistoryTracker {
	return &HistoryTracker{
		maxEntries: cfg.MaxEntries,
		maxAge:     cfg.MaxAge.Std(),
		clock:      clock,
		clients:    make(map[string][]ClassifiedRequest),
	}
}

// Record appends one classified request to the client's sequence.
func (t *HistoryTracker) Record(clientID string, cr ClassifiedRequest) {
	if clientID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := append(t.clients[clientID], cr)
	entries = t.trim(entries, t.clock.Now())
	t.clients[clientID] = entries
}

// Window returns the client's entries within the trailing duration,
// oldest first.
func (t *HistoryTracker) Window(clientID string, d time.Duration) []ClassifiedRequest {
	now := t.clock.Now()
	cutoff := now.Add(-d)
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.trim(t.clients[clientID], now)
	if len(entries) == 0 {
		delete(t.clients, clientID)
		return nil
	}
	t.clients[clientID] = entries
	var out []ClassifiedRequest
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// CountSince reports how many entries the client produced inside the
// trailing duration. Used by the classifier's rate heuristic.
func (t *HistoryTracker) CountSince(clientID string, d time.Duration) int {
	return len(t.Window(clientID, d))
}

// All returns a copy of every retained entry keyed by client.
func (t *HistoryTracker) All() map[string][]ClassifiedRequest {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]ClassifiedRequest, len(t.clients))
	for id, entries := range t.clients {
		entries = t.trim(entries, now)
		if len(entries) == 0 {
			delete(t.clients, id)
			continue
		}
		t.clients[id] = entries
		out[id] = append([]ClassifiedRequest(nil), entries...)
	}
	return out
}

// Len reports the total number of retained entries across clients.
func (t *HistoryTracker) Len() int {
	total := 0
	for _, entries := range t.All() {
		total += len(entries)
	}
	return total
}

func (t *HistoryTracker) trim(entries []ClassifiedRequest, now time.Time) []ClassifiedRequest {
	cutoff := now.Add(-t.maxAge)
	idx := 0
	for idx < len(entries) && entries[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		entries = entries[idx:]
	}
	if len(entries) > t.maxEntries {
		entries = entries[len(entries)-t.maxEntries:]
	}
	return entries
}
