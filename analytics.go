package threatguard

import (
	"sort"
	"sync"
	"time"
)

// BlockEvent is one block occurrence kept for recent-block history. It is
// independent of the registry's active set: an expired block still appears
// here.
type BlockEvent struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// AttackTypeCount tallies one attack category across retained history.
type AttackTypeCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// AttackerCount tallies suspicious requests per client, carrying the
// maximum threat level observed.
type AttackerCount struct {
	ClientID string      `json:"clientId"`
	Count    int         `json:"count"`
	MaxLevel ThreatLevel `json:"maxLevel"`
}

// AnalyticsSnapshot is a derived, non-persistent aggregate recomputed per
// query from the running counters, history tracker and block registry.
type AnalyticsSnapshot struct {
	TotalRequests      uint64                 `json:"totalRequests"`
	BlockedRequests    uint64                 `json:"blockedRequests"`
	SuspiciousRequests uint64                 `json:"suspiciousRequests"`
	ThreatsByLevel     map[ThreatLevel]uint64 `json:"threatsByLevel"`
	TopAttackTypes     []AttackTypeCount      `json:"topAttackTypes"`
	TopAttackerIPs     []AttackerCount        `json:"topAttackerIPs"`
	RecentBlocks       []BlockEvent           `json:"recentBlocks"`
	ActiveBlocks       int                    `json:"activeBlocks"`
	GeneratedAt        time.Time              `json:"generatedAt"`
}

// runningStats holds the incrementally maintained counters. History is
// bounded and pruned, so it cannot be the counters' source of truth.
type runningStats struct {
	mu         sync.Mutex
	total      uint64
	blocked    uint64
	suspicious uint64
	byLevel    map[ThreatLevel]uint64
	recent     []BlockEvent // most recent first
	recentCap  int
}

func newRunningStats(recentCap int) *runningStats {
	if recentCap <= 0 {
		recentCap = 100
	}
	return &runningStats{
		byLevel:   make(map[ThreatLevel]uint64),
		recentCap: recentCap,
	}
}

func (s *runningStats) observe(cr ClassifiedRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if cr.Suspicious() {
		s.suspicious++
	}
	s.byLevel[cr.Level]++
	if cr.Action == ActionBlock {
		s.blocked++
	}
}

func (s *runningStats) observeBypassed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
}

func (s *runningStats) observePreBlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.blocked++
}

func (s *runningStats) recordBlockEvent(ev BlockEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append([]BlockEvent{ev}, s.recent...)
	if len(s.recent) > s.recentCap {
		s.recent = s.recent[:s.recentCap]
	}
}

func (s *runningStats) counters() (total, blocked, suspicious uint64, byLevel map[ThreatLevel]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byLevel = make(map[ThreatLevel]uint64, len(s.byLevel))
	for k, v := range s.byLevel {
		byLevel[k] = v
	}
	return s.total, s.blocked, s.suspicious, byLevel
}

func (s *runningStats) recentBlocks() []BlockEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BlockEvent(nil), s.recent...)
}

// Snapshot computes a fresh analytics view. Nothing here is cached across
// mutations; top lists scan the retained history on every call.
func (e *Engine) Snapshot() AnalyticsSnapshot {
	total, blocked, suspicious, byLevel := e.stats.counters()
	snap := AnalyticsSnapshot{
		TotalRequests:      total,
		BlockedRequests:    blocked,
		SuspiciousRequests: suspicious,
		ThreatsByLevel:     byLevel,
		RecentBlocks:       e.stats.recentBlocks(),
		ActiveBlocks:       len(e.blocks.List()),
		GeneratedAt:        e.clock.Now(),
	}
	entries := e.chronologicalHistory()
	snap.TopAttackTypes = topAttackTypes(entries, e.cfg.Analytics.TopN)
	snap.TopAttackerIPs = topAttackers(entries, e.cfg.Analytics.TopN)
	return snap
}

// chronologicalHistory flattens the history map into timestamp order so
// tie-breaks on the top lists are deterministic.
func (e *Engine) chronologicalHistory() []ClassifiedRequest {
	var entries []ClassifiedRequest
	for _, seq := range e.history.All() {
		entries = append(entries, seq...)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].ClientID < entries[j].ClientID
	})
	return entries
}

func topAttackTypes(entries []ClassifiedRequest, n int) []AttackTypeCount {
	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	seq := 0
	for _, e := range entries {
		for _, reason := range e.Reasons {
			if _, ok := firstSeen[reason]; !ok {
				firstSeen[reason] = seq
				seq++
			}
			counts[reason]++
		}
	}
	out := make([]AttackTypeCount, 0, len(counts))
	for category, count := range counts {
		out = append(out, AttackTypeCount{Category: category, Count: count})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return firstSeen[out[i].Category] < firstSeen[out[j].Category]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topAttackers(entries []ClassifiedRequest, n int) []AttackerCount {
	counts := make(map[string]*AttackerCount)
	firstSeen := make(map[string]int)
	seq := 0
	for _, e := range entries {
		if !e.Suspicious() {
			continue
		}
		ac, ok := counts[e.ClientID]
		if !ok {
			ac = &AttackerCount{ClientID: e.ClientID, MaxLevel: e.Level}
			counts[e.ClientID] = ac
			firstSeen[e.ClientID] = seq
			seq++
		}
		ac.Count++
		if levelRank(e.Level) > levelRank(ac.MaxLevel) {
			ac.MaxLevel = e.Level
		}
	}
	out := make([]AttackerCount, 0, len(counts))
	for _, ac := range counts {
		out = append(out, *ac)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return firstSeen[out[i].ClientID] < firstSeen[out[j].ClientID]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Dashboard is the composite administrative view.
type Dashboard struct {
	Overview       DashboardOverview      `json:"overview"`
	ThreatsByLevel map[ThreatLevel]uint64 `json:"threatsByLevel"`
	TopAttackTypes []AttackTypeCount      `json:"topAttackTypes"`
	TopAttackerIPs []AttackerCount        `json:"topAttackerIPs"`
	ActiveBlocks   []BlockEntry           `json:"activeBlocks"`
	SecurityLevel  string                 `json:"securityLevel"`
	GeneratedAt    time.Time              `json:"generatedAt"`
}

// DashboardOverview carries the headline counters and derived rates.
type DashboardOverview struct {
	TotalRequests      uint64  `json:"totalRequests"`
	BlockedRequests    uint64  `json:"blockedRequests"`
	SuspiciousRequests uint64  `json:"suspiciousRequests"`
	BlockRate          float64 `json:"blockRate"`
	SuspiciousRate     float64 `json:"suspiciousRate"`
}

// Dashboard assembles the composite view from a fresh snapshot.
func (e *Engine) Dashboard() Dashboard {
	snap := e.Snapshot()
	blocks := e.blocks.List()
	if max := e.cfg.Analytics.DashboardBlocks; max > 0 && len(blocks) > max {
		blocks = blocks[:max]
	}
	d := Dashboard{
		Overview: DashboardOverview{
			TotalRequests:      snap.TotalRequests,
			BlockedRequests:    snap.BlockedRequests,
			SuspiciousRequests: snap.SuspiciousRequests,
			BlockRate:          rate(snap.BlockedRequests, snap.TotalRequests),
			SuspiciousRate:     rate(snap.SuspiciousRequests, snap.TotalRequests),
		},
		ThreatsByLevel: snap.ThreatsByLevel,
		TopAttackTypes: snap.TopAttackTypes,
		TopAttackerIPs: snap.TopAttackerIPs,
		ActiveBlocks:   blocks,
		GeneratedAt:    snap.GeneratedAt,
	}
	critical := snap.ThreatsByLevel[LevelCritical]
	switch {
	case snap.BlockedRequests > 50 || critical > 20:
		d.SecurityLevel = "high"
	case snap.BlockedRequests > 10 || snap.SuspiciousRequests > 100:
		d.SecurityLevel = "medium"
	default:
		d.SecurityLevel = "normal"
	}
	return d
}

// HealthReport summarizes engine health from the same counters.
type HealthReport struct {
	HealthScore     int     `json:"healthScore"`
	Status          string  `json:"status"`
	BlockRate       float64 `json:"blockRate"`
	SuspiciousRate  float64 `json:"suspiciousRate"`
	CriticalThreats uint64  `json:"criticalThreats"`
}

// Health computes the health score: 100 minus penalties for a high block
// rate, a high suspicious rate, and excess critical threats.
func (e *Engine) Health() HealthReport {
	total, blocked, suspicious, byLevel := e.stats.counters()
	report := HealthReport{
		BlockRate:       rate(blocked, total),
		SuspiciousRate:  rate(suspicious, total),
		CriticalThreats: byLevel[LevelCritical],
	}
	score := 100
	switch {
	case report.BlockRate > 0.10:
		score -= 30
	case report.BlockRate > 0.05:
		score -= 15
	}
	switch {
	case report.SuspiciousRate > 0.30:
		score -= 30
	case report.SuspiciousRate > 0.15:
		score -= 15
	}
	switch {
	case report.CriticalThreats > 50:
		score -= 20
	case report.CriticalThreats > 10:
		score -= 10
	}
	report.HealthScore = score
	switch {
	case score >= 80:
		report.Status = "healthy"
	case score >= 50:
		report.Status = "warning"
	default:
		report.Status = "critical"
	}
	return report
}

func rate(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}
