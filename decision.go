package threatguard

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
)

// Engine is the adaptive request-threat detection and mitigation engine.
// All state is process-local; sharing decisions across instances requires
// an external store and is out of scope.
type Engine struct {
	cfg        Config
	rules      *RuleTable
	trust      *TrustedClientFilter
	classifier *Classifier
	history    *HistoryTracker
	blocks     *BlockRegistry
	stats      *runningStats
	metrics    MetricsCollector
	audit      *AuditTrail
	logger     *log.Logger
	clock      Clock
}

// NewEngine builds an engine from cfg. Nil collaborators fall back to
// defaults: builtin rule table, console logger, in-memory metrics, system
// clock, no audit trail.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewInMemoryMetricsCollector()
	}
	rules := cfg.Rules
	if rules == nil {
		var err error
		rules, err = NewRuleTable(DefaultDetectors())
		if err != nil {
			return nil, err
		}
	}
	trust := NewTrustedClientFilter(cfg.Trusted)
	e := &Engine{
		cfg:        cfg,
		rules:      rules,
		trust:      trust,
		classifier: NewClassifier(cfg.Classifier, rules, trust, cfg.Clock, cfg.Logger),
		history:    NewHistoryTracker(cfg.History, cfg.Clock),
		blocks:     NewBlockRegistry(cfg.Clock),
		stats:      newRunningStats(cfg.Analytics.RecentBlocks),
		metrics:    cfg.Metrics,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
	}
	return e, nil
}

// Rules exposes the engine's rule table, e.g. for Watch/StopWatcher.
func (e *Engine) Rules() *RuleTable { return e.rules }

// Blocks exposes the block registry for administrative operations.
func (e *Engine) Blocks() *BlockRegistry { return e.blocks }

// History exposes the client history tracker.
func (e *Engine) History() *HistoryTracker { return e.history }

// Metrics exposes the metrics collector.
func (e *Engine) Metrics() MetricsCollector { return e.metrics }

// Close stops the rule watcher and cancels pending block timers.
func (e *Engine) Close() error {
	err := e.rules.StopWatcher()
	e.blocks.Close()
	return err
}

// Decision is the terminal outcome of evaluating one request.
type Decision struct {
	Request ClassifiedRequest
	Action  Action
	// Block holds the active entry when Action is block.
	Block BlockEntry
	// PreBlocked means the client was already blocked and the request was
	// rejected without re-classification.
	PreBlocked bool
}

// Decide runs the per-request state machine: pre-block short circuit,
// classification, history record, counters, and mitigation side effects.
// It never fails the request pipeline: an internal error during
// classification degrades to a log/pass-through decision.
func (e *Engine) Decide(p RequestProfile) Decision {
	if entry, ok := e.blocks.Get(p.ClientID); ok {
		// Cheap rejection path: no re-classification while blocked.
		e.stats.observePreBlocked()
		e.metrics.IncrementCounter("threatguard_requests_total", map[string]string{"outcome": "pre_blocked"})
		return Decision{Action: ActionBlock, Block: entry, PreBlocked: true}
	}

	cr := e.classifyAndRecord(p)
	if cr.Bypassed {
		// Trusted traffic leaves no history and no threat accounting.
		e.stats.observeBypassed()
		e.metrics.IncrementCounter("threatguard_requests_total", map[string]string{"outcome": "bypassed"})
		return Decision{Request: cr, Action: ActionLog}
	}
	e.stats.observe(cr)
	e.metrics.IncrementCounter("threatguard_requests_total", map[string]string{"outcome": string(cr.Action)})
	if cr.Suspicious() {
		e.metrics.IncrementCounter("threatguard_threats_total", map[string]string{"level": string(cr.Level)})
	}

	d := Decision{Request: cr, Action: cr.Action}
	if cr.Action != ActionBlock {
		return d
	}

	reason := "threat score " + string(cr.Level)
	if len(cr.Reasons) > 0 {
		reason = strings.Join(dedupe(cr.Reasons), ", ")
	}
	entry := e.blocks.Block(p.ClientID, reason, e.cfg.Blocking.DefaultTTL.Std())
	ev := BlockEvent{
		ID:        uuid.NewString(),
		ClientID:  p.ClientID,
		Reason:    reason,
		Timestamp: e.clock.Now(),
	}
	e.stats.recordBlockEvent(ev)
	e.metrics.IncrementCounter("threatguard_blocks_total", map[string]string{"source": "engine"})
	if e.audit != nil {
		if err := e.audit.RecordBlock(ev, entry.ExpiresAt); err != nil {
			e.logger.Warn().Err(err).Str("client_id", p.ClientID).Msg("audit write failed")
		}
	}
	e.logger.Error().
		Str("client_id", p.ClientID).
		Str("path", p.Path).
		Str("level", string(cr.Level)).
		Int("score", cr.Score).
		Str("reasons", strings.Join(cr.Reasons, ",")).
		Msg("client blocked")
	d.Block = entry
	return d
}

// classifyAndRecord wraps classification and the history record so a panic
// in either never takes the request pipeline down; the request defaults to
// log/pass-through.
func (e *Engine) classifyAndRecord(p RequestProfile) (cr ClassifiedRequest) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error().
				Str("client_id", p.ClientID).
				Str("path", p.Path).
				Interface("panic", rec).
				Msg("classification failed, defaulting to pass-through")
			cr = ClassifiedRequest{
				Timestamp: e.clock.Now(),
				ClientID:  p.ClientID,
				Path:      p.Path,
				Level:     LevelLow,
				Action:    ActionLog,
			}
		}
	}()
	recent := e.history.CountSince(p.ClientID, e.cfg.Classifier.RateWindow.Std())
	cr = e.classifier.Classify(p, recent)
	if !cr.Bypassed {
		e.history.Record(p.ClientID, cr)
	}
	return cr
}

// BlockClient inserts an administrative block and records it like an
// engine-issued one.
func (e *Engine) BlockClient(clientID, reason string) BlockEntry {
	if reason == "" {
		reason = "manually blocked"
	}
	entry := e.blocks.Block(clientID, reason, e.cfg.Blocking.DefaultTTL.Std())
	ev := BlockEvent{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: e.clock.Now(),
	}
	e.stats.recordBlockEvent(ev)
	e.metrics.IncrementCounter("threatguard_blocks_total", map[string]string{"source": "admin"})
	if e.audit != nil {
		if err := e.audit.RecordBlock(ev, entry.ExpiresAt); err != nil {
			e.logger.Warn().Err(err).Str("client_id", clientID).Msg("audit write failed")
		}
	}
	e.logger.Warn().Str("client_id", clientID).Str("reason", reason).Msg("client blocked by administrator")
	return entry
}

// UnblockClient lifts a block, cancelling its expiry timer. Idempotent.
func (e *Engine) UnblockClient(clientID string) bool {
	removed := e.blocks.Unblock(clientID)
	if removed {
		if e.audit != nil {
			if err := e.audit.RecordUnblock(clientID, e.clock.Now()); err != nil {
				e.logger.Warn().Err(err).Str("client_id", clientID).Msg("audit write failed")
			}
		}
		e.logger.Info().Str("client_id", clientID).Msg("client unblocked")
	}
	return removed
}

// ClearBlocks removes every active block and returns the count cleared.
func (e *Engine) ClearBlocks() int {
	n := e.blocks.Clear()
	if n > 0 && e.audit != nil {
		if err := e.audit.RecordClear(n, e.clock.Now()); err != nil {
			e.logger.Warn().Err(err).Msg("audit write failed")
		}
	}
	return n
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
