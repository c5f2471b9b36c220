package threatguard

import (
	"regexp"
	"time"

	"github.com/oarkflow/log"
	"github.com/valyala/fasthttp"
)

// ThreatLevel is a monotonic bucket of the threat score.
type ThreatLevel string

const (
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

func levelRank(l ThreatLevel) int {
	switch l {
	case LevelCritical:
		return 3
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

// Action is the mitigation decided for a classified request.
type Action string

const (
	ActionLog       Action = "log"
	ActionChallenge Action = "challenge"
	ActionThrottle  Action = "throttle"
	ActionBlock     Action = "block"
)

// Heuristic categories added on top of detector matches.
const (
	categoryRapidRequests = "rapid_requests"
	categorySensitivePath = "sensitive_path"
	categoryAutomation    = "automated_client"
)

// ClassifiedRequest is the immutable outcome of analyzing one request.
// After Record it is owned by the history tracker.
type ClassifiedRequest struct {
	Timestamp time.Time   `json:"timestamp"`
	ClientID  string      `json:"clientId"`
	Path      string      `json:"path"`
	Score     int         `json:"score"`
	Level     ThreatLevel `json:"level"`
	Action    Action      `json:"action"`
	Reasons   []string    `json:"reasons,omitempty"`
	Bypassed  bool        `json:"bypassed,omitempty"`
}

// Suspicious reports whether the request carried any threat signal.
func (cr ClassifiedRequest) Suspicious() bool { return cr.Score > 0 }

// RequestProfile is the extracted, transport-independent view of a request
// that the classifier scores. Surfaces are kept separate so repeated
// matches across surfaces each count.
type RequestProfile struct {
	ClientID  string
	Origin    string
	Identity  string
	Method    string
	Path      string
	Query     string
	Body      []byte
	UserAgent string
	Referer   string
}

// newRequestProfile extracts the analysis surfaces from the raw request.
func newRequestProfile(clientID, origin, identityHeader string, req *fasthttp.Request) RequestProfile {
	uri := req.URI()
	p := RequestProfile{
		ClientID:  clientID,
		Origin:    origin,
		Method:    string(req.Header.Method()),
		Path:      string(uri.Path()),
		Query:     string(uri.QueryString()),
		Body:      req.Body(),
		UserAgent: string(req.Header.UserAgent()),
		Referer:   string(req.Header.Referer()),
	}
	if identityHeader != "" {
		p.Identity = string(req.Header.Peek(identityHeader))
	}
	return p
}

var (
	automationRe = regexp.MustCompile(`(?i)\b(bot|crawler|spider|scraper|curl|wget|python-requests|go-http-client|httpclient|libwww)\b`)
	crawlerRe    = regexp.MustCompile(`(?i)\b(googlebot|bingbot|duckduckbot|slurp|baiduspider|yandexbot|applebot)\b`)
)

// Classifier scores requests against the rule table plus rate, path and
// automation heuristics. Classify is pure given its inputs; it never
// mutates history.
type Classifier struct {
	cfg    ClassifierConfig
	rules  *RuleTable
	trust  *TrustedClientFilter
	clock  Clock
	logger *log.Logger
}

// NewClassifier wires the classifier. All collaborators are required.
func NewClassifier(cfg ClassifierConfig, rules *RuleTable, trust *TrustedClientFilter, clock Clock, logger *log.Logger) *Classifier {
	return &Classifier{cfg: cfg, rules: rules, trust: trust, clock: clock, logger: logger}
}

// Classify produces the threat verdict for one request. recentRequests is
// the caller-supplied count of history entries inside the rate window for
// this client; the classifier does not read history itself.
func (cl *Classifier) Classify(p RequestProfile, recentRequests int) ClassifiedRequest {
	now := cl.clock.Now()
	cr := ClassifiedRequest{
		Timestamp: now,
		ClientID:  p.ClientID,
		Path:      p.Path,
		Level:     LevelLow,
		Action:    ActionLog,
	}

	if cl.trust.Bypass(p.Origin, p.Identity, p.Path) {
		cr.Bypassed = true
		return cr
	}

	score := 0
	for _, surface := range cl.surfaces(p) {
		for _, m := range cl.rules.Match(surface) {
			score += m.Weight
			cr.Reasons = append(cr.Reasons, m.Category)
		}
	}

	if recentRequests > cl.cfg.RateThreshold {
		score += cl.cfg.RateWeight
		cr.Reasons = append(cr.Reasons, categoryRapidRequests)
	}
	if cl.sensitivePath(p.Path) {
		score += cl.cfg.SensitiveWeight
		cr.Reasons = append(cr.Reasons, categorySensitivePath)
	}
	if automationRe.MatchString(p.UserAgent) && !crawlerRe.MatchString(p.UserAgent) {
		score += cl.cfg.AutomationWeight
		cr.Reasons = append(cr.Reasons, categoryAutomation)
	}

	if score > 100 {
		score = 100
	}
	cr.Score = score
	cr.Level = cl.levelForScore(score)
	cr.Action = actionForLevel(cr.Level)
	return cr
}

// surfaces returns the independent analysis surfaces. An oversized body is
// skipped, logged, and never aborts classification.
func (cl *Classifier) surfaces(p RequestProfile) []string {
	pathQuery := p.Path
	if p.Query != "" {
		pathQuery += "?" + p.Query
	}
	out := []string{pathQuery}
	if len(p.Body) > 0 {
		if cl.cfg.MaxBodyBytes > 0 && len(p.Body) > cl.cfg.MaxBodyBytes {
			cl.logger.Warn().
				Str("client_id", p.ClientID).
				Str("path", p.Path).
				Int("body_bytes", len(p.Body)).
				Msg("body surface skipped, exceeds analysis limit")
		} else {
			out = append(out, string(p.Body))
		}
	}
	if p.UserAgent != "" {
		out = append(out, p.UserAgent)
	}
	if p.Referer != "" {
		out = append(out, p.Referer)
	}
	return out
}

func (cl *Classifier) sensitivePath(path string) bool {
	for _, prefix := range cl.cfg.SensitivePrefixes {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (cl *Classifier) levelForScore(score int) ThreatLevel {
	switch {
	case score >= cl.cfg.CriticalScore:
		return LevelCritical
	case score >= cl.cfg.HighScore:
		return LevelHigh
	case score >= cl.cfg.MediumScore:
		return LevelMedium
	default:
		return LevelLow
	}
}

func actionForLevel(level ThreatLevel) Action {
	switch level {
	case LevelCritical:
		return ActionBlock
	case LevelHigh:
		return ActionThrottle
	case LevelMedium:
		return ActionChallenge
	default:
		return ActionLog
	}
}
