package threatguard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/log"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that accepts Go duration strings ("90s",
// "24h") in JSON and YAML config files.
type Duration time.Duration

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// Clock abstracts time for deterministic tests. Windows, retention and
// block expiry are all computed against this clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock used by default.
func SystemClock() Clock { return systemClock{} }

// TrustedConfig controls which clients bypass classification entirely.
type TrustedConfig struct {
	// AllowCIDRs lists networks (or single IPs) whose traffic is never
	// analyzed. Loopback addresses always bypass regardless of this list.
	AllowCIDRs []string `json:"allowCIDRs" yaml:"allowCIDRs"`
	// IdentityHeader names the request header carrying an internal
	// service identity.
	IdentityHeader string `json:"identityHeader" yaml:"identityHeader"`
	// ServiceIdentities lists identity header values granted bypass.
	ServiceIdentities []string `json:"serviceIdentities" yaml:"serviceIdentities"`
	// MonitoringPaths bypass by exact path match.
	MonitoringPaths []string `json:"monitoringPaths" yaml:"monitoringPaths"`
	// MonitoringPrefixes bypass by path prefix match.
	MonitoringPrefixes []string `json:"monitoringPrefixes" yaml:"monitoringPrefixes"`
}

// ClassifierConfig tunes the scoring heuristics.
type ClassifierConfig struct {
	RateWindow        Duration `json:"rateWindow" yaml:"rateWindow"`
	RateThreshold     int      `json:"rateThreshold" yaml:"rateThreshold"`
	RateWeight        int      `json:"rateWeight" yaml:"rateWeight"`
	SensitivePrefixes []string `json:"sensitivePrefixes" yaml:"sensitivePrefixes"`
	SensitiveWeight   int      `json:"sensitiveWeight" yaml:"sensitiveWeight"`
	AutomationWeight  int      `json:"automationWeight" yaml:"automationWeight"`
	MaxBodyBytes      int      `json:"maxBodyBytes" yaml:"maxBodyBytes"`

	// Score thresholds for threat levels. Must satisfy
	// 0 < MediumScore < HighScore < CriticalScore <= 100.
	CriticalScore int `json:"criticalScore" yaml:"criticalScore"`
	HighScore     int `json:"highScore" yaml:"highScore"`
	MediumScore   int `json:"mediumScore" yaml:"mediumScore"`
}

// HistoryConfig bounds the per-client request log.
type HistoryConfig struct {
	MaxEntries int      `json:"maxEntries" yaml:"maxEntries"`
	MaxAge     Duration `json:"maxAge" yaml:"maxAge"`
}

// BlockingConfig controls mitigation side effects.
type BlockingConfig struct {
	DefaultTTL    Duration `json:"defaultTTL" yaml:"defaultTTL"`
	ThrottleDelay Duration `json:"throttleDelay" yaml:"throttleDelay"`
}

// AnalyticsConfig bounds derived aggregates.
type AnalyticsConfig struct {
	TopN         int `json:"topN" yaml:"topN"`
	RecentBlocks int `json:"recentBlocks" yaml:"recentBlocks"`
	// DashboardBlocks caps the active block list embedded in the dashboard.
	DashboardBlocks int `json:"dashboardBlocks" yaml:"dashboardBlocks"`
}

// Config assembles the engine. Zero-value collaborator fields fall back to
// defaults so tests can construct isolated instances cheaply.
type Config struct {
	Trusted    TrustedConfig    `json:"trusted" yaml:"trusted"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	History    HistoryConfig    `json:"history" yaml:"history"`
	Blocking   BlockingConfig   `json:"blocking" yaml:"blocking"`
	Analytics  AnalyticsConfig  `json:"analytics" yaml:"analytics"`

	// Rules overrides the builtin detector table when non-nil.
	Rules *RuleTable `json:"-" yaml:"-"`
	// Logger defaults to a console logger.
	Logger *log.Logger `json:"-" yaml:"-"`
	// Metrics defaults to the in-memory collector.
	Metrics MetricsCollector `json:"-" yaml:"-"`
	// Clock defaults to the system clock.
	Clock Clock `json:"-" yaml:"-"`
	// Audit, when non-nil, receives block/unblock/clear events. Write-only;
	// never consulted for decisions.
	Audit *AuditTrail `json:"-" yaml:"-"`
}

// DefaultConfig returns a working configuration tuned for a typical API
// service behind a reverse proxy.
func DefaultConfig() Config {
	return Config{
		Trusted: TrustedConfig{
			IdentityHeader:     "X-Internal-Service",
			ServiceIdentities:  []string{"monitoring-agent", "uptime-probe"},
			MonitoringPaths:    []string{"/health", "/healthz", "/ping", "/status"},
			MonitoringPrefixes: []string{"/metrics", "/monitoring/"},
		},
		Classifier: ClassifierConfig{
			RateWindow:    Duration(time.Minute),
			RateThreshold: 50,
			RateWeight:    25,
			SensitivePrefixes: []string{
				"/admin", "/wp-admin", "/phpmyadmin",
				"/.git", "/.env", "/.aws", "/.ssh", "/config",
			},
			SensitiveWeight:  20,
			AutomationWeight: 15,
			MaxBodyBytes:     64 * 1024,
			CriticalScore:    80,
			HighScore:        50,
			MediumScore:      25,
		},
		History: HistoryConfig{
			MaxEntries: 1000,
			MaxAge:     Duration(24 * time.Hour),
		},
		Blocking: BlockingConfig{
			DefaultTTL:    Duration(time.Hour),
			ThrottleDelay: Duration(2 * time.Second),
		},
		Analytics: AnalyticsConfig{
			TopN:            10,
			RecentBlocks:    100,
			DashboardBlocks: 25,
		},
	}
}

func (c *Config) validate() error {
	cl := c.Classifier
	if cl.MediumScore <= 0 || cl.HighScore <= cl.MediumScore || cl.CriticalScore <= cl.HighScore || cl.CriticalScore > 100 {
		return fmt.Errorf("invalid level thresholds: medium=%d high=%d critical=%d", cl.MediumScore, cl.HighScore, cl.CriticalScore)
	}
	if cl.RateWindow <= 0 {
		return fmt.Errorf("rate window must be positive, got %s", cl.RateWindow)
	}
	if c.History.MaxEntries <= 0 || c.History.MaxAge <= 0 {
		return fmt.Errorf("history bounds must be positive: maxEntries=%d maxAge=%s", c.History.MaxEntries, c.History.MaxAge)
	}
	if c.Blocking.DefaultTTL <= 0 {
		return fmt.Errorf("block TTL must be positive, got %s", c.Blocking.DefaultTTL)
	}
	return nil
}

func defaultLogger() *log.Logger {
	return &log.Logger{
		Level:  log.InfoLevel,
		Writer: &log.ConsoleWriter{},
	}
}
