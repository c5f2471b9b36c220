package threatguard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/oarkflow/log"
)

// maxRuleFileSize guards against pathological rule files.
const maxRuleFileSize = 1 << 20

// Detector is one entry of the rule table: a pattern, the attack category
// it signals, and the weight it contributes to the threat score. Weights
// from multiple matching detectors are additive; repeated signals amplify
// the score on purpose.
type Detector struct {
	Pattern  string `json:"pattern"`
	Category string `json:"category"`
	Weight   int    `json:"weight"`

	re *regexp.Regexp
}

// RuleMatch records a single detector hit against an analysis surface.
type RuleMatch struct {
	Category string
	Weight   int
}

// RuleTable holds the compiled detector list. It owns no request state and
// can be shared between engines. Reload swaps the detector set atomically.
type RuleTable struct {
	mu        sync.RWMutex
	detectors []Detector

	dir     string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// DefaultDetectors returns the builtin rule table covering the common
// injection and traversal signatures.
func DefaultDetectors() []Detector {
	return []Detector{
		{Pattern: `(?i)('\s*(or|and)\s+[\w'"]+\s*=|union\s+select|select\s+[\w*,\s]+\s+from|insert\s+into|drop\s+(table|database))`, Category: "sql_injection", Weight: 40},
		{Pattern: `(?i)\b(sleep|benchmark|pg_sleep)\s*\(|waitfor\s+delay`, Category: "sql_injection", Weight: 35},
		{Pattern: `(?i)(<script[^>]*>|javascript\s*:|onerror\s*=|onload\s*=|<iframe|document\.cookie)`, Category: "xss", Weight: 30},
		{Pattern: `(?i)(\.\./|\.\.\\|%2e%2e%2f|/etc/passwd|c:\\windows)`, Category: "path_traversal", Weight: 35},
		{Pattern: `(?i)([;|]\s*(rm|cat|ls|wget|curl|nc|bash|sh)\b|\$\([^)]*\)|&&\s*(rm|cat|wget|curl)\b)`, Category: "command_injection", Weight: 40},
		{Pattern: `(?i)(\$where\b|\$ne\b|\$gt\b|\$regex\b)`, Category: "nosql_injection", Weight: 35},
		{Pattern: `(?i)(\{\{\s*[\w.]+\s*\}\}|<%=|\#\{[^}]+\})`, Category: "template_injection", Weight: 30},
		{Pattern: `(?i)(php://|data://|expect://|zip://)`, Category: "file_inclusion", Weight: 35},
		{Pattern: `(?i)(<!entity|<!doctype[^>]*\[)`, Category: "xxe", Weight: 35},
		{Pattern: `(?i)(%0d%0a|\r\n)(set-cookie|location)\s*:`, Category: "header_injection", Weight: 25},
	}
}

// NewRuleTable compiles the given detectors. An empty slice is valid and
// yields a table that never matches.
func NewRuleTable(detectors []Detector) (*RuleTable, error) {
	compiled, err := compileDetectors(detectors)
	if err != nil {
		return nil, err
	}
	return &RuleTable{detectors: compiled}, nil
}

// LoadRuleTable reads every *.json file in dir; each file holds a JSON
// array of detectors. The table remembers dir so Reload and Watch work.
func LoadRuleTable(dir string) (*RuleTable, error) {
	detectors, err := readDetectorDir(dir)
	if err != nil {
		return nil, err
	}
	table, err := NewRuleTable(detectors)
	if err != nil {
		return nil, err
	}
	table.dir = dir
	return table, nil
}

func readDetectorDir(dir string) ([]Detector, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}
	var detectors []Detector
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		if strings.Contains(file.Name(), "..") {
			return nil, fmt.Errorf("invalid rule file name: %s", file.Name())
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", file.Name(), err)
		}
		if len(data) > maxRuleFileSize {
			return nil, fmt.Errorf("rule file %s is too large", file.Name())
		}
		var batch []Detector
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("failed to parse rule file %s: %w", file.Name(), err)
		}
		detectors = append(detectors, batch...)
	}
	return detectors, nil
}

func compileDetectors(detectors []Detector) ([]Detector, error) {
	compiled := make([]Detector, 0, len(detectors))
	for i, d := range detectors {
		if d.Category == "" {
			return nil, fmt.Errorf("detector %d has empty category", i)
		}
		if d.Weight <= 0 {
			return nil, fmt.Errorf("detector %d (%s) has non-positive weight %d", i, d.Category, d.Weight)
		}
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return nil, fmt.Errorf("detector %d (%s) has invalid pattern: %w", i, d.Category, err)
		}
		d.re = re
		compiled = append(compiled, d)
	}
	return compiled, nil
}

// Match tests every detector against the surface and returns all hits.
func (t *RuleTable) Match(surface string) []RuleMatch {
	if surface == "" {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var matches []RuleMatch
	for i := range t.detectors {
		if t.detectors[i].re.MatchString(surface) {
			matches = append(matches, RuleMatch{Category: t.detectors[i].Category, Weight: t.detectors[i].Weight})
		}
	}
	return matches
}

// Len reports the number of loaded detectors.
func (t *RuleTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.detectors)
}

// Reload re-reads the rule directory. A failed reload keeps the previous
// detector set.
func (t *RuleTable) Reload() error {
	if t.dir == "" {
		return fmt.Errorf("rule table was not loaded from a directory")
	}
	detectors, err := readDetectorDir(t.dir)
	if err != nil {
		return err
	}
	compiled, err := compileDetectors(detectors)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.detectors = compiled
	t.mu.Unlock()
	return nil
}

// Watch reloads the table when files under the rule directory change.
// Starting an already watching table is a no-op.
func (t *RuleTable) Watch(logger *log.Logger) error {
	if t.dir == "" {
		return fmt.Errorf("rule table was not loaded from a directory")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	if err := watcher.Add(t.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", t.dir, err)
	}
	done := make(chan struct{})
	t.watcher = watcher
	t.done = done
	// The loop owns its own watcher reference; StopWatcher may nil the
	// fields out while the loop is still draining an event.
	go t.watchLoop(watcher, done, logger)
	return nil
}

func (t *RuleTable) watchLoop(watcher *fsnotify.Watcher, done chan struct{}, logger *log.Logger) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if err := t.Reload(); err != nil {
				if logger != nil {
					logger.Error().Err(err).Str("file", event.Name).Msg("rule reload failed, keeping previous table")
				}
				continue
			}
			if logger != nil {
				logger.Info().Str("file", event.Name).Int("detectors", t.Len()).Msg("rule table reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if logger != nil {
				logger.Warn().Err(err).Msg("rule watcher error")
			}
		case <-done:
			return
		}
	}
}

// StopWatcher shuts down the reload watcher. Safe to call when Watch was
// never started, and safe to call more than once.
func (t *RuleTable) StopWatcher() error {
	t.mu.Lock()
	watcher := t.watcher
	done := t.done
	t.watcher = nil
	t.done = nil
	t.mu.Unlock()
	if watcher == nil {
		return nil
	}
	close(done)
	return watcher.Close()
}
