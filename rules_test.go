package threatguard

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestDefaultDetectorsCompile(t *testing.T) {
	table, err := NewRuleTable(DefaultDetectors())
	if err != nil {
		t.Fatalf("builtin detectors must compile: %v", err)
	}
	if table.Len() == 0 {
		t.Fatal("builtin table is empty")
	}

	matches := table.Match(`{"q":"' OR 1=1"}`)
	found := false
	for _, m := range matches {
		if m.Category == "sql_injection" {
			found = true
			if m.Weight < 30 {
				t.Fatalf("sql injection weight too low: %d", m.Weight)
			}
		}
	}
	if !found {
		t.Fatal("expected sql_injection match")
	}
}

func TestMatchEmptySurface(t *testing.T) {
	table, err := NewRuleTable(DefaultDetectors())
	if err != nil {
		t.Fatal(err)
	}
	if got := table.Match(""); got != nil {
		t.Fatalf("expected no matches on empty surface, got %v", got)
	}
}

func TestNewRuleTableRejectsBadDetectors(t *testing.T) {
	if _, err := NewRuleTable([]Detector{{Pattern: "(", Category: "x", Weight: 10}}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
	if _, err := NewRuleTable([]Detector{{Pattern: "ok", Category: "", Weight: 10}}); err == nil {
		t.Fatal("expected error for empty category")
	}
	if _, err := NewRuleTable([]Detector{{Pattern: "ok", Category: "x", Weight: 0}}); err == nil {
		t.Fatal("expected error for non-positive weight")
	}
}

func TestLoadRuleTableAndReload(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("a.json", `[{"pattern":"evil","category":"custom","weight":50}]`)
	write("ignored.txt", "not json")

	table, err := LoadRuleTable(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("expected 1 detector, got %d", table.Len())
	}
	if got := table.Match("something evil here"); len(got) != 1 || got[0].Category != "custom" {
		t.Fatalf("unexpected matches: %v", got)
	}

	write("b.json", `[{"pattern":"worse","category":"custom2","weight":60}]`)
	if err := table.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 detectors after reload, got %d", table.Len())
	}

	// A broken file keeps the previous table.
	write("b.json", `not json`)
	if err := table.Reload(); err == nil {
		t.Fatal("expected reload error for broken file")
	}
	if table.Len() != 2 {
		t.Fatalf("failed reload must keep previous table, got %d detectors", table.Len())
	}
}

func TestLoadRuleTableMissingDir(t *testing.T) {
	if _, err := LoadRuleTable(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

// Stopping the watcher while events are still arriving must not race with
// the reload loop.
func TestWatchStopUnderLoad(t *testing.T) {
	dir := t.TempDir()
	rule := []byte(`[{"pattern":"evil","category":"custom","weight":50}]`)
	if err := os.WriteFile(filepath.Join(dir, "a.json"), rule, 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := LoadRuleTable(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Watch(quietLogger()); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := table.Watch(quietLogger()); err != nil {
		t.Fatalf("second watch must be a no-op: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := os.WriteFile(filepath.Join(dir, "b.json"), rule, 0o644); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	// Let the loop process a burst of events, then stop mid-stream.
	deadline := time.Now().Add(2 * time.Second)
	for table.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if table.Len() < 2 {
		t.Fatal("watcher never picked up the new rule file")
	}
	if err := table.StopWatcher(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(stop)
	wg.Wait()
	if err := table.StopWatcher(); err != nil {
		t.Fatalf("repeat stop must be a no-op: %v", err)
	}
}
