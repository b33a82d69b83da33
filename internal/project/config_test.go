package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloud-shuttle/foreman/internal/config"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func TestLoadMissingFileInheritsEverything(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Agent != "" || cfg.MaxWorkers != 0 || cfg.UnitTimeout != 0 {
		t.Errorf("Expected zero config for a missing file, got %+v", cfg)
	}
	if cfg.ConfigPath() == "" {
		t.Error("Expected config path to be set even when the file is missing")
	}
}

func TestLoadParsesAllSections(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
agent = "command"
agent_path = "/usr/local/bin/aider"
max_workers = 5
unit_timeout = "45m"
max_attempts = 4
gate_retries = 2
review_command = "scripts/review.sh"
security_command = "scripts/audit.sh"
strict_checks = true
direct_threshold = 12
shared_threshold = 35
shared_max_units = 4
max_description_size = "250KB"
max_output_size = "2MB"
guidelines = "Keep handlers thin."
default_hints = ["respect module boundaries", "no new deps"]

[[webhooks]]
id = "ci-notify"
url = "https://ci.example.com/hook"
secret = "hunter2"
events = ["unit.integrated", "merge.failed"]

[analytics]
enabled = true
path = "metrics/foreman.json"
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Agent != "command" {
		t.Errorf("Agent = %q", cfg.Agent)
	}
	if cfg.MaxWorkers != 5 {
		t.Errorf("MaxWorkers = %d", cfg.MaxWorkers)
	}
	if cfg.UnitTimeout.Std() != 45*time.Minute {
		t.Errorf("UnitTimeout = %v", cfg.UnitTimeout.Std())
	}
	if cfg.StrictChecks == nil || !*cfg.StrictChecks {
		t.Error("Expected strict_checks true")
	}
	if cfg.MaxDescriptionSize.Bytes() != 250*1024 {
		t.Errorf("MaxDescriptionSize = %d", cfg.MaxDescriptionSize.Bytes())
	}
	if cfg.MaxOutputSize.Bytes() != 2*1024*1024 {
		t.Errorf("MaxOutputSize = %d", cfg.MaxOutputSize.Bytes())
	}
	if len(cfg.DefaultHints) != 2 {
		t.Errorf("DefaultHints = %v", cfg.DefaultHints)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].ID != "ci-notify" {
		t.Errorf("Webhooks = %+v", cfg.Webhooks)
	}
	if !cfg.Analytics.Enabled || cfg.Analytics.Path != "metrics/foreman.json" {
		t.Errorf("Analytics = %+v", cfg.Analytics)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name, content string
	}{
		{"workers too high", "max_workers = 50"},
		{"timeout too short", `unit_timeout = "10s"`},
		{"timeout too long", `unit_timeout = "9h"`},
		{"attempts too high", "max_attempts = 99"},
		{"unknown agent", `agent = "telepathy"`},
		{"shared below direct", "direct_threshold = 20\nshared_threshold = 10"},
		{"webhook missing url", "[[webhooks]]\nid = \"x\""},
		{"bad byte size", `max_output_size = "lots"`},
		{"bad duration", `unit_timeout = "soon"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content)
			if _, err := Load(dir); err == nil {
				t.Errorf("Expected error for %q", tt.content)
			}
		})
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"512", 512},
		{"512B", 512},
		{"4KB", 4 * 1024},
		{"4kb", 4 * 1024},
		{"1MB", 1024 * 1024},
		{"2GB", 2 << 30},
		{" 8KB ", 8 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var b ByteSize
			if err := b.UnmarshalText([]byte(tt.input)); err != nil {
				t.Fatalf("UnmarshalText(%q) failed: %v", tt.input, err)
			}
			if b.Bytes() != tt.expected {
				t.Errorf("ByteSize(%q) = %d; want %d", tt.input, b.Bytes(), tt.expected)
			}
		})
	}

	var b ByteSize
	if err := b.UnmarshalText([]byte("10TB")); err == nil {
		t.Error("Expected error for unsupported suffix")
	}
}

func TestByteSizeString(t *testing.T) {
	tests := []struct {
		size     ByteSize
		expected string
	}{
		{0, "0B"},
		{512, "512B"},
		{4 * 1024, "4KB"},
		{1536, "1536B"}, // not a whole KB, stays in bytes
		{3 << 20, "3MB"},
		{2 << 30, "2GB"},
	}

	for _, tt := range tests {
		if got := tt.size.String(); got != tt.expected {
			t.Errorf("ByteSize(%d).String() = %q; want %q", int64(tt.size), got, tt.expected)
		}
	}
}

func TestApplyToOverlaysOnlySetFields(t *testing.T) {
	global := &config.Config{
		AgentType:       "claude",
		AgentPath:       "claude",
		Workers:         3,
		UnitTimeout:     time.Hour,
		MaxUnitAttempts: 3,
		GateRetryBudget: 3,
		DirectThreshold: 10,
		SharedThreshold: 30,
		SharedMaxUnits:  5,
	}

	strict := true
	proj := &Config{
		MaxWorkers:   6,
		GateRetries:  2,
		StrictChecks: &strict,
		Guidelines:   "  Prefer table tests.\n",
		DefaultHints: []string{"keep APIs stable"},
	}

	proj.ApplyTo(global)

	if global.Workers != 6 {
		t.Errorf("Workers = %d; want 6", global.Workers)
	}
	if global.GateRetryBudget != 2 {
		t.Errorf("GateRetryBudget = %d; want 2", global.GateRetryBudget)
	}
	if !global.StrictChecks {
		t.Error("Expected StrictChecks true")
	}
	if global.Guidelines != "Prefer table tests." {
		t.Errorf("Guidelines = %q", global.Guidelines)
	}
	if len(global.DefaultHints) != 1 {
		t.Errorf("DefaultHints = %v", global.DefaultHints)
	}

	// Unset fields inherit
	if global.AgentType != "claude" {
		t.Errorf("AgentType = %q; want claude", global.AgentType)
	}
	if global.UnitTimeout != time.Hour {
		t.Errorf("UnitTimeout = %v; want 1h", global.UnitTimeout)
	}
	if global.SharedThreshold != 30 {
		t.Errorf("SharedThreshold = %d; want 30", global.SharedThreshold)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
max_workers = 4
unit_timeout = "30m"
max_output_size = "1MB"
guidelines = "Short functions."
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if reloaded.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d; want 4", reloaded.MaxWorkers)
	}
	if reloaded.UnitTimeout.Std() != 30*time.Minute {
		t.Errorf("UnitTimeout = %v; want 30m", reloaded.UnitTimeout.Std())
	}
	if reloaded.MaxOutputSize.Bytes() != 1024*1024 {
		t.Errorf("MaxOutputSize = %d; want 1MB", reloaded.MaxOutputSize.Bytes())
	}
	if reloaded.Guidelines != "Short functions." {
		t.Errorf("Guidelines = %q", reloaded.Guidelines)
	}
}

func TestWebhookManagerFactory(t *testing.T) {
	cfg := &Config{
		Webhooks: []WebhookConfig{
			{ID: "notify", URL: "https://example.com/hook", Secret: "s", Events: []string{"unit.merged"}},
		},
	}

	m, err := cfg.WebhookManager()
	if err != nil {
		t.Fatalf("WebhookManager failed: %v", err)
	}
	if m == nil {
		t.Fatal("Expected a manager when webhooks are configured")
	}

	hook, err := m.Get("notify")
	if err != nil || hook == nil {
		t.Fatal("Expected the configured webhook to be registered")
	}
	if len(hook.Events) != 1 || string(hook.Events[0]) != "unit.merged" {
		t.Errorf("Events = %v", hook.Events)
	}

	empty := &Config{}
	m, err = empty.WebhookManager()
	if err != nil {
		t.Fatalf("WebhookManager failed for empty config: %v", err)
	}
	if m != nil {
		t.Error("Expected nil manager when no webhooks are declared")
	}
}

func TestAnalyticsManagerFactory(t *testing.T) {
	dir := t.TempDir()

	disabled := &Config{}
	m, err := disabled.AnalyticsManager(dir, nil)
	if err != nil {
		t.Fatalf("AnalyticsManager failed: %v", err)
	}
	if m != nil {
		t.Error("Expected nil manager when analytics are disabled")
	}

	enabled := &Config{Analytics: AnalyticsConfig{Enabled: true, Path: "metrics.json"}}
	m, err = enabled.AnalyticsManager(dir, nil)
	if err != nil {
		t.Fatalf("AnalyticsManager failed: %v", err)
	}
	if m == nil {
		t.Fatal("Expected a manager when analytics are enabled")
	}
	defer m.Stop(context.Background())

	m.IncrementCounter("smoke", 1, nil)
	if err := m.SaveToFile(filepath.Join(dir, "metrics.json")); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "metrics.json")); err != nil {
		t.Errorf("Expected the metrics file under the project dir: %v", err)
	}
}
