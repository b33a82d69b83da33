// Package project provides per-project configuration management.
// Settings live in .foreman.toml at the project root; unset fields
// inherit the process-wide config.
package project

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cloud-shuttle/foreman/internal/analytics"
	"github.com/cloud-shuttle/foreman/internal/config"
	"github.com/cloud-shuttle/foreman/internal/events"
	"github.com/cloud-shuttle/foreman/internal/webhooks"
)

// Config holds per-project Foreman configuration
type Config struct {
	// Agent configuration
	Agent       string   `toml:"agent"`
	AgentPath   string   `toml:"agent_path"`
	MaxWorkers  int      `toml:"max_workers"`
	UnitTimeout Duration `toml:"unit_timeout"`

	// Gate configuration
	MaxAttempts     int    `toml:"max_attempts"`
	GateRetries     int    `toml:"gate_retries"`
	ReviewCommand   string `toml:"review_command"`
	SecurityCommand string `toml:"security_command"`
	StrictChecks    *bool  `toml:"strict_checks"`

	// Strategy thresholds
	DirectThreshold int `toml:"direct_threshold"`
	SharedThreshold int `toml:"shared_threshold"`
	SharedMaxUnits  int `toml:"shared_max_units"`

	// Size thresholds
	MaxDescriptionSize ByteSize `toml:"max_description_size"`
	MaxOutputSize      ByteSize `toml:"max_output_size"`

	// Project-specific guidelines prepended to agent prompts
	Guidelines string `toml:"guidelines"`

	// Hints appended to every task at plan time
	DefaultHints []string `toml:"default_hints"`

	// Delivery and metrics sections
	Webhooks  []WebhookConfig `toml:"webhooks"`
	Analytics AnalyticsConfig `toml:"analytics"`

	// File path where this config was loaded
	configPath string
}

// WebhookConfig declares one delivery endpoint
type WebhookConfig struct {
	ID     string   `toml:"id"`
	URL    string   `toml:"url"`
	Secret string   `toml:"secret"`
	Events []string `toml:"events"`
}

// AnalyticsConfig controls metric persistence
type AnalyticsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ByteSize represents a size in bytes (supports KB, MB, GB suffixes in TOML)
type ByteSize int64

// UnmarshalText parses byte sizes from TOML (e.g., "250KB", "1MB")
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*b = 0
		return nil
	}

	upper := strings.ToUpper(s)
	var multiplier int64 = 1
	numStr := upper
	switch {
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1 << 30
		numStr = strings.TrimSuffix(upper, "GB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1 << 20
		numStr = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1 << 10
		numStr = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "B"):
		numStr = strings.TrimSuffix(upper, "B")
	}

	size, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid byte size format: %q", s)
	}

	*b = ByteSize(size * multiplier)
	return nil
}

// MarshalText renders the size back to its suffixed form
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String returns a human-readable representation
func (b ByteSize) String() string {
	switch {
	case b >= 1<<30 && b%(1<<30) == 0:
		return fmt.Sprintf("%dGB", b/(1<<30))
	case b >= 1<<20 && b%(1<<20) == 0:
		return fmt.Sprintf("%dMB", b/(1<<20))
	case b >= 1<<10 && b%(1<<10) == 0:
		return fmt.Sprintf("%dKB", b/(1<<10))
	default:
		return fmt.Sprintf("%dB", int64(b))
	}
}

// Duration wraps time.Duration so TOML accepts "45m" style values
type Duration time.Duration

// UnmarshalText parses Go duration strings
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration in Go syntax
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// FileName is the per-project config file name
const FileName = ".foreman.toml"

// Load loads the project configuration from the project directory.
// A missing .foreman.toml is not an error; every field inherits.
func Load(projectDir string) (*Config, error) {
	cfg := &Config{
		configPath: filepath.Join(projectDir, FileName),
	}

	data, err := os.ReadFile(cfg.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", cfg.configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.configPath, err)
	}

	return cfg, nil
}

// Save saves the configuration to .foreman.toml
func (c *Config) Save() error {
	if c.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	dir := filepath.Dir(c.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.Create(c.configPath)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// ConfigPath returns the path to the config file
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Validate checks the ranges of every set field. Zero values mean
// "inherit" and always pass.
func (c *Config) Validate() error {
	if c.MaxWorkers < 0 || c.MaxWorkers > 20 {
		return fmt.Errorf("max_workers must be between 1 and 20")
	}
	if t := c.UnitTimeout.Std(); t != 0 && (t < time.Minute || t > 4*time.Hour) {
		return fmt.Errorf("unit_timeout must be between 1m and 4h")
	}
	if c.MaxAttempts < 0 || c.MaxAttempts > 10 {
		return fmt.Errorf("max_attempts must be between 1 and 10")
	}
	if c.GateRetries < 0 || c.GateRetries > 10 {
		return fmt.Errorf("gate_retries must be between 1 and 10")
	}
	if c.DirectThreshold < 0 {
		return fmt.Errorf("direct_threshold cannot be negative")
	}
	if c.SharedThreshold != 0 && c.SharedThreshold < c.DirectThreshold {
		return fmt.Errorf("shared_threshold cannot be below direct_threshold")
	}
	if c.SharedMaxUnits < 0 || c.SharedMaxUnits > 20 {
		return fmt.Errorf("shared_max_units must be between 1 and 20")
	}

	switch c.Agent {
	case "", "claude", "command":
	default:
		return fmt.Errorf("unknown agent type: %s (valid: claude, command)", c.Agent)
	}

	for _, w := range c.Webhooks {
		if w.ID == "" || w.URL == "" {
			return fmt.Errorf("webhooks need both an id and a url")
		}
	}

	return nil
}

// ApplyTo overlays the set fields of the project config onto the
// process-wide config. Unset fields leave the inherited value alone.
func (c *Config) ApplyTo(cfg *config.Config) {
	if c.Agent != "" {
		cfg.AgentType = c.Agent
	}
	if c.AgentPath != "" {
		cfg.AgentPath = c.AgentPath
	}
	if c.MaxWorkers > 0 {
		cfg.Workers = c.MaxWorkers
	}
	if c.UnitTimeout != 0 {
		cfg.UnitTimeout = c.UnitTimeout.Std()
	}
	if c.MaxAttempts > 0 {
		cfg.MaxUnitAttempts = c.MaxAttempts
	}
	if c.GateRetries > 0 {
		cfg.GateRetryBudget = c.GateRetries
	}
	if c.ReviewCommand != "" {
		cfg.ReviewCommand = c.ReviewCommand
	}
	if c.SecurityCommand != "" {
		cfg.SecurityCommand = c.SecurityCommand
	}
	if c.StrictChecks != nil {
		cfg.StrictChecks = *c.StrictChecks
	}
	if c.DirectThreshold > 0 {
		cfg.DirectThreshold = c.DirectThreshold
	}
	if c.SharedThreshold > 0 {
		cfg.SharedThreshold = c.SharedThreshold
	}
	if c.SharedMaxUnits > 0 {
		cfg.SharedMaxUnits = c.SharedMaxUnits
	}
	if c.Guidelines != "" {
		cfg.Guidelines = c.GetGuidelines()
	}
	if len(c.DefaultHints) > 0 {
		cfg.DefaultHints = append(cfg.DefaultHints, c.DefaultHints...)
	}
}

// GetGuidelines returns the project guidelines formatted for prompt inclusion
func (c *Config) GetGuidelines() string {
	return strings.TrimSpace(c.Guidelines)
}

// Hints returns the default planning hints
func (c *Config) Hints() []string {
	if c.DefaultHints == nil {
		return []string{}
	}
	return c.DefaultHints
}

// WebhookManager builds a delivery manager with every configured
// endpoint registered. Returns nil when no webhooks are declared.
func (c *Config) WebhookManager() (*webhooks.Manager, error) {
	if len(c.Webhooks) == 0 {
		return nil, nil
	}

	m := webhooks.NewManager()
	for _, wc := range c.Webhooks {
		evts := make([]events.EventType, len(wc.Events))
		for i, e := range wc.Events {
			evts[i] = events.EventType(e)
		}
		err := m.Register(&webhooks.Webhook{
			ID:      wc.ID,
			URL:     wc.URL,
			Secret:  wc.Secret,
			Events:  evts,
			Enabled: true,
		})
		if err != nil {
			return nil, fmt.Errorf("registering webhook %s: %w", wc.ID, err)
		}
	}
	return m, nil
}

// AnalyticsManager builds the metrics manager when analytics are
// enabled. Returns nil when they are not.
func (c *Config) AnalyticsManager(projectDir string, logger *log.Logger) (*analytics.Manager, error) {
	if !c.Analytics.Enabled {
		return nil, nil
	}

	path := c.Analytics.Path
	if path == "" {
		path = filepath.Join(projectDir, ".foreman", "analytics.json")
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(projectDir, path)
	}

	return analytics.NewManager(analytics.Config{Path: path, Logger: logger})
}
