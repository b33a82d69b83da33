// Package config handles Foreman configuration
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds Foreman configuration
type Config struct {
	// Database connection
	DatabaseURL string

	// Worker settings
	Workers int

	// Unit settings
	UnitTimeout     time.Duration
	MaxUnitAttempts int

	// Gate settings
	GateRetryBudget      int
	ApprovalPollInterval time.Duration
	StrictChecks         bool
	ReviewCommand        string // review gate hook (empty = gate passes)
	SecurityCommand      string // security gate hook (empty = gate passes)

	// Retry settings
	ClaimTimeout time.Duration
	StallTimeout time.Duration
	PollInterval time.Duration

	// Workspace settings
	WorkspaceDir string

	// Agent settings
	AgentType string // "claude", "command", or "script"
	AgentPath string // path to agent binary

	// Strategy settings
	DirectThreshold int // max total score for direct execution
	SharedThreshold int // max total score for shared-branch
	SharedMaxUnits  int // max unit count for shared-branch

	// Webhook settings
	WebhookURL    string
	WebhookSecret string

	// Populated from .foreman.toml, never from the environment
	Guidelines   string   // Prepended to every agent prompt
	DefaultHints []string // Appended to every task's planning hints

	// Project directory (detected)
	ProjectDir string

	// Verbose mode for debugging
	Verbose bool
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:          defaultDatabaseURL(),
		Workers:              3,
		UnitTimeout:          60 * time.Minute,
		MaxUnitAttempts:      3,
		GateRetryBudget:      3,
		ApprovalPollInterval: 2 * time.Second,
		StrictChecks:         false,
		ClaimTimeout:         5 * time.Minute,
		StallTimeout:         5 * time.Minute,
		PollInterval:         2 * time.Second,
		WorkspaceDir:         ".foreman/workspaces",
		AgentType:            "claude",
		AgentPath:            "claude",
		DirectThreshold:      10,
		SharedThreshold:      30,
		SharedMaxUnits:       5,
	}

	// Environment overrides
	if v := os.Getenv("FOREMAN_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("FOREMAN_WORKERS"); v != "" {
		cfg.Workers = parseIntOrDefault(v, 3)
	}
	if v := os.Getenv("FOREMAN_UNIT_TIMEOUT"); v != "" {
		cfg.UnitTimeout = parseDurationOrDefault(v, 60*time.Minute)
	}
	if v := os.Getenv("FOREMAN_MAX_UNIT_ATTEMPTS"); v != "" {
		cfg.MaxUnitAttempts = parseIntOrDefault(v, 3)
	}
	if v := os.Getenv("FOREMAN_GATE_RETRIES"); v != "" {
		cfg.GateRetryBudget = parseIntOrDefault(v, 3)
	}
	if v := os.Getenv("FOREMAN_APPROVAL_POLL"); v != "" {
		cfg.ApprovalPollInterval = parseDurationOrDefault(v, 2*time.Second)
	}
	if v := os.Getenv("FOREMAN_STRICT_CHECKS"); v != "" {
		cfg.StrictChecks = v == "true" || v == "1"
	}
	if v := os.Getenv("FOREMAN_REVIEW_CMD"); v != "" {
		cfg.ReviewCommand = v
	}
	if v := os.Getenv("FOREMAN_SECURITY_CMD"); v != "" {
		cfg.SecurityCommand = v
	}
	if v := os.Getenv("FOREMAN_CLAIM_TIMEOUT"); v != "" {
		cfg.ClaimTimeout = parseDurationOrDefault(v, 5*time.Minute)
	}
	if v := os.Getenv("FOREMAN_STALL_TIMEOUT"); v != "" {
		cfg.StallTimeout = parseDurationOrDefault(v, 5*time.Minute)
	}
	if v := os.Getenv("FOREMAN_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = parseDurationOrDefault(v, 2*time.Second)
	}
	if v := os.Getenv("FOREMAN_WORKSPACE_DIR"); v != "" {
		cfg.WorkspaceDir = v
	}
	if v := os.Getenv("FOREMAN_AGENT_TYPE"); v != "" {
		cfg.AgentType = v
	}
	if v := os.Getenv("FOREMAN_AGENT_PATH"); v != "" {
		cfg.AgentPath = v
	}
	if v := os.Getenv("FOREMAN_DIRECT_THRESHOLD"); v != "" {
		cfg.DirectThreshold = parseIntOrDefault(v, 10)
	}
	if v := os.Getenv("FOREMAN_SHARED_THRESHOLD"); v != "" {
		cfg.SharedThreshold = parseIntOrDefault(v, 30)
	}
	if v := os.Getenv("FOREMAN_SHARED_MAX_UNITS"); v != "" {
		cfg.SharedMaxUnits = parseIntOrDefault(v, 5)
	}
	if v := os.Getenv("FOREMAN_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("FOREMAN_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("FOREMAN_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	// Resolve AgentPath based on AgentType if not explicitly set
	if cfg.AgentPath == "claude" && cfg.AgentType != "claude" {
		switch cfg.AgentType {
		case "command":
			cfg.AgentPath = os.Getenv("SHELL")
			if cfg.AgentPath == "" {
				cfg.AgentPath = "/bin/sh"
			}
		}
	}

	return cfg, nil
}

// defaultDatabaseURL returns SQLite in project directory
func defaultDatabaseURL() string {
	dir, err := os.Getwd()
	if err != nil {
		return "sqlite://.foreman/db"
	}
	return "sqlite://" + filepath.Join(dir, ".foreman", "foreman.db")
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetOperator returns the current operator name from environment or config file
func GetOperator() string {
	if v := os.Getenv("FOREMAN_OPERATOR"); v != "" {
		return v
	}

	// Try to read from config file
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	configFile := filepath.Join(homeDir, ".foreman", "config.json")
	data, err := os.ReadFile(configFile)
	if err != nil {
		return ""
	}

	// Simple JSON parsing for just the operator field
	type ConfigFile struct {
		Operator string `json:"operator"`
	}
	var cfg ConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ""
	}

	return cfg.Operator
}

// SetOperator saves the operator name to the config file
func SetOperator(name string) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("getting home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".foreman")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configFile := filepath.Join(configDir, "config.json")

	// Read existing config or create new
	type ConfigFile struct {
		Operator string `json:"operator"`
	}
	var cfg ConfigFile

	data, err := os.ReadFile(configFile)
	if err == nil {
		json.Unmarshal(data, &cfg)
	}

	// Update operator
	cfg.Operator = name

	// Write back
	data, err = json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
