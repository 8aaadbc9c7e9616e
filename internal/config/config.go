// Package config resolves the control plane's settings. Non-secret defaults
// may come from an optional JSON5 file; everything is overridable from the
// environment, and secrets (DSN, tokens) are env-only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/archon/internal/store"
)

// Defaults for the recognized environment knobs.
const (
	DefaultMaxConcurrentConversations = 10
	DefaultMaxWorktreesPerCodebase    = 25
	DefaultStaleThresholdDays         = 14
	DefaultCleanupIntervalHours       = 6
)

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token     string   `json:"-"` // env TELEGRAM_BOT_TOKEN only
	AllowFrom []string `json:"allow_from,omitempty"`
}

// Config is the resolved runtime configuration.
type Config struct {
	Home          string `json:"home,omitempty"` // ARCHON_HOME
	WorkspaceRoot string `json:"-"`              // {Home}/workspaces

	PostgresDSN string `json:"-"` // env ARCHON_POSTGRES_DSN only
	GHToken     string `json:"-"` // env GH_TOKEN only

	MaxConcurrentConversations int `json:"max_concurrent_conversations,omitempty"`
	MaxWorktreesPerCodebase    int `json:"max_worktrees_per_codebase,omitempty"`
	StaleThresholdDays         int `json:"stale_threshold_days,omitempty"`
	CleanupIntervalHours       int `json:"cleanup_interval_hours,omitempty"`

	// CleanupSchedule overrides the interval with a cron expression
	// (validated by gronx at startup). Empty derives one from
	// CleanupIntervalHours.
	CleanupSchedule string `json:"cleanup_schedule,omitempty"`

	DefaultAssistant store.AssistantType `json:"default_assistant,omitempty"`

	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// Load reads the optional JSON5 config file at path (missing file is fine),
// then applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// env-only configuration
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ARCHON_HOME"); v != "" {
		c.Home = v
	}
	c.PostgresDSN = os.Getenv("ARCHON_POSTGRES_DSN")
	c.GHToken = os.Getenv("GH_TOKEN")
	c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")

	if v := os.Getenv("TELEGRAM_ALLOW_FROM"); v != "" {
		c.Telegram.AllowFrom = splitList(v)
	}
	if v := envInt("MAX_CONCURRENT_CONVERSATIONS"); v > 0 {
		c.MaxConcurrentConversations = v
	}
	if v := envInt("MAX_WORKTREES_PER_CODEBASE"); v > 0 {
		c.MaxWorktreesPerCodebase = v
	}
	if v := envInt("STALE_THRESHOLD_DAYS"); v > 0 {
		c.StaleThresholdDays = v
	}
	if v := envInt("CLEANUP_INTERVAL_HOURS"); v > 0 {
		c.CleanupIntervalHours = v
	}
	if v := os.Getenv("ARCHON_CLEANUP_SCHEDULE"); v != "" {
		c.CleanupSchedule = v
	}
	if v := os.Getenv("DEFAULT_AI_ASSISTANT"); v != "" {
		c.DefaultAssistant = store.AssistantType(v)
	}
}

func (c *Config) applyDefaults() error {
	if c.Home == "" {
		if isContainer() {
			c.Home = "/.archon"
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolve home directory: %w", err)
			}
			c.Home = filepath.Join(home, ".archon")
		}
	}
	c.WorkspaceRoot = filepath.Join(c.Home, "workspaces")

	if c.MaxConcurrentConversations <= 0 {
		c.MaxConcurrentConversations = DefaultMaxConcurrentConversations
	}
	if c.MaxWorktreesPerCodebase <= 0 {
		c.MaxWorktreesPerCodebase = DefaultMaxWorktreesPerCodebase
	}
	if c.StaleThresholdDays <= 0 {
		c.StaleThresholdDays = DefaultStaleThresholdDays
	}
	if c.CleanupIntervalHours <= 0 {
		c.CleanupIntervalHours = DefaultCleanupIntervalHours
	}
	if c.DefaultAssistant == "" {
		c.DefaultAssistant = store.AssistantClaude
	}
	if !c.DefaultAssistant.Valid() {
		return fmt.Errorf("invalid DEFAULT_AI_ASSISTANT %q (want claude or codex)", c.DefaultAssistant)
	}
	return nil
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("ARCHON_CONTAINER") == "1"
}
