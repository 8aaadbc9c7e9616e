package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ARCHON_HOME", t.TempDir())
	t.Setenv("ARCHON_POSTGRES_DSN", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrentConversations != DefaultMaxConcurrentConversations {
		t.Errorf("MaxConcurrentConversations = %d, want %d",
			cfg.MaxConcurrentConversations, DefaultMaxConcurrentConversations)
	}
	if cfg.MaxWorktreesPerCodebase != DefaultMaxWorktreesPerCodebase {
		t.Errorf("MaxWorktreesPerCodebase = %d, want %d",
			cfg.MaxWorktreesPerCodebase, DefaultMaxWorktreesPerCodebase)
	}
	if cfg.StaleThresholdDays != DefaultStaleThresholdDays {
		t.Errorf("StaleThresholdDays = %d, want %d", cfg.StaleThresholdDays, DefaultStaleThresholdDays)
	}
	if cfg.DefaultAssistant != "claude" {
		t.Errorf("DefaultAssistant = %q, want claude", cfg.DefaultAssistant)
	}
	if cfg.WorkspaceRoot != filepath.Join(cfg.Home, "workspaces") {
		t.Errorf("WorkspaceRoot = %q, want under %q", cfg.WorkspaceRoot, cfg.Home)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ARCHON_HOME", t.TempDir())
	t.Setenv("ARCHON_POSTGRES_DSN", "postgres://u:p@localhost/archon")
	t.Setenv("MAX_CONCURRENT_CONVERSATIONS", "3")
	t.Setenv("MAX_WORKTREES_PER_CODEBASE", "7")
	t.Setenv("DEFAULT_AI_ASSISTANT", "codex")
	t.Setenv("TELEGRAM_ALLOW_FROM", "alice, 12345 ,bob")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PostgresDSN != "postgres://u:p@localhost/archon" {
		t.Errorf("PostgresDSN = %q", cfg.PostgresDSN)
	}
	if cfg.MaxConcurrentConversations != 3 {
		t.Errorf("MaxConcurrentConversations = %d, want 3", cfg.MaxConcurrentConversations)
	}
	if cfg.MaxWorktreesPerCodebase != 7 {
		t.Errorf("MaxWorktreesPerCodebase = %d, want 7", cfg.MaxWorktreesPerCodebase)
	}
	if cfg.DefaultAssistant != "codex" {
		t.Errorf("DefaultAssistant = %q, want codex", cfg.DefaultAssistant)
	}
	want := []string{"alice", "12345", "bob"}
	if len(cfg.Telegram.AllowFrom) != len(want) {
		t.Fatalf("AllowFrom = %v, want %v", cfg.Telegram.AllowFrom, want)
	}
	for i := range want {
		if cfg.Telegram.AllowFrom[i] != want[i] {
			t.Errorf("AllowFrom[%d] = %q, want %q", i, cfg.Telegram.AllowFrom[i], want[i])
		}
	}
}

func TestLoadRejectsInvalidAssistant(t *testing.T) {
	t.Setenv("ARCHON_HOME", t.TempDir())
	t.Setenv("DEFAULT_AI_ASSISTANT", "copilot")

	if _, err := Load(""); err == nil {
		t.Fatal("Load accepted an unknown assistant type")
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("ARCHON_HOME", "")
	t.Setenv("MAX_CONCURRENT_CONVERSATIONS", "")
	home := t.TempDir()
	path := filepath.Join(home, "config.json5")
	// json5 tolerates comments and trailing commas.
	data := "{\n  \"home\": \"" + home + "\",\n  \"max_concurrent_conversations\": 4,\n  \"stale_threshold_days\": 30, // tuning\n}\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Home != home {
		t.Errorf("Home = %q, want %q", cfg.Home, home)
	}
	if cfg.MaxConcurrentConversations != 4 {
		t.Errorf("MaxConcurrentConversations = %d, want 4", cfg.MaxConcurrentConversations)
	}
	if cfg.StaleThresholdDays != 30 {
		t.Errorf("StaleThresholdDays = %d, want 30", cfg.StaleThresholdDays)
	}
}
