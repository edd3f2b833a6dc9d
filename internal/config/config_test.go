package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Caps.Address == "" {
		t.Error("expected a default caps address")
	}
	if cfg.Embedding.Dimensions != 1536 {
		t.Errorf("expected 1536, got %d", cfg.Embedding.Dimensions)
	}
	if cfg.Ast.MaxFiles != 50_000 {
		t.Errorf("expected 50000, got %d", cfg.Ast.MaxFiles)
	}
	if cfg.Workspace.TrajectoryDir == "" {
		t.Error("expected a default trajectory dir")
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[chat]
model = "gpt-large"

[vecdb]
cooldown_secs = 5
`), 0644)

	cfg := Load(path)
	if cfg.Chat.Model != "gpt-large" {
		t.Errorf("expected gpt-large, got %s", cfg.Chat.Model)
	}
	if cfg.VecDB.CooldownSecs != 5 {
		t.Errorf("expected cooldown 5, got %d", cfg.VecDB.CooldownSecs)
	}
	// Defaults preserved
	if cfg.Ast.MaxFiles != 50_000 {
		t.Errorf("default should be preserved, got %d", cfg.Ast.MaxFiles)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("REFACTD_CAPS_ADDRESS", "http://localhost:8008")
	t.Setenv("REFACTD_CHAT_API_KEY", "env-key")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Caps.Address != "http://localhost:8008" {
		t.Errorf("expected localhost caps, got %s", cfg.Caps.Address)
	}
	if cfg.Chat.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.Chat.APIKey)
	}
	// Fallback: embedding inherits the chat key
	if cfg.Embedding.APIKey != "env-key" {
		t.Errorf("expected embedding fallback to env-key, got %s", cfg.Embedding.APIKey)
	}
}
