package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Caps          CapsConfig          `toml:"caps"`
	Chat          ChatConfig          `toml:"chat"`
	Embedding     EmbeddingConfig     `toml:"embedding"`
	Workspace     WorkspaceConfig     `toml:"workspace"`
	Ast           AstConfig           `toml:"ast"`
	VecDB         VecDBConfig         `toml:"vecdb"`
	MCP           MCPConfig           `toml:"mcp"`
	Customization CustomizationConfig `toml:"customization"`
	Search        SearchConfig        `toml:"search"`
	Observer      ObserverConfig      `toml:"observer"`
}

// CapsConfig points at the server whose caps document resolves model names
// to provider endpoints.
type CapsConfig struct {
	Address string `toml:"address"`
}

type ChatConfig struct {
	Model  string `toml:"model"`
	APIKey string `toml:"api_key"`
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type WorkspaceConfig struct {
	Root          string `toml:"root"`
	CacheDir      string `toml:"cache_dir"`
	TrajectoryDir string `toml:"trajectory_dir"`
}

type AstConfig struct {
	MaxFiles int `toml:"max_files"`
}

type VecDBConfig struct {
	MaxFiles     int `toml:"max_files"`
	CooldownSecs int `toml:"cooldown_secs"`
}

// MCPConfig names the directory scanned for per-server MCP integration
// YAMLs.
type MCPConfig struct {
	ConfigDir string `toml:"config_dir"`
}

type CustomizationConfig struct {
	Path string `toml:"path"`
}

type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	cache := filepath.Join(home, ".cache", "refactd")
	return Config{
		Caps:      CapsConfig{Address: "https://inference.smallcloud.ai"},
		Embedding: EmbeddingConfig{Dimensions: 1536},
		Workspace: WorkspaceConfig{
			CacheDir:      cache,
			TrajectoryDir: filepath.Join(cache, "trajectories"),
		},
		Ast:   AstConfig{MaxFiles: 50_000},
		VecDB: VecDBConfig{MaxFiles: 25_000, CooldownSecs: 20},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "refactd.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("REFACTD_CAPS_ADDRESS"); v != "" {
		cfg.Caps.Address = v
	}
	if v := os.Getenv("REFACTD_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("REFACTD_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("REFACTD_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("REFACTD_BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if os.Getenv("REFACTD_OBSERVER_ENABLED") == "true" || os.Getenv("REFACTD_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.Chat.APIKey
	}

	return cfg
}
