// Package customization loads the user-maintained customization YAML:
// role-keyed system prompts and shell tool declarations
// ({name,command,timeout,postprocess,confirmation:{ask_user,deny}}), plus
// the turned_on allow-list used to filter a Registry.
package customization

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relayforge/refactd"
)

// Confirmation is a shell tool's own ask_user/deny glob lists, consulted
// before the shared ConfirmPolicy.
type Confirmation struct {
	AskUser []string `yaml:"ask_user"`
	Deny    []string `yaml:"deny"`
}

// ShellToolSpec declares one customization-YAML shell tool.
type ShellToolSpec struct {
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description"`
	Command      string       `yaml:"command"`
	Timeout      int          `yaml:"timeout"` // seconds; 0 means the Config-level default
	Postprocess  string       `yaml:"postprocess"`
	Confirmation Confirmation `yaml:"confirmation"`
}

// Config is the parsed customization YAML.
type Config struct {
	// SystemPrompts is keyed by role: "default", "exploration_tools",
	// "agentic_tools", "configurator".
	SystemPrompts map[string]string `yaml:"system_prompts"`
	Tools         []ShellToolSpec   `yaml:"tools"`
	// TurnedOn names the tools (by name, any source) a Registry.Filter call
	// should keep; empty means no filtering.
	TurnedOn []string `yaml:"turned_on"`
	// DefaultTimeout seconds applied to a ShellToolSpec that doesn't set its
	// own Timeout.
	DefaultTimeout int `yaml:"default_timeout"`
}

const defaultRole = "default"

// defaultSystemPrompt is used when a YAML is absent or doesn't set
// system_prompts.default.
const defaultSystemPrompt = "You are a coding assistant with access to workspace tools. " +
	"Use them to find, read, and edit code; prefer the narrowest tool for the job."

// Default returns a Config with built-in fallbacks for every role and no
// shell tools.
func Default() Config {
	return Config{
		SystemPrompts:  map[string]string{defaultRole: defaultSystemPrompt},
		DefaultTimeout: 30,
	}
}

// Load reads and parses a customization YAML at path. A missing file is not
// an error — the file is optional, and Default() is returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &refactd.ErrParse{Source: "customization " + path, Cause: err}
	}
	if cfg.SystemPrompts == nil {
		cfg.SystemPrompts = map[string]string{}
	}
	if _, ok := cfg.SystemPrompts[defaultRole]; !ok {
		cfg.SystemPrompts[defaultRole] = defaultSystemPrompt
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30
	}
	return cfg, nil
}

// SystemPrompt returns the prompt for role, falling back to "default" when
// role is unset or has no override.
func (c Config) SystemPrompt(role string) string {
	if p, ok := c.SystemPrompts[role]; ok && p != "" {
		return p
	}
	return c.SystemPrompts[defaultRole]
}

// TurnedOnSet adapts TurnedOn into the map shape Registry.Filter expects. A
// nil/empty TurnedOn yields a nil map, which Filter treats as a no-op.
func (c Config) TurnedOnSet() map[string]bool {
	if len(c.TurnedOn) == 0 {
		return nil
	}
	set := make(map[string]bool, len(c.TurnedOn))
	for _, name := range c.TurnedOn {
		set[name] = true
	}
	return set
}

// ShellTools builds one refactd.Tool adapter per declared shell tool, ready
// to Registry.Add. workspaceRoot is the directory commands run in.
func (c Config) ShellTools(workspaceRoot string) []refactd.Tool {
	out := make([]refactd.Tool, 0, len(c.Tools))
	for _, spec := range c.Tools {
		out = append(out, NewShellTool(spec, workspaceRoot, c.DefaultTimeout))
	}
	return out
}
