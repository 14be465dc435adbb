// Package config loads EARL's runtime configuration from the environment,
// with an optional YAML supplement for structured settings (heartbeat
// definitions, channel-to-workdir maps) that don't fit a single env var.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Channel maps a chat channel id to the working directory an assistant
// session spawned for that channel should run in.
type Channel struct {
	ID         string
	WorkingDir string
}

// Config is EARL's resolved runtime configuration. Required fields come
// from the environment (§6.3); optional structured lists may additionally
// be supplied via an EARL_CONFIG YAML file.
type Config struct {
	MattermostURL   string
	MattermostToken string
	MattermostBotID string

	Channels       []Channel
	AllowedUsers   []string
	SkipPermission bool
	Model          string
	ClaudeHome     string
	TmuxPollSec    int

	// PermissionToolBinary overrides the executable the generated MCP
	// config's built-in permission-prompt server entry invokes. Empty
	// means "this process's own executable" (resolved by the caller via
	// os.Executable, since config has no business hardcoding argv[0]).
	PermissionToolBinary string

	ConfigRoot string

	Heartbeats []HeartbeatDef `yaml:"heartbeats"`
}

// HeartbeatDef is a recurring scheduled prompt, configurable only via the
// optional YAML file since spec.md's env-var surface has no room for a list
// of cron expressions. Exactly one of Cron or Interval should be set; if
// both are, Cron takes precedence (internal/heartbeat's decision, spec.md
// §9 leaves this unspecified).
type HeartbeatDef struct {
	Name           string `yaml:"name"`
	Cron           string `yaml:"cron"`
	Interval       string `yaml:"interval"` // parsed with time.ParseDuration, e.g. "30m"
	ChannelID      string `yaml:"channel_id"`
	ThreadID       string `yaml:"thread_id"`
	Prompt         string `yaml:"prompt"`
	Persistent     bool   `yaml:"persistent"`
	TimeoutSec     int    `yaml:"timeout_sec"`
	PermissionMode string `yaml:"permission_mode"` // "auto" (default) or "interactive"
}

type yamlSupplement struct {
	Heartbeats []HeartbeatDef `yaml:"heartbeats"`
}

// Load resolves Config from the process environment, per spec.md §6.3,
// then merges an optional YAML file named by EARL_CONFIG (or earl.yaml in
// the config root, if present).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.MattermostURL = os.Getenv("MATTERMOST_URL")
	if cfg.MattermostURL == "" {
		return nil, fmt.Errorf("config: MATTERMOST_URL is required")
	}
	if u, err := url.Parse(cfg.MattermostURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("config: MATTERMOST_URL must be an http(s) URL, got %q", cfg.MattermostURL)
	}
	cfg.MattermostToken = os.Getenv("MATTERMOST_BOT_TOKEN")
	cfg.MattermostBotID = os.Getenv("MATTERMOST_BOT_ID")

	if channels := os.Getenv("EARL_CHANNELS"); channels != "" {
		cfg.Channels = parseChannels(channels)
	} else if id := os.Getenv("EARL_CHANNEL_ID"); id != "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("config: getwd: %w", err)
		}
		cfg.Channels = []Channel{{ID: id, WorkingDir: wd}}
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("config: one of EARL_CHANNEL_ID or EARL_CHANNELS is required")
	}

	if allow := os.Getenv("EARL_ALLOWED_USERS"); allow != "" {
		for _, u := range strings.Split(allow, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.AllowedUsers = append(cfg.AllowedUsers, u)
			}
		}
	}

	skip := strings.ToLower(os.Getenv("EARL_SKIP_PERMISSIONS"))
	cfg.SkipPermission = skip == "true"

	cfg.Model = os.Getenv("EARL_MODEL")

	cfg.ConfigRoot = os.Getenv("EARL_CONFIG_ROOT")
	if cfg.ConfigRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: user home dir: %w", err)
		}
		cfg.ConfigRoot = filepath.Join(home, ".earl")
	}

	cfg.ClaudeHome = os.Getenv("EARL_CLAUDE_HOME")
	if cfg.ClaudeHome == "" {
		cfg.ClaudeHome = filepath.Join(cfg.ConfigRoot, "claude-home")
	}

	cfg.TmuxPollSec = 15
	if v := os.Getenv("EARL_TMUX_POLL_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: EARL_TMUX_POLL_INTERVAL: %w", err)
		}
		cfg.TmuxPollSec = n
	}

	cfg.PermissionToolBinary = os.Getenv("EARL_PERMISSION_TOOL_BINARY")

	yamlPath := os.Getenv("EARL_CONFIG")
	if yamlPath == "" {
		candidate := filepath.Join(cfg.ConfigRoot, "earl.yaml")
		if _, err := os.Stat(candidate); err == nil {
			yamlPath = candidate
		}
	}
	if yamlPath != "" {
		if err := cfg.mergeYAML(yamlPath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) mergeYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var sup yamlSupplement
	if err := yaml.Unmarshal(data, &sup); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	for i := range sup.Heartbeats {
		sup.Heartbeats[i].Prompt = resolveEnvVars(sup.Heartbeats[i].Prompt)
	}
	c.Heartbeats = sup.Heartbeats
	return nil
}

// MCPDir is the per-session MCP config directory, per spec.md §3's
// "mcp/earl-mcp-<session_id>.json" layout.
func (c *Config) MCPDir() string {
	return filepath.Join(c.ConfigRoot, "mcp")
}

// MCPServersPath is the optional user-supplied MCP servers file, per
// spec.md §3.
func (c *Config) MCPServersPath() string {
	return filepath.Join(c.ConfigRoot, "mcp_servers.json")
}

// parseChannels parses EARL_CHANNELS as comma-separated channel_id[:working_dir]
// pairs. A missing path defaults to the current working directory.
func parseChannels(s string) []Channel {
	cwd, _ := os.Getwd()
	var out []Channel
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, wd, found := strings.Cut(part, ":")
		if !found || wd == "" {
			wd = cwd
		}
		out = append(out, Channel{ID: id, WorkingDir: wd})
	}
	return out
}

// resolveEnvVars replaces ${VAR_NAME} tokens in s with the corresponding
// environment variable value. Unset variables resolve to empty string.
func resolveEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
