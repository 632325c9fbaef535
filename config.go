package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/nicebartender/aiteam/bridge/claude"
	"github.com/nicebartender/aiteam/bridge/codex"
	"github.com/nicebartender/aiteam/bridge/gemini"
	"github.com/nicebartender/aiteam/console"
	"github.com/nicebartender/aiteam/display"
	"gopkg.in/yaml.v3"
)

// Agents are the supported agent identities, in display order.
var Agents = []string{"codex", "claude", "gemini"}

const (
	defaultMainAgent      = "codex"
	defaultHubPort        = "4501"
	minProgressIntervalMS = 1000
)

type Config struct {
	Hub        HubConfig     `yaml:"hub" toml:"hub"`
	MainAgent  string        `yaml:"main_agent" toml:"main_agent" env:"AITEAM_MAIN_AGENT"`
	Autonomous Toggle        `yaml:"autonomous_mode" toml:"autonomous_mode" env:"AITEAM_AUTONOMOUS_MODE"`
	TextOnly   Toggle        `yaml:"text_only" toml:"text_only" env:"AITEAM_CLAUDE_TEXT_ONLY"`
	Claude     ClaudeConfig  `yaml:"claude" toml:"claude"`
	Codex      CodexConfig   `yaml:"codex" toml:"codex"`
	Gemini     GeminiConfig  `yaml:"gemini" toml:"gemini"`
	Console    ConsoleConfig `yaml:"console" toml:"console"`
	Logging    LoggingConfig `yaml:"logging" toml:"logging"`
}

type HubConfig struct {
	Addr string `yaml:"addr" toml:"addr" env:"AITEAM_HUB_ADDR"`
	// URL is where bridges and the console dial. Empty derives it from Addr.
	URL string `yaml:"url" toml:"url" env:"AITEAM_HUB_URL"`
	// DB is the route ledger path. Empty disables the ledger.
	DB string `yaml:"db" toml:"db" env:"AITEAM_DB"`
}

type ClaudeConfig struct {
	Command        string `yaml:"command" toml:"command" env:"AITEAM_CLAUDE_CMD"`
	PermissionMode string `yaml:"permission_mode" toml:"permission_mode" env:"AITEAM_CLAUDE_PERMISSION_MODE"`
	AllowBash      Toggle `yaml:"allow_bash" toml:"allow_bash" env:"AITEAM_CLAUDE_ALLOW_BASH"`
	Serialize      Toggle `yaml:"serialize" toml:"serialize" env:"AITEAM_CLAUDE_SERIALIZE"`
}

type CodexConfig struct {
	Command            string        `yaml:"command" toml:"command" env:"AITEAM_CODEX_CMD"`
	ThreadStartTimeout time.Duration `yaml:"thread_start_timeout" toml:"thread_start_timeout" env:"AITEAM_CODEX_THREAD_TIMEOUT"`
}

type GeminiConfig struct {
	Command             string        `yaml:"command" toml:"command" env:"AITEAM_GEMINI_CMD"`
	PromptTimeout       time.Duration `yaml:"prompt_timeout" toml:"prompt_timeout" env:"AITEAM_GEMINI_PROMPT_TIMEOUT"`
	GenerateTimeout     time.Duration `yaml:"generate_timeout" toml:"generate_timeout" env:"AITEAM_GEMINI_GENERATE_TIMEOUT"`
	MaxGenerateAttempts int           `yaml:"max_generate_attempts" toml:"max_generate_attempts" env:"AITEAM_GEMINI_MAX_ATTEMPTS"`
	// APIKey is normally taken from GEMINI_API_KEY; see resolveGeminiKey.
	APIKey string `yaml:"api_key" toml:"api_key"`
}

type ConsoleConfig struct {
	DedupeWindow       time.Duration `yaml:"dedupe_window" toml:"dedupe_window" env:"AITEAM_DEDUPE_WINDOW"`
	ProgressIntervalMS int           `yaml:"progress_interval_ms" toml:"progress_interval_ms" env:"AITEAM_SYS_PROGRESS_INTERVAL_MS"`
}

// ProgressInterval is the configured interval, at least one second. Unset or
// non-positive values fall back to five seconds.
func (c ConsoleConfig) ProgressInterval() time.Duration {
	if c.ProgressIntervalMS <= 0 {
		return console.DefaultProgressInterval
	}
	return time.Duration(max(minProgressIntervalMS, c.ProgressIntervalMS)) * time.Millisecond
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"AITEAM_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"AITEAM_LOG_FORMAT"`
}

// Toggle is an on/off switch that accepts 1/true/on/yes and 0/false/off/no.
type Toggle bool

func (t Toggle) Bool() bool { return bool(t) }

func (t *Toggle) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "1", "true", "on", "yes":
		*t = true
	case "0", "false", "off", "no":
		*t = false
	default:
		return fmt.Errorf("invalid toggle %q", string(text))
	}
	return nil
}

func (t *Toggle) UnmarshalYAML(node *yaml.Node) error {
	return t.UnmarshalText([]byte(node.Value))
}

func (t *Toggle) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case bool:
		*t = Toggle(v)
		return nil
	case int64:
		return t.UnmarshalText([]byte(fmt.Sprint(v)))
	case string:
		return t.UnmarshalText([]byte(v))
	}
	return fmt.Errorf("invalid toggle %v", v)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Hub:        HubConfig{Addr: "127.0.0.1:" + defaultHubPort},
		MainAgent:  defaultMainAgent,
		Autonomous: true,
		Claude: ClaudeConfig{
			Command:        claude.DefaultCommand,
			PermissionMode: claude.DefaultPermissionMode,
			AllowBash:      true,
			Serialize:      true,
		},
		Codex: CodexConfig{
			Command:            codex.DefaultCommand,
			ThreadStartTimeout: codex.DefaultThreadStartTimeout,
		},
		Gemini: GeminiConfig{
			Command:             gemini.DefaultCommand,
			PromptTimeout:       gemini.DefaultPromptTimeout,
			GenerateTimeout:     gemini.DefaultGenerateTimeout,
			MaxGenerateAttempts: gemini.DefaultMaxGenerateAttempts,
		},
		Console: ConsoleConfig{
			DedupeWindow: display.DefaultDedupeWindow,
		},
		Logging: LoggingConfig{Format: "text"},
	}
}

// LoadConfig layers defaults, the optional config file at path, then the
// environment. Command-line flags are applied by the caller.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = envOrDefault("AITEAM_CONFIG", "")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Hub.Addr = "127.0.0.1:" + port
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	cfg.Gemini.APIKey = resolveGeminiKey(cfg.Gemini.APIKey, os.LookupEnv)

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file type %q", filepath.Ext(path))
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// resolveGeminiKey prefers GEMINI_API_KEY over the file value.
func resolveGeminiKey(fileValue string, lookup func(string) (string, bool)) string {
	if key, ok := gemini.ResolveAPIKey(lookup); ok {
		return key
	}
	return gemini.NormalizeAPIKey(fileValue)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func isSupportedAgent(id string) bool {
	for _, a := range Agents {
		if a == id {
			return true
		}
	}
	return false
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if !isSupportedAgent(c.MainAgent) {
		return fmt.Errorf("unsupported main agent %q (supported: %s)", c.MainAgent, strings.Join(Agents, ", "))
	}
	if c.Hub.Addr == "" {
		return fmt.Errorf("hub.addr is required")
	}
	if c.Gemini.PromptTimeout <= 0 {
		return fmt.Errorf("gemini.prompt_timeout must be positive")
	}
	if c.Gemini.GenerateTimeout <= 0 {
		return fmt.Errorf("gemini.generate_timeout must be positive")
	}
	if c.Gemini.MaxGenerateAttempts < 1 {
		return fmt.Errorf("gemini.max_generate_attempts must be at least 1")
	}
	if c.Console.DedupeWindow < 0 {
		return fmt.Errorf("console.dedupe_window must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json", "pretty":
	default:
		return fmt.Errorf("logging.format must be text, json or pretty")
	}
	return nil
}

// HubURL is the websocket URL for a hub listening on addr, unless an explicit
// URL is configured.
func (h HubConfig) HubURL(addr string) string {
	if h.URL != "" {
		return h.URL
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "ws://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, port)
}
