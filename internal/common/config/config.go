// Package config provides configuration management for TeleClaude.
// It supports loading configuration from environment variables, a config file, and defaults.
// Configuration is loaded once at startup; changing it requires a daemon restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the TeleClaude daemon.
type Config struct {
	Computer    ComputerConfig         `mapstructure:"computer"`
	Server      ServerConfig           `mapstructure:"server"`
	Database    DatabaseConfig         `mapstructure:"database"`
	NATS        NATSConfig             `mapstructure:"nats"`
	Redis       RedisConfig            `mapstructure:"redis"`
	Tmux        TmuxConfig             `mapstructure:"tmux"`
	Poller      PollerConfig           `mapstructure:"poller"`
	Hooks       HooksConfig            `mapstructure:"hooks"`
	Checkpoint  CheckpointConfig       `mapstructure:"checkpoint"`
	MCP         MCPConfig              `mapstructure:"mcp"`
	Telegram    TelegramConfig         `mapstructure:"telegram"`
	Discord     DiscordConfig          `mapstructure:"discord"`
	Agents      map[string]AgentConfig `mapstructure:"agents"`
	TrustedDirs []string               `mapstructure:"trustedDirs"`
	Logging     LoggingConfig          `mapstructure:"logging"`
}

// ComputerConfig identifies this machine in a multi-machine deployment.
type ComputerConfig struct {
	Name string `mapstructure:"name"`
}

// ServerConfig holds HTTP/WebSocket gateway configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the local SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds event bus configuration. Empty URL means in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RedisConfig holds the optional cross-machine transport configuration.
// Empty Addr disables cross-machine operations; local sessions are unaffected.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	HeartbeatS int    `mapstructure:"heartbeatSeconds"`
	PeerTTLS   int    `mapstructure:"peerTtlSeconds"`
	RequestTOS int    `mapstructure:"requestTimeoutSeconds"`
}

// TmuxConfig holds terminal multiplexer bridge configuration.
type TmuxConfig struct {
	Binary string `mapstructure:"binary"` // tmux executable (default "tmux")
	Shell  string `mapstructure:"shell"`  // login shell override for exit-marker gating
	Cols   int    `mapstructure:"cols"`
	Rows   int    `mapstructure:"rows"`
}

// PollerConfig holds output poller tuning.
type PollerConfig struct {
	InitialDelayMS        int    `mapstructure:"initialDelayMs"`
	IntervalMS            int    `mapstructure:"intervalMs"`
	IdleNotificationS     int    `mapstructure:"idleNotificationSeconds"`
	MaxPolls              int    `mapstructure:"maxPolls"`
	StreamingEditWindowMS int    `mapstructure:"streamingEditWindowMs"`
	OutputDir             string `mapstructure:"outputDir"`
}

// HooksConfig holds the agent lifecycle hook receiver configuration.
type HooksConfig struct {
	SocketPath string `mapstructure:"socketPath"`
	LockTTLS   int    `mapstructure:"lockTtlSeconds"`
	WatchdogS  int    `mapstructure:"watchdogSeconds"`
}

// CheckpointConfig holds checkpoint engine tuning.
type CheckpointConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	IdleThreshold int  `mapstructure:"idleThresholdSeconds"`
}

// MCPConfig holds the MCP server configuration.
type MCPConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	SocketPath string `mapstructure:"socketPath"`
}

// TelegramConfig holds the Telegram adapter configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"botToken"`
	ChatID   int64  `mapstructure:"chatId"`
}

// DiscordConfig holds the Discord adapter configuration.
type DiscordConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"botToken"`
	GuildID  string `mapstructure:"guildId"`
}

// AgentConfig describes one AI agent kind (claude, gemini, codex).
type AgentConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Strengths []string `mapstructure:"strengths"`
	Avoid     []string `mapstructure:"avoid"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Enabled reports whether the cross-machine transport is configured.
func (r *RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// HeartbeatInterval returns the peer heartbeat refresh period.
func (r *RedisConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatS) * time.Second
}

// PeerTTL returns the peer registry entry lifetime.
func (r *RedisConfig) PeerTTL() time.Duration {
	return time.Duration(r.PeerTTLS) * time.Second
}

// RequestTimeout returns the remote request response deadline.
func (r *RedisConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTOS) * time.Second
}

// InitialDelay returns the poller start delay.
func (p *PollerConfig) InitialDelay() time.Duration {
	return time.Duration(p.InitialDelayMS) * time.Millisecond
}

// Interval returns the poll tick period.
func (p *PollerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// IdleNotification returns the idle notification threshold.
func (p *PollerConfig) IdleNotification() time.Duration {
	return time.Duration(p.IdleNotificationS) * time.Second
}

// StreamingEditWindow returns how long output deltas edit a single message.
func (p *PollerConfig) StreamingEditWindow() time.Duration {
	return time.Duration(p.StreamingEditWindowMS) * time.Millisecond
}

// LockTTL returns the outbox row claim lifetime.
func (h *HooksConfig) LockTTL() time.Duration {
	return time.Duration(h.LockTTLS) * time.Second
}

// WatchdogInterval returns the expired-lock sweep period.
func (h *HooksConfig) WatchdogInterval() time.Duration {
	return time.Duration(h.WatchdogS) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("TELECLAUDE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.teleclaude"
	}
	return filepath.Join(home, ".teleclaude")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	stateDir := defaultStateDir()

	host, _ := os.Hostname()
	v.SetDefault("computer.name", host)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", filepath.Join(stateDir, "teleclaude.db"))

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "teleclaude")
	v.SetDefault("nats.maxReconnects", 10)

	// Redis transport defaults - empty addr disables cross-machine operations
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.heartbeatSeconds", 10)
	v.SetDefault("redis.peerTtlSeconds", 30)
	v.SetDefault("redis.requestTimeoutSeconds", 60)

	v.SetDefault("tmux.binary", "tmux")
	v.SetDefault("tmux.shell", "")
	v.SetDefault("tmux.cols", 220)
	v.SetDefault("tmux.rows", 50)

	v.SetDefault("poller.initialDelayMs", 2000)
	v.SetDefault("poller.intervalMs", 1000)
	v.SetDefault("poller.idleNotificationSeconds", 60)
	v.SetDefault("poller.maxPolls", 600)
	v.SetDefault("poller.streamingEditWindowMs", 8000)
	v.SetDefault("poller.outputDir", filepath.Join(stateDir, "session_output"))

	v.SetDefault("hooks.socketPath", filepath.Join(stateDir, "hooks.sock"))
	v.SetDefault("hooks.lockTtlSeconds", 60)
	v.SetDefault("hooks.watchdogSeconds", 30)

	v.SetDefault("checkpoint.enabled", true)
	v.SetDefault("checkpoint.idleThresholdSeconds", 300)

	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.socketPath", filepath.Join(stateDir, "mcp.sock"))

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("discord.enabled", false)

	v.SetDefault("agents", map[string]AgentConfig{
		"claude": {Enabled: true},
		"gemini": {Enabled: false},
		"codex":  {Enabled: false},
	})

	v.SetDefault("trustedDirs", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TELECLAUDE_ with snake_case naming.
// The config file is config.yaml in the current directory, ~/.teleclaude/, or /etc/teleclaude/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TELECLAUDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultStateDir())
	v.AddConfigPath("/etc/teleclaude/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.Computer.Name) == "" {
		errs = append(errs, "computer.name is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.Database.Path) == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Telegram.Enabled && cfg.Telegram.BotToken == "" {
		errs = append(errs, "telegram.botToken is required when telegram.enabled is true")
	}
	if cfg.Discord.Enabled && cfg.Discord.BotToken == "" {
		errs = append(errs, "discord.botToken is required when discord.enabled is true")
	}

	if cfg.Poller.IntervalMS <= 0 {
		errs = append(errs, "poller.intervalMs must be positive")
	}
	if cfg.Poller.MaxPolls <= 0 {
		errs = append(errs, "poller.maxPolls must be positive")
	}

	anyAgent := false
	for _, agent := range cfg.Agents {
		if agent.Enabled {
			anyAgent = true
			break
		}
	}
	if !anyAgent {
		errs = append(errs, "at least one agent must be enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// IsTrustedDir reports whether dir is inside one of the configured trusted
// working directories. An empty trusted list permits everything.
func (c *Config) IsTrustedDir(dir string) bool {
	if len(c.TrustedDirs) == 0 {
		return true
	}
	clean := filepath.Clean(dir)
	for _, trusted := range c.TrustedDirs {
		t := filepath.Clean(trusted)
		if clean == t || strings.HasPrefix(clean, t+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
