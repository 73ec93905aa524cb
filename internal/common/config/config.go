// Package config provides configuration management for runpool.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Preview   PreviewConfig   `mapstructure:"preview"`
	Models    ModelsConfig    `mapstructure:"models"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // sqlite file path
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	SubjectPrefix string `mapstructure:"subjectPrefix"` // namespace for bus subjects
}

// DockerConfig holds Docker client configuration for the container sandbox.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
	MemoryMB   int64  `mapstructure:"memoryMB"`
	Network    string `mapstructure:"network"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// SchedulerConfig holds admission control configuration.
type SchedulerConfig struct {
	MaxParallelSubtasks int `mapstructure:"maxParallelSubtasks"`
	PollIntervalSeconds int `mapstructure:"pollIntervalSeconds"`
}

// WatchdogConfig holds stuck-execution detection configuration.
type WatchdogConfig struct {
	IntervalSeconds         int `mapstructure:"intervalSeconds"`
	ActivityTimeoutMinutes  int `mapstructure:"activityTimeoutMinutes"`
	WallClockTimeoutMinutes int `mapstructure:"wallClockTimeoutMinutes"`
	TerminateGraceSeconds   int `mapstructure:"terminateGraceSeconds"`
}

// SandboxConfig selects how agent processes are confined.
type SandboxConfig struct {
	Mode    string   `mapstructure:"mode"`    // auto, wrapper, docker, user, direct
	Wrapper string   `mapstructure:"wrapper"` // e.g. bwrap
	Args    []string `mapstructure:"args"`    // extra wrapper args placed before the bind rules
	User    string   `mapstructure:"user"`    // system user for privilege dropping
}

// ExecutorConfig holds agent process configuration.
type ExecutorConfig struct {
	WorkRoot            string        `mapstructure:"workRoot"`
	AgentCommand        string        `mapstructure:"agentCommand"`
	AgentArgs           []string      `mapstructure:"agentArgs"`
	Sandbox             SandboxConfig `mapstructure:"sandbox"`
	TeamMode            bool          `mapstructure:"teamMode"`
	TeamStateDir        string        `mapstructure:"teamStateDir"`
	RequireTrailingText bool          `mapstructure:"requireTrailingText"`
	FlushIntervalMs     int           `mapstructure:"flushIntervalMs"`
	ExtraEnv            []string      `mapstructure:"extraEnv"`
}

// ProxyConfig holds the credential proxy configuration.
type ProxyConfig struct {
	ListenAddr  string `mapstructure:"listenAddr"`
	UpstreamURL string `mapstructure:"upstreamURL"`
	APIKey      string `mapstructure:"apiKey"`
}

// PreviewConfig holds preview session configuration.
type PreviewConfig struct {
	PortMin                 int `mapstructure:"portMin"`
	PortMax                 int `mapstructure:"portMax"`
	ReservationSeconds      int `mapstructure:"reservationSeconds"`
	HeartbeatTimeoutSeconds int `mapstructure:"heartbeatTimeoutSeconds"`
	StartingGraceMinutes    int `mapstructure:"startingGraceMinutes"`
	ProbeIntervalMs         int `mapstructure:"probeIntervalMs"`
	ProbeAttempts           int `mapstructure:"probeAttempts"`
	ScriptTimeoutMinutes    int `mapstructure:"scriptTimeoutMinutes"`
}

// ModelsConfig points at the model registry file.
type ModelsConfig struct {
	File string `mapstructure:"file"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Interval returns the watchdog tick interval.
func (w *WatchdogConfig) Interval() time.Duration {
	return time.Duration(w.IntervalSeconds) * time.Second
}

// TerminateGrace returns the SIGTERM to SIGKILL escalation delay.
func (w *WatchdogConfig) TerminateGrace() time.Duration {
	return time.Duration(w.TerminateGraceSeconds) * time.Second
}

// FlushInterval returns the statistics coalescing window.
func (e *ExecutorConfig) FlushInterval() time.Duration {
	return time.Duration(e.FlushIntervalMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" in production-like environments and "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RUNPOOL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultWorkRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "runpool", "work")
	}
	return filepath.Join(home, ".runpool", "work")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // websocket and streaming responses

	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./runpool.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "runpool")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "runpool")

	// Docker defaults
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.image", "runpool/agent:latest")
	v.SetDefault("docker.memoryMB", 4096)
	v.SetDefault("docker.network", "host")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMB", 100)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 14)

	v.SetDefault("tracing.otlpEndpoint", "")

	// Scheduler defaults
	v.SetDefault("scheduler.maxParallelSubtasks", 3)
	v.SetDefault("scheduler.pollIntervalSeconds", 5)

	// Watchdog defaults
	v.SetDefault("watchdog.intervalSeconds", 30)
	v.SetDefault("watchdog.activityTimeoutMinutes", 10)
	v.SetDefault("watchdog.wallClockTimeoutMinutes", 60)
	v.SetDefault("watchdog.terminateGraceSeconds", 5)

	// Executor defaults
	v.SetDefault("executor.workRoot", defaultWorkRoot())
	v.SetDefault("executor.agentCommand", "claude")
	v.SetDefault("executor.agentArgs", []string{
		"--print", "--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	})
	v.SetDefault("executor.sandbox.mode", "auto")
	v.SetDefault("executor.sandbox.wrapper", "bwrap")
	v.SetDefault("executor.sandbox.args", []string{})
	v.SetDefault("executor.sandbox.user", "")
	v.SetDefault("executor.teamMode", false)
	v.SetDefault("executor.teamStateDir", "~/.claude/teams")
	v.SetDefault("executor.requireTrailingText", true)
	v.SetDefault("executor.flushIntervalMs", 500)
	v.SetDefault("executor.extraEnv", []string{})

	// Proxy defaults
	v.SetDefault("proxy.listenAddr", "127.0.0.1:8787")
	v.SetDefault("proxy.upstreamURL", "https://api.anthropic.com")
	v.SetDefault("proxy.apiKey", "")

	// Preview defaults
	v.SetDefault("preview.portMin", 4100)
	v.SetDefault("preview.portMax", 4199)
	v.SetDefault("preview.reservationSeconds", 10)
	v.SetDefault("preview.heartbeatTimeoutSeconds", 5)
	v.SetDefault("preview.startingGraceMinutes", 10)
	v.SetDefault("preview.probeIntervalMs", 1000)
	v.SetDefault("preview.probeAttempts", 60)
	v.SetDefault("preview.scriptTimeoutMinutes", 5)

	v.SetDefault("models.file", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RUNPOOL_ with snake_case naming.
func Load() (*Config, error) {
	cfg, _, err := LoadWithPath("")
	return cfg, err
}

// LoadWithPath reads configuration from the specified path or default locations.
// The returned viper instance is kept so callers can watch the file for live changes.
func LoadWithPath(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RUNPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE, bind the common ones explicitly.
	_ = v.BindEnv("scheduler.maxParallelSubtasks", "RUNPOOL_MAX_PARALLEL_SUBTASKS")
	_ = v.BindEnv("watchdog.activityTimeoutMinutes", "RUNPOOL_ACTIVITY_TIMEOUT_MINUTES")
	_ = v.BindEnv("watchdog.wallClockTimeoutMinutes", "RUNPOOL_WALL_CLOCK_TIMEOUT_MINUTES")
	_ = v.BindEnv("proxy.apiKey", "RUNPOOL_PROXY_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("proxy.upstreamURL", "RUNPOOL_PROXY_UPSTREAM_URL", "ANTHROPIC_BASE_URL")
	_ = v.BindEnv("database.dsn", "RUNPOOL_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("tracing.otlpEndpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runpool/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Executor.WorkRoot = expandHome(cfg.Executor.WorkRoot)
	cfg.Executor.TeamStateDir = expandHome(cfg.Executor.TeamStateDir)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite3")
		}
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for pgx")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Scheduler.MaxParallelSubtasks < 0 {
		errs = append(errs, "scheduler.maxParallelSubtasks must not be negative")
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		errs = append(errs, "scheduler.pollIntervalSeconds must be positive")
	}

	if cfg.Watchdog.IntervalSeconds <= 0 {
		errs = append(errs, "watchdog.intervalSeconds must be positive")
	}
	if cfg.Watchdog.ActivityTimeoutMinutes < 0 || cfg.Watchdog.WallClockTimeoutMinutes < 0 {
		errs = append(errs, "watchdog timeouts must not be negative")
	}

	if cfg.Executor.WorkRoot == "" {
		errs = append(errs, "executor.workRoot is required")
	}
	if cfg.Executor.AgentCommand == "" {
		errs = append(errs, "executor.agentCommand is required")
	}
	validModes := map[string]bool{"auto": true, "wrapper": true, "docker": true, "user": true, "direct": true}
	if !validModes[cfg.Executor.Sandbox.Mode] {
		errs = append(errs, "executor.sandbox.mode must be one of: auto, wrapper, docker, user, direct")
	}
	if cfg.Executor.FlushIntervalMs <= 0 {
		errs = append(errs, "executor.flushIntervalMs must be positive")
	}

	if cfg.Preview.PortMin <= 0 || cfg.Preview.PortMax > 65535 || cfg.Preview.PortMin > cfg.Preview.PortMax {
		errs = append(errs, "preview.portMin/portMax must form a valid range")
	}
	if cfg.Preview.HeartbeatTimeoutSeconds <= 0 {
		errs = append(errs, "preview.heartbeatTimeoutSeconds must be positive")
	}
	if cfg.Preview.ProbeAttempts <= 0 {
		errs = append(errs, "preview.probeAttempts must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
