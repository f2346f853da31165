// Package config loads server settings from defaults, an optional YAML file
// and TERMSRV_ environment variables through viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TERMSRV_SERVER_PORT.
const EnvPrefix = "TERMSRV"

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Shell   ShellConfig   `mapstructure:"shell"`
	Session SessionConfig `mapstructure:"session"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ShellConfig selects the shells sessions run.
type ShellConfig struct {
	// Default is the shell started for new sessions. Empty selects the
	// platform default.
	Default string `mapstructure:"default"`

	REPL            string   `mapstructure:"repl"`
	REPLLaunchToken string   `mapstructure:"repl_launch_token"`
	REPLExitTokens  []string `mapstructure:"repl_exit_tokens"`
}

// SessionConfig tunes session lifetime and buffering.
type SessionConfig struct {
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	ReadBufferSize int           `mapstructure:"read_buffer_size"`
	HistorySize    int           `mapstructure:"history_size"`
}

// StorageConfig locates the audit database and transcripts.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
	// LogDir holds asciicast transcripts. Empty disables recording.
	LogDir string `mapstructure:"log_dir"`
}

// LoggingConfig controls the server log.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Shell: ShellConfig{
			REPL:            "python3 -i -u",
			REPLLaunchToken: "python3",
			REPLExitTokens:  []string{"quit()", "exit()"},
		},
		Session: SessionConfig{
			GracePeriod:    2 * time.Second,
			ReadBufferSize: 4096,
			HistorySize:    64 * 1024,
		},
		Storage: StorageConfig{
			DBPath: ":memory:",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers the defaults and environment binding on v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)

	v.SetDefault("shell.default", defaults.Shell.Default)
	v.SetDefault("shell.repl", defaults.Shell.REPL)
	v.SetDefault("shell.repl_launch_token", defaults.Shell.REPLLaunchToken)
	v.SetDefault("shell.repl_exit_tokens", defaults.Shell.REPLExitTokens)

	v.SetDefault("session.grace_period", defaults.Session.GracePeriod)
	v.SetDefault("session.read_buffer_size", defaults.Session.ReadBufferSize)
	v.SetDefault("session.history_size", defaults.Session.HistorySize)

	v.SetDefault("storage.db_path", defaults.Storage.DBPath)
	v.SetDefault("storage.log_dir", defaults.Storage.LogDir)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return &cfg, nil
}

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:", len(e))
	for _, err := range e {
		sb.WriteString("\n  ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate returns every invalid setting, or nil.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port", c.Server.Port, "must be between 0 and 65535")
	}

	if strings.TrimSpace(c.Shell.REPL) == "" {
		add("shell.repl", c.Shell.REPL, "must not be empty")
	}
	if strings.TrimSpace(c.Shell.REPLLaunchToken) == "" {
		add("shell.repl_launch_token", c.Shell.REPLLaunchToken, "must not be empty")
	}
	if len(c.Shell.REPLExitTokens) == 0 {
		add("shell.repl_exit_tokens", c.Shell.REPLExitTokens, "must list at least one token")
	}

	if c.Session.GracePeriod <= 0 {
		add("session.grace_period", c.Session.GracePeriod, "must be positive")
	}
	if c.Session.ReadBufferSize <= 0 {
		add("session.read_buffer_size", c.Session.ReadBufferSize, "must be positive")
	}
	if c.Session.HistorySize < 0 {
		add("session.history_size", c.Session.HistorySize, "must not be negative")
	}

	if c.Storage.DBPath == "" {
		add("storage.db_path", c.Storage.DBPath, "must not be empty")
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Logging.Format)) {
		add("logging.format", c.Logging.Format, "must be one of "+strings.Join(ValidLogFormats(), ", "))
	}

	return errs
}

// ValidLogLevels lists accepted logging.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats lists accepted logging.format values.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}
