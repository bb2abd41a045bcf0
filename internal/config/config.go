// Package config handles configuration loading from YAML and environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides. Nested keys are separated by a
// double underscore: LLMTAP_STORE__DB_PATH sets store.db_path.
const EnvPrefix = "LLMTAP_"

// Config is the root configuration structure.
type Config struct {
	Capture   CaptureConfig   `yaml:"capture" koanf:"capture"`
	Emitter   EmitterConfig   `yaml:"emitter" koanf:"emitter"`
	Store     StoreConfig     `yaml:"store" koanf:"store"`
	Retention RetentionConfig `yaml:"retention" koanf:"retention"`
	Events    EventsConfig    `yaml:"events" koanf:"events"`
	Server    ServerConfig    `yaml:"server" koanf:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry" koanf:"telemetry"`
	Auth      AuthConfig      `yaml:"auth" koanf:"auth"`
}

// CaptureConfig configures what the interceptor records.
type CaptureConfig struct {
	Enabled bool `yaml:"enabled" koanf:"enabled"`

	// EstimateTokens records a tiktoken estimate of streamed output.
	EstimateTokens bool `yaml:"estimate_tokens" koanf:"estimate_tokens"`

	// Metadata is attached to every record.
	Metadata map[string]string `yaml:"metadata,omitempty" koanf:"metadata"`

	Redaction RedactionConfig `yaml:"redaction" koanf:"redaction"`
}

// RedactionConfig configures scrubbing of recorded payloads before they
// reach any sink.
type RedactionConfig struct {
	// Fields are object keys whose values are always replaced.
	Fields []string `yaml:"fields" koanf:"fields"`
	// FieldPatterns are case-insensitive regexps matched against whole keys.
	FieldPatterns      []string `yaml:"field_patterns" koanf:"field_patterns"`
	RedactAPIKeys      bool     `yaml:"redact_api_keys" koanf:"redact_api_keys"`
	RedactBase64Images bool     `yaml:"redact_base64_images" koanf:"redact_base64_images"`
}

// Active reports whether any redaction rule is configured.
func (r *RedactionConfig) Active() bool {
	return r.RedactAPIKeys || r.RedactBase64Images || len(r.Fields) > 0 || len(r.FieldPatterns) > 0
}

// EmitterConfig configures the batching emitter.
type EmitterConfig struct {
	QueueMaxSize   int `yaml:"queue_max_size" koanf:"queue_max_size"`
	BatchSize      int `yaml:"batch_size" koanf:"batch_size"`
	BatchTimeoutMs int `yaml:"batch_timeout_ms" koanf:"batch_timeout_ms"`

	// MaxBackgroundTasks bounds concurrent emission and stream draining.
	MaxBackgroundTasks int `yaml:"max_background_tasks" koanf:"max_background_tasks"`

	// LogRecords writes a log line per record.
	LogRecords bool `yaml:"log_records" koanf:"log_records"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	DBPath  string `yaml:"db_path" koanf:"db_path"`
}

// RetentionConfig configures data retention TTLs.
type RetentionConfig struct {
	InteractionsTTLDays int `yaml:"interactions_ttl_days" koanf:"interactions_ttl_days"`
	DropLogTTLDays      int `yaml:"drop_log_ttl_days" koanf:"drop_log_ttl_days"`
}

// EventsConfig configures publishing records as watermill messages.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	Topic   string `yaml:"topic" koanf:"topic"`
}

// ServerConfig configures the live feed server.
type ServerConfig struct {
	Listen string `yaml:"listen" koanf:"listen"` // e.g., "localhost:9091"
	Host   string `yaml:"host" koanf:"host"`
	Port   int    `yaml:"port" koanf:"port"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" koanf:"enabled"`
	ServiceName string `yaml:"service_name" koanf:"service_name"`
}

// AuthConfig configures live feed authentication.
type AuthConfig struct {
	Token string `yaml:"token" koanf:"token"`
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			Enabled:        true,
			EstimateTokens: true,
			Redaction: RedactionConfig{
				Fields: []string{
					"authorization",
					"api_key",
					"apikey",
					"x-api-key",
					"x-goog-api-key",
					"password",
				},
				FieldPatterns:      []string{".*secret.*", ".*_token$"},
				RedactAPIKeys:      true,
				RedactBase64Images: true,
			},
		},
		Emitter: EmitterConfig{
			QueueMaxSize:       10000,
			BatchSize:          50,
			BatchTimeoutMs:     1000,
			MaxBackgroundTasks: 64,
		},
		Store: StoreConfig{
			Enabled: true,
			DBPath:  "", // Set in Load based on platform
		},
		Retention: RetentionConfig{
			InteractionsTTLDays: 30,
			DropLogTTLDays:      7,
		},
		Events: EventsConfig{
			Topic: "llmtap.interactions",
		},
		Server: ServerConfig{
			Listen: "localhost:9091",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "llmtap",
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "llmtap"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "llmtap"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "llmtap.db"), nil
}

// Load loads configuration from the YAML file at path (the default path when
// empty), then applies LLMTAP_* environment overrides. A missing file is not
// an error. When no auth token is configured one is generated and the config
// is saved to path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default db path: %w", err)
	}
	cfg.Store.DBPath = dbPath

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Auth.Token == "" {
		cfg.Auth.Token, err = generateToken()
		if err != nil {
			return nil, fmt.Errorf("generating auth token: %w", err)
		}
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
	}

	return cfg, nil
}

// envKey maps LLMTAP_STORE__DB_PATH to store.db_path.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Owner read/write only: the file holds the auth token.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// generateToken generates a cryptographically random auth token.
func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "llmtap_" + hex.EncodeToString(bytes), nil
}

// ListenAddr returns the listen address, handling host:port vs listen field.
func (c *ServerConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 9091
	}
	return fmt.Sprintf("%s:%d", host, port)
}
