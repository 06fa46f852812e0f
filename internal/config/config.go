// Package config provides environment-aware configuration management for
// the Master.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the admin HTTP server and WebSocket upgrade endpoint.
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port            int           `json:"port" yaml:"port" env:"SERVER_PORT"`
	AdminTokens     []string      `json:"admin_tokens" yaml:"admin_tokens" env:"ADMIN_TOKENS"`
	RequestTimeout  time.Duration `json:"request_timeout" yaml:"request_timeout" env:"SERVER_REQUEST_TIMEOUT"`
	MaxBodyBytes    int64         `json:"max_body_bytes" yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// DiscoveryConfig controls UDP announce and WebSocket pairing.
type DiscoveryConfig struct {
	UDPPort          int           `json:"udp_port" yaml:"udp_port" env:"DISCOVERY_UDP_PORT"`
	WSPort           int           `json:"ws_port" yaml:"ws_port" env:"DISCOVERY_WS_PORT"`
	AnnounceInterval time.Duration `json:"announce_interval" yaml:"announce_interval" env:"DISCOVERY_ANNOUNCE_INTERVAL"`
	StaleAfter       time.Duration `json:"stale_after" yaml:"stale_after" env:"DISCOVERY_STALE_AFTER"`
	SweepInterval    time.Duration `json:"sweep_interval" yaml:"sweep_interval" env:"DISCOVERY_SWEEP_INTERVAL"`
	DevicesFile      string        `json:"devices_file" yaml:"devices_file" env:"DISCOVERY_DEVICES_FILE"`
}

// AccountClassifierRule maps a game name pattern to an account name; the
// first matching rule wins.
type AccountClassifierRule struct {
	Name  string `json:"name" yaml:"name"`
	Match string `json:"match" yaml:"match"`
}

// AccountCredentials is one shared login account's credential pair, supplied
// by the operator's config file (never a default) and handed to the SUT's
// login endpoint at run start.
type AccountCredentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// AccountsConfig controls the account scheduler.
type AccountsConfig struct {
	Rules       []AccountClassifierRule       `json:"rules" yaml:"rules"`
	Credentials map[string]AccountCredentials `json:"credentials" yaml:"credentials"`
	LocksFile   string                        `json:"locks_file" yaml:"locks_file" env:"ACCOUNTS_LOCKS_FILE"`
	HoldExpiry  time.Duration                 `json:"hold_expiry" yaml:"hold_expiry" env:"ACCOUNTS_HOLD_EXPIRY"`
}

// QueueEndpointConfig is one OmniParser/vision-analyzer upstream.
type QueueEndpointConfig struct {
	Name     string `json:"name" yaml:"name"`
	URL      string `json:"url" yaml:"url"`
	MaxQueue int    `json:"max_queue" yaml:"max_queue"`
}

// QueueConfig controls the request queue forwarding to the vision analyzer.
type QueueConfig struct {
	Endpoints      []QueueEndpointConfig `json:"endpoints" yaml:"endpoints"`
	DefaultMaxSize int                   `json:"default_max_size" yaml:"default_max_size" env:"QUEUE_DEFAULT_MAX_SIZE"`
	RequestTimeout time.Duration         `json:"request_timeout" yaml:"request_timeout" env:"QUEUE_REQUEST_TIMEOUT"`
}

// StorageConfig controls the run-output directory layout.
type StorageConfig struct {
	RunsRoot  string `json:"runs_root" yaml:"runs_root" env:"STORAGE_RUNS_ROOT"`
	ScriptDir string `json:"script_dir" yaml:"script_dir" env:"STORAGE_SCRIPT_DIR"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// RuntimeConfig controls environment-dependent defaults.
type RuntimeConfig struct {
	Env            string `json:"env" yaml:"env" env:"BENCHFABRIC_ENV"`
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	MetricsPort    int    `json:"metrics_port" yaml:"metrics_port" env:"METRICS_PORT"`
}

// ResilienceConfig controls circuit breaker and retry defaults shared by the
// SUT RPC client and the vision queue forwarder.
type ResilienceConfig struct {
	FailureThreshold  uint32        `json:"failure_threshold" yaml:"failure_threshold" env:"RESILIENCE_FAILURE_THRESHOLD"`
	OpenTimeout       time.Duration `json:"open_timeout" yaml:"open_timeout" env:"RESILIENCE_OPEN_TIMEOUT"`
	MaxRetries        int           `json:"max_retries" yaml:"max_retries" env:"RESILIENCE_MAX_RETRIES"`
	SUTRequestTimeout time.Duration `json:"sut_request_timeout" yaml:"sut_request_timeout" env:"RESILIENCE_SUT_REQUEST_TIMEOUT"`
}

// TracePullerConfig controls the SSH/HTTP trace puller.
type TracePullerConfig struct {
	SSHTimeout    time.Duration `json:"ssh_timeout" yaml:"ssh_timeout" env:"TRACEPULLER_SSH_TIMEOUT"`
	RemoteTraceDir string       `json:"remote_trace_dir" yaml:"remote_trace_dir" env:"TRACEPULLER_REMOTE_DIR"`
}

// Config is the top-level configuration structure for the Master.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Discovery   DiscoveryConfig   `json:"discovery" yaml:"discovery"`
	Accounts    AccountsConfig    `json:"accounts" yaml:"accounts"`
	Queue       QueueConfig       `json:"queue" yaml:"queue"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Runtime     RuntimeConfig     `json:"runtime" yaml:"runtime"`
	Resilience  ResilienceConfig  `json:"resilience" yaml:"resilience"`
	TracePuller TracePullerConfig `json:"trace_puller" yaml:"trace_puller"`
}

// New returns a configuration populated with defaults, including the
// reference A–F/G–Z two-account classifier.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			RequestTimeout:  30 * time.Second,
			MaxBodyBytes:    10 * 1024 * 1024,
			ShutdownTimeout: 15 * time.Second,
		},
		Discovery: DiscoveryConfig{
			UDPPort:          37020,
			WSPort:           8080,
			AnnounceInterval: 5 * time.Second,
			StaleAfter:       60 * time.Second,
			SweepInterval:    15 * time.Second,
			DevicesFile:      "state/paired_devices.json",
		},
		Accounts: AccountsConfig{
			Rules: []AccountClassifierRule{
				{Name: "account-a-f", Match: "^[a-fA-F]"},
				{Name: "account-g-z", Match: "^[g-zG-Z]"},
			},
			LocksFile:  "state/account_locks.json",
			HoldExpiry: 2 * time.Hour,
		},
		Queue: QueueConfig{
			DefaultMaxSize: 100,
			RequestTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			RunsRoot:  "runs",
			ScriptDir: "scripts",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Runtime: RuntimeConfig{
			Env:            "development",
			MetricsEnabled: true,
			MetricsPort:    9090,
		},
		Resilience: ResilienceConfig{
			FailureThreshold:  5,
			OpenTimeout:       30 * time.Second,
			MaxRetries:        3,
			SUTRequestTimeout: 30 * time.Second,
		},
		TracePuller: TracePullerConfig{
			SSHTimeout:     15 * time.Second,
			RemoteTraceDir: `%USERPROFILE%\Documents\RPX\Traces`,
		},
	}
}

// Load loads configuration from an optional YAML file (if present) and
// then environment variable overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file directly, skipping
// environment overrides. Used by tests to load fixture configs.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate checks invariants the rest of the system relies on: a non-empty
// account classifier, at least a default queue endpoint budget, and sane
// ports.
func (c *Config) Validate() error {
	if len(c.Accounts.Rules) == 0 {
		return fmt.Errorf("accounts.rules must not be empty")
	}
	if c.Queue.DefaultMaxSize <= 0 {
		return fmt.Errorf("queue.default_max_size must be positive")
	}
	for _, ep := range c.Queue.Endpoints {
		if ep.MaxQueue <= 0 {
			return fmt.Errorf("queue endpoint %q: max_queue must be positive", ep.Name)
		}
	}
	ports := []int{c.Server.Port, c.Discovery.UDPPort, c.Discovery.WSPort}
	if c.Runtime.MetricsEnabled {
		ports = append(ports, c.Runtime.MetricsPort)
	}
	for _, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port number: %d", port)
		}
	}
	return nil
}

// IsDevelopment returns true if running in the development environment.
func (c *Config) IsDevelopment() bool { return strings.EqualFold(c.Runtime.Env, "development") }

// IsProduction returns true if running in the production environment.
func (c *Config) IsProduction() bool { return strings.EqualFold(c.Runtime.Env, "production") }
