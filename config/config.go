// Package config loads the ordergated service configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the ordergated daemon.
type Config struct {
	ListenAddress string      `yaml:"listen"`
	Env           string      `yaml:"env"`
	DataDir       string      `yaml:"data_dir"`
	Audit         AuditConfig `yaml:"audit"`
	KillSwitch    KSConfig    `yaml:"kill_switch"`
	Approval      Approval    `yaml:"approval"`
	Broker        Broker      `yaml:"broker"`
	Auth          AuthConfig  `yaml:"auth"`
	OTel          OTelConfig  `yaml:"otel"`
	RiskPolicy    string      `yaml:"risk_policy_path"`
	LogLevel      string      `yaml:"log_level"`
	LogFile       string      `yaml:"log_file"`
}

// AuditConfig selects the audit log storage backend.
type AuditConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

// KSConfig locates the kill-switch state file.
type KSConfig struct {
	StateFile string `yaml:"state_file"`
}

// Approval bounds the in-memory proposal store and token TTL.
type Approval struct {
	MaxProposals int           `yaml:"max_proposals"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	SnapshotPath string        `yaml:"snapshot_path"`
}

// Broker configures the connection parameters for the broker adapter.
type Broker struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ClientID     int           `yaml:"client_id"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

// AuthConfig holds the JWT secret, issuer and audience used to verify
// bearer tokens on operator-facing endpoints.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// OTelConfig mirrors observability/otel.Config on the wire.
type OTelConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	Metrics  bool              `yaml:"metrics"`
	Traces   bool              `yaml:"traces"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddress: ":8088",
		Env:           "dev",
		DataDir:       "./ordergate-data",
		Audit:         AuditConfig{Driver: "sqlite", DSN: "ordergate-audit.db"},
		KillSwitch:    KSConfig{StateFile: "kill_switch_state.json"},
		Approval:      Approval{MaxProposals: 10000, TokenTTL: 5 * time.Minute},
		Broker:        Broker{CallTimeout: 10 * time.Second, PollInterval: 2 * time.Second, MaxPolls: 30},
		OTel:          OTelConfig{Insecure: true, Metrics: true, Traces: true},
		RiskPolicy:    "risk_policy.yaml",
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8088"
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = "./ordergate-data"
	}
	cfg.Audit.Driver = strings.ToLower(strings.TrimSpace(cfg.Audit.Driver))
	if cfg.Audit.Driver == "" {
		cfg.Audit.Driver = "sqlite"
	}
	cfg.Audit.DSN = strings.TrimSpace(cfg.Audit.DSN)
	if cfg.Audit.DSN == "" {
		cfg.Audit.DSN = "ordergate-audit.db"
	}
	cfg.KillSwitch.StateFile = strings.TrimSpace(cfg.KillSwitch.StateFile)
	if cfg.KillSwitch.StateFile == "" {
		cfg.KillSwitch.StateFile = "kill_switch_state.json"
	}
	if cfg.Approval.MaxProposals <= 0 {
		cfg.Approval.MaxProposals = 10000
	}
	if cfg.Approval.TokenTTL <= 0 {
		cfg.Approval.TokenTTL = 5 * time.Minute
	}
	if cfg.Broker.CallTimeout <= 0 {
		cfg.Broker.CallTimeout = 10 * time.Second
	}
	if cfg.Broker.PollInterval <= 0 {
		cfg.Broker.PollInterval = 2 * time.Second
	}
	if cfg.Broker.MaxPolls <= 0 {
		cfg.Broker.MaxPolls = 30
	}
	if cfg.RiskPolicy == "" {
		cfg.RiskPolicy = "risk_policy.yaml"
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	switch cfg.Env {
	case "dev", "paper", "live":
	default:
		return fmt.Errorf("env: must be one of dev, paper, live, got %q", cfg.Env)
	}
	switch cfg.Audit.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("audit.driver: must be sqlite or postgres, got %q", cfg.Audit.Driver)
	}
	if cfg.Env == "live" && cfg.Broker.Host == "" {
		return fmt.Errorf("broker.host required when env=live")
	}
	return nil
}

// ApplyEnv reads the recognised environment variables and applies them over
// a loaded config (KILL_SWITCH_ENABLED is consulted directly by the
// killswitch package, not here).
func (cfg *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FILE")); v != "" {
		cfg.LogFile = v
	}
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		cfg.Env = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("BROKER_HOST")); v != "" {
		cfg.Broker.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("BROKER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("BROKER_CLIENT_ID")); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Broker.ClientID = id
		}
	}
}
