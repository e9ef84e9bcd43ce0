// Package config loads and validates the YAML configuration a
// veilmesh-client process is constructed from: gateway selection,
// credential submission, TLS policy, key storage, optional Redis/Postgres
// persistence, and logging.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Credential CredentialConfig `yaml:"credential"`
	TLS        TLSConfig        `yaml:"tls"`
	Keystore   KeystoreConfig   `yaml:"keystore"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// GatewayConfig controls gateway selection and reconnection.
type GatewayConfig struct {
	// GatewayID pins a single gateway by address, bypassing topology
	// selection. Empty selects uniformly at random among candidates.
	GatewayID string `yaml:"gateway_id"`
	// DirectoryAddr is the quicdir directory service's UDP address. Empty
	// disables directory-based topology and requires GatewayID or
	// StaticGateways to be set.
	DirectoryAddr string `yaml:"directory_addr"`
	// StaticGateways lists gateways directly, for tests or air-gapped
	// deployments where no directory service is reachable.
	StaticGateways []StaticGatewayConfig `yaml:"static_gateways"`
	// WaitForGateway bounds how long gateway selection retries with
	// backoff before giving up. Zero uses DefaultWaitForGateway.
	WaitForGateway time.Duration `yaml:"wait_for_gateway"`
	// ReconnectMaxAttempts bounds reconnection attempts after the
	// session pipeline terminates unexpectedly. Zero uses
	// DefaultReconnectMaxAttempts.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
}

// StaticGatewayConfig describes one statically-configured gateway.
type StaticGatewayConfig struct {
	Address     string `yaml:"address"`
	PublicKey   string `yaml:"public_key"`
	ListenerURL string `yaml:"listener_url"`
	SupportsTLS bool   `yaml:"supports_tls"`
}

// CredentialConfig controls bandwidth credential submission.
type CredentialConfig struct {
	// Enabled advertises credential support in the protocol version and
	// permits credential submission. Disabled clients only use the
	// testnet bandwidth shortcut.
	Enabled bool `yaml:"enabled"`
	// UseTestnetBandwidth claims free testnet bandwidth instead of
	// submitting a real credential.
	UseTestnetBandwidth bool `yaml:"use_testnet_bandwidth"`
}

// TLSConfig controls transport TLS policy.
type TLSConfig struct {
	// ForceTLS rejects ws:// gateways, requiring wss://.
	ForceTLS bool `yaml:"force_tls"`
	// InsecureSkipVerify disables certificate verification. Only ever
	// meant for local development against self-signed test gateways.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// KeystoreConfig controls where the client's identity and per-gateway
// shared keys are persisted.
type KeystoreConfig struct {
	// Backend selects the keystore.Store implementation: "memory" or
	// "disk". Empty defaults to "disk".
	Backend string `yaml:"backend"`
	// Path is the identity file path for the disk backend.
	Path string `yaml:"path"`
}

// RedisConfig enables an optional read-through cache in front of the key
// store. Host empty disables the cache entirely.
type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// PostgresConfig enables an optional durable multi-process store for
// gateway shared keys and the bandwidth-credential ledger. Host empty
// disables Postgres persistence.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	OutputFile string `yaml:"output_file"`
}

// Defaults applied when the corresponding field is left unset.
const (
	DefaultWaitForGateway       = 30 * time.Second
	DefaultReconnectMaxAttempts = 10
	DefaultRedisTTL             = 10 * time.Minute
)

// Load reads and validates configuration from a YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read file: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: failed to parse file: %w", err)
	}

	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Gateway.WaitForGateway == 0 {
		c.Gateway.WaitForGateway = DefaultWaitForGateway
	}
	if c.Gateway.ReconnectMaxAttempts == 0 {
		c.Gateway.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}

	if c.Keystore.Backend == "" {
		c.Keystore.Backend = "disk"
	}

	if c.Redis.Host != "" {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.TTL == 0 {
			c.Redis.TTL = DefaultRedisTTL
		}
	}

	if c.Postgres.Host != "" {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Gateway.GatewayID == "" && c.Gateway.DirectoryAddr == "" && len(c.Gateway.StaticGateways) == 0 {
		return fmt.Errorf("gateway: one of gateway_id, directory_addr, or static_gateways is required")
	}

	switch c.Keystore.Backend {
	case "memory":
	case "disk":
		if c.Keystore.Path == "" {
			return fmt.Errorf("keystore: path is required for the disk backend")
		}
	default:
		return fmt.Errorf("keystore: unknown backend %q", c.Keystore.Backend)
	}

	if c.Postgres.Host != "" {
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres: user is required")
		}
		if c.Postgres.DBName == "" {
			return fmt.Errorf("postgres: dbname is required")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging: invalid level %q", c.Logging.Level)
	}

	return nil
}

// Default returns a Config with every section set to its zero-config
// default, suitable as a starting point for --config-less invocations that
// supply a gateway via --gateway-id.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// WriteFile marshals c as YAML to path.
func WriteFile(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: failed to write file: %w", err)
	}
	return nil
}
