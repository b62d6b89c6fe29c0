package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the webhook listener settings.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	PublicURL      string        `mapstructure:"public_url" yaml:"public_url"`
	Mode           string        `mapstructure:"mode" yaml:"mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// StoreConfig selects and locates the durable job store.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// SchedulerConfig controls the tick loop.
type SchedulerConfig struct {
	TickSpec        string        `mapstructure:"tick_spec" yaml:"tick_spec"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	InFlightTimeout time.Duration `mapstructure:"inflight_timeout" yaml:"inflight_timeout"`
}

// DispatchConfig controls delivery execution and retries.
type DispatchConfig struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout" yaml:"provider_timeout"`
	BackoffBase     time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	TokenTTL        time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// RemoteOracleConfig points the policy engine at a hosted model.
type RemoteOracleConfig struct {
	URL       string        `mapstructure:"url" yaml:"url"`
	Model     string        `mapstructure:"model" yaml:"model"`
	MaxTokens int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// APIKeyCredential names the sealed credential holding the API key.
	APIKeyCredential string `mapstructure:"api_key_credential" yaml:"api_key_credential"`
}

// PolicyConfig controls plan generation.
type PolicyConfig struct {
	// Oracle is "rules" or "remote".
	Oracle       string             `mapstructure:"oracle" yaml:"oracle"`
	MaxEntries   int                `mapstructure:"max_entries" yaml:"max_entries"`
	UrgentWindow time.Duration      `mapstructure:"urgent_window" yaml:"urgent_window"`
	RetryBackoff time.Duration      `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	Offsets      []time.Duration    `mapstructure:"offsets" yaml:"offsets"`
	Remote       RemoteOracleConfig `mapstructure:"remote" yaml:"remote"`
}

// VaultConfig configures the token vault.
type VaultConfig struct {
	// MasterKey is a base64 32-byte key. When empty the key is read from
	// (or created in) the OS keyring.
	MasterKey  string `mapstructure:"master_key" yaml:"master_key"`
	KeyringDir string `mapstructure:"keyring_dir" yaml:"keyring_dir"`
	// KeyringPassword unlocks the encrypted-file keyring backend.
	KeyringPassword string `mapstructure:"keyring_password" yaml:"keyring_password"`
	NonceBackend    string `mapstructure:"nonce_backend" yaml:"nonce_backend"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host        string  `mapstructure:"host" yaml:"host"`
	Port        int     `mapstructure:"port" yaml:"port"`
	From        string  `mapstructure:"from" yaml:"from"`
	Username    string  `mapstructure:"username" yaml:"username"`
	ImplicitTLS bool    `mapstructure:"implicit_tls" yaml:"implicit_tls"`
	RatePerSec  float64 `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
	Burst       int     `mapstructure:"burst" yaml:"burst"`
	// PasswordCredential names the sealed credential holding the SMTP password.
	PasswordCredential string `mapstructure:"password_credential" yaml:"password_credential"`
}

// CallConfig configures the voice-call channel.
type CallConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	AccountSID    string        `mapstructure:"account_sid" yaml:"account_sid"`
	From          string        `mapstructure:"from" yaml:"from"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout" yaml:"gather_timeout"`
	RatePerSec    float64       `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
	Burst         int           `mapstructure:"burst" yaml:"burst"`
	// AuthTokenCredential names the sealed credential holding the auth token.
	AuthTokenCredential string `mapstructure:"auth_token_credential" yaml:"auth_token_credential"`
}

// RedisConfig configures the optional shared nonce store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// AuditConfig selects where audit events go.
type AuditConfig struct {
	AMQPURL string `mapstructure:"amqp_url" yaml:"amqp_url"`
	Queue   string `mapstructure:"queue" yaml:"queue"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Policy    PolicyConfig    `mapstructure:"policy" yaml:"policy"`
	Vault     VaultConfig     `mapstructure:"vault" yaml:"vault"`
	Email     EmailConfig     `mapstructure:"email" yaml:"email"`
	Call      CallConfig      `mapstructure:"call" yaml:"call"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Audit     AuditConfig     `mapstructure:"audit" yaml:"audit"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/notifyd/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "notifyd", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.request_timeout", 10*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "notifyd.db")

	v.SetDefault("scheduler.tick_spec", "@every 30s")
	v.SetDefault("scheduler.batch_size", 200)
	v.SetDefault("scheduler.inflight_timeout", 15*time.Minute)

	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.provider_timeout", 30*time.Second)
	v.SetDefault("dispatch.backoff_base", time.Minute)
	v.SetDefault("dispatch.backoff_max", 16*time.Minute)
	v.SetDefault("dispatch.token_ttl", 72*time.Hour)

	v.SetDefault("policy.oracle", "rules")
	v.SetDefault("policy.max_entries", 4)
	v.SetDefault("policy.urgent_window", time.Hour)
	v.SetDefault("policy.retry_backoff", 500*time.Millisecond)
	v.SetDefault("policy.offsets", []string{"24h", "2h", "30m", "5m"})
	v.SetDefault("policy.remote.url", "https://api.anthropic.com/v1/messages")
	v.SetDefault("policy.remote.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("policy.remote.max_tokens", 1024)
	v.SetDefault("policy.remote.timeout", 20*time.Second)
	v.SetDefault("policy.remote.api_key_credential", "oracle.api_key")

	v.SetDefault("vault.nonce_backend", "store")
	v.SetDefault("vault.keyring_dir", "~/.config/notifyd/keyring")
	v.SetDefault("vault.keyring_password", "")
	v.SetDefault("vault.master_key", "")

	v.SetDefault("email.host", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.username", "")
	v.SetDefault("email.implicit_tls", false)
	v.SetDefault("email.port", 587)
	v.SetDefault("email.rate_per_sec", 5)
	v.SetDefault("email.burst", 10)
	v.SetDefault("email.password_credential", "email.password")

	v.SetDefault("call.account_sid", "")
	v.SetDefault("call.from", "")
	v.SetDefault("call.base_url", "https://api.twilio.com/2010-04-01")
	v.SetDefault("call.gather_timeout", 8*time.Second)
	v.SetDefault("call.rate_per_sec", 1)
	v.SetDefault("call.burst", 1)
	v.SetDefault("call.auth_token_credential", "call.auth_token")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("audit.amqp_url", "")
	v.SetDefault("audit.queue", "notifyd.audit")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *AppConfig {
	v := viper.New()
	setDefaults(v)
	cfg := &AppConfig{}
	// Defaults are all well-formed; decoding them cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with NOTIFYD_ override file values
// (NOTIFYD_STORE_DSN overrides store.dsn). A missing file yields defaults.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NOTIFYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *AppConfig) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	switch c.Policy.Oracle {
	case "rules", "remote":
	default:
		return fmt.Errorf("policy.oracle must be rules or remote, got %q", c.Policy.Oracle)
	}
	switch c.Vault.NonceBackend {
	case "store", "redis":
	default:
		return fmt.Errorf("vault.nonce_backend must be store or redis, got %q", c.Vault.NonceBackend)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if c.Policy.MaxEntries < 1 {
		return fmt.Errorf("policy.max_entries must be at least 1")
	}
	return nil
}
