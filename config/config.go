package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"crypta.vault/internal/crypto"
	"crypta.vault/internal/logging"
	"crypta.vault/internal/store"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CRYPTA_SERVER_PORT.
const EnvPrefix = "CRYPTA"

type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Cache     CacheConfig     `yaml:"cache" envconfig:"CACHE"`
	Crypto    CryptoConfig    `yaml:"crypto" envconfig:"CRYPTO"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	Secrets   SecretsConfig   `yaml:"secrets" envconfig:"SECRETS"`
	Audit     AuditConfig     `yaml:"audit" envconfig:"AUDIT"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Log       logging.Config  `yaml:"log" envconfig:"LOG"`
	Metrics   MetricsConfig   `yaml:"metrics" envconfig:"METRICS"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" split_words:"true"`
	RequestTimeout  time.Duration `yaml:"request_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

type StoreConfig struct {
	Type            string        `yaml:"type"` // memory, sqlite3 or postgres
	Path            string        `yaml:"path"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" split_words:"true"`
	MaxIdleConns    int           `yaml:"max_idle_conns" split_words:"true"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" split_words:"true"`
}

type CacheConfig struct {
	Type            string        `yaml:"type"` // memory or redis
	CleanupInterval time.Duration `yaml:"cleanup_interval" split_words:"true"`
	Redis           RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix" split_words:"true"`
}

// CryptoConfig sets the KEK either directly (base64, 32 bytes) or as a
// passphrase stretched with Argon2id over a fixed salt.
type CryptoConfig struct {
	KEK           string              `yaml:"kek"`
	KEKPassphrase string              `yaml:"kek_passphrase" split_words:"true"`
	KEKSalt       string              `yaml:"kek_salt" split_words:"true"`
	Argon2        crypto.Argon2Params `yaml:"argon2"`
}

type AuthConfig struct {
	Audience             string        `yaml:"audience"`
	AccessTokenSecret    string        `yaml:"access_token_secret" split_words:"true"`
	AccessTokenTTL       time.Duration `yaml:"access_token_ttl" split_words:"true"`
	MaxAssertionLifetime time.Duration `yaml:"max_assertion_lifetime" split_words:"true"`
	Leeway               time.Duration `yaml:"leeway"`
	UserTokenSecret      string        `yaml:"user_token_secret" split_words:"true"`
}

type SecretsConfig struct {
	MaxSize int `yaml:"max_size" split_words:"true"`
}

type AuditConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout" split_words:"true"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" split_words:"true"`
	TokenPerMin    int  `yaml:"token_per_min" split_words:"true"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Type:            "memory",
			Path:            "data/crypta.db",
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: CacheConfig{
			Type:            "memory",
			CleanupInterval: 30 * time.Second,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Password:  "",
				DB:        0,
				KeyPrefix: "crypta:",
			},
		},
		Crypto: CryptoConfig{
			Argon2: crypto.DefaultArgon2Params(),
		},
		Auth: AuthConfig{
			AccessTokenTTL:       10 * time.Minute,
			MaxAssertionLifetime: time.Hour,
			Leeway:               30 * time.Second,
		},
		Secrets: SecretsConfig{
			MaxSize: 64 * 1024,
		},
		Audit: AuditConfig{
			WriteTimeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 300,
			TokenPerMin:    30,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// loadFromEnv only overrides values whose variable is set.
func (c *Config) loadFromEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	// CRYPTA_KEK is accepted as a shorthand for CRYPTA_CRYPTO_KEK.
	if v := os.Getenv(EnvPrefix + "_KEK"); v != "" && c.Crypto.KEK == "" {
		c.Crypto.KEK = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	switch c.Store.Type {
	case "memory":
	case store.DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required when store type is 'sqlite3'")
		}
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required when store type is 'postgres'")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be 'memory', 'sqlite3' or 'postgres')", c.Store.Type)
	}

	if c.Cache.Type != "memory" && c.Cache.Type != "redis" {
		return fmt.Errorf("invalid cache type: %s (must be 'memory' or 'redis')", c.Cache.Type)
	}
	if c.Cache.Type == "redis" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when cache type is 'redis'")
	}
	if c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("cache cleanup_interval must be positive")
	}

	if err := c.validateCrypto(); err != nil {
		return err
	}

	if c.Auth.Audience == "" {
		return fmt.Errorf("auth audience is required")
	}
	if c.Auth.AccessTokenSecret == "" {
		return fmt.Errorf("auth access_token_secret is required")
	}
	if c.Auth.UserTokenSecret == "" {
		return fmt.Errorf("auth user_token_secret is required")
	}
	if c.Auth.UserTokenSecret == c.Auth.AccessTokenSecret {
		return fmt.Errorf("auth user_token_secret must differ from access_token_secret")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth access_token_ttl must be positive")
	}
	if c.Auth.MaxAssertionLifetime <= 0 {
		return fmt.Errorf("auth max_assertion_lifetime must be positive")
	}

	if c.Secrets.MaxSize < 1 || c.Secrets.MaxSize > 1<<20 {
		return fmt.Errorf("secrets max_size must be between 1 and %d", 1<<20)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMin < 1 || c.RateLimit.TokenPerMin < 1) {
		return fmt.Errorf("rate limits must be at least 1 per minute")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateCrypto() error {
	switch {
	case c.Crypto.KEK != "" && c.Crypto.KEKPassphrase != "":
		return errors.New("set only one of crypto kek and kek_passphrase")
	case c.Crypto.KEK != "":
		kek, err := base64.StdEncoding.DecodeString(c.Crypto.KEK)
		if err != nil {
			return fmt.Errorf("crypto kek is not valid base64: %w", err)
		}
		if len(kek) != crypto.KeySize {
			return crypto.ErrKEKLength
		}
	case c.Crypto.KEKPassphrase != "":
		salt, err := base64.StdEncoding.DecodeString(c.Crypto.KEKSalt)
		if err != nil || len(salt) < 16 {
			return errors.New("crypto kek_salt must be base64 of at least 16 bytes")
		}
	default:
		return crypto.ErrMissingKEK
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// KeyProvider builds the KEK holder. The caller must Destroy it.
func (c *Config) KeyProvider() (*crypto.StaticKeyProvider, error) {
	if c.Crypto.KEKPassphrase != "" {
		salt, err := base64.StdEncoding.DecodeString(c.Crypto.KEKSalt)
		if err != nil {
			return nil, fmt.Errorf("decoding kek salt: %w", err)
		}
		return crypto.NewPassphraseKeyProvider(c.Crypto.KEKPassphrase, salt, c.Crypto.Argon2)
	}
	return crypto.NewStaticKeyProviderFromBase64(c.Crypto.KEK)
}

// SQL builds the store settings. Unset pool sizes default to a single
// connection on SQLite, which allows one writer, and to a small pool on
// PostgreSQL.
func (c *Config) SQL() store.SQLConfig {
	maxOpen, maxIdle := c.Store.MaxOpenConns, c.Store.MaxIdleConns
	defOpen, defIdle := 10, 5
	if c.Store.Type == store.DriverSQLite {
		defOpen, defIdle = 1, 1
	}
	if maxOpen <= 0 {
		maxOpen = defOpen
	}
	if maxIdle <= 0 {
		maxIdle = defIdle
	}

	return store.SQLConfig{
		Driver:          c.Store.Type,
		Path:            c.Store.Path,
		DSN:             c.Store.DSN,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
	}
}
