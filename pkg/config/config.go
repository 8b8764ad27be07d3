// Package config loads process configuration from the environment and the
// governance policy from a YAML file.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/yrippert-maker/papa-app-sub003/pkg/anchoring"
	"github.com/yrippert-maker/papa-app-sub003/pkg/artifacts"
	"github.com/yrippert-maker/papa-app-sub003/pkg/observability"
	"github.com/yrippert-maker/papa-app-sub003/pkg/retry"
)

// Config holds server configuration.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`
	DatabaseURL string `env:"DATABASE_URL"`
	DataDir     string `env:"DATA_DIR" envDefault:"data"`
	PolicyFile  string `env:"POLICY_FILE"`

	KeystorePath     string `env:"KEYSTORE_PATH"`
	KeystoreSecret   string `env:"KEYSTORE_SECRET"`
	SigningAlgorithm string `env:"SIGNING_ALGORITHM" envDefault:"ed25519"`
	DeadLetterPath   string `env:"DEAD_LETTER_PATH"`

	Append    AppendConfig    `envPrefix:"APPEND_"`
	Anchor    AnchorConfig    `envPrefix:"ANCHOR_"`
	Artifacts ArtifactConfig  `envPrefix:"ARTIFACT_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`

	RedisURL       string `env:"REDIS_URL"`
	ActorJWTSecret string `env:"ACTOR_JWT_SECRET"`

	OTel OTelConfig `envPrefix:"OTEL_"`
}

type AppendConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BaseDelay   time.Duration `env:"BASE_DELAY" envDefault:"25ms"`
	MaxDelay    time.Duration `env:"MAX_DELAY" envDefault:"1s"`
	MaxJitter   time.Duration `env:"MAX_JITTER" envDefault:"25ms"`
}

// AnchorConfig selects the chain backend. An empty RPCURL means the
// in-process chain.
type AnchorConfig struct {
	RPCURL        string  `env:"RPC_URL"`
	Network       string  `env:"NETWORK" envDefault:"local"`
	ChainID       string  `env:"CHAIN_ID" envDefault:"0"`
	FromAddress   string  `env:"FROM_ADDRESS"`
	ToAddress     string  `env:"TO_ADDRESS"`
	Confirmations int64   `env:"CONFIRMATIONS" envDefault:"1"`
	RPCRPS        float64 `env:"RPC_RPS" envDefault:"5"`
}

type ArtifactConfig struct {
	StorageType string `env:"STORAGE_TYPE" envDefault:"fs"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Prefix    string `env:"S3_PREFIX"`
	GCSBucket   string `env:"GCS_BUCKET"`
	GCSPrefix   string `env:"GCS_PREFIX"`
}

type RateLimitConfig struct {
	Requests int           `env:"REQUESTS" envDefault:"60"`
	Window   time.Duration `env:"WINDOW" envDefault:"1m"`
}

type OTelConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	Endpoint string `env:"ENDPOINT" envDefault:"localhost:4317"`
	Insecure bool   `env:"INSECURE" envDefault:"true"`
}

// Load parses the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.RateLimit.Requests <= 0 || cfg.RateLimit.Window <= 0 {
		return nil, fmt.Errorf("config: RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}
	return &cfg, nil
}

// LiteMode is true when no DATABASE_URL is set; storage then falls back to
// SQLite under DataDir.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SQLitePath is the lite-mode database file.
func (c *Config) SQLitePath() string { return filepath.Join(c.DataDir, "ledger.db") }

func (c *Config) KeystoreFile() string {
	if c.KeystorePath != "" {
		return c.KeystorePath
	}
	return filepath.Join(c.DataDir, "keystore.json")
}

func (c *Config) DeadLetterFile() string {
	if c.DeadLetterPath != "" {
		return c.DeadLetterPath
	}
	return filepath.Join(c.DataDir, "dead_letter.jsonl")
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Append.MaxAttempts,
		BaseDelay:   c.Append.BaseDelay,
		MaxDelay:    c.Append.MaxDelay,
		MaxJitter:   c.Append.MaxJitter,
	}.Normalize()
}

func (c *Config) ArtifactStore() artifacts.Config {
	return artifacts.Config{
		Type:    artifacts.StoreType(c.Artifacts.StorageType),
		DataDir: c.DataDir,
		S3: artifacts.S3Config{
			Bucket:   c.Artifacts.S3Bucket,
			Region:   c.Artifacts.S3Region,
			Endpoint: c.Artifacts.S3Endpoint,
			Prefix:   c.Artifacts.S3Prefix,
		},
		GCS: artifacts.GCSConfig{Bucket: c.Artifacts.GCSBucket, Prefix: c.Artifacts.GCSPrefix},
	}
}

// UseLocalChain reports whether anchoring runs against the in-process chain.
func (c *Config) UseLocalChain() bool { return c.Anchor.RPCURL == "" }

func (c *Config) JSONRPC() anchoring.JSONRPCConfig {
	return anchoring.JSONRPCConfig{
		URL:         c.Anchor.RPCURL,
		Network:     c.Anchor.Network,
		ChainID:     c.Anchor.ChainID,
		FromAddress: c.Anchor.FromAddress,
		ToAddress:   c.Anchor.ToAddress,
		RPS:         c.Anchor.RPCRPS,
	}
}

func (c *Config) Observability(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.OTel.Enabled
	oc.OTLPEndpoint = c.OTel.Endpoint
	oc.Insecure = c.OTel.Insecure
	if version != "" {
		oc.ServiceVersion = version
	}
	return oc
}
