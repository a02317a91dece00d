// Package config loads server settings from defaults, an optional YAML file,
// command-line flags and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/and161185/securehub/internal/blobstore"
)

// Secrets read from the environment so they never have to appear in argv or a file.
const (
	SecretEnv  = "SECUREHUB_SECRET"
	BlobKeyEnv = "SECUREHUB_BLOB_KEY"
)

// Limiter backends.
const (
	LimiterPostgres = "postgres"
	LimiterRedis    = "redis"
	LimiterNone     = "none"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageS3     = "s3"
)

// Config is the complete server configuration.
type Config struct {
	Addr string `yaml:"addr"`
	// DSN selects PostgreSQL. Empty runs on the in-memory store.
	DSN  string `yaml:"dsn"`

	Secret     string        `yaml:"secret"`
	Issuer     string        `yaml:"issuer"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	OTPIssuer  string        `yaml:"otp_issuer"`

	Limiter LimiterConfig `yaml:"limiter"`
	Storage StorageConfig `yaml:"storage"`

	CookieSecure    bool          `yaml:"cookie_secure"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LimiterConfig selects and tunes login throttling.
type LimiterConfig struct {
	Backend     string        `yaml:"backend"`
	MaxFails    int           `yaml:"max_fails"`
	Window      time.Duration `yaml:"window"`
	BlockFor    time.Duration `yaml:"block_for"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
}

// StorageConfig selects the document blob store.
type StorageConfig struct {
	Backend string             `yaml:"backend"`
	S3      blobstore.S3Config `yaml:"s3"`
	// EncryptionKey enables encryption at rest when set.
	EncryptionKey string `yaml:"encryption_key"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Addr:       ":8080",
		Issuer:     "securehub",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		OTPIssuer:  "SecureHub",
		Limiter: LimiterConfig{
			Backend:     LimiterPostgres,
			MaxFails:    5,
			Window:      15 * time.Minute,
			BlockFor:    15 * time.Minute,
			RedisPrefix: "securehub:login:",
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
			S3:      blobstore.S3Config{Region: "us-east-1"},
		},
		CookieSecure:    true,
		MaxUploadBytes:  50 << 20,
		ShutdownTimeout: 10 * time.Second,
	}
}

// bind registers every flag with the current value of c as its default.
func bind(fs *pflag.FlagSet, c *Config) *string {
	path := fs.String("config", "", "path to a YAML config file")
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.DSN, "dsn", c.DSN, "PostgreSQL DSN (empty: in-memory store)")
	fs.StringVar(&c.Secret, "secret", c.Secret, "HS256 signing key (prefer "+SecretEnv+")")
	fs.StringVar(&c.Issuer, "issuer", c.Issuer, "JWT issuer")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "access token lifetime")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "refresh token lifetime")
	fs.StringVar(&c.OTPIssuer, "otp-issuer", c.OTPIssuer, "issuer shown by authenticator apps")

	fs.StringVar(&c.Limiter.Backend, "limiter", c.Limiter.Backend, "login limiter backend: postgres, redis or none")
	fs.IntVar(&c.Limiter.MaxFails, "limiter-max-fails", c.Limiter.MaxFails, "failures before a block")
	fs.DurationVar(&c.Limiter.Window, "limiter-window", c.Limiter.Window, "failure counting window")
	fs.DurationVar(&c.Limiter.BlockFor, "limiter-block", c.Limiter.BlockFor, "block duration")
	fs.StringVar(&c.Limiter.RedisAddr, "redis-addr", c.Limiter.RedisAddr, "Redis address for the redis limiter")

	fs.StringVar(&c.Storage.Backend, "storage", c.Storage.Backend, "blob storage backend: memory or s3")
	fs.StringVar(&c.Storage.S3.Bucket, "s3-bucket", c.Storage.S3.Bucket, "S3 bucket")
	fs.StringVar(&c.Storage.S3.Region, "s3-region", c.Storage.S3.Region, "S3 region")
	fs.StringVar(&c.Storage.S3.Endpoint, "s3-endpoint", c.Storage.S3.Endpoint, "custom S3 endpoint (MinIO)")
	fs.BoolVar(&c.Storage.S3.UsePathStyle, "s3-path-style", c.Storage.S3.UsePathStyle, "use path-style S3 addressing")

	fs.BoolVar(&c.CookieSecure, "cookie-secure", c.CookieSecure, "mark the refresh cookie Secure")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", c.MaxUploadBytes, "largest accepted upload")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "graceful shutdown deadline")
	return path
}

// Load builds the configuration. args excludes the program name; getenv is
// usually os.Getenv. pflag.ErrHelp is returned as is.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("securehub", pflag.ContinueOnError)
	path := bind(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *path != "" {
		data, err := os.ReadFile(*path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		cfg = Default()
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", *path, err)
		}
		// Explicit flags win over the file.
		fs = pflag.NewFlagSet("securehub", pflag.ContinueOnError)
		bind(fs, cfg)
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	if getenv != nil {
		if s := getenv(SecretEnv); s != "" {
			cfg.Secret = s
		}
		if k := getenv(BlobKeyEnv); k != "" {
			cfg.Storage.EncryptionKey = k
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var problems []error
	if c.Secret == "" {
		problems = append(problems, fmt.Errorf("signing key required (--secret or %s)", SecretEnv))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		problems = append(problems, errors.New("token lifetimes must be positive"))
	} else if c.AccessTTL >= c.RefreshTTL {
		problems = append(problems, errors.New("access-ttl must be shorter than refresh-ttl"))
	}
	switch c.Limiter.Backend {
	case LimiterNone:
	case LimiterPostgres:
		if c.DSN == "" {
			problems = append(problems, errors.New("postgres limiter needs --dsn"))
		}
	case LimiterRedis:
		if c.Limiter.RedisAddr == "" {
			problems = append(problems, errors.New("redis limiter needs --redis-addr"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown limiter backend %q", c.Limiter.Backend))
	}
	if c.Limiter.Backend != LimiterNone && (c.Limiter.MaxFails <= 0 || c.Limiter.Window <= 0 || c.Limiter.BlockFor <= 0) {
		problems = append(problems, errors.New("limiter thresholds must be positive"))
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			problems = append(problems, errors.New("s3 storage needs --s3-bucket"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if k := c.Storage.EncryptionKey; k != "" && len(k) < blobstore.MinMasterKeyLen {
		problems = append(problems, fmt.Errorf("blob encryption key must be at least %d bytes", blobstore.MinMasterKeyLen))
	}
	if c.MaxUploadBytes <= 0 {
		problems = append(problems, errors.New("max-upload-bytes must be positive"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(problems...))
	}
	return nil
}
