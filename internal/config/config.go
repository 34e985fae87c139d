// Package config provides configuration loading and management for the tap
// redemption service. It handles environment variable parsing and provides
// default values for all settings.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence. In production, deployments rely solely
// on system environment variables.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds local overrides and is gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// SDM verification modes. Strict requires a cryptographic proof from the tag;
// mock accepts any well-formed parameters and exists for development only.
const (
	SDMModeStrict = "strict"
	SDMModeMock   = "mock"
)

// Config captures environment-driven settings for the tap redemption service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL)
	NATSURL     string // NATS server URL for lifecycle events

	// SDM verification
	SDMMode      string // strict or mock
	SDMMasterKey []byte // 16-byte master key for tag key diversification

	// Reconciliation trigger auth: a shared bearer secret, and optionally
	// the name of a header set by a trusted scheduler (value must be "1")
	CronSecret string
	CronHeader string

	// External claim authority
	AuthorityAPIURL       string // Claim authority API base URL
	AuthorityAuthURL      string // OAuth2 token endpoint
	AuthorityAudience     string // OAuth2 audience
	AuthorityClientID     string
	AuthorityClientSecret string
	AuthorityAPIKey       string

	// Claimant name resolution (reverse lookup over public resolver APIs)
	ENSResolverURL string
	ENSFallbackURL string

	// Reconciliation worker
	ReconcileInterval        time.Duration // 0 disables the in-process loop
	ReconcileBatchSize       int
	ReconcileItemDelay       time.Duration // Delay between authority calls
	ReconcileItemTimeout     time.Duration // Per-item bound on authority latency
	ReconcileMaxFailedChecks int           // Consecutive misses before rollback

	// Optional S3 destination for reconcile run reports
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
}

// Default configuration values used when environment variables are not set
const (
	defaultPort              = "8080"
	defaultEnv               = "dev"
	defaultSDMMode           = SDMModeStrict
	defaultAuthorityAPIURL   = "https://api.poap.tech"
	defaultAuthorityAuthURL  = "https://auth.accounts.poap.xyz/oauth/token"
	defaultENSResolverURL    = "https://api.ensideas.com/ens/resolve"
	defaultENSFallbackURL    = "https://api.web3.bio/profile"
	defaultReconcileInterval = 5 * time.Minute
	defaultBatchSize         = 50
	defaultItemDelay         = 200 * time.Millisecond
	defaultItemTimeout       = 10 * time.Second
	defaultMaxFailedChecks   = 2
	defaultS3Region          = "us-east-1"
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. It returns an error for invalid security-critical settings:
// a malformed master key, an unknown verification mode, or mock verification
// requested in a production environment.
func Load() (Config, error) {
	cfg := Config{}

	cfg.Env = getEnv("TAPD_ENV", defaultEnv)
	cfg.Port = getEnv("TAPD_PORT", defaultPort)
	cfg.DatabaseDSN = os.Getenv("TAPD_DB_DSN")
	cfg.NATSURL = os.Getenv("TAPD_NATS_URL")

	cfg.SDMMode = getEnv("TAPD_SDM_MODE", defaultSDMMode)
	switch cfg.SDMMode {
	case SDMModeStrict, SDMModeMock:
	default:
		return Config{}, fmt.Errorf("invalid TAPD_SDM_MODE %q", cfg.SDMMode)
	}
	// Mock verification accepts unauthenticated taps and must never run in
	// production.
	if cfg.SDMMode == SDMModeMock && cfg.Env == "prod" {
		return Config{}, fmt.Errorf("TAPD_SDM_MODE=mock is not allowed when TAPD_ENV=prod")
	}

	if keyHex, exists := os.LookupEnv("TAPD_SDM_MASTER_KEY"); exists {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return Config{}, fmt.Errorf("TAPD_SDM_MASTER_KEY is not valid hex: %w", err)
		}
		if len(key) != 16 {
			return Config{}, fmt.Errorf("TAPD_SDM_MASTER_KEY must be 16 bytes (32 hex chars), got %d bytes", len(key))
		}
		cfg.SDMMasterKey = key
	}
	if cfg.SDMMode == SDMModeStrict && cfg.SDMMasterKey == nil {
		return Config{}, fmt.Errorf("TAPD_SDM_MASTER_KEY is required when TAPD_SDM_MODE=strict")
	}

	cfg.CronSecret = os.Getenv("TAPD_CRON_SECRET")
	cfg.CronHeader = os.Getenv("TAPD_CRON_TRUSTED_HEADER")

	cfg.AuthorityAPIURL = getEnv("TAPD_AUTHORITY_API_URL", defaultAuthorityAPIURL)
	cfg.AuthorityAuthURL = getEnv("TAPD_AUTHORITY_AUTH_URL", defaultAuthorityAuthURL)
	cfg.AuthorityAudience = getEnv("TAPD_AUTHORITY_AUDIENCE", defaultAuthorityAPIURL)
	cfg.AuthorityClientID = os.Getenv("TAPD_AUTHORITY_CLIENT_ID")
	cfg.AuthorityClientSecret = os.Getenv("TAPD_AUTHORITY_CLIENT_SECRET")
	cfg.AuthorityAPIKey = os.Getenv("TAPD_AUTHORITY_API_KEY")

	cfg.ENSResolverURL = getEnv("TAPD_ENS_RESOLVER_URL", defaultENSResolverURL)
	cfg.ENSFallbackURL = getEnv("TAPD_ENS_FALLBACK_URL", defaultENSFallbackURL)

	var err error
	cfg.ReconcileInterval, err = getDuration("TAPD_RECONCILE_INTERVAL", defaultReconcileInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileItemDelay, err = getDuration("TAPD_RECONCILE_ITEM_DELAY", defaultItemDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileItemTimeout, err = getDuration("TAPD_RECONCILE_ITEM_TIMEOUT", defaultItemTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileBatchSize, err = getInt("TAPD_RECONCILE_BATCH_SIZE", defaultBatchSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileMaxFailedChecks, err = getInt("TAPD_RECONCILE_MAX_FAILED_CHECKS", defaultMaxFailedChecks)
	if err != nil {
		return Config{}, err
	}
	if cfg.ReconcileMaxFailedChecks < 1 {
		return Config{}, fmt.Errorf("TAPD_RECONCILE_MAX_FAILED_CHECKS must be at least 1")
	}

	cfg.S3Endpoint = os.Getenv("TAPD_S3_ENDPOINT")
	cfg.S3Region = getEnv("TAPD_S3_REGION", defaultS3Region)
	cfg.S3Bucket = os.Getenv("TAPD_S3_BUCKET")
	cfg.S3AccessKey = os.Getenv("TAPD_S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("TAPD_S3_SECRET_KEY")

	return cfg, nil
}

// AuthorityConfigured reports whether the claim authority credentials are
// present. Without them the reconciliation worker cannot run.
func (c Config) AuthorityConfigured() bool {
	return c.AuthorityClientID != "" && c.AuthorityClientSecret != "" && c.AuthorityAPIKey != ""
}

func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
