// Package config loads server configuration from CLI flags and environment
// variables, validates it, and fills in defaults.
//
// The --no-s3 flag swaps export storage for an in-memory S3 server.
// Environment variables provide secrets and tuning.
package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/ratelimit"
	"github.com/kuitang/notebook-sync/internal/s3client"
	"github.com/kuitang/notebook-sync/internal/search"
)

const (
	defaultS3Region = "auto"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenAddr string

	// Remote store
	DatabasePath string // SQLite file backing the remote store
	MasterKey    string // 64 hex characters (32 bytes); wraps the database key. Empty stores plaintext

	// Cache and mutation tuning
	StaleTime       time.Duration // How long an entity list counts as fresh
	SearchStaleTime time.Duration // Same, for the search index
	RefreshRetries  int           // Extra attempts for a failed refresh
	RefreshBackoff  time.Duration // Base delay between refresh attempts
	CommitRetries   int           // Extra attempts for a commit that hit unavailable

	// Rate limiting
	RemoteLimit ratelimit.Config // Per-collection budget for remote calls
	APILimit    ratelimit.Config // Per-user budget for API requests

	// Export link lifetime
	ExportLinkTTL time.Duration

	// Mock service flags (controlled by CLI flags, not env vars)
	NoS3 bool // If true, use in-memory S3 (--no-s3)

	// S3 storage for exports
	AWSEndpointS3      string // AWS_ENDPOINT_URL_S3
	AWSRegion          string // AWS_REGION
	AWSAccessKeyID     string // AWS_ACCESS_KEY_ID
	AWSSecretAccessKey string // AWS_SECRET_ACCESS_KEY
	AWSBucketName      string // BUCKET_NAME
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// ParseFlags parses CLI flags and returns them. Call before LoadConfig.
// --rotate-key only touches the key file, so it implies --no-s3.
func ParseFlags() (noS3 bool, addr string, rotateKey bool) {
	var testMode bool
	flag.BoolVar(&noS3, "no-s3", false, "Use mock S3 storage (in-memory)")
	flag.BoolVar(&testMode, "test", false, "Shorthand for --no-s3")
	flag.StringVar(&addr, "addr", "", "Listen address (default :8080, overrides LISTEN_ADDR env var)")
	flag.BoolVar(&rotateKey, "rotate-key", false, "Re-wrap the database key under a new KEK version and exit")
	flag.Parse()

	if testMode || rotateKey {
		noS3 = true
	}

	return noS3, addr, rotateKey
}

// LoadConfig loads configuration from environment variables and CLI flag values.
// The addr flag overrides the LISTEN_ADDR env var if non-empty.
func LoadConfig(noS3 bool, addr string) (*Config, error) {
	cfg := &Config{}

	cfg.NoS3 = noS3

	// Server settings
	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", ":8080")
	if addr != "" {
		cfg.ListenAddr = addr
	}

	// Remote store
	cfg.DatabasePath = getEnvOrDefault("DATABASE_PATH", "/data/notebooks.db")
	cfg.MasterKey = strings.TrimSpace(os.Getenv("MASTER_KEY"))

	// Cache and mutation tuning
	cfg.StaleTime = parseDurationOrDefault("STALE_TIME", cache.DefaultStaleTime)
	cfg.SearchStaleTime = parseDurationOrDefault("SEARCH_STALE_TIME", search.DefaultStaleTime)
	cfg.RefreshRetries = parseIntOrDefault("REFRESH_RETRIES", cache.DefaultRetries)
	cfg.RefreshBackoff = parseDurationOrDefault("REFRESH_BACKOFF", cache.DefaultBackoff)
	cfg.CommitRetries = parseIntOrDefault("COMMIT_RETRIES", 0)

	// Rate limiting
	cfg.RemoteLimit = ratelimit.Config{
		RPS:             parseFloat64OrDefault("REMOTE_RPS", ratelimit.DefaultConfig.RPS),
		Burst:           parseIntOrDefault("REMOTE_BURST", ratelimit.DefaultConfig.Burst),
		CleanupInterval: parseDurationOrDefault("RATE_LIMIT_CLEANUP_INTERVAL", time.Hour),
	}
	cfg.APILimit = ratelimit.Config{
		RPS:             parseFloat64OrDefault("API_RPS", 20),
		Burst:           parseIntOrDefault("API_BURST", 40),
		CleanupInterval: parseDurationOrDefault("RATE_LIMIT_CLEANUP_INTERVAL", time.Hour),
	}

	cfg.ExportLinkTTL = parseDurationOrDefault("EXPORT_LINK_TTL", 15*time.Minute)

	// S3 storage (AWS_ env vars)
	cfg.AWSEndpointS3 = strings.TrimSpace(os.Getenv("AWS_ENDPOINT_URL_S3"))
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", defaultS3Region)
	cfg.AWSAccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	cfg.AWSSecretAccessKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))
	cfg.AWSBucketName = strings.TrimSpace(os.Getenv("BUCKET_NAME"))

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
// S3 credentials are required unless --no-s3 is set.
func (c *Config) Validate() error {
	var errs []string

	if !c.NoS3 {
		if c.AWSEndpointS3 == "" {
			errs = append(errs, "AWS_ENDPOINT_URL_S3 is required (set env var or use --no-s3)")
		}
		if c.AWSBucketName == "" {
			errs = append(errs, "BUCKET_NAME is required (set env var or use --no-s3)")
		}
		if c.AWSAccessKeyID == "" {
			errs = append(errs, "AWS_ACCESS_KEY_ID is required (set env var or use --no-s3)")
		}
		if c.AWSSecretAccessKey == "" {
			errs = append(errs, "AWS_SECRET_ACCESS_KEY is required (set env var or use --no-s3)")
		}
	}

	if c.DatabasePath == "" {
		errs = append(errs, "DATABASE_PATH must not be empty")
	}
	if c.MasterKey != "" {
		if len(c.MasterKey) != 64 {
			errs = append(errs, "MASTER_KEY must be 64 hex characters (generate with: openssl rand -hex 32)")
		} else if _, err := hex.DecodeString(c.MasterKey); err != nil {
			errs = append(errs, "MASTER_KEY must be hex encoded")
		}
	}

	if c.StaleTime <= 0 {
		errs = append(errs, "STALE_TIME must be positive")
	}
	if c.SearchStaleTime <= 0 {
		errs = append(errs, "SEARCH_STALE_TIME must be positive")
	}
	if c.RefreshRetries < 0 {
		errs = append(errs, "REFRESH_RETRIES must not be negative")
	}
	if c.CommitRetries < 0 {
		errs = append(errs, "COMMIT_RETRIES must not be negative")
	}

	// Validate rate limit config
	if c.RemoteLimit.RPS <= 0 {
		errs = append(errs, "REMOTE_RPS must be positive")
	}
	if c.RemoteLimit.Burst <= 0 {
		errs = append(errs, "REMOTE_BURST must be positive")
	}
	if c.APILimit.RPS <= 0 {
		errs = append(errs, "API_RPS must be positive")
	}
	if c.APILimit.Burst <= 0 {
		errs = append(errs, "API_BURST must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// MasterKeyBytes decodes MasterKey. It returns nil for a plaintext store.
func (c *Config) MasterKeyBytes() []byte {
	if c.MasterKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.MasterKey)
	if err != nil {
		return nil
	}
	return key
}

// S3 returns the export storage settings.
func (c *Config) S3() s3client.Config {
	return s3client.Config{
		Endpoint:        c.AWSEndpointS3,
		Region:          c.AWSRegion,
		AccessKeyID:     c.AWSAccessKeyID,
		SecretAccessKey: c.AWSSecretAccessKey,
		BucketName:      c.AWSBucketName,
	}
}

// PrintStartupSummary prints a human-readable summary of the configuration to stderr.
func (c *Config) PrintStartupSummary() {
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "notebook-sync server starting...")

	if c.MasterKey == "" {
		fmt.Fprintf(os.Stderr, "  Store:   %s (plaintext)\n", c.DatabasePath)
	} else {
		fmt.Fprintf(os.Stderr, "  Store:   %s (encrypted, key wrapped by MASTER_KEY)\n", c.DatabasePath)
	}

	if c.NoS3 {
		fmt.Fprintln(os.Stderr, "  Exports: Mock S3 (--no-s3)")
	} else {
		fmt.Fprintf(os.Stderr, "  Exports: S3 (endpoint: %s, bucket: %s)\n", c.AWSEndpointS3, c.AWSBucketName)
	}

	fmt.Fprintf(os.Stderr, "  Cache:   stale after %s, search %s, %d refresh retries\n", c.StaleTime, c.SearchStaleTime, c.RefreshRetries)
	fmt.Fprintf(os.Stderr, "  Remote:  %.0f req/s per collection, burst %d\n", c.RemoteLimit.RPS, c.RemoteLimit.Burst)
	fmt.Fprintf(os.Stderr, "  Listen:  %s\n", c.ListenAddr)
	fmt.Fprintln(os.Stderr, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// MustLoadConfig loads configuration and panics if validation fails.
// Use this in main() when you want the application to fail fast on bad config.
func MustLoadConfig(noS3 bool, addr string) *Config {
	cfg, err := LoadConfig(noS3, addr)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			panic(fmt.Sprintf("Configuration validation failed:\n  - %s", strings.Join(validationErr.Errors, "\n  - ")))
		}
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
