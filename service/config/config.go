package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Redis configuration; empty keeps the caches in process
	RedisURL string

	// Solana configuration
	SolanaRPCURL       string // comma-separated endpoints are allowed
	SolanaRPCRateLimit float64

	// Collaborators
	SignerURL      string
	SignerAPIKey   string
	PolicyURL      string
	PolicyAPIKey   string
	RelayURL       string
	GaslessEnabled bool
	HTTPTimeout    time.Duration

	// Cache configuration
	BlockhashTTL   time.Duration
	PriorityFeeTTL time.Duration

	// Pipeline configuration
	MaxRetries               int
	SubmitMaxAttempts        int
	ConfirmationCommitment   string
	ConfirmationTimeout      time.Duration
	ConfirmationPollInterval time.Duration

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Recovery configuration
	RecoveryInterval   time.Duration
	RecoveryStaleAfter time.Duration
	ApprovalTTL        time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"HTTP_CLIENT_TIMEOUT", "10s", &cfg.HTTPTimeout},
		{"BLOCKHASH_TTL", "500ms", &cfg.BlockhashTTL},
		{"PRIORITY_FEE_TTL", "2s", &cfg.PriorityFeeTTL},
		{"CONFIRMATION_TIMEOUT", "60s", &cfg.ConfirmationTimeout},
		{"CONFIRMATION_POLL_INTERVAL", "1s", &cfg.ConfirmationPollInterval},
		{"RECOVERY_INTERVAL", "1m", &cfg.RecoveryInterval},
		{"RECOVERY_STALE_AFTER", "2m", &cfg.RecoveryStaleAfter},
		{"APPROVAL_TTL", "24h", &cfg.ApprovalTTL},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dest = v
	}

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	rateLimit, err := parseFloat("SOLANA_RPC_RATE_LIMIT", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SolanaRPCRateLimit = rateLimit
	}

	// Collaborators
	cfg.SignerURL = os.Getenv("SIGNER_URL")
	if cfg.SignerURL == "" {
		errs = append(errs, fmt.Errorf("SIGNER_URL is required"))
	}
	cfg.SignerAPIKey = os.Getenv("SIGNER_API_KEY")

	cfg.PolicyURL = os.Getenv("POLICY_URL")
	if cfg.PolicyURL == "" {
		errs = append(errs, fmt.Errorf("POLICY_URL is required"))
	}
	cfg.PolicyAPIKey = os.Getenv("POLICY_API_KEY")

	gasless, err := parseBool("GASLESS_ENABLED", false)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.GaslessEnabled = gasless
	}
	cfg.RelayURL = os.Getenv("RELAY_URL")
	if cfg.GaslessEnabled && cfg.RelayURL == "" {
		errs = append(errs, fmt.Errorf("RELAY_URL is required when GASLESS_ENABLED is true"))
	}

	// Pipeline configuration
	maxRetries, err := parseInt("MAX_RETRIES", 3)
	if err != nil {
		errs = append(errs, err)
	} else if maxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES cannot be negative"))
	} else {
		cfg.MaxRetries = maxRetries
	}

	attempts, err := parseInt("SUBMIT_MAX_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, err)
	} else if attempts < 1 {
		errs = append(errs, fmt.Errorf("SUBMIT_MAX_ATTEMPTS must be at least 1"))
	} else {
		cfg.SubmitMaxAttempts = attempts
	}

	cfg.ConfirmationCommitment = getEnvOrDefault("CONFIRMATION_COMMITMENT", "confirmed")
	if !validCommitment(cfg.ConfirmationCommitment) {
		errs = append(errs, fmt.Errorf("CONFIRMATION_COMMITMENT must be processed, confirmed or finalized, got %q", cfg.ConfirmationCommitment))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "agentpay-recovery")

	if cfg.ConfirmationPollInterval > cfg.ConfirmationTimeout {
		errs = append(errs, fmt.Errorf("CONFIRMATION_POLL_INTERVAL (%v) cannot be greater than CONFIRMATION_TIMEOUT (%v)",
			cfg.ConfirmationPollInterval, cfg.ConfirmationTimeout))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}
	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}
	if c.SignerURL == "" {
		errs = append(errs, fmt.Errorf("SignerURL is required"))
	}
	if c.PolicyURL == "" {
		errs = append(errs, fmt.Errorf("PolicyURL is required"))
	}
	if c.GaslessEnabled && c.RelayURL == "" {
		errs = append(errs, fmt.Errorf("RelayURL is required when gasless is enabled"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MaxRetries cannot be negative"))
	}
	if c.SubmitMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("SubmitMaxAttempts must be at least 1"))
	}
	if !validCommitment(c.ConfirmationCommitment) {
		errs = append(errs, fmt.Errorf("ConfirmationCommitment %q is invalid", c.ConfirmationCommitment))
	}
	if c.ConfirmationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmationTimeout must be positive"))
	}
	if c.ConfirmationPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmationPollInterval must be positive"))
	}
	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}
	if c.RecoveryInterval < time.Second {
		errs = append(errs, fmt.Errorf("RecoveryInterval must be at least 1 second"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func validCommitment(level string) bool {
	switch level {
	case "processed", "confirmed", "finalized":
		return true
	}
	return false
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil || result < 0 {
		return 0, fmt.Errorf("%s: invalid non-negative number %q", key, value)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
