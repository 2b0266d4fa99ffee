package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/iparaskev/hopp/internal/v1/logging"
	"go.uber.org/zap"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	SessionSecret    string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	LiveKitServerURL string
	DatabaseURL      string
	RedisAddr        string
	Port             string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisPassword string

	AllowedOrigins string
	DeployDomain   string
	TLSCertFile    string
	TLSKeyFile     string
	Debug          bool

	// Rate Limits
	RateLimitAPIGlobal string
	RateLimitAPIPublic string
	RateLimitWsIP      string
	RateLimitWsUser    string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: SESSION_SECRET (minimum 32 characters)
	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		errors = append(errors, "SESSION_SECRET is required")
	} else if len(cfg.SessionSecret) < 32 {
		errors = append(errors, fmt.Sprintf("SESSION_SECRET must be at least 32 characters (got %d)", len(cfg.SessionSecret)))
	}

	// Required: LiveKit credentials used to sign media grants
	cfg.LiveKitAPIKey = os.Getenv("LIVEKIT_API_KEY")
	if cfg.LiveKitAPIKey == "" {
		errors = append(errors, "LIVEKIT_API_KEY is required")
	}
	cfg.LiveKitAPISecret = os.Getenv("LIVEKIT_API_SECRET")
	if cfg.LiveKitAPISecret == "" {
		errors = append(errors, "LIVEKIT_API_SECRET is required")
	}

	// Required: LIVEKIT_SERVER_URL (ws:// or wss:// URL handed to clients)
	cfg.LiveKitServerURL = os.Getenv("LIVEKIT_SERVER_URL")
	if cfg.LiveKitServerURL == "" {
		errors = append(errors, "LIVEKIT_SERVER_URL is required")
	} else if u, err := url.Parse(cfg.LiveKitServerURL); err != nil || u.Host == "" {
		errors = append(errors, fmt.Sprintf("LIVEKIT_SERVER_URL must be a valid URL (got '%s')", cfg.LiveKitServerURL))
	}

	// Required: DATABASE_URL (postgres DSN)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required")
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: REDIS_ADDR (format: host:port); the pub/sub bus is not optional,
	// presence is derived from it.
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		errors = append(errors, "REDIS_ADDR is required")
	} else if !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.DeployDomain = os.Getenv("DEPLOY_DOMAIN")
	cfg.TLSCertFile = os.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = os.Getenv("TLS_KEY_FILE")
	cfg.Debug = os.Getenv("DEBUG") == "true"

	// TLS cert and key must be provided together
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		errors = append(errors, "TLS_CERT_FILE and TLS_KEY_FILE must both be set or both be empty")
	}

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	logging.Info(nil, "Environment configuration validated",
		zap.String("session_secret", redactSecret(cfg.SessionSecret)),
		zap.String("livekit_api_key", cfg.LiveKitAPIKey),
		zap.String("livekit_api_secret", redactSecret(cfg.LiveKitAPISecret)),
		zap.String("livekit_server_url", cfg.LiveKitServerURL),
		zap.String("port", cfg.Port),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("debug", cfg.Debug),
		zap.String("rate_limit_api_global", cfg.RateLimitAPIGlobal),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
