// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds all server-related settings
type ServerConfig struct {
	Port           int
	Host           string
	MetricsEnabled bool
	RateLimit      int // writes per identity per minute, 0 disables
}

// StoreConfig selects and configures the document store
type StoreConfig struct {
	Type string // "memory" or "mongo"
	URI  string
	Name string
}

// ForumConfig holds the behaviour of the forum core
type ForumConfig struct {
	VoteMaxRetries   int
	ReplyCountPolicy string
	CascadeReplies   bool
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type MediaConfig struct {
	CloudinaryURL string
	Dir           string
}

type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}

// Config holds the complete application configuration
type Config struct {
	Server         *ServerConfig
	Store          *StoreConfig
	Forum          *ForumConfig
	Auth           *AuthConfig
	Media          *MediaConfig
	Log            *LogConfig
	AllowedOrigins []string
	Debug          bool
}

// DefaultConfig provides default server settings
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Port:           8080,
		Host:           "0.0.0.0",
		MetricsEnabled: true,
		RateLimit:      120,
	}
}

// DefaultStoreConfig provides default store settings
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Type: "memory",
		Name: "forum",
	}
}

// LoadConfig loads configuration from environment variables and applies defaults
func LoadConfig() (*Config, error) {
	// Try to load .env file from multiple possible locations
	envLocations := []string{
		".env",       // Current directory
		"../../.env", // Project root when running from cmd/forumd
	}
	for _, location := range envLocations {
		if err := godotenv.Load(location); err == nil {
			break
		}
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*Config, error) {
	var errs []error

	serverConfig := DefaultConfig()
	serverConfig.Port = envInt("PORT", serverConfig.Port, &errs)
	serverConfig.Host = getEnvOrDefault("HOST", serverConfig.Host)
	serverConfig.MetricsEnabled = envBool("METRICS_ENABLED", serverConfig.MetricsEnabled, &errs)
	serverConfig.RateLimit = envInt("RATE_LIMIT_PER_MINUTE", serverConfig.RateLimit, &errs)

	storeConfig := DefaultStoreConfig()
	storeConfig.Type = strings.ToLower(getEnvOrDefault("STORE_TYPE", storeConfig.Type))
	storeConfig.URI = os.Getenv("MONGODB_URI")
	storeConfig.Name = getEnvOrDefault("DB_NAME", storeConfig.Name)
	switch storeConfig.Type {
	case "memory":
	case "mongo":
		if storeConfig.URI == "" {
			errs = append(errs, errors.New("MONGODB_URI is required when STORE_TYPE is mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_TYPE %q", storeConfig.Type))
	}

	config := &Config{
		Server: serverConfig,
		Store:  storeConfig,
		Forum: &ForumConfig{
			VoteMaxRetries:   envInt("VOTE_MAX_RETRIES", 5, &errs),
			ReplyCountPolicy: strings.ToLower(getEnvOrDefault("REPLY_COUNT_POLICY", "reconcile")),
			CascadeReplies:   envBool("DELETE_CASCADE_REPLIES", false, &errs),
		},
		Auth: &AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			TokenTTL:  envDuration("TOKEN_TTL", 720*time.Hour, &errs),
		},
		Media: &MediaConfig{
			CloudinaryURL: os.Getenv("CLOUDINARY_URL"),
			Dir:           getEnvOrDefault("MEDIA_DIR", "./uploads"),
		},
		Log: &LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "text"),
		},
		AllowedOrigins: []string{"*"}, // Default to allow all origins
		Debug:          envBool("DEBUG", false, &errs),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = nil
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, origin)
			}
		}
	}

	if config.Forum.VoteMaxRetries < 0 {
		errs = append(errs, errors.New("VOTE_MAX_RETRIES must not be negative"))
	}
	switch config.Forum.ReplyCountPolicy {
	case "none", "retry", "reconcile":
	default:
		errs = append(errs, fmt.Errorf("unknown REPLY_COUNT_POLICY %q", config.Forum.ReplyCountPolicy))
	}

	if config.Auth.JWTSecret == "" {
		if !config.Debug {
			errs = append(errs, errors.New("JWT_SECRET environment variable is required unless DEBUG is true"))
		} else {
			config.Auth.JWTSecret = "anon-forum-debug-secret"
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return config, nil
}

// Address returns the HTTP listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper function to get environment variable with default fallback
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, def int, errs *[]error) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func envBool(key string, def bool, errs *[]error) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
