package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/logging"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	QueueStore     string
	Redis          RedisConfig
	History        HistoryConfig
	ICEConfigPath  string
	LogLevel       logging.LogLevel
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// HistoryConfig selects the call-history database. An empty Driver disables history.
type HistoryConfig struct {
	Driver string
	DSN    string
}

// ClientConfig configures supportctl, one side of a support call.
type ClientConfig struct {
	RelayURL          string
	Role              string
	ID                string
	Name              string
	ConnectTimeout    time.Duration
	ICEGrace          time.Duration
	ReconnectTimeout  time.Duration
	ReconnectAttempts int
	MediaTimeout      time.Duration
	RingInterval      time.Duration
	LogLevel          logging.LogLevel
}

const (
	RoleUser       = "user"
	RoleTechnician = "technician"
)

// Load reads the relay configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	redisDB, err := getInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		QueueStore:     getEnv("QUEUE_STORE", "memory"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		History: HistoryConfig{
			Driver: getEnv("HISTORY_DRIVER", ""),
			DSN:    getEnv("HISTORY_DSN", ""),
		},
		ICEConfigPath: getEnv("ICE_CONFIG", ""),
		LogLevel:      parseLogLevel(getEnv("LOG_LEVEL", "info")),
	}

	switch cfg.QueueStore {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("QUEUE_STORE must be memory or redis, got %q", cfg.QueueStore)
	}
	switch cfg.History.Driver {
	case "":
	case "postgres", "sqlite":
		if cfg.History.DSN == "" {
			return nil, fmt.Errorf("HISTORY_DSN is required when HISTORY_DRIVER is set")
		}
	default:
		return nil, fmt.Errorf("HISTORY_DRIVER must be postgres or sqlite, got %q", cfg.History.Driver)
	}

	return cfg, nil
}

// LoadClient reads the supportctl configuration. Environment variables take
// precedence over .env values.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		RelayURL: getEnv("RELAY_URL", ""),
		Role:     getEnv("SUPPORT_ROLE", RoleUser),
		ID:       getEnv("SUPPORT_ID", ""),
		Name:     getEnv("SUPPORT_NAME", "Need-for-support"),
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "info")),
	}
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("RELAY_URL environment variable is required")
	}
	if cfg.Role != RoleUser && cfg.Role != RoleTechnician {
		return nil, fmt.Errorf("SUPPORT_ROLE must be %s or %s, got %q", RoleUser, RoleTechnician, cfg.Role)
	}

	var err error
	if cfg.ConnectTimeout, err = getDuration("CONNECT_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.ICEGrace, err = getDuration("ICE_GRACE", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectTimeout, err = getDuration("RECONNECT_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.MediaTimeout, err = getDuration("MEDIA_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RingInterval, err = getDuration("RING_INTERVAL", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectAttempts, err = getInt("RECONNECT_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.ReconnectAttempts < 1 {
		return nil, fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

// LoggerFactory builds the pion logger factory shared by the domain packages.
func LoggerFactory(level logging.LogLevel) logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = level
	return f
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func parseLogLevel(s string) logging.LogLevel {
	switch strings.ToLower(s) {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	case "disabled", "off":
		return logging.LogLevelDisabled
	}
	return logging.LogLevelInfo
}
