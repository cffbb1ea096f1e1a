package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the agent and the dev auth server.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Session  SessionConfig
	Upstream UpstreamConfig
	DevAuth  DevAuthConfig
	Notify   NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// Store backends accepted by SESSION_STORE.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// SessionConfig tunes the credential lifecycle.
type SessionConfig struct {
	Store                string
	StoreKey             string
	FileDir              string
	SafetyMarginSeconds  int
	LeadTimeSeconds      int
	RefreshTimeoutSecond int
	CoalesceWindowMillis int
}

// UpstreamConfig points at the journal API.
type UpstreamConfig struct {
	AuthURL string
	APIURL  string
}

// DevAuthConfig configures the development auth server.
type DevAuthConfig struct {
	Host                  string
	Port                  string
	JWTSecret             string
	AccessTokenTTLSeconds int
	RefreshGraceSeconds   int
	BcryptCost            int
	// Users is a comma separated list of username:password:role[:departmentId].
	Users string
}

// NotificationConfig holds stub notification endpoints.
type NotificationConfig struct {
	WebhookURL string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	store := strings.ToLower(getEnv("SESSION_STORE", StoreMemory))
	switch store {
	case StoreMemory, StoreFile, StoreRedis, StorePostgres:
	default:
		return nil, fmt.Errorf("invalid SESSION_STORE %q", store)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "journal-session-agent"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "127.0.0.1"),
			Port:                  getEnv("APP_PORT", "7070"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 4)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 1)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Session: SessionConfig{
			Store:                store,
			StoreKey:             getEnv("SESSION_STORE_KEY", "auth_session"),
			FileDir:              getEnv("SESSION_FILE_DIR", defaultFileDir()),
			SafetyMarginSeconds:  getEnvAsInt("SESSION_SAFETY_MARGIN_SECONDS", 30),
			LeadTimeSeconds:      getEnvAsInt("SESSION_LEAD_TIME_SECONDS", 60),
			RefreshTimeoutSecond: getEnvAsInt("SESSION_REFRESH_TIMEOUT_SECONDS", 10),
			CoalesceWindowMillis: getEnvAsInt("SESSION_COALESCE_WINDOW_MS", 50),
		},
		Upstream: UpstreamConfig{
			AuthURL: strings.TrimRight(getEnv("UPSTREAM_AUTH_URL", "http://127.0.0.1:8080"), "/"),
			APIURL:  strings.TrimRight(getEnv("UPSTREAM_API_URL", "http://127.0.0.1:8080"), "/"),
		},
		DevAuth: DevAuthConfig{
			Host:                  getEnv("DEVAUTH_HOST", "127.0.0.1"),
			Port:                  getEnv("DEVAUTH_PORT", "8080"),
			JWTSecret:             getEnv("DEVAUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLSeconds: getEnvAsInt("DEVAUTH_ACCESS_TOKEN_TTL_SECONDS", 900),
			RefreshGraceSeconds:   getEnvAsInt("DEVAUTH_REFRESH_GRACE_SECONDS", 3600),
			BcryptCost:            getEnvAsInt("DEVAUTH_BCRYPT_COST", 10),
			Users:                 getEnv("DEVAUTH_USERS", "admin:admin:admin,editor:editor:editor:cardiology"),
		},
		Notify: NotificationConfig{
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// SafetyMargin is the lead before literal expiry at which a credential counts as invalid.
func (s SessionConfig) SafetyMargin() time.Duration {
	return time.Duration(s.SafetyMarginSeconds) * time.Second
}

// LeadTime is how long before expiry the scheduler fires.
func (s SessionConfig) LeadTime() time.Duration {
	return time.Duration(s.LeadTimeSeconds) * time.Second
}

// RefreshTimeout bounds a single network refresh.
func (s SessionConfig) RefreshTimeout() time.Duration {
	if s.RefreshTimeoutSecond <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.RefreshTimeoutSecond) * time.Second
}

// CoalesceWindow is the burst window for remote change notifications.
func (s SessionConfig) CoalesceWindow() time.Duration {
	if s.CoalesceWindowMillis < 0 {
		return 0
	}
	return time.Duration(s.CoalesceWindowMillis) * time.Millisecond
}

// Addr returns the dev auth server bind address.
func (d DevAuthConfig) Addr() string {
	return fmt.Sprintf("%s:%s", d.Host, d.Port)
}

func defaultFileDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".journal-session"
	}
	return dir + string(os.PathSeparator) + "journal-tracker" + string(os.PathSeparator) + "session"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
