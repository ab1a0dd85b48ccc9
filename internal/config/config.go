package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ticketgate server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Ledger   LedgerConfig
	Jobs     JobsConfig
	Runner   RunnerConfig
	Products ProductsConfig
	History  HistoryConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	AllowedOrigins     []string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	SQLitePath      string
	MigrationsDir   string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional. Without a URL the server runs with no rate
// limiting and no terminal payload cache.
type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

type LedgerConfig struct {
	SignupBonus int64
}

type JobsConfig struct {
	CancelConfirmAttempts int
	CancelConfirmBackoff  time.Duration
	PayloadCacheTTL       time.Duration
}

type RunnerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type ProductsConfig struct {
	File string
}

type HistoryConfig struct {
	BufferSize   int
	WriteTimeout time.Duration
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("TICKETGATE_PORT", 8080),
			Env:                envString("TICKETGATE_ENV", "development"),
			AllowedOrigins:     envList("CORS_ALLOWED_ORIGINS"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("AUTH_JWT_SECRET"),
			Issuer:    os.Getenv("AUTH_JWT_ISSUER"),
			Audience:  envString("AUTH_JWT_AUDIENCE", "authenticated"),
		},
		Ledger: LedgerConfig{
			SignupBonus: int64(envInt("SIGNUP_BONUS", 5)),
		},
		Jobs: JobsConfig{
			CancelConfirmAttempts: envInt("CANCEL_CONFIRM_ATTEMPTS", 3),
			CancelConfirmBackoff:  envDuration("CANCEL_CONFIRM_BACKOFF", time.Second),
			PayloadCacheTTL:       envDuration("JOB_PAYLOAD_CACHE_TTL", 24*time.Hour),
		},
		Runner: RunnerConfig{
			BaseURL: envString("RUNNER_BASE_URL", "https://api.runpod.ai/v2"),
			APIKey:  os.Getenv("RUNNER_API_KEY"),
			Timeout: envDurationSecs("RUNNER_TIMEOUT_SECS", 90*time.Second),
		},
		Products: ProductsConfig{
			File: os.Getenv("PRODUCTS_FILE"),
		},
		History: HistoryConfig{
			BufferSize:   envInt("HISTORY_BUFFER_SIZE", 256),
			WriteTimeout: envDuration("HISTORY_WRITE_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase reads only the database section, for tools that need the
// ledger store but none of the server's other dependencies.
func LoadDatabase() (DatabaseConfig, error) {
	db := databaseFromEnv()
	return db, db.validate()
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		Driver:          envString("STORE_DRIVER", "postgres"),
		URL:             os.Getenv("DATABASE_URL"),
		SQLitePath:      envString("SQLITE_PATH", "ticketgate.db"),
		MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func (d DatabaseConfig) validate() error {
	if !validDrivers[d.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, sqlite, memory; got %q", d.Driver)
	}
	if d.Driver == "postgres" && d.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.Database.validate(); err != nil {
		return err
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}

	if c.Runner.APIKey == "" {
		return fmt.Errorf("RUNNER_API_KEY is required")
	}
	if !strings.HasPrefix(c.Runner.BaseURL, "http://") && !strings.HasPrefix(c.Runner.BaseURL, "https://") {
		return fmt.Errorf("RUNNER_BASE_URL must start with http:// or https://, got %q", c.Runner.BaseURL)
	}

	if c.Ledger.SignupBonus < 0 {
		return fmt.Errorf("SIGNUP_BONUS must not be negative, got %d", c.Ledger.SignupBonus)
	}
	if c.Jobs.CancelConfirmAttempts < 1 {
		return fmt.Errorf("CANCEL_CONFIRM_ATTEMPTS must be at least 1, got %d", c.Jobs.CancelConfirmAttempts)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
