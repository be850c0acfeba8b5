package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	NatsHost string
	NatsPort string

	ApiPort    string
	ApiEnabled string

	AtomicMaxRetries int
	RetryBaseMS      int
}

// New loads and validates configuration from environment variables.
// The database is required. Redis and NATS are optional: leaving the host
// empty disables the balance cache and the event/command transports.
// The HTTP server is optional as well: if DEBTORD_API_ENABLED != "true",
// ApiAddr() returns an error and the server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:           os.Getenv("DEBTORD_POSTGRES_USER"),
		DBPass:           os.Getenv("DEBTORD_POSTGRES_PASSWORD"),
		DBHost:           os.Getenv("DEBTORD_POSTGRES_HOST"),
		DBPort:           os.Getenv("DEBTORD_POSTGRES_PORT"),
		DBName:           os.Getenv("DEBTORD_POSTGRES_DB"),
		SSLMode:          os.Getenv("DEBTORD_POSTGRES_SSLMODE"),
		RedisHost:        os.Getenv("DEBTORD_REDIS_HOST"),
		RedisPort:        os.Getenv("DEBTORD_REDIS_PORT"),
		NatsHost:         os.Getenv("DEBTORD_NATS_HOST"),
		NatsPort:         os.Getenv("DEBTORD_NATS_PORT"),
		ApiPort:          os.Getenv("DEBTORD_API_PORT"),
		ApiEnabled:       os.Getenv("DEBTORD_API_ENABLED"),
		AtomicMaxRetries: getEnvInt("DEBTORD_ATOMIC_MAX_RETRIES", 20),
		RetryBaseMS:      getEnvInt("DEBTORD_RETRY_BASE_MS", 10),
	}

	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: DEBTORD_POSTGRES_USER/HOST/DB/SSLMODE")
	}
	if cfg.RedisHost != "" && cfg.RedisPort == "" {
		return nil, fmt.Errorf("DEBTORD_REDIS_PORT is required when DEBTORD_REDIS_HOST is set")
	}
	if cfg.NatsHost != "" && cfg.NatsPort == "" {
		return nil, fmt.Errorf("DEBTORD_NATS_PORT is required when DEBTORD_NATS_HOST is set")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisEnabled() bool { return c.RedisHost != "" }

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsEnabled() bool { return c.NatsHost != "" }

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("DEBTORD_API_PORT is required when DEBTORD_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (DEBTORD_API_ENABLED != true)")
}

func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMS) * time.Millisecond
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	// A negative retry cap or backoff would sign-convert into a huge
	// value downstream; fall back to the default instead.
	if intVal < 0 {
		return defaultVal
	}
	return intVal
}
