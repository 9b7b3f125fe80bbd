package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/CrowderSoup/taskboard/database"
)

const devJWTSecret = "taskboard-dev-secret"

type Config struct {
	Port            string
	DatabaseDriver  string
	DatabaseURL     string
	JWTSecret       string
	TokenTTL        time.Duration
	CORSOrigins     []string
	RedisURL        string
	RedisChannel    string
	RepairSchedule  string
	MaxRetries      int
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// LoadConfig reads the configuration from the environment.
// The development JWT secret is only filled in for the memory driver.
func LoadConfig() Config {
	driver := getenv("DATABASE_DRIVER", database.DriverSQLite)
	secret := getenv("JWT_SECRET", "")
	if secret == "" && driver == database.DriverMemory {
		secret = devJWTSecret
	}
	return Config{
		Port:            getenv("PORT", "3001"),
		DatabaseDriver:  driver,
		DatabaseURL:     getenv("DATABASE_URL", "./taskboard.db"),
		JWTSecret:       secret,
		TokenTTL:        time.Duration(getenvInt("JWT_TTL_HOURS", 168)) * time.Hour,
		CORSOrigins:     splitList(getenv("CORS_ORIGINS", "*")),
		RedisURL:        getenv("REDIS_URL", ""),
		RedisChannel:    getenv("REDIS_CHANNEL", "taskboard:events"),
		RepairSchedule:  getenv("REPAIR_SCHEDULE", "@every 10m"),
		MaxRetries:      getenvInt("BOARD_MAX_RETRIES", 5),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogFormat:       getenv("LOG_FORMAT", "text"),
		ShutdownTimeout: time.Duration(getenvInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

func (c Config) Validate() error {
	switch c.DatabaseDriver {
	case database.DriverSQLite, database.DriverPostgres, database.DriverMemory:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.DatabaseDriver != database.DriverMemory && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.JWTSecret == devJWTSecret && c.DatabaseDriver != database.DriverMemory {
		return errors.New("JWT_SECRET must not be the development secret outside the memory driver")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("BOARD_MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if len(c.CORSOrigins) == 0 {
		return errors.New("CORS_ORIGINS must name at least one origin")
	}
	return nil
}

// LoadEnv loads environment variables from a .env file. A missing file is
// not an error, and variables already set in the environment win.
func LoadEnv(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		// Split on the first equals sign
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}

	return scanner.Err()
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
