package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                   int
	DBDSN                  string
	JWTSecret              string
	RedisAddr              string
	CORSOrigins            []string
	LogLevel               string
	MaxParticipantsPerRoom int
}

// Load reads configuration from the environment. Call godotenv.Load first
// if a .env file should be honoured.
func Load() Config {
	return Config{
		Port:                   getEnvInt("APP_PORT", 8080),
		DBDSN:                  os.Getenv("DB_DSN"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		RedisAddr:              strings.TrimPrefix(os.Getenv("REDIS_ADDR"), "redis://"),
		CORSOrigins:            splitList(getEnv("CORS_ORIGINS", "*")),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		MaxParticipantsPerRoom: getEnvInt("MAX_PARTICIPANTS_PER_ROOM", DefaultMaxParticipantsPerRoom),
	}
}

// Validate reports missing required settings.
func (c Config) Validate() error {
	var errs []error
	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.MaxParticipantsPerRoom < 2 {
		errs = append(errs, errors.New("MAX_PARTICIPANTS_PER_ROOM must be at least 2"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
