package database

import (
	"os"
	"strconv"
	"time"
)

// ConfigFromEnv builds a Config around the given connection string, with
// pool tuning read from DB_* environment variables.
func ConfigFromEnv(url string) Config {
	return Config{
		URL:             url,
		MaxOpenConns:    intEnv("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    intEnv("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func intEnv(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return def
	}
	return val
}
