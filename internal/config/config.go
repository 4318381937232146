// Package config loads the process-wide settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Settings carries all runtime configuration. It is loaded once at
// startup and threaded through constructors; nothing mutates it after
// Load returns.
type Settings struct {
	DatabaseURL       string
	RedisURL          string
	MinDate           time.Time
	MaxDate           time.Time // zero means no upper bound
	KeepDownloads     bool
	IgnoredValuesPath string
	CacheDir          string
	RetentionDays     int
	PollInterval      time.Duration
}

// Load reads settings from the environment, after sourcing a .env file
// if one is present in the working directory.
func Load() (*Settings, error) {
	godotenv.Load()

	s := &Settings{
		DatabaseURL:       getEnv("DATABASE_URL", "postgres://localhost/skylight"),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		MinDate:           time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
		IgnoredValuesPath: getEnv("IGNORED_VALUES_PATH", "static/ignored_values.yml"),
		CacheDir:          getEnv("CACHE_DIR", defaultCacheDir()),
		RetentionDays:     30,
		PollInterval:      time.Minute,
	}

	var err error
	if v := os.Getenv("MIN_DATE"); v != "" {
		if s.MinDate, err = parseDate(v); err != nil {
			return nil, fmt.Errorf("invalid MIN_DATE: %w", err)
		}
	}
	if v := os.Getenv("MAX_DATE"); v != "" {
		if s.MaxDate, err = parseDate(v); err != nil {
			return nil, fmt.Errorf("invalid MAX_DATE: %w", err)
		}
	}
	if v := os.Getenv("KEEP_DOWNLOADS"); v != "" {
		s.KeepDownloads = v == "1" || v == "true"
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		if s.RetentionDays, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid RETENTION_DAYS: %w", err)
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if s.PollInterval, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL: %w", err)
		}
	}
	return s, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return dir + "/skylight"
}

// parseDate accepts RFC 3339 timestamps as well as bare YYYY-MM-DD
// dates. Inputs without a zone are interpreted as UTC.
func parseDate(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}
