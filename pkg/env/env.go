package env

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// DefaultFiles are tried by Load when no paths are given: the working
// directory first, then the repository root as seen from services/<name>/.
var DefaultFiles = []string{".env", "../../.env"}

// Load reads KEY=VALUE files into the process environment. Variables that are
// already set are never overwritten, so earlier files and the real
// environment win. Missing files are skipped.
func Load(paths ...string) {
	if len(paths) == 0 {
		paths = DefaultFiles
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("env_file_unreadable", "file", p, "error", err)
			}
			continue
		}
		slog.Debug("env_file_loaded", "file", p)
	}
}

// Get returns the variable or fallback when unset or empty.
func Get(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Duration parses the variable as a time.Duration, returning fallback when
// it is unset or unparseable.
func Duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("env_duration_invalid", "key", key, "error", err)
		return fallback
	}
	return d
}
