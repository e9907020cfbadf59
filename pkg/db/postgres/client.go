package postgres

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"unicode"

	"secrets-hub/pkg/secrets"

	_ "github.com/lib/pq"
)

// Internal variables for testing
var (
	sqlOpen = sql.Open
)

// Keys read from the secrets snapshot. Nested KV values are flattened with ':'.
const (
	KeyHost     = "postgres:host"
	KeyPort     = "postgres:port"
	KeyUser     = "postgres:user"
	KeyDBName   = "postgres:dbname"
	KeyPassword = "postgres:password"
)

// ConnectPostgres establishes a connection to PostgreSQL and verifies it with a Ping.
// Credentials come from the secrets snapshot with env fallbacks.
func ConnectPostgres(driverName string, lookup secrets.Lookup) (*sql.DB, error) {
	dsn, err := GetPostgresDSN(lookup)
	if err != nil {
		return nil, err
	}

	db, err := sqlOpen(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// GetPostgresDSN constructs the DSN from the snapshot.
func GetPostgresDSN(lookup secrets.Lookup) (string, error) {
	// 1. Priority: DATABASE_URL (for local dev/testing override)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn, nil
	}

	host := lookup.Lookup(KeyHost, getEnv("DB_HOST", "localhost"))
	port := lookup.Lookup(KeyPort, getEnv("DB_PORT", "5432"))
	user := lookup.Lookup(KeyUser, getEnv("DB_USER", "secrets"))
	dbname := lookup.Lookup(KeyDBName, getEnv("DB_NAME", "secrets_hub"))
	password := lookup.Lookup(KeyPassword, os.Getenv("DB_PASSWORD"))

	if host == "" || user == "" || dbname == "" || password == "" {
		return "", fmt.Errorf("missing required database credentials (host, user, dbname, or password)")
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable timezone=UTC",
		dsnValue(host), dsnValue(port), dsnValue(user), dsnValue(password), dsnValue(dbname),
	), nil
}

var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// dsnValue quotes v for a libpq keyword=value string when it holds
// whitespace, a quote or a backslash.
func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, `'\`) && !strings.ContainsFunc(v, unicode.IsSpace) {
		return v
	}
	return "'" + dsnEscaper.Replace(v) + "'"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
