package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"secrets-hub/pkg/secrets"
)

// HistoryStore persists one row per published secrets snapshot. Only key
// names are stored, never values.
type HistoryStore struct {
	DB *sql.DB
}

// RefreshRecord is a stored snapshot publication.
type RefreshRecord struct {
	Generation uint64
	FetchedAt  time.Time
	KeyCount   int
	Added      []string
	Removed    []string
	Updated    []string
}

// NewHistoryStore creates a new HistoryStore.
func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{DB: db}
}

// EnsureSchema initializes the secrets_refresh_history table and a TimescaleDB hypertable if available.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS secrets_refresh_history (
		fetched_at TIMESTAMPTZ NOT NULL,
		secret_path TEXT NOT NULL,
		generation BIGINT NOT NULL,
		key_count INTEGER NOT NULL,
		added JSONB NOT NULL,
		removed JSONB NOT NULL,
		updated JSONB NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("schema_init_failed: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, "SELECT create_hypertable('secrets_refresh_history', 'fetched_at', if_not_exists => true);")
	if err != nil {
		slog.Info("hypertable_check", "status", "skipped_or_failed", "detail", err)
	}
	return nil
}

// RecordRefresh stores a published change for path.
func (s *HistoryStore) RecordRefresh(ctx context.Context, path string, change secrets.Change) error {
	added, err := marshalKeys(change.Added)
	if err != nil {
		return err
	}
	removed, err := marshalKeys(change.Removed)
	if err != nil {
		return err
	}
	updated, err := marshalKeys(change.Updated)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO secrets_refresh_history (fetched_at, secret_path, generation, key_count, added, removed, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		change.FetchedAt, path, int64(change.Generation), change.Snapshot.Len(), added, removed, updated,
	)
	if err != nil {
		return fmt.Errorf("record_refresh_failed: %w", err)
	}
	return nil
}

// Recent returns the latest limit records for path, newest first.
func (s *HistoryStore) Recent(ctx context.Context, path string, limit int) ([]RefreshRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT generation, fetched_at, key_count, added, removed, updated
		FROM secrets_refresh_history
		WHERE secret_path = $1
		ORDER BY fetched_at DESC
		LIMIT $2`,
		path, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query_history_failed: %w", err)
	}
	defer rows.Close()

	var out []RefreshRecord
	for rows.Next() {
		var r RefreshRecord
		var generation int64
		var added, removed, updated []byte
		if err := rows.Scan(&generation, &r.FetchedAt, &r.KeyCount, &added, &removed, &updated); err != nil {
			return nil, fmt.Errorf("scan_history_failed: %w", err)
		}
		r.Generation = uint64(generation)
		if err := unmarshalKeys(added, &r.Added); err != nil {
			return nil, err
		}
		if err := unmarshalKeys(removed, &r.Removed); err != nil {
			return nil, err
		}
		if err := unmarshalKeys(updated, &r.Updated); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func marshalKeys(keys []string) ([]byte, error) {
	if keys == nil {
		keys = []string{}
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keys: %w", err)
	}
	return b, nil
}

func unmarshalKeys(raw []byte, out *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal keys: %w", err)
	}
	return nil
}
