package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"secrets-hub/pkg/db/postgres"
	"secrets-hub/pkg/secrets"
	"secrets-hub/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const historyLimit = 10

type statusSource interface {
	Status() secrets.Status
	Snapshot() *secrets.Snapshot
}

type agentSource interface {
	statusSource
	reloader
}

type historySource interface {
	Recent(ctx context.Context, path string, limit int) ([]postgres.RefreshRecord, error)
}

type healthResponse struct {
	Status     string `json:"status"`
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
}

type statusResponse struct {
	State         string         `json:"state"`
	Generation    uint64         `json:"generation"`
	FetchedAt     *time.Time     `json:"fetched_at,omitempty"`
	LastAttempt   *time.Time     `json:"last_attempt,omitempty"`
	Stale         bool           `json:"stale"`
	Keys          []string       `json:"keys"`
	LastError     string         `json:"last_error,omitempty"`
	LastErrorKind string         `json:"last_error_kind,omitempty"`
	History       []historyEntry `json:"history,omitempty"`
	HistoryError  string         `json:"history_error,omitempty"`
}

type historyEntry struct {
	Generation uint64    `json:"generation"`
	FetchedAt  time.Time `json:"fetched_at"`
	Keys       int       `json:"keys"`
	Added      []string  `json:"added"`
	Removed    []string  `json:"removed"`
	Updated    []string  `json:"updated"`
}

func newRouter(src agentSource, history *postgres.HistoryStore, path string) http.Handler {
	var hs historySource
	if history != nil {
		hs = history
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", WithLogging(healthHandler(src)))
	mux.HandleFunc("/api/status", WithLogging(statusHandler(src, hs, path)))
	mux.HandleFunc("/api/reload", WithLogging(reloadHandler(src, path)))
	mux.Handle("/metrics", promhttp.HandlerFor(newRegistry(src), promhttp.HandlerOpts{}))
	return mux
}

func healthHandler(src statusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := src.Status()
		resp := healthResponse{Status: "healthy", State: st.State.String(), Generation: st.Generation}
		code := http.StatusOK

		switch {
		case st.State != secrets.StateReady:
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		case st.Stale:
			resp.Status = "degraded"
		}

		writeJSON(w, code, resp)
	}
}

func statusHandler(src statusSource, history historySource, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := src.Status()
		resp := statusResponse{
			State:       st.State.String(),
			Generation:  st.Generation,
			FetchedAt:   timePtr(st.FetchedAt),
			LastAttempt: timePtr(st.LastAttempt),
			Stale:       st.Stale,
			Keys:        src.Snapshot().Keys(),
		}
		if resp.Keys == nil {
			resp.Keys = []string{}
		}
		if st.LastError != nil {
			resp.LastError = st.LastError.Error()
			resp.LastErrorKind = secrets.KindOf(st.LastError).String()
		}

		if history != nil {
			records, err := history.Recent(r.Context(), path, historyLimit)
			if err != nil {
				slog.Warn("history_query_failed", "error", err)
				resp.HistoryError = err.Error()
			}
			for _, rec := range records {
				resp.History = append(resp.History, historyEntry{
					Generation: rec.Generation,
					FetchedAt:  rec.FetchedAt,
					Keys:       rec.KeyCount,
					Added:      rec.Added,
					Removed:    rec.Removed,
					Updated:    rec.Updated,
				})
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response_encode_failed", "error", err)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// WithLogging logs one line per request.
func WithLogging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		args := []any{
			"http_method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote_ip", r.RemoteAddr,
			"duration", time.Since(start).String(),
		}
		if id := telemetry.TraceID(r.Context()); id != "" {
			args = append(args, "trace_id", id)
		}
		slog.Info("request_processed", args...)
	}
}
