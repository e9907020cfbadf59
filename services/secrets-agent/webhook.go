package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"secrets-hub/pkg/secrets"
	"secrets-hub/pkg/telemetry"
)

const (
	// webhookSecretKey lets the signing key live in the store it reloads.
	webhookSecretKey = "agent:webhook_secret"
	webhookSecretEnv = "SECRETS_AGENT_WEBHOOK_SECRET"
	signatureHeader  = "X-Hub-Signature-256"
	maxReloadBody    = 64 << 10
)

var webhookMeter = telemetry.GetMeter("secrets-agent.webhook")

var (
	webhookMetricsOnce  sync.Once
	webhookMetricsReady bool
	webhookReceived     telemetry.Int64Counter
	webhookErrors       telemetry.Int64Counter
	webhookDuration     telemetry.Int64Histogram
)

type reloader interface {
	Reload(ctx context.Context) error
	Lookup(key, fallback string) string
	Snapshot() *secrets.Snapshot
}

type reloadPayload struct {
	Path string `json:"path"`
}

type reloadResponse struct {
	Status     string `json:"status"`
	Generation uint64 `json:"generation"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

func ensureWebhookMetrics() {
	webhookMetricsOnce.Do(func() {
		var err error
		webhookReceived, err = telemetry.NewInt64Counter(webhookMeter, "secrets_agent.webhook.received.total", "Total reload webhook requests received")
		if err != nil {
			telemetry.Warn("webhook_metric_init_failed", "metric", "secrets_agent.webhook.received.total", "error", err)
			return
		}
		webhookErrors, err = telemetry.NewInt64Counter(webhookMeter, "secrets_agent.webhook.errors.total", "Total reload webhook requests rejected or failed")
		if err != nil {
			telemetry.Warn("webhook_metric_init_failed", "metric", "secrets_agent.webhook.errors.total", "error", err)
			return
		}
		webhookDuration, err = telemetry.NewInt64Histogram(webhookMeter, "secrets_agent.webhook.duration.ms", "Reload webhook duration in milliseconds", "ms")
		if err != nil {
			telemetry.Warn("webhook_metric_init_failed", "metric", "secrets_agent.webhook.duration.ms", "error", err)
			return
		}
		webhookMetricsReady = true
	})
}

// reloadHandler triggers an immediate refresh when the request body is signed
// with the shared webhook secret. A body naming another path is ignored.
func reloadHandler(src reloader, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ensureWebhookMetrics()

		ctx, span := telemetry.StartSpan(r.Context(), "secrets-agent.webhook", "handler.reload",
			telemetry.StringAttribute("net.peer.ip", r.RemoteAddr))
		defer span.End()

		defer func() {
			if webhookMetricsReady {
				telemetry.RecordInt64Histogram(ctx, webhookDuration, time.Since(start).Milliseconds())
			}
		}()
		if webhookMetricsReady {
			telemetry.AddInt64Counter(ctx, webhookReceived, 1)
		}

		fail := func(code int, reason, msg string) {
			if webhookMetricsReady {
				telemetry.AddInt64Counter(ctx, webhookErrors, 1, telemetry.StringAttribute("reason", reason))
			}
			span.SetStatus(telemetry.CodeError, reason)
			http.Error(w, msg, code)
		}

		if r.Method != http.MethodPost {
			fail(http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
			return
		}

		secret := src.Lookup(webhookSecretKey, os.Getenv(webhookSecretEnv))
		if secret == "" {
			telemetry.Error("webhook_secret_missing")
			fail(http.StatusInternalServerError, "missing_secret", "Server configuration error")
			return
		}

		signature := r.Header.Get(signatureHeader)
		if signature == "" {
			telemetry.Warn("webhook_signature_missing")
			fail(http.StatusUnauthorized, "missing_signature", "Missing signature")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxReloadBody)
		body, err := io.ReadAll(r.Body)
		if tooLarge := new(http.MaxBytesError); errors.As(err, &tooLarge) {
			telemetry.Warn("webhook_body_too_large", "limit", tooLarge.Limit)
			fail(http.StatusRequestEntityTooLarge, "body_too_large", "Body too large")
			return
		}
		if err != nil {
			telemetry.Error("webhook_body_read_failed", "error", err)
			fail(http.StatusInternalServerError, "body_read_failed", "Failed to read body")
			return
		}
		defer r.Body.Close()

		if !verifySignature(body, signature, secret) {
			telemetry.Warn("webhook_signature_invalid")
			fail(http.StatusUnauthorized, "invalid_signature", "Invalid signature")
			return
		}

		var payload reloadPayload
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				telemetry.Error("webhook_payload_invalid", "error", err)
				fail(http.StatusBadRequest, "payload_invalid", "Invalid JSON")
				return
			}
		}

		if payload.Path != "" && strings.Trim(payload.Path, "/") != strings.Trim(path, "/") {
			telemetry.Info("webhook_ignored", "path", payload.Path)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Ignored: path is not served by this agent"))
			return
		}

		telemetry.Info("webhook_reload_requested", "path", path)
		err = src.Reload(ctx)
		resp := reloadResponse{Status: "reloaded", Generation: src.Snapshot().Generation}

		switch {
		case err == nil:
			span.SetStatus(telemetry.CodeOk, "")
			writeJSON(w, http.StatusOK, resp)
		case errors.Is(err, secrets.ErrRefreshInProgress):
			resp.Status = "in_progress"
			writeJSON(w, http.StatusConflict, resp)
		case errors.Is(err, secrets.ErrNotReady), errors.Is(err, secrets.ErrStopped):
			fail(http.StatusServiceUnavailable, "not_ready", "Provider is not ready")
		default:
			telemetry.Warn("webhook_reload_failed", "error", err)
			resp.Status = "failed"
			resp.ErrorKind = secrets.KindOf(err).String()
			if webhookMetricsReady {
				telemetry.AddInt64Counter(ctx, webhookErrors, 1, telemetry.StringAttribute("reason", "reload_failed"))
			}
			span.SetStatus(telemetry.CodeError, "reload_failed")
			writeJSON(w, http.StatusBadGateway, resp)
		}
	}
}

// verifySignature checks a "sha256=<hex>" HMAC of body.
func verifySignature(body []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
