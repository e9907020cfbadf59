package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"secrets-hub/pkg/config"
	"secrets-hub/pkg/db/postgres"
	"secrets-hub/pkg/env"
	"secrets-hub/pkg/logger"
	"secrets-hub/pkg/secrets"
	"secrets-hub/pkg/sinks/k8s"
	"secrets-hub/pkg/sinks/mqtt"
	"secrets-hub/pkg/telemetry"
)

// Notifier publishes change events and owns a connection.
type Notifier interface {
	Listener(ctx context.Context) secrets.Listener
	Close()
}

// ChangeSink reacts to published snapshots.
type ChangeSink interface {
	Listener(ctx context.Context) secrets.Listener
}

// App holds dependencies for the secrets-agent service
type App struct {
	ConfigPath string
	server     *http.Server

	ConfigFn   func(path string) (*config.Config, error)
	ClientFn   func(cfg *config.Config) (secrets.Client, error)
	HistoryFn  func(lookup secrets.Lookup) (*postgres.HistoryStore, error)
	NotifierFn func(ctx context.Context, cfg *config.Config, lookup secrets.Lookup) (Notifier, error)
	SinkFn     func(cfg *config.Config) (ChangeSink, error)
}

// NewApp wires the production constructors.
func NewApp() *App {
	return &App{
		ConfigFn: config.Load,
		ClientFn: func(cfg *config.Config) (secrets.Client, error) {
			opts, err := secrets.NewOptions(cfg.SecretsOptions())
			if err != nil {
				return nil, err
			}
			return secrets.NewBaoClientFromOptions(opts)
		},
		HistoryFn: func(lookup secrets.Lookup) (*postgres.HistoryStore, error) {
			conn, err := postgres.ConnectPostgres("postgres", lookup)
			if err != nil {
				return nil, err
			}
			return postgres.NewHistoryStore(conn), nil
		},
		NotifierFn: func(ctx context.Context, cfg *config.Config, lookup secrets.Lookup) (Notifier, error) {
			return mqtt.Connect(ctx, mqtt.Options{
				Broker:   cfg.MQTT.Broker,
				ClientID: cfg.MQTT.ClientID,
				Topic:    cfg.MQTT.Topic,
				QoS:      cfg.MQTT.QoS,
				Path:     cfg.Secrets.Path,
			}, lookup, slog.Default())
		},
		SinkFn: func(cfg *config.Config) (ChangeSink, error) {
			client, err := k8s.NewClientset(cfg.Kubernetes.Kubeconfig)
			if err != nil {
				return nil, err
			}
			return k8s.NewSecretSink(client, cfg.Kubernetes.Namespace, cfg.Kubernetes.SecretName,
				cfg.Secrets.Path, cfg.Kubernetes.Labels, slog.Default())
		},
	}
}

// Run loads the secret, wires the sinks, starts the refresh loop and serves
// HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	// 1. Telemetry (gracefully degrades if OTEL_EXPORTER_OTLP_ENDPOINT is not set)
	shutdownTelemetry := initTelemetry(ctx)
	defer shutdownTelemetry()

	// 2. Config
	cfg, err := a.ConfigFn(a.ConfigPath)
	if err != nil {
		return fmt.Errorf("config_load_failed: %w", err)
	}

	// 3. Secrets
	provider, closeClient, err := a.loadProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeClient()
	defer provider.Stop()

	// 4. Sinks
	history, closeSinks, err := a.wireSinks(ctx, cfg, provider)
	if err != nil {
		return err
	}
	// Listeners must be quiet before their connections close.
	defer func() {
		provider.Stop()
		closeSinks()
	}()

	// 5. Background refresh
	if err := provider.StartBackgroundRefresh(ctx); err != nil {
		return fmt.Errorf("refresh_start_failed: %w", err)
	}

	// 6. Routes with OTel-instrumented mux
	handler := telemetry.NewHTTPHandler(newRouter(provider, history, cfg.Secrets.Path), "secrets-agent")

	slog.Info("secrets_agent_listening", "addr", cfg.Server.Addr)

	if os.Getenv("APP_ENV") == "test" {
		return nil
	}

	a.server = &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	return serve(ctx, a.server)
}

// Check loads the secret once and writes its key names to w.
func (a *App) Check(ctx context.Context, w io.Writer) error {
	cfg, err := a.ConfigFn(a.ConfigPath)
	if err != nil {
		return fmt.Errorf("config_load_failed: %w", err)
	}

	provider, closeClient, err := a.loadProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeClient()
	defer provider.Stop()

	st := provider.Status()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "PATH\t%s/%s\n", provider.Options().Mount, provider.Options().Path)
	fmt.Fprintf(tw, "STATE\t%s\n", st.State)
	fmt.Fprintf(tw, "GENERATION\t%d\n", st.Generation)
	fmt.Fprintf(tw, "KEYS\t%d\n", st.Keys)
	for _, k := range provider.Snapshot().Keys() {
		fmt.Fprintf(tw, "\t%s\n", k)
	}
	return tw.Flush()
}

func (a *App) loadProvider(ctx context.Context, cfg *config.Config) (*secrets.Provider, func(), error) {
	client, err := a.ClientFn(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("secret_client_init_failed: %w", err)
	}
	slog.Debug("secret_client_configured",
		"address", cfg.Secrets.Address,
		"mount", cfg.Secrets.Mount,
		"path", cfg.Secrets.Path,
		"ca_cert", cfg.Secrets.CACert,
		"auth_token", logger.Secret(cfg.Secrets.Credential),
	)
	closeClient := func() {
		if err := client.Close(); err != nil {
			slog.Warn("secret_client_close_failed", "error", err)
		}
	}

	popts := []secrets.ProviderOption{secrets.WithLogger(slog.Default())}
	if cfg.Secrets.LoadRetry > 0 {
		popts = append(popts, secrets.WithLoadRetry(secrets.ExponentialLoadRetry(cfg.Secrets.LoadRetry)))
	}

	provider, err := secrets.NewProvider(client, cfg.SecretsOptions(), popts...)
	if err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("secret_provider_init_failed: %w", err)
	}

	if err := provider.Load(ctx); err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("secrets_load_failed: %w", err)
	}
	return provider, closeClient, nil
}

// wireSinks registers every enabled sink and seeds it with the loaded snapshot.
func (a *App) wireSinks(ctx context.Context, cfg *config.Config, provider *secrets.Provider) (*postgres.HistoryStore, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	var listeners []secrets.Listener
	var history *postgres.HistoryStore

	if cfg.History.Enabled {
		store, err := a.HistoryFn(provider)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("postgres_connection_failed: %w", err)
		}
		closers = append(closers, func() { store.DB.Close() })
		if err := store.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("schema_ensure_failed: %w", err)
		}
		history = store
		listeners = append(listeners, historyListener(ctx, store, cfg.Secrets.Path))
	}

	if cfg.MQTT.Broker != "" {
		notifier, err := a.NotifierFn(ctx, cfg, provider)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("notifier_init_failed: %w", err)
		}
		closers = append(closers, notifier.Close)
		listeners = append(listeners, notifier.Listener(ctx))
	}

	if cfg.Kubernetes.Enabled {
		sink, err := a.SinkFn(cfg)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("kubernetes_sink_init_failed: %w", err)
		}
		listeners = append(listeners, sink.Listener(ctx))
	}

	initial := secrets.NewChange(nil, provider.Snapshot())
	for _, l := range listeners {
		provider.OnChange(l)
		l(initial)
	}
	return history, closeAll, nil
}

func historyListener(ctx context.Context, store *postgres.HistoryStore, path string) secrets.Listener {
	return func(change secrets.Change) {
		if !change.Changed() {
			return
		}
		if err := store.RecordRefresh(ctx, path, change); err != nil {
			slog.Error("failed_to_record_refresh_history", "generation", change.Generation, "error", err)
		}
	}
}

func serve(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http_server_failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("secrets_agent_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), env.Duration("SECRETS_AGENT_SHUTDOWN_TIMEOUT", 10*time.Second))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http_shutdown_failed: %w", err)
	}
	return nil
}

func initTelemetry(ctx context.Context) func() {
	shutdownTracer, shutdownMeter, shutdownLogger, err := telemetry.Init(ctx, "secrets-agent")
	if err != nil {
		slog.Warn("otel_init_failed, continuing without full observability", "error", err)
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, sd := range []struct {
			name string
			fn   telemetry.ShutdownFunc
		}{
			{"tracer", shutdownTracer},
			{"meter", shutdownMeter},
			{"logger", shutdownLogger},
		} {
			if sd.fn == nil {
				continue
			}
			if err := sd.fn(shutdownCtx); err != nil {
				slog.Error("otel_shutdown_failed", "component", sd.name, "error", err)
			}
		}
	}
}
