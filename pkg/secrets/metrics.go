package secrets

import (
	"context"
	"time"

	"secrets-hub/pkg/telemetry"

	metricapi "go.opentelemetry.io/otel/metric"
)

type providerMetrics struct {
	fetchTotal    telemetry.Int64Counter
	fetchErrors   telemetry.Int64Counter
	fetchDuration telemetry.Int64Histogram
}

func newProviderMetrics(meter metricapi.Meter, cache *Cache) *providerMetrics {
	if meter == nil {
		meter = telemetry.GetMeter("secrets.provider")
	}

	m := &providerMetrics{}
	m.fetchTotal, _ = telemetry.NewInt64Counter(meter, "secrets.fetch.total", "Total secret store fetch attempts")
	m.fetchErrors, _ = telemetry.NewInt64Counter(meter, "secrets.fetch.errors", "Failed secret store fetches by kind")
	m.fetchDuration, _ = telemetry.NewInt64Histogram(meter, "secrets.fetch.duration.ms", "Secret store fetch duration in milliseconds", "ms")
	_, _ = telemetry.NewInt64ObservableGauge(meter, "secrets.snapshot.generation", "Generation of the snapshot being served",
		func(_ context.Context, obs telemetry.Int64Observer) error {
			obs.Observe(int64(cache.Current().Generation))
			return nil
		})
	return m
}

func (m *providerMetrics) recordFetch(ctx context.Context, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if m.fetchTotal != nil {
		telemetry.AddInt64Counter(ctx, m.fetchTotal, 1, telemetry.StringAttribute("outcome", outcome))
	}
	if err != nil && m.fetchErrors != nil {
		telemetry.AddInt64Counter(ctx, m.fetchErrors, 1, telemetry.StringAttribute("kind", KindOf(err).String()))
	}
	if m.fetchDuration != nil {
		telemetry.RecordInt64Histogram(ctx, m.fetchDuration, elapsed.Milliseconds())
	}
}
