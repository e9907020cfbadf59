package main

import (
	"time"

	"secrets-hub/pkg/secrets"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// statusCollector exposes provider status as Prometheus gauges on each scrape.
type statusCollector struct {
	src statusSource
	now func() time.Time

	ready      *prometheus.Desc
	stale      *prometheus.Desc
	generation *prometheus.Desc
	keys       *prometheus.Desc
	age        *prometheus.Desc
	lastError  *prometheus.Desc
}

func newStatusCollector(src statusSource) *statusCollector {
	return &statusCollector{
		src: src,
		now: time.Now,
		ready: prometheus.NewDesc("secrets_agent_ready",
			"1 when the initial load succeeded and the snapshot is being served.", nil, nil),
		stale: prometheus.NewDesc("secrets_agent_stale",
			"1 when refreshes are failing and the snapshot is older than the refresh interval.", nil, nil),
		generation: prometheus.NewDesc("secrets_agent_snapshot_generation",
			"Generation of the snapshot being served.", nil, nil),
		keys: prometheus.NewDesc("secrets_agent_snapshot_keys",
			"Number of keys in the snapshot being served.", nil, nil),
		age: prometheus.NewDesc("secrets_agent_snapshot_age_seconds",
			"Seconds since the snapshot being served was fetched.", nil, nil),
		lastError: prometheus.NewDesc("secrets_agent_last_refresh_error",
			"1 for the kind of the most recent refresh failure, absent after a success.", []string{"kind"}, nil),
	}
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ready
	ch <- c.stale
	ch <- c.generation
	ch <- c.keys
	ch <- c.age
	ch <- c.lastError
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Status()

	ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, boolValue(st.State == secrets.StateReady))
	ch <- prometheus.MustNewConstMetric(c.stale, prometheus.GaugeValue, boolValue(st.Stale))
	ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, float64(st.Generation))
	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(st.Keys))

	if !st.FetchedAt.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.age, prometheus.GaugeValue, c.now().Sub(st.FetchedAt).Seconds())
	}
	if st.LastError != nil {
		ch <- prometheus.MustNewConstMetric(c.lastError, prometheus.GaugeValue, 1, secrets.KindOf(st.LastError).String())
	}
}

func newRegistry(src statusSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newStatusCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
