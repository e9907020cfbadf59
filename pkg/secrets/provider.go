package secrets

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	metricapi "go.opentelemetry.io/otel/metric"
)

// State is the lifecycle position of a Provider.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	// StateFailed is terminal: the initial load did not succeed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Change describes a published snapshot relative to the one it replaced.
// It carries key names only, never values.
type Change struct {
	Generation uint64
	FetchedAt  time.Time
	Added      []string
	Removed    []string
	Updated    []string
	Snapshot   *Snapshot
}

// Changed reports whether any key was added, removed or updated.
func (c Change) Changed() bool {
	return len(c.Added)+len(c.Removed)+len(c.Updated) > 0
}

// Listener is notified after every successful snapshot replacement.
type Listener func(Change)

// Status is a point-in-time view of the provider for health reporting.
type Status struct {
	State       State
	Generation  uint64
	FetchedAt   time.Time
	Keys        int
	Stale       bool
	LastAttempt time.Time
	LastError   error
}

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the logger used for refresh reporting.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

// WithLoadRetry applies a retry policy to the initial Load. Only
// Unreachable failures are retried.
func WithLoadRetry(newBackOff func() backoff.BackOff) ProviderOption {
	return func(p *Provider) { p.loadRetry = newBackOff }
}

// WithMeter records provider metrics on m instead of the global meter.
func WithMeter(m metricapi.Meter) ProviderOption {
	return func(p *Provider) { p.meter = m }
}

// Provider serves secret-backed configuration from an in-memory snapshot
// and keeps it current with an optional background refresh.
type Provider struct {
	client    Client
	opts      Options
	cache     *Cache
	logger    *slog.Logger
	now       func() time.Time
	loadRetry func() backoff.BackOff
	meter     metricapi.Meter
	metrics   *providerMetrics

	state    atomic.Int32
	inFlight atomic.Bool
	loadMu   sync.Mutex

	life       context.Context
	lifeCancel context.CancelFunc

	mu          sync.Mutex
	listeners   []Listener
	stopped     bool
	started     bool
	done        chan struct{}
	lastErr     error
	lastAttempt time.Time
}

// NewProvider validates opts and wires the provider to client. Nothing is
// fetched until Load.
func NewProvider(client Client, opts Options, popts ...ProviderOption) (*Provider, error) {
	if client == nil {
		return nil, &ConfigurationError{Field: "client", Message: "must not be nil"}
	}
	validated, err := NewOptions(opts)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		client: client,
		opts:   validated,
		cache:  NewCache(),
		now:    time.Now,
	}
	for _, opt := range popts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "secrets.provider", "mount", p.opts.Mount, "path", p.opts.Path)
	p.life, p.lifeCancel = context.WithCancel(context.Background())
	p.metrics = newProviderMetrics(p.meter, p.cache)
	return p, nil
}

// Options returns the validated options.
func (p *Provider) Options() Options {
	return p.opts
}

// State returns the current lifecycle state.
func (p *Provider) State() State {
	return State(p.state.Load())
}

// Load performs the blocking initial fetch. On failure the provider moves to
// StateFailed for good and the classified error is returned.
func (p *Provider) Load(ctx context.Context) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	switch p.State() {
	case StateReady:
		return nil
	case StateFailed:
		return ErrProviderFailed
	}
	if p.isStopped() {
		return ErrStopped
	}

	p.state.Store(int32(StateLoading))
	ctx, cancel := p.bind(ctx)
	defer cancel()

	values, err := p.fetchWithRetry(ctx)
	if err != nil {
		p.state.Store(int32(StateFailed))
		p.recordFailure(err)
		p.logger.Error("secrets_load_failed", "kind", KindOf(err).String(), "error", err)
		return err
	}

	snap, ok := p.publish(values)
	if !ok {
		p.state.Store(int32(StateFailed))
		return ErrStopped
	}
	p.state.Store(int32(StateReady))
	p.logger.Info("secrets_loaded", "generation", snap.Generation, "keys", snap.Len())
	return nil
}

// Get returns the value for key from the current snapshot. It never performs I/O.
func (p *Provider) Get(key string) (string, bool) {
	return p.cache.Current().Get(key)
}

// Lookup returns the value for key, or fallback when absent.
func (p *Provider) Lookup(key, fallback string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return fallback
}

// Enumerate returns every pair of one snapshot, sorted by key.
func (p *Provider) Enumerate() []KeyValue {
	return p.cache.Current().Entries()
}

// Snapshot returns the current snapshot.
func (p *Provider) Snapshot() *Snapshot {
	return p.cache.Current()
}

// OnChange registers l to run after every successful replacement.
func (p *Provider) OnChange(l Listener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

// StartBackgroundRefresh launches the refresh loop. It is a no-op when the
// refresh interval is zero or the loop is already running.
func (p *Provider) StartBackgroundRefresh(ctx context.Context) error {
	if p.State() != StateReady {
		return ErrNotReady
	}
	if p.opts.RefreshInterval <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return nil
	}
	p.started = true
	p.done = make(chan struct{})

	loopCtx, cancel := p.bind(ctx)
	go func() {
		defer cancel()
		p.run(loopCtx, p.opts.RefreshInterval, p.done)
	}()
	return nil
}

// Reload fetches immediately, outside the background schedule.
func (p *Provider) Reload(ctx context.Context) error {
	if p.isStopped() {
		return ErrStopped
	}
	if p.State() != StateReady {
		return ErrNotReady
	}
	ctx, cancel := p.bind(ctx)
	defer cancel()
	return p.refresh(ctx)
}

// EnsureFresh reloads synchronously when the snapshot is older than maxAge.
// A refresh already running elsewhere counts as fresh enough.
func (p *Provider) EnsureFresh(ctx context.Context, maxAge time.Duration) error {
	if !p.cache.IsStale(p.now(), maxAge) {
		return nil
	}
	err := p.Reload(ctx)
	if errors.Is(err, ErrRefreshInProgress) {
		return nil
	}
	return err
}

// Stop cancels the background schedule and any in-flight fetch. A result
// arriving after Stop is discarded. Stop is idempotent.
func (p *Provider) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	done := p.done
	p.mu.Unlock()

	p.lifeCancel()
	if done != nil {
		<-done
	}
	p.logger.Info("secrets_provider_stopped")
}

// Status reports state, freshness and the last refresh error.
func (p *Provider) Status() Status {
	snap := p.cache.Current()
	p.mu.Lock()
	lastErr, lastAttempt := p.lastErr, p.lastAttempt
	p.mu.Unlock()

	st := Status{
		State:       p.State(),
		Generation:  snap.Generation,
		FetchedAt:   snap.FetchedAt,
		Keys:        snap.Len(),
		LastAttempt: lastAttempt,
		LastError:   lastErr,
	}
	st.Stale = st.State == StateReady && lastErr != nil &&
		p.opts.RefreshInterval > 0 && p.cache.IsStale(p.now(), p.opts.RefreshInterval)
	return st
}

func (p *Provider) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("secrets_refresh_started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("secrets_refresh_stopped")
			return
		case <-ticker.C:
			if err := p.refresh(ctx); errors.Is(err, ErrRefreshInProgress) {
				p.logger.Debug("secrets_refresh_skipped", "reason", "in_flight")
			}
			// A tick that fired while fetching is dropped rather than run back to back.
			select {
			case <-ticker.C:
				p.logger.Debug("secrets_refresh_skipped", "reason", "overlap")
			default:
			}
		}
	}
}

// refresh fetches once and publishes on success. On failure the current
// snapshot stays in place.
func (p *Provider) refresh(ctx context.Context) error {
	if !p.inFlight.CompareAndSwap(false, true) {
		return ErrRefreshInProgress
	}
	defer p.inFlight.Store(false)

	values, err := p.fetch(ctx)
	if err != nil {
		if p.isStopped() {
			return ErrStopped
		}
		// The caller gave up; the store did not fail.
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.logger.Debug("secrets_refresh_cancelled", "error", ctxErr)
			return ctxErr
		}
		p.recordFailure(err)
		p.logger.Warn("secrets_refresh_failed",
			"kind", KindOf(err).String(),
			"serving_generation", p.cache.Current().Generation,
			"error", err)
		return err
	}

	snap, ok := p.publish(values)
	if !ok {
		return ErrStopped
	}
	p.logger.Info("secrets_refreshed", "generation", snap.Generation, "keys", snap.Len())
	return nil
}

func (p *Provider) fetchWithRetry(ctx context.Context) (map[string]string, error) {
	if p.loadRetry == nil {
		return p.fetch(ctx)
	}

	var values map[string]string
	var lastErr error
	op := func() error {
		v, err := p.fetch(ctx)
		if err != nil {
			lastErr = err
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		values = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("secrets_load_retry", "kind", KindOf(err).String(), "wait", wait.String(), "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(p.loadRetry(), ctx), notify); err != nil {
		if KindOf(err) == KindUnknown && lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return values, nil
}

// fetch performs one client call and normalises foreign errors into a
// *FetchError so callers can always branch on Kind.
func (p *Provider) fetch(ctx context.Context) (map[string]string, error) {
	start := p.now()
	p.mu.Lock()
	p.lastAttempt = start
	p.mu.Unlock()

	values, err := p.client.Fetch(ctx, p.opts.Path)
	if err != nil && KindOf(err) == KindUnknown {
		err = &FetchError{Kind: KindUnreachable, Path: p.opts.Path, Err: err}
	}
	p.metrics.recordFetch(ctx, p.now().Sub(start), err)
	return values, err
}

// publish builds the next snapshot and swaps it in unless the provider was
// stopped while the fetch was running.
func (p *Provider) publish(values map[string]string) (*Snapshot, bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.logger.Debug("secrets_result_discarded", "reason", "stopped")
		return nil, false
	}
	prev := p.cache.Current()
	next := NewSnapshot(values, p.now(), prev.Generation+1)
	p.cache.Replace(next)
	p.lastErr = nil
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()

	change := diff(prev, next)
	for _, l := range listeners {
		l(change)
	}
	return next, true
}

func (p *Provider) recordFailure(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *Provider) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// bind derives a context that is also cancelled by Stop.
func (p *Provider) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	unregister := context.AfterFunc(p.life, cancel)
	return ctx, func() {
		unregister()
		cancel()
	}
}

// NewChange describes next relative to prev. A nil prev reports every key as added.
func NewChange(prev, next *Snapshot) Change {
	return diff(prev, next)
}

func diff(prev, next *Snapshot) Change {
	c := Change{Generation: next.Generation, FetchedAt: next.FetchedAt, Snapshot: next}
	for _, k := range next.Keys() {
		old, ok := prev.Get(k)
		if !ok {
			c.Added = append(c.Added, k)
			continue
		}
		if v, _ := next.Get(k); v != old {
			c.Updated = append(c.Updated, k)
		}
	}
	for _, k := range prev.Keys() {
		if _, ok := next.Get(k); !ok {
			c.Removed = append(c.Removed, k)
		}
	}
	return c
}
