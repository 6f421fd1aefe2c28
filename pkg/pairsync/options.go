package pairsync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/pairsync/pkg/pairsync/config"
	"github.com/randalmurphal/pairsync/pkg/pairsync/external"
	"github.com/randalmurphal/pairsync/pkg/pairsync/journal"
	"github.com/randalmurphal/pairsync/pkg/pairsync/observability"
)

// endpointConfig holds the collaborators and settings of an Endpoint.
type endpointConfig struct {
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
	journal      journal.Store
	store        *external.Store
	reservations *external.ReservationManager
	onFatal      func(error)
	drainTimeout time.Duration
}

func defaultEndpointConfig() endpointConfig {
	return endpointConfig{
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		spans:        observability.NoopSpanManager{},
		drainTimeout: 5 * time.Second,
	}
}

// Option configures an Endpoint.
type Option func(*endpointConfig)

// WithLogger sets the endpoint logger. Every record it writes carries the
// endpoint name.
func WithLogger(logger *slog.Logger) Option {
	return func(c *endpointConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
// Default: observability.NoopMetrics{}
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *endpointConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing sets the span manager.
// Default: observability.NoopSpanManager{}
func WithTracing(s observability.SpanManager) Option {
	return func(c *endpointConfig) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithJournal records every commit in store. The endpoint does not close
// the store.
func WithJournal(store journal.Store) Option {
	return func(c *endpointConfig) {
		c.journal = store
	}
}

// WithExternalStore shares an external object store between endpoints.
// Endpoints in one process that pass objects to each other must share a
// store. Default: a private store.
func WithExternalStore(store *external.Store) Option {
	return func(c *endpointConfig) {
		c.store = store
	}
}

// WithReservationManager shares object-level locks between endpoints.
// Default: a private manager.
func WithReservationManager(r *external.ReservationManager) Option {
	return func(c *endpointConfig) {
		c.reservations = r
	}
}

// WithFatalHandler sets the function called once when the endpoint hits
// an invariant failure or loses its connection. Default: log at error
// level.
func WithFatalHandler(fn func(error)) Option {
	return func(c *endpointConfig) {
		c.onFatal = fn
	}
}

// WithDrainTimeout bounds how long Close waits for running bodies and
// completion callbacks.
// Default: 5s
func WithDrainTimeout(d time.Duration) Option {
	return func(c *endpointConfig) {
		if d > 0 {
			c.drainTimeout = d
		}
	}
}

// ConfigOptions turns endpoint settings into options. When a journal path
// is set, a SQLite journal is opened and returned so the caller can close
// it after the endpoint.
func ConfigOptions(ep config.Endpoint, logger *slog.Logger) ([]Option, journal.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []Option{
		WithLogger(logger),
		WithDrainTimeout(ep.DrainTimeout),
	}
	if ep.Metrics {
		opts = append(opts, WithMetrics(observability.NewMetricsRecorder()))
	}
	if ep.Tracing {
		opts = append(opts, WithTracing(observability.NewSpanManager()))
	}

	var store journal.Store
	if ep.JournalPath != "" {
		s, err := journal.NewSQLiteStore(ep.JournalPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open journal for %s: %w", ep.Name, err)
		}
		store = s
		opts = append(opts, WithJournal(s))
	}
	return opts, store, nil
}
