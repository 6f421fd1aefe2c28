package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrMissingName indicates an endpoint section without a name.
	ErrMissingName = errors.New("endpoint name is required")

	// ErrInvalidPriority indicates a priority other than "high" or "low".
	ErrInvalidPriority = errors.New(`priority must be "high" or "low"`)

	// ErrInvalidLogLevel indicates an unparseable log level.
	ErrInvalidLogLevel = errors.New("invalid log level")

	// ErrPriorityConflict indicates a pair whose sides do not have
	// exactly one high-priority endpoint.
	ErrPriorityConflict = errors.New("exactly one endpoint of a pair must be high priority")

	// ErrSameName indicates both sides of a pair use one name.
	ErrSameName = errors.New("endpoints of a pair need distinct names")
)

// Endpoint holds the settings for one side of a pair.
type Endpoint struct {
	Name string
	// HighPriority wins conflicts with the peer. Exactly one side of a
	// pair must set it.
	HighPriority bool
	// JournalPath enables a SQLite commit journal when non-empty.
	JournalPath string
	Metrics     bool
	Tracing     bool
	LogLevel    slog.Level
	// DrainTimeout bounds how long Close waits for running events.
	DrainTimeout time.Duration
}

// EndpointFrom reads the "endpoint" table of c. Top-level keys are used
// when the table is absent.
func EndpointFrom(c Config) (Endpoint, error) {
	sec := c
	if c.Has("endpoint") {
		sec = c.Section("endpoint")
	}

	ep := Endpoint{
		Name:         sec.String("name", ""),
		JournalPath:  sec.String("journal", ""),
		Metrics:      sec.Bool("metrics", false),
		Tracing:      sec.Bool("tracing", false),
		DrainTimeout: sec.Duration("drain_timeout", 5*time.Second),
	}
	if ep.Name == "" {
		return Endpoint{}, ErrMissingName
	}

	switch p := strings.ToLower(sec.String("priority", "low")); p {
	case "high":
		ep.HighPriority = true
	case "low":
	default:
		return Endpoint{}, fmt.Errorf("endpoint %s: %q: %w", ep.Name, p, ErrInvalidPriority)
	}

	if err := ep.LogLevel.UnmarshalText([]byte(sec.String("log_level", "info"))); err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %s: %w: %v", ep.Name, ErrInvalidLogLevel, err)
	}
	return ep, nil
}

// PairFrom reads the tables named low and high and checks that they form
// a valid pair: distinct names and exactly one high-priority side.
func PairFrom(c Config, low, high string) (Endpoint, Endpoint, error) {
	lo, err := EndpointFrom(c.Section(low))
	if err != nil {
		return Endpoint{}, Endpoint{}, fmt.Errorf("%s: %w", low, err)
	}
	hi, err := EndpointFrom(c.Section(high))
	if err != nil {
		return Endpoint{}, Endpoint{}, fmt.Errorf("%s: %w", high, err)
	}
	if lo.HighPriority || !hi.HighPriority {
		return Endpoint{}, Endpoint{}, fmt.Errorf("%s/%s: %w", low, high, ErrPriorityConflict)
	}
	if lo.Name == hi.Name {
		return Endpoint{}, Endpoint{}, fmt.Errorf("%s/%s: %q: %w", low, high, lo.Name, ErrSameName)
	}
	return lo, hi, nil
}
