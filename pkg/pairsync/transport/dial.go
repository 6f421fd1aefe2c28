package transport

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Backoff controls how DialRetry spaces its attempts.
type Backoff struct {
	// Attempts is the total number of dials, including the first.
	Attempts int
	// Initial is the wait after the first failure.
	Initial time.Duration
	// Max caps the wait between attempts.
	Max time.Duration
	// Factor multiplies the wait after each failure.
	Factor float64
	// Jitter randomises each wait by up to this fraction (0.0-1.0).
	Jitter float64
}

// DefaultBackoff suits a peer that is expected within a few seconds.
var DefaultBackoff = Backoff{
	Attempts: 5,
	Initial:  200 * time.Millisecond,
	Max:      5 * time.Second,
	Factor:   2,
	Jitter:   0.1,
}

func (b Backoff) delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// DialRetry dials url until it succeeds, the attempts run out, or ctx is
// done. Only establishing the connection is retried: a connection that
// drops later stays dropped.
func DialRetry(ctx context.Context, url string, b Backoff, opts ...Option) (*WSConn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	attempts := max(b.Attempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := Dial(ctx, url, opts...)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		wait := b.delay(attempt)
		o.logger.Debug("dial failed, retrying", "url", url, "attempt", attempt, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial %s: %w (last error: %v)", url, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("dial %s: gave up after %d attempts: %w", url, attempts, lastErr)
}
