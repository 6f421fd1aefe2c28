// Package observability provides structured logging, metrics, and tracing
// for paired endpoints.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, 4, "begin_session", 1)
//	enriched.Info("doing work") // includes event_id, event, generation
func EnrichLogger(logger *slog.Logger, eventID int64, eventName string, generation uint64) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.Int64("event_id", eventID),
		slog.String("event", eventName),
		slog.Uint64("generation", generation),
	)
}

// LogEventAdmitted logs that an event acquired its locks.
func LogEventAdmitted(logger *slog.Logger, eventID int64, eventName string, forced bool) {
	if logger == nil {
		return
	}
	logger.Debug("event admitted",
		slog.Int64("event_id", eventID),
		slog.String("event", eventName),
		slog.Bool("forced", forced),
	)
}

// LogEventDenied logs that an event could not be admitted.
func LogEventDenied(logger *slog.Logger, eventName string, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("event denied",
		slog.String("event", eventName),
		slog.String("reason", reason),
	)
}

// LogEventPostponed logs that an event was rolled back to be retried later.
func LogEventPostponed(logger *slog.Logger, eventID int64, eventName string, cause string) {
	if logger == nil {
		return
	}
	logger.Info("event postponed",
		slog.Int64("event_id", eventID),
		slog.String("event", eventName),
		slog.String("cause", cause),
	)
}

// LogEventCommitted logs a successful commit.
func LogEventCommitted(logger *slog.Logger, eventID int64, eventName string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("event committed",
		slog.Int64("event_id", eventID),
		slog.String("event", eventName),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogEventAborted logs an event rolled back because of an error.
func LogEventAborted(logger *slog.Logger, eventID int64, eventName string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event aborted",
		slog.Int64("event_id", eventID),
		slog.String("event", eventName),
		slog.String("error", errString(err)),
	)
}

// LogMessageSent logs an outgoing envelope.
func LogMessageSent(logger *slog.Logger, control string, eventID int64) {
	if logger == nil {
		return
	}
	logger.Debug("message sent",
		slog.String("control", control),
		slog.Int64("event_id", eventID),
	)
}

// LogMessageReceived logs an incoming envelope.
func LogMessageReceived(logger *slog.Logger, control string, eventID int64) {
	if logger == nil {
		return
	}
	logger.Debug("message received",
		slog.String("control", control),
		slog.Int64("event_id", eventID),
	)
}

// LogInvariantFailure logs a broken engine invariant. The endpoint stops
// accepting work after one of these.
func LogInvariantFailure(logger *slog.Logger, op string, eventID int64, err error) {
	if logger == nil {
		return
	}
	logger.Error("invariant violated",
		slog.String("operation", op),
		slog.Int64("event_id", eventID),
		slog.String("error", errString(err)),
	)
}

// LogJournalError logs a journal write failure (non-fatal).
func LogJournalError(logger *slog.Logger, eventID int64, err error) {
	if logger == nil {
		return
	}
	logger.Warn("journal append failed",
		slog.Int64("event_id", eventID),
		slog.String("error", errString(err)),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
