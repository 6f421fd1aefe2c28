package transport

import (
	"errors"
	"log/slog"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
)

var (
	// ErrClosed indicates the connection was closed locally.
	ErrClosed = errors.New("connection closed")

	// ErrPeerClosed indicates the remote side closed the connection.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrAlreadyRegistered indicates a second Register call.
	ErrAlreadyRegistered = errors.New("receiver already registered")

	// ErrForeignSender indicates a write on behalf of an endpoint that is
	// not the registered receiver.
	ErrForeignSender = errors.New("sender is not the registered endpoint")
)

// Receiver consumes envelopes arriving on a connection.
type Receiver interface {
	// Name identifies the endpoint for logging and sender checks.
	Name() string

	// HandleMessage is called once per envelope, in arrival order.
	HandleMessage(msg *message.Message)

	// HandleDisconnect is called once, after the last envelope, when the
	// connection ends.
	HandleDisconnect(err error)
}

// Connection is the collaborator an endpoint writes envelopes to.
type Connection interface {
	// WriteMessage sends msg to the peer without waiting for delivery.
	WriteMessage(from string, msg *message.Message) error

	// Register attaches the single local receiver.
	Register(r Receiver) error

	// Close ends the connection for both sides.
	Close() error
}

// Option configures a connection.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

func defaultOptions() options {
	return options{logger: slog.Default()}
}

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
