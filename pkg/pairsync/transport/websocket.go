package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
)

const (
	writeTimeout = 10 * time.Second
	closeGrace   = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSConn carries envelopes over a WebSocket as JSON text frames.
type WSConn struct {
	id     string
	conn   *websocket.Conn
	inbox  *mailbox
	logger *slog.Logger

	writeMu sync.Mutex // serialises all conn writes

	mu     sync.Mutex
	closed bool
}

// Compile-time interface check.
var _ Connection = (*WSConn)(nil)

// Dial connects to a peer listening at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...Option) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSConn(conn, opts), nil
}

// Upgrade accepts a peer connection on an HTTP handler.
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*WSConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return newWSConn(conn, opts), nil
}

func newWSConn(conn *websocket.Conn, opts []Option) *WSConn {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &WSConn{
		id:    uuid.New().String(),
		conn:  conn,
		inbox: newMailbox(o.logger),
	}
	c.logger = o.logger.With(slog.String("conn_id", c.id), slog.String("remote", conn.RemoteAddr().String()))
	go c.readLoop()
	return c
}

// ID returns the connection's unique identifier.
func (c *WSConn) ID() string { return c.id }

func (c *WSConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			local := c.closed
			c.mu.Unlock()
			switch {
			case local:
				c.inbox.close(ErrClosed)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.inbox.close(ErrPeerClosed)
			default:
				c.logger.Warn("websocket read failed", slog.String("error", err.Error()))
				c.inbox.close(fmt.Errorf("%w: %v", ErrPeerClosed, err))
			}
			_ = c.conn.Close()
			return
		}
		if !c.inbox.put(data) {
			return
		}
	}
}

// WriteMessage encodes msg and writes it as one text frame.
func (c *WSConn) WriteMessage(from string, msg *message.Message) error {
	if r := c.inbox.registered(); r != nil && r.Name() != from {
		return fmt.Errorf("write from %q on %q: %w", from, r.Name(), ErrForeignSender)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := message.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("write %s: %w", msg.Control, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Control, err)
	}
	return nil
}

// Register attaches the receiver for envelopes read from the socket.
func (c *WSConn) Register(r Receiver) error {
	return c.inbox.register(r)
}

// Close sends a close frame and tears down the socket.
func (c *WSConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("close frame not sent", slog.String("error", err.Error()))
	}
	c.inbox.close(ErrClosed)
	return c.conn.Close()
}
