package pairsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
	"github.com/randalmurphal/pairsync/pkg/pairsync/transport"
)

const waitTimeout = 2 * time.Second

// recordingConn is a connection whose peer is the test itself: written
// envelopes go through the codec and are queued for inspection.
type recordingConn struct {
	mu       sync.Mutex
	receiver transport.Receiver
	closed   bool
	sent     chan *message.Message
}

var _ transport.Connection = (*recordingConn)(nil)

func newRecordingConn() *recordingConn {
	return &recordingConn{sent: make(chan *message.Message, 128)}
}

func (c *recordingConn) WriteMessage(_ string, msg *message.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	decoded, err := message.Decode(data)
	if err != nil {
		return err
	}
	c.sent <- decoded
	return nil
}

func (c *recordingConn) Register(r transport.Receiver) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiver != nil {
		return transport.ErrAlreadyRegistered
	}
	c.receiver = r
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// next returns the next envelope the endpoint wrote.
func (c *recordingConn) next(t *testing.T) *message.Message {
	t.Helper()
	select {
	case msg := <-c.sent:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an outgoing message")
		return nil
	}
}

// none asserts nothing was written for a short while.
func (c *recordingConn) none(t *testing.T) {
	t.Helper()
	select {
	case msg := <-c.sent:
		t.Fatalf("unexpected outgoing message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// callResult is the outcome of an asynchronous Call.
type callResult struct {
	value any
	err   error
}

func callAsync(e *Endpoint, event string, args ...any) <-chan callResult {
	return callAsyncContext(context.Background(), e, event, args...)
}

func callAsyncContext(ctx context.Context, e *Endpoint, event string, args ...any) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		v, err := e.Call(ctx, event, args...)
		ch <- callResult{value: v, err: err}
	}()
	return ch
}

func waitCall(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for Call to return")
		return callResult{}
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func stepPayload(shareds map[string]any) *message.Payload {
	p := message.NewPayload()
	for k, v := range shareds {
		p.Shareds[k] = v
	}
	return p
}

// counts returns the sizes of the active set and the inactive queue.
func (e *Endpoint) counts() (active, inactive int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active), len(e.inactive)
}

func mustEndpoint(t *testing.T, conn transport.Connection, proto *Protocol, spec EndpointSpec, opts ...Option) *Endpoint {
	t.Helper()
	e, err := New(conn, proto, spec, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// finishStep ends the current sequence.
func finishStep(x Exec) (any, error) {
	return nil, x.Finish("")
}
