package transport

import (
	"log/slog"
	"sync"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
)

// mailbox is an unbounded FIFO of encoded frames drained by one delivery
// goroutine into the registered receiver.
type mailbox struct {
	logger *slog.Logger

	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	closeErr error
	receiver Receiver
	signal   chan struct{} // buffered, size 1
}

func newMailbox(logger *slog.Logger) *mailbox {
	return &mailbox{
		logger: logger,
		frames: make([][]byte, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// put appends a frame. Returns false once the mailbox is closed.
func (m *mailbox) put(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.frames = append(m.frames, frame)
	m.wake()
	return true
}

// close stops accepting frames. Frames already queued are still delivered
// before the receiver is told about the disconnect.
func (m *mailbox) close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.closeErr = err
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) registered() Receiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiver
}

func (m *mailbox) register(r Receiver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiver != nil {
		return ErrAlreadyRegistered
	}
	m.receiver = r
	go m.run(r)
	return nil
}

func (m *mailbox) run(r Receiver) {
	for {
		m.mu.Lock()
		if len(m.frames) > 0 {
			frame := m.frames[0]
			m.frames[0] = nil
			m.frames = m.frames[1:]
			m.mu.Unlock()
			m.deliver(r, frame)
			continue
		}
		if m.closed {
			err := m.closeErr
			m.mu.Unlock()
			r.HandleDisconnect(err)
			return
		}
		m.mu.Unlock()
		<-m.signal
	}
}

func (m *mailbox) deliver(r Receiver, frame []byte) {
	msg, err := message.Decode(frame)
	if err != nil {
		m.logger.Error("dropping malformed frame",
			slog.String("endpoint", r.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	r.HandleMessage(msg)
}
