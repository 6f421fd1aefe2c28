package transport

import (
	"fmt"
	"sync"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
)

// Pipe is one end of an in-process connection pair.
type Pipe struct {
	peer  *Pipe
	inbox *mailbox
	state *pipeState
}

type pipeState struct {
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// Compile-time interface check.
var _ Connection = (*Pipe)(nil)

// NewPipe returns two connected ends. Whatever is written on one end is
// delivered to the receiver registered on the other.
func NewPipe(opts ...Option) (*Pipe, *Pipe) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	state := &pipeState{}
	a := &Pipe{inbox: newMailbox(o.logger), state: state}
	b := &Pipe{inbox: newMailbox(o.logger), state: state}
	a.peer, b.peer = b, a
	return a, b
}

// WriteMessage encodes msg and queues it for the peer's receiver.
func (p *Pipe) WriteMessage(from string, msg *message.Message) error {
	if r := p.inbox.registered(); r != nil && r.Name() != from {
		return fmt.Errorf("write from %q on %q: %w", from, r.Name(), ErrForeignSender)
	}
	p.state.mu.Lock()
	closed := p.state.closed
	p.state.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	if !p.peer.inbox.put(data) {
		return ErrClosed
	}
	return nil
}

// Register attaches the receiver for envelopes arriving on this end.
func (p *Pipe) Register(r Receiver) error {
	return p.inbox.register(r)
}

// Close ends the pipe. The local receiver sees ErrClosed and the peer's
// receiver sees ErrPeerClosed, each after draining queued envelopes.
func (p *Pipe) Close() error {
	p.state.once.Do(func() {
		p.state.mu.Lock()
		p.state.closed = true
		p.state.mu.Unlock()
		p.inbox.close(ErrClosed)
		p.peer.inbox.close(ErrPeerClosed)
	})
	return nil
}
