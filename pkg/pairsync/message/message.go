package message

import (
	"errors"
	"fmt"
	"strings"
)

// Control identifies what a receiver must do with an envelope.
type Control string

// Reserved control sentinels. Step names may not start with SentinelPrefix.
const (
	SentinelPrefix = "$"

	// Release tells the non-initiating side to commit the event.
	Release Control = "$release"

	// SequenceFinished ends a message sequence.
	SequenceFinished Control = "$sequence-finished"

	// NotAccepted tells the initiator its event was refused.
	NotAccepted Control = "$not-accepted"

	// Abort rolls the event back on the receiving side.
	Abort Control = "$abort"
)

// Sentinel errors for envelope validation.
var (
	// ErrMissingControl indicates an envelope without a control value.
	ErrMissingControl = errors.New("control is required")

	// ErrMissingEventName indicates a step envelope without an event name.
	ErrMissingEventName = errors.New("event name is required for step messages")

	// ErrMissingContext indicates an envelope that must carry a payload but does not.
	ErrMissingContext = errors.New("context payload is required")

	// ErrReservedName indicates a step name that collides with the sentinel namespace.
	ErrReservedName = errors.New("name uses the reserved sentinel prefix")
)

// IsSentinel reports whether c is a reserved sentinel rather than a step name.
func (c Control) IsSentinel() bool {
	return strings.HasPrefix(string(c), SentinelPrefix)
}

// ValidateStepName returns an error if name cannot be used as a step.
func ValidateStepName(name string) error {
	if name == "" {
		return ErrMissingControl
	}
	if strings.HasPrefix(name, SentinelPrefix) {
		return fmt.Errorf("%q: %w", name, ErrReservedName)
	}
	return nil
}

// Payload is the environment snapshot an envelope carries.
type Payload struct {
	// DNE names endpoint-global variables the sender does not own.
	DNE map[string]bool `json:"dne"`

	// Shareds holds every shared variable in the event's footprint.
	Shareds map[string]any `json:"shareds"`

	// EndGlobals is always sent empty; endpoint globals never leave their owner.
	EndGlobals map[string]any `json:"endGlobals"`

	// SeqGlobals holds the sequence-local variables of the event.
	SeqGlobals map[string]any `json:"seqGlobals"`
}

// NewPayload returns a payload with all maps allocated.
func NewPayload() *Payload {
	return &Payload{
		DNE:        map[string]bool{},
		Shareds:    map[string]any{},
		EndGlobals: map[string]any{},
		SeqGlobals: map[string]any{},
	}
}

func (p *Payload) normalize() {
	if p.DNE == nil {
		p.DNE = map[string]bool{}
	}
	if p.Shareds == nil {
		p.Shareds = map[string]any{}
	}
	if p.EndGlobals == nil {
		p.EndGlobals = map[string]any{}
	}
	if p.SeqGlobals == nil {
		p.SeqGlobals = map[string]any{}
	}
}

// Message is the envelope written to a connection.
type Message struct {
	Control      Control  `json:"control"`
	EventID      int64    `json:"eventId"`
	EventName    string   `json:"eventName,omitempty"`
	SequenceName string   `json:"sequenceName,omitempty"`
	Context      *Payload `json:"context,omitempty"`
}

// Validate checks that the envelope is well formed for its control value.
func (m *Message) Validate() error {
	switch {
	case m.Control == "":
		return ErrMissingControl
	case m.Control == NotAccepted || m.Control == Abort:
		return nil
	case m.Control == Release || m.Control == SequenceFinished:
		if m.Context == nil {
			return fmt.Errorf("%s for event %d: %w", m.Control, m.EventID, ErrMissingContext)
		}
		return nil
	case m.Control.IsSentinel():
		return fmt.Errorf("unknown sentinel %q: %w", m.Control, ErrReservedName)
	default:
		if m.EventName == "" {
			return fmt.Errorf("step %s for event %d: %w", m.Control, m.EventID, ErrMissingEventName)
		}
		if m.Context == nil {
			return fmt.Errorf("step %s for event %d: %w", m.Control, m.EventID, ErrMissingContext)
		}
		return nil
	}
}

// String returns a short description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s[event=%d name=%s seq=%s]", m.Control, m.EventID, m.EventName, m.SequenceName)
}
