package pairsync

import "context"

// RefreshEvent is the built-in event that round-trips to the peer without
// touching any variable. Every Protocol registers it.
const RefreshEvent = "__refresh__"

const (
	refreshStep        StepName = "__refresh__"
	refreshReceiveStep StepName = "__refresh_receive__"
)

func refreshPrototype() *EventPrototype {
	return &EventPrototype{Name: RefreshEvent, Entry: refreshStep}
}

func refreshBody(x Exec) (any, error) {
	return nil, x.Sequence(refreshReceiveStep, "")
}

func refreshReceive(x Exec) (any, error) {
	return nil, x.Finish("")
}

// Refresh sends the refresh event to the peer and waits for it to
// commit on both sides. Every envelope the peer wrote before answering
// has been delivered to this endpoint by the time it returns.
func (e *Endpoint) Refresh(ctx context.Context) error {
	_, err := e.Call(ctx, RefreshEvent)
	return err
}
