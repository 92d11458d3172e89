package events

import "context"

// Receiver dispatches one event to every handler registered for it.
// Handler failures are folded into the result, err is only returned for
// configuration or infrastructure problems.
type Receiver interface {
	Receive(ctx context.Context, event any) (ProcessingResult, error)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, event any) (ProcessingResult, error)

func (f ReceiverFunc) Receive(ctx context.Context, event any) (ProcessingResult, error) {
	return f(ctx, event)
}
