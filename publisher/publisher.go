package publisher

import (
	"context"
	"fmt"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/tx"
)

// Publisher hands an event to the dispatch engine. txn is the ambient
// transaction of the caller, nil when there is none. Only usage and
// configuration problems are returned, handler failures never are.
type Publisher interface {
	Publish(ctx context.Context, txn tx.Transaction, event any) error
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, txn tx.Transaction, event any) error

func (f Func) Publish(ctx context.Context, txn tx.Transaction, event any) error {
	return f(ctx, txn, event)
}

// Phase selects when TransactionalPublisher dispatches.
type Phase string

const (
	BeforeCommit Phase = "before_commit"
	AfterCommit  Phase = "after_commit"
)

type settings struct {
	logger events.Logger
}

// Option customizes publishers.
type Option func(*settings)

func WithLogger(logger events.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

func newSettings(opts []Option) settings {
	var s settings
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	s.logger = events.NormalizeLogger(s.logger)
	return s
}

// DirectPublisher dispatches on the calling goroutine, ignoring any
// transaction.
type DirectPublisher struct {
	receiver events.Receiver
	settings settings
}

func NewDirectPublisher(receiver events.Receiver, opts ...Option) *DirectPublisher {
	return &DirectPublisher{receiver: receiver, settings: newSettings(opts)}
}

func (p *DirectPublisher) Publish(ctx context.Context, _ tx.Transaction, event any) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	_, err := p.receiver.Receive(ctx, event)
	return err
}

// TransactionalPublisher defers dispatch to a phase of the caller's
// transaction and refuses to publish without one.
type TransactionalPublisher struct {
	receiver events.Receiver
	phase    Phase
	settings settings
}

func NewTransactionalPublisher(receiver events.Receiver, phase Phase, opts ...Option) (*TransactionalPublisher, error) {
	switch phase {
	case BeforeCommit, AfterCommit:
	default:
		return nil, events.NewError(events.ErrInvalidConfig,
			fmt.Sprintf("unknown transaction phase %q", phase), nil, nil)
	}
	return &TransactionalPublisher{receiver: receiver, phase: phase, settings: newSettings(opts)}, nil
}

// Phase returns the configured dispatch phase.
func (p *TransactionalPublisher) Phase() Phase {
	return p.phase
}

func (p *TransactionalPublisher) Publish(ctx context.Context, txn tx.Transaction, event any) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	if txn == nil || !txn.Active() {
		return events.NewError(events.ErrNoActiveTransaction,
			fmt.Sprintf("%s publishing requires an active transaction", p.phase), nil,
			map[string]any{"event_type": events.TypeName(event)})
	}

	logger := events.WithLoggerFields(p.settings.logger.WithContext(ctx), map[string]any{
		"event_type": events.TypeName(event),
		"phase":      string(p.phase),
	})

	switch p.phase {
	case BeforeCommit:
		txn.OnBeforeCommit(func(ctx context.Context) error {
			_, err := p.receiver.Receive(ctx, event)
			return err
		})
	case AfterCommit:
		txn.OnAfterCompletion(func(ctx context.Context, status tx.Status) {
			if status != tx.StatusCommitted {
				logger.Debug("transaction %s, event discarded", status)
				return
			}
			if _, err := p.receiver.Receive(ctx, event); err != nil {
				logger.Error("after-commit dispatch failed: %v", err)
			}
		})
	}
	return nil
}

func validateEvent(event any) error {
	if events.IsNilEvent(event) {
		return events.NewError(events.ErrUnknownEventType, "cannot publish a nil event", nil, nil)
	}
	return nil
}
