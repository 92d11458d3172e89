package publisher

import (
	"context"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/outbox"
	"github.com/goliatone/go-events/tx"
)

// OutboxPublisher appends the event to the transactional outbox. Inside a
// transaction the row is written by that transaction, otherwise it is
// written immediately.
type OutboxPublisher struct {
	store    outbox.Store
	settings settings
}

func NewOutboxPublisher(store outbox.Store, opts ...Option) *OutboxPublisher {
	return &OutboxPublisher{store: store, settings: newSettings(opts)}
}

func (p *OutboxPublisher) Publish(ctx context.Context, txn tx.Transaction, event any) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	if txn != nil && !txn.Active() {
		txn = nil
	}
	entry, err := p.store.Insert(ctx, txn, event)
	if err != nil {
		return err
	}
	events.WithLoggerFields(p.settings.logger.WithContext(ctx), map[string]any{
		"event_type": entry.EventType,
		"entry_id":   entry.ID,
	}).Debug("event stored in outbox")
	return nil
}
