package outbox

import "go.opentelemetry.io/otel/propagation"

// PostgresOption customizes the Postgres backed stores.
type PostgresOption func(*postgres)

// WithTable overrides the outbox table name. Schema qualified names are accepted.
func WithTable(table string) PostgresOption {
	return func(p *postgres) {
		p.table = table
	}
}

// WithPropagator overrides how trace context is captured on insert.
func WithPropagator(propagator propagation.TextMapPropagator) PostgresOption {
	return func(p *postgres) {
		p.propagator = propagator
	}
}

// WithListLimit sets the default row limit for List.
func WithListLimit(limit int) PostgresOption {
	return func(p *postgres) {
		if limit > 0 {
			p.listLimit = limit
		}
	}
}
