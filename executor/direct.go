package executor

import (
	"context"

	events "github.com/goliatone/go-events"
)

// DirectExecutor invokes handlers on the calling goroutine without
// opening a transaction.
type DirectExecutor struct {
	settings settings
}

func NewDirectExecutor(opts ...Option) *DirectExecutor {
	return &DirectExecutor{settings: newSettings(opts)}
}

func (e *DirectExecutor) Execute(ctx context.Context, ec events.ExecutionContext) (bool, error) {
	return e.settings.execute(ctx, ec, ec.Invoke), nil
}
