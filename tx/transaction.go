package tx

import (
	"context"
	"fmt"
	"sync"

	events "github.com/goliatone/go-events"
)

// Status is the completion state of a transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusRolledBack
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Transaction is the explicit handle of an ambient unit of work. Callbacks
// registered on it run on the goroutine completing the transaction.
type Transaction interface {
	Active() bool
	Status() Status
	RollbackOnly() bool
	// SetRollbackOnly forces the transaction to roll back at completion.
	SetRollbackOnly()
	// OnBeforeCommit callbacks run in registration order inside the
	// transaction. An error aborts the commit.
	OnBeforeCommit(fn func(ctx context.Context) error)
	// OnAfterCompletion callbacks run once the outcome is known.
	OnAfterCompletion(fn func(ctx context.Context, status Status))
}

// Manager opens transactions. fn runs inside the transaction and the
// transaction commits when fn returns nil.
type Manager interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, txn Transaction) error) error
}

// ManagerFunc adapts a function to Manager.
type ManagerFunc func(ctx context.Context, fn func(ctx context.Context, txn Transaction) error) error

func (f ManagerFunc) RunInTransaction(ctx context.Context, fn func(ctx context.Context, txn Transaction) error) error {
	return f(ctx, fn)
}

// OnAfterCommit registers fn to run only when txn commits.
func OnAfterCommit(txn Transaction, fn func(ctx context.Context)) {
	if txn == nil || fn == nil {
		return
	}
	txn.OnAfterCompletion(func(ctx context.Context, status Status) {
		if status == StatusCommitted {
			fn(ctx)
		}
	})
}

type txKey struct{}

// WithTransaction carries txn in ctx so handlers can join it.
func WithTransaction(ctx context.Context, txn Transaction) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, txKey{}, txn)
}

// FromContext returns the active transaction carried by ctx.
func FromContext(ctx context.Context) (Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	txn, ok := ctx.Value(txKey{}).(Transaction)
	if !ok || txn == nil || !txn.Active() {
		return nil, false
	}
	return txn, true
}

// Synchronizations implements the callback bookkeeping of Transaction and is
// embedded by the concrete transaction types.
type Synchronizations struct {
	mu           sync.Mutex
	status       Status
	rollbackOnly bool
	before       []func(ctx context.Context) error
	after        []func(ctx context.Context, status Status)
}

func (s *Synchronizations) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusActive
}

func (s *Synchronizations) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Synchronizations) RollbackOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackOnly
}

func (s *Synchronizations) SetRollbackOnly() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackOnly = true
}

// OnBeforeCommit is ignored once the transaction completed.
func (s *Synchronizations) OnBeforeCommit(fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return
	}
	s.before = append(s.before, fn)
}

// OnAfterCompletion is ignored once the transaction completed.
func (s *Synchronizations) OnAfterCompletion(fn func(ctx context.Context, status Status)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return
	}
	s.after = append(s.after, fn)
}

// beforeCommit runs callbacks until none are left, including callbacks
// registered by earlier callbacks.
func (s *Synchronizations) beforeCommit(ctx context.Context) error {
	for i := 0; ; i++ {
		s.mu.Lock()
		if i >= len(s.before) {
			s.mu.Unlock()
			return nil
		}
		fn := s.before[i]
		s.mu.Unlock()
		if err := fn(ctx); err != nil {
			return err
		}
	}
}

func (s *Synchronizations) complete(ctx context.Context, status Status) {
	s.mu.Lock()
	s.status = status
	after := s.after
	s.after = nil
	s.before = nil
	s.mu.Unlock()

	for _, fn := range after {
		fn(ctx, status)
	}
}

// Execute drives the lifecycle shared by every Manager: run fn, run the
// before-commit callbacks, commit, then notify after-completion callbacks.
// Panics roll back and propagate.
func Execute(
	ctx context.Context,
	txn Transaction,
	syncs *Synchronizations,
	commit func(ctx context.Context) error,
	rollback func(ctx context.Context) error,
	fn func(ctx context.Context, txn Transaction) error,
) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if fn == nil {
		return fmt.Errorf("transaction body cannot be nil")
	}
	txCtx := WithTransaction(ctx, txn)

	done := false
	defer func() {
		if done {
			return
		}
		if r := recover(); r != nil {
			_ = rollback(ctx)
			syncs.complete(ctx, StatusRolledBack)
			panic(r)
		}
	}()

	abort := func(cause error) error {
		done = true
		if rbErr := rollback(ctx); rbErr != nil {
			cause = fmt.Errorf("%w (rollback: %v)", cause, rbErr)
		}
		syncs.complete(ctx, StatusRolledBack)
		return cause
	}

	if err := fn(txCtx, txn); err != nil {
		return abort(err)
	}
	if err := syncs.beforeCommit(txCtx); err != nil {
		return abort(err)
	}
	if syncs.RollbackOnly() {
		return abort(events.NewError(events.ErrRollbackOnly, "", nil, nil))
	}
	if err := commit(ctx); err != nil {
		done = true
		syncs.complete(ctx, StatusUnknown)
		return fmt.Errorf("commit transaction: %w", err)
	}
	done = true
	syncs.complete(ctx, StatusCommitted)
	return nil
}
