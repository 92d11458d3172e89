package events

import (
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeNoActiveTransaction         = "NO_ACTIVE_TRANSACTION"
	ErrCodeHandlerNotResolved          = "HANDLER_NOT_RESOLVED"
	ErrCodeAggregateNotFound           = "AGGREGATE_NOT_FOUND"
	ErrCodeTransactionManagerMissing   = "TRANSACTION_MANAGER_MISSING"
	ErrCodeAmbiguousTransactionManager = "AMBIGUOUS_TRANSACTION_MANAGER"
	ErrCodeDuplicateTask               = "DUPLICATE_TASK"
	ErrCodeTaskScheduling              = "TASK_SCHEDULING_FAILED"
	ErrCodeUnknownChannel              = "UNKNOWN_CHANNEL"
	ErrCodeInvalidConfig               = "INVALID_CONFIG"
	ErrCodeIncompatibleTransaction     = "INCOMPATIBLE_TRANSACTION"
	ErrCodeRollbackOnly                = "ROLLBACK_ONLY"
	ErrCodeHandlerFailed               = "HANDLER_FAILED"
	ErrCodeRegistryAlreadyInitialized  = "REGISTRY_ALREADY_INITIALIZED"
	ErrCodeUnknownEventType            = "UNKNOWN_EVENT_TYPE"
	ErrCodeInvalidHandlerRegistration  = "INVALID_HANDLER_REGISTRATION"
	ErrCodeTaskNotFound                = "TASK_NOT_FOUND"
	ErrCodeTaskStore                   = "TASK_STORE_FAILED"
	ErrCodeOutboxEntryNotFound         = "OUTBOX_ENTRY_NOT_FOUND"
	ErrCodeInvalidProcessingResult     = "INVALID_PROCESSING_RESULT"
)

var (
	// ErrNoActiveTransaction is returned by transactional publishers invoked
	// outside of a transaction.
	ErrNoActiveTransaction = apperrors.New("no active transaction", apperrors.CategoryConflict).
				WithTextCode(ErrCodeNoActiveTransaction)
	// ErrHandlerNotResolved is a configuration error: a registration names a
	// handler that is not available.
	ErrHandlerNotResolved = apperrors.New("handler not resolved", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeHandlerNotResolved)
	ErrAggregateNotFound = apperrors.New("aggregate not found", apperrors.CategoryHandler).
				WithTextCode(ErrCodeAggregateNotFound)
	ErrTransactionManagerMissing = apperrors.New("transaction manager missing", apperrors.CategoryValidation).
					WithTextCode(ErrCodeTransactionManagerMissing)
	ErrAmbiguousTransactionManager = apperrors.New("ambiguous transaction manager", apperrors.CategoryValidation).
					WithTextCode(ErrCodeAmbiguousTransactionManager)
	// ErrDuplicateTask signals that an idempotent task with the same key was
	// already scheduled.
	ErrDuplicateTask = apperrors.New("task already scheduled", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateTask)
	ErrTaskScheduling = apperrors.New("task scheduling failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeTaskScheduling)
	ErrUnknownChannel = apperrors.New("unknown channel", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownChannel)
	ErrInvalidConfig = apperrors.New("invalid configuration", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidConfig)
	ErrIncompatibleTransaction = apperrors.New("incompatible transaction", apperrors.CategoryBadInput).
					WithTextCode(ErrCodeIncompatibleTransaction)
	ErrRollbackOnly = apperrors.New("transaction marked rollback-only", apperrors.CategoryConflict).
			WithTextCode(ErrCodeRollbackOnly)
	ErrHandlerFailed = apperrors.New("handler failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeHandlerFailed)
	ErrRegistryAlreadyInitialized = apperrors.New("registry already initialized", apperrors.CategoryConflict).
					WithTextCode(ErrCodeRegistryAlreadyInitialized)
	ErrUnknownEventType = apperrors.New("unknown event type", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownEventType)
	ErrInvalidHandlerRegistration = apperrors.New("invalid handler registration", apperrors.CategoryBadInput).
					WithTextCode(ErrCodeInvalidHandlerRegistration)
	ErrTaskNotFound = apperrors.New("task not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeTaskNotFound)
	ErrTaskStore = apperrors.New("task store failed", apperrors.CategoryExternal).
			WithTextCode(ErrCodeTaskStore)
	ErrOutboxEntryNotFound = apperrors.New("outbox entry not found", apperrors.CategoryNotFound).
				WithTextCode(ErrCodeOutboxEntryNotFound)
	ErrInvalidProcessingResult = apperrors.New("invalid processing result", apperrors.CategoryBadInput).
					WithTextCode(ErrCodeInvalidProcessingResult)
)

var configurationCodes = map[string]struct{}{
	ErrCodeHandlerNotResolved:          {},
	ErrCodeTransactionManagerMissing:   {},
	ErrCodeAmbiguousTransactionManager: {},
	ErrCodeUnknownChannel:              {},
	ErrCodeInvalidConfig:               {},
	ErrCodeInvalidHandlerRegistration:  {},
}

// NewError clones a sentinel with a specific message, cause and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidConfig
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// AggregateNotFound builds the error returned when a targeted aggregate is
// missing.
func AggregateNotFound(repository, id string) error {
	return NewError(ErrAggregateNotFound,
		fmt.Sprintf("aggregate %s with id %q not found", repository, id), nil,
		map[string]any{"repository": repository, "target_id": id})
}

// ErrorCode returns the first text code found in the error chain.
func ErrorCode(err error) string {
	code := ""
	walkErrors(err, func(ge *apperrors.Error) bool {
		if ge.TextCode != "" {
			code = ge.TextCode
			return true
		}
		return false
	})
	return code
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code string) bool {
	found := false
	walkErrors(err, func(ge *apperrors.Error) bool {
		found = ge.TextCode == code
		return found
	})
	return found
}

// IsConfigurationError reports errors that must fail at setup and never be
// retried.
func IsConfigurationError(err error) bool {
	found := false
	walkErrors(err, func(ge *apperrors.Error) bool {
		_, found = configurationCodes[ge.TextCode]
		return found
	})
	return found
}

func walkErrors(err error, visit func(*apperrors.Error) bool) bool {
	if err == nil {
		return false
	}
	ge, isApp := err.(*apperrors.Error)
	if isApp && visit(ge) {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if walkErrors(inner, visit) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return walkErrors(x.Unwrap(), visit)
	}
	if isApp {
		return walkErrors(ge.Source, visit)
	}
	return false
}

// HandlerError wraps a handler failure with the execution context identity.
type HandlerError struct {
	Handler   string
	Method    string
	EventType string
	Err       error
}

func (e *HandlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s(%s): %v", e.Handler, e.Method, e.EventType, e.Err)
	}
	return fmt.Sprintf("%s.%s(%s): failed", e.Handler, e.Method, e.EventType)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// WrapHandlerError decorates err with the identity of ec.
func WrapHandlerError(ec ExecutionContext, err error) *HandlerError {
	if ec == nil {
		return &HandlerError{Err: err}
	}
	return &HandlerError{
		Handler:   ec.HandlerName(),
		Method:    ec.MethodName(),
		EventType: TypeName(ec.Event()),
		Err:       err,
	}
}
