package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	events "github.com/goliatone/go-events"
)

// TaskStatus is the lifecycle state of a deduplicated task.
type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one scheduled handler invocation, unique by Key.
type Task struct {
	Key         string     `json:"key"`
	Handler     string     `json:"handler"`
	Method      string     `json:"method"`
	EventType   string     `json:"event_type"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	FinishedAt  time.Time  `json:"finished_at,omitzero"`
}

// TaskKey scopes a derived event key to the handler method it protects.
func TaskKey(rule Rule, key string) string {
	method := rule.Method
	if method == "" {
		method = "*"
	}
	return fmt.Sprintf("%s.%s:%s:%s", rule.Handler, method, rule.EventType, key)
}

// TaskStore is a durable deduplicating task table. Insert must be atomic
// and fail with events.ErrDuplicateTask when the key already exists.
type TaskStore interface {
	Insert(ctx context.Context, task Task) error
	Complete(ctx context.Context, key string, attempts int) error
	Fail(ctx context.Context, key string, attempts int, cause error) error
	Get(ctx context.Context, key string) (Task, bool, error)
}

func duplicateTask(key string) error {
	return events.NewError(events.ErrDuplicateTask,
		fmt.Sprintf("task %s already scheduled", key), nil, map[string]any{"task_key": key})
}

func taskNotFound(key string) error {
	return events.NewError(events.ErrTaskNotFound,
		fmt.Sprintf("task %s not found", key), nil, map[string]any{"task_key": key})
}

func taskStoreError(op, key string, err error) error {
	return events.NewError(events.ErrTaskStore,
		fmt.Sprintf("%s task %s", op, key), err, map[string]any{"task_key": key, "operation": op})
}

// MemoryTaskStore keeps tasks in process.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	now   func() time.Time
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[string]Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryTaskStore) Insert(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Key]; exists {
		return duplicateTask(task.Key)
	}
	if task.Status == "" {
		task.Status = TaskScheduled
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = s.now()
	}
	s.tasks[task.Key] = task
	return nil
}

func (s *MemoryTaskStore) Complete(_ context.Context, key string, attempts int) error {
	return s.finish(key, TaskCompleted, attempts, "")
}

func (s *MemoryTaskStore) Fail(_ context.Context, key string, attempts int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(key, TaskFailed, attempts, msg)
}

func (s *MemoryTaskStore) finish(key string, status TaskStatus, attempts int, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[key]
	if !ok {
		return taskNotFound(key)
	}
	task.Status = status
	task.Attempts = attempts
	task.Error = msg
	task.FinishedAt = s.now()
	s.tasks[key] = task
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, key string) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[key]
	return task, ok, nil
}

// Tasks returns a snapshot of all tasks.
func (s *MemoryTaskStore) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	return out
}
