package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

// TaskStatus is the lifecycle state of a long-running operation.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// TaskIDDelimiter separates the base id from the service id inside a task
// identifier.
const TaskIDDelimiter = ":"

// TaskExpireDuration is how long a finished task stays retrievable.
const TaskExpireDuration = 24 * time.Hour

// TaskInfo is the externally visible state of one task. Values are
// snapshots: the manager never hands out state that later mutates under the
// caller.
type TaskInfo struct {
	Description LocalizableMessage `json:"description" mapstructure:"description"`
	Service     string             `json:"service" mapstructure:"service"`
	Operation   string             `json:"operation" mapstructure:"operation"`
	User        string             `json:"user,omitempty" mapstructure:"user,omitempty"`
	Cancelable  bool               `json:"cancelable" mapstructure:"cancelable"`
	Status      TaskStatus         `json:"status" mapstructure:"status"`
	Error       *ProviderError     `json:"error,omitempty" mapstructure:"error,omitempty"`
	Result      any                `json:"result,omitempty" mapstructure:"result,omitempty"`
}

// TaskSummary pairs a task's info with the error types its operation
// declares; the handle validates published errors against them.
type TaskSummary struct {
	Info   TaskInfo
	Errors []string
}

// TaskManager tracks the tasks created by asynchronous operation variants.
// All methods are safe for concurrent use.
type TaskManager struct {
	mu       sync.Mutex
	tasks    map[string]TaskSummary
	toRemove map[string]time.Time
	toCancel map[string]bool

	clock  clock.Clock
	logger *zap.Logger
}

// TaskManagerOption configures a TaskManager.
type TaskManagerOption func(*TaskManager)

// WithClock substitutes the wall clock, letting tests drive expiry.
func WithClock(c clock.Clock) TaskManagerOption {
	return func(m *TaskManager) {
		m.clock = c
	}
}

// WithTaskLogger sets the manager's logger.
func WithTaskLogger(logger *zap.Logger) TaskManagerOption {
	return func(m *TaskManager) {
		m.logger = logger
	}
}

// NewTaskManager returns an empty manager using the wall clock unless
// configured otherwise.
func NewTaskManager(opts ...TaskManagerOption) *TaskManager {
	m := &TaskManager{
		tasks:    map[string]TaskSummary{},
		toRemove: map[string]time.Time{},
		toCancel: map[string]bool{},
		clock:    clock.WallClock,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateTask registers a new pending task and returns its identifier,
// formed from the base id (generated when empty) and the service id. The
// authenticated user, when the context carries one, is recorded on the
// task. Creation also sweeps out tasks whose expiry has passed.
func (m *TaskManager) CreateTask(ctx context.Context, description *LocalizableMessage, serviceID, operationID string, cancelable bool, errorTypes []string, baseID string) string {
	info := TaskInfo{
		Service:    serviceID,
		Operation:  operationID,
		Cancelable: cancelable,
		Status:     TaskPending,
	}
	if description != nil {
		info.Description = *description
	}
	if ec := ExecutionContextFrom(ctx); ec != nil {
		info.User = ec.UserName()
	}
	if baseID == "" {
		baseID = uuid.Must(uuid.NewV4()).String()
	}
	taskID := baseID + TaskIDDelimiter + serviceID

	m.mu.Lock()
	if _, exists := m.tasks[taskID]; !exists {
		m.tasks[taskID] = TaskSummary{Info: info, Errors: errorTypes}
	}
	m.mu.Unlock()

	m.removeExpiredTasks()
	m.logger.Debug("task created",
		zap.String("task", taskID), zap.String("operation", operationID))
	return taskID
}

// GetSummary returns the task's summary.
func (m *TaskManager) GetSummary(taskID string) (TaskSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary, ok := m.tasks[taskID]
	if !ok {
		return TaskSummary{}, notFoundf("task %q not found", taskID)
	}
	return summary, nil
}

// GetInfo returns the task's current info snapshot.
func (m *TaskManager) GetInfo(taskID string) (TaskInfo, error) {
	summary, err := m.GetSummary(taskID)
	if err != nil {
		return TaskInfo{}, err
	}
	return summary.Info, nil
}

// GetInfos returns a snapshot of every live task keyed by id.
func (m *TaskManager) GetInfos() map[string]TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make(map[string]TaskInfo, len(m.tasks))
	for taskID, summary := range m.tasks {
		infos[taskID] = summary.Info
	}
	return infos
}

// SetInfo replaces the task's info. A transition into a terminal status
// schedules removal after the expiry window and drops any pending
// cancellation mark.
func (m *TaskManager) SetInfo(taskID string, info TaskInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary, ok := m.tasks[taskID]
	if !ok {
		return notFoundf("task %q not found", taskID)
	}
	summary.Info = info
	m.tasks[taskID] = summary
	if info.Status.Terminal() {
		m.toRemove[taskID] = m.clock.Now()
		delete(m.toCancel, taskID)
	}
	return nil
}

// RemoveTask drops the task immediately. Removing an unknown task is a
// no-op.
func (m *TaskManager) RemoveTask(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	delete(m.toRemove, taskID)
	delete(m.toCancel, taskID)
}

// MarkForCancellation flags a cancelable task for cancellation; providers
// observe the flag through their task handle. Marking a non-cancelable task
// has no effect.
func (m *TaskManager) MarkForCancellation(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary, ok := m.tasks[taskID]
	if !ok {
		return notFoundf("task %q not found", taskID)
	}
	if summary.Info.Cancelable {
		m.toCancel[taskID] = true
	}
	return nil
}

// IsMarkedForCancellation reports whether cancellation was requested.
func (m *TaskManager) IsMarkedForCancellation(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toCancel[taskID]
}

// removeExpiredTasks sweeps every task whose terminal transition is older
// than the expiry window.
func (m *TaskManager) removeExpiredTasks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for taskID, finished := range m.toRemove {
		if now.Sub(finished) < TaskExpireDuration {
			continue
		}
		delete(m.toRemove, taskID)
		delete(m.tasks, taskID)
		m.logger.Debug("task expired", zap.String("task", taskID))
	}
}

// TaskBaseID extracts the base portion of a task identifier.
func TaskBaseID(taskID string) string {
	if pos := strings.Index(taskID, TaskIDDelimiter); pos >= 0 {
		return taskID[:pos]
	}
	return taskID
}

// TaskServiceID extracts the service portion of a task identifier.
func TaskServiceID(taskID string) string {
	if pos := strings.Index(taskID, TaskIDDelimiter); pos >= 0 {
		return taskID[pos+1:]
	}
	return ""
}
