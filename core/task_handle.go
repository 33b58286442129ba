package core

import (
	"context"
	"reflect"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// TaskHandle is a provider's mutable view of one task. Info is local state;
// nothing becomes visible to clients until Publish. Not safe for concurrent
// use by multiple goroutines.
//
// The operation's caller is only unblocked once the provider publishes with
// accept set, so a task id never escapes before the provider has committed
// to running the task.
type TaskHandle struct {
	manager *TaskManager
	taskID  string
	logger  *zap.Logger

	declaredErrors  []string
	resultPrototype any

	// Info accumulates provider updates between Publish calls.
	Info TaskInfo

	acceptOnce sync.Once
	accepted   chan struct{}
}

// NewTaskHandle attaches a handle to an already created task. The
// resultPrototype, when non-nil, names the concrete type task results are
// strictly converted into at publish time; nil leaves results untouched.
func NewTaskHandle(manager *TaskManager, taskID string, resultPrototype any, logger *zap.Logger) (*TaskHandle, error) {
	summary, err := manager.GetSummary(taskID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandle{
		manager:         manager,
		taskID:          taskID,
		logger:          logger,
		declaredErrors:  summary.Errors,
		resultPrototype: resultPrototype,
		Info:            summary.Info,
		accepted:        make(chan struct{}),
	}, nil
}

// ID returns the task identifier the handle publishes to.
func (h *TaskHandle) ID() string {
	return h.taskID
}

// PublishedInfo returns the info clients currently see.
func (h *TaskHandle) PublishedInfo() (TaskInfo, error) {
	return h.manager.GetInfo(h.taskID)
}

// Publish pushes the handle's local info into the manager. The service and
// operation fields always come from the published record: providers cannot
// rewrite them. An error outside the operation's declared error types, or a
// result that fails conversion, degrades the published info to FAILED with
// a synthesized internal server error instead of failing the publish.
//
// Publishing with accept set requires a non-empty description and unblocks
// AwaitAccepted.
func (h *TaskHandle) Publish(accept bool) error {
	published, err := h.manager.GetInfo(h.taskID)
	if err != nil {
		return err
	}
	h.Info.Service = published.Service
	h.Info.Operation = published.Operation

	var degraded *LocalizableMessage
	if h.Info.Error != nil && !h.errorDeclared(h.Info.Error.Name) {
		degraded = &LocalizableMessage{
			ID:             "vapi.task.invalid.error",
			DefaultMessage: "error " + h.Info.Error.Name + " is not declared by operation " + h.Info.Operation,
			Args:           []string{h.Info.Error.Name, h.Info.Operation},
		}
	}
	if degraded == nil && h.Info.Result != nil && h.resultPrototype != nil {
		converted, err := convertTaskResult(h.Info.Result, h.resultPrototype)
		if err != nil {
			degraded = &LocalizableMessage{
				ID:             "vapi.task.invalid.result",
				DefaultMessage: "result of operation " + h.Info.Operation + " cannot be converted: " + err.Error(),
				Args:           []string{h.Info.Operation},
			}
			h.Info.Result = nil
		} else {
			h.Info.Result = converted
		}
	}

	info := h.Info
	if degraded != nil {
		h.logger.Error("task info degraded",
			zap.String("task", h.taskID),
			zap.String("reason", degraded.DefaultMessage))
		info.Status = TaskFailed
		info.Error = newInternalServerError(*degraded)
	}
	if err := h.manager.SetInfo(h.taskID, info); err != nil {
		return err
	}

	if accept {
		if h.Info.Description.Empty() {
			return internalf(
				"task %q accepted without a description", h.taskID)
		}
		h.acceptOnce.Do(func() {
			close(h.accepted)
		})
	}
	return nil
}

// AwaitAccepted blocks until the provider publishes with accept set, or the
// context ends.
func (h *TaskHandle) AwaitAccepted(ctx context.Context) error {
	select {
	case <-h.accepted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsMarkedForCancellation reports whether a client asked for this task to
// be canceled. Providers poll this between steps of their work.
func (h *TaskHandle) IsMarkedForCancellation() bool {
	return h.manager.IsMarkedForCancellation(h.taskID)
}

func (h *TaskHandle) errorDeclared(name string) bool {
	for _, declared := range h.declaredErrors {
		if declared == name {
			return true
		}
	}
	return false
}

// convertTaskResult strictly decodes a dynamic result value into a fresh
// instance of the prototype's type. Unused keys fail the conversion so a
// provider bug cannot silently publish a truncated result.
func convertTaskResult(result, prototype any) (any, error) {
	targetType := reflect.TypeOf(prototype)
	for targetType.Kind() == reflect.Pointer {
		targetType = targetType.Elem()
	}
	target := reflect.New(targetType).Interface()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      target,
		ErrorUnused: true,
		TagName:     "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(result); err != nil {
		return nil, err
	}
	return reflect.ValueOf(target).Elem().Interface(), nil
}

// StartTask creates a task, hands its handle to run on a new goroutine and
// waits for the provider to accept. The returned id is safe to give to the
// client: the task is guaranteed to exist and to have been accepted.
func StartTask(ctx context.Context, manager *TaskManager, description *LocalizableMessage, serviceID, operationID string, cancelable bool, errorTypes []string, resultPrototype any, run func(*TaskHandle)) (string, error) {
	taskID := manager.CreateTask(
		ctx, description, serviceID, operationID, cancelable, errorTypes, "")
	handle, err := NewTaskHandle(manager, taskID, resultPrototype, nil)
	if err != nil {
		return "", err
	}
	go run(handle)
	if err := handle.AwaitAccepted(ctx); err != nil {
		return "", err
	}
	return taskID, nil
}
