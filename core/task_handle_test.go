package core

import (
	"context"
	"testing"
	"time"
)

type cloneResult struct {
	Widget string `mapstructure:"widget"`
	Etag   string `mapstructure:"etag"`
}

func newCloneHandle(t *testing.T, m *TaskManager, errorTypes []string, prototype any) *TaskHandle {
	t.Helper()
	taskID := m.CreateTask(
		context.Background(), nil, widgetService, "clone$task", true, errorTypes, "")
	handle, err := NewTaskHandle(m, taskID, prototype, nil)
	if err != nil {
		t.Fatalf("NewTaskHandle() error = %v", err)
	}
	return handle
}

func TestPublishUpdatesManager(t *testing.T) {
	m := NewTaskManager()
	handle := newCloneHandle(t, m, nil, nil)

	handle.Info.Description = LocalizableMessage{
		ID:             "com.acme.widgets.clone",
		DefaultMessage: "cloning widget",
	}
	handle.Info.Status = TaskRunning
	if err := handle.Publish(true); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	published, err := handle.PublishedInfo()
	if err != nil {
		t.Fatal(err)
	}
	if published.Status != TaskRunning {
		t.Errorf("status = %q, want RUNNING", published.Status)
	}
	if published.Description.ID != "com.acme.widgets.clone" {
		t.Errorf("description = %+v", published.Description)
	}
}

func TestPublishPinsServiceAndOperation(t *testing.T) {
	m := NewTaskManager()
	handle := newCloneHandle(t, m, nil, nil)

	handle.Info.Service = "com.acme.other"
	handle.Info.Operation = "hijack"
	handle.Info.Status = TaskRunning
	if err := handle.Publish(false); err != nil {
		t.Fatal(err)
	}

	published, err := handle.PublishedInfo()
	if err != nil {
		t.Fatal(err)
	}
	if published.Service != widgetService || published.Operation != "clone$task" {
		t.Errorf("published %s.%s, provider must not rewrite identity",
			published.Service, published.Operation)
	}
}

func TestPublishAcceptRequiresDescription(t *testing.T) {
	m := NewTaskManager()
	handle := newCloneHandle(t, m, nil, nil)

	if err := handle.Publish(true); err == nil {
		t.Fatal("accept without a description must fail")
	}
	handle.Info.Description = LocalizableMessage{
		ID: "com.acme.widgets.clone", DefaultMessage: "cloning",
	}
	if err := handle.Publish(true); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestPublishUndeclaredErrorDegrades(t *testing.T) {
	m := NewTaskManager()
	handle := newCloneHandle(t, m, []string{"AlreadyExists"}, nil)

	handle.Info.Status = TaskSucceeded
	handle.Info.Error = &ProviderError{Name: "com.acme.surprise"}
	if err := handle.Publish(false); err != nil {
		t.Fatal(err)
	}

	published, err := handle.PublishedInfo()
	if err != nil {
		t.Fatal(err)
	}
	if published.Status != TaskFailed {
		t.Errorf("status = %q, want FAILED", published.Status)
	}
	if published.Error == nil || published.Error.Name != InternalServerErrorName {
		t.Fatalf("error = %+v, want internal server error", published.Error)
	}
	if published.Error.Messages[0].ID != "vapi.task.invalid.error" {
		t.Errorf("message id = %q", published.Error.Messages[0].ID)
	}
}

func TestPublishDeclaredErrorPassesThrough(t *testing.T) {
	m := NewTaskManager()
	handle := newCloneHandle(t, m, []string{"AlreadyExists"}, nil)

	handle.Info.Status = TaskFailed
	handle.Info.Error = &ProviderError{Name: "AlreadyExists"}
	if err := handle.Publish(false); err != nil {
		t.Fatal(err)
	}

	published, err := handle.PublishedInfo()
	if err != nil {
		t.Fatal(err)
	}
	if published.Error == nil || published.Error.Name != "AlreadyExists" {
		t.Errorf("error = %+v", published.Error)
	}
}

func TestPublishConvertsResult(t *testing.T) {
	m := NewTaskManager()
	handle := newCloneHandle(t, m, nil, cloneResult{})

	handle.Info.Status = TaskSucceeded
	handle.Info.Result = Params{"widget": "w2", "etag": "abc"}
	if err := handle.Publish(false); err != nil {
		t.Fatal(err)
	}

	published, err := handle.PublishedInfo()
	if err != nil {
		t.Fatal(err)
	}
	result, ok := published.Result.(cloneResult)
	if !ok {
		t.Fatalf("result = %T, want cloneResult", published.Result)
	}
	if result.Widget != "w2" || result.Etag != "abc" {
		t.Errorf("result = %+v", result)
	}
}

func TestPublishRejectsUnconvertibleResult(t *testing.T) {
	m := NewTaskManager()
	handle := newCloneHandle(t, m, nil, cloneResult{})

	handle.Info.Status = TaskSucceeded
	handle.Info.Result = Params{"widget": "w2", "unexpected": true}
	if err := handle.Publish(false); err != nil {
		t.Fatal(err)
	}

	published, err := handle.PublishedInfo()
	if err != nil {
		t.Fatal(err)
	}
	if published.Status != TaskFailed {
		t.Errorf("status = %q, want FAILED", published.Status)
	}
	if published.Result != nil {
		t.Errorf("result = %v, want nil", published.Result)
	}
	if published.Error == nil || published.Error.Messages[0].ID != "vapi.task.invalid.result" {
		t.Errorf("error = %+v", published.Error)
	}
}

func TestAwaitAccepted(t *testing.T) {
	m := NewTaskManager()
	handle := newCloneHandle(t, m, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := handle.AwaitAccepted(ctx); err == nil {
		t.Fatal("AwaitAccepted must block until accept")
	}

	handle.Info.Description = LocalizableMessage{
		ID: "com.acme.widgets.clone", DefaultMessage: "cloning",
	}
	if err := handle.Publish(true); err != nil {
		t.Fatal(err)
	}
	if err := handle.AwaitAccepted(context.Background()); err != nil {
		t.Fatalf("AwaitAccepted() after accept = %v", err)
	}
}

func TestStartTask(t *testing.T) {
	m := NewTaskManager()
	description := &LocalizableMessage{
		ID:             "com.acme.widgets.clone",
		DefaultMessage: "cloning widget",
	}
	done := make(chan struct{})
	taskID, err := StartTask(
		context.Background(), m, description, widgetService, "clone$task",
		false, nil, nil,
		func(h *TaskHandle) {
			h.Info.Status = TaskRunning
			if err := h.Publish(true); err != nil {
				t.Errorf("accept publish failed: %v", err)
			}
			h.Info.Status = TaskSucceeded
			h.Info.Result = "w2"
			if err := h.Publish(false); err != nil {
				t.Errorf("final publish failed: %v", err)
			}
			close(done)
		})
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	if TaskServiceID(taskID) != widgetService {
		t.Errorf("task id = %q", taskID)
	}

	<-done
	info, err := m.GetInfo(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != TaskSucceeded {
		t.Errorf("status = %q, want SUCCEEDED", info.Status)
	}
	if info.Result != "w2" {
		t.Errorf("result = %v", info.Result)
	}
}

func TestHandleCancellation(t *testing.T) {
	m := NewTaskManager()
	handle := newCloneHandle(t, m, nil, nil)
	if handle.IsMarkedForCancellation() {
		t.Fatal("fresh task must not be marked")
	}
	if err := m.MarkForCancellation(handle.ID()); err != nil {
		t.Fatal(err)
	}
	if !handle.IsMarkedForCancellation() {
		t.Error("handle should observe the cancellation mark")
	}
}
