package core

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestCreateTaskIdentifier(t *testing.T) {
	m := NewTaskManager()
	ctx := context.Background()

	taskID := m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "base-1")
	if taskID != "base-1:"+widgetService {
		t.Errorf("task id = %q", taskID)
	}
	if got := TaskBaseID(taskID); got != "base-1" {
		t.Errorf("TaskBaseID() = %q", got)
	}
	if got := TaskServiceID(taskID); got != widgetService {
		t.Errorf("TaskServiceID() = %q", got)
	}

	// An empty base id produces a generated one.
	generated := m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "")
	if TaskBaseID(generated) == "" || TaskServiceID(generated) != widgetService {
		t.Errorf("generated task id = %q", generated)
	}

	info, err := m.GetInfo(taskID)
	if err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	if info.Status != TaskPending {
		t.Errorf("status = %q, want PENDING", info.Status)
	}
	if info.Service != widgetService || info.Operation != "clone$task" {
		t.Errorf("info = %+v", info)
	}
}

func TestCreateTaskKeepsExistingEntry(t *testing.T) {
	m := NewTaskManager()
	ctx := context.Background()

	taskID := m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "base-1")
	if err := m.SetInfo(taskID, TaskInfo{
		Service:   widgetService,
		Operation: "clone$task",
		Status:    TaskRunning,
	}); err != nil {
		t.Fatal(err)
	}

	// Creating the same id again must not reset the task.
	m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "base-1")
	info, err := m.GetInfo(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != TaskRunning {
		t.Errorf("status = %q, recreate must not reset the task", info.Status)
	}
}

func TestCreateTaskRecordsUser(t *testing.T) {
	m := NewTaskManager()
	ctx := WithExecutionContext(context.Background(), &ExecutionContext{
		Security: SecurityContext{
			SchemeIDKey: UserPasswordScheme,
			UserKey:     "admin",
		},
	})
	taskID := m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "")
	info, err := m.GetInfo(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if info.User != "admin" {
		t.Errorf("user = %q, want admin", info.User)
	}
}

func TestFinishedTaskExpires(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewTaskManager(WithClock(clk))
	ctx := context.Background()

	taskID := m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "done")
	if err := m.SetInfo(taskID, TaskInfo{
		Service:   widgetService,
		Operation: "clone$task",
		Status:    TaskSucceeded,
	}); err != nil {
		t.Fatal(err)
	}

	// Just inside the retention window the task is still retrievable.
	clk.Advance(TaskExpireDuration - time.Minute)
	m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "sweep-1")
	if _, err := m.GetInfo(taskID); err != nil {
		t.Fatalf("task expired too early: %v", err)
	}

	// Past the window the next creation sweeps it out.
	clk.Advance(2 * time.Minute)
	m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "sweep-2")
	if _, err := m.GetInfo(taskID); !IsNotFound(err) {
		t.Errorf("expected not found after expiry, got %v", err)
	}
}

func TestRunningTaskNeverExpires(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewTaskManager(WithClock(clk))
	ctx := context.Background()

	taskID := m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "busy")
	clk.Advance(10 * TaskExpireDuration)
	m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "sweep")
	if _, err := m.GetInfo(taskID); err != nil {
		t.Errorf("non-terminal task must survive sweeps: %v", err)
	}
}

func TestMarkForCancellation(t *testing.T) {
	m := NewTaskManager()
	ctx := context.Background()

	fixed := m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "fixed")
	if err := m.MarkForCancellation(fixed); err != nil {
		t.Fatal(err)
	}
	if m.IsMarkedForCancellation(fixed) {
		t.Error("non-cancelable task must not be markable")
	}

	cancelable := m.CreateTask(ctx, nil, widgetService, "clone$task", true, nil, "soft")
	if err := m.MarkForCancellation(cancelable); err != nil {
		t.Fatal(err)
	}
	if !m.IsMarkedForCancellation(cancelable) {
		t.Error("cancelable task should be marked")
	}

	// A terminal transition drops the pending mark.
	if err := m.SetInfo(cancelable, TaskInfo{
		Service:   widgetService,
		Operation: "clone$task",
		Status:    TaskFailed,
	}); err != nil {
		t.Fatal(err)
	}
	if m.IsMarkedForCancellation(cancelable) {
		t.Error("terminal task must not stay marked for cancellation")
	}
}

func TestTaskLookupErrors(t *testing.T) {
	m := NewTaskManager()
	if _, err := m.GetInfo("missing:svc"); !IsNotFound(err) {
		t.Errorf("GetInfo() error = %v, want not found", err)
	}
	if err := m.SetInfo("missing:svc", TaskInfo{}); !IsNotFound(err) {
		t.Errorf("SetInfo() error = %v, want not found", err)
	}
	if err := m.MarkForCancellation("missing:svc"); !IsNotFound(err) {
		t.Errorf("MarkForCancellation() error = %v, want not found", err)
	}
}

func TestGetInfosSnapshot(t *testing.T) {
	m := NewTaskManager()
	ctx := context.Background()
	a := m.CreateTask(ctx, nil, widgetService, "clone$task", false, nil, "a")
	b := m.CreateTask(ctx, nil, jobService, "start", false, nil, "b")

	infos := m.GetInfos()
	if len(infos) != 2 {
		t.Fatalf("len(infos) = %d, want 2", len(infos))
	}
	if _, ok := infos[a]; !ok {
		t.Errorf("snapshot missing %q", a)
	}

	// Mutating the snapshot must not touch the manager.
	delete(infos, b)
	if _, err := m.GetInfo(b); err != nil {
		t.Errorf("manager state leaked into snapshot: %v", err)
	}
}

func TestRemoveTask(t *testing.T) {
	m := NewTaskManager()
	taskID := m.CreateTask(context.Background(), nil, widgetService, "clone$task", true, nil, "gone")
	m.RemoveTask(taskID)
	if _, err := m.GetInfo(taskID); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	// Removing twice is fine.
	m.RemoveTask(taskID)
}
