package entity

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewTaskDefaults(t *testing.T) {
	task := NewTask("Fix the flaky watcher", "director-1")
	if task.Status != TaskStatusOpen {
		t.Errorf("expected status open, got %s", task.Status)
	}
	if task.Priority != 3 || task.Complexity != 3 {
		t.Errorf("expected priority/complexity 3/3, got %d/%d", task.Priority, task.Complexity)
	}
	if task.TaskType != TaskTypeTask {
		t.Errorf("expected task type %q, got %q", TaskTypeTask, task.TaskType)
	}
	if task.Version != 1 {
		t.Errorf("expected version 1, got %d", task.Version)
	}
	if !strings.HasPrefix(task.ID, PrefixTask) {
		t.Errorf("expected id prefix %q, got %q", PrefixTask, task.ID)
	}
	if err := task.Validate(); err != nil {
		t.Fatalf("new task should validate: %v", err)
	}
}

func TestTaskValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Task)
		field  string
	}{
		{"empty title", func(tk *Task) { tk.Title = "  " }, "title"},
		{"title too long", func(tk *Task) { tk.Title = strings.Repeat("x", MaxTitleLen+1) }, "title"},
		{"bad status", func(tk *Task) { tk.Status = "bogus" }, "status"},
		{"priority low", func(tk *Task) { tk.Priority = 0 }, "priority"},
		{"priority high", func(tk *Task) { tk.Priority = 6 }, "priority"},
		{"complexity low", func(tk *Task) { tk.Complexity = 0 }, "complexity"},
		{"bad type", func(tk *Task) { tk.TaskType = "epic" }, "taskType"},
		{"closedAt without closed", func(tk *Task) { now := Now(); tk.ClosedAt = &now }, "closedAt"},
		{"closed without closedAt", func(tk *Task) { tk.Status = TaskStatusClosed }, "closedAt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewTask("valid", "who")
			tt.mutate(task)
			err := task.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}
}

func TestStatusTransitionTable(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskStatusOpen, TaskStatusInProgress, true},
		{TaskStatusOpen, TaskStatusBacklog, true},
		{TaskStatusOpen, TaskStatusReview, false},
		{TaskStatusInProgress, TaskStatusOpen, true},
		{TaskStatusInProgress, TaskStatusBacklog, false},
		{TaskStatusBlocked, TaskStatusInProgress, true},
		{TaskStatusDeferred, TaskStatusBacklog, true},
		{TaskStatusDeferred, TaskStatusClosed, false},
		{TaskStatusReview, TaskStatusClosed, true},
		{TaskStatusReview, TaskStatusBlocked, false},
		{TaskStatusClosed, TaskStatusOpen, true},
		{TaskStatusClosed, TaskStatusInProgress, false},
		{TaskStatusBacklog, TaskStatusOpen, true},
		{TaskStatusBacklog, TaskStatusInProgress, false},
		{TaskStatusTombstone, TaskStatusOpen, false},
	}
	for _, tt := range tests {
		if got := IsValidStatusTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("transition %s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestSelfTransitionsAreNoOps(t *testing.T) {
	for _, s := range TaskStatuses() {
		if !IsValidStatusTransition(s, s) {
			t.Errorf("self transition %s -> %s should be valid", s, s)
		}
	}
}

func TestUnknownStatusNeverTransitions(t *testing.T) {
	if IsValidStatusTransition("nope", TaskStatusOpen) {
		t.Error("unknown source status should not transition")
	}
	if IsValidStatusTransition(TaskStatusOpen, "nope") {
		t.Error("unknown target status should not transition")
	}
}

func TestTransitionTableExhaustive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	statuses := TaskStatuses()
	values := make([]interface{}, len(statuses))
	for i, s := range statuses {
		values[i] = s
	}
	genStatus := gen.OneConstOf(values...)

	properties.Property("every status pair has a verdict consistent with the allowed set", prop.ForAll(
		func(from, to TaskStatus) bool {
			got := IsValidStatusTransition(from, to)
			if from == to {
				return got
			}
			inAllowed := false
			for _, a := range AllowedTransitions(from) {
				if a == to {
					inAllowed = true
					break
				}
			}
			return got == inAllowed
		},
		genStatus, genStatus,
	))

	properties.Property("tombstone is absorbing", prop.ForAll(
		func(to TaskStatus) bool {
			if to == TaskStatusTombstone {
				return IsValidStatusTransition(TaskStatusTombstone, to)
			}
			return !IsValidStatusTransition(TaskStatusTombstone, to)
		},
		genStatus,
	))

	properties.TestingRun(t)
}

func TestTaskIsReady(t *testing.T) {
	now := Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	task := NewTask("ready check", "who")
	if !task.IsReady(now) {
		t.Error("open task with no schedule should be ready")
	}

	task.ScheduledFor = &future
	if task.IsReady(now) {
		t.Error("task scheduled in the future should not be ready")
	}

	task.ScheduledFor = &past
	if !task.IsReady(now) {
		t.Error("task scheduled in the past should be ready")
	}

	task.Status = TaskStatusInProgress
	if !task.IsReady(now) {
		t.Error("in_progress task should still be ready")
	}

	task.Status = TaskStatusBlocked
	if task.IsReady(now) {
		t.Error("blocked task should not be ready")
	}

	task.Status = TaskStatusOpen
	task.DeletedAt = &past
	if task.IsReady(now) {
		t.Error("soft-deleted task should not be ready")
	}
}

func TestCountsTowardWorkload(t *testing.T) {
	task := NewTask("workload", "who")
	if !task.CountsTowardWorkload() {
		t.Error("open task should count")
	}
	task.Status = TaskStatusBacklog
	if task.CountsTowardWorkload() {
		t.Error("backlog task should not count")
	}
	task.Status = TaskStatusClosed
	if task.CountsTowardWorkload() {
		t.Error("closed task should not count")
	}
	task.Status = TaskStatusInProgress
	now := Now()
	task.DeletedAt = &now
	if task.CountsTowardWorkload() {
		t.Error("soft-deleted task should not count")
	}
}

func TestInvalidStatusErrorShape(t *testing.T) {
	err := NewInvalidStatusError(TaskStatusClosed, TaskStatusInProgress)
	var serr *InvalidStatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected InvalidStatusError, got %T", err)
	}
	if serr.From != string(TaskStatusClosed) || serr.To != string(TaskStatusInProgress) {
		t.Errorf("unexpected from/to: %s -> %s", serr.From, serr.To)
	}
	if len(serr.Allowed) != 1 || serr.Allowed[0] != string(TaskStatusOpen) {
		t.Errorf("expected allowed [open], got %v", serr.Allowed)
	}
	if ErrorCode(err) != CodeInvalidStatus {
		t.Errorf("expected code %s, got %s", CodeInvalidStatus, ErrorCode(err))
	}
}
