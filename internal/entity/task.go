package entity

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDeferred   TaskStatus = "deferred"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusClosed     TaskStatus = "closed"
	TaskStatusTombstone  TaskStatus = "tombstone"
	TaskStatusBacklog    TaskStatus = "backlog"
)

// TaskType classifies the work item.
type TaskType string

const (
	TaskTypeBug     TaskType = "bug"
	TaskTypeFeature TaskType = "feature"
	TaskTypeTask    TaskType = "task"
	TaskTypeChore   TaskType = "chore"
)

// Priority and complexity bounds; 1 is most urgent.
const (
	MinPriority = 1
	MaxPriority = 5

	MinComplexity = 1
	MaxComplexity = 5
)

// MaxTitleLen bounds task and document titles.
const MaxTitleLen = 500

// statusTransitions is the authoritative transition table. Tombstone has no
// outbound edges.
var statusTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusOpen:       {TaskStatusInProgress, TaskStatusBlocked, TaskStatusDeferred, TaskStatusClosed, TaskStatusBacklog},
	TaskStatusInProgress: {TaskStatusOpen, TaskStatusBlocked, TaskStatusDeferred, TaskStatusClosed},
	TaskStatusBlocked:    {TaskStatusOpen, TaskStatusInProgress, TaskStatusDeferred, TaskStatusClosed},
	TaskStatusDeferred:   {TaskStatusOpen, TaskStatusInProgress, TaskStatusBacklog},
	TaskStatusReview:     {TaskStatusOpen, TaskStatusInProgress, TaskStatusClosed},
	TaskStatusClosed:     {TaskStatusOpen},
	TaskStatusBacklog:    {TaskStatusOpen, TaskStatusDeferred, TaskStatusClosed},
	TaskStatusTombstone:  {},
}

// TaskStatuses lists every status value.
func TaskStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusOpen, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDeferred,
		TaskStatusReview, TaskStatusClosed, TaskStatusTombstone, TaskStatusBacklog,
	}
}

// ValidTaskStatus reports whether s is a known status value.
func ValidTaskStatus(s TaskStatus) bool {
	_, ok := statusTransitions[s]
	return ok
}

// AllowedTransitions returns a copy of the outbound edges for a status.
func AllowedTransitions(from TaskStatus) []TaskStatus {
	edges := statusTransitions[from]
	out := make([]TaskStatus, len(edges))
	copy(out, edges)
	return out
}

// IsValidStatusTransition reports whether from -> to is a declared edge.
// Self transitions are no-ops and always valid.
func IsValidStatusTransition(from, to TaskStatus) bool {
	if !ValidTaskStatus(from) || !ValidTaskStatus(to) {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// allowedTransitionStrings renders the allowed set for error payloads.
func allowedTransitionStrings(from TaskStatus) []string {
	edges := statusTransitions[from]
	out := make([]string, len(edges))
	for i, s := range edges {
		out[i] = string(s)
	}
	return out
}

// NewInvalidStatusError builds the InvalidStatus error for a rejected
// transition, carrying the allowed set of the source status.
func NewInvalidStatusError(from, to TaskStatus) *InvalidStatusError {
	return &InvalidStatusError{
		From:    string(from),
		To:      string(to),
		Allowed: allowedTransitionStrings(from),
	}
}

// Task is a unit of dispatchable work.
type Task struct {
	Envelope
	Title              string     `json:"title"`
	Status             TaskStatus `json:"status"`
	Priority           int        `json:"priority"`
	Complexity         int        `json:"complexity"`
	TaskType           TaskType   `json:"taskType"`
	DescriptionRef     string     `json:"descriptionRef,omitempty"` // document id
	AcceptanceCriteria string     `json:"acceptanceCriteria,omitempty"`
	CloseReason        string     `json:"closeReason,omitempty"`
	Assignee           string     `json:"assignee,omitempty"` // agent id
	Owner              string     `json:"owner,omitempty"`    // agent id
	Deadline           *time.Time `json:"deadline,omitempty"`
	ScheduledFor       *time.Time `json:"scheduledFor,omitempty"`
	ClosedAt           *time.Time `json:"closedAt,omitempty"`
	DeletedAt          *time.Time `json:"deletedAt,omitempty"`
	DeletedBy          string     `json:"deletedBy,omitempty"`
	DeleteReason       string     `json:"deleteReason,omitempty"`
}

// NewTask creates an open task with default priority and complexity.
func NewTask(title, createdBy string) *Task {
	return &Task{
		Envelope:   NewEnvelope(TypeTask, PrefixTask, createdBy),
		Title:      TrimTitle(title),
		Status:     TaskStatusOpen,
		Priority:   3,
		Complexity: 3,
		TaskType:   TaskTypeTask,
	}
}

// Validate checks the task invariants.
func (t *Task) Validate() error {
	title := TrimTitle(t.Title)
	if len(title) == 0 {
		return NewValidationError("title", "must not be empty")
	}
	if len(title) > MaxTitleLen {
		return NewValidationError("title", fmt.Sprintf("exceeds %d characters", MaxTitleLen))
	}
	if !ValidTaskStatus(t.Status) {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", t.Status))
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return NewValidationError("priority", fmt.Sprintf("must be in [%d..%d]", MinPriority, MaxPriority))
	}
	if t.Complexity < MinComplexity || t.Complexity > MaxComplexity {
		return NewValidationError("complexity", fmt.Sprintf("must be in [%d..%d]", MinComplexity, MaxComplexity))
	}
	switch t.TaskType {
	case TaskTypeBug, TaskTypeFeature, TaskTypeTask, TaskTypeChore:
	default:
		return NewValidationError("taskType", fmt.Sprintf("unknown task type %q", t.TaskType))
	}
	// closedAt is set iff the task is closed
	if (t.Status == TaskStatusClosed) != (t.ClosedAt != nil) {
		return NewValidationError("closedAt", "must be set exactly when status is closed")
	}
	return nil
}

// IsTerminal reports whether the task left the active lifecycle.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusClosed || t.Status == TaskStatusTombstone
}

// CountsTowardWorkload reports whether the task occupies agent capacity:
// assigned work that is neither terminal nor parked in the backlog.
func (t *Task) CountsTowardWorkload() bool {
	return !t.IsTerminal() && t.Status != TaskStatusBacklog && t.DeletedAt == nil
}

// IsReady reports whether the task is eligible for dispatch at now: open or
// in progress, not soft-deleted, and not scheduled for the future.
func (t *Task) IsReady(now time.Time) bool {
	if t.Status != TaskStatusOpen && t.Status != TaskStatusInProgress {
		return false
	}
	if t.DeletedAt != nil {
		return false
	}
	if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
		return false
	}
	return true
}
