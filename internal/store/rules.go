package store

import (
	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

// applyTaskRules finishes a task mutation: identity fields are pinned,
// the status hop is checked against the transition table, closedAt is
// stamped, and the version advances. Self-transitions pass through as
// no-ops.
func applyTaskRules(before, after *entity.Task) error {
	after.ID = before.ID
	after.Type = before.Type
	after.CreatedAt = before.CreatedAt
	after.CreatedBy = before.CreatedBy

	if before.Status != after.Status {
		if !entity.IsValidStatusTransition(before.Status, after.Status) {
			return entity.NewInvalidStatusError(before.Status, after.Status)
		}
		if after.Status == entity.TaskStatusClosed && after.ClosedAt == nil {
			now := entity.Now()
			after.ClosedAt = &now
		}
		if before.Status == entity.TaskStatusClosed && after.Status != entity.TaskStatusClosed {
			after.ClosedAt = nil
			after.CloseReason = ""
		}
	}

	if err := after.Validate(); err != nil {
		return err
	}
	after.Version = before.Version + 1
	after.UpdatedAt = entity.Now()
	return nil
}

// tombstoneTask applies the soft-delete shape in place. The tombstone hop
// bypasses the transition table; closedAt is cleared so the closed
// invariant keeps holding.
func tombstoneTask(task *entity.Task, deletedBy, reason string) {
	now := entity.Now()
	task.Status = entity.TaskStatusTombstone
	task.ClosedAt = nil
	task.DeletedAt = &now
	task.DeletedBy = deletedBy
	task.DeleteReason = reason
	task.Version++
	task.UpdatedAt = now
}

// applyDocumentPatchRules finishes a metadata-level document mutation.
// Content and chain position never move through a patch, and the version
// is preserved so it keeps meaning chain position.
func applyDocumentPatchRules(before, after *entity.Document) error {
	after.ID = before.ID
	after.Type = before.Type
	after.CreatedAt = before.CreatedAt
	after.CreatedBy = before.CreatedBy
	after.PreviousVersionID = before.PreviousVersionID

	if after.Content != before.Content || after.ContentType != before.ContentType {
		return entity.NewValidationError("content", "content changes require a new version")
	}
	after.Version = before.Version
	if err := after.Validate(); err != nil {
		return err
	}
	after.UpdatedAt = entity.Now()
	return nil
}

// applyAgentRules finishes an agent mutation.
func applyAgentRules(before, after *entity.Agent) error {
	after.ID = before.ID
	after.Type = before.Type
	after.CreatedAt = before.CreatedAt
	after.CreatedBy = before.CreatedBy

	if err := after.Validate(); err != nil {
		return err
	}
	after.Version = before.Version + 1
	after.UpdatedAt = entity.Now()
	return nil
}

// applySessionRules finishes a session mutation: the status hop is checked
// against the lifecycle matrix and running/terminated timestamps are
// stamped when the mutation did not.
func applySessionRules(before, after *entity.Session) error {
	after.ID = before.ID
	after.CreatedAt = before.CreatedAt

	if before.Status != after.Status {
		if !entity.IsValidSessionTransition(before.Status, after.Status) {
			names := make([]string, 0, 4)
			for _, a := range entity.AllowedSessionTransitions(before.Status) {
				names = append(names, string(a))
			}
			return &entity.InvalidStatusError{From: string(before.Status), To: string(after.Status), Allowed: names}
		}
		now := entity.Now()
		if after.Status == entity.SessionRunning && after.StartedAt == nil {
			after.StartedAt = &now
		}
		if after.Status == entity.SessionTerminated && after.EndedAt == nil {
			after.EndedAt = &now
		}
	}
	after.LastActivityAt = entity.Now()
	return nil
}
