package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

const taskColumns = `id, title, status, priority, complexity, task_type, description_ref,
	acceptance_criteria, close_reason, assignee, owner, deadline, scheduled_for,
	closed_at, deleted_at, deleted_by, delete_reason, tags, metadata, created_by,
	version, created_at, updated_at`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Rebind(query string) string
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*entity.Task, error) {
	task := &entity.Task{}
	var tags, metadata string
	var deadline, scheduledFor, closedAt, deletedAt sql.NullTime
	err := sc.Scan(
		&task.ID, &task.Title, &task.Status, &task.Priority, &task.Complexity,
		&task.TaskType, &task.DescriptionRef, &task.AcceptanceCriteria,
		&task.CloseReason, &task.Assignee, &task.Owner, &deadline, &scheduledFor,
		&closedAt, &deletedAt, &task.DeletedBy, &task.DeleteReason,
		&tags, &metadata, &task.CreatedBy, &task.Version, &task.CreatedAt, &task.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Type = entity.TypeTask
	task.Deadline = timePtr(deadline)
	task.ScheduledFor = timePtr(scheduledFor)
	task.ClosedAt = timePtr(closedAt)
	task.DeletedAt = timePtr(deletedAt)
	task.Tags = unmarshalTags(tags)
	task.Metadata = unmarshalMap(metadata)
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return task, nil
}

func getTaskFrom(ctx context.Context, q rowQuerier, id string) (*entity.Task, error) {
	row := q.QueryRowContext(ctx, q.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.NewNotFoundError("task", id)
	}
	return task, err
}

func taskArgs(task *entity.Task) []any {
	return []any{
		task.ID, task.Title, task.Status, task.Priority, task.Complexity,
		task.TaskType, task.DescriptionRef, task.AcceptanceCriteria,
		task.CloseReason, task.Assignee, task.Owner, nullTime(task.Deadline),
		nullTime(task.ScheduledFor), nullTime(task.ClosedAt), nullTime(task.DeletedAt),
		task.DeletedBy, task.DeleteReason, marshalTags(task.Tags),
		marshalMap(task.Metadata), task.CreatedBy, task.Version,
		task.CreatedAt, task.UpdatedAt,
	}
}

func (s *SQLStore) CreateTask(ctx context.Context, task *entity.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	return s.execTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), taskArgs(task)...)
		if err != nil {
			return err
		}
		return s.appendEventTx(tx, NewElementEvent(task.ID, entity.TypeTask, EventCreated, task.CreatedBy))
	})
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*entity.Task, error) {
	return getTaskFrom(ctx, s.reader(), id)
}

func (s *SQLStore) updateTaskRow(ctx context.Context, tx *sqlx.Tx, task *entity.Task) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET title = ?, status = ?, priority = ?, complexity = ?,
			task_type = ?, description_ref = ?, acceptance_criteria = ?,
			close_reason = ?, assignee = ?, owner = ?, deadline = ?,
			scheduled_for = ?, closed_at = ?, deleted_at = ?, deleted_by = ?,
			delete_reason = ?, tags = ?, metadata = ?, version = ?, updated_at = ?
		WHERE id = ?
	`), task.Title, task.Status, task.Priority, task.Complexity, task.TaskType,
		task.DescriptionRef, task.AcceptanceCriteria, task.CloseReason,
		task.Assignee, task.Owner, nullTime(task.Deadline), nullTime(task.ScheduledFor),
		nullTime(task.ClosedAt), nullTime(task.DeletedAt), task.DeletedBy,
		task.DeleteReason, marshalTags(task.Tags), marshalMap(task.Metadata),
		task.Version, task.UpdatedAt, task.ID)
	return err
}

func (s *SQLStore) UpdateTask(ctx context.Context, id string, mutate func(*entity.Task) error) (*entity.Task, error) {
	var updated *entity.Task
	err := s.execTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := getTaskFrom(ctx, tx, id)
		if err != nil {
			return err
		}
		work, err := clone(cur)
		if err != nil {
			return err
		}
		if err := mutate(work); err != nil {
			return err
		}
		if err := applyTaskRules(cur, work); err != nil {
			return err
		}
		if err := s.updateTaskRow(ctx, tx, work); err != nil {
			return err
		}
		evType := classifyTaskEvent(cur, work)
		actor := ""
		if evType == EventDeleted {
			actor = work.DeletedBy
		}
		if err := s.appendEventTx(tx, NewElementEvent(id, entity.TypeTask, evType, actor)); err != nil {
			return err
		}
		updated = work
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) DeleteTask(ctx context.Context, id, deletedBy, reason string) (*entity.Task, error) {
	var deleted *entity.Task
	err := s.execTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := getTaskFrom(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status == entity.TaskStatusTombstone {
			return entity.NewNotFoundError("task", id)
		}
		work, err := clone(cur)
		if err != nil {
			return err
		}
		tombstoneTask(work, deletedBy, reason)
		if err := s.updateTaskRow(ctx, tx, work); err != nil {
			return err
		}
		if err := s.appendEventTx(tx, NewElementEvent(id, entity.TypeTask, EventDeleted, deletedBy)); err != nil {
			return err
		}
		deleted = work
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *SQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*entity.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any

	if !filter.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Assignee != "" {
		conds = append(conds, "assignee = ?")
		args = append(args, filter.Assignee)
	}
	if filter.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.TaskType != "" {
		conds = append(conds, "task_type = ?")
		args = append(args, filter.TaskType)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	ro := s.reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		// Tag membership filters in Go; tags live in a JSON column.
		if filter.Tag != "" && !task.HasTag(filter.Tag) {
			continue
		}
		out = append(out, task)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) ListReadyTasks(ctx context.Context, now time.Time) ([]*entity.Task, error) {
	ro := s.reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?)
		  AND deleted_at IS NULL
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		ORDER BY priority ASC,
			CASE WHEN deadline IS NULL THEN 1 ELSE 0 END,
			deadline ASC,
			created_at ASC
	`), entity.TaskStatusOpen, entity.TaskStatusInProgress, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListLinkedTasks(ctx context.Context, provider, project string) ([]*entity.Task, error) {
	providerExpr := db.JSONExtract(s.driver, "metadata", "_externalSync.provider")
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + providerExpr + ` = ?`
	args := []any{provider}
	if project != "" {
		query += ` AND ` + db.JSONExtract(s.driver, "metadata", "_externalSync.project") + ` = ?`
		args = append(args, project)
	}
	query += ` ORDER BY created_at ASC`

	ro := s.reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountAgentWorkload(ctx context.Context, agentID string) (int, error) {
	ro := s.reader()
	var count int
	err := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT COUNT(*) FROM tasks
		WHERE assignee = ?
		  AND deleted_at IS NULL
		  AND status NOT IN (?, ?, ?)
	`), agentID, entity.TaskStatusClosed, entity.TaskStatusTombstone, entity.TaskStatusBacklog).Scan(&count)
	return count, err
}
