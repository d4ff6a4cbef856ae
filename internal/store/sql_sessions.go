package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

const sessionColumns = `id, provider_session_id, agent_id, agent_role, mode, pid, status,
	working_directory, provider, model, task_id, initial_prompt, note,
	created_at, last_activity_at, started_at, ended_at`

func scanSession(sc scanner) (*entity.Session, error) {
	sess := &entity.Session{}
	var started, ended sql.NullTime
	err := sc.Scan(
		&sess.ID, &sess.ProviderSessionID, &sess.AgentID, &sess.AgentRole, &sess.Mode,
		&sess.PID, &sess.Status, &sess.WorkingDirectory, &sess.Provider, &sess.Model,
		&sess.TaskID, &sess.InitialPrompt, &sess.Note,
		&sess.CreatedAt, &sess.LastActivityAt, &started, &ended,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = timePtr(started)
	sess.EndedAt = timePtr(ended)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.LastActivityAt = sess.LastActivityAt.UTC()
	return sess, nil
}

func getSessionFrom(ctx context.Context, q rowQuerier, id string) (*entity.Session, error) {
	row := q.QueryRowContext(ctx, q.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.NewNotFoundError("session", id)
	}
	return sess, err
}

func (s *SQLStore) CreateSession(ctx context.Context, sess *entity.Session) error {
	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.ProviderSessionID, sess.AgentID, sess.AgentRole, sess.Mode,
		sess.PID, sess.Status, sess.WorkingDirectory, sess.Provider, sess.Model,
		sess.TaskID, sess.InitialPrompt, sess.Note,
		sess.CreatedAt, sess.LastActivityAt, nullTime(sess.StartedAt), nullTime(sess.EndedAt))
	return err
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*entity.Session, error) {
	return getSessionFrom(ctx, s.reader(), id)
}

func (s *SQLStore) UpdateSession(ctx context.Context, id string, mutate func(*entity.Session) error) (*entity.Session, error) {
	var updated *entity.Session
	err := s.execTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := getSessionFrom(ctx, tx, id)
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
		if err := applySessionRules(cur, work); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE sessions SET provider_session_id = ?, mode = ?, pid = ?, status = ?,
				working_directory = ?, provider = ?, model = ?, task_id = ?,
				initial_prompt = ?, note = ?, last_activity_at = ?, started_at = ?, ended_at = ?
			WHERE id = ?
		`), work.ProviderSessionID, work.Mode, work.PID, work.Status,
			work.WorkingDirectory, work.Provider, work.Model, work.TaskID,
			work.InitialPrompt, work.Note, work.LastActivityAt,
			nullTime(work.StartedAt), nullTime(work.EndedAt), work.ID)
		if err != nil {
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

func (s *SQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*entity.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, filter.TaskID)
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN ("
		for i, st := range filter.Statuses {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, st)
		}
		query += ")"
	}
	if filter.ActiveOnly {
		query += " AND status IN (?, ?, ?)"
		args = append(args, entity.SessionStarting, entity.SessionRunning, entity.SessionTerminating)
	}
	if filter.ExcludeTerminated {
		query += " AND status != ?"
		args = append(args, entity.SessionTerminated)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	ro := s.reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	w := s.writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entity.NewNotFoundError("session", id)
	}
	return nil
}
