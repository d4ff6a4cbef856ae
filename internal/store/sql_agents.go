package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

const agentColumns = `id, name, role, tags, metadata, created_by, version, created_at, updated_at`

func scanAgent(sc scanner) (*entity.Agent, error) {
	agent := &entity.Agent{}
	var tags, metadata string
	err := sc.Scan(
		&agent.ID, &agent.Name, &agent.Role, &tags, &metadata,
		&agent.CreatedBy, &agent.Version, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	agent.Type = entity.TypeAgent
	agent.Tags = unmarshalTags(tags)
	agent.Metadata = unmarshalMap(metadata)
	agent.CreatedAt = agent.CreatedAt.UTC()
	agent.UpdatedAt = agent.UpdatedAt.UTC()
	return agent, nil
}

func getAgentFrom(ctx context.Context, q rowQuerier, id string) (*entity.Agent, error) {
	row := q.QueryRowContext(ctx, q.Rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.NewNotFoundError("agent", id)
	}
	return agent, err
}

func (s *SQLStore) CreateAgent(ctx context.Context, agent *entity.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	return s.execTx(ctx, func(tx *sqlx.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, tx.Rebind(
			`SELECT id FROM agents WHERE name_key = ?`), nameKey(agent.Name)).Scan(&existing)
		if err == nil {
			return &entity.AlreadyExistsError{Kind: "agent", Key: agent.Name}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO agents (id, name, name_key, role, tags, metadata, created_by, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), agent.ID, agent.Name, nameKey(agent.Name), agent.Role, marshalTags(agent.Tags),
			marshalMap(agent.Metadata), agent.CreatedBy, agent.Version, agent.CreatedAt, agent.UpdatedAt)
		if err != nil {
			return err
		}
		return s.appendEventTx(tx, NewElementEvent(agent.ID, entity.TypeAgent, EventCreated, agent.CreatedBy))
	})
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*entity.Agent, error) {
	return getAgentFrom(ctx, s.reader(), id)
}

func (s *SQLStore) GetAgentByName(ctx context.Context, name string) (*entity.Agent, error) {
	ro := s.reader()
	row := ro.QueryRowContext(ctx, ro.Rebind(
		`SELECT `+agentColumns+` FROM agents WHERE name_key = ?`), nameKey(name))
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.NewNotFoundError("agent", name)
	}
	return agent, err
}

func (s *SQLStore) UpdateAgent(ctx context.Context, id string, mutate func(*entity.Agent) error) (*entity.Agent, error) {
	var updated *entity.Agent
	err := s.execTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := getAgentFrom(ctx, tx, id)
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
		if err := applyAgentRules(cur, work); err != nil {
			return err
		}
		if nameKey(work.Name) != nameKey(cur.Name) {
			var taken string
			err := tx.QueryRowContext(ctx, tx.Rebind(
				`SELECT id FROM agents WHERE name_key = ? AND id != ?`), nameKey(work.Name), id).Scan(&taken)
			if err == nil {
				return &entity.AlreadyExistsError{Kind: "agent", Key: work.Name}
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE agents SET name = ?, name_key = ?, role = ?, tags = ?, metadata = ?, version = ?, updated_at = ?
			WHERE id = ?
		`), work.Name, nameKey(work.Name), work.Role, marshalTags(work.Tags),
			marshalMap(work.Metadata), work.Version, work.UpdatedAt, work.ID)
		if err != nil {
			return err
		}
		if err := s.appendEventTx(tx, NewElementEvent(work.ID, entity.TypeAgent, EventUpdated, "")); err != nil {
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

func (s *SQLStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*entity.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if filter.Role != "" {
		query += " AND role = ?"
		args = append(args, filter.Role)
	}
	query += " ORDER BY created_at ASC"

	ro := s.reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	return s.execTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM agents WHERE id = ?`), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return entity.NewNotFoundError("agent", id)
		}
		return s.appendEventTx(tx, NewElementEvent(id, entity.TypeAgent, EventDeleted, ""))
	})
}
