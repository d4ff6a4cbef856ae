package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

const channelColumns = `id, agent_id, name, tags, metadata, created_by, version, created_at, updated_at`

func scanChannel(sc scanner) (*entity.Channel, error) {
	ch := &entity.Channel{}
	var tags, metadata string
	err := sc.Scan(
		&ch.ID, &ch.AgentID, &ch.Name, &tags, &metadata,
		&ch.CreatedBy, &ch.Version, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	ch.Type = entity.TypeChannel
	ch.Tags = unmarshalTags(tags)
	ch.Metadata = unmarshalMap(metadata)
	ch.CreatedAt = ch.CreatedAt.UTC()
	ch.UpdatedAt = ch.UpdatedAt.UTC()
	return ch, nil
}

func (s *SQLStore) CreateChannel(ctx context.Context, ch *entity.Channel) error {
	return s.execTx(ctx, func(tx *sqlx.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, tx.Rebind(
			`SELECT id FROM channels WHERE agent_id = ?`), ch.AgentID).Scan(&existing)
		if err == nil {
			return &entity.AlreadyExistsError{Kind: "channel", Key: ch.AgentID}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO channels (id, agent_id, name, tags, metadata, created_by, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), ch.ID, ch.AgentID, ch.Name, marshalTags(ch.Tags), marshalMap(ch.Metadata),
			ch.CreatedBy, ch.Version, ch.CreatedAt, ch.UpdatedAt)
		return err
	})
}

func (s *SQLStore) GetChannel(ctx context.Context, id string) (*entity.Channel, error) {
	ro := s.reader()
	row := ro.QueryRowContext(ctx, ro.Rebind(`SELECT `+channelColumns+` FROM channels WHERE id = ?`), id)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.NewNotFoundError("channel", id)
	}
	return ch, err
}

func (s *SQLStore) GetChannelByAgent(ctx context.Context, agentID string) (*entity.Channel, error) {
	ro := s.reader()
	row := ro.QueryRowContext(ctx, ro.Rebind(`SELECT `+channelColumns+` FROM channels WHERE agent_id = ?`), agentID)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.NewNotFoundError("channel", agentID)
	}
	return ch, err
}

func (s *SQLStore) AppendChannelMessage(ctx context.Context, msg *ChannelMessage) error {
	return s.execTx(ctx, func(tx *sqlx.Tx) error {
		var exists string
		err := tx.QueryRowContext(ctx, tx.Rebind(
			`SELECT id FROM channels WHERE id = ?`), msg.ChannelID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return entity.NewNotFoundError("channel", msg.ChannelID)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO channel_messages (id, channel_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`), msg.ID, msg.ChannelID, msg.Role, msg.Content, msg.CreatedAt)
		return err
	})
}

func (s *SQLStore) ListChannelMessages(ctx context.Context, channelID, role string, limit int) ([]*ChannelMessage, error) {
	query := `SELECT id, channel_id, role, content, created_at FROM channel_messages WHERE channel_id = ?`
	args := []any{channelID}
	if role != "" {
		query += " AND role = ?"
		args = append(args, role)
	}
	query += " ORDER BY created_at ASC"

	ro := s.reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ChannelMessage
	for rows.Next() {
		msg := &ChannelMessage{}
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The limit keeps the most recent tail, not the head.
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
