package store

import (
	"context"
	"fmt"
)

func (s *SQLStore) AppendEvent(ctx context.Context, ev *ElementEvent) error {
	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO element_events (id, element_id, element_type, event_type, actor, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), ev.ID, ev.ElementID, ev.ElementType, ev.EventType, ev.Actor, marshalMap(ev.Payload), ev.CreatedAt)
	return err
}

func (s *SQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*ElementEvent, error) {
	query := `SELECT id, element_id, element_type, event_type, actor, payload, created_at
		FROM element_events WHERE 1=1`
	var args []any
	if filter.ElementID != "" {
		query += " AND element_id = ?"
		args = append(args, filter.ElementID)
	}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	if !filter.After.IsZero() {
		query += " AND created_at > ?"
		args = append(args, filter.After)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	ro := s.reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ElementEvent
	for rows.Next() {
		ev := &ElementEvent{}
		var payload string
		if err := rows.Scan(&ev.ID, &ev.ElementID, &ev.ElementType, &ev.EventType, &ev.Actor, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = unmarshalMap(payload)
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
