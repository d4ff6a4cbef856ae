package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stoneforge-ai/stoneforge/internal/db"
)

// SQLStore is the durable Store implementation over SQLite or PostgreSQL.
// Writes go through the pool's single-writer connection; reads use the
// read pool.
type SQLStore struct {
	pool   *db.Pool
	driver string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open pool and ensures the schema exists.
func NewSQLStore(pool *db.Pool, driver string) (*SQLStore, error) {
	s := &SQLStore{pool: pool, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error { return s.pool.Close() }

func (s *SQLStore) writer() *sqlx.DB { return s.pool.Writer() }
func (s *SQLStore) reader() *sqlx.DB { return s.pool.Reader() }

func (s *SQLStore) initSchema() error {
	w := s.writer()
	_, err := w.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		priority INTEGER NOT NULL DEFAULT 3,
		complexity INTEGER NOT NULL DEFAULT 3,
		task_type TEXT NOT NULL DEFAULT 'task',
		description_ref TEXT DEFAULT '',
		acceptance_criteria TEXT DEFAULT '',
		close_reason TEXT DEFAULT '',
		assignee TEXT DEFAULT '',
		owner TEXT DEFAULT '',
		deadline TIMESTAMP,
		scheduled_for TIMESTAMP,
		closed_at TIMESTAMP,
		deleted_at TIMESTAMP,
		deleted_by TEXT DEFAULT '',
		delete_reason TEXT DEFAULT '',
		tags TEXT DEFAULT '[]',
		metadata TEXT DEFAULT '{}',
		created_by TEXT DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'markdown',
		content TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'other',
		status TEXT NOT NULL DEFAULT 'active',
		immutable INTEGER NOT NULL DEFAULT 0,
		previous_version_id TEXT,
		tags TEXT DEFAULT '[]',
		metadata TEXT DEFAULT '{}',
		created_by TEXT DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		name_key TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL,
		tags TEXT DEFAULT '[]',
		metadata TEXT DEFAULT '{}',
		created_by TEXT DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		provider_session_id TEXT DEFAULT '',
		agent_id TEXT NOT NULL,
		agent_role TEXT NOT NULL,
		mode TEXT NOT NULL,
		pid INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'starting',
		working_directory TEXT DEFAULT '',
		provider TEXT DEFAULT '',
		model TEXT DEFAULT '',
		task_id TEXT DEFAULT '',
		initial_prompt TEXT DEFAULT '',
		note TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		ended_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		tags TEXT DEFAULT '[]',
		metadata TEXT DEFAULT '{}',
		created_by TEXT DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channel_messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS element_events (
		id TEXT PRIMARY KEY,
		element_id TEXT NOT NULL,
		element_type TEXT NOT NULL,
		event_type TEXT NOT NULL,
		actor TEXT DEFAULT '',
		payload TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);
	`)
	if err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *SQLStore) initIndexes() error {
	_, err := s.writer().Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee);
	CREATE INDEX IF NOT EXISTS idx_tasks_ready ON tasks(status, scheduled_for);
	CREATE INDEX IF NOT EXISTS idx_documents_previous ON documents(previous_version_id);
	CREATE INDEX IF NOT EXISTS idx_documents_category ON documents(category);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON channel_messages(channel_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_element ON element_events(element_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_created ON element_events(created_at);
	`)
	return err
}

// marshalMap renders a metadata map for a TEXT column.
func marshalMap(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// marshalTags renders a tag slice for a TEXT column.
func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalMap(s string) map[string]any {
	m := map[string]any{}
	if s != "" && s != "{}" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

func unmarshalTags(s string) []string {
	tags := []string{}
	if s != "" && s != "[]" {
		_ = json.Unmarshal([]byte(s), &tags)
	}
	return tags
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func stringOf(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

func nameKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// execTx runs fn inside a writer transaction.
func (s *SQLStore) execTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return rbErr
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) appendEventTx(tx *sqlx.Tx, ev *ElementEvent) error {
	_, err := tx.Exec(tx.Rebind(`
		INSERT INTO element_events (id, element_id, element_type, event_type, actor, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), ev.ID, ev.ElementID, ev.ElementType, ev.EventType, ev.Actor, marshalMap(ev.Payload), ev.CreatedAt)
	return err
}
