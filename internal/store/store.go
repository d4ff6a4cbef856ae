// Package store defines durable persistence for elements, sessions, the
// element event log, and settings. Two implementations exist: an in-memory
// store for tests and ephemeral use, and the SQL store under sqlstore.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

// Element event log entry types.
const (
	EventCreated  = "created"
	EventUpdated  = "updated"
	EventClosed   = "closed"
	EventReopened = "reopened"
	EventDeleted  = "deleted"
)

// ElementEvent is one append-only log entry describing a lifecycle change.
// The sync engine consults the log to decide whether an element changed
// since it was last pushed.
type ElementEvent struct {
	ID          string         `json:"id" db:"id"`
	ElementID   string         `json:"elementId" db:"element_id"`
	ElementType string         `json:"elementType" db:"element_type"`
	EventType   string         `json:"eventType" db:"event_type"`
	Actor       string         `json:"actor,omitempty" db:"actor"`
	Payload     map[string]any `json:"payload,omitempty" db:"payload"`
	CreatedAt   time.Time      `json:"createdAt" db:"created_at"`
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	ElementID string
	EventType string
	After     time.Time
	Limit     int
}

// TaskFilter narrows ListTasks. Zero values match everything. Deleted
// tasks are excluded unless IncludeDeleted is set.
type TaskFilter struct {
	Statuses       []entity.TaskStatus
	Assignee       string
	Owner          string
	Tag            string
	TaskType       entity.TaskType
	IncludeDeleted bool
	Limit          int
}

// DocumentFilter narrows ListDocuments. Only chain heads are returned
// unless AllVersions is set.
type DocumentFilter struct {
	Category    entity.DocumentCategory
	Status      entity.DocumentStatus
	Tag         string
	AllVersions bool
	Limit       int
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	Role entity.AgentRole
}

// SessionFilter narrows ListSessions. Results are ordered most recent
// first.
type SessionFilter struct {
	AgentID           string
	TaskID            string
	Statuses          []entity.SessionStatus
	ActiveOnly        bool
	ExcludeTerminated bool
	Limit             int
}

// TaskStore persists tasks. Update loads the current record, applies
// mutate, validates, bumps version and updatedAt, and persists atomically;
// a failed mutate or validation leaves the record untouched.
type TaskStore interface {
	CreateTask(ctx context.Context, task *entity.Task) error
	GetTask(ctx context.Context, id string) (*entity.Task, error)
	UpdateTask(ctx context.Context, id string, mutate func(*entity.Task) error) (*entity.Task, error)
	// DeleteTask soft-deletes: status becomes tombstone and the deletedAt,
	// deletedBy, deleteReason fields are stamped. The record stays readable
	// by id. Deleting a tombstone again reports NotFound.
	DeleteTask(ctx context.Context, id, deletedBy, reason string) (*entity.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*entity.Task, error)
	// ListReadyTasks returns dispatchable tasks ordered by priority
	// ascending, deadline ascending with nulls last, then createdAt
	// ascending.
	ListReadyTasks(ctx context.Context, now time.Time) ([]*entity.Task, error)
	// ListLinkedTasks returns tasks whose metadata carries an external
	// sync link for the given provider, and project when non-empty.
	ListLinkedTasks(ctx context.Context, provider, project string) ([]*entity.Task, error)
	// CountAgentWorkload counts non-deleted tasks assigned to the agent
	// whose status occupies capacity.
	CountAgentWorkload(ctx context.Context, agentID string) (int, error)
}

// DocumentStore persists documents. Content updates append a new chain
// record; metadata updates mutate the record in place without advancing
// the version.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *entity.Document) error
	GetDocument(ctx context.Context, id string) (*entity.Document, error)
	// UpdateDocumentContent appends the next version to the chain and
	// returns it. Immutable documents are rejected.
	UpdateDocumentContent(ctx context.Context, id, content, updatedBy string) (*entity.Document, error)
	// PatchDocument applies a metadata-level mutation (title, category,
	// status, tags, metadata) in place. The version is not advanced.
	PatchDocument(ctx context.Context, id string, mutate func(*entity.Document) error) (*entity.Document, error)
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]*entity.Document, error)
	// ListDocumentVersions returns the whole chain containing id, ordered
	// by version ascending.
	ListDocumentVersions(ctx context.Context, id string) ([]*entity.Document, error)
	ListLinkedDocuments(ctx context.Context, provider, project string) ([]*entity.Document, error)
}

// AgentStore persists agents. Names are unique.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *entity.Agent) error
	GetAgent(ctx context.Context, id string) (*entity.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*entity.Agent, error)
	UpdateAgent(ctx context.Context, id string, mutate func(*entity.Agent) error) (*entity.Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*entity.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

// SessionStore persists session records.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *entity.Session) error
	GetSession(ctx context.Context, id string) (*entity.Session, error)
	UpdateSession(ctx context.Context, id string, mutate func(*entity.Session) error) (*entity.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*entity.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// ChannelMessage is one entry in an agent's durable message history.
type ChannelMessage struct {
	ID        string    `json:"id" db:"id"`
	ChannelID string    `json:"channelId" db:"channel_id"`
	Role      string    `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ChannelStore persists per-agent channels and their message history.
type ChannelStore interface {
	CreateChannel(ctx context.Context, ch *entity.Channel) error
	GetChannel(ctx context.Context, id string) (*entity.Channel, error)
	GetChannelByAgent(ctx context.Context, agentID string) (*entity.Channel, error)
	AppendChannelMessage(ctx context.Context, msg *ChannelMessage) error
	// ListChannelMessages returns messages for a channel ordered oldest
	// first, optionally restricted to one role.
	ListChannelMessages(ctx context.Context, channelID, role string, limit int) ([]*ChannelMessage, error)
}

// EventLog is the append-only element event log, ordered by createdAt
// ascending.
type EventLog interface {
	AppendEvent(ctx context.Context, ev *ElementEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*ElementEvent, error)
}

// Settings is a small durable key-value space for engine state such as
// sync cursors.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store is the full persistence surface.
type Store interface {
	TaskStore
	DocumentStore
	AgentStore
	SessionStore
	ChannelStore
	EventLog
	Settings
	Close() error
}

// NewElementEvent stamps a log entry with an id and timestamp.
func NewElementEvent(elementID, elementType, eventType, actor string) *ElementEvent {
	return &ElementEvent{
		ID:          entity.NewID(entity.PrefixEvent),
		ElementID:   elementID,
		ElementType: elementType,
		EventType:   eventType,
		Actor:       actor,
		CreatedAt:   entity.Now(),
	}
}

// classifyTaskEvent names the log entry for a task mutation. Soft deletion
// wins over everything, then close and reopen, then plain update.
func classifyTaskEvent(before, after *entity.Task) string {
	if before.DeletedAt == nil && after.DeletedAt != nil {
		return EventDeleted
	}
	if before.Status != entity.TaskStatusClosed && after.Status == entity.TaskStatusClosed {
		return EventClosed
	}
	if before.Status == entity.TaskStatusClosed && after.Status != entity.TaskStatusClosed {
		return EventReopened
	}
	return EventUpdated
}

// classifyDocumentEvent names the log entry for a document patch.
func classifyDocumentEvent(before, after *entity.Document) string {
	if before.Status != entity.DocumentStatusArchived && after.Status == entity.DocumentStatusArchived {
		return EventClosed
	}
	if before.Status == entity.DocumentStatusArchived && after.Status != entity.DocumentStatusArchived {
		return EventReopened
	}
	return EventUpdated
}

// clone deep-copies a JSON-serializable record. Both implementations use
// it so callers never share storage with the store.
func clone[T any](src *T) (*T, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	dst := new(T)
	if err := json.Unmarshal(data, dst); err != nil {
		return nil, err
	}
	return dst, nil
}
