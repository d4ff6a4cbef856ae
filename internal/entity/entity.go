// Package entity defines the persistent entities shared by the orchestration
// core: tasks, documents, agents, channels, and session records, together
// with their status machines and the error taxonomy.
//
// All timestamps are UTC; the wire format is RFC3339.
package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entity type discriminators.
const (
	TypeTask     = "task"
	TypeDocument = "document"
	TypeAgent    = "agent"
	TypeChannel  = "channel"
	TypeSession  = "session"
)

// ID prefixes per entity type.
const (
	PrefixTask     = "task"
	PrefixDocument = "doc"
	PrefixAgent    = "agent"
	PrefixChannel  = "ch"
	PrefixSession  = "sess"
	PrefixEvent    = "evt"
)

// NewID returns a fresh id with the given prefix, e.g. "task-5f0c...".
func NewID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// Now returns the current UTC time. All entity timestamps go through this so
// comparisons are stable across store backends.
func Now() time.Time {
	return time.Now().UTC()
}

// Envelope carries the fields shared by every persistent entity.
type Envelope struct {
	ID        string         `json:"id" db:"id"`
	Type      string         `json:"type" db:"type"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time      `json:"updatedAt" db:"updated_at"`
	CreatedBy string         `json:"createdBy" db:"created_by"`
	Tags      []string       `json:"tags"`
	Metadata  map[string]any `json:"metadata"`
	Version   int64          `json:"version" db:"version"`
}

// NewEnvelope initializes the shared fields for a new entity.
func NewEnvelope(entityType, idPrefix, createdBy string) Envelope {
	now := Now()
	return Envelope{
		ID:        NewID(idPrefix),
		Type:      entityType,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: createdBy,
		Tags:      []string{},
		Metadata:  map[string]any{},
		Version:   1,
	}
}

// Touch refreshes UpdatedAt and bumps the version counter.
func (e *Envelope) Touch() {
	e.UpdatedAt = Now()
	e.Version++
}

// HasTag reports whether the tag is present.
func (e *Envelope) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends the tag if absent, preserving order.
func (e *Envelope) AddTag(tag string) {
	if !e.HasTag(tag) {
		e.Tags = append(e.Tags, tag)
	}
}

// RemoveTag removes the tag if present.
func (e *Envelope) RemoveTag(tag string) {
	for i, t := range e.Tags {
		if t == tag {
			e.Tags = append(e.Tags[:i], e.Tags[i+1:]...)
			return
		}
	}
}

// TrimTitle normalizes a user-supplied title.
func TrimTitle(title string) string {
	return strings.TrimSpace(title)
}
