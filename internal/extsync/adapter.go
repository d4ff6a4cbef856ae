// Package extsync reconciles linked tasks and documents with external
// issue trackers. The engine performs hash-guarded pushes and
// cursor-guarded pulls through provider adapters; the daemon wraps the
// engine in a single-flight poll loop.
package extsync

import (
	"context"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

// SettingsKeyCursorPrefix prefixes the per-(provider, project, adapter)
// pull cursor keys in Settings.
const SettingsKeyCursorPrefix = "external_sync.cursor."

// SettingsKeyProviderPrefix prefixes the per-provider config keys in
// Settings.
const SettingsKeyProviderPrefix = "external_sync.providers."

// CursorKey builds the Settings key holding the pull high-water mark for
// one provider, project, and adapter type.
func CursorKey(provider, project string, adapterType entity.AdapterType) string {
	return SettingsKeyCursorPrefix + provider + "." + project + "." + string(adapterType)
}

// ProviderKey builds the Settings key holding one provider's config.
func ProviderKey(provider string) string {
	return SettingsKeyProviderPrefix + provider
}

// ProviderSettings is the JSON value stored under
// external_sync.providers.<name>.
type ProviderSettings struct {
	Token          string `json:"token,omitempty"`
	DefaultProject string `json:"defaultProject,omitempty"`
	PollIntervalMs int    `json:"pollIntervalMs,omitempty"`
}

// External element states. Providers with richer state machines collapse
// onto these two in their adapter.
const (
	ExternalStateOpen   = "open"
	ExternalStateClosed = "closed"
)

// ExternalItem is one remote element as reported by an adapter.
type ExternalItem struct {
	ExternalID string    `json:"externalId"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title"`
	Body       string    `json:"body,omitempty"`
	State      string    `json:"state"`
	Labels     []string  `json:"labels,omitempty"`
	Assignee   string    `json:"assignee,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// UpdateInput is the payload an adapter writes to the remote side.
type UpdateInput struct {
	Title    string   `json:"title"`
	Body     string   `json:"body,omitempty"`
	State    string   `json:"state"`
	Labels   []string `json:"labels,omitempty"`
	Assignee string   `json:"assignee,omitempty"`
}

// Adapter connects one provider to one element family. Implementations
// live outside the core; tests use fakes. Every call must honor the
// context deadline supplied by the engine.
type Adapter interface {
	// Provider names the external service, e.g. "github".
	Provider() string
	// Type reports which element family this adapter handles.
	Type() entity.AdapterType
	// Update writes the input to an existing remote element.
	Update(ctx context.Context, project, externalID string, input UpdateInput) (*ExternalItem, error)
	// Create makes a new remote element and returns it with its id.
	Create(ctx context.Context, project string, input UpdateInput) (*ExternalItem, error)
	// ListSince returns remote elements changed after the cursor.
	ListSince(ctx context.Context, project string, since time.Time) ([]*ExternalItem, error)
}
