// Package provider defines the contract between the orchestration core and
// agent CLI providers. A provider exposes two spawn surfaces: headless,
// which yields a stream of structured agent messages, and interactive,
// which yields a pseudoterminal byte stream.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSessionNotFound is returned by spawners when a resume targets a
// provider session the provider no longer knows.
var ErrSessionNotFound = errors.New("provider session not found")

// MessageType identifies the kind of an AgentMessage.
type MessageType string

const (
	MessageSystem     MessageType = "system"
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageResult     MessageType = "result"
	MessageError      MessageType = "error"
)

const (
	// SubtypeInit marks the system message that announces the provider session.
	SubtypeInit = "init"
	// SubtypeSessionNotFound marks a result that failed because a resume
	// targeted a session the provider no longer knows.
	SubtypeSessionNotFound = "session_not_found"
)

// Usage carries token counts reported by the provider.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// AgentMessage is one message observed on a headless session stream.
type AgentMessage struct {
	Type    MessageType `json:"type"`
	Subtype string      `json:"subtype,omitempty"`

	// SessionID is set on system/init messages.
	SessionID string `json:"sessionId,omitempty"`

	// Text carries assistant text content.
	Text string `json:"text,omitempty"`

	// Tool fields for tool_use / tool_result messages.
	ToolName  string         `json:"toolName,omitempty"`
	ToolInput map[string]any `json:"toolInput,omitempty"`
	ToolUseID string         `json:"toolUseId,omitempty"`
	Content   string         `json:"content,omitempty"`

	// Result fields.
	IsError    bool   `json:"isError,omitempty"`
	ErrMessage string `json:"errMessage,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`

	// Raw preserves the provider's wire form for consumers that need it.
	Raw json.RawMessage `json:"-"`
}

// SpawnOptions configures a spawn in either mode.
type SpawnOptions struct {
	WorkingDirectory     string
	InitialPrompt        string
	ResumeSessionID      string
	EnvironmentVariables map[string]string
	StoneforgeRoot       string
	Timeout              time.Duration
	Model                string

	// Interactive terminal dimensions.
	Cols int
	Rows int
}

// HeadlessSession is a running headless child. The Messages channel is
// closed when the provider stream ends; Close terminates the child and
// causes the producer to exit.
type HeadlessSession interface {
	Messages() <-chan *AgentMessage
	SendMessage(content string) error
	Interrupt(ctx context.Context) error
	Close() error
}

// ExitStatus describes how an interactive child ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// InteractiveSession is a running pseudoterminal child.
type InteractiveSession interface {
	PID() int
	// SessionID returns the provider session id, or "" while undiscovered.
	SessionID() string
	Output() <-chan []byte
	Exit() <-chan ExitStatus
	Write(data []byte) error
	Resize(cols, rows int) error
	Kill() error
}

// HeadlessSpawner starts headless sessions.
type HeadlessSpawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (HeadlessSession, error)
}

// InteractiveSpawner starts interactive sessions.
type InteractiveSpawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (InteractiveSession, error)
}

// Model describes one model a provider can run.
type Model struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default,omitempty"`
}

// Provider is one agent CLI integration.
type Provider interface {
	Name() string
	// Executable returns the path consumers use for rate-limit tracking.
	Executable() string
	IsAvailable(ctx context.Context) bool
	ListModels(ctx context.Context) ([]Model, error)
	Headless() HeadlessSpawner
	Interactive() InteractiveSpawner
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. The first registered provider becomes the
// default until SetDefault overrides it.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
}

// SetDefault marks the named provider as the default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("unknown provider %q", name)
	}
	r.defaultName = name
	return nil
}

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	if name == "" {
		return nil, errors.New("no providers registered")
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// List returns the registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
